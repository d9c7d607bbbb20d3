// Package hidelist loads and evaluates the hide-list configuration: a
// merged set of path patterns loaded once at startup, applied to
// lower-layer listings only.
package hidelist

import (
	"bufio"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultConfigPath is the fixed configuration file location.
const DefaultConfigPath = "/home/jailbox/profile.config"

// List is the effective hide-list: (blacklist) minus ((whitelist) minus
// (nowhitelist)).
type List struct {
	whitelist   []string
	nowhitelist []string
	blacklist   []string
}

// Load reads and parses the configuration file at path. A missing file
// is not an error - it yields an empty (permit-everything) List, since
// the hide-list is an optional hardening layer.
func Load(path string) (*List, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return &List{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	home := homeDirForPkexecUID()
	l := &List{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 {
			continue
		}
		pattern := expandHome(strings.TrimSpace(fields[1]), home)
		switch fields[0] {
		case "whitelist":
			l.whitelist = append(l.whitelist, pattern)
		case "nowhitelist":
			l.nowhitelist = append(l.nowhitelist, pattern)
		case "blacklist":
			l.blacklist = append(l.blacklist, pattern)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return l, nil
}

// homeDirForPkexecUID resolves the home directory of the user identified
// by the PKEXEC_UID environment variable. If unset or unresolvable, it
// falls back to the current process's home directory.
func homeDirForPkexecUID() string {
	if s := os.Getenv("PKEXEC_UID"); s != "" {
		if uid, err := strconv.Atoi(s); err == nil {
			if u, err := user.LookupId(strconv.Itoa(uid)); err == nil {
				return u.HomeDir
			}
		}
	}
	if u, err := user.Current(); err == nil {
		return u.HomeDir
	}
	return ""
}

func expandHome(pattern, home string) string {
	if home == "" {
		return pattern
	}
	if strings.HasPrefix(pattern, "${HOME}") {
		return home + strings.TrimPrefix(pattern, "${HOME}")
	}
	if strings.HasPrefix(pattern, "~") {
		return home + strings.TrimPrefix(pattern, "~")
	}
	return pattern
}

// Hidden reports whether path (an absolute path within the unified
// namespace) should be hidden from lower-layer directory listings.
//
// Matching uses path/filepath.Match, the standard library's glob
// matcher (see DESIGN.md for why no third-party glob library was
// adopted instead).
func (l *List) Hidden(path string) bool {
	if l == nil {
		return false
	}
	whitelisted := matchesAny(l.whitelist, path) && !matchesAny(l.nowhitelist, path)
	blacklisted := matchesAny(l.blacklist, path)
	return blacklisted && !whitelisted
}

func matchesAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, path); ok {
			return true
		}
		// Also allow a pattern to match any of the path's ancestor
		// directories, so "blacklist /proc/*" hides everything under
		// /proc, not just direct children.
		if strings.HasPrefix(path, strings.TrimSuffix(p, "*")) && strings.HasSuffix(p, "*") {
			return true
		}
	}
	return false
}
