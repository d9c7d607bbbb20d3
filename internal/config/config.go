// Package config parses the mount-option string into the typed values
// every other package needs: layer paths, the identity mapping tables,
// the mode-override policy, and the assorted behavioral toggles (fsync,
// writeback, static_nlink, ...).
//
// Options arrive as "-o key=val,..." comma-separated pairs plus a
// trailing positional mount point, parsed with a hand-rolled
// strings.Split/strconv pass rather than a flag/CLI library (see
// DESIGN.md for why).
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sandboxfs/overlayfs/internal/idmap"
	"github.com/sandboxfs/overlayfs/internal/mutate"
)

// Config is the fully parsed set of mount options.
type Config struct {
	Lowers  []string
	Upper   string
	WorkDir string

	RedirectDir bool

	UIDRanges []idmap.Range
	GIDRanges []idmap.Range
	UIDSquash idmap.Squash
	GIDSquash idmap.Squash

	// Timeout is the FUSE entry/attr cache validity window.
	Timeout float64

	Threaded bool
	Fsync    bool
	FastIno  bool
	Writeback bool
	NoXattrs bool

	Plugins []string

	Override mutate.OverrideMode

	StaticNlink bool
	Context     string

	// CryptoPassword, CryptoSalt, and CryptoIterations drive the
	// block-crypto key derivation. Block crypto is always interposed
	// on regular-file reads/writes (see internal/blockcrypto); when the
	// mount line doesn't set crypto_password, the fixed defaults below
	// stand in, so no mount ever runs unkeyed. Confidentiality against
	// an attacker who can read this binary is explicitly not a goal.
	CryptoPassword   string
	CryptoSalt       string
	CryptoIterations int

	// MountPoint is the positional argument following -o.
	MountPoint string
}

// defaultCryptoPassword is the fixed embedded secret block crypto falls
// back to when a mount line doesn't set crypto_password. It offers no
// confidentiality against an attacker who can read this binary; it only
// guarantees that upper-layer content is never stored in the clear.
const defaultCryptoPassword = "sandboxfs-overlay-embedded-key-v1"
const defaultCryptoSalt = "sandboxfs-overlay-default-salt"
const defaultCryptoIterations = 200000

// Default returns a Config with redirect_dir on, fsync on, everything
// else off, a 1-second cache timeout, and the embedded block-crypto
// secret in place.
func Default() Config {
	return Config{
		RedirectDir:      true,
		Timeout:          1.0,
		Fsync:            true,
		CryptoPassword:   defaultCryptoPassword,
		CryptoSalt:       defaultCryptoSalt,
		CryptoIterations: defaultCryptoIterations,
	}
}

// Parse parses a "-o" option string (comma-separated key[=value] pairs)
// and the trailing positional mount point.
func Parse(optString, mountPoint string) (Config, error) {
	cfg := Default()
	cfg.MountPoint = mountPoint

	for _, pair := range splitNonEmpty(optString, ',') {
		key, val, hasVal := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)

		switch key {
		case "lowerdir":
			cfg.Lowers = splitNonEmpty(val, ':')
		case "upperdir":
			cfg.Upper = val
		case "workdir":
			cfg.WorkDir = val
		case "redirect_dir":
			cfg.RedirectDir = val != "off"
		case "uidmapping":
			ranges, err := idmap.ParseRanges(val)
			if err != nil {
				return cfg, err
			}
			cfg.UIDRanges = ranges
		case "gidmapping":
			ranges, err := idmap.ParseRanges(val)
			if err != nil {
				return cfg, err
			}
			cfg.GIDRanges = ranges
		case "squash_to_root":
			cfg.UIDSquash.ToRoot = true
			cfg.GIDSquash.ToRoot = true
		case "squash_to_uid":
			id, err := parseUint32(val)
			if err != nil {
				return cfg, fmt.Errorf("config: squash_to_uid: %w", err)
			}
			cfg.UIDSquash.To = &id
		case "squash_to_gid":
			id, err := parseUint32(val)
			if err != nil {
				return cfg, fmt.Errorf("config: squash_to_gid: %w", err)
			}
			cfg.GIDSquash.To = &id
		case "timeout":
			t, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return cfg, fmt.Errorf("config: timeout: %w", err)
			}
			cfg.Timeout = t
		case "threaded":
			cfg.Threaded = boolOpt(val, hasVal)
		case "fsync":
			cfg.Fsync = val != "0" && val != "off"
		case "fast_ino":
			cfg.FastIno = boolOpt(val, hasVal)
		case "writeback":
			cfg.Writeback = boolOpt(val, hasVal)
		case "noxattrs":
			cfg.NoXattrs = boolOpt(val, hasVal)
		case "plugins":
			cfg.Plugins = splitNonEmpty(val, ':')
		case "xattr_permissions":
			mode, err := strconv.Atoi(val)
			if err != nil || mode < 0 || mode > 2 {
				return cfg, fmt.Errorf("config: xattr_permissions: invalid value %q", val)
			}
			cfg.Override = mutate.OverrideMode(mode)
		case "static_nlink":
			cfg.StaticNlink = boolOpt(val, hasVal)
		case "volatile":
			cfg.Fsync = false
		case "context":
			cfg.Context = val
		case "crypto_password":
			cfg.CryptoPassword = val
		case "crypto_salt":
			cfg.CryptoSalt = val
		case "crypto_iterations":
			n, err := strconv.Atoi(val)
			if err != nil || n <= 0 {
				return cfg, fmt.Errorf("config: crypto_iterations: invalid value %q", val)
			}
			cfg.CryptoIterations = n
		default:
			// Unrecognized options are ignored rather than rejected,
			// so a mount line written for a newer or unrelated
			// overlay implementation doesn't fail outright here.
		}
	}

	if len(cfg.Lowers) == 0 {
		return cfg, fmt.Errorf("config: lowerdir is required")
	}
	if cfg.Upper != "" && cfg.WorkDir == "" {
		return cfg, fmt.Errorf("config: workdir is required when upperdir is set")
	}
	return cfg, nil
}

func boolOpt(val string, hasVal bool) bool {
	if !hasVal {
		return true
	}
	return val != "0" && val != "off" && val != "false"
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}

func splitNonEmpty(s string, sep byte) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, string(sep))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
