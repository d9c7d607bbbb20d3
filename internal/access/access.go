// Package access implements the access gate: before honoring a request,
// walk the caller's process ancestry and accept only callers that are
// (transitively) a designated manager, a trusted application, or a
// kernel thread, while also enforcing a signal-driven sandbox flag for
// same-namespace callers.
package access

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Gate evaluates the accept/reject decision for incoming requests.
type Gate struct {
	mu           sync.Mutex
	managerPID   int
	trustedNames []string
	mountRoot    string
	selfNS       string

	sandboxRunning atomic.Bool
}

// New constructs a Gate. managerPID is the designated manager process;
// trustedNames is a set of executable short-name prefixes that are
// always accepted; mountRoot is this process's own PID namespace
// identity (for the same-namespace sandbox check).
func New(managerPID int, trustedNames []string) *Gate {
	g := &Gate{managerPID: managerPID, trustedNames: trustedNames}
	if ns, err := readPIDNamespace(os.Getpid()); err == nil {
		g.selfNS = ns
	}
	return g
}

// SetSandboxRunning implements the SIGUSR1/SIGUSR2-driven flag: SIGUSR2
// sets it (sandbox active, reject in-namespace callers), SIGUSR1 clears
// it.
func (g *Gate) SetSandboxRunning(running bool) {
	g.sandboxRunning.Store(running)
}

// Allow decides whether pid may act on path. path is the request's
// target path within the unified namespace, used only for the root and
// self-recursive-mount checks; pid is the requesting process's PID as
// reported by the kernel transport.
func (g *Gate) Allow(path string, pid uint32) bool {
	if path == "/" {
		return true
	}
	if g.ancestryAccepts(int(pid)) {
		return true
	}
	return g.sandboxCheck(int(pid))
}

// ancestryAccepts walks /proc/<pid>/stat upward: reject at init, accept
// at kthreadd, the manager pid, or a trusted short-name prefix.
func (g *Gate) ancestryAccepts(pid int) bool {
	seen := map[int]bool{}
	for pid > 0 && !seen[pid] {
		seen[pid] = true
		name, ppid, err := readStat(pid)
		if err != nil {
			return false
		}
		switch {
		case pid == 1:
			return false
		case name == "kthreadd":
			return true
		case pid == g.managerPID:
			return true
		case hasTrustedPrefix(name, g.trustedNames):
			return true
		}
		pid = ppid
	}
	return false
}

// sandboxCheck implements the namespace-scoped fallback: a caller in
// this process's own PID namespace is rejected while the sandbox flag is
// set; an out-of-namespace (or undeterminable) caller is always
// accepted.
func (g *Gate) sandboxCheck(pid int) bool {
	ns, err := readPIDNamespace(pid)
	if err != nil || g.selfNS == "" {
		return true
	}
	if ns != g.selfNS {
		return true
	}
	return !g.sandboxRunning.Load()
}

// SelfRecursiveMount is an independent sanity check: a requested path
// equal to the parent of the mount point is refused.
func SelfRecursiveMount(requestedPath, mountPoint string) bool {
	return requestedPath == parentOf(mountPoint)
}

func parentOf(path string) string {
	i := strings.LastIndexByte(strings.TrimRight(path, "/"), '/')
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

func hasTrustedPrefix(name string, trusted []string) bool {
	for _, t := range trusted {
		if strings.HasPrefix(name, t) {
			return true
		}
	}
	return false
}

// readStat parses /proc/<pid>/stat's comm and parent pid fields. comm is
// parenthesized and may itself contain spaces or parentheses, so it is
// located by the first '(' and the last ')' rather than naive splitting.
func readStat(pid int) (comm string, ppid int, err error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return "", 0, err
	}
	s := string(data)
	open := strings.IndexByte(s, '(')
	close := strings.LastIndexByte(s, ')')
	if open < 0 || close < open {
		return "", 0, fmt.Errorf("access: malformed stat for pid %d", pid)
	}
	comm = s[open+1 : close]
	fields := strings.Fields(s[close+1:])
	if len(fields) < 2 {
		return "", 0, fmt.Errorf("access: short stat for pid %d", pid)
	}
	ppid, err = strconv.Atoi(fields[1])
	if err != nil {
		return "", 0, err
	}
	return comm, ppid, nil
}

// readPIDNamespace resolves the PID namespace identity of pid by
// reading the /proc/<pid>/ns/pid symlink target, which encodes the
// namespace's inode number (e.g. "pid:[4026531836]").
func readPIDNamespace(pid int) (string, error) {
	target, err := os.Readlink(fmt.Sprintf("/proc/%d/ns/pid", pid))
	if err != nil {
		return "", err
	}
	return target, nil
}
