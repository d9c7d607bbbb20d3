// Package xattrfilter makes attribute names in this filesystem's own
// reserved namespaces invisible to callers - stripped from listxattr,
// rejected from getxattr, rejected from setxattr/removexattr, and
// skipped during copy-up.
package xattrfilter

import "strings"

// Reserved namespace prefixes. Any attribute name beginning with one of
// these is owned by this module's on-disk contract and must never be
// exposed to or settable by a caller.
var reservedPrefixes = []string{
	"user.fuseoverlayfs.",
	"trusted.overlay.",
}

// IsReserved reports whether name falls in a reserved namespace.
func IsReserved(name string) bool {
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// FilterNames removes reserved names from a listxattr result.
func FilterNames(names []string) []string {
	out := names[:0:0]
	for _, n := range names {
		if !IsReserved(n) {
			out = append(out, n)
		}
	}
	return out
}
