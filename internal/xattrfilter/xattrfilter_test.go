package xattrfilter

import (
	"reflect"
	"testing"
)

func TestIsReserved(t *testing.T) {
	cases := map[string]bool{
		"user.fuseoverlayfs.origin": true,
		"trusted.overlay.opaque":    true,
		"user.comment":              false,
		"security.selinux":          false,
	}
	for name, want := range cases {
		if got := IsReserved(name); got != want {
			t.Errorf("IsReserved(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestFilterNames(t *testing.T) {
	in := []string{"user.comment", "trusted.overlay.opaque", "security.selinux", "user.fuseoverlayfs.origin"}
	want := []string{"user.comment", "security.selinux"}
	got := FilterNames(in)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FilterNames = %v, want %v", got, want)
	}
}
