package config

import (
	"testing"

	"github.com/sandboxfs/overlayfs/internal/mutate"
)

func TestParseBasicLayers(t *testing.T) {
	cfg, err := Parse("lowerdir=/a:/b,upperdir=/up,workdir=/work", "/mnt")
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Lowers) != 2 || cfg.Lowers[0] != "/a" || cfg.Lowers[1] != "/b" {
		t.Errorf("Lowers = %v", cfg.Lowers)
	}
	if cfg.Upper != "/up" || cfg.WorkDir != "/work" {
		t.Errorf("Upper=%q WorkDir=%q", cfg.Upper, cfg.WorkDir)
	}
	if cfg.MountPoint != "/mnt" {
		t.Errorf("MountPoint = %q", cfg.MountPoint)
	}
	if !cfg.RedirectDir || !cfg.Fsync {
		t.Errorf("expected default redirect_dir/fsync to remain on")
	}
}

func TestParseMissingLowerdirFails(t *testing.T) {
	if _, err := Parse("upperdir=/up,workdir=/work", "/mnt"); err == nil {
		t.Error("expected error for missing lowerdir")
	}
}

func TestParseUpperWithoutWorkdirFails(t *testing.T) {
	if _, err := Parse("lowerdir=/a,upperdir=/up", "/mnt"); err == nil {
		t.Error("expected error for upperdir without workdir")
	}
}

func TestParseToggles(t *testing.T) {
	cfg, err := Parse("lowerdir=/a,redirect_dir=off,fsync=0,volatile,threaded,xattr_permissions=1,squash_to_uid=100", "/mnt")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RedirectDir {
		t.Error("redirect_dir=off not honored")
	}
	if cfg.Fsync {
		t.Error("fsync=0 not honored")
	}
	if !cfg.Threaded {
		t.Error("bare threaded flag should default true")
	}
	if cfg.Override != mutate.OverrideUser {
		t.Errorf("Override = %v, want OverrideUser", cfg.Override)
	}
	if cfg.UIDSquash.To == nil || *cfg.UIDSquash.To != 100 {
		t.Errorf("UIDSquash.To = %v, want 100", cfg.UIDSquash.To)
	}
}

func TestParseUidMapping(t *testing.T) {
	cfg, err := Parse("lowerdir=/a,uidmapping=0:100000:65536", "/mnt")
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.UIDRanges) != 1 || cfg.UIDRanges[0].PresentedBase != 100000 {
		t.Errorf("UIDRanges = %+v", cfg.UIDRanges)
	}
}

func TestDefaultCryptoPasswordIsAlwaysSet(t *testing.T) {
	cfg, err := Parse("lowerdir=/a", "/mnt")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CryptoPassword == "" {
		t.Error("expected a non-empty embedded crypto_password default")
	}
}

func TestParseCryptoOptions(t *testing.T) {
	cfg, err := Parse("lowerdir=/a,crypto_password=swordfish,crypto_salt=pepper,crypto_iterations=10", "/mnt")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CryptoPassword != "swordfish" || cfg.CryptoSalt != "pepper" || cfg.CryptoIterations != 10 {
		t.Errorf("Crypto* = %q %q %d", cfg.CryptoPassword, cfg.CryptoSalt, cfg.CryptoIterations)
	}
}
