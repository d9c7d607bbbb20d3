// Command sandboxfs-overlay mounts the union filesystem. It parses
// "-o key=val,..." plus a positional mount point, attaches a per-instance
// UUID to every log line so concurrent mounts can be told apart in shared
// logs, and runs the signal handlers and parent-process watchdog described
// below.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	gouuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"github.com/sandboxfs/overlayfs/internal/access"
	"github.com/sandboxfs/overlayfs/internal/blockcrypto"
	"github.com/sandboxfs/overlayfs/internal/config"
	"github.com/sandboxfs/overlayfs/internal/copyup"
	"github.com/sandboxfs/overlayfs/internal/dispatch"
	"github.com/sandboxfs/overlayfs/internal/hidelist"
	"github.com/sandboxfs/overlayfs/internal/idmap"
	"github.com/sandboxfs/overlayfs/internal/layer"
	"github.com/sandboxfs/overlayfs/internal/mutate"
	"github.com/sandboxfs/overlayfs/internal/node"
	"github.com/sandboxfs/overlayfs/internal/resolve"
	"github.com/sandboxfs/overlayfs/internal/wd"
	"github.com/sandboxfs/overlayfs/internal/whiteout"
)

// cliArgs holds the flags this entrypoint accepts beyond the "-o" option
// string itself: the access gate's manager pid and trusted-name list.
// Block-crypto key material travels through the mount-option string
// itself (internal/config's crypto_password/crypto_salt/crypto_iterations),
// not a side-channel flag, so it is covered by cfg rather than cliArgs.
// Parsing is hand-rolled over os.Args rather than a flag/CLI framework,
// matching the mount-option string's own parsing style in internal/config.
type cliArgs struct {
	optString    string
	mountPoint   string
	managerPID   int
	trustedNames []string
}

func parseArgs(args []string) (cliArgs, error) {
	a := cliArgs{managerPID: -1}
	i := 0
	for i < len(args) {
		switch args[i] {
		case "-o":
			if i+1 >= len(args) {
				return a, fmt.Errorf("main: -o requires an argument")
			}
			a.optString = args[i+1]
			i += 2
		case "-manager-pid":
			if i+1 >= len(args) {
				return a, fmt.Errorf("main: -manager-pid requires an argument")
			}
			pid, err := strconv.Atoi(args[i+1])
			if err != nil {
				return a, fmt.Errorf("main: -manager-pid: %w", err)
			}
			a.managerPID = pid
			i += 2
		case "-trusted":
			if i+1 >= len(args) {
				return a, fmt.Errorf("main: -trusted requires an argument")
			}
			a.trustedNames = strings.Split(args[i+1], ",")
			i += 2
		default:
			if a.mountPoint != "" {
				return a, fmt.Errorf("main: unexpected argument %q", args[i])
			}
			a.mountPoint = args[i]
			i++
		}
	}
	if a.mountPoint == "" {
		return a, fmt.Errorf("main: usage: sandboxfs-overlay -o lowerdir=...[,opt=val...] /mnt/point")
	}
	return a, nil
}

func main() {
	os.Exit(run())
}

func run() int {
	args, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	cfg, err := config.Parse(args.optString, args.mountPoint)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	instanceID := gouuid.NewV4().String()
	log := newLogger(instanceID)

	stack, wdDir, err := buildLayerStack(cfg)
	if err != nil {
		log.WithError(err).Error("failed to build layer stack")
		return 1
	}
	defer stack.Cleanup()

	table := node.NewTable()
	hide, err := hidelist.Load(hidelist.DefaultConfigPath)
	if err != nil {
		log.WithError(err).Error("failed to load hide-list configuration")
		return 1
	}
	resolver := resolve.New(stack, hide, table)
	caps := whiteout.NewCapabilities()

	crypto, err := buildCrypto(cfg)
	if err != nil {
		log.WithError(err).Error("failed to initialize block crypto")
		return 1
	}

	var copyEng *copyup.Engine
	var mutEng *mutate.Engine
	if stack.HasUpper() {
		copyEng = copyup.New(stack, wdDir, crypto)
		mutEng = mutate.New(stack, wdDir, copyEng, caps, table, resolver, hide)
		mutEng.Override = cfg.Override
	}

	overflowUID, overflowGID := idmap.OverflowIDs()
	uidTable := idmap.NewUIDTable(cfg.UIDRanges, cfg.UIDSquash, overflowUID)
	gidTable := idmap.NewGIDTable(cfg.GIDRanges, cfg.GIDSquash, overflowGID)

	var gate *access.Gate
	if args.managerPID >= 0 || len(args.trustedNames) > 0 {
		gate = access.New(args.managerPID, args.trustedNames)
	}

	fs := dispatch.New(cfg, stack, table, resolver, hide, copyEng, mutEng, gate, crypto, uidTable, gidTable, caps, wdDir, log.WithField("component", "dispatch"))

	mountOpts := &fuse.MountOptions{
		Name:           "sandboxfs-overlay",
		FsName:         cfg.Lowers[0],
		SingleThreaded: !cfg.Threaded,
		AllowOther:     true,
		Options:        []string{"default_permissions"},
	}
	server, err := fuse.NewServer(fs, cfg.MountPoint, mountOpts)
	if err != nil {
		log.WithError(err).Error("mount failed")
		return 1
	}

	installSignalHandlers(gate, table, log)
	go watchParent(server, log)

	log.WithFields(logrus.Fields{
		"mountpoint": cfg.MountPoint,
		"lowerdir":   strings.Join(cfg.Lowers, ":"),
	}).Info("mounted")
	server.Serve()
	return 0
}

func newLogger(instanceID string) *logrus.Entry {
	base := logrus.New()
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return base.WithField("instance", instanceID)
}

// buildLayerStack constructs the layer.Stack and, if an upper layer is
// configured, opens its companion working directory once at startup; both
// are held for the process lifetime.
func buildLayerStack(cfg config.Config) (*layer.Stack, *wd.Dir, error) {
	lowers := make([]layer.Store, 0, len(cfg.Lowers))
	for _, path := range cfg.Lowers {
		lowers = append(lowers, layer.NewDir(path))
	}

	var upper layer.Store
	var wdDir *wd.Dir
	if cfg.Upper != "" {
		upper = layer.NewDir(cfg.Upper)
		dir, err := wd.Open(cfg.WorkDir)
		if err != nil {
			return nil, nil, fmt.Errorf("main: opening workdir: %w", err)
		}
		wdDir = dir
	}

	return layer.NewStack(upper, lowers), wdDir, nil
}

// buildCrypto derives the mount's block-crypto manager unconditionally,
// from cfg.CryptoPassword (the mount's crypto_password option, or the
// embedded default when unset). Every mount runs with block crypto
// interposed on regular-file content; there is no unkeyed mode.
func buildCrypto(cfg config.Config) (*blockcrypto.Manager, error) {
	return blockcrypto.NewManager(blockcrypto.DefaultConfig(), cfg.CryptoPassword, []byte(cfg.CryptoSalt), cfg.CryptoIterations)
}

// installSignalHandlers wires the SIGUSR1/SIGUSR2 pair: SIGUSR2 sets the
// sandbox-running flag the access gate consults, SIGUSR1 clears it and
// dumps the current node/inode counts.
func installSignalHandlers(gate *access.Gate, table *node.Table, log *logrus.Entry) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for sig := range ch {
			switch sig {
			case syscall.SIGUSR2:
				if gate != nil {
					gate.SetSandboxRunning(true)
				}
			case syscall.SIGUSR1:
				if gate != nil {
					gate.SetSandboxRunning(false)
				}
				nodes, inodes := table.Stats()
				log.Infof("nodes=%d inodes=%d", nodes, inodes)
			}
		}
	}()
}

// watchParent polls the parent pid recorded at startup and unmounts once
// it changes (the kernel reparents an orphan to init, so a changed ppid
// means the original parent is gone).
func watchParent(server *fuse.Server, log *logrus.Entry) {
	originalParent := os.Getppid()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if os.Getppid() != originalParent {
			log.Warn("parent process gone, unmounting")
			if err := server.Unmount(); err != nil {
				log.WithError(err).Error("unmount failed")
			}
			return
		}
	}
}
