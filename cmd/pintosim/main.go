// Command pintosim boots the simulated kernel core against a pair of
// disk images (filesystem and swap), the userland analogue of Pintos's
// own kernel entry point (threads/init.c's thread_init/filesys_init/
// vm bring-up sequence). It wires every subsystem package together and
// then returns, since actually loading and running a user program
// requires the ELF loader and trap/interrupt plumbing spec.md names as
// external collaborators identified only by their interfaces — outside
// what this module implements.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pintosim/cache"
	"pintosim/config"
	"pintosim/defs"
	"pintosim/disk"
	"pintosim/filesys"
	"pintosim/frame"
	"pintosim/freemap"
	"pintosim/inode"
	"pintosim/klog"
	"pintosim/lockorder"
	"pintosim/page"
	"pintosim/process"
	"pintosim/sched"
	"pintosim/swap"
	sys "pintosim/syscall"
)

var (
	configPath string
	kernelOpts []string
	formatFlag bool
	debugFlag  bool
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pintosim",
		Short:         "Boot the simulated kernel core against a disk image",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "boot configuration JSONC file")
	cmd.Flags().StringArrayVar(&kernelOpts, "o", nil, "kernel option, e.g. -o mlfqs (repeatable)")
	cmd.Flags().BoolVar(&formatFlag, "format", false, "format the filesystem image before mounting")
	cmd.Flags().BoolVar(&debugFlag, "debug", false, "enable debug-level logging")
	return cmd
}

// consoleWriter adapts os.Stdout to syscall.Console.
type consoleWriter struct{}

func (consoleWriter) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

// execUnsupported is the Loader this boot wires in: it reports every
// exec as failed, since actually loading and jumping into a program
// image needs the ELF loader and trap/interrupt plumbing this module
// deliberately does not implement (spec.md's own Non-goals list them as
// external collaborators identified only by their interfaces).
type execUnsupported struct{}

func (execUnsupported) Load(child *process.Process, cmdline string) (defs.Tid_t, bool) {
	klog.With(nil).Warnf("exec %q: no program loader wired into this boot", cmdline)
	return 0, false
}

func run() error {
	klog.SetDebug(debugFlag)
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if formatFlag {
		cfg.Format = true
	}
	for _, opt := range kernelOpts {
		if opt == "mlfqs" {
			cfg.Mlfqs = true
		}
	}

	log := klog.With(nil)
	log.Infof("pintosim: booting boot=%s fs=%s swap=%s mlfqs=%v", klog.BootID(), cfg.FSImage, cfg.SwapImage, cfg.Mlfqs)

	fsDev, err := openOrCreate(cfg.FSImage, 8192)
	if err != nil {
		return fmt.Errorf("opening fs image: %w", err)
	}
	defer fsDev.Close()

	swapDev, err := openOrCreate(cfg.SwapImage, disk.Sector(swap.SectorsPerPage*cfg.SwapSlots))
	if err != nil {
		return fmt.Errorf("opening swap image: %w", err)
	}
	defer swapDev.Close()

	c := cache.New(fsDev, cfg.CacheSlots)
	defer c.Done()

	pool := freemap.New(fsDev.Size())
	iv := inode.NewVolume(c, pool)
	if cfg.Format {
		if errc := filesys.Format(iv, pool); errc != 0 {
			return fmt.Errorf("formatting %s: %s", cfg.FSImage, errc)
		}
	} else if errc := pool.Mount(iv); errc != 0 {
		return fmt.Errorf("mounting free map in %s: %s", cfg.FSImage, errc)
	}
	vol := filesys.Mount(iv, pool)

	mgr := page.NewManager(frame.New(), swap.New(swapDev), lockorder.NewTracker(), cfg.CacheSlots)

	s := sched.New(cfg.Mlfqs)
	s.Start()

	_ = sys.NewHandler(vol, s, mgr, execUnsupported{}, consoleWriter{})

	log.Info("pintosim: boot complete (no loaded program: exec requires an injected Loader this build does not provide)")
	return nil
}

func openOrCreate(path string, defaultSectors disk.Sector) (*disk.File, error) {
	if _, err := os.Stat(path); err == nil {
		return disk.OpenFile(path)
	}
	return disk.CreateFile(path, defaultSectors)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
