// Command mkfs creates a formatted filesystem disk image, optionally
// populating it from a host skeleton directory tree — the userland
// counterpart of biscuit's own mkfs.go, which builds a bootable image
// from a bootloader, kernel, and skeleton directory in one shot. This
// module has no bootloader or kernel image to embed (those belong to
// the out-of-scope trap/interrupt and ELF-loading layers), so mkfs here
// only ever produces the filesystem image itself.
package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"pintosim/cache"
	"pintosim/disk"
	"pintosim/filesys"
	"pintosim/freemap"
	"pintosim/inode"
	"pintosim/klog"
)

var (
	nSectors  int64
	skelDir   string
	cacheSize int
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "mkfs <image>",
		Short:         "Format a pintosim filesystem disk image",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0])
		},
	}
	cmd.Flags().Int64Var(&nSectors, "sectors", 8192, "number of 512-byte sectors in the image")
	cmd.Flags().StringVar(&skelDir, "skel", "", "host directory tree to copy into the new filesystem")
	cmd.Flags().IntVar(&cacheSize, "cache-slots", 64, "buffer cache slots to use while formatting")
	return cmd
}

func run(imagePath string) error {
	dev, err := disk.CreateFile(imagePath, disk.Sector(nSectors))
	if err != nil {
		return fmt.Errorf("creating image %s: %w", imagePath, err)
	}
	defer dev.Close()

	c := cache.New(dev, cacheSize)
	defer c.Done()

	pool := freemap.New(disk.Sector(nSectors))
	iv := inode.NewVolume(c, pool)
	if errc := filesys.Format(iv, pool); errc != 0 {
		return fmt.Errorf("formatting %s: %s", imagePath, errc)
	}
	vol := filesys.Mount(iv, pool)

	if skelDir != "" {
		if err := addFiles(vol, skelDir); err != nil {
			return err
		}
	}

	if err := dev.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", imagePath, err)
	}
	klog.With(nil).Infof("mkfs: wrote %s (%d sectors)", imagePath, nSectors)
	return nil
}

// addFiles walks skelDir on the host and replicates its contents into
// vol, mirroring biscuit mkfs.go's addfiles/copydata, adapted to this
// module's filesys.Volume path-based Create/Mkdir/Find instead of
// ufs.Ufs_t's Ustr-keyed MkFile/MkDir/Append.
func addFiles(vol *filesys.Volume, skelDir string) error {
	return filepath.WalkDir(skelDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(path, skelDir)
		if rel == "" {
			return nil
		}
		dst := filepath.ToSlash(rel)
		if !strings.HasPrefix(dst, "/") {
			dst = "/" + dst
		}

		if d.IsDir() {
			if errc := vol.Mkdir(dst, inode.RootDirSector); errc != 0 {
				return fmt.Errorf("mkdir %s: %s", dst, errc)
			}
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if errc := vol.Create(dst, int32(len(data)), inode.RootDirSector); errc != 0 {
			return fmt.Errorf("create %s: %s", dst, errc)
		}
		sector, _, errc := vol.Find(dst, inode.RootDirSector)
		if errc != 0 {
			return fmt.Errorf("find %s: %s", dst, errc)
		}
		ino, errc := vol.Inodes.Open(sector)
		if errc != 0 {
			return fmt.Errorf("open %s: %s", dst, errc)
		}
		defer vol.Inodes.Close(ino)
		ino.WriteAt(data, 0)
		return nil
	})
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
