package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunBootsAgainstFreshImages(t *testing.T) {
	dir := t.TempDir()
	kernelOpts = []string{"mlfqs"}
	formatFlag = true
	debugFlag = false

	cfgFile := filepath.Join(dir, "boot.jsonc")
	require.NoError(t, writeBootConfig(cfgFile, filepath.Join(dir, "a.fs"), filepath.Join(dir, "a.swap")))
	configPath = cfgFile

	require.NoError(t, run())
}

func writeBootConfig(path, fsImage, swapImage string) error {
	contents := "{\n  \"fs_image\": \"" + fsImage + "\",\n  \"swap_image\": \"" + swapImage + "\"\n}\n"
	return os.WriteFile(path, []byte(contents), 0o644)
}
