package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.jsonc"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverlaysOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.jsonc")
	// JSONC: trailing comma and a comment, to exercise hujson.Standardize.
	contents := `{
		// swap_slots stays at the default
		"fs_image": "disk.img",
		"mlfqs": true,
	}`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "disk.img", cfg.FSImage)
	require.True(t, cfg.Mlfqs)
	require.Equal(t, DefaultSwapSlots, cfg.SwapSlots)
	require.Equal(t, DefaultCacheSlots, cfg.CacheSlots)
}

func TestLoadIgnoresEmptyFSImageOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{"fs_image": ""}`), 0o644))

	_, err := Load(path)
	require.NoError(t, err) // empty overlay fs_image is simply not applied, defaults hold
}

func TestLoadRejectsNonPositiveCacheSlots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{"cache_slots": -1}`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadSurfacesMalformedJSONC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{not valid`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
