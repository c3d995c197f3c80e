// Package config loads the simulated kernel's boot configuration: the
// disk image paths, scheduler mode, and paging-cache sizing every
// cmd/pintosim invocation needs, from an optional JSONC file plus CLI
// overrides.
//
// Grounded on the calvinalkan-agent-task example's hujson-based
// config.go (JSONC-standardize-then-unmarshal, defaults-then-overlay
// merge) since the teacher repo is a bare kernel with no CLI
// configuration layer of its own to draw on.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// Default cache/swap sizing, used when a Boot file omits the field.
const (
	DefaultCacheSlots = 64
	DefaultSwapSlots  = 256
)

// Boot is the simulated kernel's boot-time configuration.
type Boot struct {
	FSImage   string `json:"fs_image"`
	SwapImage string `json:"swap_image"`
	Mlfqs     bool   `json:"mlfqs,omitempty"`
	Format    bool   `json:"format,omitempty"`

	CacheSlots int `json:"cache_slots,omitempty"`
	SwapSlots  int `json:"swap_slots,omitempty"`
}

// Default returns a Boot configuration with every field at its default.
func Default() Boot {
	return Boot{
		FSImage:    "pintosim.fs",
		SwapImage:  "pintosim.swap",
		CacheSlots: DefaultCacheSlots,
		SwapSlots:  DefaultSwapSlots,
	}
}

var errCacheSlotsNonPositive = errors.New("cache_slots must be positive")
var errSwapSlotsNonPositive = errors.New("swap_slots must be positive")
var errFSImageEmpty = errors.New("fs_image cannot be empty")

// Load reads a JSONC (hujson) boot-config file at path, if non-empty and
// present, and overlays it onto Default(). A missing path is not an
// error: Load simply returns the defaults (boot.json-less invocations,
// e.g. in tests, are routine).
func Load(path string) (Boot, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Boot{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Boot{}, fmt.Errorf("invalid JSONC in %s: %w", path, err)
	}

	var overlay Boot
	if err := json.Unmarshal(standardized, &overlay); err != nil {
		return Boot{}, fmt.Errorf("invalid config %s: %w", path, err)
	}

	cfg = merge(cfg, overlay)
	if err := validate(cfg); err != nil {
		return Boot{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func merge(base, overlay Boot) Boot {
	if overlay.FSImage != "" {
		base.FSImage = overlay.FSImage
	}
	if overlay.SwapImage != "" {
		base.SwapImage = overlay.SwapImage
	}
	if overlay.CacheSlots != 0 {
		base.CacheSlots = overlay.CacheSlots
	}
	if overlay.SwapSlots != 0 {
		base.SwapSlots = overlay.SwapSlots
	}
	base.Mlfqs = base.Mlfqs || overlay.Mlfqs
	base.Format = base.Format || overlay.Format
	return base
}

func validate(cfg Boot) error {
	if cfg.FSImage == "" {
		return errFSImageEmpty
	}
	if cfg.CacheSlots <= 0 {
		return errCacheSlotsNonPositive
	}
	if cfg.SwapSlots <= 0 {
		return errSwapSlotsNonPositive
	}
	return nil
}
