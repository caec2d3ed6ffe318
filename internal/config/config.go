// Package config loads the platform parameters a boot needs before any
// COVH call can be served: the confidential-pool's base address and page
// count, the DICE root seed material, and the firmware/TSM image hashes
// mixed into the boot-time measurement chain.
//
// Loading follows oasisprotocol-cli's config package: a mapstructure-tagged
// struct, unmarshalled from a github.com/spf13/viper.Viper that cmd/shadowfax
// populates from a config file plus command-line flags (viper's flag
// binding lets a flag override a file value, and a file value override the
// struct default, in that precedence order).
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Platform holds the parameters describing one boot's physical memory
// layout and DICE seed material (spec §3's "Boot" component and §4.6's
// provisioned root key).
type Platform struct {
	// PoolBase is the physical address of the first page the confidential
	// pool covers.
	PoolBase uint64 `mapstructure:"pool_base"`
	// PoolPages is the number of 4 KiB pages the pool covers.
	PoolPages uint64 `mapstructure:"pool_pages"`
	// TSMStaticRegionPages reserves this many pages at the top of the
	// pool for the TSM's own static state (spec §6's 64 KiB "TSM state
	// region"); convert_pages must never hand these pages to a TVM (spec
	// §8's "overlap with the TSM's own static region" boundary case). A
	// value of 0 disables the reservation.
	TSMStaticRegionPages uint64 `mapstructure:"tsm_static_region_pages"`

	// RootSeedHex is the platform-provisioned DICE root seed, hex-encoded
	// (spec §4.6: "comes from a platform-provisioned file").
	RootSeedHex string `mapstructure:"root_seed_hex"`
	// FirmwareImageHashHex is the firmware image's content hash, hex-encoded.
	FirmwareImageHashHex string `mapstructure:"firmware_image_hash_hex"`
	// TSMImageHashHex is the signed TSM image hash, hex-encoded.
	TSMImageHashHex string `mapstructure:"tsm_image_hash_hex"`

	// LogJSON switches structured logging from the human-readable console
	// writer to newline-delimited JSON, for production log collection.
	LogJSON bool `mapstructure:"log_json"`
}

// Default is the configuration a selftest run or an un-configured boot
// falls back to: a small pool carved out of a scratch physical range that
// platform.Stub is happy to mmap, and fixed (non-secret, clearly-marked)
// seed material.
var Default = Platform{
	PoolBase:             0x8900_0000,
	PoolPages:            256,
	TSMStaticRegionPages: 16, // 64 KiB, reserved at the top of the pool
	RootSeedHex:          "736861646f7766617820646576656c6f706d656e7420726f6f74", // "shadowfax development root"
	FirmwareImageHashHex: "736861646f7766617820646576656c6f706d656e74206669726d7761726520696d616765",
	TSMImageHashHex:      "736861646f7766617820646576656c6f706d656e742074736d20696d616765",
}

// Load unmarshals a Platform out of v, seeding every field with Default
// first so a partially-specified config file or flag set still produces a
// usable Platform (mirrors oasisprotocol-cli's ResetDefaults-then-Load
// sequencing).
func Load(v *viper.Viper) (Platform, error) {
	cfg := Default
	if err := v.Unmarshal(&cfg); err != nil {
		return Platform{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.PoolPages == 0 {
		return Platform{}, fmt.Errorf("config: pool_pages must be non-zero")
	}
	return cfg, nil
}
