package main

import (
	"encoding/hex"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hisa-team/shadowfax/internal/config"
	"github.com/hisa-team/shadowfax/internal/tsmlog"
)

// platformConfig is config.Platform plus the hex-decoding helpers the
// boot sequence needs; kept in package main since decoding DICE seed
// material into raw bytes is a boot-time concern, not a config-parsing
// one.
type platformConfig = config.Platform

func decodeHexOrPanic(s string) []byte {
	b, err := hex.DecodeString(s)
	cobra.CheckErr(err)
	return b
}

func rootSeed(cfg platformConfig) []byte     { return decodeHexOrPanic(cfg.RootSeedHex) }
func firmwareHash(cfg platformConfig) []byte { return decodeHexOrPanic(cfg.FirmwareImageHashHex) }
func tsmHash(cfg platformConfig) []byte      { return decodeHexOrPanic(cfg.TSMImageHashHex) }

var v = viper.New()

// initConfig wires the --config flag and the persistent override flags
// into viper, following oasisprotocol-cli's OnInitialize sequencing: the
// config file (if any) is read first, then bound flags take precedence
// via viper's BindPFlag.
func initConfig() {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			cobra.CheckErr(err)
		}
	}

	cobra.CheckErr(v.BindPFlag("log_json", rootCmd.PersistentFlags().Lookup("log-json")))
	cobra.CheckErr(v.BindPFlag("pool_base", rootCmd.PersistentFlags().Lookup("pool-base")))
	cobra.CheckErr(v.BindPFlag("pool_pages", rootCmd.PersistentFlags().Lookup("pool-pages")))
	cobra.CheckErr(v.BindPFlag("tsm_static_region_pages", rootCmd.PersistentFlags().Lookup("tsm-static-region-pages")))
}

func loadPlatform() config.Platform {
	cfg, err := config.Load(v)
	cobra.CheckErr(err)
	if cfg.LogJSON {
		tsmlog.SetOutput(os.Stdout, true)
	}
	return cfg
}
