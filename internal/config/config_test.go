package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWhenEmpty(t *testing.T) {
	v := viper.New()
	cfg, err := Load(v)
	require.NoError(t, err)
	require.Equal(t, Default, cfg)
}

func TestLoadOverridesFromViper(t *testing.T) {
	v := viper.New()
	v.Set("pool_pages", 64)
	v.Set("log_json", true)
	cfg, err := Load(v)
	require.NoError(t, err)
	require.EqualValues(t, 64, cfg.PoolPages)
	require.True(t, cfg.LogJSON)
	require.Equal(t, Default.PoolBase, cfg.PoolBase)
}

func TestLoadOverridesStaticRegionPages(t *testing.T) {
	v := viper.New()
	v.Set("tsm_static_region_pages", 0)
	cfg, err := Load(v)
	require.NoError(t, err)
	require.EqualValues(t, 0, cfg.TSMStaticRegionPages)
}

func TestLoadRejectsZeroPoolPages(t *testing.T) {
	v := viper.New()
	v.Set("pool_pages", 0)
	_, err := Load(v)
	require.Error(t, err)
}
