package supd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnumerateDomainsHasHostAndTSM(t *testing.T) {
	r := New()
	require.GreaterOrEqual(t, r.EnumerateDomains(), 2)

	foundTSM := false
	for i := 0; i < r.EnumerateDomains(); i++ {
		d, ok := r.GetDomainInfo(i)
		require.True(t, ok)
		if d.Caps.Has(CapTSMPresent) {
			foundTSM = true
		}
	}
	require.True(t, foundTSM)
}

func TestGetTSMInfo(t *testing.T) {
	r := New()
	info := r.GetTSMInfo()
	require.Equal(t, CoVEVersion, info.CoVEVersion)
	require.False(t, info.MPTActive)
	require.True(t, info.Implemented.Has(CapCoveH))
}

func TestGetDomainInfoOutOfRange(t *testing.T) {
	r := New()
	_, ok := r.GetDomainInfo(r.EnumerateDomains())
	require.False(t, ok)
}
