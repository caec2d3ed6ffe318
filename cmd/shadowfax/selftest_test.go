package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hisa-team/shadowfax/covh"
	"github.com/hisa-team/shadowfax/platform"
)

type coreUnderTest struct {
	core *covh.Core
	stub *platform.Stub
}

func TestSeedScenariosAllPass(t *testing.T) {
	cfg := platformConfig{
		PoolBase:             0x8a00_0000,
		PoolPages:            64,
		RootSeedHex:          "74657374726f6f74",
		FirmwareImageHashHex: "74657374667764",
		TSMImageHashHex:      "7465737474736d",
	}

	cases := []struct {
		name string
		run  func(c *coreUnderTest) error
	}{
		{"smoke-ecall", func(c *coreUnderTest) error { return scenarioSmokeECALL(c.core, c.stub) }},
		{"domain-enumeration", func(c *coreUnderTest) error { return scenarioDomainEnumeration(c.core, c.stub) }},
		{"full-tvm-lifecycle", func(c *coreUnderTest) error { return scenarioFullLifecycle(c.core, c.stub) }},
		{"attestation", func(c *coreUnderTest) error { return scenarioAttestation(c.core, c.stub) }},
		{"double-convert-rejection", func(c *coreUnderTest) error { return scenarioDoubleConvert(c.core, c.stub) }},
		{"escape-attempt", func(c *coreUnderTest) error { return scenarioEscapeAttempt(c.core, c.stub) }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			core, stub, err := bootCore(cfg)
			require.NoError(t, err)
			defer stub.Close()
			require.NoError(t, tc.run(&coreUnderTest{core: core, stub: stub}))
		})
	}
}
