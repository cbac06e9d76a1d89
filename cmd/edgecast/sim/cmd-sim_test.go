package sim

import (
	"testing"

	"github.com/iotproject/edgecast/config"
	"github.com/iotproject/edgecast/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimNodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		input  string
		expect []string
		creds  []string
	}{
		{"generated", `sim { nodes = 3 }`,
			[]string{"10:06:1c:41:a5:38", "10:06:1c:41:a5:39", "10:06:1c:41:a5:3a"},
			[]string{"sim-node-1", "sim-node-2", "sim-node-3"}},
		{"peers", `link {
	primary_key = "theIoTProjectPMK"
	peer "aa:00:00:00:00:02" { key = "theIoTProjectLMK" credential = "tokenB" }
	peer "aa:00:00:00:00:01" { key = "theIoTProjectLMK" }
}`,
			[]string{"aa:00:00:00:00:02", "aa:00:00:00:00:01"},
			[]string{"tokenB", "sim-aa:00:00:00:00:01"}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			fs := config.NewMockFullReader(map[string]string{"sim.hcl": c.input})
			cfg, err := config.ReadConfig(log2.NewTest(t, log2.LDebug), fs, "sim.hcl")
			require.NoError(t, err)
			nodes, primary, err := simNodes(cfg)
			require.NoError(t, err)
			assert.Equal(t, DefaultPrimaryKey, string(primary[:]))
			addrs := make([]string, len(nodes))
			creds := make([]string, len(nodes))
			for i, n := range nodes {
				addrs[i], creds[i] = n.Address.String(), n.credential
				assert.Equal(t, DefaultNodeKey, string(n.Key[:]))
			}
			assert.Equal(t, c.expect, addrs)
			assert.Equal(t, c.creds, creds)
		})
	}
}
