package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func TestDecodeMapPopulatesNestedSubgraphConfig(t *testing.T) {
	cfg, err := DecodeMap(map[string]any{
		"subgraphs": map[string]any{
			"accounts": map[string]any{
				"url":     "http://accounts.internal/graphql",
				"timeout": "PT5S",
				"retry": map[string]any{
					"min_per_second": 2.0,
					"ttl":             "PT1M",
				},
			},
		},
		"operation_limits": map[string]any{
			"depth": 12,
		},
	})
	require.NoError(t, err)

	sg := cfg.Subgraphs["accounts"]
	require.Equal(t, "http://accounts.internal/graphql", sg.URL)
	require.Equal(t, 5*time.Second, sg.Timeout.Duration)
	require.Equal(t, time.Minute, sg.Retry.TTL.Duration)
	require.Equal(t, 12, cfg.OperationLimits.Depth)
}

func TestDurationAcceptsGoAndISOForms(t *testing.T) {
	d1, err := parseDuration("30s")
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, d1.Duration)

	d2, err := parseDuration("PT30S")
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, d2.Duration)

	_, err = parseDuration("not-a-duration")
	require.Error(t, err)
}

func TestDurationUnmarshalYAML(t *testing.T) {
	var sg SubgraphConfig
	err := yaml.Unmarshal([]byte("timeout: PT2S\nurl: http://x\n"), &sg)
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, sg.Timeout.Duration)
}
