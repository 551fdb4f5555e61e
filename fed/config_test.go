package fed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInitString(t *testing.T) {
	cfg, err := ParseInitString("name=alpha;min_federates=3;min_brokers=2;root;broker_address=127.0.0.1:9000")
	require.NoError(t, err)
	assert.Equal(t, BrokerConfig{
		Name:          "alpha",
		MinFederates:  3,
		MinBrokers:    2,
		Root:          true,
		BrokerAddress: "127.0.0.1:9000",
	}, cfg)
}

func TestParseInitStringDefaults(t *testing.T) {
	cfg, err := ParseInitString("")
	require.NoError(t, err)
	assert.Equal(t, DefaultBrokerConfig(), cfg)
	assert.Equal(t, 1, cfg.MinFederates)
	assert.Equal(t, 1, cfg.MinBrokers)
	assert.False(t, cfg.Root)
}

func TestParseInitStringFlagForms(t *testing.T) {
	cfg, err := ParseInitString("gateway=true root=false")
	require.NoError(t, err)
	assert.True(t, cfg.Gateway)
	assert.False(t, cfg.Root)
}

func TestParseInitStringRejectsUnknownKey(t *testing.T) {
	_, err := ParseInitString("name=x;bogus=1")
	require.Error(t, err)

	_, err = ParseInitString("min_federates=many")
	require.Error(t, err)
}
