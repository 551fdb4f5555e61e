package fed

import (
	"strconv"
	"strings"
)

// BrokerConfig groups the initialization parameters a broker accepts.
// It is populated either from a key=value initialization string or from
// a YAML config file loaded by the CLI.
type BrokerConfig struct {
	Name          string `yaml:"name"`
	MinFederates  int    `yaml:"min_federates"`
	MinBrokers    int    `yaml:"min_brokers"`
	Root          bool   `yaml:"root"`
	Gateway       bool   `yaml:"gateway"`
	BrokerAddress string `yaml:"broker_address"`
}

// DefaultBrokerConfig returns the configuration defaults: a federation
// of at least one federate under a single broker.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{MinFederates: 1, MinBrokers: 1}
}

// ParseInitString parses an initialization string of the form
// "name=alpha;min_federates=2;root". Pairs are separated by ';' or
// whitespace; bare keys are flags. Unknown keys are rejected.
func ParseInitString(init string) (BrokerConfig, error) {
	cfg := DefaultBrokerConfig()
	fields := strings.FieldsFunc(init, func(r rune) bool {
		return r == ';' || r == ' ' || r == '\t' || r == '\n'
	})
	for _, field := range fields {
		key, value, hasValue := strings.Cut(field, "=")
		switch key {
		case "name":
			cfg.Name = value
		case "min_federates":
			n, err := strconv.Atoi(value)
			if err != nil {
				return cfg, errf(ErrInvalidIdentifier, "min_federates: %q is not a number", value)
			}
			cfg.MinFederates = n
		case "min_brokers":
			n, err := strconv.Atoi(value)
			if err != nil {
				return cfg, errf(ErrInvalidIdentifier, "min_brokers: %q is not a number", value)
			}
			cfg.MinBrokers = n
		case "root":
			cfg.Root = flagValue(value, hasValue)
		case "gateway":
			cfg.Gateway = flagValue(value, hasValue)
		case "broker_address":
			cfg.BrokerAddress = value
		default:
			return cfg, errf(ErrInvalidIdentifier, "unknown configuration key %q", key)
		}
	}
	return cfg, nil
}

func flagValue(value string, hasValue bool) bool {
	if !hasValue {
		return true
	}
	b, err := strconv.ParseBool(value)
	return err == nil && b
}
