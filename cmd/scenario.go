package cmd

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/federation-sim/federation-sim/fed"
	"github.com/federation-sim/federation-sim/fed/vtime"
)

// Define structs for the scenario YAML
type ScenarioConfig struct {
	Name      string             `yaml:"name"`
	StopNs    int64              `yaml:"stop_ns"`
	Federates []ScenarioFederate `yaml:"federates"`
}

type ScenarioFederate struct {
	Name          string                 `yaml:"name"`
	TimeDeltaNs   int64                  `yaml:"time_delta_ns"`
	LookAheadNs   int64                  `yaml:"look_ahead_ns"`
	ImpactNs      int64                  `yaml:"impact_window_ns"`
	Endpoints     []string               `yaml:"endpoints"`
	Publications  []ScenarioPublication  `yaml:"publications"`
	Subscriptions []ScenarioSubscription `yaml:"subscriptions"`
	Sends         []ScenarioSend         `yaml:"sends"`
	Publishes     []ScenarioPublish      `yaml:"publishes"`
}

type ScenarioPublication struct {
	Key   string `yaml:"key"`
	Type  string `yaml:"type"`
	Units string `yaml:"units"`
}

type ScenarioSubscription struct {
	Key      string `yaml:"key"`
	Required bool   `yaml:"required"`
	Endpoint string `yaml:"endpoint"` // link value updates to this endpoint
}

type ScenarioSend struct {
	From    string `yaml:"from"`
	To      string `yaml:"to"`
	Payload string `yaml:"payload"`
}

type ScenarioPublish struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

var scenarioFile string

// GetScenarioConfig loads and parses a scenario YAML file.
func GetScenarioConfig(path string) (*ScenarioConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg ScenarioConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Federates) == 0 {
		return nil, fed.NewError(fed.ErrInvalidIdentifier, "scenario has no federates")
	}
	return &cfg, nil
}

// scenarioCmd drives a complete in-process federation from a YAML file:
// every federate registers its handles, the federation initializes,
// scripted sends and publishes happen at time zero, and all federates
// advance to the stop time before finalizing.
var scenarioCmd = &cobra.Command{
	Use:   "scenario",
	Short: "Run an in-process federation from a YAML scenario",
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		cfg, err := GetScenarioConfig(scenarioFile)
		if err != nil {
			return err
		}
		return runScenario(cfg)
	},
}

func runScenario(cfg *ScenarioConfig) error {
	core := fed.NewCore(fed.BrokerConfig{
		Name:         cfg.Name,
		MinFederates: len(cfg.Federates),
		MinBrokers:   1,
		Root:         true,
	})
	if err := core.Start(); err != nil {
		return err
	}
	defer core.Stop()

	stop := vtime.FromNanoseconds(cfg.StopNs)
	var wg sync.WaitGroup
	errs := make(chan error, len(cfg.Federates))

	for _, sf := range cfg.Federates {
		wg.Add(1)
		go func(sf ScenarioFederate) {
			defer wg.Done()
			if err := runScenarioFederate(core, sf, stop); err != nil {
				errs <- fmt.Errorf("federate %s: %w", sf.Name, err)
			}
		}(sf)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		return err
	}
	logrus.Infof("scenario %s complete at %s", cfg.Name, stop)
	return nil
}

func runScenarioFederate(core *fed.Core, sf ScenarioFederate, stop vtime.Time) error {
	id, err := core.RegisterFederate(sf.Name, fed.FederateInfo{
		TimeDelta:    vtime.FromNanoseconds(sf.TimeDeltaNs),
		LookAhead:    vtime.FromNanoseconds(sf.LookAheadNs),
		ImpactWindow: vtime.FromNanoseconds(sf.ImpactNs),
	})
	if err != nil {
		return err
	}

	endpoints := make(map[string]int32, len(sf.Endpoints))
	for _, name := range sf.Endpoints {
		index, err := core.RegisterEndpoint(id, name, "raw")
		if err != nil {
			return err
		}
		endpoints[name] = index
	}
	for _, pub := range sf.Publications {
		if _, err := core.RegisterPublication(id, pub.Key, pub.Type, pub.Units); err != nil {
			return err
		}
	}
	for _, sub := range sf.Subscriptions {
		index, err := core.RegisterSubscription(id, sub.Key, "", "", sub.Required)
		if err != nil {
			return err
		}
		if sub.Endpoint != "" {
			if err := core.LinkSubscription(id, index, endpoints[sub.Endpoint]); err != nil {
				return err
			}
		}
	}

	if err := core.EnterInitializingState(id); err != nil {
		return err
	}
	if err := core.EnterExecutingState(id); err != nil {
		return err
	}

	for _, p := range sf.Publishes {
		handle, err := core.GetPublication(p.Key)
		if err != nil {
			return err
		}
		if err := core.SetValue(handle, []byte(p.Value)); err != nil {
			return err
		}
	}
	for _, s := range sf.Sends {
		if err := core.Send(id, endpoints[s.From], s.To, []byte(s.Payload)); err != nil {
			return err
		}
	}

	granted, err := core.TimeRequest(id, stop)
	if err != nil {
		return err
	}

	received := 0
	for {
		_, msg, err := core.ReceiveAny(id)
		if err != nil || msg == nil {
			break
		}
		received++
		logrus.Infof("[%s] %s -> %s at %s: %q", sf.Name, msg.Source, msg.Destination, msg.Time, msg.Data)
	}
	logrus.Infof("[%s] granted %s, received %d messages", sf.Name, granted, received)
	return core.Finalize(id)
}

func init() {
	scenarioCmd.Flags().StringVar(&scenarioFile, "config", "scenario.yaml", "Scenario YAML file")
}
