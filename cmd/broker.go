package cmd

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/federation-sim/federation-sim/fed"
	"github.com/federation-sim/federation-sim/fed/transport"
)

var (
	brokerName    string // Broker identifier within the federation
	minFederates  int    // Federates required before init can be granted
	minBrokers    int    // Brokers (including this one) required before init
	isRoot        bool   // Run as the federation root
	isGateway     bool   // Act as a gateway broker
	brokerAddress string // Parent broker address (non-root only)
	listenAddress string // TCP listen address for children and parents
	metricsAddr   string // Address serving /metrics, empty disables
	hostFederates bool   // Run as a core that hosts federates
)

// brokerCmd runs one broker (or core) process of a federation.
var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run a federation broker node",
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		cfg := fed.BrokerConfig{
			Name:          brokerName,
			MinFederates:  minFederates,
			MinBrokers:    minBrokers,
			Root:          isRoot,
			Gateway:       isGateway,
			BrokerAddress: brokerAddress,
		}
		if cfg.Name == "" {
			return fed.NewError(fed.ErrInvalidIdentifier, "broker name is required")
		}
		if !cfg.Root && cfg.BrokerAddress == "" {
			return fed.NewError(fed.ErrInvalidIdentifier, "non-root brokers need --broker-address")
		}

		var broker *fed.Broker
		if hostFederates {
			broker = fed.NewCore(cfg).Broker
		} else {
			broker = fed.NewBroker(cfg)
		}

		tcp := transport.NewTCP(listenAddress, broker.Receiver())
		broker.SetTransmitter(tcp)

		collector, err := fed.NewCollector(prometheus.DefaultRegisterer)
		if err != nil {
			return err
		}
		broker.SetMetrics(collector)
		if metricsAddr != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", collector.Handler())
				if serveErr := http.ListenAndServe(metricsAddr, mux); serveErr != nil {
					logrus.Errorf("metrics server: %v", serveErr)
				}
			}()
		}

		if err := broker.Start(); err != nil {
			return err
		}
		if !cfg.Root {
			if err := broker.Connect(cfg.BrokerAddress); err != nil {
				broker.Stop()
				return err
			}
		}
		logrus.Infof("broker %s up at %s (root=%v)", cfg.Name, tcp.Address(), cfg.Root)

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		logrus.Info("shutting down")
		broker.Stop()
		return nil
	},
}

func init() {
	brokerCmd.Flags().StringVar(&brokerName, "name", "", "Broker identifier")
	brokerCmd.Flags().IntVar(&minFederates, "min-federates", 1, "Federates required before initialization")
	brokerCmd.Flags().IntVar(&minBrokers, "min-brokers", 1, "Brokers required before initialization")
	brokerCmd.Flags().BoolVar(&isRoot, "root", false, "Run as the federation root")
	brokerCmd.Flags().BoolVar(&isGateway, "gateway", false, "Act as a gateway broker")
	brokerCmd.Flags().StringVar(&brokerAddress, "broker-address", "", "Parent broker address")
	brokerCmd.Flags().StringVar(&listenAddress, "listen", ":24160", "TCP listen address")
	brokerCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus /metrics listen address (empty disables)")
	brokerCmd.Flags().BoolVar(&hostFederates, "core", false, "Host federates on this node")
}
