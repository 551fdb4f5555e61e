package fed

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the Prometheus instruments a broker exposes. A nil
// *Collector is valid and records nothing, so the router hot path never
// branches on whether metrics are configured.
type Collector struct {
	gatherer prometheus.Gatherer

	Messages   *prometheus.CounterVec // routed actions by queue class and command
	QueueDepth prometheus.Gauge       // current main-queue depth
	Federates  prometheus.Gauge       // registered federates
	Handles    prometheus.Gauge       // registered handles
	TimeGrants prometheus.Counter     // grants issued by this broker
}

// NewCollector registers broker metrics against reg, defaulting to the
// global Prometheus registry when nil. Re-registration of an identical
// collector is tolerated so multiple brokers in one process can share a
// registry.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	messages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fed_messages_total",
		Help: "Total number of routed action messages, labeled by queue class and command.",
	}, []string{"class", "command"})
	messages, err := registerCounterVec(reg, messages, "fed_messages_total")
	if err != nil {
		return nil, err
	}

	depth, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fed_queue_depth",
		Help: "Current depth of the broker main queue.",
	}), "fed_queue_depth")
	if err != nil {
		return nil, err
	}
	federates, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fed_federates",
		Help: "Current number of registered federates.",
	}), "fed_federates")
	if err != nil {
		return nil, err
	}
	handles, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fed_handles",
		Help: "Current number of registered handles.",
	}), "fed_handles")
	if err != nil {
		return nil, err
	}

	grants := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fed_time_grants_total",
		Help: "Total number of time grants issued by this broker.",
	})
	if err := reg.Register(grants); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			grants = are.ExistingCollector.(prometheus.Counter)
		} else {
			return nil, err
		}
	}

	return &Collector{
		gatherer:   gatherer,
		Messages:   messages,
		QueueDepth: depth,
		Federates:  federates,
		Handles:    handles,
		TimeGrants: grants,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) countMessage(class string, cmd fmt.Stringer) {
	if c == nil || c.Messages == nil {
		return
	}
	c.Messages.WithLabelValues(class, cmd.String()).Inc()
}

func (c *Collector) setQueueDepth(n int) {
	if c == nil || c.QueueDepth == nil {
		return
	}
	c.QueueDepth.Set(float64(n))
}

func (c *Collector) setFederates(n int) {
	if c == nil || c.Federates == nil {
		return
	}
	c.Federates.Set(float64(n))
}

func (c *Collector) setHandles(n int) {
	if c == nil || c.Handles == nil {
		return
	}
	c.Handles.Set(float64(n))
}

func (c *Collector) countGrant() {
	if c == nil || c.TimeGrants == nil {
		return
	}
	c.TimeGrants.Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
