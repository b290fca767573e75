// Package metrics holds the hub's Prometheus instrumentation, exposed on
// GET /metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all hub metrics.
type Registry struct {
	// Event bus
	BusPublished prometheus.Counter
	BusDropped   prometheus.Counter

	// Registry / state path
	DevicesKnown       prometheus.Gauge
	EntitiesKnown      prometheus.Gauge
	StateApplied       prometheus.Counter
	StateDiscardedLate prometheus.Counter

	// Persistence
	HistoryQueueDepth prometheus.Gauge
	HistoryFlushed    prometheus.Counter
	HistoryDropped    prometheus.Counter
	PersistenceErrors *prometheus.CounterVec

	// Commands
	CommandsInFlight  prometheus.Gauge
	CommandsCompleted *prometheus.CounterVec
	CommandsCoalesced prometheus.Counter

	// Discovery / adapters
	DiscoveryFound  *prometheus.CounterVec
	DevicesOnline   prometheus.Gauge
	AdapterSessions *prometheus.GaugeVec
	ProtocolErrors  *prometheus.CounterVec

	// Consumer
	ConsumerMode prometheus.Gauge // 0 = pull, 1 = push
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.BusPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cove_bus_published_total",
		Help: "Events published on the internal bus",
	})
	r.BusDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cove_bus_dropped_total",
		Help: "Events dropped from slow subscriber mailboxes",
	})

	r.DevicesKnown = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cove_devices_known",
		Help: "Devices in the registry",
	})
	r.EntitiesKnown = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cove_entities_known",
		Help: "Active entities in the registry",
	})
	r.StateApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cove_state_applied_total",
		Help: "State updates accepted by the registry",
	})
	r.StateDiscardedLate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cove_state_discarded_late_total",
		Help: "State updates rejected for carrying a stale timestamp",
	})

	r.HistoryQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cove_history_queue_depth",
		Help: "Records buffered for the history sink",
	})
	r.HistoryFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cove_history_flushed_total",
		Help: "History records written to the remote store",
	})
	r.HistoryDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cove_history_dropped_total",
		Help: "History records dropped under backpressure",
	})
	r.PersistenceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cove_persistence_errors_total",
		Help: "Remote store write failures",
	}, []string{"sink"})

	r.CommandsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cove_commands_in_flight",
		Help: "Commands currently executing",
	})
	r.CommandsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cove_commands_total",
		Help: "Commands by terminal status",
	}, []string{"status"})
	r.CommandsCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cove_commands_coalesced_total",
		Help: "Scrubbable commands replaced by a newer value before dispatch",
	})

	r.DiscoveryFound = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cove_discovery_found_total",
		Help: "New devices discovered",
	}, []string{"protocol"})
	r.DevicesOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cove_devices_online",
		Help: "Devices currently reachable",
	})
	r.AdapterSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cove_adapter_sessions",
		Help: "Open device sessions per adapter",
	}, []string{"protocol"})
	r.ProtocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cove_protocol_errors_total",
		Help: "Protocol violations per adapter",
	}, []string{"protocol"})

	r.ConsumerMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cove_command_consumer_push_mode",
		Help: "1 when the command consumer is in push mode, 0 in pull mode",
	})

	return r
}
