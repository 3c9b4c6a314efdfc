package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the relay counters exposed through the monitoring
// endpoint.
type Metrics struct {
	factory promauto.Factory

	// a third owner was offered for an already-paired session id; the
	// attempt is dropped but counted, it hints at an upstream
	// desynchronization
	OwnerOverflow  prometheus.Counter
	ClientsCreated prometheus.Counter
	ClientsSwept   prometheus.Counter
	IdentitiesMade prometheus.Counter
}

func NewMetrics() *Metrics { return NewMetricsOn(prometheus.DefaultRegisterer) }

func NewMetricsOn(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		factory: factory,
		OwnerOverflow: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_session_owner_overflow_total",
			Help: "Rejected third-owner registrations on a p2p session id.",
		}),
		ClientsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_clients_created_total",
			Help: "Client sessions created since start.",
		}),
		ClientsSwept: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_clients_swept_total",
			Help: "Client sessions disposed by the reclamation sweep.",
		}),
		IdentitiesMade: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_identities_created_total",
			Help: "Call identities provisioned on the remote authority.",
		}),
	}
}

// WatchController exports the live gauges of a running controller.
func (m *Metrics) WatchController(c *Controller) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "relay_active_clients",
		Help: "Client sessions currently in the directory.",
	}, func() float64 { return float64(c.Clients()) })
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "relay_active_sessions",
		Help: "P2p sessions currently tracked across all shards.",
	}, func() float64 { return float64(c.Sessions()) })
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "relay_active_rooms",
		Help: "Call rooms currently tracked across all shards.",
	}, func() float64 { return float64(c.Rooms()) })
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "relay_pool_free",
		Help: "Pooled call identities on the local free lists.",
	}, func() float64 { return float64(c.PooledIdentities()) })
}
