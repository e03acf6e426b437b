// metrics.go - optional prometheus instrumentation for the replay validator.
package replay

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nymtech/nym-sub004/xerrors"
)

// Metrics holds the accept/reject counters a gateway's receive path can
// register once and share across every per-client Validator. A nil
// *Metrics is always safe to use: every method is a no-op guard.
type Metrics struct {
	Accepted    prometheus.Counter
	Duplicate   prometheus.Counter
	OutOfWindow prometheus.Counter
}

// NewMetrics builds and registers the counters against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mixclient_replay_accepted_total",
			Help: "Total number of packet counters accepted by the replay validator.",
		}),
		Duplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mixclient_replay_duplicate_total",
			Help: "Total number of packet counters rejected as duplicates.",
		}),
		OutOfWindow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mixclient_replay_out_of_window_total",
			Help: "Total number of packet counters rejected as out of window.",
		}),
	}
	reg.MustRegister(m.Accepted, m.Duplicate, m.OutOfWindow)
	return m
}

// Observe records the outcome of a MarkReceived call against m. Safe on a
// nil receiver.
func (m *Metrics) Observe(err error) {
	if m == nil {
		return
	}
	if err == nil {
		m.Accepted.Inc()
		return
	}
	if err == xerrors.ErrDuplicateCounter {
		m.Duplicate.Inc()
		return
	}
	m.OutOfWindow.Inc()
}
