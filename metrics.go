package recordlayer

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors a Pipeline reports to.
// Wired from caddyserver-caddy's go.mod (github.com/prometheus/
// client_golang), per SPEC_FULL.md's domain stack. All methods are
// nil-receiver safe so a Pipeline built without metrics pays no cost
// and a caller need not register anything to use the package.
type Metrics struct {
	drops    *prometheus.CounterVec
	replay   *prometheus.CounterVec
	fatal    *prometheus.CounterVec
	deferred *prometheus.GaugeVec
}

// NewMetrics builds and registers a Metrics instance against reg. If
// reg is nil, the collectors are created but never registered, which
// is useful for tests that want the counters without a global
// registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dtls",
			Subsystem: "recordlayer",
			Name:      "silent_drops_total",
			Help:      "Records discarded without error, by reason.",
		}, []string{"reason"}),
		replay: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dtls",
			Subsystem: "recordlayer",
			Name:      "replay_checks_total",
			Help:      "Replay window check outcomes.",
		}, []string{"status"}),
		fatal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dtls",
			Subsystem: "recordlayer",
			Name:      "fatal_alerts_total",
			Help:      "Fatal alerts raised, by alert description.",
		}, []string{"alert"}),
		deferred: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dtls",
			Subsystem: "recordlayer",
			Name:      "deferred_queue_size",
			Help:      "Current occupancy of a deferred record queue.",
		}, []string{"queue"}),
	}

	if reg != nil {
		reg.MustRegister(m.drops, m.replay, m.fatal, m.deferred)
	}

	return m
}

func (m *Metrics) incDrop(reason string) {
	if m == nil {
		return
	}
	m.drops.WithLabelValues(reason).Inc()
}

func (m *Metrics) incReplay(status ReplayStatus) {
	if m == nil {
		return
	}
	m.replay.WithLabelValues(status.String()).Inc()
}

func (m *Metrics) incFatal(alert AlertDescription) {
	if m == nil {
		return
	}
	m.fatal.WithLabelValues(alert.String()).Inc()
}

func (m *Metrics) setDeferredSize(queue string, n int) {
	if m == nil {
		return
	}
	m.deferred.WithLabelValues(queue).Set(float64(n))
}
