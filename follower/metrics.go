package follower

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the Prometheus collectors the loop updates as it runs
// (spec.md §9 supplemented feature #3). A nil *metrics is valid and
// simply discards updates, so tests and
// embedders that don't want a Prometheus registry aren't forced into one.
type metrics struct {
	lastAppliedTick   prometheus.Gauge
	lastProcessedTick prometheus.Gauge
	safeResumeTick    prometheus.Gauge
	openTransactions  prometheus.Gauge
	fetchSeconds      prometheus.Histogram
	retriesTotal      *prometheus.CounterVec
	markersApplied    prometheus.Counter
	markersSkipped    prometheus.Counter
}

// NewMetrics constructs and registers the follower's collectors with reg.
// label identifies this follower instance (e.g. the master endpoint) so
// multiple followers can share one registry.
func NewMetrics(reg prometheus.Registerer, label string) (*metrics, error) {
	var constLabels = prometheus.Labels{"follower": label}
	var m = &metrics{
		lastAppliedTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "follower_last_applied_tick", Help: "Largest tick durably committed locally.",
			ConstLabels: constLabels,
		}),
		lastProcessedTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "follower_last_processed_tick", Help: "Largest tick observed.",
			ConstLabels: constLabels,
		}),
		safeResumeTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "follower_safe_resume_tick", Help: "Tick at which the next fetch must start after a restart.",
			ConstLabels: constLabels,
		}),
		openTransactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "follower_open_transactions", Help: "Currently open remote transactions.",
			ConstLabels: constLabels,
		}),
		fetchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "follower_fetch_seconds", Help: "Latency of chunk fetches.",
			ConstLabels: constLabels, Buckets: prometheus.DefBuckets,
		}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "follower_retries_total", Help: "Retries by error kind.",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		markersApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "follower_markers_applied_total", Help: "Markers applied to local storage.",
			ConstLabels: constLabels,
		}),
		markersSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "follower_markers_skipped_total", Help: "Markers skipped by the collection filter.",
			ConstLabels: constLabels,
		}),
	}
	for _, c := range []prometheus.Collector{
		m.lastAppliedTick, m.lastProcessedTick, m.safeResumeTick, m.openTransactions,
		m.fetchSeconds, m.retriesTotal, m.markersApplied, m.markersSkipped,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) observeState(s State, openTx int) {
	if m == nil {
		return
	}
	m.lastAppliedTick.Set(float64(s.LastAppliedTick))
	m.lastProcessedTick.Set(float64(s.LastProcessedTick))
	m.safeResumeTick.Set(float64(s.SafeResumeTick))
	m.openTransactions.Set(float64(openTx))
}

func (m *metrics) observeRetry(kind ErrorKind) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(kind.String()).Inc()
}

func (m *metrics) observeApplied() {
	if m == nil {
		return
	}
	m.markersApplied.Inc()
}

func (m *metrics) observeSkipped() {
	if m == nil {
		return
	}
	m.markersSkipped.Inc()
}
