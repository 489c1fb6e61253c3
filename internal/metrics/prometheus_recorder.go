package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once sync.Once

	applyChangeDuration *prom.HistogramVec
	applyChangeResults  *prom.CounterVec
	retries             *prom.CounterVec
	retriesExhausted    *prom.CounterVec
	cacheLookups        *prom.CounterVec
	cacheSize           *prom.GaugeVec
	activeCarets        *prom.GaugeVec
	caretsReaped        *prom.CounterVec
	docOpens            *prom.CounterVec
	activeDocs          prom.Gauge
	changeAfterWait     *prom.HistogramVec
}

var _ Recorder = (*PrometheusRecorder)(nil)

// NewPrometheusRecorder constructs and registers Prometheus metrics on
// reg (a fresh registry when reg is nil). Each call registers a new set
// of collectors, so registering twice on the same reg panics.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.applyChangeDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "bayou",
			Name:      "apply_change_duration_seconds",
			Help:      "Duration of applyChange calls by stream",
			Buckets:   prom.DefBuckets,
		}, []string{"stream"})
		pr.applyChangeResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "bayou",
			Name:      "apply_change_results_total",
			Help:      "applyChange outcomes by stream and wire error code (empty for success)",
		}, []string{"stream", "wire_code"})
		pr.retries = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "bayou",
			Name:      "apply_change_retries_total",
			Help:      "Conditional-append retry attempts by stream",
		}, []string{"stream"})
		pr.retriesExhausted = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "bayou",
			Name:      "apply_change_retries_exhausted_total",
			Help:      "Count of applyChange calls that exhausted the retry budget",
		}, []string{"stream"})
		pr.cacheLookups = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "bayou",
			Name:      "snapshot_cache_lookups_total",
			Help:      "Snapshot cache lookups by stream and hit/miss",
		}, []string{"stream", "result"})
		pr.cacheSize = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "bayou",
			Name:      "snapshot_cache_size",
			Help:      "Current number of cached snapshots by stream",
		}, []string{"stream"})
		pr.activeCarets = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "bayou",
			Name:      "active_carets",
			Help:      "Live caret count by document",
		}, []string{"doc_id"})
		pr.caretsReaped = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "bayou",
			Name:      "carets_reaped_total",
			Help:      "Carets ended by idle reaping, by document",
		}, []string{"doc_id"})
		pr.docOpens = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "bayou",
			Name:      "doc_opens_total",
			Help:      "DocComplex.open outcomes",
		}, []string{"status"})
		pr.activeDocs = prom.NewGauge(prom.GaugeOpts{
			Namespace: "bayou",
			Name:      "active_docs",
			Help:      "Number of DocComplex instances currently registered",
		})
		pr.changeAfterWait = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "bayou",
			Name:      "change_after_wait_seconds",
			Help:      "Time a getChangeAfter call spent suspended, by stream",
			Buckets:   prom.DefBuckets,
		}, []string{"stream", "resolved"})
		reg.MustRegister(
			pr.applyChangeDuration, pr.applyChangeResults, pr.retries, pr.retriesExhausted,
			pr.cacheLookups, pr.cacheSize, pr.activeCarets, pr.caretsReaped,
			pr.docOpens, pr.activeDocs, pr.changeAfterWait,
		)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveApplyChangeDuration(stream StreamLabel, d time.Duration, _ int) {
	if p == nil || p.applyChangeDuration == nil {
		return
	}
	p.applyChangeDuration.WithLabelValues(string(stream)).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncApplyChangeResult(stream StreamLabel, wireCode string) {
	if p == nil || p.applyChangeResults == nil {
		return
	}
	p.applyChangeResults.WithLabelValues(string(stream), wireCode).Inc()
}

func (p *PrometheusRecorder) IncRetryAttempt(stream StreamLabel) {
	if p == nil || p.retries == nil {
		return
	}
	p.retries.WithLabelValues(string(stream)).Inc()
}

func (p *PrometheusRecorder) IncRetryExhausted(stream StreamLabel) {
	if p == nil || p.retriesExhausted == nil {
		return
	}
	p.retriesExhausted.WithLabelValues(string(stream)).Inc()
}

func (p *PrometheusRecorder) ObserveSnapshotCacheLookup(stream StreamLabel, hit bool) {
	if p == nil || p.cacheLookups == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	p.cacheLookups.WithLabelValues(string(stream), result).Inc()
}

func (p *PrometheusRecorder) SetSnapshotCacheSize(stream StreamLabel, n int) {
	if p == nil || p.cacheSize == nil {
		return
	}
	p.cacheSize.WithLabelValues(string(stream)).Set(float64(n))
}

func (p *PrometheusRecorder) SetActiveCarets(docID string, n int) {
	if p == nil || p.activeCarets == nil {
		return
	}
	p.activeCarets.WithLabelValues(docID).Set(float64(n))
}

func (p *PrometheusRecorder) IncCaretReaped(docID string) {
	if p == nil || p.caretsReaped == nil {
		return
	}
	p.caretsReaped.WithLabelValues(docID).Inc()
}

func (p *PrometheusRecorder) IncDocOpen(status OpenStatusLabel) {
	if p == nil || p.docOpens == nil {
		return
	}
	p.docOpens.WithLabelValues(string(status)).Inc()
}

func (p *PrometheusRecorder) SetActiveDocs(n int) {
	if p == nil || p.activeDocs == nil {
		return
	}
	p.activeDocs.Set(float64(n))
}

func (p *PrometheusRecorder) ObserveChangeAfterWait(stream StreamLabel, d time.Duration, resolved bool) {
	if p == nil || p.changeAfterWait == nil {
		return
	}
	r := "timeout"
	if resolved {
		r = "resolved"
	}
	p.changeAfterWait.WithLabelValues(string(stream), r).Observe(d.Seconds())
}
