// Package metrics exposes the pipeline's telemetry snapshot as a Prometheus
// collector. It is strictly additive to the pipeline's own snapshot surface,
// mirroring the same numbers into /metrics for scrape-based observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Sample is the subset of the pipeline's telemetry snapshot this collector
// cares about. The pipeline builds one from the Pacer's Snapshot, the Pump's
// counters and the Rate Model's fps bookkeeping on every scrape.
type Sample struct {
	QueueDepth               int
	TargetDepth              int
	State                    string
	UnderrunCount            uint64
	WarmupCycleCount         uint64
	ResyncDropCount          uint64
	LastWarmupDurationMs     int64
	LatencyError             float64
	RepeatCount              uint64
	CaptureGatePauses        uint64
	LatencyExpansionSessions uint64
	ExpiredTicketCount       uint64
	ObservedFPS              float64
	FPSShortfallPercent      float64
}

// Source supplies the current Sample on demand. The pipeline's
// TelemetrySnapshot type satisfies this.
type Source interface {
	MetricsSample() Sample
}

var (
	queueDepthDesc = prometheus.NewDesc(
		"vpump_queue_depth", "Current Frame Store queue depth.", nil, nil)
	targetDepthDesc = prometheus.NewDesc(
		"vpump_target_depth", "Configured Pacer target queue depth.", nil, nil)
	stateDesc = prometheus.NewDesc(
		"vpump_pacer_state", "Pacer state as a one-hot gauge (1 for the active state).", []string{"state"}, nil)
	underrunTotalDesc = prometheus.NewDesc(
		"vpump_underrun_total", "Total Pacer underrun events.", nil, nil)
	warmupCyclesDesc = prometheus.NewDesc(
		"vpump_warmup_cycles_total", "Total Warmup-to-Primed transitions.", nil, nil)
	resyncDropTotalDesc = prometheus.NewDesc(
		"vpump_resync_drop_total", "Total stale frames dropped to resynchronize latency.", nil, nil)
	lastWarmupDurationDesc = prometheus.NewDesc(
		"vpump_last_warmup_duration_seconds", "Duration of the most recently completed warm-up.", nil, nil)
	latencyErrorDesc = prometheus.NewDesc(
		"vpump_latency_error", "Current value of the Pacer's clamped latency integrator.", nil, nil)
	repeatTotalDesc = prometheus.NewDesc(
		"vpump_repeat_total", "Total ticks that repeated the last sent frame.", nil, nil)
	gatePausesTotalDesc = prometheus.NewDesc(
		"vpump_capture_gate_pauses_total", "Total times the capture-backpressure gate engaged.", nil, nil)
	latencyExpansionSessionsDesc = prometheus.NewDesc(
		"vpump_latency_expansion_sessions_total", "Total underruns that entered latency-expansion mode with the backlog preserved.", nil, nil)
	expiredTicketsTotalDesc = prometheus.NewDesc(
		"vpump_expired_tickets_total", "Total Pump demand tickets that expired unfulfilled.", nil, nil)
	observedFPSDesc = prometheus.NewDesc(
		"vpump_observed_fps", "Observed producer frame arrival rate.", nil, nil)
	fpsShortfallDesc = prometheus.NewDesc(
		"vpump_fps_shortfall_percent", "Percentage shortfall of observed fps below the configured target rate.", nil, nil)
)

// Collector adapts a Source to prometheus.Collector. It holds no state of
// its own: every Collect call re-reads the source, so a slow or stopped
// pipeline simply reports its last known snapshot rather than a stale
// cached copy.
type Collector struct {
	source Source
}

// NewCollector wraps source. Callers register the result with a
// prometheus.Registerer.
func NewCollector(source Source) *Collector {
	return &Collector{source: source}
}

var _ prometheus.Collector = (*Collector)(nil)

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueDepthDesc
	ch <- targetDepthDesc
	ch <- stateDesc
	ch <- underrunTotalDesc
	ch <- warmupCyclesDesc
	ch <- resyncDropTotalDesc
	ch <- lastWarmupDurationDesc
	ch <- latencyErrorDesc
	ch <- repeatTotalDesc
	ch <- gatePausesTotalDesc
	ch <- latencyExpansionSessionsDesc
	ch <- expiredTicketsTotalDesc
	ch <- observedFPSDesc
	ch <- fpsShortfallDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.MetricsSample()

	ch <- prometheus.MustNewConstMetric(queueDepthDesc, prometheus.GaugeValue, float64(s.QueueDepth))
	ch <- prometheus.MustNewConstMetric(targetDepthDesc, prometheus.GaugeValue, float64(s.TargetDepth))
	for _, st := range []string{"warmup", "primed", "latency_expansion"} {
		v := 0.0
		if st == s.State {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(stateDesc, prometheus.GaugeValue, v, st)
	}
	ch <- prometheus.MustNewConstMetric(underrunTotalDesc, prometheus.CounterValue, float64(s.UnderrunCount))
	ch <- prometheus.MustNewConstMetric(warmupCyclesDesc, prometheus.CounterValue, float64(s.WarmupCycleCount))
	ch <- prometheus.MustNewConstMetric(resyncDropTotalDesc, prometheus.CounterValue, float64(s.ResyncDropCount))
	ch <- prometheus.MustNewConstMetric(lastWarmupDurationDesc, prometheus.GaugeValue, float64(s.LastWarmupDurationMs)/1000)
	ch <- prometheus.MustNewConstMetric(latencyErrorDesc, prometheus.GaugeValue, s.LatencyError)
	ch <- prometheus.MustNewConstMetric(repeatTotalDesc, prometheus.CounterValue, float64(s.RepeatCount))
	ch <- prometheus.MustNewConstMetric(gatePausesTotalDesc, prometheus.CounterValue, float64(s.CaptureGatePauses))
	ch <- prometheus.MustNewConstMetric(latencyExpansionSessionsDesc, prometheus.CounterValue, float64(s.LatencyExpansionSessions))
	ch <- prometheus.MustNewConstMetric(expiredTicketsTotalDesc, prometheus.CounterValue, float64(s.ExpiredTicketCount))
	ch <- prometheus.MustNewConstMetric(observedFPSDesc, prometheus.GaugeValue, s.ObservedFPS)
	ch <- prometheus.MustNewConstMetric(fpsShortfallDesc, prometheus.GaugeValue, s.FPSShortfallPercent)
}
