package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type fakeSource struct {
	sample Sample
}

func (f fakeSource) MetricsSample() Sample { return f.sample }

func gather(t *testing.T, reg *prometheus.Registry) []*dto.MetricFamily {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	return mfs
}

func findFamily(t *testing.T, mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	t.Helper()
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric family %q not found", name)
	return nil
}

func TestCollectorExposesGaugesAndCounters(t *testing.T) {
	src := fakeSource{sample: Sample{
		QueueDepth:           2,
		TargetDepth:          3,
		State:                "primed",
		UnderrunCount:        5,
		WarmupCycleCount:     1,
		ResyncDropCount:      2,
		LastWarmupDurationMs: 250,
		LatencyError:         1.5,
		RepeatCount:          7,
		CaptureGatePauses:    3,
		ExpiredTicketCount:   4,
		ObservedFPS:          59.5,
		FPSShortfallPercent:  0.8,
	}}

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(src))

	mfs := gather(t, reg)

	depthFamily := findFamily(t, mfs, "vpump_queue_depth")
	if got := depthFamily.Metric[0].GetGauge().GetValue(); got != 2 {
		t.Errorf("vpump_queue_depth = %v, want 2", got)
	}

	underrunFamily := findFamily(t, mfs, "vpump_underrun_total")
	if got := underrunFamily.Metric[0].GetCounter().GetValue(); got != 5 {
		t.Errorf("vpump_underrun_total = %v, want 5", got)
	}

	warmupDurFamily := findFamily(t, mfs, "vpump_last_warmup_duration_seconds")
	if got := warmupDurFamily.Metric[0].GetGauge().GetValue(); got != 0.25 {
		t.Errorf("vpump_last_warmup_duration_seconds = %v, want 0.25", got)
	}

	stateFamily := findFamily(t, mfs, "vpump_pacer_state")
	if len(stateFamily.Metric) != 3 {
		t.Fatalf("vpump_pacer_state metric count = %d, want 3 (one per state label)", len(stateFamily.Metric))
	}
	for _, m := range stateFamily.Metric {
		var state string
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "state" {
				state = lp.GetValue()
			}
		}
		want := 0.0
		if state == "primed" {
			want = 1
		}
		if got := m.GetGauge().GetValue(); got != want {
			t.Errorf("state %q gauge = %v, want %v", state, got, want)
		}
	}
}

func TestCollectorReflectsLiveSource(t *testing.T) {
	src := &mutableSource{sample: Sample{QueueDepth: 1}}
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(src))

	mfs := gather(t, reg)
	if got := findFamily(t, mfs, "vpump_queue_depth").Metric[0].GetGauge().GetValue(); got != 1 {
		t.Fatalf("initial vpump_queue_depth = %v, want 1", got)
	}

	src.sample.QueueDepth = 9
	mfs = gather(t, reg)
	if got := findFamily(t, mfs, "vpump_queue_depth").Metric[0].GetGauge().GetValue(); got != 9 {
		t.Errorf("vpump_queue_depth after update = %v, want 9 (collector must not cache)", got)
	}
}

type mutableSource struct {
	sample Sample
}

func (m *mutableSource) MetricsSample() Sample { return m.sample }
