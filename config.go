package vpump

import "time"

// Config holds the pipeline's construction-time settings. The zero value is
// not valid; use DefaultConfig and override from there.
type Config struct {
	// EnableBuffering selects buffered (Pacer-driven) mode over the direct
	// send fast path. Default: false.
	EnableBuffering bool

	// BufferDepth is the Pacer's target queue depth, in frames. Minimum 1.
	// Only meaningful when EnableBuffering is true.
	BufferDepth int

	// TargetRateNum/TargetRateDen define the Pacer's period (and, in
	// Periodic pump mode, the Pump's invalidation cadence).
	TargetRateNum int
	TargetRateDen int

	// EnablePacedInvalidation switches the Pump from steady periodic
	// invalidation to demand-driven, Pacer-signaled invalidation.
	EnablePacedInvalidation bool

	// EnableCaptureBackpressure pauses the Pump when the Frame Store
	// overflows its backpressure slack for gate_engage_ticks consecutive
	// ticks. Requires EnablePacedInvalidation.
	EnableCaptureBackpressure bool

	// EnableCadenceAdaptation lets the Pump shift its next dispatch by up to
	// CadenceAdaptationCap based on the Pacer's signed offset feedback. In
	// periodic mode the next interval is stretched or compressed; in paced
	// mode an on-demand dispatch is delayed for positive (late) feedback
	// only, and negative feedback dispatches at once.
	EnableCadenceAdaptation bool

	// CadenceAdaptationCap bounds the cadence-adaptation correction. Zero
	// means half the nominal period. Exposed rather than hard-coded so
	// embeddings targeting sub-24 Hz cadences can widen or narrow it.
	CadenceAdaptationCap time.Duration

	// AllowLatencyExpansion selects the latency-expansion underrun
	// recovery strategy over the default Strict strategy.
	AllowLatencyExpansion bool

	// TelemetryInterval is a cadence for telemetry snapshots that the
	// Pipeline itself does not read: it starts no publishing loop, and an
	// embedding that pushes snapshots to observers (e.g.
	// internal/telemetry/wsfeed) runs that loop on its own timer. It does
	// not gate TelemetrySnapshot(), which is always available on demand.
	TelemetryInterval time.Duration

	// BackpressureSlack is the extra depth above target_depth tolerated
	// before the capture-backpressure gate engages.
	BackpressureSlack int

	// GateEngageTicks is the number of consecutive over-threshold ticks
	// required before the backpressure gate actually engages.
	GateEngageTicks int

	// IntegratorCap bounds the latency integrator. Zero means
	// 4 * BufferDepth.
	IntegratorCap float64

	// ExpectedWidth/ExpectedHeight, when both positive, are checked against
	// every arriving CapturedFrame; a mismatched frame is dropped, logged,
	// and demand reissued. Zero disables the check.
	ExpectedWidth  int
	ExpectedHeight int
}

// DefaultConfig returns the documented defaults: direct-send mode at 60/1
// with every optional behavior off.
func DefaultConfig() Config {
	return Config{
		EnableBuffering:           false,
		BufferDepth:               3,
		TargetRateNum:             60,
		TargetRateDen:             1,
		EnablePacedInvalidation:   false,
		EnableCaptureBackpressure: false,
		EnableCadenceAdaptation:   false,
		AllowLatencyExpansion:     false,
		TelemetryInterval:         10 * time.Second,
		BackpressureSlack:         1,
		GateEngageTicks:           3,
	}
}

// Validate checks internal consistency. Call before Start (New calls it
// already).
func (c Config) Validate() error {
	if c.TargetRateNum <= 0 || c.TargetRateDen <= 0 {
		return &ConfigError{Field: "TargetRateNum/TargetRateDen", Reason: "both must be positive"}
	}
	if c.EnableBuffering && c.BufferDepth < 1 {
		return &ConfigError{Field: "BufferDepth", Reason: "must be >= 1 when EnableBuffering is true"}
	}
	if c.EnableCaptureBackpressure && !c.EnablePacedInvalidation {
		return &ConfigError{Field: "EnableCaptureBackpressure", Reason: "requires EnablePacedInvalidation"}
	}
	if c.BackpressureSlack < 0 {
		return &ConfigError{Field: "BackpressureSlack", Reason: "must be >= 0"}
	}
	if c.GateEngageTicks < 1 {
		return &ConfigError{Field: "GateEngageTicks", Reason: "must be >= 1"}
	}
	return nil
}

// targetDepth returns the Pacer's target queue depth, defaulting
// BufferDepth to 1 frame even when buffering is disabled (so code paths
// shared with direct mode have a sane depth to reason about).
func (c Config) targetDepth() int {
	if c.BufferDepth < 1 {
		return 1
	}
	return c.BufferDepth
}

func (c Config) integratorCap() float64 {
	if c.IntegratorCap > 0 {
		return c.IntegratorCap
	}
	return 4 * float64(c.targetDepth())
}
