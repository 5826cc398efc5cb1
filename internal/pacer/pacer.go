// Package pacer implements the Pacer: a dedicated periodic send loop with
// warm-up gating, underrun recovery, oversupply trimming, a latency
// integrator, an optional latency-expansion mode and a capture-backpressure
// gate.
package pacer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the Pacer's discriminated state.
type State int

const (
	Warmup State = iota
	Primed
	LatencyExpansion
)

func (s State) String() string {
	switch s {
	case Warmup:
		return "warmup"
	case Primed:
		return "primed"
	case LatencyExpansion:
		return "latency_expansion"
	default:
		return "unknown"
	}
}

// UnderrunStrategy selects how the Pacer recovers from an underrun: Strict
// discards the pre-stall backlog so recovery starts from the freshest frame;
// LatencyExpansionStrategy preserves and drains it first.
type UnderrunStrategy int

const (
	Strict UnderrunStrategy = iota
	LatencyExpansionStrategy
)

// Frame is the minimal shape the Pacer needs from a queued item: a release
// hook, fired when a frame is discarded without being sent.
type Frame interface {
	Free()
}

// Store is the Frame Store surface the Pacer drains. Satisfied structurally
// by *framestore.Store[F].
type Store[F Frame] interface {
	Count() int
	Capacity() int
	DequeueOldest() (F, bool)
	DiscardAllButLatest() int
	TryDiscardOldestStale() bool
}

// Sender transmits one frame to the transport adapter. Implementations must
// not retain frame beyond the call.
type Sender[F Frame] interface {
	Send(ctx context.Context, frame F) error
}

// Config carries the subset of vpump.Config the Pacer needs.
type Config struct {
	TargetDepth               int
	Period                    time.Duration
	AllowLatencyExpansion     bool
	EnablePacedInvalidation   bool
	EnableCaptureBackpressure bool
	BackpressureSlack         int
	GateEngageTicks           int
	IntegratorCap             float64
}

// Pacer drains Store on a periodic tick and sends to Sender.
type Pacer[F Frame] struct {
	cfg      Config
	store    Store[F]
	sender   Sender[F]
	strategy UnderrunStrategy
	logger   zerolog.Logger

	// RequestDemand, if set, is called at the end of every tick when paced
	// invalidation is enabled, so the Pump is asked for the next frame.
	RequestDemand func()
	// GatePause/GateResume back the capture-backpressure gate.
	GatePause  func()
	GateResume func()
	// AdjustCadence, if set, is fed the signed offset between this tick's
	// timer deadline and its actual fire time (positive = late, negative =
	// early) every tick, forwarding the Pacer's own observed lateness to
	// the Pump's cadence-adaptation correction. Left nil when cadence
	// adaptation is disabled.
	AdjustCadence func(offset time.Duration)

	mu sync.Mutex

	state      State
	latencyErr float64

	hasLastSent bool
	lastSent    F

	repeatCount              uint64
	underrunCount            uint64
	warmupCycleCount         uint64
	resyncDropCount          uint64
	lastWarmupDurationMs     int64
	captureGatePauses        uint64
	latencyExpansionSessions uint64

	warmupStarted time.Time
	gated         bool
	overThreshold int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Pacer in the Warmup state.
func New[F Frame](cfg Config, store Store[F], sender Sender[F], strategy UnderrunStrategy, logger zerolog.Logger) *Pacer[F] {
	if cfg.TargetDepth < 1 {
		cfg.TargetDepth = 1
	}
	if cfg.IntegratorCap <= 0 {
		cfg.IntegratorCap = 4 * float64(cfg.TargetDepth)
	}
	if cfg.GateEngageTicks < 1 {
		cfg.GateEngageTicks = 1
	}
	return &Pacer[F]{
		cfg:           cfg,
		store:         store,
		sender:        sender,
		strategy:      strategy,
		logger:        logger.With().Str("component", "pacer").Logger(),
		state:         Warmup,
		warmupStarted: time.Now(),
		stopCh:        make(chan struct{}),
	}
}

// Start begins the Pacer's periodic loop on its own goroutine.
func (p *Pacer[F]) Start() {
	p.wg.Add(1)
	go p.run()
}

// Stop signals the loop to exit and waits for it to finish, releasing
// last_sent if still held.
func (p *Pacer[F]) Stop() {
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hasLastSent {
		p.lastSent.Free()
		p.hasLastSent = false
	}
}

func (p *Pacer[F]) run() {
	defer p.wg.Done()

	period := p.cfg.Period
	if period <= 0 {
		period = time.Second / 60
	}
	deadline := time.Now().Add(period)
	timer := time.NewTimer(period)
	defer timer.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case now := <-timer.C:
			// drift is this tick's signed lateness against its own deadline
			// (positive = fired late, negative = fired early), the reading
			// AdjustCadence forwards to the Pump.
			drift := now.Sub(deadline)

			// If drift has accumulated to two or more periods, resynchronize
			// the deadline to now+period instead of bursting missed ticks.
			if drift >= 2*period {
				p.logger.Warn().Dur("drift", drift).Msg("timer drift >= 2 periods, resynchronizing")
				deadline = now
			}
			p.tick()
			if p.AdjustCadence != nil {
				p.AdjustCadence(drift)
			}
			deadline = deadline.Add(period)
			delay := time.Until(deadline)
			if delay < 0 {
				delay = 0
			}
			timer.Reset(delay)
		}
	}
}

// tick executes one pass of the per-tick sequence: observe depth, update the
// latency integrator, select and perform the state's action, send, reissue
// demand, evaluate the backpressure gate.
func (p *Pacer[F]) tick() {
	ctx := context.Background()

	p.mu.Lock()
	depth := p.store.Count()
	target := p.cfg.TargetDepth

	// Update the latency integrator, clamped.
	p.latencyErr += float64(depth - target)
	if p.latencyErr > p.cfg.IntegratorCap {
		p.latencyErr = p.cfg.IntegratorCap
	}
	if p.latencyErr < -p.cfg.IntegratorCap {
		p.latencyErr = -p.cfg.IntegratorCap
	}

	lowWatermark := float64(target) - 0.5
	highWatermark := target + 1

	var toSend F
	var haveFresh bool
	var repeat bool

	switch p.state {
	case Warmup:
		if depth < target {
			repeat = true
		} else if p.latencyErr >= 0 {
			// Transition to Primed; emit nothing extra this tick. The
			// integrator restarts from zero so the residue of the gating
			// climb does not bias the first trim decisions.
			p.state = Primed
			p.latencyErr = 0
			dur := time.Since(p.warmupStarted)
			p.lastWarmupDurationMs = dur.Milliseconds()
			p.warmupCycleCount++
			repeat = true
		} else {
			repeat = true
		}

	case LatencyExpansion:
		// Keep draining the preserved backlog regardless of watermarks.
		// Exit back to Primed once depth has recovered to target; fall
		// back to Strict underrun handling if the backlog empties first.
		f, ok := p.store.DequeueOldest()
		if ok {
			toSend, haveFresh = f, true
			if depth-1 >= target {
				p.state = Primed
			}
		} else {
			p.underrunCount++
			p.enterUnderrunLocked(depth)
			repeat = true
		}

	case Primed:
		if depth > highWatermark && p.latencyErr > 1 {
			// Trim to one above target in a single bounded pass: the
			// discard count is known up front, and the frame emitted right
			// after brings depth back to exactly target. Re-testing the
			// integrator per discard would over-drain, since it keeps
			// accumulating while depth exceeds target.
			dropped := 0
			for p.store.Count() > target+1 {
				if !p.store.TryDiscardOldestStale() {
					break
				}
				dropped++
			}
			if dropped > 0 {
				p.resyncDropCount += uint64(dropped)
				depth = p.store.Count()
				p.latencyErr = float64(depth - target)
				if p.latencyErr > p.cfg.IntegratorCap {
					p.latencyErr = p.cfg.IntegratorCap
				}
				if p.latencyErr < -p.cfg.IntegratorCap {
					p.latencyErr = -p.cfg.IntegratorCap
				}
			}
			f, ok := p.store.DequeueOldest()
			if ok {
				toSend, haveFresh = f, true
			} else {
				repeat = true
			}
		} else if float64(depth) > lowWatermark {
			f, ok := p.store.DequeueOldest()
			if ok {
				toSend, haveFresh = f, true
			} else {
				repeat = true
			}
		} else {
			// Underrun.
			p.underrunCount++
			p.enterUnderrunLocked(depth)
			repeat = true
		}
	}

	if haveFresh {
		if p.hasLastSent {
			// The previous last_sent has now been superseded and was
			// already transmitted on an earlier tick; release it.
			p.lastSent.Free()
		}
		p.hasLastSent = true
		p.lastSent = toSend
	} else if repeat && p.hasLastSent {
		// Nothing queued (or none due) to drain: repeat last_sent. If
		// hasLastSent is false this is the very first tick with nothing
		// sent yet, and the tick stays silent.
		p.repeatCount++
	}

	sendFrame := p.lastSent
	canSend := p.hasLastSent
	p.mu.Unlock()

	if canSend {
		if err := p.sender.Send(ctx, sendFrame); err != nil {
			p.logger.Debug().Err(err).Msg("transport send failed")
		}
	}

	if p.cfg.EnablePacedInvalidation && p.RequestDemand != nil {
		p.RequestDemand()
	}

	p.evaluateGate()
}

// enterUnderrunLocked applies the configured underrun strategy. Caller holds
// p.mu.
func (p *Pacer[F]) enterUnderrunLocked(depth int) {
	switch p.strategy {
	case LatencyExpansionStrategy:
		if p.cfg.AllowLatencyExpansion && depth > 0 {
			p.state = LatencyExpansion
			p.latencyExpansionSessions++
			// Preserve the backlog; the integrator still resets on every
			// underrun entry.
			p.latencyErr = 0
			p.warmupStarted = time.Now()
			return
		}
		fallthrough
	default:
		p.store.DiscardAllButLatest()
		p.latencyErr = 0
		p.state = Warmup
		p.warmupStarted = time.Now()
	}
}

// evaluateGate pauses the Pump after the queue has sat at or above
// target+slack for GateEngageTicks consecutive ticks, and resumes it once
// depth is back at target.
func (p *Pacer[F]) evaluateGate() {
	if !p.cfg.EnableCaptureBackpressure {
		return
	}
	p.mu.Lock()
	depth := p.store.Count()
	threshold := p.cfg.TargetDepth + p.cfg.BackpressureSlack
	over := depth >= threshold
	if over {
		p.overThreshold++
	} else {
		p.overThreshold = 0
	}
	shouldGate := p.overThreshold >= p.cfg.GateEngageTicks
	shouldUngate := depth <= p.cfg.TargetDepth
	wasGated := p.gated
	if shouldGate && !p.gated {
		p.gated = true
		p.captureGatePauses++
	} else if wasGated && shouldUngate {
		p.gated = false
	}
	gated := p.gated
	p.mu.Unlock()

	if gated && !wasGated && p.GatePause != nil {
		p.GatePause()
	} else if wasGated && !gated && p.GateResume != nil {
		p.GateResume()
	}
}

// Snapshot is the Pacer's contribution to the pipeline's telemetry snapshot;
// the pipeline merges it with Pump and Rate Model fields.
type Snapshot struct {
	QueueDepth               int
	TargetDepth              int
	State                    State
	UnderrunCount            uint64
	WarmupCycleCount         uint64
	ResyncDropCount          uint64
	LastWarmupDurationMs     int64
	LatencyError             float64
	RepeatCount              uint64
	CaptureGatePauses        uint64
	LatencyExpansionSessions uint64
}

// Snapshot returns a consistent point-in-time read of the Pacer's state.
func (p *Pacer[F]) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		QueueDepth:               p.store.Count(),
		TargetDepth:              p.cfg.TargetDepth,
		State:                    p.state,
		UnderrunCount:            p.underrunCount,
		WarmupCycleCount:         p.warmupCycleCount,
		ResyncDropCount:          p.resyncDropCount,
		LastWarmupDurationMs:     p.lastWarmupDurationMs,
		LatencyError:             p.latencyErr,
		RepeatCount:              p.repeatCount,
		CaptureGatePauses:        p.captureGatePauses,
		LatencyExpansionSessions: p.latencyExpansionSessions,
	}
}
