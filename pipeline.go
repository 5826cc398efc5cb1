// Package vpump implements the paced video pipeline: the subsystem that
// decides when each rendered frame is transmitted, which frame to transmit,
// how to compensate for producer stalls or bursts, and when to request the
// next render. This file wires the four components (Rate Model, Frame Store,
// Render Pump, Pacer) into the exposed Pipeline surface.
package vpump

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"vpump/internal/framestore"
	"vpump/internal/metrics"
	"vpump/internal/pacer"
	"vpump/internal/pump"
	"vpump/internal/ratemodel"
)

// TelemetrySnapshot is the stable contract exposed by
// Pipeline.TelemetrySnapshot.
type TelemetrySnapshot struct {
	QueueDepth               int
	TargetDepth              int
	State                    string
	UnderrunCount            uint64
	ExpiredTicketCount       uint64
	WarmupCycleCount         uint64
	ResyncDropCount          uint64
	LastWarmupDurationMs     int64
	LatencyError             float64
	ObservedFPS              float64
	FPSShortfallPercent      float64
	RepeatCount              uint64
	CaptureGatePauses        uint64
	LatencyExpansionSessions uint64
	SendFailures             uint64
}

// MetricsSample adapts TelemetrySnapshot to internal/metrics.Source, feeding
// the same numbers into a Prometheus collector.
func (t TelemetrySnapshot) MetricsSample() metrics.Sample {
	return metrics.Sample{
		QueueDepth:               t.QueueDepth,
		TargetDepth:              t.TargetDepth,
		State:                    t.State,
		UnderrunCount:            t.UnderrunCount,
		WarmupCycleCount:         t.WarmupCycleCount,
		ResyncDropCount:          t.ResyncDropCount,
		LastWarmupDurationMs:     t.LastWarmupDurationMs,
		LatencyError:             t.LatencyError,
		RepeatCount:              t.RepeatCount,
		CaptureGatePauses:        t.CaptureGatePauses,
		LatencyExpansionSessions: t.LatencyExpansionSessions,
		ExpiredTicketCount:       t.ExpiredTicketCount,
		ObservedFPS:              t.ObservedFPS,
		FPSShortfallPercent:      t.FPSShortfallPercent,
	}
}

// sinkAdapter bridges TransportAdapter to pacer.Sender[StoredFrame], stamping
// the Pipeline's rate on every call.
type sinkAdapter struct {
	p *Pipeline
}

func (s sinkAdapter) Send(ctx context.Context, frame StoredFrame) error {
	err := s.p.transport.SendVideo(ctx, frame.Frame, s.p.rate.Num, s.p.rate.Den)
	if err != nil {
		s.p.sendFailures.Add(1)
		s.p.logger.Debug().Err(err).Msg("transport send failed")
		return &TransportError{Err: err}
	}
	return nil
}

// Pipeline is the exposed surface of the paced video pipeline:
// New/Start/Stop/HandleFrame/TelemetrySnapshot, plus Err/IsRunning for
// fatal-error propagation.
type Pipeline struct {
	cfg       Config
	rate      ratemodel.Rate
	transport TransportAdapter
	dispatch  Dispatch
	producer  ProducerAdapter
	logger    zerolog.Logger

	cadence *ratemodel.CadenceTracker

	store *framestore.Store[StoredFrame]
	pace  *pacer.Pacer[StoredFrame]
	rend  *pump.Pump

	sendFailures atomic.Uint64

	running  atomic.Bool
	stopOnce sync.Once
	fatalCh  chan error
	fatalMu  sync.Mutex
	fatal    error

	group *errgroup.Group
	stop  context.CancelFunc
}

// New constructs a Pipeline. cfg is validated immediately; a ConfigError is
// fatal at construction. producer and dispatch are required whenever the
// Render Pump runs (buffered mode, or paced invalidation in direct mode); in
// direct mode with paced invalidation disabled they may be nil.
func New(cfg Config, producer ProducerAdapter, transport TransportAdapter, dispatch Dispatch, logger zerolog.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rate, err := ratemodel.New(cfg.TargetRateNum, cfg.TargetRateDen)
	if err != nil {
		return nil, &ConfigError{Field: "TargetRateNum/TargetRateDen", Reason: err.Error()}
	}

	p := &Pipeline{
		cfg:       cfg,
		rate:      rate,
		transport: transport,
		dispatch:  dispatch,
		producer:  producer,
		logger:    logger.With().Str("component", "pipeline").Logger(),
		cadence:   ratemodel.NewCadenceTracker(rate),
		fatalCh:   make(chan error, 1),
	}

	if cfg.EnableBuffering {
		p.store = framestore.New[StoredFrame](cfg.targetDepth(), p.logger)

		strategy := pacer.Strict
		if cfg.AllowLatencyExpansion {
			strategy = pacer.LatencyExpansionStrategy
		}
		pacerCfg := pacer.Config{
			TargetDepth:               cfg.targetDepth(),
			Period:                    rate.Period(),
			AllowLatencyExpansion:     cfg.AllowLatencyExpansion,
			EnablePacedInvalidation:   cfg.EnablePacedInvalidation,
			EnableCaptureBackpressure: cfg.EnableCaptureBackpressure,
			BackpressureSlack:         cfg.BackpressureSlack,
			GateEngageTicks:           cfg.GateEngageTicks,
			IntegratorCap:             cfg.integratorCap(),
		}
		p.pace = pacer.New[StoredFrame](pacerCfg, p.store, sinkAdapter{p}, strategy, p.logger)
	}

	// The Pump is needed whenever buffering is on (periodic or paced
	// invalidation both drive it) or when paced invalidation is requested
	// in direct mode; otherwise it is never constructed or started.
	if cfg.EnableBuffering || cfg.EnablePacedInvalidation {
		mode := pump.ModePeriodic
		if cfg.EnablePacedInvalidation {
			mode = pump.ModePaced
		}
		pumpCfg := pump.Config{
			Mode:                    mode,
			Period:                  rate.Period(),
			EnableCadenceAdaptation: cfg.EnableCadenceAdaptation,
			CadenceAdaptationCap:    cfg.CadenceAdaptationCap,
		}
		p.rend = pump.New(pumpCfg, pump.Dispatch(dispatch), producer, p.logger)
		if cfg.EnableBuffering {
			p.pace.RequestDemand = p.rend.RequestDemand
			if cfg.EnableCaptureBackpressure {
				p.pace.GatePause = p.rend.Pause
				p.pace.GateResume = p.rend.Resume
			}
			if cfg.EnableCadenceAdaptation {
				// The Pacer is the one component that actually observes
				// output lateness (its own tick-deadline drift); feed that
				// reading to the Pump automatically every tick rather than
				// leaving the embedder to compute and call AdjustCadence
				// itself.
				p.pace.AdjustCadence = p.rend.AdjustCadence
			}
		}
	}

	return p, nil
}

// NewFromRateText is a convenience constructor for embeddings that only
// have a free-form rate string (e.g. "59.94", "60000/1001") rather than a
// pre-split numerator/denominator: it parses rateText via ratemodel.Parse
// into cfg.TargetRateNum/TargetRateDen before delegating to New.
func NewFromRateText(cfg Config, rateText string, producer ProducerAdapter, transport TransportAdapter, dispatch Dispatch, logger zerolog.Logger) (*Pipeline, error) {
	r, err := ratemodel.Parse(rateText)
	if err != nil {
		return nil, &ConfigError{Field: "TargetRateNum/TargetRateDen", Reason: err.Error()}
	}
	cfg.TargetRateNum, cfg.TargetRateDen = r.Num, r.Den
	return New(cfg, producer, transport, dispatch, logger)
}

// Start begins the Pump and Pacer loops under one cancellable errgroup that
// supervises their shutdown: Stop (or a future fatal error) cancels the
// group's context, and each component's teardown goroutine stops it in
// response.
func (p *Pipeline) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.stop = cancel
	g, gctx := errgroup.WithContext(ctx)
	p.group = g

	if p.rend != nil {
		p.rend.Start()
		g.Go(func() error {
			<-gctx.Done()
			p.rend.Stop()
			return nil
		})
	}
	if p.pace != nil {
		p.pace.Start()
		g.Go(func() error {
			<-gctx.Done()
			p.pace.Stop()
			return nil
		})
	}
}

// Stop signals shutdown, drains the Pump and Pacer, and releases every frame
// they still hold. Each worker observes the cancellation at its next
// suspension point and exits within one nominal period. Idempotent, and
// still drains after a fatal teardown has already cleared the running flag.
func (p *Pipeline) Stop() {
	p.running.Store(false)
	p.stopOnce.Do(func() {
		if p.stop != nil {
			p.stop()
		}
		if p.group != nil {
			_ = p.group.Wait()
		}
		if p.store != nil {
			for {
				f, ok := p.store.DequeueOldest()
				if !ok {
					break
				}
				f.Free()
			}
		}
	})
}

// IsRunning reports whether the pipeline is currently started.
func (p *Pipeline) IsRunning() bool { return p.running.Load() }

// Period returns the nominal inter-frame interval implied by the configured
// target rate, e.g. for an embedding's own producer loop to pace against.
func (p *Pipeline) Period() time.Duration { return p.rate.Period() }

// Err returns the one-shot fatal-error channel: a FatalError that tears the
// pipeline down is surfaced here exactly once.
func (p *Pipeline) Err() <-chan error { return p.fatalCh }

// failFatal records err as the pipeline's one terminal fatal error
// (allocator exhaustion, invariant violations), triggers the errgroup's
// supervised teardown, and surfaces err exactly once on Err().
func (p *Pipeline) failFatal(err error) {
	p.fatalMu.Lock()
	defer p.fatalMu.Unlock()
	if p.fatal != nil {
		return
	}
	p.fatal = err
	p.running.Store(false)
	if p.stop != nil {
		p.stop()
	}
	select {
	case p.fatalCh <- err:
	default:
	}
}

// enqueue deposits sf into the Frame Store, releasing any overflow drop.
// Recovers a panic from the store's copy-in path (allocator exhaustion, the
// store's only failure mode) as a FatalError rather than letting it cross
// into the producer's callback thread.
func (p *Pipeline) enqueue(sf StoredFrame) {
	defer func() {
		if r := recover(); r != nil {
			p.failFatal(&FatalError{Reason: "frame store allocation failed", Err: fmt.Errorf("%v", r)})
			sf.Free()
		}
	}()
	dropped, hadDrop := p.store.Enqueue(sf)
	if hadDrop {
		dropped.Free()
	}
}

// HandleFrame is the producer callback entry point. It never suspends: in
// direct mode it transmits synchronously and returns; in buffered mode it
// enqueues and returns, the Pacer draining asynchronously. Dimension
// mismatches are dropped, logged, and reissue demand.
func (p *Pipeline) HandleFrame(frame *CapturedFrame) {
	if frame == nil {
		return
	}
	p.cadence.Observe(time.Now())

	if p.cfg.ExpectedWidth > 0 && p.cfg.ExpectedHeight > 0 &&
		(frame.Width != p.cfg.ExpectedWidth || frame.Height != p.cfg.ExpectedHeight) {
		p.logger.Warn().
			Int("width", frame.Width).Int("height", frame.Height).
			Int("expected_width", p.cfg.ExpectedWidth).Int("expected_height", p.cfg.ExpectedHeight).
			Msg("dropping frame with unexpected dimensions")
		frame.Free()
		if p.rend != nil {
			p.rend.NotifyFrameArrived()
			if p.cfg.EnablePacedInvalidation {
				p.rend.RequestDemand()
			}
		}
		return
	}

	if p.rend != nil {
		p.rend.NotifyFrameArrived()
	}

	if !p.cfg.EnableBuffering {
		ctx := context.Background()
		if err := p.transport.SendVideo(ctx, frame, p.rate.Num, p.rate.Den); err != nil {
			p.sendFailures.Add(1)
			p.logger.Debug().Err(err).Msg("direct-mode transport send failed")
		}
		frame.Free()
		return
	}

	sf := StoredFrame{Frame: frame, Enqueued: time.Now()}
	p.enqueue(sf)
}

// TelemetrySnapshot returns a consistent point-in-time read of the
// pipeline's state. Safe to call from any goroutine.
func (p *Pipeline) TelemetrySnapshot() TelemetrySnapshot {
	snap := TelemetrySnapshot{
		TargetDepth: p.cfg.targetDepth(),
		State:       "direct",
	}
	if p.pace != nil {
		ps := p.pace.Snapshot()
		snap.QueueDepth = ps.QueueDepth
		snap.TargetDepth = ps.TargetDepth
		snap.State = ps.State.String()
		snap.UnderrunCount = ps.UnderrunCount
		snap.WarmupCycleCount = ps.WarmupCycleCount
		snap.ResyncDropCount = ps.ResyncDropCount
		snap.LastWarmupDurationMs = ps.LastWarmupDurationMs
		snap.LatencyError = ps.LatencyError
		snap.RepeatCount = ps.RepeatCount
		snap.CaptureGatePauses = ps.CaptureGatePauses
		snap.LatencyExpansionSessions = ps.LatencyExpansionSessions
	}
	if p.rend != nil {
		snap.ExpiredTicketCount = p.rend.ExpiredTicketCount()
	}
	snap.ObservedFPS = p.cadence.FPS()
	snap.FPSShortfallPercent = p.cadence.ShortfallPercent()
	snap.SendFailures = p.sendFailures.Load()
	return snap
}

// AdjustCadence forwards a signed lateness offset to the Pump's
// cadence-adaptation correction. In buffered mode this already happens
// automatically every tick, fed by the Pacer's own tick-deadline drift; this
// method exists for embedders running paced invalidation with buffering
// disabled, where no internal Pacer observes lateness on their behalf, and
// they must supply the reading themselves. No-op if cadence adaptation or
// the Pump itself is not active.
func (p *Pipeline) AdjustCadence(offset time.Duration) {
	if p.rend != nil {
		p.rend.AdjustCadence(offset)
	}
}
