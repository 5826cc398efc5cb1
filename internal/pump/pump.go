// Package pump implements the Render Pump: the component that drives the
// producer to emit frames, either on a steady periodic cadence or on demand
// from the Pacer, with watchdog revival, cadence adaptation and a
// ticket-based round-trip accounting scheme.
package pump

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Mode selects how the Pump decides when to invalidate the producer.
type Mode int

const (
	// ModePeriodic invalidates on a steady internal clock at the nominal
	// period, independent of any consumer demand.
	ModePeriodic Mode = iota
	// ModePaced invalidates only in response to demand signaled by the
	// Pacer, via a coalesced, single-outstanding ticket.
	ModePaced
)

// Dispatch runs fn on the producer's UI-control thread. Mirrors
// vpump.Dispatch; kept as a local type to avoid an import cycle (the root
// package imports pump, not the reverse).
type Dispatch func(fn func())

// ProducerAdapter is the narrow surface the Pump drives. Structurally
// identical to vpump.ProducerAdapter.
type ProducerAdapter interface {
	Invalidate()
	PauseCapture()
	ResumeCapture()
}

// Ticket represents one in-flight render request.
type Ticket struct {
	ID       string
	IssuedAt time.Time
	Deadline time.Time
}

// Config carries the subset of vpump.Config the Pump needs. Passed by value
// from the pipeline rather than importing vpump's Config type directly, to
// keep this package independently testable.
type Config struct {
	Mode                    Mode
	Period                  time.Duration
	EnableCadenceAdaptation bool
	CadenceAdaptationCap    time.Duration
	WatchdogTimeout         time.Duration // zero means one second
}

// Pump drives ProducerAdapter.Invalidate via Dispatch, either periodically
// or on Pacer-signaled demand.
type Pump struct {
	cfg      Config
	dispatch Dispatch
	producer ProducerAdapter
	logger   zerolog.Logger

	limiter *rate.Limiter

	mu            sync.Mutex
	outstanding   *Ticket
	pendingDemand bool          // demand that arrived while a ticket was in flight or the gate was closed
	adjustment    time.Duration // last cadence-adaptation offset, clamped
	paused        bool
	lastOutput    time.Time

	demandCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup

	expiredTicketCount atomic.Uint64
}

// New constructs a Pump. The pump does not start its loop until Start is
// called.
func New(cfg Config, dispatch Dispatch, producer ProducerAdapter, logger zerolog.Logger) *Pump {
	if cfg.Period <= 0 {
		cfg.Period = time.Second / 60
	}
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = time.Second
	}
	if cfg.CadenceAdaptationCap <= 0 {
		cfg.CadenceAdaptationCap = cfg.Period / 2
	}
	return &Pump{
		cfg:      cfg,
		dispatch: dispatch,
		producer: producer,
		logger:   logger.With().Str("component", "pump").Logger(),
		// Allow bursts of up to 4 invalidations, refilling at 2x nominal
		// rate — enough headroom for watchdog + demand to coincide
		// without the burst guard itself becoming a bottleneck.
		limiter:  rate.NewLimiter(rate.Every(cfg.Period/2), 4),
		demandCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the Pump's loop on its own goroutine.
func (p *Pump) Start() {
	p.mu.Lock()
	p.lastOutput = time.Now()
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run()
}

// Stop signals the loop to exit and waits for it to finish.
func (p *Pump) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pump) run() {
	defer p.wg.Done()

	switch p.cfg.Mode {
	case ModePaced:
		p.runPaced()
	default:
		p.runPeriodic()
	}
}

func (p *Pump) runPeriodic() {
	timer := time.NewTimer(p.nextDelay())
	defer timer.Stop()
	watchdog := time.NewTicker(p.cfg.WatchdogTimeout)
	defer watchdog.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-watchdog.C:
			p.maybeWatchdogFire()
		case <-timer.C:
			p.fireInvalidate()
			timer.Reset(p.nextDelay())
		}
	}
}

func (p *Pump) runPaced() {
	watchdog := time.NewTicker(p.cfg.WatchdogTimeout)
	defer watchdog.Stop()
	expiry := time.NewTicker(p.cfg.Period)
	defer expiry.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-watchdog.C:
			p.maybeWatchdogFire()
		case <-expiry.C:
			p.checkTicketExpiry()
		case <-p.demandCh:
			p.dispatchTicket()
		}
	}
}

// nextDelay returns the periodic dispatch interval, adjusted by the last
// cadence-adaptation offset.
func (p *Pump) nextDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.cfg.Period + p.adjustment
	p.adjustment = 0
	if d <= 0 {
		d = p.cfg.Period
	}
	return d
}

func (p *Pump) fireInvalidate() {
	p.mu.Lock()
	paused := p.paused
	p.mu.Unlock()
	if paused {
		return
	}
	if !p.limiter.Allow() {
		p.logger.Debug().Msg("invalidate suppressed by burst guard")
		return
	}
	p.dispatch(func() {
		p.producer.Invalidate()
	})
}

// RequestDemand signals one unit of Pacer demand. Demand arriving while a
// ticket is in flight (or the gate is closed) is coalesced into a single
// pending unit, honored when the ticket resolves or the gate reopens.
func (p *Pump) RequestDemand() {
	select {
	case p.demandCh <- struct{}{}:
	default:
	}
}

func (p *Pump) dispatchTicket() {
	p.mu.Lock()
	if p.outstanding != nil || p.paused {
		p.pendingDemand = true
		p.mu.Unlock()
		return
	}
	delay := p.cadenceDelayLocked()
	p.mu.Unlock()

	issue := func() {
		select {
		case <-p.stopCh:
			return
		default:
		}
		p.mu.Lock()
		if p.outstanding != nil {
			p.mu.Unlock()
			return
		}
		now := time.Now()
		t := &Ticket{
			ID:       uuid.NewString(),
			IssuedAt: now,
			Deadline: now.Add(3 * p.cfg.Period),
		}
		p.outstanding = t
		p.mu.Unlock()

		if !p.limiter.Allow() {
			p.logger.Debug().Msg("invalidate suppressed by burst guard")
			p.mu.Lock()
			p.outstanding = nil
			p.mu.Unlock()
			return
		}
		p.dispatch(func() {
			p.producer.Invalidate()
		})
	}

	if delay <= 0 {
		issue()
		return
	}
	time.AfterFunc(delay, issue)
}

// cadenceDelayLocked returns the clamped cadence-adaptation delay. Caller
// holds p.mu.
func (p *Pump) cadenceDelayLocked() time.Duration {
	if !p.cfg.EnableCadenceAdaptation {
		return 0
	}
	d := p.adjustment
	p.adjustment = 0
	bound := p.cfg.CadenceAdaptationCap
	if d > bound {
		d = bound
	}
	if d < -bound {
		d = -bound
	}
	if d < 0 {
		return 0
	}
	return d
}

// AdjustCadence records a signed offset from the Pacer (positive = output
// is late, stretch the next dispatch; negative = early, compress the next
// periodic interval — a paced dispatch with negative feedback goes out at
// once, never earlier).
// Feedback outside the ±cap band indicates a regime change and is ignored
// for that tick.
func (p *Pump) AdjustCadence(offset time.Duration) {
	if !p.cfg.EnableCadenceAdaptation {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	bound := p.cfg.CadenceAdaptationCap
	if offset > bound || offset < -bound {
		return
	}
	p.adjustment = offset
}

// NotifyFrameArrived fulfills the outstanding ticket (if any) and resets the
// watchdog clock. Called by the pipeline whenever the producer delivers a
// CapturedFrame; a late fulfillment of an already-expired ticket lands here
// too and is simply treated as a spontaneous frame. Demand that was coalesced
// while the ticket was in flight is flushed now.
func (p *Pump) NotifyFrameArrived() {
	p.mu.Lock()
	p.outstanding = nil
	p.lastOutput = time.Now()
	flush := p.pendingDemand
	p.pendingDemand = false
	p.mu.Unlock()

	if flush && p.cfg.Mode == ModePaced {
		p.RequestDemand()
	}
}

func (p *Pump) checkTicketExpiry() {
	p.mu.Lock()
	t := p.outstanding
	expired := t != nil && time.Now().After(t.Deadline)
	if expired {
		p.outstanding = nil
		// The reissue below covers any demand that was pending behind the
		// dead ticket.
		p.pendingDemand = false
	}
	p.mu.Unlock()

	if expired {
		p.expiredTicketCount.Add(1)
		p.logger.Debug().Str("ticket", t.ID).Msg("ticket expired")
		p.RequestDemand()
	}
}

func (p *Pump) maybeWatchdogFire() {
	p.mu.Lock()
	paused := p.paused
	silent := time.Since(p.lastOutput) >= p.cfg.WatchdogTimeout
	p.mu.Unlock()

	if paused || !silent {
		return
	}
	p.logger.Debug().Msg("watchdog invalidate")
	if p.cfg.Mode == ModePaced {
		p.RequestDemand()
		return
	}
	p.fireInvalidate()
}

// Pause engages the capture-backpressure gate: periodic invalidation stops
// and paced dispatch is suppressed until Resume. On-demand requests arriving
// while paused coalesce into the pending unit and flush on resume.
func (p *Pump) Pause() {
	p.mu.Lock()
	already := p.paused
	p.paused = true
	p.mu.Unlock()
	if already {
		return
	}
	p.dispatch(func() {
		p.producer.PauseCapture()
	})
}

// Resume lifts the capture-backpressure gate, flushing any demand that
// accumulated while it was closed.
func (p *Pump) Resume() {
	p.mu.Lock()
	was := p.paused
	p.paused = false
	flush := p.pendingDemand
	p.pendingDemand = false
	p.mu.Unlock()
	if !was {
		return
	}
	p.dispatch(func() {
		p.producer.ResumeCapture()
	})
	if flush && p.cfg.Mode == ModePaced {
		p.RequestDemand()
	}
}

// ExpiredTicketCount returns the cumulative count of tickets that timed out
// without a matching frame.
func (p *Pump) ExpiredTicketCount() uint64 { return p.expiredTicketCount.Load() }

// Outstanding reports whether a ticket is currently in flight.
func (p *Pump) Outstanding() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding != nil
}
