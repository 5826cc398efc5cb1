// Command vpumpdemo drives the paced video pipeline against a synthetic
// producer so the warm-up, underrun-recovery and backpressure behavior can
// be observed without a real capture source. It logs telemetry periodically
// and exposes a Prometheus scrape endpoint and a read-only websocket feed of
// the same snapshot.
package main

import (
	"context"
	"flag"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"vpump"
	"vpump/internal/metrics"
	"vpump/internal/telemetry/wsfeed"
)

func main() {
	rate := flag.String("rate", "60", "target frame rate, e.g. \"60\", \"59.94\" or \"60000/1001\"")
	buffered := flag.Bool("buffered", true, "enable the Frame Store + Pacer (buffered mode) instead of direct send")
	bufferDepth := flag.Int("buffer-depth", 3, "Pacer target queue depth in frames")
	paced := flag.Bool("paced-invalidation", false, "drive the Render Pump by Pacer demand instead of a steady period")
	backpressure := flag.Bool("backpressure", false, "pause the synthetic producer when the Frame Store overflows its slack (requires -paced-invalidation)")
	cadenceAdapt := flag.Bool("cadence-adapt", false, "let the Pump shift its next dispatch from Pacer offset feedback (paced dispatch is only ever delayed)")
	latencyExpansion := flag.Bool("latency-expansion", false, "use the latency-expansion underrun strategy instead of Strict")
	width := flag.Int("width", 1280, "synthetic frame width")
	height := flag.Int("height", 720, "synthetic frame height")
	jitter := flag.Duration("jitter", 0, "max random jitter added to each synthetic capture interval")
	burstEvery := flag.Duration("burst-every", 0, "period between synthetic producer bursts (0 disables bursting)")
	burstSize := flag.Int("burst-size", 3, "number of frames emitted back-to-back on a burst")
	stallEvery := flag.Duration("stall-every", 0, "period between synthetic producer stalls (0 disables stalling)")
	stallDuration := flag.Duration("stall-duration", 0, "how long the producer stops emitting during a stall")
	telemetryInterval := flag.Duration("telemetry-interval", 2*time.Second, "interval between logged telemetry snapshots")
	httpAddr := flag.String("http-addr", ":9090", "listen address for /metrics and /ws (empty to disable)")
	logLevel := flag.String("log-level", "info", "zerolog level: debug, info, warn, error")
	runFor := flag.Duration("duration", 0, "stop automatically after this long (0 runs until interrupted)")
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()

	cfg := vpump.DefaultConfig()
	cfg.EnableBuffering = *buffered
	cfg.BufferDepth = *bufferDepth
	cfg.EnablePacedInvalidation = *paced
	cfg.EnableCaptureBackpressure = *backpressure
	cfg.EnableCadenceAdaptation = *cadenceAdapt
	cfg.AllowLatencyExpansion = *latencyExpansion
	cfg.TelemetryInterval = *telemetryInterval
	cfg.ExpectedWidth = *width
	cfg.ExpectedHeight = *height

	producer := newSyntheticProducer(*width, *height, *jitter, *burstEvery, *burstSize, *stallEvery, *stallDuration, logger)
	transport := &loggingTransport{logger: logger}

	pipe, err := vpump.NewFromRateText(cfg, *rate, producer, transport, inlineDispatch, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("construct pipeline")
	}
	producer.pipe = pipe

	feed := wsfeed.New(logger)
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(snapshotSource{pipe}))

	var httpServer *http.Server
	if *httpAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		mux.Handle("/ws", feed)
		httpServer = &http.Server{Addr: *httpAddr, Handler: mux}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("telemetry http server")
			}
		}()
		logger.Info().Str("addr", *httpAddr).Msg("serving /metrics and /ws")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		logger.Info().Msg("interrupt received, shutting down")
		cancel()
	}()
	if *runFor > 0 {
		go func() {
			t := time.NewTimer(*runFor)
			defer t.Stop()
			select {
			case <-t.C:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	pipe.Start()
	// The Render Pump, when active, already drives the producer by calling
	// Invalidate on its own cadence; starting a second free-running loop on
	// top of that would double the frame rate. The synthetic producer only
	// free-runs when nothing else is asking it to render.
	if !cfg.EnableBuffering && !cfg.EnablePacedInvalidation {
		producer.start(ctx)
	}
	go logTelemetry(ctx, pipe, feed, *telemetryInterval, logger)

	<-ctx.Done()

	producer.stop()
	pipe.Stop()
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}
	select {
	case fatal := <-pipe.Err():
		logger.Error().Err(fatal).Msg("pipeline reported a fatal error")
	default:
	}
}

// inlineDispatch runs fn synchronously; this demo has no UI-control thread
// of its own, so the Pump's invalidation request and the synthetic
// producer's render both happen on the caller's goroutine.
func inlineDispatch(fn func()) { fn() }

// snapshotSource adapts *vpump.Pipeline to internal/metrics.Source.
type snapshotSource struct{ p *vpump.Pipeline }

func (s snapshotSource) MetricsSample() metrics.Sample {
	return s.p.TelemetrySnapshot().MetricsSample()
}

// logTelemetry logs and publishes a telemetry snapshot every interval until
// ctx is canceled.
func logTelemetry(ctx context.Context, pipe *vpump.Pipeline, feed *wsfeed.Feed, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := pipe.TelemetrySnapshot()
			feed.Publish(snap)
			logger.Info().
				Str("state", snap.State).
				Int("queue_depth", snap.QueueDepth).
				Int("target_depth", snap.TargetDepth).
				Uint64("underruns", snap.UnderrunCount).
				Uint64("repeats", snap.RepeatCount).
				Float64("observed_fps", snap.ObservedFPS).
				Float64("fps_shortfall_pct", snap.FPSShortfallPercent).
				Msg("telemetry")
		}
	}
}

// loggingTransport discards frames after logging their size at debug level,
// standing in for a real WebRTC or QUIC sink (see internal/transport).
type loggingTransport struct {
	logger zerolog.Logger
	sent   uint64
}

func (t *loggingTransport) SendVideo(_ context.Context, frame *vpump.CapturedFrame, rateNum, rateDen int) error {
	t.sent++
	t.logger.Debug().
		Int("width", frame.Width).Int("height", frame.Height).
		Int("rate_num", rateNum).Int("rate_den", rateDen).
		Uint64("sent_total", t.sent).
		Msg("send")
	return nil
}

// syntheticProducer is a virtual capture source: it renders frames on its
// own ticker, optionally perturbed by jitter, periodic bursts and periodic
// stalls.
type syntheticProducer struct {
	pipe   *vpump.Pipeline
	width  int
	height int
	jitter time.Duration

	burstEvery time.Duration
	burstSize  int

	stallEvery    time.Duration
	stallDuration time.Duration

	logger zerolog.Logger

	paused atomic.Bool
	cancel context.CancelFunc
	seq    atomic.Uint64

	mu         sync.Mutex
	nextBurst  time.Time
	nextStall  time.Time
	stallUntil time.Time
}

func newSyntheticProducer(width, height int, jitter, burstEvery time.Duration, burstSize int, stallEvery, stallDuration time.Duration, logger zerolog.Logger) *syntheticProducer {
	return &syntheticProducer{
		width:         width,
		height:        height,
		jitter:        jitter,
		burstEvery:    burstEvery,
		burstSize:     burstSize,
		stallEvery:    stallEvery,
		stallDuration: stallDuration,
		logger:        logger.With().Str("component", "synthetic-producer").Logger(),
	}
}

// Invalidate satisfies vpump.ProducerAdapter: a Pump-driven render request
// renders and submits a frame, subject to the same stall/burst simulation
// as the free-running path.
func (s *syntheticProducer) Invalidate() {
	s.produce()
}

func (s *syntheticProducer) PauseCapture() {
	s.paused.Store(true)
	s.logger.Debug().Msg("capture paused by backpressure gate")
}

func (s *syntheticProducer) ResumeCapture() {
	s.paused.Store(false)
	s.logger.Debug().Msg("capture resumed")
}

// start begins the producer's free-running render loop on its own
// goroutine, independent of any Pump-driven invalidation. Used whenever the
// pipeline is not configured to drive capture itself but a steady stream of
// frames is still wanted.
func (s *syntheticProducer) start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.renderLoop(runCtx)
}

func (s *syntheticProducer) stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *syntheticProducer) renderLoop(ctx context.Context) {
	period := s.pipe.Period()
	if period <= 0 {
		period = time.Second / 60
	}

	timer := time.NewTimer(s.nextInterval(period))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			timer.Reset(s.nextInterval(period))
			s.produce()
		}
	}
}

func (s *syntheticProducer) nextInterval(period time.Duration) time.Duration {
	if s.jitter <= 0 {
		return period
	}
	return period + time.Duration(rand.Int63n(int64(s.jitter)))
}

// produce applies the stall/burst state machine for one render opportunity,
// then emits zero, one or burstSize frames accordingly. Safe to call from
// either the free-running loop or a Pump-driven Invalidate.
func (s *syntheticProducer) produce() {
	if s.paused.Load() {
		return
	}

	now := time.Now()
	s.mu.Lock()
	if s.nextBurst.IsZero() {
		s.nextBurst = now.Add(s.burstEvery)
	}
	if s.nextStall.IsZero() {
		s.nextStall = now.Add(s.stallEvery)
	}
	if s.stallEvery > 0 && !now.Before(s.nextStall) {
		s.stallUntil = now.Add(s.stallDuration)
		s.nextStall = now.Add(s.stallEvery)
		s.logger.Debug().Dur("for", s.stallDuration).Msg("simulating producer stall")
	}
	stalled := !s.stallUntil.IsZero() && now.Before(s.stallUntil)
	burst := s.burstEvery > 0 && !now.Before(s.nextBurst)
	if burst {
		s.nextBurst = now.Add(s.burstEvery)
	}
	s.mu.Unlock()

	if stalled {
		return
	}
	if burst {
		s.emit(s.burstSize)
		return
	}
	s.emit(1)
}

// emit renders n frames back-to-back and submits them to the pipeline.
func (s *syntheticProducer) emit(n int) {
	now := time.Now()
	for i := 0; i < n; i++ {
		seq := s.seq.Add(1)
		payload := make([]byte, 4)
		payload[0] = byte(seq)
		payload[1] = byte(seq >> 8)
		payload[2] = byte(seq >> 16)
		payload[3] = byte(seq >> 24)
		frame := &vpump.CapturedFrame{
			Kind:             vpump.StorageCPU,
			Payload:          payload,
			Width:            s.width,
			Height:           s.height,
			CaptureMonotonic: now,
			CaptureWall:      now,
		}
		s.pipe.HandleFrame(frame)
	}
}
