package vpump

import "context"

// Dispatch runs fn on the producer's UI-control thread. The embedding
// supplies this; the Render Pump never spawns its own producer-control
// thread.
type Dispatch func(fn func())

// ProducerAdapter is the narrow surface the Render Pump drives. Pause/Resume
// are optional — an embedding that cannot support them should make them
// no-ops.
type ProducerAdapter interface {
	// Invalidate requests one render. Always called from within a Dispatch
	// call, i.e. on the producer's UI-control thread.
	Invalidate()
	// PauseCapture and ResumeCapture back the capture-backpressure gate.
	// No-op if unsupported by the embedding.
	PauseCapture()
	ResumeCapture()
}

// TransportAdapter is the narrow surface the Pacer (or, in direct mode, the
// pipeline itself) sends frames through. Implementations must not retain the
// frame beyond the call — the caller owns its lifetime. In direct mode the
// pipeline releases the frame as soon as SendVideo returns; in buffered mode
// the Pacer keeps it as last_sent for repeats and releases it once a fresher
// frame supersedes it (or on Stop).
type TransportAdapter interface {
	SendVideo(ctx context.Context, frame *CapturedFrame, rateNum, rateDen int) error
}
