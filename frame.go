package vpump

import (
	"sync/atomic"
	"time"
)

// StorageKind discriminates where a CapturedFrame's pixel payload lives.
type StorageKind int

const (
	// StorageCPU means Payload is a []byte of raw pixel data owned by this frame.
	StorageCPU StorageKind = iota
	// StorageSharedTexture means Handle identifies a GPU shared-texture resource;
	// Payload is nil.
	StorageSharedTexture
	// StorageSharedMemory means Handle identifies a shared-memory segment;
	// Payload is nil.
	StorageSharedMemory
)

func (k StorageKind) String() string {
	switch k {
	case StorageCPU:
		return "cpu"
	case StorageSharedTexture:
		return "shared-texture"
	case StorageSharedMemory:
		return "shared-memory"
	default:
		return "unknown"
	}
}

// CapturedFrame is a reference to one rendered pixel surface handed from the
// producer to the pipeline. Exactly one of Payload or Handle is meaningful,
// selected by Kind. Release must be called exactly once, by whichever
// component currently owns the frame, when the frame is no longer needed;
// the pipeline never aliases a live frame across the Pacer and the Frame
// Store simultaneously.
type CapturedFrame struct {
	Kind    StorageKind
	Payload []byte  // valid when Kind == StorageCPU
	Handle  uintptr // opaque shared-texture/shared-memory token otherwise

	Width  int
	Height int
	Stride int // row stride in bytes

	CaptureMonotonic time.Time // from a steady clock
	CaptureWall      time.Time // wall-clock capture time

	// Release is invoked exactly once when the last consumer drops this
	// frame. May be nil. Must not block or retain the frame.
	Release func()

	released atomic.Bool
}

// RawPayload returns the CPU-backed pixel bytes, or nil for shared-texture
// and shared-memory frames. Satisfies the narrow Frame interfaces the
// transport sinks declare for themselves.
func (f *CapturedFrame) RawPayload() []byte {
	if f.Kind != StorageCPU {
		return nil
	}
	return f.Payload
}

// Free runs Release exactly once, recovering and discarding any panic that
// Release raises.
func (f *CapturedFrame) Free() {
	if f == nil || !f.released.CompareAndSwap(false, true) {
		return
	}
	if f.Release == nil {
		return
	}
	defer func() { _ = recover() }()
	f.Release()
}

// StoredFrame is a CapturedFrame owned by the Frame Store while it is queued,
// carrying the monotonic time it was enqueued.
type StoredFrame struct {
	Frame    *CapturedFrame
	Enqueued time.Time
}

// Free releases the underlying CapturedFrame. Satisfies framestore.Frame.
func (s StoredFrame) Free() {
	if s.Frame != nil {
		s.Frame.Free()
	}
}
