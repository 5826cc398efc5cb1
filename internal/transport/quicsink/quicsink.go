// Package quicsink adapts a webtransport-go stream to the pipeline's
// TransportAdapter surface, writing each frame as one length-prefixed
// message. A stream rather than datagrams: a video frame routinely exceeds
// one QUIC datagram's payload limit.
package quicsink

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/quic-go/webtransport-go"
	"github.com/rs/zerolog"
)

// Frame is the minimal shape Sink needs. *vpump.CapturedFrame satisfies
// this structurally via its RawPayload method.
type Frame interface {
	RawPayload() []byte
}

const headerLen = 4 // big-endian uint32 payload length

// sendStream is the narrow surface Sink writes through — satisfied
// structurally by *webtransport.Stream (from session.OpenStream), without
// importing the concrete type here so a plain io.Writer can stand in for it
// in tests.
type sendStream interface {
	io.Writer
}

// Sink writes frames as length-prefixed messages on one WebTransport send
// stream. Safe for concurrent SendVideo calls; writes are serialized so a
// header is never interleaved with another frame's payload.
type Sink struct {
	mu     sync.Mutex
	stream sendStream
	logger zerolog.Logger
}

// New wraps an already-open stream (from session.OpenStream). Session dial
// and handshake are left to the caller; the sink only owns the per-frame
// framing on the hot path.
func New(stream *webtransport.Stream, logger zerolog.Logger) *Sink {
	return newForStream(stream, logger)
}

// newForStream builds a Sink around any sendStream, used directly by New's
// *webtransport.Stream and by this package's tests with a plain io.Writer —
// the wire framing below never depends on anything beyond Write.
func newForStream(stream sendStream, logger zerolog.Logger) *Sink {
	return &Sink{
		stream: stream,
		logger: logger.With().Str("component", "quicsink").Logger(),
	}
}

// SendVideo implements vpump.TransportAdapter (via a root-package adapter
// that narrows *CapturedFrame to Frame). rateNum/rateDen are accepted for
// interface-shape symmetry with the WebRTC sink; the wire format carries no
// per-frame rate information, framing being the only job of this sink.
func (s *Sink) SendVideo(ctx context.Context, frame Frame, _, _ int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload := frame.RawPayload()
	if payload == nil {
		return fmt.Errorf("quicsink: frame has no CPU-backed payload")
	}

	var hdr [headerLen]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.stream.Write(hdr[:]); err != nil {
		s.logger.Debug().Err(err).Msg("write header failed")
		return err
	}
	if _, err := s.stream.Write(payload); err != nil {
		s.logger.Debug().Err(err).Msg("write payload failed")
		return err
	}
	return nil
}
