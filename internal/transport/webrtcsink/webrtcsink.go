// Package webrtcsink adapts a pion WebRTC local track to the pipeline's
// TransportAdapter surface. It is the real send_video path: every paced (or
// direct-mode) frame becomes one media.Sample written to a
// TrackLocalStaticSample.
package webrtcsink

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
)

// Frame is the minimal shape Sink needs from whatever frame type the
// pipeline sends it. The pipeline's *vpump.CapturedFrame satisfies this.
type Frame interface {
	// RawPayload returns the raw CPU-backed pixel bytes, or nil if this
	// frame's storage kind is not CPU-backed (Sink then declines the send).
	RawPayload() []byte
}

// Sink writes frames to a single pion local video track.
type Sink struct {
	track  *webrtc.TrackLocalStaticSample
	logger zerolog.Logger
}

// New wraps an already-created track. Track creation and AddTrack onto a
// PeerConnection are left to the caller; the sink only needs a live track
// to write samples on.
func New(track *webrtc.TrackLocalStaticSample, logger zerolog.Logger) *Sink {
	return &Sink{
		track:  track,
		logger: logger.With().Str("component", "webrtcsink").Logger(),
	}
}

// NewTrack is a convenience constructor for a video track advertised to the
// remote peer. Frame payloads are not encoded here (encoding sits outside
// the pipeline), so the MimeType names whatever format the payload actually
// carries; this sink is meant for same-process or trusted-LAN consumers
// that understand that framing, not public WebRTC interop.
func NewTrack(mimeType, streamID, trackID string) (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mimeType, ClockRate: 90000},
		trackID,
		streamID,
	)
}

// SendVideo implements vpump.TransportAdapter. rateNum/rateDen set the
// sample duration so pion's packetizer paces RTP the same way the source
// pipeline is paced.
func (s *Sink) SendVideo(ctx context.Context, frame Frame, rateNum, rateDen int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload := frame.RawPayload()
	if payload == nil {
		return fmt.Errorf("webrtcsink: frame has no CPU-backed payload")
	}

	duration := time.Second
	if rateNum > 0 {
		duration = time.Duration(rateDen) * time.Second / time.Duration(rateNum)
	}

	if err := s.track.WriteSample(media.Sample{Data: payload, Duration: duration}); err != nil {
		s.logger.Debug().Err(err).Msg("write sample failed")
		return err
	}
	return nil
}
