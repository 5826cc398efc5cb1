package vpump

import (
	"context"

	"vpump/internal/transport/quicsink"
	"vpump/internal/transport/webrtcsink"
)

// WebRTCTransport narrows *CapturedFrame to webrtcsink.Frame so a
// *webrtcsink.Sink satisfies TransportAdapter's exact signature. The sink
// package itself never imports this package (see its entry in DESIGN.md);
// this is the one-method adapter that closes the gap.
type WebRTCTransport struct {
	Sink *webrtcsink.Sink
}

// SendVideo implements TransportAdapter.
func (t WebRTCTransport) SendVideo(ctx context.Context, frame *CapturedFrame, rateNum, rateDen int) error {
	return t.Sink.SendVideo(ctx, frame, rateNum, rateDen)
}

// QUICTransport narrows *CapturedFrame to quicsink.Frame so a *quicsink.Sink
// satisfies TransportAdapter's exact signature, the WebTransport analogue of
// WebRTCTransport above.
type QUICTransport struct {
	Sink *quicsink.Sink
}

// SendVideo implements TransportAdapter.
func (t QUICTransport) SendVideo(ctx context.Context, frame *CapturedFrame, rateNum, rateDen int) error {
	return t.Sink.SendVideo(ctx, frame, rateNum, rateDen)
}

var (
	_ TransportAdapter = WebRTCTransport{}
	_ TransportAdapter = QUICTransport{}
)
