// Package wsfeed is a one-way, read-only websocket broadcaster of telemetry
// snapshots. It accepts no inbound commands; it is not a control surface,
// it simply fans a value out to every connected observer.
package wsfeed

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeTimeout = 5 * time.Second

// Feed owns the websocket upgrade and the set of connected observers.
type Feed struct {
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[*session]struct{}
}

type session struct {
	send chan any
}

// New constructs an empty Feed. CheckOrigin is permissive: this feed
// carries no credentials and accepts no inbound commands, so cross-origin
// reads are not a privilege escalation.
func New(logger zerolog.Logger) *Feed {
	return &Feed{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		logger:   logger.With().Str("component", "wsfeed").Logger(),
		sessions: make(map[*session]struct{}),
	}
}

// ServeHTTP upgrades the request and serves it read-only until the peer
// disconnects. Any inbound frame (including control pings the client may
// send) is drained and ignored — this handler never interprets client input.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Debug().Err(err).Msg("upgrade failed")
		return
	}
	f.serveConn(conn)
}

func (f *Feed) serveConn(conn *websocket.Conn) {
	defer conn.Close()

	sess := &session{send: make(chan any, 8)}
	f.mu.Lock()
	f.sessions[sess] = struct{}{}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.sessions, sess)
		f.mu.Unlock()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case v, ok := <-sess.send:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(v); err != nil {
				f.logger.Debug().Err(err).Msg("write failed")
				return
			}
		}
	}
}

// Publish fans snapshot out to every connected observer. Non-blocking: a
// slow observer whose buffer is full is skipped for this tick rather than
// stalling the pipeline's telemetry loop.
func (f *Feed) Publish(snapshot any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sess := range f.sessions {
		select {
		case sess.send <- snapshot:
		default:
			f.logger.Debug().Msg("observer buffer full, dropping snapshot")
		}
	}
}

// Observers returns the current connected-observer count.
func (f *Feed) Observers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}
