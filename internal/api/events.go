package api

import (
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vidmanual/vidmanual-agent/internal/workflow"
)

const (
	eventWriteWait  = 10 * time.Second
	eventPongWait   = 60 * time.Second
	eventPingPeriod = eventPongWait * 9 / 10
)

// SessionEvent is one message on the events stream.
type SessionEvent struct {
	Type    string                   `json:"type"`
	Session workflow.SessionSnapshot `json:"session"`
}

const (
	EventSnapshot = "snapshot"
	EventUpdate   = "update"
	EventClosed   = "closed"
)

func newUpgrader(cfg ServerConfig) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || isAllowedOrigin(origin) || slices.Contains(cfg.AllowedOrigins, origin)
		},
	}
}

// eventsHandler streams a session's snapshots over a websocket: the current
// one first, then one per change until the client leaves or the session is
// deleted.
func eventsHandler(cfg ServerConfig) http.HandlerFunc {
	upgrader := newUpgrader(cfg)

	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessionFromRequest(cfg, w, r)
		if !ok {
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the error response.
			cfg.Logger.Debug("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		updates, cancel := cfg.Manager.Subscribe()
		defer cancel()

		// The read loop only services control frames and notices the client
		// going away.
		gone := make(chan struct{})
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(eventPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventPongWait))
		})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		send := func(ev SessionEvent) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			return conn.WriteJSON(ev) == nil
		}

		if !send(SessionEvent{Type: EventSnapshot, Session: s.Snapshot()}) {
			return
		}

		ping := time.NewTicker(eventPingPeriod)
		defer ping.Stop()

		for {
			select {
			case <-gone:
				return
			case <-cfg.Background.Done():
				closeStream(conn, websocket.CloseGoingAway, "agent shutting down")
				return
			case snap, open := <-updates:
				if !open {
					return
				}
				if snap.ID != s.ID() {
					continue
				}
				if !send(SessionEvent{Type: EventUpdate, Session: snap}) {
					return
				}
			case <-ping.C:
				if _, err := cfg.Manager.Get(s.ID()); err != nil {
					send(SessionEvent{Type: EventClosed, Session: s.Snapshot()})
					closeStream(conn, websocket.CloseNormalClosure, "session deleted")
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}

func closeStream(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(eventWriteWait))
}
