package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const eventsWriteTimeout = 10 * time.Second

// handleEvents streams the caller's bot status events over a websocket.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	owner := ownerOf(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("events upgrade failed")
		return
	}
	defer conn.Close()

	hub := s.bots.Events()
	sub := hub.Subscribe(owner)
	defer hub.Unsubscribe(sub)

	// the client never sends anything we need; reading detects the close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(1024)
		_ = conn.SetReadDeadline(time.Now().Add(3 * s.cfg.EventsPingInterval))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(3 * s.cfg.EventsPingInterval))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.log.WithError(err).Debug("events read error")
				}
				return
			}
		}
	}()

	ping := time.NewTicker(s.cfg.EventsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWriteTimeout)); err != nil {
				return
			}
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
