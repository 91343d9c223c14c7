package dashboard

import (
	"net/http"

	"golang.org/x/net/websocket"

	"github.com/wolfman30/barber-sync/internal/notices"
)

const wsHistory = 10

type wsInbound struct {
	Type string `json:"type"`
}

type wsOutbound struct {
	Type    string           `json:"type"`
	Notice  *notices.Notice  `json:"notice,omitempty"`
	Notices []notices.Notice `json:"notices,omitempty"`
}

// HandleNotices upgrades to WebSocket and streams notices as they are published.
func (h *Handler) HandleNotices(w http.ResponseWriter, r *http.Request) {
	websocket.Handler(func(conn *websocket.Conn) {
		h.serveNotices(conn, r)
	}).ServeHTTP(w, r)
}

func (h *Handler) serveNotices(conn *websocket.Conn, r *http.Request) {
	sub, cancel := h.notices.Subscribe()
	defer cancel()

	if err := websocket.JSON.Send(conn, wsOutbound{Type: "history", Notices: h.notices.Recent(wsHistory)}); err != nil {
		return
	}

	// reader: answers pings and notices the client going away
	done := make(chan struct{})
	pings := make(chan struct{}, 1)
	go func() {
		defer close(done)
		for {
			var msg wsInbound
			if err := websocket.JSON.Receive(conn, &msg); err != nil {
				return
			}
			if msg.Type == "ping" {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	h.logger.Debug("notices: connection opened", "remote", r.RemoteAddr)
	for {
		select {
		case <-done:
			h.logger.Debug("notices: connection closed", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		case <-pings:
			if err := websocket.JSON.Send(conn, wsOutbound{Type: "pong"}); err != nil {
				return
			}
		case n, ok := <-sub:
			if !ok {
				return
			}
			if err := websocket.JSON.Send(conn, wsOutbound{Type: "notice", Notice: &n}); err != nil {
				return
			}
		}
	}
}
