package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/vaultsync/internal/engine"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// LAN dashboards connect from arbitrary origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents streams engine events to a websocket client as JSON text
// messages. ?type=a,b limits the stream to those event types.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter := make(map[engine.EventType]bool)
	if q := r.URL.Query().Get("type"); q != "" {
		for _, t := range strings.Split(q, ",") {
			filter[engine.EventType(strings.TrimSpace(t))] = true
		}
	}

	// Subscribe before the handshake completes so the client sees every
	// event published after its dial returns.
	events, cancel := s.actor.Hub().Subscribe(256)
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	closed := make(chan struct{})
	go readPump(conn, closed)
	s.writePump(conn, events, filter, closed)
}

// readPump discards client messages and notices when the client goes away.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(4 * 1024)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, events <-chan engine.Event, filter map[engine.EventType]bool, closed <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case ev, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if len(filter) > 0 && !filter[ev.Type] {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					s.logger.Debug("websocket write failed", "error", err)
				}
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
