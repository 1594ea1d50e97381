package events

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// WSSession wraps a websocket connection; writes are serialized because the
// bus pump and control frames share the conn.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// WSBridge pumps bus subscriptions into websocket connections. It is the
// hand-off point to the client push transport: once an event is written to
// the socket the core's delivery obligation ends.
type WSBridge struct {
	bus    *Bus
	logger *slog.Logger
}

func NewWSBridge(bus *Bus, logger *slog.Logger) *WSBridge {
	return &WSBridge{bus: bus, logger: logger}
}

// Stream subscribes to the given topics and forwards events until the
// connection drops. Blocks until then; callers run it per-connection.
func (w *WSBridge) Stream(conn *websocket.Conn, topics ...string) {
	session := &WSSession{conn: conn}
	ch, cancel := w.bus.Subscribe(topics...)
	defer cancel()
	defer conn.Close()

	// Reader goroutine only detects the peer going away.
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
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := session.send(ev); err != nil {
				w.logger.Debug("ws send failed", "error", err, "topics", topics)
				return
			}
		}
	}
}
