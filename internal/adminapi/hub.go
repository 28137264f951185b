package adminapi

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/codeforge/pipeline-core/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// eventHub fans internal/events.Bus events out to connected WebSocket
// clients, grounded on the teacher's WebSocketHub (register/unregister
// channels, mutex-guarded client set, best-effort send that drops the
// event for a client whose buffer is full rather than blocking the bus).
type eventHub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan events.Event
	logger  *slog.Logger
}

func newEventHub(logger *slog.Logger) *eventHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &eventHub{clients: make(map[*websocket.Conn]chan events.Event), logger: logger}
}

// enqueue is subscribed to the bus under every kind ("") and is called
// on the bus's single delivery goroutine, so it must never block — each
// client gets its own small buffered channel and an event that does not
// fit a slow client's buffer is dropped for that client (the client stays
// connected) rather than stalling every other subscriber.
func (h *eventHub) enqueue(evt events.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn, ch := range h.clients {
		select {
		case ch <- evt:
		default:
			h.logger.Warn("adminapi: dropping event for slow websocket client", "remote", conn.RemoteAddr().String())
		}
	}
}

func (h *eventHub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("adminapi: websocket upgrade failed", "error", err)
		return
	}

	ch := make(chan events.Event, 64)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	h.logger.Debug("adminapi: websocket client connected", "remote", conn.RemoteAddr().String())

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	// Drain the client's own reads so gorilla/websocket's ping/pong
	// control frames are processed; this handler never expects incoming
	// application messages.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for evt := range ch {
		if err := conn.WriteJSON(wireEvent(evt)); err != nil {
			return
		}
	}
}

type wireEventPayload struct {
	Kind     string         `json:"kind"`
	Stage    string         `json:"stage,omitempty"`
	Detail   map[string]any `json:"detail,omitempty"`
	At       string         `json:"at"`
	Sequence int64          `json:"sequence"`
}

func wireEvent(evt events.Event) wireEventPayload {
	return wireEventPayload{
		Kind: evt.Kind, Stage: evt.Stage, Detail: evt.Detail,
		At: evt.At.Format("2006-01-02T15:04:05.000Z07:00"), Sequence: evt.Sequence,
	}
}
