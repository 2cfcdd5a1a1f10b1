package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opsdesk/vaultsync/internal/logging"
	"github.com/opsdesk/vaultsync/internal/server/orchestrator"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second

	// subscriberBuffer bounds per-client backlog. A subscriber that cannot
	// keep up loses events rather than blocking the orchestrator.
	subscriberBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans orchestrator events out to connected WebSocket clients. Publish is
// wired as the orchestrator's Notify callback and must never block.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan orchestrator.Event]struct{}
	logger logging.Logger
}

func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		subs:   make(map[chan orchestrator.Event]struct{}),
		logger: logger.With("component", "events"),
	}
}

func (h *Hub) Publish(e orchestrator.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			// slow subscriber, drop
		}
	}
}

func (h *Hub) subscribe() chan orchestrator.Event {
	ch := make(chan orchestrator.Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan orchestrator.Event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// ServeWS upgrades the request and streams events until the client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	// Reader goroutine: the client sends nothing we care about, but reading
	// is how close frames and dead peers are noticed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case e := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
