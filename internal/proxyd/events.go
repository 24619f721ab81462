package proxyd

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Event types pushed over the change feed.
const (
	EventSaved   = "saved"
	EventDeleted = "deleted"
)

// Event is one document change notification.
type Event struct {
	Type string    `json:"type"`
	ID   string    `json:"id"`
	At   time.Time `json:"at"`
}

// subscriberBuffer is the per-subscriber event queue depth. A subscriber
// that falls this far behind loses events — the feed is a notification
// channel, not a reliable log; clients resynchronize with GET /sops.
const subscriberBuffer = 16

// writeTimeout bounds each websocket write.
const writeTimeout = 10 * time.Second

// eventHub fans document change events out to websocket subscribers.
type eventHub struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func newEventHub(logger *slog.Logger) *eventHub {
	return &eventHub{
		logger: logger,
		subs:   make(map[chan Event]struct{}),
	}
}

// broadcast sends the event to every subscriber without blocking; slow
// subscribers drop events.
func (h *eventHub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("dropping event for slow subscriber",
				slog.String("type", ev.Type),
				slog.String("id", ev.ID),
			)
		}
	}
}

func (h *eventHub) subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	return ch
}

func (h *eventHub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// handleEvents upgrades to a websocket and streams change events until the
// client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	defer conn.Close(websocket.StatusNormalClosure, "")

	// Discard client frames; the feed is one-way. CloseRead also gives us a
	// context that ends when the connection does.
	ctx := conn.CloseRead(r.Context())

	ch := s.hub.subscribe()
	defer s.hub.unsubscribe(ch)

	s.logger.Info("event subscriber connected")

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			if err := writeEvent(ctx, conn, ev); err != nil {
				s.logger.Debug("event write failed, dropping subscriber",
					slog.String("error", err.Error()))
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return conn.Write(writeCtx, websocket.MessageText, data)
}
