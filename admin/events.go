package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// Event is one line of the ship process's /events stream: a queue or link
// state transition, per §1c.
type Event struct {
	Type string `json:"type"`
	Time int64  `json:"time"`
}

// EventHub fans out Events to every currently connected /events client. A
// slow or disconnected client never blocks a publisher — its events are
// dropped, since the stream is "purely observational" (§1c).
type EventHub struct {
	log *logrus.Entry

	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewEventHub returns an empty hub.
func NewEventHub(log *logrus.Entry) *EventHub {
	return &EventHub{log: log, subs: make(map[chan Event]struct{})}
}

// Publish delivers ev to every connected subscriber, non-blocking.
func (h *EventHub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *EventHub) subscribe() chan Event {
	ch := make(chan Event, 32)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *EventHub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

func (h *EventHub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("events websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			body, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(wctx, websocket.MessageText, body)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
