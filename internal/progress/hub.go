// Package progress fans transcode progress out to websocket listeners.
package progress

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ssd-technologies/nocturne-media/internal/ratelimit"
)

// WSMessage is the JSON message format clients send.
type WSMessage struct {
	Type    string          `json:"type"` // "subscribe", "ping"
	Payload json.RawMessage `json:"payload"`
}

// WSResponse is a JSON message sent to clients.
type WSResponse struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// SubscribePayload narrows a connection to one video. An empty ID receives
// every video.
type SubscribePayload struct {
	ID string `json:"id"`
}

// Event is one progress report.
type Event struct {
	ID       string  `json:"id"`
	Phase    string  `json:"phase"`
	Progress float64 `json:"progress"`
}

// sendBuffer bounds how far a slow listener may fall behind before events
// to it are dropped.
const sendBuffer = 64

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type subscriber struct {
	send   chan WSResponse
	filter string
}

// Hub tracks connected listeners. It is an http.Handler that upgrades
// requests to websockets.
type Hub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
	log  *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{subs: make(map[*subscriber]struct{}), log: log}
}

// Len returns the number of connected listeners.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish delivers e to every matching listener without blocking.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if s.filter != "" && s.filter != e.ID {
			continue
		}
		select {
		case s.send <- WSResponse{Type: "progress", Payload: e}:
		default:
			h.log.Debug("progress listener behind, event dropped", "id", e.ID)
		}
	}
}

// Reporter returns a progress callback publishing events for id.
func (h *Hub) Reporter(id string) func(phase string, progress float64) {
	return func(phase string, progress float64) {
		h.Publish(Event{ID: id, Phase: phase, Progress: progress})
	}
}

func (h *Hub) register(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[s] = struct{}{}
}

func (h *Hub) unregister(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.send)
	}
}

func (h *Hub) setFilter(s *subscriber, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s.filter = id
}

// reply queues a response to one listener, dropping it if the listener is
// gone or behind.
func (h *Hub) reply(s *subscriber, resp WSResponse) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; !ok {
		return
	}
	select {
	case s.send <- resp:
	default:
	}
}

// ServeHTTP upgrades the connection and serves one listener until it
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade", "err", err)
		return
	}
	defer conn.Close()

	s := &subscriber{send: make(chan WSResponse, sendBuffer)}
	h.register(s)
	defer h.unregister(s)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for resp := range s.send {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(resp); err != nil {
				h.log.Debug("websocket write", "err", err)
				conn.Close()
				return
			}
		}
	}()

	limiter := ratelimit.New(60, time.Minute)
	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read", "err", err)
			}
			break
		}
		if !limiter.Allow() {
			h.reply(s, errorResponse("rate limit exceeded"))
			continue
		}

		switch msg.Type {
		case "subscribe":
			var p SubscribePayload
			if len(msg.Payload) > 0 {
				if err := json.Unmarshal(msg.Payload, &p); err != nil {
					h.reply(s, errorResponse("invalid subscribe payload"))
					continue
				}
			}
			h.setFilter(s, p.ID)
			h.reply(s, WSResponse{Type: "subscribed", Payload: map[string]string{"id": p.ID}})
		case "ping":
			h.reply(s, WSResponse{Type: "pong", Payload: map[string]string{"status": "ok"}})
		default:
			h.reply(s, errorResponse("unknown message type: "+msg.Type))
		}
	}

	h.unregister(s)
	<-done
}

func errorResponse(message string) WSResponse {
	return WSResponse{Type: "error", Payload: map[string]string{"error": message}}
}
