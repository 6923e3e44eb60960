// Package notify broadcasts user-facing rollback notifications to connected clients.
package notify

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/tourline/migration-guard/internal/models"
	"github.com/tourline/migration-guard/internal/utils"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans notifications out to subscribers and remembers the most recent ones.
type Hub struct {
	logger *slog.Logger
	recent *utils.Ring[models.Notification]

	register  chan Subscriber
	unreg     chan Subscriber
	broadcast chan []byte
	done      chan struct{}
	stopOnce  sync.Once

	mu      sync.RWMutex
	clients map[Subscriber]struct{}
}

// NewHub creates a running hub.
func NewHub(logger *slog.Logger) *Hub {
	h := &Hub{
		logger:    utils.ComponentLogger(logger, "notify"),
		recent:    utils.NewRing[models.Notification](20),
		register:  make(chan Subscriber),
		unreg:     make(chan Subscriber),
		broadcast: make(chan []byte, 16),
		done:      make(chan struct{}),
		clients:   make(map[Subscriber]struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				c.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
		case c := <-h.unreg:
			h.mu.Lock()
			delete(h.clients, c)
			h.mu.Unlock()
		case payload := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if err := c.Send(payload); err != nil {
					c.Close()
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register adds a subscriber.
func (h *Hub) Register(c Subscriber) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

// Unregister removes a subscriber.
func (h *Hub) Unregister(c Subscriber) {
	select {
	case h.unreg <- c:
	case <-h.done:
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Notify records n and broadcasts it. It never blocks the caller: when the
// broadcast queue is full the notification is only kept in Recent.
func (h *Hub) Notify(n models.Notification) {
	h.recent.Push(n)
	h.logger.Info("notification",
		slog.String("severity", string(n.Severity)),
		slog.String("message", n.Message),
	)
	payload, err := json.Marshal(n)
	if err != nil {
		h.logger.Warn("encode notification", slog.Any("error", err))
		return
	}
	select {
	case h.broadcast <- payload:
	case <-h.done:
	default:
		h.logger.Warn("notification queue full, broadcast skipped")
	}
}

// Recent returns the latest notifications, oldest first.
func (h *Hub) Recent() []models.Notification {
	return h.recent.Items()
}

// Close stops the hub and closes every subscriber.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.done) })
}
