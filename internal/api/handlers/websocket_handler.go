package handlers

import (
	"sync"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/housing-intel/backend/internal/ingestion"
	"github.com/housing-intel/backend/pkg/logger"
)

// ProgressHub fans ingestion run events out to websocket subscribers.
// A slow subscriber is dropped rather than allowed to stall the pipeline.
type ProgressHub struct {
	mu          sync.Mutex
	subscribers map[*websocket.Conn]chan ingestion.RunEvent
}

func NewProgressHub() *ProgressHub {
	return &ProgressHub{
		subscribers: make(map[*websocket.Conn]chan ingestion.RunEvent),
	}
}

// Publish is wired as the pipeline's Progress callback. It never blocks.
func (h *ProgressHub) Publish(event ingestion.RunEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn, ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			logger.Warn("Dropping slow websocket subscriber")
			close(ch)
			delete(h.subscribers, conn)
		}
	}
}

func (h *ProgressHub) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket subscriber connected")

	events := make(chan ingestion.RunEvent, 64)

	h.mu.Lock()
	h.subscribers[c] = events
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		if ch, ok := h.subscribers[c]; ok {
			close(ch)
			delete(h.subscribers, c)
		}
		h.mu.Unlock()
		c.Close()
		logger.Info("WebSocket subscriber disconnected")
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			// Subscribers only listen; reads detect disconnects.
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := c.WriteJSON(event); err != nil {
				logger.Error("Failed to write websocket event", zap.Error(err))
				return
			}
		}
	}
}
