// Package events is the boundary between the execution engine and its
// out-of-process consumers (notifications, websocket fan-out, analytics).
// The engine emits; registered handlers receive asynchronously.
package events

import (
	"sync"

	"go.uber.org/zap"
)

// Type names the engine's lifecycle events.
type Type string

const (
	TradeExecuted    Type = "trade:executed"
	TradeFailed      Type = "trade:failed"
	PortfolioUpdated Type = "portfolio:updated"
	PositionClosed   Type = "position:closed"
)

// Event is one emitted occurrence.
type Event struct {
	Type    Type
	UserID  string
	Payload interface{}
}

// Handler receives events. Handlers run on their own goroutine per emit and
// must not block on the emitter.
type Handler func(Event)

// Bus dispatches events to subscribed handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	logger   *zap.Logger
}

// NewBus creates an empty Bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		handlers: make(map[Type][]Handler),
		logger:   logger.Named("events"),
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Emit delivers the event to all handlers for its type, asynchronously. A
// missing subscriber list is not an error; the event is simply dropped.
func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	handlers := b.handlers[e.Type]
	b.mu.RUnlock()

	b.logger.Debug("emitting event",
		zap.String("type", string(e.Type)),
		zap.String("user_id", e.UserID),
		zap.Int("handlers", len(handlers)),
	)
	for _, h := range handlers {
		go h(e)
	}
}
