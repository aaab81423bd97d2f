// Package events carries the engine's lifecycle events to whoever the
// operator shell wires in: logs always, Telegram and redis optionally. The
// contract is in-process; no wire format is promised.
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Type string

const (
	DeploymentSucceeded Type = "deploymentSucceeded"
	DeploymentFailed    Type = "deploymentFailed"
	PositionClosed      Type = "positionClosed"
	Rebalanced          Type = "rebalanced"
	CriticalFailure     Type = "criticalFailure"
)

// Event carries enough structured context to diagnose without reading logs.
// FundingRate and HedgeRatio are set on deployment events only.
type Event struct {
	Type        Type
	Symbol      string
	AmountUSD   float64
	FundingRate float64
	HedgeRatio  float64
	Detail      string
	Time        time.Time
}

type Handler func(ctx context.Context, ev Event) error

type Bus struct {
	log *zap.Logger

	mu       sync.RWMutex
	handlers []Handler
}

func NewBus(log *zap.Logger) *Bus {
	return &Bus{log: log}
}

func (b *Bus) Subscribe(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// Publish fans the event out synchronously. A failing handler is logged and
// skipped; event delivery never blocks or fails an engine decision.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers...)
	b.mu.RUnlock()
	for _, handler := range handlers {
		if err := handler(ctx, ev); err != nil {
			b.log.Warn("event handler failed",
				zap.String("event", string(ev.Type)),
				zap.String("symbol", ev.Symbol),
				zap.Error(err),
			)
		}
	}
}
