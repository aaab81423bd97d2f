package binance

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"bn-harvest-bot/internal/exchange"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// MarkPriceStream consumes the combined mark-price/funding stream and keeps
// the latest tick per symbol. It is a cache-warmer between REST refreshes,
// not a source of record: decision cycles still re-read via REST.
type MarkPriceStream struct {
	url            string
	reconnectDelay time.Duration
	log            *zap.Logger

	mu      sync.RWMutex
	conn    *websocket.Conn
	latest  map[string]exchange.PremiumIndex
	updated time.Time
}

func NewMarkPriceStream(url string, reconnectDelay time.Duration, log *zap.Logger) *MarkPriceStream {
	if reconnectDelay <= 0 {
		reconnectDelay = 3 * time.Second
	}
	return &MarkPriceStream{
		url:            url,
		reconnectDelay: reconnectDelay,
		log:            log,
		latest:         make(map[string]exchange.PremiumIndex),
	}
}

// Run blocks until ctx is cancelled, reconnecting on read failures.
func (s *MarkPriceStream) Run(ctx context.Context) error {
	for {
		if err := s.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("mark price stream dial failed", zap.Error(err))
		} else {
			err := s.readLoop(ctx)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logReadLoopError(err)
			s.resetConn()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnectDelay):
		}
	}
}

// Latest returns the most recent ticks and when the last message arrived.
func (s *MarkPriceStream) Latest() (map[string]exchange.PremiumIndex, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]exchange.PremiumIndex, len(s.latest))
	for k, v := range s.latest {
		out[k] = v
	}
	return out, s.updated
}

func (s *MarkPriceStream) connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(4 << 20)
	s.conn = conn
	return nil
}

func (s *MarkPriceStream) readLoop(ctx context.Context) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		s.handle(data)
	}
}

type markPriceEvent struct {
	Symbol          string `json:"s"`
	MarkPrice       string `json:"p"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

func (s *MarkPriceStream) handle(data []byte) {
	var events []markPriceEvent
	if err := json.Unmarshal(data, &events); err != nil {
		// single-symbol streams deliver one object, not an array
		var one markPriceEvent
		if err := json.Unmarshal(data, &one); err != nil || one.Symbol == "" {
			return
		}
		events = []markPriceEvent{one}
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		if ev.Symbol == "" {
			continue
		}
		s.latest[ev.Symbol] = exchange.PremiumIndex{
			Symbol:          ev.Symbol,
			MarkPrice:       parseFloat(ev.MarkPrice),
			FundingRate:     parseFloat(ev.FundingRate),
			NextFundingTime: time.UnixMilli(ev.NextFundingTime).UTC(),
		}
	}
	s.updated = now
}

func (s *MarkPriceStream) logReadLoopError(err error) {
	if s.log == nil {
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		s.log.Info("mark price stream closed", zap.Error(err))
		return
	}
	s.log.Warn("mark price stream read failed", zap.Error(err))
}

func (s *MarkPriceStream) resetConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "reset")
		s.conn = nil
	}
}
