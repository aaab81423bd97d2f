package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"bn-harvest-bot/internal/config"

	"go.uber.org/zap"
)

func TestBusFansOutInOrder(t *testing.T) {
	bus := NewBus(zap.NewNop())
	var got []string
	bus.Subscribe(func(_ context.Context, ev Event) error {
		got = append(got, "first:"+string(ev.Type))
		return nil
	})
	bus.Subscribe(func(_ context.Context, ev Event) error {
		got = append(got, "second:"+string(ev.Type))
		return nil
	})
	bus.Publish(context.Background(), Event{Type: PositionClosed, Symbol: "BTCUSDT"})
	if len(got) != 2 || got[0] != "first:positionClosed" || got[1] != "second:positionClosed" {
		t.Fatalf("unexpected delivery: %v", got)
	}
}

func TestBusSkipsFailingHandler(t *testing.T) {
	bus := NewBus(zap.NewNop())
	delivered := false
	bus.Subscribe(func(context.Context, Event) error { return errors.New("down") })
	bus.Subscribe(func(context.Context, Event) error { delivered = true; return nil })
	bus.Publish(context.Background(), Event{Type: CriticalFailure})
	if !delivered {
		t.Fatalf("a failing handler must not block the rest")
	}
}

func TestBusStampsTime(t *testing.T) {
	bus := NewBus(zap.NewNop())
	var gotZero bool
	bus.Subscribe(func(_ context.Context, ev Event) error {
		gotZero = ev.Time.IsZero()
		return nil
	})
	bus.Publish(context.Background(), Event{Type: Rebalanced})
	if gotZero {
		t.Fatalf("publish should stamp a missing time")
	}
}

func TestFormatEvent(t *testing.T) {
	msg := formatEvent(Event{Type: DeploymentFailed, Symbol: "ETHUSDT", AmountUSD: 80, Detail: "futures leg rejected"})
	if !strings.Contains(msg, "FAILED") || !strings.Contains(msg, "ETHUSDT") || !strings.Contains(msg, "futures leg rejected") {
		t.Fatalf("unexpected message: %s", msg)
	}
}

func TestTelegramHandleEventDisabled(t *testing.T) {
	client := newTelegram(config.TelegramConfig{Enabled: false}, zap.NewNop(), "http://unused", nil)
	if err := client.HandleEvent(context.Background(), Event{Type: CriticalFailure}); err != nil {
		t.Fatalf("disabled telegram should be inert, got %v", err)
	}
}

func TestTelegramSendPostsMessage(t *testing.T) {
	var gotPath string
	var gotPayload map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	if err := client.HandleEvent(context.Background(), Event{Type: PositionClosed, Symbol: "BTCUSDT"}); err != nil {
		t.Fatalf("expected send success, got %v", err)
	}
	if gotPath != "/bottoken/sendMessage" {
		t.Fatalf("expected path /bottoken/sendMessage, got %s", gotPath)
	}
	if !strings.Contains(gotPayload["text"], "BTCUSDT") {
		t.Fatalf("expected symbol in message, got %q", gotPayload["text"])
	}
}
