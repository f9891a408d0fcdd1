package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-pulse/internal/market"
)

func testNotification() Notification {
	return Notification{
		RuleID:         "rule-1",
		FiredAt:        time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Symbol:         "btcusdt",
		Price:          decimal.NewFromInt(70000),
		Change24h:      decimal.RequireFromString("1.2"),
		SpreadPct:      decimal.NewNullDecimal(decimal.RequireFromString("0.05")),
		PriceThreshold: decimal.NewNullDecimal(decimal.NewFromInt(70000)),
		RiskLabel:      market.RiskCalm,
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())

	if err := notifier.Notify(context.Background(), testNotification()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	text := received["text"]
	if !strings.Contains(text, "[BTCUSDT Alert]") || !strings.Contains(text, "Price: 70000.00 (threshold 70000.00)") {
		t.Fatalf("text 内容不正确: %s", text)
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())

	if err := notifier.Notify(context.Background(), testNotification()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestTelegramNotifierHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), testNotification()); err == nil {
		t.Fatal("非 2xx 响应应报错")
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
