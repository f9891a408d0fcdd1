package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-pulse/internal/market"
)

// Notification 封装一次告警触发的上下文。
type Notification struct {
	RuleID             string
	FiredAt            time.Time
	Symbol             string
	Price              decimal.Decimal
	Change24h          decimal.Decimal
	SpreadPct          decimal.NullDecimal
	PriceThreshold     decimal.NullDecimal
	ChangeThreshold    decimal.NullDecimal
	RequireTightSpread bool
	RiskLabel          market.RiskLabel
	Channels           []string
	AdditionalMsg      string
}

// NewNotification builds the notification for a rule that fired against state.
func NewNotification(rule market.AlertRule, alert market.AlertState, state market.ReconciledState, symbol string, channels []string) Notification {
	price, _ := state.Price()
	change, _ := state.Change24h()
	return Notification{
		RuleID:             alert.RuleID,
		FiredAt:            alert.FiredAt,
		Symbol:             symbol,
		Price:              price,
		Change24h:          change,
		SpreadPct:          state.SpreadPct,
		PriceThreshold:     rule.PriceThreshold,
		ChangeThreshold:    rule.ChangeThreshold,
		RequireTightSpread: rule.RequireTightSpread,
		RiskLabel:          state.RiskLabel,
		Channels:           channels,
	}
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram 返回 ok=false")
	}

	n.logger.Info().Str("rule_id", note.RuleID).
		Str("price", note.Price.String()).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	symbol := note.Symbol
	if symbol == "" {
		symbol = "price"
	}
	builder.WriteString(fmt.Sprintf("[%s Alert]\n", strings.ToUpper(symbol)))
	builder.WriteString(fmt.Sprintf("Fired: %s UTC\n", note.FiredAt.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Price: %s", note.Price.StringFixed(2)))
	if note.PriceThreshold.Valid {
		builder.WriteString(fmt.Sprintf(" (threshold %s)", note.PriceThreshold.Decimal.StringFixed(2)))
	}
	builder.WriteString("\n")
	builder.WriteString(fmt.Sprintf("24h change: %s%%", note.Change24h.StringFixed(2)))
	if note.ChangeThreshold.Valid {
		builder.WriteString(fmt.Sprintf(" (threshold %s%%)", note.ChangeThreshold.Decimal.StringFixed(2)))
	}
	builder.WriteString("\n")
	if note.SpreadPct.Valid {
		builder.WriteString(fmt.Sprintf("Spread: %s%%\n", note.SpreadPct.Decimal.StringFixed(3)))
	}
	if note.RequireTightSpread {
		builder.WriteString(fmt.Sprintf("Tight spread required (< %s%%)\n", TightSpreadPct.String()))
	}
	if note.RiskLabel != "" {
		builder.WriteString(fmt.Sprintf("Risk: %s\n", note.RiskLabel))
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
