package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Notification 描述一次超过紧急阈值的价格跳变。
type Notification struct {
	PairID        string
	Base          string
	Quote         string
	Tick          uint64
	At            time.Time
	PreviousPrice decimal.Decimal
	CurrentPrice  decimal.Decimal
	ChangeBps     uint64
	ThresholdBps  uint64
	TWAP          string
	Channels      []string
	AdditionalMsg string
}

// Direction 返回价格变动方向。
func (n Notification) Direction() string {
	switch n.CurrentPrice.Cmp(n.PreviousPrice) {
	case 1:
		return "up"
	case -1:
		return "down"
	default:
		return "flat"
	}
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// LogNotifier 仅写日志，用于未配置 Telegram 的部署。
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier 构造日志告警器。
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify 以 warn 级别记录告警。
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Warn().
		Str("pair", note.PairID).
		Uint64("tick", note.Tick).
		Str("previous", note.PreviousPrice.String()).
		Str("current", note.CurrentPrice.String()).
		Uint64("change_bps", note.ChangeBps).
		Uint64("threshold_bps", note.ThresholdBps).
		Str("direction", note.Direction()).
		Msg("emergency price move")
	return nil
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
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("pair", note.PairID).
		Uint64("tick", note.Tick).
		Str("direction", note.Direction()).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("告警已发送 (Telegram)")
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

// Notify delivers to each notifier in order.
func (m Multi) Notify(ctx context.Context, note Notification) error {
	var failed []string
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil {
			failed = append(failed, err.Error())
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("notify: %s", strings.Join(failed, "; "))
	}
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[%s Emergency Move]\n", strings.ToUpper(note.PairID)))
	if note.Base != "" || note.Quote != "" {
		builder.WriteString(fmt.Sprintf("Pair: %s/%s\n", note.Base, note.Quote))
	}
	builder.WriteString(fmt.Sprintf("Tick: %d\n", note.Tick))
	if !note.At.IsZero() {
		builder.WriteString(fmt.Sprintf("Observed: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	}
	builder.WriteString(fmt.Sprintf("Previous: %s\n", note.PreviousPrice.String()))
	builder.WriteString(fmt.Sprintf("Current: %s\n", note.CurrentPrice.String()))
	builder.WriteString(fmt.Sprintf("Change: %s%% (threshold %s%%)\n", bpsToPct(note.ChangeBps), bpsToPct(note.ThresholdBps)))
	builder.WriteString(fmt.Sprintf("Direction: %s\n", note.Direction()))
	if note.TWAP != "" {
		builder.WriteString(fmt.Sprintf("TWAP: %s\n", note.TWAP))
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

func bpsToPct(bps uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(bps), -2).StringFixed(2)
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = Multi(nil)
)
