package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"livermore/internal/model"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramConfig configures the Telegram notifier.
type TelegramConfig struct {
	// BotToken is the Bot API token from @BotFather.
	BotToken string
	// ChatID is the target chat, group, or channel.
	ChatID string
	// BaseURL overrides the API host. Empty means api.telegram.org.
	BaseURL string
	// Logger is the notifier logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sanity of the provided parameters.
func (cfg *TelegramConfig) Validate() error {
	var errs error
	if cfg.BotToken == "" {
		errs = errors.Join(errs, errors.New("telegram bot token cannot be empty"))
	}
	if cfg.ChatID == "" {
		errs = errors.Join(errs, errors.New("telegram chat id cannot be empty"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, errors.New("telegram logger cannot be nil"))
	}
	return errs
}

// TelegramNotifier delivers alerts via the Telegram Bot API, as a photo
// with caption when a chart is attached and a plain message otherwise.
type TelegramNotifier struct {
	cfg    *TelegramConfig
	base   string
	log    zerolog.Logger
	client *http.Client
}

// NewTelegramNotifier creates a Telegram notifier.
func NewTelegramNotifier(cfg *TelegramConfig) (*TelegramNotifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating telegram config: %w", err)
	}
	base := cfg.BaseURL
	if base == "" {
		base = telegramAPIBase
	}
	return &TelegramNotifier{
		cfg:    cfg,
		base:   strings.TrimRight(base, "/"),
		log:    cfg.Logger.With().Str("component", "notify").Str("backend", "telegram").Logger(),
		client: &http.Client{Timeout: webhookTimeout},
	}, nil
}

func (t *TelegramNotifier) Send(ctx context.Context, msg *Message) error {
	text := t.renderText(msg)

	var req *http.Request
	var err error
	if len(msg.Image) > 0 {
		req, err = t.photoRequest(ctx, text, msg.Image)
	} else {
		req, err = t.messageRequest(ctx, text)
	}
	if err != nil {
		return err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to telegram: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}
	t.log.Debug().Str("label", msg.Record.TriggerLabel).Str("symbol", msg.Record.Symbol).Msg("alert delivered")
	return nil
}

func (t *TelegramNotifier) messageRequest(ctx context.Context, text string) (*http.Request, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"chat_id":    t.cfg.ChatID,
		"text":       text,
		"parse_mode": "MarkdownV2",
	})
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.base, t.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (t *TelegramNotifier) photoRequest(ctx context.Context, caption string, image []byte) (*http.Request, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("chat_id", t.cfg.ChatID)
	mw.WriteField("caption", caption)
	mw.WriteField("parse_mode", "MarkdownV2")
	fw, err := mw.CreateFormFile("photo", "chart.png")
	if err != nil {
		return nil, fmt.Errorf("creating telegram photo part: %w", err)
	}
	if _, err := fw.Write(image); err != nil {
		return nil, fmt.Errorf("writing telegram photo: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing telegram form: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendPhoto", t.base, t.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, fmt.Errorf("building telegram request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req, nil
}

func (t *TelegramNotifier) renderText(msg *Message) string {
	rec := msg.Record
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*\n\n", labelEmoji(rec.TriggerLabel), escapeMarkdown(msg.Title()))
	fmt.Fprintf(&b, "Price: %s\n", escapeMarkdown(formatPrice(rec.Price)))
	fmt.Fprintf(&b, "MACD\\-V: %s\n", escapeMarkdown(fmt.Sprintf("%.2f", rec.TriggerValue)))
	fmt.Fprintf(&b, "Bias: %s", escapeMarkdown(msg.Bias))
	if rec.PreviousLabel != "" {
		fmt.Fprintf(&b, "\nPrevious: %s", escapeMarkdown(rec.PreviousLabel))
	}
	return b.String()
}

func labelEmoji(label string) string {
	switch {
	case label == model.LabelReversalOversold:
		return "🟢"
	case label == model.LabelReversalOverbought:
		return "🔴"
	case strings.HasPrefix(label, "level_-"):
		return "📉"
	case strings.HasPrefix(label, "level_"):
		return "📈"
	default:
		return "ℹ️"
	}
}

// escapeMarkdown escapes special characters for Telegram MarkdownV2.
func escapeMarkdown(s string) string {
	specials := []byte{'_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!'}
	var buf bytes.Buffer
	for i := 0; i < len(s); i++ {
		for _, sp := range specials {
			if s[i] == sp {
				buf.WriteByte('\\')
				break
			}
		}
		buf.WriteByte(s[i])
	}
	return buf.String()
}
