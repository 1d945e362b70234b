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
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"livermore/internal/model"
)

// Embed colors, Discord decimal encoding.
const (
	colorGreen  = 3066993
	colorRed    = 15158332
	colorOrange = 15105570
	colorGray   = 9807270
)

// webhookTimeout bounds one delivery attempt.
const webhookTimeout = 10 * time.Second

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type embedImage struct {
	URL string `json:"url"`
}

type embed struct {
	Title     string       `json:"title"`
	Color     int          `json:"color"`
	Fields    []embedField `json:"fields,omitempty"`
	Timestamp string       `json:"timestamp"`
	Image     *embedImage  `json:"image,omitempty"`
}

type webhookPayload struct {
	Username string  `json:"username,omitempty"`
	Embeds   []embed `json:"embeds"`
}

// WebhookConfig configures the chat webhook notifier.
type WebhookConfig struct {
	// URL is the webhook endpoint.
	URL string
	// Username overrides the webhook's display name when set.
	Username string
	// RatePerSec caps outbound deliveries. Zero means 1/s.
	RatePerSec float64
	// Logger is the notifier logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sanity of the provided parameters.
func (cfg *WebhookConfig) Validate() error {
	var errs error
	if cfg.URL == "" {
		errs = errors.Join(errs, errors.New("webhook url cannot be empty"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, errors.New("webhook logger cannot be nil"))
	}
	return errs
}

// WebhookNotifier delivers alerts as Discord-compatible embeds, with the
// chart attached as a multipart file when present. Deliveries pass
// through a rate limiter so alert bursts cannot trip the endpoint's
// abuse protection.
type WebhookNotifier struct {
	cfg     *WebhookConfig
	log     zerolog.Logger
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(cfg *WebhookConfig) (*WebhookNotifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating webhook config: %w", err)
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	return &WebhookNotifier{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "notify").Str("backend", "webhook").Logger(),
		client:  &http.Client{Timeout: webhookTimeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}, nil
}

func (w *WebhookNotifier) Send(ctx context.Context, msg *Message) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook rate limit wait: %w", err)
	}

	payload := webhookPayload{
		Username: w.cfg.Username,
		Embeds:   []embed{buildEmbed(msg)},
	}

	var req *http.Request
	var err error
	if len(msg.Image) > 0 {
		payload.Embeds[0].Image = &embedImage{URL: "attachment://chart.png"}
		req, err = w.multipartRequest(ctx, payload, msg.Image)
	} else {
		req, err = w.jsonRequest(ctx, payload)
	}
	if err != nil {
		return err
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	w.log.Debug().Str("label", msg.Record.TriggerLabel).Str("symbol", msg.Record.Symbol).Msg("alert delivered")
	return nil
}

func (w *WebhookNotifier) jsonRequest(ctx context.Context, payload webhookPayload) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (w *WebhookNotifier) multipartRequest(ctx context.Context, payload webhookPayload, image []byte) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding webhook payload: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("payload_json", string(body)); err != nil {
		return nil, fmt.Errorf("writing webhook payload part: %w", err)
	}
	fw, err := mw.CreateFormFile("files[0]", "chart.png")
	if err != nil {
		return nil, fmt.Errorf("creating webhook file part: %w", err)
	}
	if _, err := fw.Write(image); err != nil {
		return nil, fmt.Errorf("writing webhook image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing webhook form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, &buf)
	if err != nil {
		return nil, fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req, nil
}

// buildEmbed renders the record as one embed block.
func buildEmbed(msg *Message) embed {
	rec := msg.Record
	fields := []embedField{
		{Name: "Exchange", Value: rec.ExchangeID, Inline: true},
		{Name: "Price", Value: formatPrice(rec.Price), Inline: true},
		{Name: "MACD-V", Value: fmt.Sprintf("%.2f", rec.TriggerValue), Inline: true},
		{Name: "Bias", Value: msg.Bias, Inline: true},
	}
	if rec.PreviousLabel != "" {
		fields = append(fields, embedField{Name: "Previous", Value: rec.PreviousLabel, Inline: true})
	}
	return embed{
		Title:     msg.Title(),
		Color:     colorForLabel(rec.TriggerLabel),
		Fields:    fields,
		Timestamp: rec.TriggeredAt.Format(time.RFC3339),
	}
}

// colorForLabel picks the embed accent: rebounds green, rollovers and
// falling crosses red, overbought pushes orange.
func colorForLabel(label string) int {
	switch {
	case label == model.LabelReversalOversold:
		return colorGreen
	case label == model.LabelReversalOverbought:
		return colorRed
	case strings.HasPrefix(label, "level_-"):
		return colorRed
	case strings.HasPrefix(label, "level_"):
		return colorOrange
	default:
		return colorGray
	}
}

// formatPrice keeps full precision without scientific notation; sub-cent
// assets need all their decimals.
func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}
