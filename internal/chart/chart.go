// Package chart fetches alert chart images from an external rendering
// service. Rendering is decorative: every caller tolerates a nil image.
package chart

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"livermore/internal/model"
)

// maxImageBytes caps one rendered chart; anything larger is a renderer
// bug, not a chart.
const maxImageBytes = 8 << 20

// Renderer produces a PNG for one series.
type Renderer interface {
	Render(ctx context.Context, symbol string, tf model.Timeframe) ([]byte, error)
}

// NoopRenderer is used when no render service is configured. It returns
// no image and no error, so alerts flow chartless.
type NoopRenderer struct{}

func (NoopRenderer) Render(context.Context, string, model.Timeframe) ([]byte, error) {
	return nil, nil
}

// Config configures the HTTP renderer.
type Config struct {
	// URL is the render service endpoint.
	URL string
	// Logger is the renderer logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sanity of the provided parameters.
func (cfg *Config) Validate() error {
	var errs error
	if cfg.URL == "" {
		errs = errors.Join(errs, errors.New("chart url cannot be empty"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, errors.New("chart logger cannot be nil"))
	}
	return errs
}

// HTTPRenderer posts the series identity to a render service and
// returns the PNG bytes. Deadlines come from the caller's context; the
// client timeout is only a backstop.
type HTTPRenderer struct {
	cfg    *Config
	log    zerolog.Logger
	client *http.Client
}

// NewHTTPRenderer creates an HTTP renderer.
func NewHTTPRenderer(cfg *Config) (*HTTPRenderer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating chart config: %w", err)
	}
	return &HTTPRenderer{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "chart").Logger(),
		client: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (r *HTTPRenderer) Render(ctx context.Context, symbol string, tf model.Timeframe) ([]byte, error) {
	body, err := json.Marshal(map[string]string{
		"symbol":    symbol,
		"timeframe": string(tf),
		"indicator": model.IndicatorTypeMACDV,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding chart request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building chart request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/png")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting chart: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("chart service returned status %d", resp.StatusCode)
	}

	img, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("reading chart image: %w", err)
	}
	if len(img) == 0 {
		return nil, errors.New("chart service returned an empty image")
	}
	r.log.Debug().Str("symbol", symbol).Str("timeframe", string(tf)).Int("bytes", len(img)).Msg("chart rendered")
	return img, nil
}
