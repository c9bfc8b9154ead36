package optimizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrNotConfigured   = errors.New("optimizer not configured")
	ErrOptimizerFailed = errors.New("optimizer request failed")
)

const maxResponseSize = 64 << 20

type optimizeRequest struct {
	Image string `json:"image"`
}

type optimizeResponse struct {
	Image       string `json:"image"`
	Description string `json:"description"`
}

// Result is an optimized image returned by the remote model.
type Result struct {
	DataURI     string
	Data        []byte
	ContentType string
	Description string
}

type Client struct {
	httpClient *http.Client
	url        string
	apiKey     string
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewClient builds a client for the optimization endpoint at url. rps
// bounds outgoing requests per second; zero or less disables the bound.
func NewClient(url, apiKey string, timeout time.Duration, rps float64, logger *zap.Logger) *Client {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		url:        url,
		apiKey:     apiKey,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger,
	}
}

// Optimize sends one image and returns the optimized version. Every
// failure wraps ErrOptimizerFailed, except a missing endpoint which
// returns ErrNotConfigured.
func (c *Client) Optimize(ctx context.Context, data []byte, contentType string) (*Result, error) {
	if c.url == "" {
		return nil, ErrNotConfigured
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOptimizerFailed, err)
	}

	body, err := json.Marshal(optimizeRequest{Image: EncodeDataURI(contentType, data)})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOptimizerFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOptimizerFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("Optimizer returned error status",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", snippet),
		)
		return nil, fmt.Errorf("%w: status %d", ErrOptimizerFailed, resp.StatusCode)
	}

	var out optimizeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrOptimizerFailed, err)
	}

	optimized, optimizedType, err := DecodeDataURI(out.Image)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOptimizerFailed, err)
	}

	c.logger.Info("Image optimized",
		zap.Int("input_bytes", len(data)),
		zap.Int("output_bytes", len(optimized)),
		zap.Duration("duration", time.Since(start)),
	)

	return &Result{
		DataURI:     out.Image,
		Data:        optimized,
		ContentType: optimizedType,
		Description: out.Description,
	}, nil
}
