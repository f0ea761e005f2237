package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const defaultMaxAudioBytes int64 = 100 * 1024 * 1024 // 100MB

// HTTPConfig configures the HTTP generation client.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPGenerator implements Generator against an ElevenLabs-style music
// composition endpoint: POST {base}/v1/music with a JSON body, raw audio in
// the response.
type HTTPGenerator struct {
	config       HTTPConfig
	client       *http.Client
	maxRespBytes int64
}

// NewHTTPGenerator creates an HTTP generation client.
func NewHTTPGenerator(config HTTPConfig) *HTTPGenerator {
	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}
	return &HTTPGenerator{
		config:       config,
		client:       &http.Client{Timeout: config.Timeout},
		maxRespBytes: defaultMaxAudioBytes,
	}
}

type composeBody struct {
	Prompt    string `json:"prompt"`
	LengthMS  int    `json:"music_length_ms"`
	OutputFmt string `json:"output_format"`
}

// Generate calls the composition endpoint and classifies failures into the
// typed errors of this package.
func (g *HTTPGenerator) Generate(ctx context.Context, req Request) (*Audio, error) {
	if req.Prompt == "" {
		return nil, ValidationError("prompt is empty")
	}
	if req.DurationSeconds <= 0 {
		return nil, ValidationError("duration must be positive")
	}

	body, err := json.Marshal(composeBody{
		Prompt:    req.Prompt,
		LengthMS:  req.DurationSeconds * 1000,
		OutputFmt: "mp3_44100_128",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.config.BaseURL+"/v1/music", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", g.config.APIKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, TransientError("request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		data, err := io.ReadAll(io.LimitReader(resp.Body, g.maxRespBytes))
		if err != nil {
			return nil, TransientError("read response body", err)
		}
		ct := resp.Header.Get("Content-Type")
		if ct == "" {
			ct = "audio/mpeg"
		}
		return &Audio{
			Data:        data,
			ContentType: ct,
			Duration:    time.Duration(req.DurationSeconds) * time.Second,
		}, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, RateLimitedError(parseRetryAfter(resp.Header.Get("Retry-After")))

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, AuthError(fmt.Sprintf("status %d", resp.StatusCode))

	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, ValidationError(readErrorDetail(resp.Body))

	default:
		return nil, TransientError(fmt.Sprintf("status %d", resp.StatusCode), nil)
	}
}

// MaskAPIKey renders an API key for logs: first and last four characters only.
func MaskAPIKey(key string) string {
	if len(key) <= 8 {
		return "********"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 60 * time.Second
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(secs) * time.Second
}

func readErrorDetail(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return "rejected by API"
	}
	var payload struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Detail != "" {
		return payload.Detail
	}
	return string(data)
}
