// Package transcribe wraps a Whisper-compatible speech-to-text endpoint.
// The call is opaque: audio bytes in, plain text out, no streaming.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const (
	defaultURL   = "https://api.groq.com/openai/v1/audio/transcriptions"
	defaultModel = "whisper-large-v3-turbo"
)

// Config holds transcription settings.
type Config struct {
	// URL is the transcription endpoint. Supports OpenAI-compatible
	// endpoints (OpenAI, Groq, etc.).
	URL string
	// APIKey authenticates against the service. Empty means the feature is
	// not configured; Transcribe fails on first use.
	APIKey string
	// Model selects the transcription model.
	Model string
}

// Client calls a Whisper-compatible transcription API.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a transcription client.
func New(cfg Config) *Client {
	if cfg.URL == "" {
		cfg.URL = defaultURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 120 * time.Second},
	}
}

// Configured reports whether an API key is present.
func (c *Client) Configured() bool { return c.cfg.APIKey != "" }

// Transcribe uploads audio and returns the recognized text. An empty result
// with a nil error means the service recognized nothing; callers decide how
// to report that.
func (c *Client) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if c.cfg.APIKey == "" {
		return "", fmt.Errorf("transcribe: not configured (missing API key)")
	}
	if filename == "" {
		filename = "voice.ogg"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fw, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(audio); err != nil {
		return "", err
	}
	w.WriteField("model", c.cfg.Model)
	w.WriteField("response_format", "json")
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcribe: API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("transcribe: parse response: %w", err)
	}

	return strings.TrimSpace(result.Text), nil
}
