// Package transcription converts voice recordings to text using the
// OpenAI Whisper API.
package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/foyerlabs/concierge/internal/httpkit"
)

const (
	apiURL       = "https://api.openai.com/v1/audio/transcriptions"
	whisperModel = "whisper-1"
)

type Client struct {
	apiKey string
	// url is overridable in tests.
	url    string
	http   *http.Client
	logger *slog.Logger
}

func NewClient(apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		apiKey: apiKey,
		url:    apiURL,
		http: httpkit.NewClient(
			httpkit.WithTimeout(2*time.Minute),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// Transcribe uploads an audio recording and returns the recognized
// text. filename carries the extension Whisper uses to sniff the
// container format (e.g. "voice.ogg").
func (c *Client) Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}
	if _, err := io.Copy(part, audio); err != nil {
		return "", fmt.Errorf("read audio: %w", err)
	}
	if err := mw.WriteField("model", whisperModel); err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcription API returned %d: %s",
			resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 2048))
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode transcription response: %w", err)
	}

	c.logger.Debug("audio transcribed",
		"duration_ms", time.Since(start).Milliseconds(),
		"text_len", len(parsed.Text))
	return parsed.Text, nil
}
