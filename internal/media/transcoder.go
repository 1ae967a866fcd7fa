// Package media converts chat media through an external transcoder
// service: sticker conversion and image upscaling.
package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Transcoder converts media bytes. Implemented by the HTTP service
// client; tests substitute fakes.
type Transcoder interface {
	// ToSticker converts an image or short video into webp sticker bytes.
	ToSticker(ctx context.Context, data []byte, mimeType string) ([]byte, error)
	// Enhance upscales an image.
	Enhance(ctx context.Context, data []byte) ([]byte, error)
}

// HTTPTranscoder calls the transcoder service over HTTP. The service
// wraps the actual ffmpeg/upscaler tooling.
type HTTPTranscoder struct {
	baseURL string
	http    *http.Client
}

// NewHTTPTranscoder builds a transcoder client for the given base URL.
func NewHTTPTranscoder(baseURL string) *HTTPTranscoder {
	return &HTTPTranscoder{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 120 * time.Second},
	}
}

// ToSticker implements Transcoder.
func (t *HTTPTranscoder) ToSticker(ctx context.Context, data []byte, mimeType string) ([]byte, error) {
	return t.post(ctx, "/sticker", data, mimeType)
}

// Enhance implements Transcoder.
func (t *HTTPTranscoder) Enhance(ctx context.Context, data []byte) ([]byte, error) {
	return t.post(ctx, "/enhance", data, "image/jpeg")
}

func (t *HTTPTranscoder) post(ctx context.Context, path string, data []byte, mimeType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build transcoder request: %w", err)
	}
	req.Header.Set("Content-Type", mimeType)

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcoder %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("transcoder %s: status %d: %s", path, resp.StatusCode, body)
	}
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read transcoder response: %w", err)
	}
	return out, nil
}
