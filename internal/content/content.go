// Package content talks to the content API used by chat commands: the
// AI reply endpoint and the social-media downloaders.
package content

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Media kinds returned by the downloader endpoints.
const (
	KindVideo = "video"
	KindImage = "image"
)

// MediaResult is one downloadable item resolved from a social link.
type MediaResult struct {
	URL  string `json:"url"`
	Kind string `json:"type"`
}

// Client calls the content API. All requests carry the configured API
// key and are bounded by the underlying HTTP client timeout.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient builds a content API client for the given base URL.
func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 60 * time.Second},
		logger:  logger,
	}
}

// AIChat sends a prompt to the AI endpoint and returns the reply text.
func (c *Client) AIChat(ctx context.Context, prompt string) (string, error) {
	var result struct {
		Reply string `json:"reply"`
	}
	if err := c.get(ctx, "/ai/gpt", url.Values{"prompt": {prompt}}, &result); err != nil {
		return "", err
	}
	if result.Reply == "" {
		return "", fmt.Errorf("content api: empty AI reply")
	}
	return result.Reply, nil
}

// Instagram resolves an Instagram link to its downloadable media.
func (c *Client) Instagram(ctx context.Context, link string) (*MediaResult, error) {
	return c.resolve(ctx, "/ig", link)
}

// TikTok resolves a TikTok link to its downloadable video.
func (c *Client) TikTok(ctx context.Context, link string) (*MediaResult, error) {
	return c.resolve(ctx, "/tiktok", link)
}

func (c *Client) resolve(ctx context.Context, path, link string) (*MediaResult, error) {
	var result struct {
		Media []MediaResult `json:"media"`
	}
	if err := c.get(ctx, path, url.Values{"url": {link}}, &result); err != nil {
		return nil, err
	}
	if len(result.Media) == 0 {
		return nil, fmt.Errorf("content api: no media for %s", link)
	}
	return &result.Media[0], nil
}

// Fetch downloads the bytes behind a resolved media URL.
func (c *Client) Fetch(ctx context.Context, mediaURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build media request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch media: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read media body: %w", err)
	}
	return data, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("parse content api URL: %w", err)
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build content api request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("content api %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("content api %s: status %d: %s", path, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("content api %s: decode response: %w", path, err)
	}

	c.logger.Debug("content api call", "path", path, "duration", time.Since(start))
	return nil
}
