package rendezvous

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to a relay's ops endpoints. It does not carry signaling;
// that is the websocket transport's job.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient accepts the relay URL as configured for signaling (ws:// or
// wss://) or its plain http form.
func NewClient(relayURL string) *Client {
	base := strings.TrimRight(strings.TrimSpace(relayURL), "/")
	switch {
	case strings.HasPrefix(base, "ws://"):
		base = "http://" + strings.TrimPrefix(base, "ws://")
	case strings.HasPrefix(base, "wss://"):
		base = "https://" + strings.TrimPrefix(base, "wss://")
	}
	return &Client{
		BaseURL: base,
		HTTP:    &http.Client{Timeout: 5 * time.Second},
	}
}

// getJSON performs a GET and decodes the body into v. Any non-2xx status
// is an error.
func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("GET %s: status %s", path, resp.Status)
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// Ping checks that the relay is up.
func (c *Client) Ping(ctx context.Context) error {
	if c.BaseURL == "" {
		return fmt.Errorf("no relay url")
	}
	return c.getJSON(ctx, "/healthz", nil)
}

// Channels lists the relay's open signaling channels.
func (c *Client) Channels(ctx context.Context) ([]ChannelInfo, error) {
	var rows []ChannelInfo
	if err := c.getJSON(ctx, "/api/channels", &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Logs returns the relay's recent log lines, oldest first.
func (c *Client) Logs(ctx context.Context) ([]string, error) {
	var lines []string
	if err := c.getJSON(ctx, "/api/logs", &lines); err != nil {
		return nil, err
	}
	return lines, nil
}
