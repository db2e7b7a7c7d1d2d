package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/csai/fleetdash/internal/registry"
)

var ErrBadResponse = errors.New("bad_response")

const maxReplyBody = 1 << 20

type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Reply struct {
	Content   string         `json:"content"`
	LatencyMs int64          `json:"latency_ms"`
	Raw       map[string]any `json:"-"`
}

// Client forwards a chat message to an instance's /chat endpoint.
type Client struct {
	http    *http.Client
	timeout time.Duration
}

func New(timeout time.Duration) *Client {
	return &Client{http: &http.Client{}, timeout: timeout}
}

func (c *Client) Send(ctx context.Context, inst registry.Instance, text string, history []Turn) (Reply, error) {
	if history == nil {
		history = []Turn{}
	}
	body, err := json.Marshal(map[string]any{
		"message": text,
		"stream":  false,
		"context": history,
	})
	if err != nil {
		return Reply{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inst.URL()+"/chat", bytes.NewReader(body))
	if err != nil {
		return Reply{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return Reply{}, fmt.Errorf("relay to %s: %w", inst.ID, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBody))
	if err != nil {
		return Reply{}, fmt.Errorf("read reply from %s: %w", inst.ID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Reply{}, fmt.Errorf("%w: HTTP %d: %s", ErrBadResponse, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	content, ok := data["content"].(string)
	if !ok {
		content, ok = data["response"].(string)
	}
	if !ok {
		return Reply{}, fmt.Errorf("%w: reply has neither content nor response", ErrBadResponse)
	}
	return Reply{Content: content, LatencyMs: time.Since(start).Milliseconds(), Raw: data}, nil
}
