// Package api is the livechat backend client: REST calls for request/response
// work and a DDP websocket for room, typing and agent streams.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gosuda/portal-livechat/livechat/metrics"
	"github.com/gosuda/portal-livechat/livechat/store"
)

var ErrNotConnected = errors.New("stream not connected")

// Client talks to a single livechat backend on behalf of one visitor.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	dialer  *websocket.Dialer

	tokenMu sync.RWMutex
	token   string

	stream streamState
}

// New builds a client for the backend at baseURL (http or https).
func New(baseURL string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url %q: scheme must be http or https", baseURL)
	}
	return &Client{
		baseURL: u,
		http:    &http.Client{Timeout: 15 * time.Second},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		stream: newStreamState(),
	}, nil
}

// SetToken sets the visitor credentials used by subsequent calls.
func (c *Client) SetToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
}

func (c *Client) Token() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

func (c *Client) Config(ctx context.Context, token string) (*Config, error) {
	var resp struct {
		Config Config `json:"config"`
	}
	q := url.Values{}
	if token != "" {
		q.Set("token", token)
	}
	if err := c.do(ctx, http.MethodGet, "config", "/api/v1/livechat/config", q, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Config, nil
}

// Agent resolves the agent serving room rid.
func (c *Client) Agent(ctx context.Context, rid string) (*store.Agent, error) {
	var resp struct {
		Agent *store.Agent `json:"agent"`
	}
	path := "/api/v1/livechat/agent.info/" + url.PathEscape(rid) + "/" + url.PathEscape(c.Token())
	if err := c.do(ctx, http.MethodGet, "agent.info", path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Agent, nil
}

// LoadMessages fetches room history newest first. limit <= 0 leaves the
// page size to the backend.
func (c *Client) LoadMessages(ctx context.Context, rid string, limit int) ([]store.Message, error) {
	var resp struct {
		Messages []store.Message `json:"messages"`
	}
	q := url.Values{}
	q.Set("token", c.Token())
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/livechat/messages.history/" + url.PathEscape(rid)
	if err := c.do(ctx, http.MethodGet, "messages.history", path, q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *Client) GrantVisitor(ctx context.Context, guest store.Guest) (*store.User, error) {
	body := struct {
		Visitor store.Guest `json:"visitor"`
	}{Visitor: guest}
	var resp struct {
		Visitor *store.User `json:"visitor"`
	}
	if err := c.do(ctx, http.MethodPost, "visitor", "/api/v1/livechat/visitor", nil, body, &resp); err != nil {
		return nil, err
	}
	return resp.Visitor, nil
}

func (c *Client) SendVisitorNavigation(ctx context.Context, nav Navigation) error {
	return c.do(ctx, http.MethodPost, "page.visited", "/api/v1/livechat/page.visited", nil, nav, nil)
}

func (c *Client) SendCustomField(ctx context.Context, f CustomField) error {
	return c.do(ctx, http.MethodPost, "custom.field", "/api/v1/livechat/custom.field", nil, f, nil)
}

func (c *Client) RequestTranscript(ctx context.Context, req TranscriptRequest) error {
	return c.do(ctx, http.MethodPost, "transcript", "/api/v1/livechat/transcript", nil, req, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint, path string, q url.Values, body, out any) error {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", endpoint, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return fmt.Errorf("new request %s: %w", endpoint, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.BackendLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s: %s", method, endpoint, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}

func (c *Client) streamURL() string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/websocket"
	u.RawQuery = ""
	return u.String()
}
