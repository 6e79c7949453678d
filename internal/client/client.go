// Package client is a fasthttp JSON client for the UI bridge, for tools
// and alternative frontends that talk to a running chessmate process.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/kapu/chessmate/internal/archive"
	"github.com/kapu/chessmate/pkg/gamedto"
)

// HeaderProvider allows injecting per-request headers
type HeaderProvider func() map[string]string

type Client struct {
	baseURL string
	http    *fasthttp.Client
	headers HeaderProvider

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithMaxConnsPerHost(n int) Option {
	return func(c *Client) { c.http.MaxConnsPerHost = n }
}

func WithHeaderProvider(h HeaderProvider) Option {
	return func(c *Client) { c.headers = h }
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 64},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State fetches the current session snapshot. Retries on transient
// failures, it is the natural liveness probe.
func (c *Client) State(ctx context.Context) (*gamedto.Snapshot, error) {
	var snap gamedto.Snapshot
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/state", nil, &snap, true); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) Move(ctx context.Context, from, to, promotion string) (*gamedto.Snapshot, error) {
	req := gamedto.MoveRequest{From: from, To: to, Promotion: promotion}
	var snap gamedto.Snapshot
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/move", req, &snap, false); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) Undo(ctx context.Context) (*gamedto.Snapshot, error) {
	var snap gamedto.Snapshot
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/undo", nil, &snap, false); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) Reset(ctx context.Context) (*gamedto.Snapshot, error) {
	var snap gamedto.Snapshot
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/reset", nil, &snap, false); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) SetDifficulty(ctx context.Context, tier string) (*gamedto.Snapshot, error) {
	req := gamedto.TierRequest{Tier: tier}
	var snap gamedto.Snapshot
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/difficulty", req, &snap, false); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) LegalDestinations(ctx context.Context, from string) ([]string, error) {
	var out struct {
		Destinations []string `json:"destinations"`
	}
	path := "/legal?from=" + url.QueryEscape(from)
	if err := c.doJSON(ctx, fasthttp.MethodGet, path, nil, &out, false); err != nil {
		return nil, err
	}
	return out.Destinations, nil
}

func (c *Client) RecentGames(ctx context.Context, limit int) ([]*archive.Game, error) {
	path := "/games"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var games []*archive.Game
	if err := c.doJSON(ctx, fasthttp.MethodGet, path, nil, &games, true); err != nil {
		return nil, err
	}
	return games, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in any, out any, retry bool) error {
	url := c.baseURL + path
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(url)
	req.Header.SetContentType("application/json")

	if c.headers != nil {
		for k, v := range c.headers() {
			if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
				req.Header.Set(k, v)
			}
		}
	}

	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		req.SetBody(payload)
	}

	attempts := 1
	if retry {
		attempts = c.retryMax
		if attempts <= 0 {
			attempts = 1
		}
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		deadline := c.computeDeadline(ctx)
		err := c.http.DoDeadline(req, resp, deadline)
		if err != nil {
			if attempt == attempts || !retry {
				return fmt.Errorf("request failed: %w", err)
			}
			lastErr = err
			if sleepErr := c.sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		status := resp.StatusCode()
		if status < 200 || status >= 300 {
			err := apiError(status, resp.Body())
			if attempt == attempts || !retry || !shouldRetryStatus(status) {
				return err
			}
			lastErr = err
			if sleepErr := c.sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		if out != nil {
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}

	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return lastErr
}

// apiError surfaces the server's DomainError when the body carries one,
// so callers can match on the stable code.
func apiError(status int, body []byte) error {
	var derr gamedto.DomainError
	if err := json.Unmarshal(body, &derr); err == nil && derr.Code != "" {
		return derr
	}
	return fmt.Errorf("bridge api error: status=%d body=%s", status, truncate(string(body), 512))
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		clientDL := time.Now().Add(c.defaultTimeout)
		if dl.Before(clientDL) {
			return dl
		}
		return clientDL
	}
	return time.Now().Add(c.defaultTimeout)
}

func (c *Client) sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	base := 100 * time.Millisecond
	return time.Duration(1<<uint(attempt-1)) * base // 100ms, 200ms ...
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
