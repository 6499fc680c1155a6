package dbman

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const BasePath = "/api/internal/v1/db"

const (
	defaultHTTPTimeout      = 5 * time.Second
	defaultFailThreshold    = 3
	defaultEndpointCooldown = 10 * time.Second
)

var ErrNoEndpoint = errors.New("dbman endpoint is not configured")

// StatusError is returned for non-retryable 3xx/4xx answers.
type StatusError struct {
	Code     int
	Endpoint string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dbman status %d endpoint=%s", e.Code, e.Endpoint)
}

type Options struct {
	Timeout          time.Duration
	FailThreshold    int
	EndpointCooldown time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = defaultHTTPTimeout
	}
	if o.FailThreshold <= 0 {
		o.FailThreshold = defaultFailThreshold
	}
	if o.EndpointCooldown <= 0 {
		o.EndpointCooldown = defaultEndpointCooldown
	}
	return o
}

// Client posts JSON to a set of dbman replicas, round-robin, skipping
// endpoints that failed FailThreshold times in a row until their cooldown ends.
type Client struct {
	endpoints []string
	http      *http.Client
	next      uint32

	failThreshold    int
	endpointCooldown time.Duration

	mu         sync.Mutex
	failureCnt map[string]int
	cooldownTo map[string]time.Time
	now        func() time.Time
}

func NewClient(opts Options, endpoints ...string) *Client {
	opts = opts.withDefaults()
	normalized := normalizeEndpoints(endpoints)
	return &Client{
		endpoints:        normalized,
		http:             &http.Client{Timeout: opts.Timeout},
		failThreshold:    opts.FailThreshold,
		endpointCooldown: opts.EndpointCooldown,
		failureCnt:       make(map[string]int, len(normalized)),
		cooldownTo:       make(map[string]time.Time, len(normalized)),
		now:              time.Now,
	}
}

func (c *Client) Endpoints() []string {
	return append([]string(nil), c.endpoints...)
}

func (c *Client) Post(ctx context.Context, path string, payload any, out any) error {
	if len(c.endpoints) == 0 {
		return ErrNoEndpoint
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode dbman payload: %w", err)
	}
	normalizedPath := path
	if !strings.HasPrefix(normalizedPath, "/") {
		normalizedPath = "/" + normalizedPath
	}

	start := int(atomic.AddUint32(&c.next, 1)-1) % len(c.endpoints)
	var lastErr error
	for offset := 0; offset < len(c.endpoints); offset++ {
		endpoint := c.endpoints[(start+offset)%len(c.endpoints)]
		if c.isCoolingDown(endpoint) {
			continue
		}
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+normalizedPath, bytes.NewReader(body))
		if reqErr != nil {
			lastErr = reqErr
			c.onFailure(endpoint)
			continue
		}
		req.Header.Set("Content-Type", "application/json")

		resp, doErr := c.http.Do(req)
		if doErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("dbman request failed endpoint=%s: %w", endpoint, doErr)
			c.onFailure(endpoint)
			continue
		}

		if resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			lastErr = &StatusError{Code: resp.StatusCode, Endpoint: endpoint}
			c.onFailure(endpoint)
			continue
		}
		if resp.StatusCode >= 300 {
			_ = resp.Body.Close()
			return &StatusError{Code: resp.StatusCode, Endpoint: endpoint}
		}

		decodeErr := json.NewDecoder(resp.Body).Decode(out)
		_ = resp.Body.Close()
		if decodeErr != nil {
			c.onFailure(endpoint)
			return fmt.Errorf("decode dbman response endpoint=%s: %w", endpoint, decodeErr)
		}
		c.onSuccess(endpoint)
		return nil
	}

	if lastErr == nil {
		return fmt.Errorf("dbman request failed: all endpoints cooling down")
	}
	return lastErr
}

func normalizeEndpoints(endpoints []string) []string {
	result := make([]string, 0, len(endpoints))
	seen := map[string]struct{}{}
	for _, endpoint := range endpoints {
		normalized := strings.TrimRight(strings.TrimSpace(endpoint), "/")
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		result = append(result, normalized)
	}
	return result
}

func (c *Client) isCoolingDown(endpoint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.cooldownTo[endpoint]
	if !ok {
		return false
	}
	if c.now().After(until) {
		delete(c.cooldownTo, endpoint)
		return false
	}
	return true
}

func (c *Client) onFailure(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := c.failureCnt[endpoint] + 1
	c.failureCnt[endpoint] = count
	if count >= c.failThreshold {
		c.cooldownTo[endpoint] = c.now().Add(c.endpointCooldown)
		c.failureCnt[endpoint] = 0
	}
}

func (c *Client) onSuccess(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCnt[endpoint] = 0
	delete(c.cooldownTo, endpoint)
}
