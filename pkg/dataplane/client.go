// Package dataplane is a thin typed client over the SDN controller's REST
// surface (spec.md §4.2, §6): topology/inventory reads against the
// operational datastore, flow/queue/QoS/termination-point writes against
// the config datastore, each write followed by confirmation polling.
package dataplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/siotlab/fdk/pkg/log"
	"github.com/siotlab/fdk/pkg/metrics"
)

const contentType = "application/yang.data+json"

// Client wraps net/http with the SDN controller's fixed basic-auth
// credential and JSON content-type header.
type Client struct {
	BaseURL    string // e.g. "http://10.0.0.1:8181"
	Username   string
	Password   string
	HTTPClient *http.Client

	MaxRetries    int
	RetryBackoff  time.Duration

	logger zerolog.Logger
}

// NewClient constructs a Client against ctrlrIPAddr on ODL's default
// RESTCONF port, with admin:admin basic auth per spec.md §6.
func NewClient(ctrlrIPAddr string, maxRetries int, retryBackoff time.Duration) *Client {
	return &Client{
		BaseURL:      fmt.Sprintf("http://%s:8181", ctrlrIPAddr),
		Username:     "admin",
		Password:     "admin",
		HTTPClient:   &http.Client{Timeout: 30 * time.Second},
		MaxRetries:   maxRetries,
		RetryBackoff: retryBackoff,
		logger:       log.WithComponent("dataplane"),
	}
}

// Store distinguishes the RESTCONF config store (writes) from the
// operational store (reads and confirmation polls).
type Store string

const (
	ConfigStore      Store = "config"
	OperationalStore Store = "operational"
)

func (c *Client) url(store Store, path string) string {
	return fmt.Sprintf("%s/restconf/%s/%s", c.BaseURL, store, path)
}

// Get issues a GET against the given store and path, decoding the JSON
// response into out. A 404 is reported via ErrNotFound so callers can
// distinguish "absent" from a transport failure.
func (c *Client) Get(ctx context.Context, store Store, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(store, path), nil)
	if err != nil {
		return fmt.Errorf("dataplane: build request: %w", err)
	}
	req.SetBasicAuth(c.Username, c.Password)
	req.Header.Set("Accept", contentType)

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("dataplane: GET %s: status %d: %s", path, resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Put issues an idempotent PUT of body against the config store. Transient
// transport failures are retried per the Transient taxonomy of spec.md §7;
// a non-2xx response is a permanent error and surfaces immediately.
func (c *Client) Put(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("dataplane: marshal PUT body: %w", err)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url(ConfigStore, path), bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("dataplane: build request: %w", err)
		}
		req.SetBasicAuth(c.Username, c.Password)
		req.Header.Set("Content-Type", contentType)

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			lastErr = err
			if !c.shouldRetry(ctx, attempt) {
				return fmt.Errorf("dataplane: PUT %s: %w", path, lastErr)
			}
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		// Permanent error: a non-2xx with a response body is a rejected
		// request, not a transport hiccup — fail fast (spec.md §7).
		return fmt.Errorf("dataplane: PUT %s: status %d: %s", path, resp.StatusCode, string(body))
	}
}

// Delete issues a DELETE against the config store.
func (c *Client) Delete(ctx context.Context, path string) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url(ConfigStore, path), nil)
		if err != nil {
			return fmt.Errorf("dataplane: build request: %w", err)
		}
		req.SetBasicAuth(c.Username, c.Password)

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			lastErr = err
			if !c.shouldRetry(ctx, attempt) {
				return fmt.Errorf("dataplane: DELETE %s: %w", path, lastErr)
			}
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 || resp.StatusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("dataplane: DELETE %s: status %d", path, resp.StatusCode)
	}
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := c.HTTPClient.Do(req)
		if err == nil {
			return resp, nil
		}
		if !c.shouldRetry(req.Context(), attempt) {
			return nil, err
		}
	}
}

// shouldRetry sleeps RetryBackoff and reports whether another attempt
// should be made. It reports false once MaxRetries is exhausted or the
// context is canceled, per spec.md §9's bounded-retry recommendation.
func (c *Client) shouldRetry(ctx context.Context, attempt int) bool {
	if c.MaxRetries > 0 && attempt >= c.MaxRetries {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.RetryBackoff):
		return true
	}
}

// Poll calls check repeatedly (with Client's backoff) until it reports
// true, an error, or MaxRetries is exhausted. Used by the bandwidth engine
// to confirm a write is observable in the operational store before
// mutating the local cache (spec.md §4.4).
func (c *Client) Poll(ctx context.Context, operation string, check func(ctx context.Context) (bool, error)) error {
	for attempt := 0; ; attempt++ {
		ok, err := check(ctx)
		if err != nil && err != ErrNotFound {
			return err
		}
		if ok {
			return nil
		}
		if c.MaxRetries > 0 && attempt >= c.MaxRetries {
			return &ErrConfirmTimeout{Operation: operation, Attempts: attempt + 1}
		}
		metrics.DataplaneConfirmRetries.WithLabelValues(operation).Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.RetryBackoff):
		}
	}
}
