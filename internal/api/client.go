// Package api is the REST client for the branding backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"callbrand/internal/domain"
	"callbrand/internal/observability"
	"callbrand/internal/util"
)

const apiMount = "/api"

// ErrEndpointNotFound is returned when every candidate root answered 404.
var ErrEndpointNotFound = errors.New("endpoint not found under any root")

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
	Breaker *gobreaker.CircuitBreaker

	mu        sync.Mutex
	preferred string
}

func New(baseURL, apiKey string, httpClient *http.Client, breaker *gobreaker.CircuitBreaker) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey, HTTP: httpClient, Breaker: breaker}
}

// NewBreaker trips on transport and 5xx failures only; auth and validation
// errors say nothing about backend health.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			switch domain.KindOf(err) {
			case domain.KindNetwork, domain.KindServer:
				return false
			}
			return true
		},
	})
}

// Roots returns the candidate API roots in the order they will be tried.
func (c *Client) Roots() []string {
	base := strings.TrimRight(c.BaseURL, "/")
	var roots []string
	if strings.HasSuffix(base, apiMount) {
		roots = []string{base, strings.TrimSuffix(base, apiMount)}
	} else {
		roots = []string{base, base + apiMount}
	}

	c.mu.Lock()
	pref := c.preferred
	c.mu.Unlock()
	if pref != "" && pref != roots[0] && pref == roots[1] {
		roots[0], roots[1] = roots[1], roots[0]
	}
	return roots
}

func (c *Client) remember(root string) {
	c.mu.Lock()
	c.preferred = root
	c.mu.Unlock()
}

// Lookup returns found=false when the backend has no record for e164.
func (c *Client) Lookup(ctx context.Context, e164, deviceID string) (LookupResponse, bool, error) {
	q := url.Values{}
	q.Set("e164", e164)
	if deviceID != "" {
		q.Set("device_id", deviceID)
	}
	var out LookupResponse
	err := c.do(ctx, "lookup", http.MethodGet, PathLookup, q, nil, &out)
	if errors.Is(err, ErrEndpointNotFound) {
		return LookupResponse{}, false, nil
	}
	if err != nil {
		return LookupResponse{}, false, err
	}
	if out.E164 == "" {
		out.E164 = e164
	}
	return out, true, nil
}

func (c *Client) Sync(ctx context.Context, sinceISO, deviceID string) (SyncResponse, error) {
	q := url.Values{}
	if sinceISO != "" {
		q.Set("since", sinceISO)
	}
	if deviceID != "" {
		q.Set("device_id", deviceID)
	}
	var out SyncResponse
	err := c.do(ctx, "sync", http.MethodGet, PathSync, q, nil, &out)
	return out, err
}

func (c *Client) SubmitEvent(ctx context.Context, ev EventRequest) error {
	return c.do(ctx, "event", http.MethodPost, PathEvent, nil, ev, nil)
}

func (c *Client) RegisterDevice(ctx context.Context, req DeviceRegisterRequest) error {
	return c.do(ctx, "device_register", http.MethodPost, PathDeviceRegister, nil, req, nil)
}

func (c *Client) UpdateDevice(ctx context.Context, req DeviceUpdateRequest) (DeviceUpdateResponse, error) {
	var out DeviceUpdateResponse
	err := c.do(ctx, "device_update", http.MethodPost, PathDeviceUpdate, nil, req, &out)
	return out, err
}

// UploadDebugBundle posts an already-encoded debug bundle.
func (c *Client) UploadDebugBundle(ctx context.Context, bundle json.RawMessage) error {
	return c.do(ctx, "debug_upload", http.MethodPost, PathDebugUpload, nil, bundle, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &domain.Error{Kind: domain.KindBadRequest, Err: fmt.Errorf("encode %s: %w", op, err)}
		}
		payload = b
	}

	start := time.Now()
	call := func() (any, error) { return nil, c.tryRoots(ctx, op, method, path, query, payload, out) }

	var err error
	if c.Breaker == nil {
		_, err = call()
	} else {
		_, err = c.Breaker.Execute(call)
	}
	observability.APILatency.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if IsBreakerOpen(err) {
		observability.APICalls.WithLabelValues(op, "cb_open", "0").Inc()
		return &domain.Error{Kind: domain.KindNetwork, Err: err}
	}
	return err
}

// tryRoots walks the candidate roots; a 404 moves on to the next candidate.
func (c *Client) tryRoots(ctx context.Context, op, method, path string, query url.Values, payload []byte, out any) error {
	roots := c.Roots()
	for i, root := range roots {
		status, raw, err := c.once(ctx, method, root+path, query, payload)
		if err != nil {
			observability.APICalls.WithLabelValues(op, "transport_error", "0").Inc()
			return domain.AsError(err)
		}
		observability.APICalls.WithLabelValues(op, resultLabel(status), strconv.Itoa(status)).Inc()

		if status == http.StatusNotFound {
			if i < len(roots)-1 {
				slog.Debug("api endpoint not found, trying next root", "op", op, "root", root)
				continue
			}
			return &domain.Error{Kind: domain.KindBadRequest, Status: status, Err: ErrEndpointNotFound}
		}
		c.remember(root)

		if status < 200 || status >= 300 {
			return domain.FromStatus(status, errorFrom(raw))
		}
		if out != nil && len(bytes.TrimSpace(raw)) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				return &domain.Error{Kind: domain.KindUnknown, Status: status, Err: fmt.Errorf("decode %s response: %w", op, err)}
			}
		}
		return nil
	}
	return &domain.Error{Kind: domain.KindBadRequest, Err: ErrEndpointNotFound}
}

func (c *Client) once(ctx context.Context, method, endpoint string, query url.Values, payload []byte) (int, []byte, error) {
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("X-API-Key", c.APIKey)
	req.Header.Set("X-Request-ID", util.NewRequestID())
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, b, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func errorFrom(raw []byte) error {
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)
	switch {
	case eb.Message != "":
		return errors.New(eb.Message)
	case eb.Error != "":
		return errors.New(eb.Error)
	}
	return nil
}

func resultLabel(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "ok"
	case status == http.StatusNotFound:
		return "not_found"
	}
	return "error"
}
