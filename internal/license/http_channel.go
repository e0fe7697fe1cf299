package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	licerrors "licensegate/internal/errors"
)

// HTTPChannel talks to a licensing service over HTTP. Every method performs
// exactly one attempt: no retries, no backoff. Bounded latency comes from
// the client timeout, which is the caller's concern per the channel
// contract.
type HTTPChannel struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPChannel creates a channel against baseURL. A zero timeout selects
// 30 seconds.
func NewHTTPChannel(baseURL, apiKey string, timeout time.Duration) *HTTPChannel {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPChannel{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type rejectionBody struct {
	Reason string `json:"reason"`
}

// Check re-verifies an activation with a single POST.
func (c *HTTPChannel) Check(ctx context.Context, req CheckRequest) (*Entitlement, error) {
	var ent Entitlement
	if err := c.post(ctx, "/v1/activations/check", req, &ent); err != nil {
		return nil, err
	}
	return &ent, nil
}

// Activate redeems a product key with a single POST.
func (c *HTTPChannel) Activate(ctx context.Context, req ActivateRequest) (*Entitlement, error) {
	var ent Entitlement
	if err := c.post(ctx, "/v1/activations", req, &ent); err != nil {
		return nil, err
	}
	return &ent, nil
}

// Deactivate releases an activation with a single POST.
func (c *HTTPChannel) Deactivate(ctx context.Context, req DeactivateRequest) error {
	return c.post(ctx, "/v1/activations/release", req, nil)
}

// TrustedTime fetches the service clock.
func (c *HTTPChannel) TrustedTime(ctx context.Context) (time.Time, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/time", nil)
	if err != nil {
		return time.Time{}, err
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return time.Time{}, licerrors.WrapNetwork(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, c.statusError(resp)
	}
	var body struct {
		Now time.Time `json:"now"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return time.Time{}, licerrors.WrapNetwork(err)
	}
	return body.Now, nil
}

func (c *HTTPChannel) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return licerrors.WrapNetwork(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return licerrors.WrapNetwork(err)
	}
	return nil
}

func (c *HTTPChannel) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
}

// statusError maps an HTTP status to the engine's error taxonomy: definite
// rejections for 4xx authorization outcomes, network errors for everything
// else so the grace path absorbs service trouble.
func (c *HTTPChannel) statusError(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusForbidden, http.StatusConflict, http.StatusGone,
		http.StatusUnauthorized, http.StatusNotFound:
		var body rejectionBody
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Reason == "" {
			body.Reason = http.StatusText(resp.StatusCode)
		}
		return licerrors.NewRejection(body.Reason)
	default:
		return licerrors.WrapNetwork(fmt.Errorf("licensing service returned %d", resp.StatusCode))
	}
}
