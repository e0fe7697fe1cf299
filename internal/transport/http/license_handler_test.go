package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	licerrors "licensegate/internal/errors"
	"licensegate/internal/license"
)

// stubChannel satisfies license.Channel without a licensing service.
type stubChannel struct {
	checkErr    error
	activateErr error
	ent         *license.Entitlement
}

func (c *stubChannel) Check(ctx context.Context, req license.CheckRequest) (*license.Entitlement, error) {
	if c.checkErr != nil {
		return nil, c.checkErr
	}
	return c.entitlement(req.ActivationID), nil
}

func (c *stubChannel) Activate(ctx context.Context, req license.ActivateRequest) (*license.Entitlement, error) {
	if c.activateErr != nil {
		return nil, c.activateErr
	}
	return c.entitlement("act-test"), nil
}

func (c *stubChannel) Deactivate(ctx context.Context, req license.DeactivateRequest) error {
	return nil
}

func (c *stubChannel) TrustedTime(ctx context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}

func (c *stubChannel) entitlement(id string) *license.Entitlement {
	if c.ent != nil {
		return c.ent
	}
	return &license.Entitlement{
		ActivationID: id,
		Features:     map[string]string{"edition": "pro"},
		ServerTime:   time.Now().UTC(),
	}
}

func newTestServer(t *testing.T, channel license.Channel) *httptest.Server {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := license.NewFileStore(t.TempDir(), []byte("unit-test-signing-secret"))
	require.NoError(t, err)

	reg := license.NewRegistry(store, channel, logger)
	h, err := reg.AcquireHandle(license.ProductConfig{
		VersionGUID: "18324776654b3946fc44a5f3",
		TrialDays:   10,
	})
	require.NoError(t, err)
	sess, err := reg.Session(h)
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	handler := NewLicenseHandler(sess, license.GenuineOptions{
		DaysBetweenChecks:       90,
		GraceDaysOnNetworkError: 14,
	}, logger)
	srv := httptest.NewServer(NewRouter(handler, nil, logger))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) *nethttp.Response {
	t.Helper()
	resp, err := nethttp.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *nethttp.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubChannel{})

	resp, err := nethttp.Get(srv.URL + "/api/license/status")
	require.NoError(t, err)
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)

	var snap map[string]interface{}
	decode(t, resp, &snap)
	assert.Equal(t, "unconfigured", snap["state"])
	assert.Equal(t, false, snap["activated"])
}

func TestActivationFlow(t *testing.T) {
	srv := newTestServer(t, &stubChannel{})

	resp := postJSON(t, srv.URL+"/api/license/key", `{"key":"U9MM-4NJ5-QFG8-TWM5"}`)
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/license/activate", "")
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)

	var snap map[string]interface{}
	decode(t, resp, &snap)
	assert.Equal(t, "activated", snap["state"])
	assert.Equal(t, true, snap["activated"])

	resp, err := nethttp.Get(srv.URL + "/api/license/features/edition")
	require.NoError(t, err)
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	var feat map[string]string
	decode(t, resp, &feat)
	assert.Equal(t, "pro", feat["value"])
}

func TestActivateWithoutKeyIsPreconditionRequired(t *testing.T) {
	srv := newTestServer(t, &stubChannel{})

	resp := postJSON(t, srv.URL+"/api/license/activate", "")
	require.Equal(t, nethttp.StatusPreconditionRequired, resp.StatusCode)

	var pd map[string]interface{}
	decode(t, resp, &pd)
	assert.NotEmpty(t, pd["title"])
	assert.NotEmpty(t, pd["trace_id"])
}

func TestSaveKeyRejectsBadFormat(t *testing.T) {
	srv := newTestServer(t, &stubChannel{})

	for _, body := range []string{`{"key":"not a key"}`, `{}`} {
		resp := postJSON(t, srv.URL+"/api/license/key", body)
		assert.Equal(t, nethttp.StatusBadRequest, resp.StatusCode)
		resp.Body.Close()
	}
}

func TestActivateNetworkFailureIsServiceUnavailable(t *testing.T) {
	srv := newTestServer(t, &stubChannel{
		activateErr: licerrors.WrapNetwork(io.ErrUnexpectedEOF),
	})

	resp := postJSON(t, srv.URL+"/api/license/key", `{"key":"U9MM-4NJ5-QFG8-TWM5"}`)
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/license/activate", "")
	require.Equal(t, nethttp.StatusServiceUnavailable, resp.StatusCode)

	var pd map[string]interface{}
	decode(t, resp, &pd)
	assert.Equal(t, true, pd["retryable"])
}

func TestVerifyEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubChannel{})

	// Without an activation the outcome is a definite negative but the
	// request itself succeeds.
	resp := postJSON(t, srv.URL+"/api/license/verify", "")
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	var vr VerifyResponse
	decode(t, resp, &vr)
	assert.False(t, vr.Genuine)

	resp = postJSON(t, srv.URL+"/api/license/key", `{"key":"U9MM-4NJ5-QFG8-TWM5"}`)
	resp.Body.Close()
	resp = postJSON(t, srv.URL+"/api/license/activate", "")
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/license/verify", `{"now":true}`)
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	decode(t, resp, &vr)
	assert.True(t, vr.Genuine)
	assert.False(t, vr.Offline)
}

func TestTrialEndpoints(t *testing.T) {
	srv := newTestServer(t, &stubChannel{})

	resp, err := nethttp.Get(srv.URL + "/api/license/trial/days")
	require.NoError(t, err)
	assert.Equal(t, nethttp.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/license/trial", `{"scope":"system"}`)
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	var out license.TrialOutcome
	decode(t, resp, &out)
	assert.Equal(t, 10, out.DaysRemaining)
	assert.False(t, out.Expired)

	resp, err = nethttp.Get(srv.URL + "/api/license/trial/days?scope=system")
	require.NoError(t, err)
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	var days map[string]int
	decode(t, resp, &days)
	assert.Equal(t, 10, days["days_remaining"])
}

func TestDeactivateEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubChannel{})

	resp := postJSON(t, srv.URL+"/api/license/key", `{"key":"U9MM-4NJ5-QFG8-TWM5"}`)
	resp.Body.Close()
	resp = postJSON(t, srv.URL+"/api/license/activate", "")
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/license/deactivate", "")
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	var snap map[string]interface{}
	decode(t, resp, &snap)
	assert.Equal(t, false, snap["activated"])
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &stubChannel{})

	resp, err := nethttp.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}
