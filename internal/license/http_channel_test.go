package license

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	licerrors "licensegate/internal/errors"
)

func TestHTTPChannelCheck(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/activations/check", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		gotAuth = r.Header.Get("Authorization")

		var req CheckRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "guid-0001", req.Product)

		json.NewEncoder(w).Encode(Entitlement{
			ActivationID: req.ActivationID,
			Features:     map[string]string{"tier": "pro"},
			ServerTime:   time.Now().UTC(),
		})
	}))
	defer srv.Close()

	ch := NewHTTPChannel(srv.URL, "secret-token", time.Second)
	ent, err := ch.Check(context.Background(), CheckRequest{Product: "guid-0001", ActivationID: "act-9"})
	require.NoError(t, err)
	assert.Equal(t, "act-9", ent.ActivationID)
	assert.Equal(t, "pro", ent.Features["tier"])
	assert.Equal(t, "Bearer secret-token", gotAuth)
}

func TestHTTPChannelRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"reason": "license revoked"})
	}))
	defer srv.Close()

	ch := NewHTTPChannel(srv.URL, "", time.Second)
	_, err := ch.Check(context.Background(), CheckRequest{Product: "guid-0001"})
	require.Error(t, err)
	assert.ErrorIs(t, err, licerrors.ErrRejected)
	assert.Contains(t, err.Error(), "license revoked")
	assert.False(t, licerrors.IsRetryable(err))
}

func TestHTTPChannelServerErrorIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := NewHTTPChannel(srv.URL, "", time.Second)
	_, err := ch.Check(context.Background(), CheckRequest{Product: "guid-0001"})
	assert.ErrorIs(t, err, licerrors.ErrNetwork)
}

func TestHTTPChannelUnreachableIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	ch := NewHTTPChannel(srv.URL, "", 500*time.Millisecond)
	_, err := ch.Check(context.Background(), CheckRequest{Product: "guid-0001"})
	assert.ErrorIs(t, err, licerrors.ErrNetwork)

	err = ch.Deactivate(context.Background(), DeactivateRequest{Product: "guid-0001"})
	assert.ErrorIs(t, err, licerrors.ErrNetwork)

	_, err = ch.TrustedTime(context.Background())
	assert.ErrorIs(t, err, licerrors.ErrNetwork)
}

func TestHTTPChannelSingleAttempt(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ch := NewHTTPChannel(srv.URL, "", time.Second)
	_, err := ch.Check(context.Background(), CheckRequest{Product: "guid-0001"})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "the channel must never retry internally")
}

func TestHTTPChannelActivateAndTrustedTime(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/activations":
			var req ActivateRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "U9MM-4NJ5-QFG8-TWM5", req.Key)
			json.NewEncoder(w).Encode(Entitlement{ActivationID: "act-100", ServerTime: now})
		case "/v1/time":
			json.NewEncoder(w).Encode(map[string]time.Time{"now": now})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ch := NewHTTPChannel(srv.URL, "", time.Second)
	ent, err := ch.Activate(context.Background(), ActivateRequest{
		Product: "guid-0001",
		Key:     "U9MM-4NJ5-QFG8-TWM5",
		Scope:   ScopeSystem,
	})
	require.NoError(t, err)
	assert.Equal(t, "act-100", ent.ActivationID)

	got, err := ch.TrustedTime(context.Background())
	require.NoError(t, err)
	assert.True(t, got.Equal(now))
}
