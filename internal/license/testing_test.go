package license

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	licerrors "licensegate/internal/errors"
)

// fakeClock is a manually advanced clock injected into sessions so tests
// age records by days without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// fakeChannel is a scripted Channel. Every field is read under the lock so
// tests can flip behavior between calls.
type fakeChannel struct {
	mu sync.Mutex

	checkEnt *Entitlement
	checkErr error

	activateEnt *Entitlement
	activateErr error

	deactivateErr error

	trusted    time.Time
	trustedErr error

	checkCalls      int
	activateCalls   int
	deactivateCalls int
}

func (f *fakeChannel) Check(ctx context.Context, req CheckRequest) (*Entitlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkCalls++
	if f.checkErr != nil {
		return nil, f.checkErr
	}
	if f.checkEnt != nil {
		return f.checkEnt, nil
	}
	return &Entitlement{ActivationID: req.ActivationID}, nil
}

func (f *fakeChannel) Activate(ctx context.Context, req ActivateRequest) (*Entitlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activateCalls++
	if f.activateErr != nil {
		return nil, f.activateErr
	}
	if f.activateEnt != nil {
		return f.activateEnt, nil
	}
	return &Entitlement{ActivationID: "act-0001"}, nil
}

func (f *fakeChannel) Deactivate(ctx context.Context, req DeactivateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivateCalls++
	return f.deactivateErr
}

func (f *fakeChannel) TrustedTime(ctx context.Context) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.trustedErr != nil {
		return time.Time{}, f.trustedErr
	}
	return f.trusted, nil
}

func (f *fakeChannel) setCheck(ent *Entitlement, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkEnt, f.checkErr = ent, err
}

func (f *fakeChannel) checkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkCalls
}

var testStart = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// newTestSession builds a session over a real file store, a scripted
// channel and a fake clock.
func newTestSession(t *testing.T, ch Channel) (*Session, *fakeClock) {
	t.Helper()

	store, err := NewFileStore(t.TempDir(), []byte("unit-test-signing-secret"))
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := NewRegistry(store, ch, logger)

	h, err := reg.AcquireHandle(ProductConfig{
		VersionGUID: "18324776654b3946fc44a5f3",
		TrialDays:   10,
	})
	require.NoError(t, err)
	require.True(t, h.Valid())

	sess, err := reg.Session(h)
	require.NoError(t, err)

	clock := newFakeClock(testStart)
	sess.now = clock.Now
	t.Cleanup(sess.Close)
	return sess, clock
}

// activate drives a session to the activated state through the public API.
func activate(t *testing.T, sess *Session) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, sess.SaveProductKey(ctx, "U9MM-4NJ5-QFG8-TWM5", ScopeSystem))
	require.NoError(t, sess.Activate(ctx))
	require.True(t, sess.IsActivated())
}

var errNetTest = licerrors.WrapNetwork(io.ErrUnexpectedEOF)
