package license

import (
	"context"
	"log/slog"
	"sync"
	"time"

	licerrors "licensegate/internal/errors"
)

// defaultPollInterval is how often an armed registration re-checks trial
// state. Trial granularity is whole days, so a coarse interval is enough.
const defaultPollInterval = time.Minute

// dispatcher runs the background timing goroutine that notifies the host of
// trial expiry. Per registration it moves Unregistered -> Armed -> Fired;
// Fired is terminal for that registration. Re-registering replaces the
// prior registration, which must never fire afterwards.
type dispatcher struct {
	session  *Session
	interval time.Duration

	mu      sync.Mutex
	current *registration
	closed  bool
	wg      sync.WaitGroup
}

type registration struct {
	callback TrialCallback
	flags    TrialFlags
	cancel   chan struct{}
	fired    bool
}

func newDispatcher(s *Session) *dispatcher {
	return &dispatcher{session: s, interval: defaultPollInterval}
}

// RegisterTrialCallback arms cb for the handle's trial. At most one
// registration is live per handle; a new registration supersedes the old
// one. Registering for a trial that has already expired returns
// ErrAlreadyFired. The callback runs on a separate goroutine and may
// execute concurrently with any other operation on the same handle.
func (s *Session) RegisterTrialCallback(ctx context.Context, flags TrialFlags, cb TrialCallback) error {
	days, err := s.DaysRemaining(ctx, flags)
	if err != nil {
		return err
	}
	if days <= 0 {
		return licerrors.ErrAlreadyFired
	}

	if !s.dispatcher.arm(flags, cb) {
		return licerrors.ErrHandleNotFound
	}
	s.logInfo(ctx, "callback_registration", "trial callback armed",
		slog.Int("days_remaining", days))
	return nil
}

// arm replaces the live registration and starts its polling goroutine. The
// closed check and the registration swap share one critical section, so arm
// and stop cannot interleave: whichever runs second sees the other's effect.
// After stop has run, arm refuses and reports false.
func (d *dispatcher) arm(flags TrialFlags, cb TrialCallback) bool {
	reg := &registration{
		callback: cb,
		flags:    flags,
		cancel:   make(chan struct{}),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	if d.current != nil {
		close(d.current.cancel)
	}
	d.current = reg
	d.wg.Add(1)
	d.mu.Unlock()

	go d.poll(reg)
	return true
}

func (d *dispatcher) poll(reg *registration) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-reg.cancel:
			return
		case <-ticker.C:
			if d.checkAndFire(reg) {
				return
			}
		}
	}
}

// checkAndFire inspects trial state and delivers the callback on the
// Active -> Expired transition. It reports true once the registration is
// spent. Delivery is checked under the dispatcher lock so a superseded or
// cancelled registration can never fire.
func (d *dispatcher) checkAndFire(reg *registration) bool {
	ctx := context.Background()
	out, err := d.session.StartOrContinueTrial(ctx, reg.flags)
	if err != nil {
		// Transient store/channel trouble; keep polling.
		return false
	}
	if !out.Expired {
		return false
	}

	status := CallbackExpired
	if out.Fraud {
		status = CallbackExpiredFraud
	}

	d.mu.Lock()
	if d.current != reg || reg.fired {
		d.mu.Unlock()
		return true
	}
	select {
	case <-reg.cancel:
		d.mu.Unlock()
		return true
	default:
	}
	reg.fired = true
	d.mu.Unlock()

	d.session.logInfo(ctx, "callback_delivery", "trial expiry callback fired",
		slog.String("status", status.String()))
	d.session.metrics.recordTrialEvent(ctx, "callback_"+status.String())
	reg.callback(status)
	return true
}

// stop cancels the live registration and waits for the polling goroutine to
// exit. After stop returns no callback will run and no registration can be
// armed again.
func (d *dispatcher) stop() {
	d.mu.Lock()
	d.closed = true
	if d.current != nil {
		close(d.current.cancel)
		d.current = nil
	}
	d.mu.Unlock()
	d.wg.Wait()
}
