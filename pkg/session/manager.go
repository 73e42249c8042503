package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/forensiq/harvest/pkg/falcon"
	"github.com/forensiq/harvest/pkg/log"
	"github.com/forensiq/harvest/pkg/metrics"
	"github.com/forensiq/harvest/pkg/types"
)

var (
	// ErrSessionExpired is returned by Execute when the session stopped
	// being usable, typically after a failed keep-alive pulse
	ErrSessionExpired = errors.New("session expired")

	// ErrNotManaged is returned for sessions this manager did not acquire
	ErrNotManaged = errors.New("session not managed")

	// ErrCommandTimeout is returned when a command does not complete
	// within its budget
	ErrCommandTimeout = errors.New("command timed out")
)

// pulseRequestTimeout bounds a single keep-alive round trip
const pulseRequestTimeout = 30 * time.Second

// RTR is the slice of the cloud API the session manager drives
type RTR interface {
	InitSession(ctx context.Context, aid string) (*types.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	PulseSession(ctx context.Context, aid string) error
	InitBatch(ctx context.Context, aids []string, hostTimeout time.Duration) (*types.BatchSession, error)
	RefreshBatch(ctx context.Context, batchID string) error
	ExecuteCommand(ctx context.Context, sessionID string, req types.CommandRequest) (string, error)
	CommandStatus(ctx context.Context, cloudRequestID string, priv types.Privilege) (*types.CommandResult, error)
}

// Options tune the manager. Zero values fall back to platform defaults.
type Options struct {
	// Clock drives pulse and poll timing; tests inject a fake
	Clock clockwork.Clock

	// PulseInterval is the keep-alive period, half the platform idle
	// timeout by default
	PulseInterval time.Duration

	// CommandPollInitial, CommandPollMax and CommandPollFactor shape the
	// adaptive status polling schedule
	CommandPollInitial time.Duration
	CommandPollMax     time.Duration
	CommandPollFactor  float64

	// BatchHostTimeout bounds how long batch init waits per host
	BatchHostTimeout time.Duration
}

// Manager owns RTR session lifecycle: init, keep-alive, command
// execution and teardown. One in-flight command per session is enforced
// here; callers never talk to the session endpoints directly.
type Manager struct {
	rtr    RTR
	clock  clockwork.Clock
	logger zerolog.Logger

	pulseInterval    time.Duration
	pollInitial      time.Duration
	pollMax          time.Duration
	pollFactor       float64
	batchHostTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*managed
}

// managed wraps a session with its command mutex and pulse loop handle
type managed struct {
	sess     *types.Session
	cmdMu    sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

func (ms *managed) stop() {
	ms.stopOnce.Do(func() { close(ms.stopCh) })
}

// NewManager creates a session manager over the given RTR client
func NewManager(rtr RTR, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.PulseInterval <= 0 {
		opts.PulseInterval = 300 * time.Second
	}
	if opts.CommandPollInitial <= 0 {
		opts.CommandPollInitial = 2 * time.Second
	}
	if opts.CommandPollMax <= 0 {
		opts.CommandPollMax = 30 * time.Second
	}
	if opts.CommandPollFactor <= 1 {
		opts.CommandPollFactor = 1.5
	}
	if opts.BatchHostTimeout <= 0 {
		opts.BatchHostTimeout = 600 * time.Second
	}

	return &Manager{
		rtr:              rtr,
		clock:            opts.Clock,
		logger:           log.WithComponent("session"),
		pulseInterval:    opts.PulseInterval,
		pollInitial:      opts.CommandPollInitial,
		pollMax:          opts.CommandPollMax,
		pollFactor:       opts.CommandPollFactor,
		batchHostTimeout: opts.BatchHostTimeout,
		sessions:         make(map[string]*managed),
	}
}

// Acquire opens a session to the host and starts its keep-alive loop
func (m *Manager) Acquire(ctx context.Context, host *types.Host) (*types.Session, error) {
	sess, err := m.rtr.InitSession(ctx, host.AID)
	if err != nil {
		return nil, fmt.Errorf("init session for %s: %w", host.Hostname, err)
	}

	ms := &managed{sess: sess, stopCh: make(chan struct{})}
	m.mu.Lock()
	m.sessions[sess.ID] = ms
	m.mu.Unlock()

	go m.pulseLoop(ms)

	m.logger.Info().
		Str("session_id", sess.ID).
		Str("hostname", host.Hostname).
		Str("aid", host.AID).
		Msg("Session acquired")
	return sess, nil
}

// Execute runs one command on the session and polls until it completes
// or the timeout elapses. At most one command is in flight per session;
// concurrent callers queue on the session mutex.
func (m *Manager) Execute(ctx context.Context, sess *types.Session, req types.CommandRequest, timeout time.Duration) (*types.CommandResult, error) {
	ms := m.lookup(sess)
	if ms == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotManaged, sess.ID)
	}

	ms.cmdMu.Lock()
	defer ms.cmdMu.Unlock()

	m.mu.Lock()
	usable := ms.sess.Usable()
	status := ms.sess.Status
	m.mu.Unlock()
	if !usable {
		return nil, fmt.Errorf("%w: session %s is %s", ErrSessionExpired, sess.ID, status)
	}

	cloudID, err := m.rtr.ExecuteCommand(ctx, sess.ID, req)
	if err != nil {
		return nil, err
	}

	deadline := m.clock.Now().Add(timeout)
	interval := m.pollInitial
	for {
		res, err := m.rtr.CommandStatus(ctx, cloudID, req.Privilege)
		if err != nil {
			return nil, err
		}
		if res.Complete {
			return res, nil
		}
		if !m.clock.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s after %s", ErrCommandTimeout, req.BaseCommand, timeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.clock.After(interval):
		}
		interval = nextInterval(interval, m.pollFactor, m.pollMax)
	}
}

// Release stops the keep-alive loop and deletes the remote session.
// Safe to call more than once.
func (m *Manager) Release(sess *types.Session) {
	if sess == nil {
		return
	}

	m.mu.Lock()
	ms, ok := m.sessions[sess.ID]
	if ok {
		delete(m.sessions, sess.ID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	ms.stop()

	ctx, cancel := context.WithTimeout(context.Background(), pulseRequestTimeout)
	defer cancel()
	if err := m.rtr.DeleteSession(ctx, sess.ID); err != nil {
		// The platform reaps idle sessions, so a failed delete only
		// delays cleanup
		m.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to delete session")
	}

	m.mu.Lock()
	ms.sess.Status = types.SessionClosed
	m.mu.Unlock()

	m.logger.Debug().Str("session_id", sess.ID).Msg("Session released")
}

// AcquireBatch opens sessions to many hosts in one round trip. Members
// that fail to connect are simply absent from the result; they do not
// fail the batch. Batch members are kept alive with RefreshBatch, not
// per-session pulse loops.
func (m *Manager) AcquireBatch(ctx context.Context, hosts []*types.Host) (*types.BatchSession, error) {
	aids := make([]string, 0, len(hosts))
	for _, h := range hosts {
		aids = append(aids, h.AID)
	}

	batch, err := m.rtr.InitBatch(ctx, aids, m.batchHostTimeout)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	for _, sess := range batch.Members {
		m.sessions[sess.ID] = &managed{sess: sess, stopCh: make(chan struct{})}
	}
	m.mu.Unlock()

	m.logger.Info().
		Str("batch_id", batch.BatchID).
		Int("members", len(batch.Members)).
		Int("requested", len(hosts)).
		Msg("Batch session acquired")
	return batch, nil
}

// RefreshBatch pulses every member of the batch in one call
func (m *Manager) RefreshBatch(ctx context.Context, batch *types.BatchSession) error {
	if err := m.rtr.RefreshBatch(ctx, batch.BatchID); err != nil {
		metrics.PulseFailures.Inc()
		return err
	}

	now := m.clock.Now()
	m.mu.Lock()
	for _, sess := range batch.Members {
		sess.LastPulseAt = now
	}
	m.mu.Unlock()
	return nil
}

// ReleaseBatch releases every member session
func (m *Manager) ReleaseBatch(batch *types.BatchSession) {
	if batch == nil {
		return
	}
	for _, sess := range batch.Members {
		m.Release(sess)
	}
}

// Active returns the number of sessions currently managed
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Status reports the current status of a managed session
func (m *Manager) Status(sess *types.Session) types.SessionStatus {
	ms := m.lookup(sess)
	if ms == nil {
		return types.SessionClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return ms.sess.Status
}

func (m *Manager) lookup(sess *types.Session) *managed {
	if sess == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sess.ID]
}

// pulseLoop keeps one session alive until it is released
func (m *Manager) pulseLoop(ms *managed) {
	ticker := m.clock.NewTicker(m.pulseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			m.pulseOnce(ms)
		case <-ms.stopCh:
			return
		}
	}
}

// pulseOnce refreshes the session idle timer. Failure marks the session
// expiring so the next Execute surfaces it; a later successful pulse
// restores it. A vanished session stops being pulsed for good.
func (m *Manager) pulseOnce(ms *managed) {
	ctx, cancel := context.WithTimeout(context.Background(), pulseRequestTimeout)
	defer cancel()

	err := m.rtr.PulseSession(ctx, ms.sess.AID)
	if err != nil {
		metrics.PulseFailures.Inc()

		m.mu.Lock()
		if falcon.IsNotFound(err) {
			ms.sess.Status = types.SessionFailed
		} else {
			ms.sess.Status = types.SessionExpiring
		}
		status := ms.sess.Status
		m.mu.Unlock()

		m.logger.Warn().
			Err(err).
			Str("session_id", ms.sess.ID).
			Str("status", string(status)).
			Msg("Keep-alive pulse failed")

		if status == types.SessionFailed {
			ms.stop()
		}
		return
	}

	m.mu.Lock()
	ms.sess.Status = types.SessionActive
	ms.sess.LastPulseAt = m.clock.Now()
	m.mu.Unlock()
}

// nextInterval grows the poll interval geometrically up to the cap
func nextInterval(cur time.Duration, factor float64, max time.Duration) time.Duration {
	next := time.Duration(float64(cur) * factor)
	if next > max {
		return max
	}
	return next
}
