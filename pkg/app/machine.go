// Package app drives the device lifecycle:
//
//	BOOT -> WIFI_OK -> TIME_SYNCED -> CLAIMING -> RUNNING
//
// with ERROR_RECOVERY reachable from anywhere. The machine is ticked
// cooperatively; each tick evaluates the exit condition of the current state
// once. The shared lockdown flag is consulted first on every tick and
// pre-empts the transition table.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/warden/pkg/boot"
	"github.com/haasonsaas/warden/pkg/pairing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrLocked            = errors.New("app: system locked")
	ErrInvalidTransition = errors.New("app: transition not permitted from current state")
	ErrTickInProgress    = errors.New("app: tick already in progress")
)

type State int

const (
	Boot State = iota
	WifiOK
	TimeSynced
	Claiming
	Running
	ErrorRecovery
)

func (s State) String() string {
	switch s {
	case Boot:
		return "BOOT"
	case WifiOK:
		return "WIFI_OK"
	case TimeSynced:
		return "TIME_SYNCED"
	case Claiming:
		return "CLAIMING"
	case Running:
		return "RUNNING"
	case ErrorRecovery:
		return "ERROR_RECOVERY"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(text []byte) error {
	for c := Boot; c <= ErrorRecovery; c++ {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("app: unknown state %q", text)
}

type BootValidator interface {
	PerformBootValidation(ctx context.Context) (boot.Result, error)
	RetriesExhausted(ctx context.Context) bool
}

type Network interface {
	Connected(ctx context.Context) (bool, error)
}

type Clock interface {
	Synchronized(ctx context.Context) (bool, error)
}

// Claimer runs the ownership claim. Bound reports a previously persisted
// owner so a claimed device is not offered for claiming again.
type Claimer interface {
	Attempt(ctx context.Context) (pairing.Outcome, error)
	Bound(ctx context.Context) (pairing.Binding, bool, error)
	ClearBinding(ctx context.Context) error
	ConsecutiveFailures() int
	Reset()
}

type LockStatus interface {
	IsSystemLocked() bool
}

// Deps are the collaborators the machine consults.
type Deps struct {
	Boot    BootValidator
	Network Network
	Clock   Clock
	Claim   Claimer
	Lock    LockStatus
}

type Options struct {
	// CallTimeout bounds each collaborator call. A timeout fails the
	// condition for that tick.
	CallTimeout time.Duration
	// RecoveryHold is how long ERROR_RECOVERY is held after entry or after
	// the lock was last seen.
	RecoveryHold time.Duration
	// ClaimMaxRejects is the number of consecutive rejected claims that
	// moves CLAIMING to ERROR_RECOVERY.
	ClaimMaxRejects int
}

type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

type Snapshot struct {
	State     State        `json:"state"`
	Since     time.Time    `json:"since"`
	Locked    bool         `json:"locked"`
	LastError string       `json:"last_error,omitempty"`
	Ticks     uint64       `json:"ticks"`
	History   []Transition `json:"history"`
}

const historySize = 64

type Machine struct {
	deps   Deps
	opts   Options
	log    zerolog.Logger
	tracer trace.Tracer
	now    func() time.Time

	tickMu sync.Mutex

	mu         sync.Mutex
	state      State
	enteredAt  time.Time
	lockSeenAt time.Time
	lastErr    string
	ticks      uint64
	history    []Transition
}

func New(deps Deps, opts Options, logger zerolog.Logger) *Machine {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Second
	}
	if opts.RecoveryHold < 0 {
		opts.RecoveryHold = 0
	}
	if opts.ClaimMaxRejects <= 0 {
		opts.ClaimMaxRejects = 5
	}
	m := &Machine{
		deps:   deps,
		opts:   opts,
		log:    logger,
		tracer: otel.Tracer("github.com/haasonsaas/warden/pkg/app"),
		now:    time.Now,
		state:  Boot,
	}
	m.enteredAt = m.now()
	return m
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:     m.state,
		Since:     m.enteredAt,
		Locked:    m.deps.Lock.IsSystemLocked(),
		LastError: m.lastErr,
		Ticks:     m.ticks,
		History:   append([]Transition(nil), m.history...),
	}
}

// Run ticks every interval until ctx is cancelled.
func (m *Machine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Tick(ctx); err != nil && !errors.Is(err, ErrTickInProgress) {
				m.log.Warn().Err(err).Msg("State machine tick failed")
			}
		}
	}
}

// Tick evaluates the current state once and returns the resulting state.
// Collaborator failures fail the condition for this tick and are recorded in
// the snapshot; only re-entrant ticking is returned as an error.
func (m *Machine) Tick(ctx context.Context) (State, error) {
	if !m.tickMu.TryLock() {
		return m.State(), ErrTickInProgress
	}
	defer m.tickMu.Unlock()

	m.mu.Lock()
	m.ticks++
	from := m.state
	m.mu.Unlock()

	ctx, span := m.tracer.Start(ctx, "app.tick", trace.WithAttributes(attribute.String("app.state", from.String())))
	defer span.End()

	if m.deps.Lock.IsSystemLocked() {
		m.mu.Lock()
		m.lockSeenAt = m.now()
		m.mu.Unlock()
		if from != ErrorRecovery {
			m.transition(from, ErrorRecovery, "system locked")
		}
		return m.State(), nil
	}

	switch from {
	case Boot:
		m.tickBoot(ctx)
	case WifiOK:
		if m.condition(ctx, "network", m.deps.Network.Connected) {
			m.transition(WifiOK, TimeSynced, "network joined")
		}
	case TimeSynced:
		if m.condition(ctx, "clock", m.deps.Clock.Synchronized) {
			m.transition(TimeSynced, Claiming, "clock synchronized")
		}
	case Claiming:
		m.tickClaiming(ctx)
	case Running:
	case ErrorRecovery:
		m.tickRecovery(ctx)
	}

	to := m.State()
	span.SetAttributes(attribute.String("app.next_state", to.String()))
	return to, nil
}

// tickBoot runs boot validation to completion even if ctx is cancelled.
func (m *Machine) tickBoot(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.CallTimeout)
	defer cancel()

	res, err := m.deps.Boot.PerformBootValidation(callCtx)
	if err == nil && res.Validated {
		m.transition(Boot, WifiOK, "boot validation passed")
		return
	}
	if err == nil {
		err = errors.New("boot validation did not pass")
	}
	m.setError(fmt.Errorf("boot: %w", err))
	if m.deps.Boot.RetriesExhausted(callCtx) {
		m.transition(Boot, ErrorRecovery, fmt.Sprintf("boot retries exhausted after %d failures", res.FailureCount))
		return
	}
	m.log.Warn().Err(err).Uint32("failure_count", res.FailureCount).Msg("Boot validation failed, retrying")
}

func (m *Machine) tickClaiming(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.CallTimeout)
	defer cancel()

	binding, bound, err := m.deps.Claim.Bound(callCtx)
	if err != nil {
		m.setError(fmt.Errorf("claim binding: %w", err))
		return
	}
	if bound {
		m.transition(Claiming, Running, "already claimed by "+binding.ChildID)
		return
	}

	out, err := m.deps.Claim.Attempt(callCtx)
	if err != nil {
		m.setError(fmt.Errorf("claim: %w", err))
		return
	}
	switch out.Status {
	case pairing.Accepted:
		m.transition(Claiming, Running, "claim accepted from "+out.ChildID)
	case pairing.Rejected:
		m.setError(fmt.Errorf("claim rejected: %s", out.Reason))
		if n := m.deps.Claim.ConsecutiveFailures(); n >= m.opts.ClaimMaxRejects {
			m.transition(Claiming, ErrorRecovery, fmt.Sprintf("%d consecutive claim rejections", n))
		}
	}
}

// tickRecovery returns to BOOT once the lock is clear, boot retries remain
// and the hold time has elapsed.
func (m *Machine) tickRecovery(ctx context.Context) {
	m.mu.Lock()
	since := m.enteredAt
	if m.lockSeenAt.After(since) {
		since = m.lockSeenAt
	}
	m.mu.Unlock()
	if m.now().Sub(since) < m.opts.RecoveryHold {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	defer cancel()
	if m.deps.Boot.RetriesExhausted(callCtx) {
		return
	}
	m.deps.Claim.Reset()
	m.transition(ErrorRecovery, Boot, "recovery condition cleared")
}

func (m *Machine) condition(ctx context.Context, name string, fn func(context.Context) (bool, error)) bool {
	callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	defer cancel()
	ok, err := fn(callCtx)
	if err != nil {
		m.setError(fmt.Errorf("%s: %w", name, err))
		m.log.Debug().Err(err).Str("condition", name).Msg("Condition not met")
		return false
	}
	return ok
}

// ForceReclaim is the administrative override that re-issues ownership: the
// persisted binding is dropped and the machine returns to CLAIMING. It is
// permitted only from RUNNING while the system is not locked.
func (m *Machine) ForceReclaim(ctx context.Context) error {
	if m.deps.Lock.IsSystemLocked() {
		return ErrLocked
	}
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	if state != Running {
		return fmt.Errorf("%w: %s", ErrInvalidTransition, state)
	}
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.CallTimeout)
	defer cancel()
	if err := m.deps.Claim.ClearBinding(callCtx); err != nil {
		return fmt.Errorf("clear binding: %w", err)
	}
	m.deps.Claim.Reset()
	if !m.transition(Running, Claiming, "operator reclaim") {
		return ErrInvalidTransition
	}
	return nil
}

// EnterRecovery forces ERROR_RECOVERY from any state.
func (m *Machine) EnterRecovery(reason string) {
	m.mu.Lock()
	from := m.state
	m.mu.Unlock()
	m.transition(from, ErrorRecovery, reason)
}

// transition moves from -> to only if the machine is still in from.
func (m *Machine) transition(from, to State, reason string) bool {
	m.mu.Lock()
	if m.state != from {
		m.mu.Unlock()
		return false
	}
	now := m.now()
	m.state = to
	m.enteredAt = now
	if to != ErrorRecovery {
		m.lastErr = ""
	}
	m.history = append(m.history, Transition{From: from, To: to, Reason: reason, At: now.UTC()})
	if len(m.history) > historySize {
		m.history = m.history[len(m.history)-historySize:]
	}
	m.mu.Unlock()

	ev := m.log.Info()
	if to == ErrorRecovery {
		ev = m.log.Error()
	}
	ev.Str("from", from.String()).Str("to", to.String()).Str("reason", reason).Msg("State transition")
	return true
}

func (m *Machine) setError(err error) {
	m.mu.Lock()
	m.lastErr = err.Error()
	m.mu.Unlock()
}
