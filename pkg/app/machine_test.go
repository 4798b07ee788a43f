package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/warden/pkg/boot"
	"github.com/haasonsaas/warden/pkg/encryption"
	"github.com/haasonsaas/warden/pkg/enforcement"
	"github.com/haasonsaas/warden/pkg/ids"
	"github.com/haasonsaas/warden/pkg/keystore"
	"github.com/haasonsaas/warden/pkg/pairing"
	"github.com/haasonsaas/warden/pkg/policy"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

type fakeBoot struct {
	mu        sync.Mutex
	failures  uint32
	max       uint32
	passing   bool
	exhausted func() bool
}

func (b *fakeBoot) PerformBootValidation(context.Context) (boot.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.passing {
		return boot.Result{Validated: true, FailureCount: b.failures}, nil
	}
	b.failures++
	return boot.Result{FailureCount: b.failures}, &boot.ValidationError{Check: boot.CheckFirmwareIntegrity, Err: boot.ErrDigestMismatch}
}

func (b *fakeBoot) RetriesExhausted(context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures >= b.max
}

func (b *fakeBoot) reset() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}

type condition struct {
	mu  sync.Mutex
	ok  bool
	err error
}

func (c *condition) check(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ok, c.err
}

func (c *condition) set(ok bool) {
	c.mu.Lock()
	c.ok = ok
	c.mu.Unlock()
}

type network struct{ condition }

func (n *network) Connected(ctx context.Context) (bool, error) { return n.check(ctx) }

type clock struct{ condition }

func (c *clock) Synchronized(ctx context.Context) (bool, error) { return c.check(ctx) }

type device struct {
	machine  *Machine
	boot     *fakeBoot
	network  *network
	clock    *clock
	bridge   *pairing.Bridge
	claim    *pairing.Protocol
	lockdown *enforcement.Lockdown
	ids      *ids.System
	storage  *encryption.Manager
	now      time.Time
}

func newDevice(t *testing.T, opts Options) *device {
	t.Helper()
	mgr := encryption.NewManager(keystore.NewMemoryKeyStore(), keystore.NewMemoryStore())
	require.NoError(t, mgr.Init())

	d := &device{
		boot:     &fakeBoot{max: 3, passing: true},
		network:  &network{},
		clock:    &clock{},
		bridge:   pairing.NewBridge(),
		lockdown: enforcement.NewLockdown(zerolog.Nop()),
		storage:  mgr,
		now:      time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC),
	}
	d.ids = ids.New(policy.Default(), d.lockdown, mgr, ids.Options{Window: time.Minute, MediumEscalation: 3}, zerolog.Nop(),
		ids.NewBruteForceDetector(3, time.Minute))
	require.NoError(t, d.ids.StartIntrusionDetection(context.Background()))

	d.claim = pairing.NewProtocol("dev-7", d.bridge, mgr, d.ids, pairing.Options{}, zerolog.Nop())
	require.NoError(t, d.claim.ProvisionSecret(context.Background(), secret))
	d.lockdown.Register(d.claim)

	d.machine = New(Deps{Boot: d.boot, Network: d.network, Clock: d.clock, Claim: d.claim, Lock: d.lockdown}, opts, zerolog.Nop())
	d.machine.now = func() time.Time { return d.now }
	return d
}

func (d *device) tick(t *testing.T) State {
	t.Helper()
	s, err := d.machine.Tick(context.Background())
	require.NoError(t, err)
	return s
}

// answer plays the claimant against the currently published challenge.
func (d *device) answer(t *testing.T, key []byte) {
	t.Helper()
	c, ok := d.bridge.Current()
	require.True(t, ok, "no challenge published")
	sig := pairing.ComputeClaimHMAC(key, c.DeviceID, "controller-1", c.Nonce)
	require.NoError(t, d.bridge.Submit(pairing.Response{ChildID: "controller-1", Signature: sig[:]}))
}

func (d *device) driveToRunning(t *testing.T) {
	t.Helper()
	d.network.set(true)
	d.clock.set(true)
	require.Equal(t, WifiOK, d.tick(t))
	require.Equal(t, TimeSynced, d.tick(t))
	require.Equal(t, Claiming, d.tick(t))
	require.Equal(t, Claiming, d.tick(t))
	d.answer(t, secret)
	require.Equal(t, Running, d.tick(t))
}

func visited(m *Machine) []State {
	var out []State
	for _, tr := range m.Snapshot().History {
		out = append(out, tr.To)
	}
	return out
}

func TestHappyPathVisitsStatesInOrder(t *testing.T) {
	d := newDevice(t, Options{})
	require.Equal(t, Boot, d.machine.State())

	require.Equal(t, WifiOK, d.tick(t))
	require.Equal(t, WifiOK, d.tick(t), "waits for network")
	d.network.set(true)
	require.Equal(t, TimeSynced, d.tick(t))
	require.Equal(t, TimeSynced, d.tick(t), "waits for clock")
	d.clock.set(true)
	require.Equal(t, Claiming, d.tick(t))
	require.Equal(t, Claiming, d.tick(t), "issues challenge")
	require.Equal(t, Claiming, d.tick(t), "waits for response")
	d.answer(t, secret)
	require.Equal(t, Running, d.tick(t))
	require.Equal(t, Running, d.tick(t))

	require.Equal(t, []State{WifiOK, TimeSynced, Claiming, Running}, visited(d.machine))

	b, err := d.claim.Binding(context.Background())
	require.NoError(t, err)
	require.Equal(t, "controller-1", b.ChildID)
}

func TestBootFailureRetriesThenRecovery(t *testing.T) {
	d := newDevice(t, Options{RecoveryHold: time.Minute})
	d.boot.passing = false

	require.Equal(t, Boot, d.tick(t))
	require.Equal(t, Boot, d.tick(t))
	require.Equal(t, ErrorRecovery, d.tick(t))
	require.Contains(t, d.machine.Snapshot().LastError, "digest")

	d.now = d.now.Add(2 * time.Minute)
	require.Equal(t, ErrorRecovery, d.tick(t), "retries still exhausted")

	d.boot.reset()
	d.boot.passing = true
	require.Equal(t, Boot, d.tick(t))
	require.Equal(t, WifiOK, d.tick(t))
}

func TestRepeatedClaimRejectionsEnterRecovery(t *testing.T) {
	d := newDevice(t, Options{ClaimMaxRejects: 3})
	d.network.set(true)
	d.clock.set(true)
	d.tick(t)
	d.tick(t)
	require.Equal(t, Claiming, d.tick(t))

	wrong := []byte("not-the-secret-not-the-secret!!")
	for i := 0; i < 3; i++ {
		require.Equal(t, Claiming, d.tick(t))
		d.answer(t, wrong)
		d.tick(t)
	}
	require.Equal(t, ErrorRecovery, d.machine.State())
	require.Equal(t, 3, d.claim.ConsecutiveFailures())
}

func TestThreeFailedClaimsRaiseMediumThreat(t *testing.T) {
	d := newDevice(t, Options{})
	d.network.set(true)
	d.clock.set(true)
	d.tick(t)
	d.tick(t)
	d.tick(t)

	wrong := []byte("not-the-secret-not-the-secret!!")
	for i := 0; i < 3; i++ {
		d.tick(t)
		d.answer(t, wrong)
		d.tick(t)
	}
	require.NoError(t, d.ids.Tick(context.Background()))

	st := d.ids.PrintIDSStatistics()
	require.GreaterOrEqual(t, st.BySeverity["medium"], uint64(1))
	require.Equal(t, uint64(3), st.Counters[policy.ClaimFailure])
	require.False(t, st.Locked)
}

func TestHighThreatForcesRecoveryFromAnyState(t *testing.T) {
	for _, start := range []State{Boot, WifiOK, TimeSynced, Claiming, Running} {
		t.Run(start.String(), func(t *testing.T) {
			d := newDevice(t, Options{})
			d.machine.state = start

			d.ids.ReportSuspiciousActivity(policy.HardwareTamper, "enclosure opened", policy.High)
			require.True(t, d.ids.IsSystemLocked())
			require.Equal(t, ErrorRecovery, d.tick(t))
			require.Equal(t, ErrorRecovery, d.tick(t))
		})
	}
}

func TestLockDisablesClaimProtocol(t *testing.T) {
	d := newDevice(t, Options{})
	d.ids.ReportSuspiciousActivity(policy.DebugInterface, "jtag", policy.High)
	_, err := d.claim.Attempt(context.Background())
	require.ErrorIs(t, err, pairing.ErrDisabled)
}

func TestRecoveryWaitsForClearanceAndHold(t *testing.T) {
	d := newDevice(t, Options{RecoveryHold: 30 * time.Second})
	d.driveToRunning(t)

	d.ids.ReportSuspiciousActivity(policy.MemoryCorruption, "canary", policy.High)
	require.Equal(t, ErrorRecovery, d.tick(t))

	d.now = d.now.Add(time.Hour)
	require.Equal(t, ErrorRecovery, d.tick(t), "still locked")

	require.NoError(t, d.lockdown.Clear("ops"))
	require.Equal(t, ErrorRecovery, d.tick(t), "hold restarts from last locked tick")

	d.now = d.now.Add(31 * time.Second)
	require.Equal(t, Boot, d.tick(t))
	require.Equal(t, WifiOK, d.tick(t))
}

func TestForceReclaim(t *testing.T) {
	d := newDevice(t, Options{})
	require.ErrorIs(t, d.machine.ForceReclaim(context.Background()), ErrInvalidTransition)

	d.driveToRunning(t)
	require.NoError(t, d.machine.ForceReclaim(context.Background()))
	require.Equal(t, Claiming, d.machine.State())

	_, bound, err := d.claim.Bound(context.Background())
	require.NoError(t, err)
	require.False(t, bound)
	require.Equal(t, Claiming, d.tick(t), "issues a fresh challenge")
	_, ok := d.bridge.Current()
	require.True(t, ok)
}

func TestClaimedDeviceStaysClaimedAfterRestart(t *testing.T) {
	d := newDevice(t, Options{})
	d.driveToRunning(t)

	bridge := pairing.NewBridge()
	claim := pairing.NewProtocol("dev-7", bridge, d.storage, d.ids, pairing.Options{}, zerolog.Nop())
	restarted := New(Deps{Boot: d.boot, Network: d.network, Clock: d.clock, Claim: claim, Lock: d.lockdown}, Options{}, zerolog.Nop())

	for i := 0; i < 3; i++ {
		_, err := restarted.Tick(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, Claiming, restarted.State())
	s, err := restarted.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, Running, s)

	_, published := bridge.Current()
	require.False(t, published, "a claimed device must not publish a challenge")
	b, err := claim.Binding(context.Background())
	require.NoError(t, err)
	require.Equal(t, "controller-1", b.ChildID)
}

func TestForceReclaimRefusedWhileLocked(t *testing.T) {
	d := newDevice(t, Options{})
	d.driveToRunning(t)
	d.lockdown.Engage("test")
	require.ErrorIs(t, d.machine.ForceReclaim(context.Background()), ErrLocked)
	require.Equal(t, Running, d.machine.State())
}

func TestCollaboratorErrorFailsConditionOnly(t *testing.T) {
	d := newDevice(t, Options{})
	d.tick(t)
	d.network.mu.Lock()
	d.network.err = errors.New("link down")
	d.network.mu.Unlock()

	require.Equal(t, WifiOK, d.tick(t))
	require.Contains(t, d.machine.Snapshot().LastError, "link down")
}

type slowNetwork struct{}

func (slowNetwork) Connected(ctx context.Context) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func TestCallTimeoutFailsCondition(t *testing.T) {
	d := newDevice(t, Options{CallTimeout: 10 * time.Millisecond})
	d.machine.deps.Network = slowNetwork{}
	d.tick(t)
	require.Equal(t, WifiOK, d.tick(t))
	require.Contains(t, d.machine.Snapshot().LastError, "deadline")
}

func TestTickRejectsReentry(t *testing.T) {
	d := newDevice(t, Options{})
	d.machine.tickMu.Lock()
	_, err := d.machine.Tick(context.Background())
	require.ErrorIs(t, err, ErrTickInProgress)
	d.machine.tickMu.Unlock()
}

func TestEnterRecovery(t *testing.T) {
	d := newDevice(t, Options{})
	d.machine.EnterRecovery("operator request")
	require.Equal(t, ErrorRecovery, d.machine.State())
	d.machine.EnterRecovery("again")
	require.Equal(t, ErrorRecovery, d.machine.State())
}

func TestStateText(t *testing.T) {
	var s State
	require.NoError(t, s.UnmarshalText([]byte("TIME_SYNCED")))
	require.Equal(t, TimeSynced, s)
	require.Error(t, s.UnmarshalText([]byte("HALTED")))
}
