package ids

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/warden/pkg/config"
	"github.com/haasonsaas/warden/pkg/encryption"
	"github.com/haasonsaas/warden/pkg/enforcement"
	"github.com/haasonsaas/warden/pkg/keystore"
	"github.com/haasonsaas/warden/pkg/policy"
	"github.com/haasonsaas/warden/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type stubDetector struct {
	category policy.Category

	mu       sync.Mutex
	observed bool
	desc     string
	err      error
	panics   bool
	calls    int
}

func (d *stubDetector) Category() policy.Category { return d.category }

func (d *stubDetector) Detect(context.Context, time.Time) (bool, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.panics {
		panic("sensor bus fault")
	}
	return d.observed, d.desc, d.err
}

func (d *stubDetector) set(observed bool, desc string) {
	d.mu.Lock()
	d.observed, d.desc = observed, desc
	d.mu.Unlock()
}

type fakeClock struct {
	mu   sync.Mutex
	wall time.Time
	mono time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wall
}

func (c *fakeClock) Monotonic() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mono
}

func (c *fakeClock) advance(wall, mono time.Duration) {
	c.mu.Lock()
	c.wall = c.wall.Add(wall)
	c.mono += mono
	c.mu.Unlock()
}

type fixture struct {
	ids      *System
	lockdown *enforcement.Lockdown
	storage  *encryption.Manager
	now      time.Time
}

func newFixture(t *testing.T, detectors ...ThreatDetector) *fixture {
	t.Helper()
	m := encryption.NewManager(keystore.NewMemoryKeyStore(), keystore.NewMemoryStore())
	require.NoError(t, m.Init())
	f := &fixture{
		lockdown: enforcement.NewLockdown(zerolog.Nop()),
		storage:  m,
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.ids = New(policy.Default(), f.lockdown, m, Options{Window: time.Minute, MediumEscalation: 3}, zerolog.Nop(), detectors...)
	f.ids.now = func() time.Time { return f.now }
	require.NoError(t, f.ids.StartIntrusionDetection(context.Background()))
	return f
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, Running, f.ids.State())
	require.NoError(t, f.ids.StopIntrusionDetection(context.Background()))
	require.Equal(t, Stopped, f.ids.State())
	require.NoError(t, f.ids.StartIntrusionDetection(context.Background()))
	require.Equal(t, Running, f.ids.State())
}

func TestTick_StoppedRunsNothing(t *testing.T) {
	det := &stubDetector{category: policy.HardwareTamper, observed: true}
	f := newFixture(t, det)
	require.NoError(t, f.ids.StopIntrusionDetection(context.Background()))
	require.NoError(t, f.ids.Tick(context.Background()))
	require.Zero(t, det.calls)
}

func TestTick_LowOnlyRecords(t *testing.T) {
	det := &stubDetector{category: policy.ClaimFailure, observed: true, desc: "bad claim"}
	f := newFixture(t, det)

	require.NoError(t, f.ids.Tick(context.Background()))
	require.False(t, f.ids.IsSystemLocked())
	require.Equal(t, Running, f.ids.State())

	st := f.ids.PrintIDSStatistics()
	require.Equal(t, uint64(1), st.Counters[policy.ClaimFailure])
	require.Equal(t, uint64(1), st.BySeverity["low"])
	require.Len(t, st.Recent, 1)
	require.NotEmpty(t, st.Recent[0].ID)
}

func TestTick_HighLocksAndCannotStop(t *testing.T) {
	det := &stubDetector{category: policy.HardwareTamper, observed: true, desc: "enclosure opened"}
	f := newFixture(t, det)

	err := f.ids.Tick(context.Background())
	var threat *ThreatDetected
	require.ErrorAs(t, err, &threat)
	require.Equal(t, policy.High, threat.Event.Severity)
	require.Equal(t, policy.HardwareTamper, threat.Event.Category)

	require.True(t, f.ids.IsSystemLocked())
	require.Equal(t, Locked, f.ids.State())
	require.ErrorIs(t, f.ids.StopIntrusionDetection(context.Background()), ErrLocked)

	st := f.ids.PrintIDSStatistics()
	require.True(t, st.Locked)
	require.Contains(t, st.LockReason, "enclosure opened")
}

func TestTick_LockedKeepsDetecting(t *testing.T) {
	tamper := &stubDetector{category: policy.HardwareTamper, observed: true}
	f := newFixture(t, tamper)
	require.Error(t, f.ids.Tick(context.Background()))
	require.Error(t, f.ids.Tick(context.Background()))
	require.Equal(t, 2, tamper.calls)
	require.Equal(t, uint64(2), f.ids.PrintIDSStatistics().Counters[policy.HardwareTamper])
}

func TestMedium_EscalatesWithinWindow(t *testing.T) {
	det := &stubDetector{category: policy.TimeManipulation, observed: true, desc: "clock skew"}
	f := newFixture(t, det)
	ctx := context.Background()

	require.NoError(t, f.ids.Tick(ctx))
	f.now = f.now.Add(10 * time.Second)
	require.NoError(t, f.ids.Tick(ctx))
	require.False(t, f.ids.IsSystemLocked())

	f.now = f.now.Add(10 * time.Second)
	var threat *ThreatDetected
	require.ErrorAs(t, f.ids.Tick(ctx), &threat)
	require.True(t, threat.Event.Escalated)
	require.Equal(t, policy.High, threat.Event.Severity)
	require.True(t, f.ids.IsSystemLocked())

	st := f.ids.PrintIDSStatistics()
	require.Equal(t, uint64(1), st.Escalations)
	require.Equal(t, uint64(3), st.BySeverity["medium"])
	require.Equal(t, uint64(1), st.BySeverity["high"])
}

func TestMedium_OutsideWindowDoesNotEscalate(t *testing.T) {
	det := &stubDetector{category: policy.TimeManipulation, observed: true}
	f := newFixture(t, det)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, f.ids.Tick(ctx))
		f.now = f.now.Add(40 * time.Second)
	}
	require.False(t, f.ids.IsSystemLocked())
}

func TestMedium_CategoriesCountSeparately(t *testing.T) {
	a := &stubDetector{category: policy.TimeManipulation, observed: true}
	b := &stubDetector{category: policy.UnauthorizedAccess}
	f := newFixture(t, a, b)
	ctx := context.Background()

	require.NoError(t, f.ids.Tick(ctx))
	a.set(false, "")
	b.set(true, "scan")
	require.NoError(t, f.ids.Tick(ctx))
	require.NoError(t, f.ids.Tick(ctx))
	require.False(t, f.ids.IsSystemLocked())
}

func TestPolicy_OverridesSeverity(t *testing.T) {
	det := &stubDetector{category: policy.ClaimFailure, observed: true}
	f := newFixture(t, det)
	pol, err := policy.FromConfig([]config.SeverityRule{{Category: string(policy.ClaimFailure), Severity: "high"}})
	require.NoError(t, err)
	f.ids.policy = pol

	require.Error(t, f.ids.Tick(context.Background()))
	require.True(t, f.ids.IsSystemLocked())
}

func TestTick_DetectorErrorsAndPanicsAreContained(t *testing.T) {
	failing := &stubDetector{category: policy.HardwareTamper, err: errors.New("i2c timeout")}
	panicking := &stubDetector{category: policy.MemoryCorruption, panics: true}
	ok := &stubDetector{category: policy.ClaimFailure, observed: true}
	f := newFixture(t, failing, panicking, ok)

	require.NoError(t, f.ids.Tick(context.Background()))
	st := f.ids.PrintIDSStatistics()
	require.Equal(t, uint64(2), st.DetectorErrors)
	require.Equal(t, uint64(1), st.Counters[policy.ClaimFailure])
	require.False(t, st.Locked)
}

func TestClaimFailuresRaiseMediumBruteForce(t *testing.T) {
	bf := NewBruteForceDetector(3, time.Minute)
	f := newFixture(t, bf)

	for i := 0; i < 3; i++ {
		f.ids.ReportSuspiciousActivity(policy.ClaimFailure, "claim signature mismatch", policy.Low)
		f.now = f.now.Add(time.Second)
	}
	require.NoError(t, f.ids.Tick(context.Background()))

	st := f.ids.PrintIDSStatistics()
	require.Equal(t, uint64(3), st.Counters[policy.ClaimFailure])
	require.Equal(t, uint64(1), st.Counters[policy.BruteForce])
	require.Equal(t, uint64(1), st.BySeverity["medium"])
	require.False(t, st.Locked)
}

func TestReportSuspiciousActivity_HighLocks(t *testing.T) {
	f := newFixture(t)
	f.ids.ReportSuspiciousActivity(policy.HardwareTamper, "voltage glitch", policy.High)
	require.True(t, f.ids.IsSystemLocked())
	require.Equal(t, Locked, f.ids.State())
}

func TestAdministrativeClearKeepsMonitorLocked(t *testing.T) {
	f := newFixture(t)
	f.ids.ReportSuspiciousActivity(policy.DebugInterface, "jtag", policy.High)
	require.NoError(t, f.lockdown.Clear("ops@example.com"))

	require.False(t, f.ids.IsSystemLocked())
	require.Equal(t, Locked, f.ids.State())
}

func TestRecordAccessAndAuthFailure(t *testing.T) {
	access := NewAccessMonitor([]string{"/v1/"})
	bf := NewBruteForceDetector(2, time.Minute)
	f := newFixture(t, access, bf)
	ctx := context.Background()

	f.ids.RecordAccess("/v1/status")
	require.NoError(t, f.ids.Tick(ctx))
	require.Zero(t, f.ids.PrintIDSStatistics().Counters[policy.UnauthorizedAccess])

	f.ids.RecordAccess("/admin.php")
	f.ids.RecordAuthFailure("/v1/admin/reclaim")
	f.ids.RecordAuthFailure("/v1/admin/reclaim")
	require.NoError(t, f.ids.Tick(ctx))

	st := f.ids.PrintIDSStatistics()
	require.Equal(t, uint64(1), st.Counters[policy.UnauthorizedAccess])
	require.Equal(t, uint64(1), st.Counters[policy.BruteForce])
}

func TestStatisticsSurviveRestartWithoutLock(t *testing.T) {
	det := &stubDetector{category: policy.HardwareTamper, observed: true}
	f := newFixture(t, det)
	require.Error(t, f.ids.Tick(context.Background()))

	restarted := New(policy.Default(), enforcement.NewLockdown(zerolog.Nop()), f.storage, Options{}, zerolog.Nop())
	require.NoError(t, restarted.StartIntrusionDetection(context.Background()))

	st := restarted.PrintIDSStatistics()
	require.Equal(t, uint64(1), st.Counters[policy.HardwareTamper])
	require.Equal(t, uint64(1), st.TotalEvents)
	require.False(t, st.Locked)
	require.Equal(t, "RUNNING", st.State)
}

func TestPrintIDSStatisticsDoesNotMutate(t *testing.T) {
	f := newFixture(t)
	f.ids.ReportSuspiciousActivity(policy.ClaimFailure, "x", policy.Low)
	a := f.ids.PrintIDSStatistics()
	b := f.ids.PrintIDSStatistics()
	require.Equal(t, a, b)
}

func TestTick_RejectsReentry(t *testing.T) {
	f := newFixture(t)
	f.ids.tickMu.Lock()
	require.ErrorIs(t, f.ids.Tick(context.Background()), ErrTickInProgress)
	f.ids.tickMu.Unlock()
}

func TestRun_StopsWithContext(t *testing.T) {
	det := &stubDetector{category: policy.ClaimFailure}
	f := newFixture(t, det)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.ids.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool {
		det.mu.Lock()
		defer det.mu.Unlock()
		return det.calls >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestTick_RecordsThreatSpanEvents(t *testing.T) {
	provider, rec := telemetry.NewTestProvider()
	det := &stubDetector{category: policy.ClaimFailure, observed: true}
	f := newFixture(t, det)
	f.ids.tracer = provider.Tracer("test")

	require.NoError(t, f.ids.Tick(context.Background()))
	require.NoError(t, f.ids.Tick(context.Background()))
	require.Equal(t, 2, rec.EventCount("ids.tick", "threat"))
}

// stuckInterface blocks in Disable until released.
type stuckInterface struct {
	entered chan struct{}
	release chan struct{}
}

func (s *stuckInterface) Name() string { return "stuck-radio" }

func (s *stuckInterface) Disable() error {
	close(s.entered)
	<-s.release
	return nil
}

func (s *stuckInterface) Enable() error { return nil }

func TestSlowInterfaceDoesNotBlockStatistics(t *testing.T) {
	f := newFixture(t)
	iface := &stuckInterface{entered: make(chan struct{}), release: make(chan struct{})}
	f.lockdown.Register(iface)

	reported := make(chan struct{})
	go func() {
		defer close(reported)
		f.ids.ReportSuspiciousActivity(policy.HardwareTamper, "case opened", policy.High)
	}()
	<-iface.entered

	stats := make(chan Statistics, 1)
	go func() { stats <- f.ids.PrintIDSStatistics() }()
	select {
	case st := <-stats:
		require.Equal(t, Locked.String(), st.State)
		require.Equal(t, uint64(1), st.TotalEvents)
	case <-time.After(time.Second):
		t.Fatal("statistics blocked behind interface shutdown")
	}
	require.Equal(t, Locked, f.ids.State())

	close(iface.release)
	<-reported
	require.True(t, f.ids.IsSystemLocked())
}
