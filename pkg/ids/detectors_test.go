package ids

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestBruteForceDetector(t *testing.T) {
	d := NewBruteForceDetector(3, time.Minute)
	ctx := context.Background()

	d.RecordFailure(t0)
	d.RecordFailure(t0.Add(10 * time.Second))
	observed, _, err := d.Detect(ctx, t0.Add(20*time.Second))
	require.NoError(t, err)
	require.False(t, observed)

	d.RecordFailure(t0.Add(30 * time.Second))
	observed, desc, err := d.Detect(ctx, t0.Add(40*time.Second))
	require.NoError(t, err)
	require.True(t, observed)
	require.Contains(t, desc, "3 failed")

	observed, _, _ = d.Detect(ctx, t0.Add(41*time.Second))
	require.False(t, observed, "a burst is reported once")
}

func TestBruteForceDetector_OldFailuresExpire(t *testing.T) {
	d := NewBruteForceDetector(3, time.Minute)
	d.RecordFailure(t0)
	d.RecordFailure(t0.Add(time.Second))
	d.RecordFailure(t0.Add(70 * time.Second))
	observed, _, _ := d.Detect(context.Background(), t0.Add(75*time.Second))
	require.False(t, observed)
}

func TestMemoryGuard(t *testing.T) {
	g, err := NewMemoryGuard()
	require.NoError(t, err)
	ctx := context.Background()

	secret := []byte("binding-table")
	g.Protect("binding", secret)
	observed, _, err := g.Detect(ctx, t0)
	require.NoError(t, err)
	require.False(t, observed)

	secret[0] ^= 0xff
	observed, desc, err := g.Detect(ctx, t0)
	require.NoError(t, err)
	require.True(t, observed)
	require.Contains(t, desc, "binding")

	observed, _, _ = g.Detect(ctx, t0)
	require.False(t, observed, "a broken region is reported once")

	g.canary[3] ^= 0x01
	observed, desc, _ = g.Detect(ctx, t0)
	require.True(t, observed)
	require.Contains(t, desc, "canary")
}

type staticSensors struct {
	r   Reading
	err error
}

func (s staticSensors) Read(context.Context) (Reading, error) { return s.r, s.err }

func TestHardwareTamperDetector(t *testing.T) {
	bounds := SensorBounds{VoltageMinMV: 3000, VoltageMaxMV: 3600, TemperatureMax: 85, ClockDriftPPM: 500}
	tests := []struct {
		name    string
		reading Reading
		want    bool
	}{
		{name: "nominal", reading: Reading{VoltageMV: 3300, HasVoltage: true, TemperatureC: 40, HasTemperature: true}},
		{name: "no sensors"},
		{name: "brownout", reading: Reading{VoltageMV: 2400, HasVoltage: true}, want: true},
		{name: "overvoltage", reading: Reading{VoltageMV: 4200, HasVoltage: true}, want: true},
		{name: "overheat", reading: Reading{TemperatureC: 110, HasTemperature: true}, want: true},
		{name: "clock glitch", reading: Reading{ClockDriftPPM: -900, HasClockDrift: true}, want: true},
		{name: "enclosure", reading: Reading{EnclosureOpened: true}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewHardwareTamperDetector(staticSensors{r: tt.reading}, bounds)
			observed, _, err := d.Detect(context.Background(), t0)
			require.NoError(t, err)
			require.Equal(t, tt.want, observed)
		})
	}

	d := NewHardwareTamperDetector(staticSensors{err: errors.New("bus error")}, bounds)
	_, _, err := d.Detect(context.Background(), t0)
	require.Error(t, err)
}

func TestAccessMonitor(t *testing.T) {
	m := NewAccessMonitor([]string{"/v1/"})
	ctx := context.Background()

	m.RecordAccess("/v1/health")
	observed, _, _ := m.Detect(ctx, t0)
	require.False(t, observed)

	m.RecordAccess("/.env")
	m.RecordDenied("/v1/admin/reclaim")
	observed, desc, _ := m.Detect(ctx, t0)
	require.True(t, observed)
	require.Contains(t, desc, "/.env")
	require.Contains(t, desc, "+1 more")

	observed, _, _ = m.Detect(ctx, t0)
	require.False(t, observed)
}

type probe struct {
	enabled bool
	err     error
}

func (p probe) DebugInterfaceEnabled(context.Context) (bool, error) { return p.enabled, p.err }

func TestDebugInterfaceDetector(t *testing.T) {
	observed, _, err := NewDebugInterfaceDetector(probe{}).Detect(context.Background(), t0)
	require.NoError(t, err)
	require.False(t, observed)

	observed, _, err = NewDebugInterfaceDetector(probe{enabled: true}).Detect(context.Background(), t0)
	require.NoError(t, err)
	require.True(t, observed)

	_, _, err = NewDebugInterfaceDetector(probe{err: errors.New("procfs")}).Detect(context.Background(), t0)
	require.Error(t, err)
}

func TestTimeManipulationDetector(t *testing.T) {
	clock := &fakeClock{wall: t0}
	d := NewTimeManipulationDetector(clock, 2*time.Second, time.Hour, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()
	detect := func() bool {
		observed, _, err := d.Detect(ctx, t0)
		require.NoError(t, err)
		return observed
	}

	require.False(t, detect(), "first reading primes the detector")

	clock.advance(time.Second, time.Second)
	require.False(t, detect())

	clock.advance(-time.Second, time.Second)
	require.False(t, detect(), "within backward tolerance")

	clock.advance(-10*time.Minute, time.Second)
	require.True(t, detect())

	clock.advance(48*time.Hour, time.Second)
	require.True(t, detect())

	clock.advance(30*time.Minute, time.Second)
	require.False(t, detect(), "below forward jump limit")
}

func TestTimeManipulationDetector_InitialSyncIgnored(t *testing.T) {
	clock := &fakeClock{wall: time.Unix(0, 0).UTC()}
	d := NewTimeManipulationDetector(clock, 2*time.Second, time.Hour, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	_, _, _ = d.Detect(context.Background(), t0)

	clock.advance(time.Since(time.Unix(0, 0)), time.Second)
	observed, _, err := d.Detect(context.Background(), t0)
	require.NoError(t, err)
	require.False(t, observed)
}

func TestSysfsSensors(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "hwmon0")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "in0_input"), []byte("3310\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "temp1_input"), []byte("47500\n"), 0644))
	intrusion := filepath.Join(root, "intrusion")
	require.NoError(t, os.WriteFile(intrusion, []byte("0\n"), 0644))

	s := &SysfsSensors{Root: root, IntrusionPath: intrusion}
	r, err := s.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, Reading{VoltageMV: 3310, HasVoltage: true, TemperatureC: 47, HasTemperature: true}, r)

	require.NoError(t, os.WriteFile(intrusion, []byte("1\n"), 0644))
	r, err = s.Read(context.Background())
	require.NoError(t, err)
	require.True(t, r.EnclosureOpened)
}

func TestSystemClock(t *testing.T) {
	c := NewSystemClock()
	a := c.Monotonic()
	time.Sleep(time.Millisecond)
	require.Greater(t, c.Monotonic(), a)
	require.WithinDuration(t, time.Now(), c.Now(), time.Second)
}
