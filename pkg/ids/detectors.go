package ids

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/warden/pkg/policy"
)

// ThreatDetector is one independent check. Detect reports whether a threat
// was observed at now; an error means the check could not run.
type ThreatDetector interface {
	Category() policy.Category
	Detect(ctx context.Context, now time.Time) (bool, string, error)
}

// BruteForceDetector fires when Threshold failures land inside Window. The
// failures that triggered it are cleared so one burst yields one event.
type BruteForceDetector struct {
	Threshold int
	Window    time.Duration

	mu       sync.Mutex
	failures []time.Time
}

func NewBruteForceDetector(threshold int, window time.Duration) *BruteForceDetector {
	if threshold <= 0 {
		threshold = 3
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &BruteForceDetector{Threshold: threshold, Window: window}
}

func (d *BruteForceDetector) Category() policy.Category { return policy.BruteForce }

func (d *BruteForceDetector) RecordFailure(at time.Time) {
	d.mu.Lock()
	d.failures = append(d.failures, at)
	d.mu.Unlock()
}

func (d *BruteForceDetector) Detect(_ context.Context, now time.Time) (bool, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := now.Add(-d.Window)
	kept := d.failures[:0]
	for _, t := range d.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	d.failures = kept
	if len(kept) < d.Threshold {
		return false, "", nil
	}
	n := len(kept)
	d.failures = nil
	return true, fmt.Sprintf("%d failed authentication attempts within %s", n, d.Window), nil
}

// MemoryGuard watches a random canary and any regions registered with
// Protect. A violation is reported once per region.
type MemoryGuard struct {
	mu       sync.Mutex
	canary   []byte
	expected [sha256.Size]byte
	regions  map[string]*region
	tripped  map[string]bool
}

type region struct {
	data []byte
	sum  [sha256.Size]byte
}

func NewMemoryGuard() (*MemoryGuard, error) {
	canary := make([]byte, 32)
	if _, err := rand.Read(canary); err != nil {
		return nil, fmt.Errorf("ids: canary: %w", err)
	}
	return &MemoryGuard{
		canary:   canary,
		expected: sha256.Sum256(canary),
		regions:  make(map[string]*region),
		tripped:  make(map[string]bool),
	}, nil
}

func (g *MemoryGuard) Category() policy.Category { return policy.MemoryCorruption }

// Protect records the checksum of data. The slice is watched in place, so
// the caller must not modify it afterwards.
func (g *MemoryGuard) Protect(name string, data []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.regions[name] = &region{data: data, sum: sha256.Sum256(data)}
	delete(g.tripped, name)
}

func (g *MemoryGuard) Unprotect(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.regions, name)
	delete(g.tripped, name)
}

func (g *MemoryGuard) Detect(_ context.Context, _ time.Time) (bool, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var broken []string
	if sum := sha256.Sum256(g.canary); subtle.ConstantTimeCompare(sum[:], g.expected[:]) != 1 && !g.tripped["canary"] {
		g.tripped["canary"] = true
		broken = append(broken, "canary")
	}
	for name, r := range g.regions {
		if g.tripped[name] {
			continue
		}
		if sum := sha256.Sum256(r.data); subtle.ConstantTimeCompare(sum[:], r.sum[:]) != 1 {
			g.tripped[name] = true
			broken = append(broken, name)
		}
	}
	if len(broken) == 0 {
		return false, "", nil
	}
	sort.Strings(broken)
	return true, "checksum mismatch: " + strings.Join(broken, ", "), nil
}

// Reading is a snapshot of the tamper-relevant sensors. Absent sensors leave
// their Has flag false.
type Reading struct {
	VoltageMV       int
	HasVoltage      bool
	TemperatureC    int
	HasTemperature  bool
	ClockDriftPPM   int
	HasClockDrift   bool
	EnclosureOpened bool
}

type Sensors interface {
	Read(ctx context.Context) (Reading, error)
}

type SensorBounds struct {
	VoltageMinMV   int
	VoltageMaxMV   int
	TemperatureMax int
	ClockDriftPPM  int
}

type HardwareTamperDetector struct {
	sensors Sensors
	bounds  SensorBounds
}

func NewHardwareTamperDetector(sensors Sensors, bounds SensorBounds) *HardwareTamperDetector {
	return &HardwareTamperDetector{sensors: sensors, bounds: bounds}
}

func (d *HardwareTamperDetector) Category() policy.Category { return policy.HardwareTamper }

func (d *HardwareTamperDetector) Detect(ctx context.Context, _ time.Time) (bool, string, error) {
	r, err := d.sensors.Read(ctx)
	if err != nil {
		return false, "", err
	}
	var anomalies []string
	b := d.bounds
	if r.EnclosureOpened {
		anomalies = append(anomalies, "enclosure opened")
	}
	if r.HasVoltage && b.VoltageMaxMV > 0 && (r.VoltageMV < b.VoltageMinMV || r.VoltageMV > b.VoltageMaxMV) {
		anomalies = append(anomalies, fmt.Sprintf("voltage %dmV outside %d..%dmV", r.VoltageMV, b.VoltageMinMV, b.VoltageMaxMV))
	}
	if r.HasTemperature && b.TemperatureMax > 0 && r.TemperatureC > b.TemperatureMax {
		anomalies = append(anomalies, fmt.Sprintf("temperature %dC above %dC", r.TemperatureC, b.TemperatureMax))
	}
	if r.HasClockDrift && b.ClockDriftPPM > 0 {
		drift := r.ClockDriftPPM
		if drift < 0 {
			drift = -drift
		}
		if drift > b.ClockDriftPPM {
			anomalies = append(anomalies, fmt.Sprintf("clock drift %dppm above %dppm", r.ClockDriftPPM, b.ClockDriftPPM))
		}
	}
	if len(anomalies) == 0 {
		return false, "", nil
	}
	return true, strings.Join(anomalies, "; "), nil
}

// AccessMonitor flags request paths outside the allowed prefixes and
// requests that failed authorization. Pending observations are drained on
// every Detect.
type AccessMonitor struct {
	allowed []string

	mu      sync.Mutex
	pending []string
}

func NewAccessMonitor(allowed []string) *AccessMonitor {
	return &AccessMonitor{allowed: append([]string(nil), allowed...)}
}

func (m *AccessMonitor) Category() policy.Category { return policy.UnauthorizedAccess }

func (m *AccessMonitor) Allowed(path string) bool {
	for _, prefix := range m.allowed {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (m *AccessMonitor) RecordAccess(path string) {
	if m.Allowed(path) {
		return
	}
	m.push("access outside expected paths: " + path)
}

func (m *AccessMonitor) RecordDenied(path string) {
	m.push("denied request: " + path)
}

func (m *AccessMonitor) push(msg string) {
	m.mu.Lock()
	m.pending = append(m.pending, msg)
	m.mu.Unlock()
}

func (m *AccessMonitor) Detect(_ context.Context, _ time.Time) (bool, string, error) {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()
	if len(pending) == 0 {
		return false, "", nil
	}
	desc := pending[0]
	if len(pending) > 1 {
		desc = fmt.Sprintf("%s (+%d more)", desc, len(pending)-1)
	}
	return true, desc, nil
}

// DebugProbe reports whether a debugger can attach. boot.Platform satisfies it.
type DebugProbe interface {
	DebugInterfaceEnabled(ctx context.Context) (bool, error)
}

type DebugInterfaceDetector struct {
	probe DebugProbe
}

func NewDebugInterfaceDetector(probe DebugProbe) *DebugInterfaceDetector {
	return &DebugInterfaceDetector{probe: probe}
}

func (d *DebugInterfaceDetector) Category() policy.Category { return policy.DebugInterface }

func (d *DebugInterfaceDetector) Detect(ctx context.Context, _ time.Time) (bool, string, error) {
	enabled, err := d.probe.DebugInterfaceEnabled(ctx)
	if err != nil {
		return false, "", err
	}
	if !enabled {
		return false, "", nil
	}
	return true, "debug interface accessible", nil
}

// Clock exposes wall and monotonic readings. Monotonic must never decrease.
type Clock interface {
	Now() time.Time
	Monotonic() time.Duration
}

// TimeManipulationDetector compares wall clock progress against monotonic
// progress between ticks. A wall clock that regresses by more than
// BackwardTolerance, or jumps forward by more than ForwardJumpMax beyond the
// monotonic advance, is a threat. Forward jumps from below Floor are the
// initial clock sync and are ignored.
type TimeManipulationDetector struct {
	clock             Clock
	BackwardTolerance time.Duration
	ForwardJumpMax    time.Duration
	Floor             time.Time

	mu       sync.Mutex
	primed   bool
	lastWall time.Time
	lastMono time.Duration
}

func NewTimeManipulationDetector(clock Clock, backward, forward time.Duration, floor time.Time) *TimeManipulationDetector {
	return &TimeManipulationDetector{
		clock:             clock,
		BackwardTolerance: backward,
		ForwardJumpMax:    forward,
		Floor:             floor,
	}
}

func (d *TimeManipulationDetector) Category() policy.Category { return policy.TimeManipulation }

func (d *TimeManipulationDetector) Detect(_ context.Context, _ time.Time) (bool, string, error) {
	wall, mono := d.clock.Now(), d.clock.Monotonic()
	d.mu.Lock()
	defer d.mu.Unlock()
	prevWall, prevMono, primed := d.lastWall, d.lastMono, d.primed
	d.lastWall, d.lastMono, d.primed = wall, mono, true
	if !primed {
		return false, "", nil
	}

	skew := wall.Sub(prevWall) - (mono - prevMono)
	switch {
	case skew < -d.BackwardTolerance:
		return true, fmt.Sprintf("wall clock moved backward by %s", (-skew).Round(time.Millisecond)), nil
	case d.ForwardJumpMax > 0 && skew > d.ForwardJumpMax:
		if !d.Floor.IsZero() && prevWall.Before(d.Floor) {
			return false, "", nil
		}
		return true, fmt.Sprintf("wall clock jumped forward by %s", skew.Round(time.Second)), nil
	}
	return false, "", nil
}
