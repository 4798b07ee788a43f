// Package ids is the runtime intrusion detection system. It polls a set of
// independent threat detectors, classifies what they observe by policy and
// escalates to lockdown.
//
// Responses by severity:
//
//	LOW     record only
//	MEDIUM  count per category; the Nth occurrence inside the rolling window
//	        is handled as HIGH
//	HIGH    engage lockdown; the monitor enters LOCKED for the boot cycle
//
// The IDS can engage lockdown but never clear it.
package ids

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/warden/pkg/encryption"
	"github.com/haasonsaas/warden/pkg/enforcement"
	"github.com/haasonsaas/warden/pkg/policy"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	statsContext = "ids"
	statsKey     = "statistics"
	recentEvents = 32
)

var (
	// ErrLocked is returned by StopIntrusionDetection once the monitor is LOCKED.
	ErrLocked = errors.New("ids: monitor locked")
	// ErrTickInProgress is returned when Tick is called re-entrantly.
	ErrTickInProgress = errors.New("ids: tick already in progress")
)

type State int

const (
	Stopped State = iota
	Running
	Locked
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Running:
		return "RUNNING"
	case Locked:
		return "LOCKED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type ThreatEvent struct {
	ID          string          `json:"id"`
	Category    policy.Category `json:"category"`
	Severity    policy.Severity `json:"severity"`
	Description string          `json:"description"`
	Timestamp   time.Time       `json:"timestamp"`
	Escalated   bool            `json:"escalated,omitempty"`
}

// ThreatDetected is returned from Tick when a HIGH response fired.
type ThreatDetected struct {
	Event ThreatEvent
}

func (e *ThreatDetected) Error() string {
	return fmt.Sprintf("ids: %s threat %s: %s", e.Event.Severity, e.Event.Category, e.Event.Description)
}

// SecureStorage persists statistics across resets.
type SecureStorage interface {
	StoreSecureData(ctx context.Context, key string, data []byte, scope string) error
	RetrieveSecureData(ctx context.Context, key, scope string) ([]byte, error)
}

type Statistics struct {
	State          string                     `json:"state"`
	Counters       map[policy.Category]uint64 `json:"counters"`
	BySeverity     map[string]uint64          `json:"by_severity"`
	TotalEvents    uint64                     `json:"total_events"`
	Escalations    uint64                     `json:"escalations"`
	Ticks          uint64                     `json:"ticks"`
	DetectorErrors uint64                     `json:"detector_errors"`
	Locked         bool                       `json:"locked"`
	LockReason     string                     `json:"lock_reason,omitempty"`
	LockedAt       time.Time                  `json:"locked_at,omitempty"`
	Recent         []ThreatEvent              `json:"recent,omitempty"`
}

// persisted is the subset of Statistics that survives a reset. The lock flag
// is not part of it.
type persisted struct {
	Counters    map[policy.Category]uint64 `json:"counters"`
	BySeverity  map[string]uint64          `json:"by_severity"`
	TotalEvents uint64                     `json:"total_events"`
	Escalations uint64                     `json:"escalations"`
}

type Options struct {
	Window           time.Duration
	MediumEscalation int
}

type System struct {
	detectors []ThreatDetector
	policy    *policy.Policy
	lockdown  enforcement.Engager
	storage   SecureStorage
	opts      Options
	log       zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	newID     func() string

	bruteForce *BruteForceDetector
	access     *AccessMonitor

	tickMu sync.Mutex

	mu         sync.Mutex
	state      State
	restored   bool
	dirty      bool
	counters   map[policy.Category]uint64
	bySeverity map[string]uint64
	total      uint64
	escalated  uint64
	ticks      uint64
	detErrors  uint64
	lockReason string
	lockedAt   time.Time
	medium     map[policy.Category][]time.Time
	recent     []ThreatEvent
}

// New builds a stopped monitor. The brute-force detector and access monitor,
// when given, also receive reports routed through ReportSuspiciousActivity and
// RecordAccess.
func New(pol *policy.Policy, lockdown enforcement.Engager, storage SecureStorage, opts Options, logger zerolog.Logger, detectors ...ThreatDetector) *System {
	if opts.Window <= 0 {
		opts.Window = 5 * time.Minute
	}
	if opts.MediumEscalation <= 0 {
		opts.MediumEscalation = 3
	}
	s := &System{
		detectors:  detectors,
		policy:     pol,
		lockdown:   lockdown,
		storage:    storage,
		opts:       opts,
		log:        logger,
		tracer:     otel.Tracer("github.com/haasonsaas/warden/pkg/ids"),
		now:        time.Now,
		newID:      uuid.NewString,
		counters:   make(map[policy.Category]uint64),
		bySeverity: make(map[string]uint64),
		medium:     make(map[policy.Category][]time.Time),
	}
	for _, d := range detectors {
		switch det := d.(type) {
		case *BruteForceDetector:
			s.bruteForce = det
		case *AccessMonitor:
			s.access = det
		}
	}
	return s
}

// StartIntrusionDetection moves STOPPED to RUNNING and restores persisted
// statistics on first start.
func (s *System) StartIntrusionDetection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.restored {
		s.restore(ctx)
		s.restored = true
	}
	if s.state == Stopped {
		s.state = Running
		s.log.Info().Int("detectors", len(s.detectors)).Msg("Intrusion detection started")
	}
	return nil
}

// StopIntrusionDetection moves RUNNING to STOPPED. A LOCKED monitor cannot be
// stopped.
func (s *System) StopIntrusionDetection(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Locked {
		s.mu.Unlock()
		return ErrLocked
	}
	s.state = Stopped
	s.mu.Unlock()
	s.log.Info().Msg("Intrusion detection stopped")
	return s.persist(ctx)
}

func (s *System) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsSystemLocked reads the shared lockdown flag.
func (s *System) IsSystemLocked() bool {
	return s.lockdown.IsSystemLocked()
}

// Run ticks every interval until ctx is cancelled.
func (s *System) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := s.persist(context.Background()); err != nil {
				s.log.Warn().Err(err).Msg("Failed persisting IDS statistics on shutdown")
			}
			return
		case <-ticker.C:
			var threat *ThreatDetected
			if err := s.Tick(ctx); err != nil && !errors.As(err, &threat) && !errors.Is(err, ErrTickInProgress) {
				s.log.Warn().Err(err).Msg("IDS tick failed")
			}
		}
	}
}

// Tick runs every detector once. Detectors run concurrently; a panicking
// detector is recorded as a detector error. The returned error is a
// *ThreatDetected when a HIGH response fired during this tick.
func (s *System) Tick(ctx context.Context) error {
	if !s.tickMu.TryLock() {
		return ErrTickInProgress
	}
	defer s.tickMu.Unlock()

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == Stopped {
		return nil
	}

	ctx, span := s.tracer.Start(ctx, "ids.tick")
	defer span.End()

	now := s.now()
	findings := s.runDetectors(ctx, now)

	s.mu.Lock()
	s.ticks++
	var high *ThreatEvent
	for _, f := range findings {
		if f.err != nil {
			s.detErrors++
			s.log.Warn().Err(f.err).Str("detector", string(f.category)).Msg("Detector failed")
			continue
		}
		if !f.observed {
			continue
		}
		sev := s.policy.SeverityFor(f.category)
		if ev := s.handle(ctx, s.newEvent(f.category, sev, f.description, now)); ev != nil && high == nil {
			high = ev
		}
	}
	s.mu.Unlock()
	s.engage(high)

	if err := s.persist(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Failed persisting IDS statistics")
	}
	if high != nil {
		return &ThreatDetected{Event: *high}
	}
	return nil
}

type finding struct {
	category    policy.Category
	observed    bool
	description string
	err         error
}

func (s *System) runDetectors(ctx context.Context, now time.Time) []finding {
	findings := make([]finding, len(s.detectors))
	var wg sync.WaitGroup
	for i, d := range s.detectors {
		wg.Add(1)
		go func(i int, d ThreatDetector) {
			defer wg.Done()
			findings[i].category = d.Category()
			defer func() {
				if r := recover(); r != nil {
					findings[i].err = fmt.Errorf("panic: %v", r)
				}
			}()
			obs, desc, err := d.Detect(ctx, now)
			findings[i].observed, findings[i].description, findings[i].err = obs, desc, err
		}(i, d)
	}
	wg.Wait()
	return findings
}

// ReportSuspiciousActivity is the injection point for other components.
// Claim failures also feed the brute-force detector.
func (s *System) ReportSuspiciousActivity(category policy.Category, description string, severity policy.Severity) {
	now := s.now()
	if category == policy.ClaimFailure && s.bruteForce != nil {
		s.bruteForce.RecordFailure(now)
	}
	s.mu.Lock()
	high := s.handle(context.Background(), s.newEvent(category, severity, description, now))
	s.mu.Unlock()
	s.engage(high)
}

// RecordAccess hands a request path to the unauthorized access monitor.
func (s *System) RecordAccess(path string) {
	if s.access != nil {
		s.access.RecordAccess(path)
	}
}

// RecordAuthFailure counts a failed authentication towards brute force and
// flags it as unauthorized access.
func (s *System) RecordAuthFailure(path string) {
	if s.bruteForce != nil {
		s.bruteForce.RecordFailure(s.now())
	}
	if s.access != nil {
		s.access.RecordDenied(path)
	}
}

func (s *System) newEvent(category policy.Category, severity policy.Severity, description string, at time.Time) ThreatEvent {
	return ThreatEvent{
		ID:          s.newID(),
		Category:    category,
		Severity:    severity,
		Description: description,
		Timestamp:   at.UTC(),
	}
}

// handle dispatches by severity. It returns the HIGH event that engaged a
// response, if any. Callers hold mu.
func (s *System) handle(ctx context.Context, ev ThreatEvent) *ThreatEvent {
	s.record(ctx, ev)
	switch ev.Severity {
	case policy.High:
		return s.handleHighSeverityThreat(ev)
	case policy.Medium:
		return s.handleMediumSeverityThreat(ctx, ev)
	default:
		s.handleLowSeverityThreat(ev)
		return nil
	}
}

func (s *System) record(ctx context.Context, ev ThreatEvent) {
	s.counters[ev.Category]++
	s.bySeverity[ev.Severity.String()]++
	s.total++
	s.dirty = true
	s.recent = append(s.recent, ev)
	if len(s.recent) > recentEvents {
		s.recent = s.recent[len(s.recent)-recentEvents:]
	}
	trace.SpanFromContext(ctx).AddEvent("threat", trace.WithAttributes(
		attribute.String("threat.id", ev.ID),
		attribute.String("threat.category", string(ev.Category)),
		attribute.String("threat.severity", ev.Severity.String()),
	))
}

func (s *System) handleHighSeverityThreat(ev ThreatEvent) *ThreatEvent {
	s.log.Error().
		Str("event_id", ev.ID).
		Str("category", string(ev.Category)).
		Bool("escalated", ev.Escalated).
		Str("description", ev.Description).
		Msg("High severity threat")
	s.lockdownSystem(ev)
	return &ev
}

// handleMediumSeverityThreat counts the event in its category's rolling
// window and escalates on the MediumEscalation-th occurrence.
func (s *System) handleMediumSeverityThreat(ctx context.Context, ev ThreatEvent) *ThreatEvent {
	cutoff := ev.Timestamp.Add(-s.opts.Window)
	seen := s.medium[ev.Category][:0]
	for _, t := range s.medium[ev.Category] {
		if t.After(cutoff) {
			seen = append(seen, t)
		}
	}
	seen = append(seen, ev.Timestamp)
	s.medium[ev.Category] = seen

	s.log.Warn().
		Str("event_id", ev.ID).
		Str("category", string(ev.Category)).
		Int("occurrences", len(seen)).
		Int("threshold", s.opts.MediumEscalation).
		Str("description", ev.Description).
		Msg("Medium severity threat")

	if len(seen) < s.opts.MediumEscalation {
		return nil
	}
	delete(s.medium, ev.Category)
	s.escalated++
	escalated := s.newEvent(ev.Category, policy.High,
		fmt.Sprintf("%d %s events within %s: %s", len(seen), ev.Category, s.opts.Window, ev.Description), ev.Timestamp)
	escalated.Escalated = true
	s.record(ctx, escalated)
	return s.handleHighSeverityThreat(escalated)
}

func (s *System) handleLowSeverityThreat(ev ThreatEvent) {
	s.log.Info().
		Str("event_id", ev.ID).
		Str("category", string(ev.Category)).
		Str("description", ev.Description).
		Msg("Low severity threat")
}

// lockdownSystem moves the monitor to LOCKED. Callers hold mu and pass the
// returned HIGH event to engage once mu is released, since switching off
// interfaces can block.
func (s *System) lockdownSystem(ev ThreatEvent) {
	if s.state != Locked {
		s.state = Locked
		s.lockReason = lockReason(ev)
		s.lockedAt = ev.Timestamp
	}
}

// engage engages lockdown for a HIGH event. Callers must not hold mu.
func (s *System) engage(ev *ThreatEvent) {
	if ev == nil {
		return
	}
	s.lockdown.Engage(lockReason(*ev))
}

func lockReason(ev ThreatEvent) string {
	return fmt.Sprintf("%s: %s", ev.Category, ev.Description)
}

// PrintIDSStatistics logs the current counters and returns a snapshot. It
// never changes state.
func (s *System) PrintIDSStatistics() Statistics {
	st := s.snapshot()
	s.log.Info().
		Str("state", st.State).
		Uint64("total_events", st.TotalEvents).
		Uint64("escalations", st.Escalations).
		Uint64("ticks", st.Ticks).
		Uint64("detector_errors", st.DetectorErrors).
		Bool("locked", st.Locked).
		Str("lock_reason", st.LockReason).
		Interface("counters", st.Counters).
		Msg("IDS statistics")
	return st
}

func (s *System) snapshot() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Statistics{
		State:          s.state.String(),
		Counters:       make(map[policy.Category]uint64, len(s.counters)),
		BySeverity:     make(map[string]uint64, len(s.bySeverity)),
		TotalEvents:    s.total,
		Escalations:    s.escalated,
		Ticks:          s.ticks,
		DetectorErrors: s.detErrors,
		Locked:         s.lockdown.IsSystemLocked(),
		LockReason:     s.lockReason,
		LockedAt:       s.lockedAt,
		Recent:         append([]ThreatEvent(nil), s.recent...),
	}
	for k, v := range s.counters {
		st.Counters[k] = v
	}
	for k, v := range s.bySeverity {
		st.BySeverity[k] = v
	}
	return st
}

func (s *System) persist(ctx context.Context) error {
	if s.storage == nil {
		return nil
	}
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	p := persisted{
		Counters:    make(map[policy.Category]uint64, len(s.counters)),
		BySeverity:  make(map[string]uint64, len(s.bySeverity)),
		TotalEvents: s.total,
		Escalations: s.escalated,
	}
	for k, v := range s.counters {
		p.Counters[k] = v
	}
	for k, v := range s.bySeverity {
		p.BySeverity[k] = v
	}
	s.dirty = false
	s.mu.Unlock()

	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.storage.StoreSecureData(ctx, statsKey, raw, statsContext); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return err
	}
	return nil
}

// restore loads persisted counters. Callers hold mu.
func (s *System) restore(ctx context.Context) {
	if s.storage == nil {
		return
	}
	raw, err := s.storage.RetrieveSecureData(ctx, statsKey, statsContext)
	if errors.Is(err, encryption.ErrNotFound) {
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed loading IDS statistics")
		return
	}
	var p persisted
	if err := json.Unmarshal(raw, &p); err != nil {
		s.log.Warn().Err(err).Msg("Discarding unreadable IDS statistics")
		return
	}
	for k, v := range p.Counters {
		s.counters[k] += v
	}
	for k, v := range p.BySeverity {
		s.bySeverity[k] += v
	}
	s.total += p.TotalEvents
	s.escalated += p.Escalations
}
