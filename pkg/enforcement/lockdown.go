// Package enforcement carries out lockdown: it holds the process-wide locked
// flag and disables the device's external interfaces when a high-severity
// threat is handled.
package enforcement

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrNotLocked is returned by Clear when there is nothing to clear.
	ErrNotLocked = errors.New("enforcement: system is not locked")
	// ErrOperatorRequired is returned by Clear without an operator identity.
	ErrOperatorRequired = errors.New("enforcement: clearance requires an operator")
)

// Interface is an external surface lockdown can switch off.
type Interface interface {
	Name() string
	Disable() error
	Enable() error
}

// Engager is the narrow view handed to the intrusion detection system. It can
// lock the system but has no way to unlock it.
type Engager interface {
	Engage(reason string) bool
	IsSystemLocked() bool
}

type Status struct {
	Locked    bool      `json:"locked"`
	Reason    string    `json:"reason,omitempty"`
	Since     time.Time `json:"since,omitempty"`
	Disabled  []string  `json:"disabled,omitempty"`
	ClearedBy string    `json:"cleared_by,omitempty"`
	ClearedAt time.Time `json:"cleared_at,omitempty"`
}

// Lockdown guards the locked flag with a single mutex. Readers on the state
// machine tick and writers on the IDS loop both go through it.
type Lockdown struct {
	mu         sync.Mutex
	locked     bool
	reason     string
	since      time.Time
	disabled   []string
	clearedBy  string
	clearedAt  time.Time
	interfaces []Interface
	log        zerolog.Logger
	now        func() time.Time
}

func NewLockdown(logger zerolog.Logger, ifaces ...Interface) *Lockdown {
	return &Lockdown{
		interfaces: ifaces,
		log:        logger,
		now:        time.Now,
	}
}

// Register adds an interface. If the system is already locked it is disabled
// immediately.
func (l *Lockdown) Register(iface Interface) {
	l.mu.Lock()
	l.interfaces = append(l.interfaces, iface)
	locked := l.locked
	l.mu.Unlock()
	if !locked {
		return
	}
	if l.disable(iface) {
		l.mu.Lock()
		l.disabled = append(l.disabled, iface.Name())
		l.mu.Unlock()
	}
}

// Engage locks the system and disables every registered interface. It reports
// whether this call engaged the lock; repeat calls keep the first reason.
// Interfaces are switched off after the flag is set and outside the mutex, so
// readers of the flag never wait on an interface.
func (l *Lockdown) Engage(reason string) bool {
	l.mu.Lock()
	if l.locked {
		l.mu.Unlock()
		return false
	}
	l.locked = true
	l.reason = reason
	l.since = l.now().UTC()
	l.disabled = nil
	ifaces := append([]Interface(nil), l.interfaces...)
	l.mu.Unlock()

	var names []string
	for _, iface := range ifaces {
		if l.disable(iface) {
			names = append(names, iface.Name())
		}
	}

	l.mu.Lock()
	if l.locked {
		l.disabled = names
	}
	l.mu.Unlock()
	l.log.Error().Str("reason", reason).Strs("disabled", names).Msg("System lockdown engaged")
	return true
}

func (l *Lockdown) disable(iface Interface) bool {
	if err := iface.Disable(); err != nil {
		l.log.Error().Err(err).Str("interface", iface.Name()).Msg("Failed to disable interface")
		return false
	}
	return true
}

func (l *Lockdown) IsSystemLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}

func (l *Lockdown) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		Locked:    l.locked,
		Reason:    l.reason,
		Since:     l.since,
		Disabled:  append([]string(nil), l.disabled...),
		ClearedBy: l.clearedBy,
		ClearedAt: l.clearedAt,
	}
}

// Clear is the administrative clearance path. It re-enables interfaces and
// drops the flag. Interfaces that fail to re-enable are reported in the error
// but the flag is still cleared.
func (l *Lockdown) Clear(operator string) error {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return ErrOperatorRequired
	}
	l.mu.Lock()
	if !l.locked {
		l.mu.Unlock()
		return ErrNotLocked
	}
	reason := l.reason
	ifaces := append([]Interface(nil), l.interfaces...)
	l.mu.Unlock()

	var errs []error
	for _, iface := range ifaces {
		if err := iface.Enable(); err != nil {
			l.log.Error().Err(err).Str("interface", iface.Name()).Msg("Failed to re-enable interface")
			errs = append(errs, err)
		}
	}

	l.mu.Lock()
	l.locked = false
	l.reason = ""
	l.since = time.Time{}
	l.disabled = nil
	l.clearedBy = operator
	l.clearedAt = l.now().UTC()
	l.mu.Unlock()

	l.log.Warn().Str("operator", operator).Str("reason", reason).Msg("System lockdown cleared")
	return errors.Join(errs...)
}

// Switch is an in-process Interface, used to gate request handling.
type Switch struct {
	name string
	mu   sync.RWMutex
	off  bool
}

func NewSwitch(name string) *Switch {
	return &Switch{name: name}
}

func (s *Switch) Name() string { return s.name }

func (s *Switch) Disable() error {
	s.mu.Lock()
	s.off = true
	s.mu.Unlock()
	return nil
}

func (s *Switch) Enable() error {
	s.mu.Lock()
	s.off = false
	s.mu.Unlock()
	return nil
}

func (s *Switch) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.off
}
