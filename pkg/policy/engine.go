// Package policy maps threat categories to the severity the intrusion
// detection system responds with.
package policy

import (
	"fmt"
	"os"
	"strings"

	"github.com/haasonsaas/warden/pkg/config"
	"gopkg.in/yaml.v3"
)

// Severity is the response tier of a threat.
type Severity int

const (
	Low Severity = iota + 1
	Medium
	High
)

func (s Severity) String() string {
	switch s {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// MarshalText renders the severity as its lowercase name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSeverity accepts low, medium or high in any case.
func ParseSeverity(raw string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "low":
		return Low, nil
	case "medium":
		return Medium, nil
	case "high":
		return High, nil
	default:
		return 0, fmt.Errorf("policy: unknown severity %q", raw)
	}
}

// Category names an independent threat indicator.
type Category string

const (
	BruteForce         Category = "brute_force"
	MemoryCorruption   Category = "memory_corruption"
	HardwareTamper     Category = "hardware_tamper"
	UnauthorizedAccess Category = "unauthorized_access"
	DebugInterface     Category = "debug_interface"
	TimeManipulation   Category = "time_manipulation"
	ClaimFailure       Category = "claim_failure"
	SuspiciousActivity Category = "suspicious_activity"
)

// Categories lists every category the policy knows, in reporting order.
var Categories = []Category{
	BruteForce,
	MemoryCorruption,
	HardwareTamper,
	UnauthorizedAccess,
	DebugInterface,
	TimeManipulation,
	ClaimFailure,
	SuspiciousActivity,
}

type Rule struct {
	Category Category `yaml:"category"`
	Severity string   `yaml:"severity"`
}

type Policy struct {
	Rules []Rule `yaml:"rules"`

	resolved map[Category]Severity
}

var defaults = map[Category]Severity{
	BruteForce:         Medium,
	MemoryCorruption:   High,
	HardwareTamper:     High,
	UnauthorizedAccess: Medium,
	DebugInterface:     High,
	TimeManipulation:   Medium,
	ClaimFailure:       Low,
	SuspiciousActivity: Low,
}

// Default returns the built-in policy.
func Default() *Policy {
	p := &Policy{}
	_ = p.compile()
	return p
}

// FromConfig builds a policy from the ids.policy section of the device config.
func FromConfig(rules []config.SeverityRule) (*Policy, error) {
	p := &Policy{}
	for _, r := range rules {
		p.Rules = append(p.Rules, Rule{Category: Category(r.Category), Severity: r.Severity})
	}
	if err := p.compile(); err != nil {
		return nil, err
	}
	return p, nil
}

// Load reads a standalone YAML policy file.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p := &Policy{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("policy: parse %s: %w", path, err)
	}
	if err := p.compile(); err != nil {
		return nil, err
	}
	return p, nil
}

// SeverityFor returns the configured severity for the category, falling back
// to the built-in default. Unknown categories are Medium.
func (p *Policy) SeverityFor(c Category) Severity {
	if p != nil && p.resolved != nil {
		if s, ok := p.resolved[c]; ok {
			return s
		}
	}
	if s, ok := defaults[c]; ok {
		return s
	}
	return Medium
}

func (p *Policy) compile() error {
	p.resolved = make(map[Category]Severity, len(defaults))
	for c, s := range defaults {
		p.resolved[c] = s
	}
	for _, rule := range p.Rules {
		if rule.Category == "" {
			return fmt.Errorf("policy: rule without category")
		}
		s, err := ParseSeverity(rule.Severity)
		if err != nil {
			return fmt.Errorf("policy: category %s: %w", rule.Category, err)
		}
		p.resolved[rule.Category] = s
	}
	return nil
}

func (p *Policy) String() string {
	parts := make([]string, 0, len(Categories))
	for _, c := range Categories {
		parts = append(parts, fmt.Sprintf("%s=%s", c, p.SeverityFor(c)))
	}
	return strings.Join(parts, " ")
}
