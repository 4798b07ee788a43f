// Package health probes the network join and clock sync conditions the state
// machine waits on.
package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"time"
)

type HealthStatus struct {
	NetworkUp   bool      `json:"network_up"`
	ClockSynced bool      `json:"clock_synced"`
	CheckedAt   time.Time `json:"checked_at"`
	Healthy     bool      `json:"healthy"`
	Issues      []string  `json:"issues,omitempty"`
}

// Check runs both probes and summarises them.
func Check(ctx context.Context, network *NetworkProbe, clock *ClockProbe) *HealthStatus {
	status := &HealthStatus{
		Healthy:   true,
		CheckedAt: time.Now().UTC(),
		Issues:    []string{},
	}

	up, err := network.Connected(ctx)
	status.NetworkUp = up
	if !up {
		status.Healthy = false
		if err != nil {
			status.Issues = append(status.Issues, fmt.Sprintf("network: %v", err))
		} else {
			status.Issues = append(status.Issues, "network not joined")
		}
	}

	synced, err := clock.Synchronized(ctx)
	status.ClockSynced = synced
	if !synced {
		status.Healthy = false
		if err != nil {
			status.Issues = append(status.Issues, fmt.Sprintf("clock: %v", err))
		} else {
			status.Issues = append(status.Issues, "clock not synchronized")
		}
	}

	return status
}

// NetworkProbe reports whether the device has joined a network.
type NetworkProbe struct {
	probeURL   string
	client     *http.Client
	interfaces func() ([]net.Interface, error)
}

// NewNetworkProbe returns a probe that requires a non-loopback interface to be
// up and, when probeURL is set, a 200 from GET probeURL.
func NewNetworkProbe(probeURL string, timeout time.Duration) *NetworkProbe {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NetworkProbe{
		probeURL:   probeURL,
		client:     &http.Client{Timeout: timeout},
		interfaces: net.Interfaces,
	}
}

func (p *NetworkProbe) Connected(ctx context.Context) (bool, error) {
	ifaces, err := p.interfaces()
	if err != nil {
		return false, err
	}
	up := false
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagLoopback == 0 {
			up = true
			break
		}
	}
	if !up {
		return false, nil
	}
	if p.probeURL == "" {
		return true, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.probeURL, nil)
	if err != nil {
		return false, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("cannot reach %s: %w", p.probeURL, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("probe returned %d", resp.StatusCode)
	}
	return true, nil
}

// ClockProbe reports whether wall-clock time can be trusted.
type ClockProbe struct {
	floor time.Time
	now   func() time.Time
	run   func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewClockProbe returns a probe that trusts timedatectl when present and
// otherwise requires the clock to be past floor.
func NewClockProbe(floor time.Time) *ClockProbe {
	return &ClockProbe{
		floor: floor,
		now:   time.Now,
		run:   execWithTimeout,
	}
}

func (p *ClockProbe) Synchronized(ctx context.Context) (bool, error) {
	out, err := p.run(ctx, "timedatectl", "show", "-p", "NTPSynchronized")
	if err == nil {
		return strings.Contains(string(out), "NTPSynchronized=yes"), nil
	}

	if p.floor.IsZero() {
		return false, fmt.Errorf("no sync source: %w", err)
	}
	return p.now().After(p.floor), nil
}

// ParseClockFloor parses an RFC 3339 timestamp or a YYYY-MM-DD date. An empty
// string yields the zero time.
func ParseClockFloor(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}

// commandTimeout bounds every external command.
var commandTimeout = 5 * time.Second

func execWithTimeout(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}
