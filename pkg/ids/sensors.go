package ids

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// SystemClock reads the process clocks. Monotonic is measured from the
// moment the clock was created.
type SystemClock struct {
	start time.Time
}

func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

// Now strips the monotonic reading so comparisons use wall time only.
func (c *SystemClock) Now() time.Time { return time.Now().Round(0) }

func (c *SystemClock) Monotonic() time.Duration { return time.Since(c.start) }

// SysfsSensors reads hwmon and an optional intrusion switch from sysfs.
// Missing files are treated as absent sensors.
type SysfsSensors struct {
	Root          string
	IntrusionPath string
}

// NewSysfsSensors reads hwmon devices under root, /sys/class/hwmon when empty.
func NewSysfsSensors(root, intrusionPath string) *SysfsSensors {
	if root == "" {
		root = "/sys/class/hwmon"
	}
	return &SysfsSensors{Root: root, IntrusionPath: intrusionPath}
}

func (s *SysfsSensors) Read(ctx context.Context) (Reading, error) {
	var r Reading
	dirs, _ := filepath.Glob(filepath.Join(s.Root, "hwmon*"))
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		if !r.HasVoltage {
			if mv, ok := readInt(filepath.Join(dir, "in0_input")); ok {
				r.VoltageMV, r.HasVoltage = mv, true
			}
		}
		if milli, ok := readInt(filepath.Join(dir, "temp1_input")); ok {
			if c := milli / 1000; !r.HasTemperature || c > r.TemperatureC {
				r.TemperatureC, r.HasTemperature = c, true
			}
		}
		if v, ok := readInt(filepath.Join(dir, "intrusion0_alarm")); ok && v != 0 {
			r.EnclosureOpened = true
		}
	}
	if s.IntrusionPath != "" {
		if v, ok := readInt(s.IntrusionPath); ok && v != 0 {
			r.EnclosureOpened = true
		}
	}
	return r, nil
}

func readInt(path string) (int, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, false
	}
	return v, true
}
