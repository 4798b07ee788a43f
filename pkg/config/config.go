package config

import (
	"encoding/base64"
	"encoding/hex"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the daemon looks for its config when none is given.
const DefaultPath = "/etc/warden/device.yaml"

type DeviceConfig struct {
	Device       DeviceSection      `yaml:"device"`
	Storage      StorageConfig      `yaml:"storage"`
	Boot         BootConfig         `yaml:"boot"`
	Pairing      PairingConfig      `yaml:"pairing"`
	IDS          IDSConfig          `yaml:"ids"`
	StateMachine StateMachineConfig `yaml:"state_machine"`
	Health       HealthConfig       `yaml:"health"`
	Admin        AdminConfig        `yaml:"admin"`
	Lockdown     LockdownConfig     `yaml:"lockdown"`
	Logging      LoggingConfig      `yaml:"logging"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

type DeviceSection struct {
	ID string `yaml:"id"`
}

type StorageConfig struct {
	DBPath        string `yaml:"db_path"`
	MasterKeyPath string `yaml:"master_key_path"`
}

type BootConfig struct {
	FirmwarePath     string `yaml:"firmware_path"`
	FirmwareDigest   string `yaml:"firmware_sha256"`
	SignaturePath    string `yaml:"signature_path"`
	TrustedKey       string `yaml:"trusted_key"`
	PartitionPath    string `yaml:"partition_table_path"`
	PartitionDigest  string `yaml:"partition_table_sha256"`
	BootloaderPath   string `yaml:"bootloader_path"`
	BootloaderDigest string `yaml:"bootloader_sha256"`
	MaxFailures      int    `yaml:"max_failures"`
	// Development posture: allows an attached debugger and missing fuses.
	AllowDebug             bool `yaml:"allow_debug"`
	RequireSecureBoot      bool `yaml:"require_secure_boot"`
	RequireFlashEncryption bool `yaml:"require_flash_encryption"`
}

type PairingConfig struct {
	NonceSize         int `yaml:"nonce_size"`
	ChallengeTTLS     int `yaml:"challenge_ttl_s"`
	AttemptsPerMinute int `yaml:"attempts_per_minute"`
}

type SeverityRule struct {
	Category string `yaml:"category"`
	Severity string `yaml:"severity"`
}

type SensorBounds struct {
	VoltageMinMV   int `yaml:"voltage_min_mv"`
	VoltageMaxMV   int `yaml:"voltage_max_mv"`
	TemperatureMax int `yaml:"temperature_max_c"`
	ClockDriftPPM  int `yaml:"clock_drift_max_ppm"`

	HwmonRoot     string `yaml:"hwmon_root"`
	IntrusionPath string `yaml:"intrusion_path"`
}

type IDSConfig struct {
	IntervalMs          int            `yaml:"interval_ms"`
	WindowS             int            `yaml:"window_s"`
	MediumEscalation    int            `yaml:"medium_escalation"`
	BruteForceThreshold int            `yaml:"brute_force_threshold"`
	BackwardToleranceS  int            `yaml:"backward_tolerance_s"`
	ForwardJumpMaxS     int            `yaml:"forward_jump_max_s"`
	Policy              []SeverityRule `yaml:"policy"`
	PolicyFile          string         `yaml:"policy_file"`
	Sensors             SensorBounds   `yaml:"sensors"`
	AllowedPaths        []string       `yaml:"allowed_paths"`
}

type StateMachineConfig struct {
	TickMs          int `yaml:"tick_ms"`
	CallTimeoutMs   int `yaml:"call_timeout_ms"`
	RecoveryHoldS   int `yaml:"recovery_hold_s"`
	ClaimMaxRejects int `yaml:"claim_max_rejects"`
}

type HealthConfig struct {
	ProbeURL   string `yaml:"probe_url"`
	ClockFloor string `yaml:"clock_floor"`
}

type AdminConfig struct {
	Listen             string `yaml:"listen"`
	OperatorKey        string `yaml:"operator_key"`
	MaxAgeS            int    `yaml:"max_age_s"`
	RequestsPerMinute  int    `yaml:"requests_per_minute"`
	DeviceURL          string `yaml:"device_url"`
	OperatorKeyPath    string `yaml:"operator_key_path"`
	RetryInitialMs     int    `yaml:"retry_initial_ms"`
	RetryMaxMs         int    `yaml:"retry_max_ms"`
	RetryMaxRetries    int    `yaml:"retry_max_attempts"`
	RequestTimeoutS    int    `yaml:"request_timeout_s"`
	UnknownRouteReport bool   `yaml:"report_unknown_routes"`
}

// LockdownConfig enables network quarantine on lockdown when NodeID is set.
// The API key comes from WARDEN_QUARANTINE_API_KEY.
type LockdownConfig struct {
	QuarantineURL string   `yaml:"quarantine_api_url"`
	NodeID        string   `yaml:"quarantine_node_id"`
	Tags          []string `yaml:"quarantine_tags"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	JSON          bool   `yaml:"json"`
	HumanReadable bool   `yaml:"human_readable"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio" json:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans" json:"log_spans"`
}

// DefaultConfig returns a config with production defaults.
func DefaultConfig() *DeviceConfig {
	return &DeviceConfig{
		Storage: StorageConfig{
			DBPath:        "/var/lib/warden/secure.db",
			MasterKeyPath: "/var/lib/warden/master.key",
		},
		Boot: BootConfig{
			FirmwarePath:           "/proc/self/exe",
			MaxFailures:            3,
			RequireSecureBoot:      true,
			RequireFlashEncryption: true,
		},
		Pairing: PairingConfig{
			NonceSize:         32,
			ChallengeTTLS:     60,
			AttemptsPerMinute: 6,
		},
		IDS: IDSConfig{
			IntervalMs:          1000,
			WindowS:             300,
			MediumEscalation:    3,
			BruteForceThreshold: 3,
			BackwardToleranceS:  2,
			ForwardJumpMaxS:     3600,
			Sensors: SensorBounds{
				VoltageMinMV:   3000,
				VoltageMaxMV:   3600,
				TemperatureMax: 85,
				ClockDriftPPM:  500,
				HwmonRoot:      "/sys/class/hwmon",
			},
			AllowedPaths: []string{"/v1/"},
		},
		StateMachine: StateMachineConfig{
			TickMs:          500,
			CallTimeoutMs:   5000,
			RecoveryHoldS:   30,
			ClaimMaxRejects: 5,
		},
		Admin: AdminConfig{
			Listen:             "127.0.0.1:7443",
			MaxAgeS:            300,
			RequestsPerMinute:  30,
			DeviceURL:          "http://127.0.0.1:7443",
			OperatorKeyPath:    "operator_key",
			RetryInitialMs:     500,
			RetryMaxMs:         5000,
			RetryMaxRetries:    3,
			RequestTimeoutS:    10,
			UnknownRouteReport: true,
		},
		Logging: LoggingConfig{
			Level:         "info",
			JSON:          false,
			HumanReadable: true,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
	}
}

// Load reads config from file with env var overrides. A missing file is not
// an error.
func Load(path string) (*DeviceConfig, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	if id := os.Getenv("WARDEN_DEVICE_ID"); id != "" {
		cfg.Device.ID = id
	}
	if dbPath := os.Getenv("WARDEN_DB_PATH"); dbPath != "" {
		cfg.Storage.DBPath = dbPath
	}
	if listen := os.Getenv("WARDEN_LISTEN"); listen != "" {
		cfg.Admin.Listen = listen
	}
	if level := os.Getenv("WARDEN_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	return cfg, nil
}

// Validate rejects configs the device cannot run with and normalises
// out-of-range tunables back to their defaults.
func (c *DeviceConfig) Validate() error {
	if strings.TrimSpace(c.Device.ID) == "" {
		return ErrMissingDeviceID
	}
	if c.Storage.DBPath == "" {
		return ErrMissingDBPath
	}
	for _, digest := range []string{c.Boot.FirmwareDigest, c.Boot.PartitionDigest, c.Boot.BootloaderDigest} {
		if digest == "" {
			continue
		}
		if raw, err := hex.DecodeString(digest); err != nil || len(raw) != 32 {
			return &Error{"boot digests must be 64 hex characters"}
		}
	}
	if c.Boot.TrustedKey != "" {
		if _, err := DecodeKey(c.Boot.TrustedKey); err != nil {
			return &Error{"boot trusted_key must be base64 or hex"}
		}
	}
	if c.Admin.OperatorKey != "" {
		if _, err := DecodeKey(c.Admin.OperatorKey); err != nil {
			return &Error{"admin operator_key must be base64 or hex"}
		}
	}
	if c.Pairing.NonceSize < 16 || c.Pairing.NonceSize > 64 {
		return ErrInvalidNonceSize
	}

	defaults := DefaultConfig()
	if c.Boot.MaxFailures <= 0 {
		c.Boot.MaxFailures = defaults.Boot.MaxFailures
	}
	if c.Pairing.ChallengeTTLS <= 0 {
		c.Pairing.ChallengeTTLS = defaults.Pairing.ChallengeTTLS
	}
	if c.Pairing.AttemptsPerMinute <= 0 {
		c.Pairing.AttemptsPerMinute = defaults.Pairing.AttemptsPerMinute
	}
	if c.IDS.IntervalMs < 100 {
		c.IDS.IntervalMs = defaults.IDS.IntervalMs
	}
	if c.IDS.WindowS <= 0 {
		c.IDS.WindowS = defaults.IDS.WindowS
	}
	if c.IDS.MediumEscalation <= 0 {
		c.IDS.MediumEscalation = defaults.IDS.MediumEscalation
	}
	if c.IDS.BruteForceThreshold <= 0 {
		c.IDS.BruteForceThreshold = defaults.IDS.BruteForceThreshold
	}
	if c.IDS.BackwardToleranceS < 0 {
		c.IDS.BackwardToleranceS = defaults.IDS.BackwardToleranceS
	}
	if c.IDS.ForwardJumpMaxS <= 0 {
		c.IDS.ForwardJumpMaxS = defaults.IDS.ForwardJumpMaxS
	}
	if c.StateMachine.TickMs <= 0 {
		c.StateMachine.TickMs = defaults.StateMachine.TickMs
	}
	if c.StateMachine.CallTimeoutMs <= 0 {
		c.StateMachine.CallTimeoutMs = defaults.StateMachine.CallTimeoutMs
	}
	if c.StateMachine.RecoveryHoldS < 0 {
		c.StateMachine.RecoveryHoldS = defaults.StateMachine.RecoveryHoldS
	}
	if c.StateMachine.ClaimMaxRejects <= 0 {
		c.StateMachine.ClaimMaxRejects = defaults.StateMachine.ClaimMaxRejects
	}
	if c.Admin.MaxAgeS <= 0 {
		c.Admin.MaxAgeS = defaults.Admin.MaxAgeS
	}
	if c.Admin.RequestsPerMinute <= 0 {
		c.Admin.RequestsPerMinute = defaults.Admin.RequestsPerMinute
	}
	if c.Admin.RetryInitialMs <= 0 {
		c.Admin.RetryInitialMs = defaults.Admin.RetryInitialMs
	}
	if c.Admin.RetryMaxMs < c.Admin.RetryInitialMs {
		c.Admin.RetryMaxMs = c.Admin.RetryInitialMs
	}
	if c.Admin.RetryMaxRetries < 0 {
		c.Admin.RetryMaxRetries = defaults.Admin.RetryMaxRetries
	}
	if c.Admin.RequestTimeoutS <= 0 {
		c.Admin.RequestTimeoutS = defaults.Admin.RequestTimeoutS
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

// IDSInterval returns the detector cadence.
func (c *DeviceConfig) IDSInterval() time.Duration {
	return time.Duration(c.IDS.IntervalMs) * time.Millisecond
}

// TickInterval returns the state machine cadence.
func (c *DeviceConfig) TickInterval() time.Duration {
	return time.Duration(c.StateMachine.TickMs) * time.Millisecond
}

// CallTimeout bounds every collaborator call made from a tick.
func (c *DeviceConfig) CallTimeout() time.Duration {
	return time.Duration(c.StateMachine.CallTimeoutMs) * time.Millisecond
}

// DecodeKey accepts a public key as hex or standard base64.
func DecodeKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if b, err := hex.DecodeString(raw); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(raw)
}

var (
	ErrMissingDeviceID  = &Error{"device id is required"}
	ErrMissingDBPath    = &Error{"storage db_path is required"}
	ErrInvalidNonceSize = &Error{"pairing nonce_size must be between 16 and 64"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
