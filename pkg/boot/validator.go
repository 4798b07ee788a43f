// Package boot is the one-shot integrity gate run before the device joins a
// network or touches its cryptographic identity.
//
// PerformBootValidation runs, in order, and stops at the first failure:
//
//	firmware integrity, firmware signature, partition table,
//	bootloader, debug interfaces, secure configuration
//
// Failures bump a persistent counter that only ResetBootFailureCounter clears.
package boot

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Check string

const (
	CheckFirmwareIntegrity   Check = "firmware_integrity"
	CheckFirmwareSignature   Check = "firmware_signature"
	CheckPartitionTable      Check = "partition_table"
	CheckBootloader          Check = "bootloader_integrity"
	CheckDebugInterfaces     Check = "debug_interfaces"
	CheckSecureConfiguration Check = "secure_configuration"
)

var (
	ErrNoReference      = errors.New("boot: no reference value configured")
	ErrDigestMismatch   = errors.New("boot: digest mismatch")
	ErrBadSignature     = errors.New("boot: signature does not verify")
	ErrDebugEnabled     = errors.New("boot: debug interface enabled")
	ErrSecureBootOff    = errors.New("boot: secure boot disabled")
	ErrFlashEncryptOff  = errors.New("boot: flash encryption disabled")
	ErrImageUnavailable = errors.New("boot: image unavailable")
)

// ValidationError names the check that failed. Security is set for posture
// failures (debug access, fuses) as opposed to integrity failures.
type ValidationError struct {
	Check    Check
	Security bool
	Err      error
}

func (e *ValidationError) Error() string {
	kind := "integrity"
	if e.Security {
		kind = "security"
	}
	return fmt.Sprintf("boot validation failed at %s (%s): %v", e.Check, kind, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

type ImageKind string

const (
	ImageFirmware       ImageKind = "firmware"
	ImagePartitionTable ImageKind = "partition_table"
	ImageBootloader     ImageKind = "bootloader"
)

// Flags are the platform security fuses.
type Flags struct {
	SecureBoot      bool   `json:"secure_boot"`
	FlashEncryption bool   `json:"flash_encryption"`
	TPMPresent      bool   `json:"tpm_present"`
	TPMVersion      string `json:"tpm_version,omitempty"`
}

// Platform is the hardware boundary the validator reads from.
type Platform interface {
	OpenImage(ctx context.Context, kind ImageKind) (io.ReadCloser, error)
	FirmwareSignature(ctx context.Context) ([]byte, error)
	DebugInterfaceEnabled(ctx context.Context) (bool, error)
	SecurityFlags(ctx context.Context) (Flags, error)
}

// References are the expected values burned in at provisioning time.
type References struct {
	FirmwareDigest   []byte
	PartitionDigest  []byte
	BootloaderDigest []byte
	TrustedKey       ed25519.PublicKey
}

type Options struct {
	MaxFailures            uint32
	AllowDebug             bool
	RequireSecureBoot      bool
	RequireFlashEncryption bool
}

type Result struct {
	Validated    bool      `json:"validated"`
	FailureCount uint32    `json:"failure_count"`
	Timestamp    time.Time `json:"timestamp"`
	FailedCheck  Check     `json:"failed_check,omitempty"`
	Error        string    `json:"error,omitempty"`
}

type Stats struct {
	Result
	MaxFailures       uint32 `json:"max_failures"`
	Exhausted         bool   `json:"exhausted"`
	SecureBootEnabled bool   `json:"secure_boot_enabled"`
	Flags             Flags  `json:"flags"`
	Attempts          uint64 `json:"attempts"`
}

type Validator struct {
	platform Platform
	refs     References
	counter  Counter
	opts     Options
	log      zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	result   Result
	attempts uint64
}

func NewValidator(platform Platform, refs References, counter Counter, opts Options, logger zerolog.Logger) *Validator {
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 3
	}
	return &Validator{
		platform: platform,
		refs:     refs,
		counter:  counter,
		opts:     opts,
		log:      logger,
		now:      time.Now,
	}
}

// PerformBootValidation runs every check in order. On failure the persistent
// counter is incremented and the returned error is a *ValidationError.
func (v *Validator) PerformBootValidation(ctx context.Context) (Result, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.attempts++

	steps := []struct {
		check Check
		fn    func(context.Context) error
	}{
		{CheckFirmwareIntegrity, v.VerifyFirmwareIntegrity},
		{CheckFirmwareSignature, v.VerifyFirmwareSignature},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return v.handleBootValidationFailure(ctx, asValidationError(step.check, err))
		}
	}
	if err := v.PerformAdditionalSecurityChecks(ctx); err != nil {
		return v.handleBootValidationFailure(ctx, asValidationError(CheckSecureConfiguration, err))
	}

	count, err := v.loadCount(ctx)
	if err != nil {
		v.log.Warn().Err(err).Msg("Failed reading boot failure counter")
	}
	v.result = Result{Validated: true, FailureCount: count, Timestamp: v.now().UTC()}
	v.log.Info().Uint32("failure_count", count).Msg("Boot validation passed")
	return v.result, nil
}

// PerformAdditionalSecurityChecks runs partition table, bootloader, debug
// interface and secure configuration checks, stopping at the first failure.
func (v *Validator) PerformAdditionalSecurityChecks(ctx context.Context) error {
	steps := []struct {
		check Check
		fn    func(context.Context) error
	}{
		{CheckPartitionTable, v.VerifyPartitionTable},
		{CheckBootloader, v.VerifyBootloaderIntegrity},
		{CheckDebugInterfaces, v.CheckDebugInterfaces},
		{CheckSecureConfiguration, v.VerifySecureConfiguration},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return asValidationError(step.check, err)
		}
	}
	return nil
}

// VerifyFirmwareIntegrity compares the SHA-256 of the running image with the
// reference digest.
func (v *Validator) VerifyFirmwareIntegrity(ctx context.Context) error {
	return v.verifyImage(ctx, ImageFirmware, v.refs.FirmwareDigest)
}

// VerifyFirmwareSignature checks the ed25519 signature over the firmware
// digest against the trusted key.
func (v *Validator) VerifyFirmwareSignature(ctx context.Context) error {
	if len(v.refs.TrustedKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: trusted key", ErrNoReference)
	}
	digest, err := v.digest(ctx, ImageFirmware)
	if err != nil {
		return err
	}
	sig, err := v.platform.FirmwareSignature(ctx)
	if err != nil {
		return fmt.Errorf("%w: signature: %v", ErrImageUnavailable, err)
	}
	if !ed25519.Verify(v.refs.TrustedKey, digest, sig) {
		return ErrBadSignature
	}
	return nil
}

func (v *Validator) VerifyPartitionTable(ctx context.Context) error {
	return v.verifyImage(ctx, ImagePartitionTable, v.refs.PartitionDigest)
}

func (v *Validator) VerifyBootloaderIntegrity(ctx context.Context) error {
	return v.verifyImage(ctx, ImageBootloader, v.refs.BootloaderDigest)
}

// CheckDebugInterfaces fails when JTAG or an equivalent debug path is open,
// unless the device is provisioned for development.
func (v *Validator) CheckDebugInterfaces(ctx context.Context) error {
	enabled, err := v.platform.DebugInterfaceEnabled(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDebugEnabled, err)
	}
	if enabled && !v.opts.AllowDebug {
		return ErrDebugEnabled
	}
	return nil
}

func (v *Validator) VerifySecureConfiguration(ctx context.Context) error {
	flags, err := v.platform.SecurityFlags(ctx)
	if err != nil {
		return fmt.Errorf("%w: read flags: %v", ErrSecureBootOff, err)
	}
	if v.opts.RequireSecureBoot && !flags.SecureBoot {
		return ErrSecureBootOff
	}
	if v.opts.RequireFlashEncryption && !flags.FlashEncryption {
		return ErrFlashEncryptOff
	}
	return nil
}

func (v *Validator) handleBootValidationFailure(ctx context.Context, verr *ValidationError) (Result, error) {
	count, err := v.loadCount(ctx)
	if err != nil {
		v.log.Error().Err(err).Msg("Boot failure counter unreadable, treating retries as exhausted")
		count = v.opts.MaxFailures
	}
	if count < ^uint32(0) {
		count++
	}
	if err := v.counter.Store(ctx, count); err != nil {
		v.log.Error().Err(err).Uint32("failure_count", count).Msg("Failed persisting boot failure counter")
	}

	v.result = Result{
		Validated:    false,
		FailureCount: count,
		Timestamp:    v.now().UTC(),
		FailedCheck:  verr.Check,
		Error:        verr.Err.Error(),
	}
	v.log.Error().
		Str("check", string(verr.Check)).
		Bool("security", verr.Security).
		Uint32("failure_count", count).
		Uint32("max_failures", v.opts.MaxFailures).
		Err(verr.Err).
		Msg("Boot validation failed")
	return v.result, verr
}

// IsBootValidated reports the outcome of the last validation run.
func (v *Validator) IsBootValidated() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.result.Validated
}

// LastResult returns the last validation result.
func (v *Validator) LastResult() Result {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.result
}

// IsSecureBootEnabled reports platform capability regardless of outcome.
func (v *Validator) IsSecureBootEnabled(ctx context.Context) bool {
	flags, err := v.platform.SecurityFlags(ctx)
	if err != nil {
		v.log.Warn().Err(err).Msg("Failed reading security flags")
		return false
	}
	return flags.SecureBoot
}

// FailureCount returns the persisted counter.
func (v *Validator) FailureCount(ctx context.Context) (uint32, error) {
	return v.loadCount(ctx)
}

func (v *Validator) MaxFailures() uint32 { return v.opts.MaxFailures }

// RetriesExhausted reports whether the persisted counter has reached the
// configured threshold. An unreadable counter counts as exhausted.
func (v *Validator) RetriesExhausted(ctx context.Context) bool {
	count, err := v.loadCount(ctx)
	if err != nil {
		return true
	}
	return count >= v.opts.MaxFailures
}

// ResetBootFailureCounter is the operator path that zeroes the counter.
func (v *Validator) ResetBootFailureCounter(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.counter.Store(ctx, 0); err != nil {
		return fmt.Errorf("boot: reset failure counter: %w", err)
	}
	v.result.FailureCount = 0
	v.log.Warn().Msg("Boot failure counter reset")
	return nil
}

// PrintBootSecurityStats logs the boot security snapshot and returns it.
func (v *Validator) PrintBootSecurityStats(ctx context.Context) Stats {
	v.mu.Lock()
	result := v.result
	attempts := v.attempts
	v.mu.Unlock()

	count, err := v.loadCount(ctx)
	if err == nil {
		result.FailureCount = count
	}
	flags, flagErr := v.platform.SecurityFlags(ctx)
	stats := Stats{
		Result:            result,
		MaxFailures:       v.opts.MaxFailures,
		Exhausted:         err != nil || count >= v.opts.MaxFailures,
		SecureBootEnabled: flagErr == nil && flags.SecureBoot,
		Flags:             flags,
		Attempts:          attempts,
	}
	v.log.Info().
		Bool("validated", stats.Validated).
		Uint32("failure_count", stats.FailureCount).
		Uint32("max_failures", stats.MaxFailures).
		Bool("exhausted", stats.Exhausted).
		Bool("secure_boot", stats.SecureBootEnabled).
		Bool("flash_encryption", flags.FlashEncryption).
		Bool("tpm_present", flags.TPMPresent).
		Uint64("attempts", attempts).
		Msg("Boot security stats")
	return stats
}

func (v *Validator) loadCount(ctx context.Context) (uint32, error) {
	if v.counter == nil {
		return 0, errors.New("boot: no failure counter configured")
	}
	return v.counter.Load(ctx)
}

func (v *Validator) verifyImage(ctx context.Context, kind ImageKind, want []byte) error {
	if len(want) != sha256.Size {
		return fmt.Errorf("%w: %s digest", ErrNoReference, kind)
	}
	got, err := v.digest(ctx, kind)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return fmt.Errorf("%w: %s", ErrDigestMismatch, kind)
	}
	return nil
}

func (v *Validator) digest(ctx context.Context, kind ImageKind) ([]byte, error) {
	r, err := v.platform.OpenImage(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrImageUnavailable, kind, err)
	}
	defer r.Close()
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrImageUnavailable, kind, err)
	}
	return h.Sum(nil), nil
}

func asValidationError(check Check, err error) *ValidationError {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr
	}
	security := check == CheckDebugInterfaces || check == CheckSecureConfiguration
	return &ValidationError{Check: check, Security: security, Err: err}
}
