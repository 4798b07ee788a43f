package boot

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/warden/pkg/encryption"
	"github.com/haasonsaas/warden/pkg/keystore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakePlatform struct {
	images    map[ImageKind][]byte
	signature []byte
	debug     bool
	debugErr  error
	flags     Flags
	opened    []ImageKind
}

func (f *fakePlatform) OpenImage(_ context.Context, kind ImageKind) (io.ReadCloser, error) {
	f.opened = append(f.opened, kind)
	img, ok := f.images[kind]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(img)), nil
}

func (f *fakePlatform) FirmwareSignature(context.Context) ([]byte, error) {
	if f.signature == nil {
		return nil, os.ErrNotExist
	}
	return f.signature, nil
}

func (f *fakePlatform) DebugInterfaceEnabled(context.Context) (bool, error) {
	return f.debug, f.debugErr
}

func (f *fakePlatform) SecurityFlags(context.Context) (Flags, error) {
	return f.flags, nil
}

func sum(b []byte) []byte {
	d := sha256.Sum256(b)
	return d[:]
}

type fixture struct {
	platform *fakePlatform
	refs     References
	counter  Counter
	priv     ed25519.PrivateKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	firmware := []byte("firmware image v1.4.2")
	partitions := []byte("nvs,data,nvs,0x9000,0x6000\napp,app,factory,0x10000,1M\n")
	bootloader := []byte("second stage bootloader")

	mgr := encryption.NewManager(keystore.NewMemoryKeyStore(), keystore.NewMemoryStore())
	require.NoError(t, mgr.Init())

	return &fixture{
		platform: &fakePlatform{
			images: map[ImageKind][]byte{
				ImageFirmware:       firmware,
				ImagePartitionTable: partitions,
				ImageBootloader:     bootloader,
			},
			signature: ed25519.Sign(priv, sum(firmware)),
			flags:     Flags{SecureBoot: true, FlashEncryption: true},
		},
		refs: References{
			FirmwareDigest:   sum(firmware),
			PartitionDigest:  sum(partitions),
			BootloaderDigest: sum(bootloader),
			TrustedKey:       pub,
		},
		counter: NewSecureCounter(mgr),
		priv:    priv,
	}
}

func (f *fixture) validator() *Validator {
	return NewValidator(f.platform, f.refs, f.counter, Options{
		MaxFailures:            3,
		RequireSecureBoot:      true,
		RequireFlashEncryption: true,
	}, zerolog.Nop())
}

func TestPerformBootValidation_Passes(t *testing.T) {
	f := newFixture(t)
	v := f.validator()

	res, err := v.PerformBootValidation(context.Background())
	require.NoError(t, err)
	require.True(t, res.Validated)
	require.True(t, v.IsBootValidated())
	require.Zero(t, res.FailureCount)
	require.False(t, res.Timestamp.IsZero())
}

func TestPerformBootValidation_EachCheckFails(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(f *fixture)
		check    Check
		security bool
		wantErr  error
	}{
		{
			name:    "firmware tampered",
			mutate:  func(f *fixture) { f.platform.images[ImageFirmware] = []byte("patched") },
			check:   CheckFirmwareIntegrity,
			wantErr: ErrDigestMismatch,
		},
		{
			name:    "missing firmware reference",
			mutate:  func(f *fixture) { f.refs.FirmwareDigest = nil },
			check:   CheckFirmwareIntegrity,
			wantErr: ErrNoReference,
		},
		{
			name: "signature from untrusted key",
			mutate: func(f *fixture) {
				_, other, _ := ed25519.GenerateKey(rand.Reader)
				f.platform.signature = ed25519.Sign(other, f.refs.FirmwareDigest)
			},
			check:   CheckFirmwareSignature,
			wantErr: ErrBadSignature,
		},
		{
			name:    "signature missing",
			mutate:  func(f *fixture) { f.platform.signature = nil },
			check:   CheckFirmwareSignature,
			wantErr: ErrImageUnavailable,
		},
		{
			name:    "partition table changed",
			mutate:  func(f *fixture) { f.platform.images[ImagePartitionTable] = []byte("evil") },
			check:   CheckPartitionTable,
			wantErr: ErrDigestMismatch,
		},
		{
			name:    "bootloader missing",
			mutate:  func(f *fixture) { delete(f.platform.images, ImageBootloader) },
			check:   CheckBootloader,
			wantErr: ErrImageUnavailable,
		},
		{
			name:     "debug enabled",
			mutate:   func(f *fixture) { f.platform.debug = true },
			check:    CheckDebugInterfaces,
			security: true,
			wantErr:  ErrDebugEnabled,
		},
		{
			name:     "debug check error fails closed",
			mutate:   func(f *fixture) { f.platform.debugErr = errors.New("efuse read") },
			check:    CheckDebugInterfaces,
			security: true,
			wantErr:  ErrDebugEnabled,
		},
		{
			name:     "secure boot off",
			mutate:   func(f *fixture) { f.platform.flags.SecureBoot = false },
			check:    CheckSecureConfiguration,
			security: true,
			wantErr:  ErrSecureBootOff,
		},
		{
			name:     "flash encryption off",
			mutate:   func(f *fixture) { f.platform.flags.FlashEncryption = false },
			check:    CheckSecureConfiguration,
			security: true,
			wantErr:  ErrFlashEncryptOff,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.mutate(f)
			v := f.validator()

			res, err := v.PerformBootValidation(context.Background())
			require.ErrorIs(t, err, tt.wantErr)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			require.Equal(t, tt.check, verr.Check)
			require.Equal(t, tt.security, verr.Security)

			require.False(t, res.Validated)
			require.False(t, v.IsBootValidated())
			require.Equal(t, uint32(1), res.FailureCount)
			require.Equal(t, tt.check, res.FailedCheck)
		})
	}
}

func TestPerformBootValidation_ShortCircuits(t *testing.T) {
	f := newFixture(t)
	f.platform.images[ImageFirmware] = []byte("patched")
	f.platform.debug = true
	v := f.validator()

	_, err := v.PerformBootValidation(context.Background())
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, CheckFirmwareIntegrity, verr.Check)
	require.Equal(t, []ImageKind{ImageFirmware}, f.platform.opened)
}

func TestAllowDebug(t *testing.T) {
	f := newFixture(t)
	f.platform.debug = true
	v := NewValidator(f.platform, f.refs, f.counter, Options{AllowDebug: true}, zerolog.Nop())
	_, err := v.PerformBootValidation(context.Background())
	require.NoError(t, err)
}

func TestFailureCounter_MonotonicUntilReset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.platform.images[ImageFirmware] = []byte("patched")
	v := f.validator()

	for want := uint32(1); want <= 5; want++ {
		res, err := v.PerformBootValidation(ctx)
		require.Error(t, err)
		require.Equal(t, want, res.FailureCount)
		got, err := v.FailureCount(ctx)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	require.True(t, v.RetriesExhausted(ctx))

	// Passing validation does not clear the counter.
	f.platform.images[ImageFirmware] = f.platform.images[ImageBootloader]
	f.refs.FirmwareDigest = sum(f.platform.images[ImageFirmware])
	f.platform.signature = ed25519.Sign(f.priv, f.refs.FirmwareDigest)
	v2 := f.validator()
	res, err := v2.PerformBootValidation(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(5), res.FailureCount)

	require.NoError(t, v2.ResetBootFailureCounter(ctx))
	got, err := v2.FailureCount(ctx)
	require.NoError(t, err)
	require.Zero(t, got)
	require.False(t, v2.RetriesExhausted(ctx))
}

func TestFailureCounter_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	keys := keystore.NewMemoryKeyStore()
	records := keystore.NewMemoryStore()
	mgr := encryption.NewManager(keys, records)
	require.NoError(t, mgr.Init())

	f := newFixture(t)
	f.counter = NewSecureCounter(mgr)
	f.platform.debug = true
	_, err := f.validator().PerformBootValidation(ctx)
	require.Error(t, err)
	mgr.Cleanup()

	restarted := encryption.NewManager(keys, records)
	require.NoError(t, restarted.Init())
	f.counter = NewSecureCounter(restarted)
	_, err = f.validator().PerformBootValidation(ctx)
	require.Error(t, err)

	n, err := NewSecureCounter(restarted).Load(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(2), n)
}

func TestFailureCounter_UnreadableCountsAsExhausted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	counter := &MemoryCounter{}
	f.counter = counter
	f.platform.debug = true
	v := f.validator()

	counter.Err = errors.New("flash read error")
	require.True(t, v.RetriesExhausted(ctx))
	res, err := v.PerformBootValidation(ctx)
	require.Error(t, err)
	require.Equal(t, uint32(4), res.FailureCount)
}

func TestIsSecureBootEnabledIndependentOfOutcome(t *testing.T) {
	f := newFixture(t)
	f.platform.images[ImageFirmware] = []byte("patched")
	v := f.validator()
	_, err := v.PerformBootValidation(context.Background())
	require.Error(t, err)
	require.True(t, v.IsSecureBootEnabled(context.Background()))
}

func TestPrintBootSecurityStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.platform.debug = true
	v := f.validator()
	_, _ = v.PerformBootValidation(ctx)
	_, _ = v.PerformBootValidation(ctx)

	before, err := v.FailureCount(ctx)
	require.NoError(t, err)
	stats := v.PrintBootSecurityStats(ctx)
	require.Equal(t, uint32(2), stats.FailureCount)
	require.Equal(t, uint64(2), stats.Attempts)
	require.Equal(t, CheckDebugInterfaces, stats.FailedCheck)
	require.False(t, stats.Exhausted)
	require.True(t, stats.SecureBootEnabled)

	after, err := v.FailureCount(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestLinuxPlatform(t *testing.T) {
	root := t.TempDir()
	write := func(rel string, data []byte) {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, data, 0o600))
	}
	write(secureBootVar, []byte{0x06, 0, 0, 0, 1})
	write("/dev/tpmrm0", nil)
	write("/proc/self/status", []byte("Name:\twarden\nTracerPid:\t0\n"))
	write("/sys/kernel/security/lockdown", []byte("none [integrity] confidentiality\n"))
	write("/proc/sys/kernel/yama/ptrace_scope", []byte("0\n"))
	write("fw.bin", []byte("firmware"))

	p := NewLinuxPlatform(map[ImageKind]string{ImageFirmware: filepath.Join(root, "fw.bin")}, "")
	p.root = root
	p.run = func(context.Context, string, ...string) ([]byte, error) {
		return []byte(`{"blockdevices":[{"name":"nvme0n1","type":"disk","fstype":null,"children":[{"name":"nvme0n1p2","type":"part","fstype":"crypto_LUKS"}]}]}`), nil
	}
	ctx := context.Background()

	flags, err := p.SecurityFlags(ctx)
	require.NoError(t, err)
	require.True(t, flags.SecureBoot)
	require.True(t, flags.TPMPresent)
	require.True(t, flags.FlashEncryption)

	debug, err := p.DebugInterfaceEnabled(ctx)
	require.NoError(t, err)
	require.False(t, debug)

	write("/proc/self/status", []byte("TracerPid:\t4242\n"))
	debug, err = p.DebugInterfaceEnabled(ctx)
	require.NoError(t, err)
	require.True(t, debug)

	r, err := p.OpenImage(ctx, ImageFirmware)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Equal(t, []byte("firmware"), data)

	_, err = p.OpenImage(ctx, ImageBootloader)
	require.Error(t, err)
	_, err = p.FirmwareSignature(ctx)
	require.Error(t, err)
}

func TestPerformAdditionalSecurityChecks_ReportsFailedCheck(t *testing.T) {
	f := newFixture(t)
	f.platform.images[ImageBootloader] = []byte("patched bootloader")
	v := f.validator()

	err := v.PerformAdditionalSecurityChecks(context.Background())
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, CheckBootloader, verr.Check)
	require.False(t, verr.Security)

	res, err := v.PerformBootValidation(context.Background())
	require.ErrorIs(t, err, ErrDigestMismatch)
	require.Equal(t, CheckBootloader, res.FailedCheck)
	require.Equal(t, uint32(1), res.FailureCount)
}

func TestExecWithTimeoutBoundsCommands(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	prev := commandTimeout
	commandTimeout = 50 * time.Millisecond
	t.Cleanup(func() { commandTimeout = prev })

	start := time.Now()
	_, err := execWithTimeout(context.Background(), "sleep", "5")
	require.Error(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
}
