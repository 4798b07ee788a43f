package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/haasonsaas/warden/pkg/app"
	"github.com/haasonsaas/warden/pkg/boot"
	"github.com/haasonsaas/warden/pkg/config"
	"github.com/haasonsaas/warden/pkg/encryption"
	"github.com/haasonsaas/warden/pkg/enforcement"
	"github.com/haasonsaas/warden/pkg/health"
	"github.com/haasonsaas/warden/pkg/ids"
	"github.com/haasonsaas/warden/pkg/keystore"
	"github.com/haasonsaas/warden/pkg/logging"
	"github.com/haasonsaas/warden/pkg/pairing"
	"github.com/haasonsaas/warden/pkg/policy"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Device owns every component of the security core for one process.
type Device struct {
	cfg *config.DeviceConfig
	log zerolog.Logger
	db  *gorm.DB

	crypto    *encryption.Manager
	validator *boot.Validator
	lockdown  *enforcement.Lockdown
	ids       *ids.System
	guard     *ids.MemoryGuard
	claim     *pairing.Protocol
	bridge    *pairing.Bridge
	claimHTTP *enforcement.Switch
	machine   *app.Machine
	network   *health.NetworkProbe
	clock     *health.ClockProbe

	operatorKey ed25519.PublicKey
	nonces      *NonceStore
	limiter     *RateLimiter

	wg sync.WaitGroup
}

func openDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&AdminNonce{}, &AdminAction{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// newDevice wires the components. The caller owns Close.
func newDevice(cfg *config.DeviceConfig, db *gorm.DB, keys keystore.KeyStore, platform boot.Platform, logger zerolog.Logger) (*Device, error) {
	records, err := keystore.NewSQLStore(db)
	if err != nil {
		return nil, err
	}
	crypto := encryption.NewManager(keys, records, encryption.WithLogger(logging.Component(logger, "encryption")))
	if err := crypto.Init(); err != nil {
		return nil, err
	}

	refs, err := bootReferences(cfg.Boot)
	if err != nil {
		return nil, err
	}
	validator := boot.NewValidator(platform, refs, boot.NewSecureCounter(crypto), boot.Options{
		MaxFailures:            uint32(cfg.Boot.MaxFailures),
		AllowDebug:             cfg.Boot.AllowDebug,
		RequireSecureBoot:      cfg.Boot.RequireSecureBoot,
		RequireFlashEncryption: cfg.Boot.RequireFlashEncryption,
	}, logging.Component(logger, "boot"))

	lockdown := enforcement.NewLockdown(logging.Component(logger, "lockdown"))
	if cfg.Lockdown.NodeID != "" {
		lockdown.Register(enforcement.NewTagQuarantine(cfg.Lockdown.QuarantineURL, os.Getenv("WARDEN_QUARANTINE_API_KEY"), cfg.Lockdown.NodeID, cfg.Lockdown.Tags))
	}

	pol, err := loadPolicy(cfg.IDS)
	if err != nil {
		return nil, err
	}
	floor, err := health.ParseClockFloor(cfg.Health.ClockFloor)
	if err != nil {
		return nil, fmt.Errorf("health.clock_floor: %w", err)
	}
	guard, err := ids.NewMemoryGuard()
	if err != nil {
		return nil, err
	}
	window := time.Duration(cfg.IDS.WindowS) * time.Second
	bounds := cfg.IDS.Sensors
	detectors := []ids.ThreatDetector{
		ids.NewBruteForceDetector(cfg.IDS.BruteForceThreshold, window),
		guard,
		ids.NewHardwareTamperDetector(ids.NewSysfsSensors(bounds.HwmonRoot, bounds.IntrusionPath), ids.SensorBounds{
			VoltageMinMV:   bounds.VoltageMinMV,
			VoltageMaxMV:   bounds.VoltageMaxMV,
			TemperatureMax: bounds.TemperatureMax,
			ClockDriftPPM:  bounds.ClockDriftPPM,
		}),
		ids.NewAccessMonitor(cfg.IDS.AllowedPaths),
		ids.NewTimeManipulationDetector(ids.NewSystemClock(),
			time.Duration(cfg.IDS.BackwardToleranceS)*time.Second,
			time.Duration(cfg.IDS.ForwardJumpMaxS)*time.Second,
			floor),
	}
	idsLog := logging.Component(logger, "ids")
	if cfg.Boot.AllowDebug {
		idsLog.Warn().Msg("Debug interface detector disabled by boot.allow_debug")
	} else {
		detectors = append(detectors, ids.NewDebugInterfaceDetector(platform))
	}
	monitor := ids.New(pol, lockdown, crypto, ids.Options{Window: window, MediumEscalation: cfg.IDS.MediumEscalation},
		idsLog, detectors...)

	bridge := pairing.NewBridge()
	claim := pairing.NewProtocol(cfg.Device.ID, bridge, crypto, monitor, pairing.Options{
		NonceSize:         cfg.Pairing.NonceSize,
		ChallengeTTL:      time.Duration(cfg.Pairing.ChallengeTTLS) * time.Second,
		AttemptsPerMinute: cfg.Pairing.AttemptsPerMinute,
	}, logging.Component(logger, "pairing"))
	lockdown.Register(claim)
	claimHTTP := enforcement.NewSwitch("claim-http")
	lockdown.Register(claimHTTP)

	network := health.NewNetworkProbe(cfg.Health.ProbeURL, cfg.CallTimeout())
	clock := health.NewClockProbe(floor)
	machine := app.New(app.Deps{
		Boot:    validator,
		Network: network,
		Clock:   clock,
		Claim:   claim,
		Lock:    lockdown,
	}, app.Options{
		CallTimeout:     cfg.CallTimeout(),
		RecoveryHold:    time.Duration(cfg.StateMachine.RecoveryHoldS) * time.Second,
		ClaimMaxRejects: cfg.StateMachine.ClaimMaxRejects,
	}, logging.Component(logger, "app"))

	d := &Device{
		cfg:       cfg,
		log:       logger,
		db:        db,
		crypto:    crypto,
		validator: validator,
		lockdown:  lockdown,
		ids:       monitor,
		guard:     guard,
		claim:     claim,
		bridge:    bridge,
		claimHTTP: claimHTTP,
		machine:   machine,
		network:   network,
		clock:     clock,
		nonces:    NewNonceStore(db, 2*time.Duration(cfg.Admin.MaxAgeS)*time.Second),
		limiter:   NewRateLimiter(cfg.Admin.RequestsPerMinute, time.Minute),
	}
	if cfg.Admin.OperatorKey != "" {
		raw, err := config.DecodeKey(cfg.Admin.OperatorKey)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, &config.Error{Message: "admin operator_key must be an ed25519 public key"}
		}
		d.operatorKey = ed25519.PublicKey(raw)
		guard.Protect("operator_key", d.operatorKey)
	} else {
		logger.Warn().Msg("No operator key configured, admin API disabled")
	}
	if len(refs.TrustedKey) > 0 {
		guard.Protect("firmware_trusted_key", refs.TrustedKey)
	}
	return d, nil
}

// loadPolicy prefers a standalone policy file over inline rules.
func loadPolicy(cfg config.IDSConfig) (*policy.Policy, error) {
	if cfg.PolicyFile != "" {
		return policy.Load(cfg.PolicyFile)
	}
	return policy.FromConfig(cfg.Policy)
}

func bootReferences(cfg config.BootConfig) (boot.References, error) {
	var refs boot.References
	var err error
	if refs.FirmwareDigest, err = decodeDigest(cfg.FirmwareDigest); err != nil {
		return refs, err
	}
	if refs.PartitionDigest, err = decodeDigest(cfg.PartitionDigest); err != nil {
		return refs, err
	}
	if refs.BootloaderDigest, err = decodeDigest(cfg.BootloaderDigest); err != nil {
		return refs, err
	}
	if cfg.TrustedKey != "" {
		raw, err := config.DecodeKey(cfg.TrustedKey)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return refs, &config.Error{Message: "boot trusted_key must be an ed25519 public key"}
		}
		refs.TrustedKey = ed25519.PublicKey(raw)
	}
	return refs, nil
}

func decodeDigest(raw string) ([]byte, error) {
	if raw == "" {
		return nil, nil
	}
	return hex.DecodeString(raw)
}

func linuxPlatform(cfg config.BootConfig) *boot.LinuxPlatform {
	images := map[boot.ImageKind]string{boot.ImageFirmware: cfg.FirmwarePath}
	if cfg.PartitionPath != "" {
		images[boot.ImagePartitionTable] = cfg.PartitionPath
	}
	if cfg.BootloaderPath != "" {
		images[boot.ImageBootloader] = cfg.BootloaderPath
	}
	return boot.NewLinuxPlatform(images, cfg.SignaturePath)
}

// Start begins intrusion detection and the state machine loop.
func (d *Device) Start(ctx context.Context) error {
	if err := d.ids.StartIntrusionDetection(ctx); err != nil {
		return err
	}
	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.ids.Run(ctx, d.cfg.IDSInterval())
	}()
	go func() {
		defer d.wg.Done()
		d.machine.Run(ctx, d.cfg.TickInterval())
	}()
	d.log.Info().
		Str("device_id", d.cfg.Device.ID).
		Dur("tick", d.cfg.TickInterval()).
		Dur("ids_interval", d.cfg.IDSInterval()).
		Msg("Security core started")
	return nil
}

// Close waits for the loops started by Start, then zeroizes key material.
func (d *Device) Close() {
	d.wg.Wait()
	d.validator.PrintBootSecurityStats(context.Background())
	d.ids.PrintIDSStatistics()
	d.crypto.Cleanup()
	if sqlDB, err := d.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func (d *Device) audit(operator, action, reqID string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = err.Error()
	}
	row := AdminAction{Operator: operator, Action: action, RequestID: reqID, Outcome: outcome}
	if dbErr := d.db.Create(&row).Error; dbErr != nil {
		d.log.Warn().Err(dbErr).Str("action", action).Msg("Failed writing admin audit record")
	}
}
