// Package pairing implements the device side of the ownership claim.
//
// The device issues {deviceID, nonce}; the claimant answers with
// {childID, HMAC(oobSecret, deviceID || childID || nonce)}. The out-of-band
// secret never crosses the transport. Nonces are single use: every issued
// nonce is retired to a consumed set once it is answered or expires.
package pairing

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/haasonsaas/warden/pkg/encryption"
	"github.com/haasonsaas/warden/pkg/policy"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	MinNonceSize     = 16
	MaxNonceSize     = 64
	DefaultNonceSize = 32

	// StorageContext namespaces pairing secrets in the encryption manager.
	StorageContext = "ble_pairing"
	secretKey      = "oob_secret"
	bindingKey     = "claim_binding"

	consumedRetention = time.Hour
	maxConsumed       = 1024
)

var (
	ErrSignatureMismatch = errors.New("pairing: claim signature mismatch")
	ErrNonceReused       = errors.New("pairing: nonce already consumed")
	ErrUnknownNonce      = errors.New("pairing: response for a nonce this device did not issue")
	ErrNoChallenge       = errors.New("pairing: no challenge outstanding")
	ErrNoResponse        = errors.New("pairing: no response yet")
	ErrChallengeExpired  = errors.New("pairing: challenge expired")
	ErrThrottled         = errors.New("pairing: too many claim attempts")
	ErrDisabled          = errors.New("pairing: claim protocol disabled")
	ErrNoSecret          = errors.New("pairing: no out-of-band secret provisioned")
	ErrDelivery          = errors.New("pairing: transport delivery failed")
)

type Challenge struct {
	DeviceID  string    `json:"device_id"`
	Nonce     []byte    `json:"nonce"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Response is what the claimant sends back. Nonce is an optional echo of the
// challenge nonce.
type Response struct {
	ChildID   string `json:"child_id"`
	Nonce     []byte `json:"nonce,omitempty"`
	Signature []byte `json:"signature"`
}

// Transport carries the exchange. ReceiveResponse must not block past ctx and
// returns ErrNoResponse when nothing has arrived.
type Transport interface {
	SendChallenge(ctx context.Context, c Challenge) error
	ReceiveResponse(ctx context.Context) (Response, error)
}

// Reporter is how the protocol surfaces failed attempts to intrusion detection.
type Reporter interface {
	ReportSuspiciousActivity(category policy.Category, description string, severity policy.Severity)
}

// SecureStorage is the slice of the encryption manager the protocol needs.
type SecureStorage interface {
	StoreSecureData(ctx context.Context, key string, data []byte, scope string) error
	RetrieveSecureData(ctx context.Context, key, scope string) ([]byte, error)
	RemoveSecureData(ctx context.Context, key, scope string) error
}

type Status int

const (
	Pending Status = iota
	Accepted
	Rejected
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

type Outcome struct {
	Status  Status
	ChildID string
	Reason  error
}

// Binding is the persisted (device, child) ownership record.
type Binding struct {
	DeviceID  string    `json:"device_id"`
	ChildID   string    `json:"child_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

type Options struct {
	NonceSize         int
	ChallengeTTL      time.Duration
	AttemptsPerMinute int
}

type Protocol struct {
	deviceID  string
	transport Transport
	storage   SecureStorage
	reporter  Reporter
	limiter   *rate.Limiter
	opts      Options
	log       zerolog.Logger
	random    io.Reader
	now       func() time.Time

	mu          sync.Mutex
	outstanding *Challenge
	consumed    map[string]time.Time
	failures    int
	disabled    bool
	pending     []pendingReport
	accepted    uint64
	rejected    uint64
}

func NewProtocol(deviceID string, transport Transport, storage SecureStorage, reporter Reporter, opts Options, logger zerolog.Logger) *Protocol {
	if opts.NonceSize < MinNonceSize || opts.NonceSize > MaxNonceSize {
		opts.NonceSize = DefaultNonceSize
	}
	if opts.ChallengeTTL <= 0 {
		opts.ChallengeTTL = time.Minute
	}
	if opts.AttemptsPerMinute <= 0 {
		opts.AttemptsPerMinute = 6
	}
	return &Protocol{
		deviceID:  deviceID,
		transport: transport,
		storage:   storage,
		reporter:  reporter,
		limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.AttemptsPerMinute)), opts.AttemptsPerMinute),
		opts:      opts,
		log:       logger,
		random:    rand.Reader,
		now:       time.Now,
		consumed:  make(map[string]time.Time),
	}
}

// Attempt advances the claim exchange by one step without blocking on the
// claimant. With no challenge outstanding it issues one and reports Pending.
// With a challenge outstanding it polls the transport once; a response is
// verified and the nonce retired within this call.
func (p *Protocol) Attempt(ctx context.Context) (Outcome, error) {
	p.mu.Lock()
	out, err := p.attempt(ctx)
	reports := p.pending
	p.pending = nil
	p.mu.Unlock()

	// Reports go out after unlocking: a report can trigger lockdown, and
	// lockdown disables this protocol.
	if p.reporter != nil {
		for _, r := range reports {
			p.reporter.ReportSuspiciousActivity(r.category, r.description, r.severity)
		}
	}
	return out, err
}

func (p *Protocol) attempt(ctx context.Context) (Outcome, error) {
	if p.disabled {
		return Outcome{Status: Pending}, ErrDisabled
	}

	now := p.now()
	p.pruneConsumed(now)

	if p.outstanding != nil && !now.Before(p.outstanding.ExpiresAt) {
		p.log.Debug().Msg("Claim challenge expired unanswered")
		p.retire(p.outstanding.Nonce, now)
		p.outstanding = nil
	}

	if p.outstanding == nil {
		return p.issue(ctx, now)
	}

	resp, err := p.transport.ReceiveResponse(ctx)
	if errors.Is(err, ErrNoResponse) || ctx.Err() != nil {
		return Outcome{Status: Pending}, nil
	}
	challenge := *p.outstanding
	p.retire(challenge.Nonce, now)
	p.outstanding = nil
	if err != nil {
		return p.reject("", fmt.Errorf("%w: receive: %v", ErrDelivery, err), false), nil
	}
	return p.verify(ctx, challenge, resp, now), nil
}

func (p *Protocol) issue(ctx context.Context, now time.Time) (Outcome, error) {
	secret, err := p.storage.RetrieveSecureData(ctx, secretKey, StorageContext)
	if err != nil {
		if errors.Is(err, encryption.ErrNotFound) {
			return Outcome{Status: Pending}, ErrNoSecret
		}
		return Outcome{Status: Pending}, fmt.Errorf("pairing: load secret: %w", err)
	}
	encryption.SecureMemoryClear(secret)

	nonce, err := p.newNonce()
	if err != nil {
		return Outcome{Status: Pending}, err
	}
	challenge := Challenge{
		DeviceID:  p.deviceID,
		Nonce:     nonce,
		IssuedAt:  now.UTC(),
		ExpiresAt: now.Add(p.opts.ChallengeTTL).UTC(),
	}
	if err := p.transport.SendChallenge(ctx, challenge); err != nil {
		p.retire(nonce, now)
		return p.reject("", fmt.Errorf("%w: send: %v", ErrDelivery, err), false), nil
	}
	p.outstanding = &challenge
	p.log.Info().Time("expires_at", challenge.ExpiresAt).Msg("Issued claim challenge")
	return Outcome{Status: Pending}, nil
}

func (p *Protocol) verify(ctx context.Context, challenge Challenge, resp Response, now time.Time) Outcome {
	if len(resp.Nonce) > 0 && string(resp.Nonce) != string(challenge.Nonce) {
		if _, seen := p.consumed[string(resp.Nonce)]; seen {
			return p.reject(resp.ChildID, ErrNonceReused, true)
		}
		return p.reject(resp.ChildID, ErrUnknownNonce, true)
	}

	if !p.limiter.AllowN(now, 1) {
		p.report(policy.BruteForce, fmt.Sprintf("claim attempts throttled for child %q", resp.ChildID), policy.Medium)
		return p.reject(resp.ChildID, ErrThrottled, false)
	}

	secret, err := p.storage.RetrieveSecureData(ctx, secretKey, StorageContext)
	if err != nil {
		if errors.Is(err, encryption.ErrNotFound) {
			err = ErrNoSecret
		}
		return p.reject(resp.ChildID, err, false)
	}
	ok := VerifyClaimSignature(secret, challenge.DeviceID, resp.ChildID, challenge.Nonce, resp.Signature)
	encryption.SecureMemoryClear(secret)
	if !ok {
		return p.reject(resp.ChildID, ErrSignatureMismatch, true)
	}

	binding := Binding{DeviceID: challenge.DeviceID, ChildID: resp.ChildID, ClaimedAt: now.UTC()}
	raw, err := json.Marshal(binding)
	if err != nil {
		return p.reject(resp.ChildID, err, false)
	}
	if err := p.storage.StoreSecureData(ctx, bindingKey, raw, StorageContext); err != nil {
		p.log.Error().Err(err).Msg("Failed persisting claim binding")
		return p.reject(resp.ChildID, fmt.Errorf("pairing: persist binding: %w", err), false)
	}

	p.failures = 0
	p.accepted++
	p.log.Info().Str("child_id", resp.ChildID).Msg("Claim accepted")
	return Outcome{Status: Accepted, ChildID: resp.ChildID}
}

// reject records a failed attempt. Attempts that look like an attacker are
// reported so the brute-force detector can count them.
func (p *Protocol) reject(childID string, reason error, suspicious bool) Outcome {
	p.failures++
	p.rejected++
	p.log.Warn().Err(reason).Str("child_id", childID).Int("consecutive_failures", p.failures).Msg("Claim rejected")
	if suspicious {
		p.report(policy.ClaimFailure, fmt.Sprintf("claim rejected for child %q: %v", childID, reason), policy.Low)
	}
	return Outcome{Status: Rejected, ChildID: childID, Reason: reason}
}

type pendingReport struct {
	category    policy.Category
	description string
	severity    policy.Severity
}

func (p *Protocol) report(category policy.Category, description string, severity policy.Severity) {
	p.pending = append(p.pending, pendingReport{category, description, severity})
}

func (p *Protocol) newNonce() ([]byte, error) {
	for {
		nonce := make([]byte, p.opts.NonceSize)
		if _, err := io.ReadFull(p.random, nonce); err != nil {
			return nil, fmt.Errorf("pairing: generate nonce: %w", err)
		}
		if _, seen := p.consumed[string(nonce)]; !seen {
			return nonce, nil
		}
	}
}

func (p *Protocol) retire(nonce []byte, now time.Time) {
	p.consumed[string(nonce)] = now
	if len(p.consumed) <= maxConsumed {
		return
	}
	var oldestKey string
	var oldest time.Time
	for k, t := range p.consumed {
		if oldestKey == "" || t.Before(oldest) {
			oldestKey, oldest = k, t
		}
	}
	delete(p.consumed, oldestKey)
}

func (p *Protocol) pruneConsumed(now time.Time) {
	for k, t := range p.consumed {
		if now.Sub(t) > consumedRetention {
			delete(p.consumed, k)
		}
	}
}

// ConsecutiveFailures is the number of rejections since the last acceptance
// or Reset.
func (p *Protocol) ConsecutiveFailures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

// Reset drops any outstanding challenge and the failure streak. The dropped
// nonce is retired.
func (p *Protocol) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outstanding != nil {
		p.retire(p.outstanding.Nonce, p.now())
		p.outstanding = nil
	}
	p.failures = 0
}

// ProvisionSecret stores the out-of-band secret.
func (p *Protocol) ProvisionSecret(ctx context.Context, secret []byte) error {
	if len(secret) < MinNonceSize {
		return fmt.Errorf("pairing: secret must be at least %d bytes", MinNonceSize)
	}
	return p.storage.StoreSecureData(ctx, secretKey, secret, StorageContext)
}

// Binding returns the persisted ownership record.
func (p *Protocol) Binding(ctx context.Context) (Binding, error) {
	raw, err := p.storage.RetrieveSecureData(ctx, bindingKey, StorageContext)
	if err != nil {
		return Binding{}, err
	}
	var b Binding
	if err := json.Unmarshal(raw, &b); err != nil {
		return Binding{}, fmt.Errorf("pairing: decode binding: %w", err)
	}
	return b, nil
}

// Bound reports the persisted ownership record, if any.
func (p *Protocol) Bound(ctx context.Context) (Binding, bool, error) {
	b, err := p.Binding(ctx)
	if errors.Is(err, encryption.ErrNotFound) {
		return Binding{}, false, nil
	}
	if err != nil {
		return Binding{}, false, err
	}
	return b, true, nil
}

// ClearBinding removes the ownership record.
func (p *Protocol) ClearBinding(ctx context.Context) error {
	return p.storage.RemoveSecureData(ctx, bindingKey, StorageContext)
}

func (p *Protocol) Name() string { return "claim-protocol" }

// Disable stops the protocol from issuing or verifying challenges and retires
// any outstanding nonce.
func (p *Protocol) Disable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disabled = true
	if p.outstanding != nil {
		p.retire(p.outstanding.Nonce, p.now())
		p.outstanding = nil
	}
	return nil
}

func (p *Protocol) Enable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disabled = false
	return nil
}

type Stats struct {
	Outstanding         bool   `json:"challenge_outstanding"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Accepted            uint64 `json:"accepted"`
	Rejected            uint64 `json:"rejected"`
	ConsumedNonces      int    `json:"consumed_nonces"`
	Disabled            bool   `json:"disabled"`
}

func (p *Protocol) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Outstanding:         p.outstanding != nil,
		ConsecutiveFailures: p.failures,
		Accepted:            p.accepted,
		Rejected:            p.rejected,
		ConsumedNonces:      len(p.consumed),
		Disabled:            p.disabled,
	}
}
