package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Headers carrying a signed admin request.
const (
	HeaderOperator  = "X-Warden-Operator"
	HeaderTimestamp = "X-Warden-Timestamp"
	HeaderNonce     = "X-Warden-Nonce"
	HeaderSignature = "X-Warden-Signature"
)

// MaxClockSkew is how far in the future a request timestamp may be.
const MaxClockSkew = time.Minute

var (
	ErrMissingHeaders = errors.New("auth: missing signature headers")
	ErrStale          = errors.New("auth: request too old")
	ErrFuture         = errors.New("auth: request from future")
	ErrBadSignature   = errors.New("auth: signature verification failed")
)

// SignedRequest represents a signed HTTP request
type SignedRequest struct {
	Operator  string
	Method    string
	Path      string
	Body      []byte
	Timestamp time.Time
	Nonce     string
	Signature string
}

// CreateSignedRequest signs a request for method and path.
func CreateSignedRequest(identity *Identity, method, path string, body []byte) *SignedRequest {
	req := &SignedRequest{
		Operator:  identity.Operator,
		Method:    method,
		Path:      path,
		Body:      body,
		Timestamp: time.Now(),
		Nonce:     generateNonce(),
	}
	req.Signature = base64.StdEncoding.EncodeToString(identity.Sign(req.message()))
	return req
}

// Apply sets the signature headers on r.
func (s *SignedRequest) Apply(r *http.Request) {
	r.Header.Set(HeaderOperator, s.Operator)
	r.Header.Set(HeaderTimestamp, strconv.FormatInt(s.Timestamp.Unix(), 10))
	r.Header.Set(HeaderNonce, s.Nonce)
	r.Header.Set(HeaderSignature, s.Signature)
}

// FromHTTP reassembles a SignedRequest from headers and an already read body.
func FromHTTP(r *http.Request, body []byte) (*SignedRequest, error) {
	ts := r.Header.Get(HeaderTimestamp)
	nonce := r.Header.Get(HeaderNonce)
	sig := r.Header.Get(HeaderSignature)
	if ts == "" || nonce == "" || sig == "" {
		return nil, ErrMissingHeaders
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("auth: invalid timestamp: %w", err)
	}
	return &SignedRequest{
		Operator:  r.Header.Get(HeaderOperator),
		Method:    r.Method,
		Path:      r.URL.Path,
		Body:      body,
		Timestamp: time.Unix(unix, 0),
		Nonce:     nonce,
		Signature: sig,
	}, nil
}

// VerifySignedRequest validates a signed request
func VerifySignedRequest(publicKey ed25519.PublicKey, req *SignedRequest, maxAge time.Duration) error {
	age := time.Since(req.Timestamp)
	if age > maxAge {
		return fmt.Errorf("%w: %v", ErrStale, age.Round(time.Second))
	}
	if age < -MaxClockSkew {
		return ErrFuture
	}

	sigBytes, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !Verify(publicKey, req.message(), sigBytes) {
		return ErrBadSignature
	}
	return nil
}

// message is method|path|timestamp|nonce|body.
func (s *SignedRequest) message() []byte {
	ts := strconv.FormatInt(s.Timestamp.Unix(), 10)
	return []byte(strings.Join([]string{s.Method, s.Path, ts, s.Nonce, string(s.Body)}, "|"))
}

func generateNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
