package policy

import (
	"crypto/ed25519"
	"errors"
	"sync"
	"time"
)

// Device-side rejection reasons.
var (
	ErrMalformed   = errors.New("policy: malformed document")
	ErrSignature   = errors.New("policy: signature invalid")
	ErrKeyMismatch = errors.New("policy: signed by unexpected key")
	ErrClockSkew   = errors.New("policy: time anchor outside skew tolerance")
	ErrExpired     = errors.New("policy: document expired")
	ErrStale       = errors.New("policy: document older than max age")
	ErrDowngrade   = errors.New("policy: version not newer than last accepted")
	ErrNoPolicy    = errors.New("policy: no document accepted")
)

// Verify checks the signature and canonical form of s and returns the
// decoded document. Time and version checks are left to DeviceVerifier.
func Verify(pub ed25519.PublicKey, s Signed) (Document, error) {
	if len(pub) != ed25519.PublicKeySize || len(s.Signature) != ed25519.SignatureSize {
		return Document{}, ErrSignature
	}
	if !ed25519.Verify(pub, s.Payload, s.Signature) {
		return Document{}, ErrSignature
	}
	return decodeCanonical(s.Payload)
}

// DeviceVerifier is the receiving side of the contract: it pins the
// organization key and remembers the last accepted version.
type DeviceVerifier struct {
	pub     ed25519.PublicKey
	keyID   string
	maxSkew time.Duration

	mu      sync.Mutex
	last    uint64
	current *Document
}

// VerifierOption configures a DeviceVerifier.
type VerifierOption func(*DeviceVerifier)

// WithVerifierMaxSkew sets the local skew tolerance (default 180s). A
// stricter tolerance in the document anchor wins.
func WithVerifierMaxSkew(d time.Duration) VerifierOption {
	return func(v *DeviceVerifier) {
		if d > 0 {
			v.maxSkew = d
		}
	}
}

// WithLastVersion restores the persisted high-water mark.
func WithLastVersion(n uint64) VerifierOption {
	return func(v *DeviceVerifier) { v.last = n }
}

// WithExpectedKeyID rejects documents naming another key.
func WithExpectedKeyID(id string) VerifierOption {
	return func(v *DeviceVerifier) { v.keyID = id }
}

// NewDeviceVerifier pins pub.
func NewDeviceVerifier(pub ed25519.PublicKey, opts ...VerifierOption) *DeviceVerifier {
	v := &DeviceVerifier{pub: pub, maxSkew: defaultMaxSkew}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Accept validates s at localNow and, on success, makes it the current
// policy.
func (v *DeviceVerifier) Accept(s Signed, localNow time.Time) (Document, error) {
	if v.keyID != "" && s.KeyID != v.keyID {
		return Document{}, ErrKeyMismatch
	}
	doc, err := Verify(v.pub, s)
	if err != nil {
		return Document{}, err
	}
	if v.keyID != "" && doc.KeyID != v.keyID {
		return Document{}, ErrKeyMismatch
	}

	tolerance := v.maxSkew
	if anchor := time.Duration(doc.Anchor.MaxSkewSeconds) * time.Second; anchor > 0 && anchor < tolerance {
		tolerance = anchor
	}
	skew := localNow.Sub(doc.ServerTime())
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return Document{}, ErrClockSkew
	}
	if !localNow.Before(doc.Expiry()) {
		return Document{}, ErrExpired
	}
	if maxAge := time.Duration(doc.Anchor.MaxAgeSeconds) * time.Second; maxAge > 0 && localNow.Sub(doc.Issued()) > maxAge {
		return Document{}, ErrStale
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if doc.Version <= v.last {
		return Document{}, ErrDowngrade
	}
	v.last = doc.Version
	v.current = &doc
	return doc, nil
}

// Current returns the accepted document while it is unexpired.
func (v *DeviceVerifier) Current(localNow time.Time) (Document, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.current == nil {
		return Document{}, ErrNoPolicy
	}
	if !localNow.Before(v.current.Expiry()) {
		return Document{}, ErrExpired
	}
	return *v.current, nil
}

// LastVersion is the high-water mark to persist across restarts.
func (v *DeviceVerifier) LastVersion() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.last
}
