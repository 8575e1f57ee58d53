package policy

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"fieldgate.org/internal/clock"
	"fieldgate.org/internal/credential"
	"fieldgate.org/internal/errs"
	"fieldgate.org/internal/obs"
)

const (
	defaultTTL          = 24 * time.Hour
	defaultMaxSkew      = 180 * time.Second
	defaultCacheSize    = 4096
	defaultStoreTimeout = 2 * time.Second
)

// Signer assembles, signs and caches device policies.
type Signer struct {
	key      ed25519.PrivateKey
	keyID    string
	configs  ConfigSource
	versions VersionSource
	clock    clock.Clock

	ttl           time.Duration
	maxSkew       time.Duration
	maxAge        time.Duration
	anchorRefresh time.Duration
	storeTimeout  time.Duration
	cacheSize     int

	mu     sync.Mutex
	cache  *lru.Cache[string, cached]
	flight singleflight.Group
}

type cached struct {
	doc      Document
	signed   Signed
	signedAt time.Time
	validTil time.Time
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithTTL sets document lifetime.
func WithTTL(d time.Duration) SignerOption {
	return func(s *Signer) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithMaxSkew sets the tolerated device clock skew written into anchors.
func WithMaxSkew(d time.Duration) SignerOption {
	return func(s *Signer) {
		if d > 0 {
			s.maxSkew = d
		}
	}
}

// WithMaxAge sets how old a document may be when a device accepts it.
// Defaults to the TTL.
func WithMaxAge(d time.Duration) SignerOption {
	return func(s *Signer) {
		if d > 0 {
			s.maxAge = d
		}
	}
}

// WithAnchorRefresh sets how long a cached signature is served before the
// anchor is re-stamped. Defaults to half the max skew.
func WithAnchorRefresh(d time.Duration) SignerOption {
	return func(s *Signer) {
		if d > 0 {
			s.anchorRefresh = d
		}
	}
}

// WithSignerClock overrides the time source.
func WithSignerClock(c clock.Clock) SignerOption {
	return func(s *Signer) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithCacheSize bounds the number of cached devices.
func WithCacheSize(n int) SignerOption {
	return func(s *Signer) {
		if n > 0 {
			s.cacheSize = n
		}
	}
}

// WithSignerStoreTimeout bounds config and version lookups.
func WithSignerStoreTimeout(d time.Duration) SignerOption {
	return func(s *Signer) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

// NewSigner returns ErrSigningKeyUnavailable when key is missing.
func NewSigner(key ed25519.PrivateKey, configs ConfigSource, versions VersionSource, opts ...SignerOption) (*Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: policy signing key missing", credential.ErrSigningKeyUnavailable)
	}
	if configs == nil || versions == nil {
		return nil, errors.New("policy: config and version sources are required")
	}
	s := &Signer{
		key:          key,
		keyID:        credential.KeyID(key.Public().(ed25519.PublicKey)),
		configs:      configs,
		versions:     versions,
		clock:        clock.Real(),
		ttl:          defaultTTL,
		maxSkew:      defaultMaxSkew,
		storeTimeout: defaultStoreTimeout,
		cacheSize:    defaultCacheSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxAge <= 0 || s.maxAge > s.ttl {
		s.maxAge = s.ttl
	}
	if s.anchorRefresh <= 0 {
		s.anchorRefresh = s.maxSkew / 2
	}
	cache, err := lru.New[string, cached](s.cacheSize)
	if err != nil {
		return nil, err
	}
	s.cache = cache
	return s, nil
}

// KeyID identifies the signing key.
func (s *Signer) KeyID() string { return s.keyID }

// PublicKey is the verification key devices pin.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.key.Public().(ed25519.PublicKey) }

// Issue returns the current signed policy for a device, signing a new
// version only when nothing valid is cached.
func (s *Signer) Issue(ctx context.Context, deviceID, teamID string) (Signed, error) {
	v, err, _ := s.flight.Do(deviceID, func() (any, error) {
		now := s.clock.Now()
		if e, ok := s.lookup(deviceID); ok && e.doc.TeamID == teamID && now.Before(e.validTil) {
			if now.Sub(e.signedAt) < s.anchorRefresh {
				return e.signed, nil
			}
			return s.restamp(deviceID, e, now)
		}
		return s.issueNew(ctx, deviceID, teamID, now, "fresh")
	})
	if err != nil {
		return Signed{}, err
	}
	return v.(Signed), nil
}

// Reissue signs a new version for a device regardless of the cache.
func (s *Signer) Reissue(ctx context.Context, deviceID, teamID string) (Signed, error) {
	v, err, _ := s.flight.Do("reissue:"+deviceID, func() (any, error) {
		return s.issueNew(ctx, deviceID, teamID, s.clock.Now(), "reissue")
	})
	if err != nil {
		return Signed{}, err
	}
	return v.(Signed), nil
}

// Invalidate drops cached documents of a team so the next poll picks up
// changed parameters under a new version.
func (s *Signer) Invalidate(teamID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, k := range s.cache.Keys() {
		if e, ok := s.cache.Peek(k); ok && e.doc.TeamID == teamID {
			s.cache.Remove(k)
			n++
		}
	}
	return n
}

// Purge drops every cached document.
func (s *Signer) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Purge()
}

func (s *Signer) lookup(deviceID string) (cached, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Get(deviceID)
}

// store keeps the higher version when two signings race.
func (s *Signer) store(deviceID string, e cached) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.cache.Peek(deviceID); ok && cur.doc.Version > e.doc.Version {
		return
	}
	s.cache.Add(deviceID, e)
}

func (s *Signer) issueNew(ctx context.Context, deviceID, teamID string, now time.Time, source string) (Signed, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	cfg, err := s.configs.TeamConfig(ctx, teamID)
	if err != nil {
		if errors.Is(err, ErrConfig) {
			return Signed{}, err
		}
		return Signed{}, errs.Internal("policy: load team configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return Signed{}, err
	}
	version, err := s.versions.NextVersion(ctx, deviceID)
	if err != nil {
		return Signed{}, errs.Internal("policy: allocate version", err)
	}

	wall := s.clock.WallNow()
	doc := Document{
		DeviceID:        deviceID,
		TeamID:          teamID,
		Version:         version,
		IssuedAt:        wall.Unix(),
		ExpiresAt:       wall.Add(s.ttl).Unix(),
		TimeWindows:     append([]TimeWindow(nil), cfg.TimeWindows...),
		GraceMinutes:    cfg.GraceMinutes,
		OverrideMinutes: cfg.OverrideMinutes,
		Location:        cfg.Location,
		Batching:        cfg.Batching,
		Anchor: Anchor{
			ServerTime:     wall.Unix(),
			MaxSkewSeconds: int64(s.maxSkew / time.Second),
			MaxAgeSeconds:  int64(s.maxAge / time.Second),
		},
		KeyID: s.keyID,
	}
	signed, err := s.sign(doc)
	if err != nil {
		return Signed{}, err
	}
	s.store(deviceID, cached{doc: doc, signed: signed, signedAt: now, validTil: now.Add(s.maxAge)})
	obs.PolicySigned(source)
	return signed, nil
}

// restamp re-signs a cached version with a fresh anchor.
func (s *Signer) restamp(deviceID string, e cached, now time.Time) (Signed, error) {
	doc := e.doc
	doc.Anchor.ServerTime = s.clock.WallNow().Unix()
	signed, err := s.sign(doc)
	if err != nil {
		return Signed{}, err
	}
	e.doc, e.signed, e.signedAt = doc, signed, now
	s.store(deviceID, e)
	obs.PolicySigned("anchor")
	return signed, nil
}

func (s *Signer) sign(doc Document) (Signed, error) {
	payload, err := Canonical(doc)
	if err != nil {
		return Signed{}, errs.Internal("policy: encode document", err)
	}
	return Signed{
		Payload:   payload,
		Signature: ed25519.Sign(s.key, payload),
		KeyID:     s.keyID,
		Digest:    Digest(payload),
		Version:   doc.Version,
		ExpiresAt: doc.Expiry(),
	}, nil
}
