// Package token mints and verifies access, refresh and supervisor-override
// bearer tokens. Every token carries a jti that the revocation ledger can
// invalidate before natural expiry.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"fieldgate.org/internal/clock"
	"fieldgate.org/internal/credential"
	"fieldgate.org/internal/errs"
	"fieldgate.org/internal/obs"
)

const (
	defaultAccessTTL    = 15 * time.Minute
	defaultRefreshTTL   = 12 * time.Hour
	defaultOverrideTTL  = 30 * time.Minute
	defaultIssuer       = "fieldgate"
	defaultStoreTimeout = 2 * time.Second
)

var (
	ErrExpired = errs.New(errs.CodeTokenExpired, "token: expired")
	ErrRevoked = errs.New(errs.CodeTokenRevoked, "token: revoked")
	ErrInvalid = errs.New(errs.CodeTokenInvalid, "token: invalid")
)

// Kind distinguishes token purposes.
type Kind string

const (
	KindAccess   Kind = "access"
	KindRefresh  Kind = "refresh"
	KindOverride Kind = "override"
)

// Claims is the JWT body.
type Claims struct {
	Kind         Kind   `json:"kind"`
	DeviceID     string `json:"dev,omitempty"`
	TeamID       string `json:"team,omitempty"`
	Override     bool   `json:"ovr,omitempty"`
	SupervisorID string `json:"sup,omitempty"`
	jwt.RegisteredClaims
}

// Bearer returns the identity the token was minted for.
func (c *Claims) Bearer() Subject {
	return Subject{IdentityID: c.Subject, DeviceID: c.DeviceID, TeamID: c.TeamID}
}

// Expiry returns exp or the zero time.
func (c *Claims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// Subject is the authenticated identity a token is bound to.
type Subject struct {
	IdentityID string
	DeviceID   string
	TeamID     string
}

// Token is a minted credential together with its metadata.
type Token struct {
	Raw       string
	JTI       string
	Kind      Kind
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Pair is the login and refresh result.
type Pair struct {
	Access  Token
	Refresh Token
}

// Issuer mints and verifies tokens.
type Issuer struct {
	secret       []byte
	ledger       Ledger
	clock        clock.Clock
	issuer       string
	accessTTL    time.Duration
	refreshTTL   time.Duration
	overrideTTL  time.Duration
	storeTimeout time.Duration
}

// Option configures an Issuer.
type Option func(*Issuer) error

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(i *Issuer) error {
		if ttl > 0 {
			i.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(i *Issuer) error {
		if ttl > 0 {
			i.refreshTTL = ttl
		}
		return nil
	}
}

// WithOverrideTTL configures the supervisor override window.
func WithOverrideTTL(ttl time.Duration) Option {
	return func(i *Issuer) error {
		if ttl > 0 {
			i.overrideTTL = ttl
		}
		return nil
	}
}

// WithIssuer overrides the iss claim.
func WithIssuer(issuer string) Option {
	return func(i *Issuer) error {
		if s := strings.TrimSpace(issuer); s != "" {
			i.issuer = s
		}
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(i *Issuer) error {
		if c != nil {
			i.clock = c
		}
		return nil
	}
}

// WithStoreTimeout bounds each ledger round trip.
func WithStoreTimeout(d time.Duration) Option {
	return func(i *Issuer) error {
		if d > 0 {
			i.storeTimeout = d
		}
		return nil
	}
}

// NewIssuer constructs an Issuer signing with HS256 over secret.
func NewIssuer(secret []byte, ledger Ledger, opts ...Option) (*Issuer, error) {
	if len(secret) < credential.MinTokenSecret {
		return nil, fmt.Errorf("%w: token secret too short", credential.ErrSigningKeyUnavailable)
	}
	if ledger == nil {
		return nil, errors.New("token: ledger is required")
	}
	i := &Issuer{
		secret:       secret,
		ledger:       ledger,
		clock:        clock.Real(),
		issuer:       defaultIssuer,
		accessTTL:    defaultAccessTTL,
		refreshTTL:   defaultRefreshTTL,
		overrideTTL:  defaultOverrideTTL,
		storeTimeout: defaultStoreTimeout,
	}
	for _, opt := range opts {
		if err := opt(i); err != nil {
			return nil, err
		}
	}
	return i, nil
}

// TTL returns the configured lifetime of kind.
func (i *Issuer) TTL(kind Kind) time.Duration {
	switch kind {
	case KindRefresh:
		return i.refreshTTL
	case KindOverride:
		return i.overrideTTL
	default:
		return i.accessTTL
	}
}

// IssuePair mints an access and a refresh token for sub.
func (i *Issuer) IssuePair(_ context.Context, sub Subject) (Pair, error) {
	access, err := i.mint(sub, KindAccess, "")
	if err != nil {
		return Pair{}, err
	}
	refresh, err := i.mint(sub, KindRefresh, "")
	if err != nil {
		return Pair{}, err
	}
	return Pair{Access: access, Refresh: refresh}, nil
}

// IssueOverride mints a time-boxed elevated-context token for sub,
// attributed to the supervisor who authorised it.
func (i *Issuer) IssueOverride(_ context.Context, sub Subject, supervisorID string) (Token, error) {
	if strings.TrimSpace(supervisorID) == "" {
		return Token{}, errors.New("token: override requires a supervisor")
	}
	return i.mint(sub, KindOverride, supervisorID)
}

func (i *Issuer) mint(sub Subject, kind Kind, supervisorID string) (Token, error) {
	if strings.TrimSpace(sub.IdentityID) == "" {
		return Token{}, errors.New("token: subject is required")
	}
	now := i.clock.Now()
	claims := Claims{
		Kind:         kind,
		DeviceID:     sub.DeviceID,
		TeamID:       sub.TeamID,
		Override:     kind == KindOverride,
		SupervisorID: supervisorID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   sub.IdentityID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.TTL(kind))),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Token{}, fmt.Errorf("token: sign: %w", err)
	}
	obs.TokenIssued(string(kind))
	return Token{
		Raw:       raw,
		JTI:       claims.ID,
		Kind:      kind,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Verify checks integrity, expiry and revocation. When kinds is non-empty
// the token must be one of them. A ledger failure rejects the token.
func (i *Issuer) Verify(ctx context.Context, raw string, kinds ...Kind) (*Claims, error) {
	claims, err := i.parse(raw)
	if err != nil {
		return nil, err
	}
	if len(kinds) > 0 && !kindIn(claims.Kind, kinds) {
		return nil, ErrInvalid
	}
	ctx, cancel := context.WithTimeout(ctx, i.storeTimeout)
	defer cancel()
	revoked, err := i.ledger.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, errs.Internal("token: revocation check unavailable", err)
	}
	if revoked {
		return nil, ErrRevoked
	}
	return claims, nil
}

func (i *Issuer) parse(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalid
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.clock.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalid
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, ErrInvalid
	}
	switch claims.Kind {
	case KindAccess, KindRefresh:
		if claims.Override {
			return nil, ErrInvalid
		}
	case KindOverride:
		if !claims.Override || claims.SupervisorID == "" {
			return nil, ErrInvalid
		}
	default:
		return nil, ErrInvalid
	}
	return claims, nil
}

// Refresh consumes a refresh token and mints a new pair. Concurrent
// replays of the same token yield exactly one success; the others get
// ErrRevoked.
func (i *Issuer) Refresh(ctx context.Context, raw string) (Pair, *Claims, error) {
	claims, err := i.Verify(ctx, raw, KindRefresh)
	if err != nil {
		return Pair{}, nil, err
	}
	inserted, err := i.Revoke(ctx, claims, ReasonRotated)
	if err != nil {
		return Pair{}, nil, err
	}
	if !inserted {
		return Pair{}, nil, ErrRevoked
	}
	pair, err := i.IssuePair(ctx, claims.Bearer())
	if err != nil {
		return Pair{}, nil, err
	}
	return pair, claims, nil
}

// Revoke writes the token's jti into the ledger.
func (i *Issuer) Revoke(ctx context.Context, claims *Claims, reason Reason) (bool, error) {
	return i.RevokeEntry(ctx, Entry{
		JTI:       claims.ID,
		Subject:   claims.Subject,
		Kind:      claims.Kind,
		Reason:    reason,
		ExpiresAt: claims.Expiry(),
	})
}

// RevokeEntry writes e into the ledger, stamping RevokedAt.
func (i *Issuer) RevokeEntry(ctx context.Context, e Entry) (bool, error) {
	if e.JTI == "" {
		return false, ErrInvalid
	}
	if e.RevokedAt.IsZero() {
		e.RevokedAt = i.clock.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(ctx, i.storeTimeout)
	defer cancel()
	inserted, err := i.ledger.Revoke(ctx, e)
	if err != nil {
		return false, errs.Internal("token: revocation write failed", err)
	}
	if inserted {
		obs.TokenRevoked(string(e.Reason))
	}
	return inserted, nil
}

func kindIn(k Kind, kinds []Kind) bool {
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}
