package policy

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"fieldgate.org/internal/clock"
	"fieldgate.org/internal/credential"
	"fieldgate.org/internal/errs"
)

func testTeam() TeamConfig {
	return TeamConfig{
		TeamID: "t1",
		TimeWindows: []TimeWindow{
			{Weekday: 1, Start: "07:00", End: "17:30"},
			{Weekday: 2, Start: "07:00", End: "17:30"},
		},
		GraceMinutes:    10,
		OverrideMinutes: 45,
		Location:        LocationParams{IntervalSeconds: 60, AccuracyMeters: 25, MaxAgeSeconds: 300},
		Batching:        BatchingParams{MaxEvents: 200, MaxBytes: 1 << 16, FlushSeconds: 30},
	}
}

type signerFixture struct {
	signer   *Signer
	clock    *clock.Mock
	pub      ed25519.PublicKey
	versions *MemoryVersions
}

func newSigner(t *testing.T, opts ...SignerOption) signerFixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	clk := clock.NewMock(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	versions := NewMemoryVersions()
	all := append([]SignerOption{WithSignerClock(clk), WithTTL(8 * time.Hour)}, opts...)
	s, err := NewSigner(priv, NewMemoryConfigs(testTeam()), versions, all...)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return signerFixture{signer: s, clock: clk, pub: pub, versions: versions}
}

func TestIssueProducesVerifiableDocument(t *testing.T) {
	f := newSigner(t)
	signed, err := f.signer.Issue(context.Background(), "d1", "t1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	doc, err := Verify(f.pub, signed)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if doc.DeviceID != "d1" || doc.TeamID != "t1" || doc.Version != 1 {
		t.Fatalf("unexpected document %+v", doc)
	}
	if doc.GraceMinutes != 10 || doc.OverrideMinutes != 45 || len(doc.TimeWindows) != 2 {
		t.Fatalf("team parameters not carried: %+v", doc)
	}
	if doc.Anchor.MaxSkewSeconds != 180 || doc.Anchor.ServerTime != f.clock.WallNow().Unix() {
		t.Fatalf("unexpected anchor %+v", doc.Anchor)
	}
	if doc.ExpiresAt-doc.IssuedAt != int64((8 * time.Hour).Seconds()) {
		t.Fatalf("unexpected lifetime %d", doc.ExpiresAt-doc.IssuedAt)
	}
	if signed.Digest != Digest(signed.Payload) || signed.KeyID != f.signer.KeyID() {
		t.Fatalf("signed envelope inconsistent: %+v", signed)
	}
}

func TestCanonicalEncodingIsDeterministic(t *testing.T) {
	doc := Document{DeviceID: "d1", TeamID: "t1", Version: 7, TimeWindows: testTeam().TimeWindows}
	a, err := Canonical(doc)
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	b, _ := Canonical(doc)
	if string(a) != string(b) {
		t.Fatalf("encoding not deterministic")
	}
	back, err := decodeCanonical(a)
	if err != nil || back.Version != 7 || back.TimeWindows[0].End != "17:30" {
		t.Fatalf("decode = %+v, %v", back, err)
	}
}

func TestTamperedPayloadFailsVerification(t *testing.T) {
	f := newSigner(t)
	signed, err := f.signer.Issue(context.Background(), "d1", "t1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	for i := range signed.Payload {
		mutated := signed
		mutated.Payload = append([]byte(nil), signed.Payload...)
		mutated.Payload[i] ^= 0x01
		if _, err := Verify(f.pub, mutated); !errors.Is(err, ErrSignature) {
			t.Fatalf("byte %d altered but verification returned %v", i, err)
		}
	}
	bad := signed
	bad.Signature = append([]byte(nil), signed.Signature...)
	bad.Signature[0] ^= 0xff
	if _, err := Verify(f.pub, bad); !errors.Is(err, ErrSignature) {
		t.Fatalf("altered signature accepted: %v", err)
	}
}

func TestDeviceRejectsSkewBeyondTolerance(t *testing.T) {
	f := newSigner(t)
	signed, err := f.signer.Issue(context.Background(), "d1", "t1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	server := f.clock.WallNow()

	for _, offset := range []time.Duration{181 * time.Second, -181 * time.Second} {
		v := NewDeviceVerifier(f.pub)
		if _, err := v.Accept(signed, server.Add(offset)); !errors.Is(err, ErrClockSkew) {
			t.Fatalf("offset %v: expected ErrClockSkew, got %v", offset, err)
		}
	}
	v := NewDeviceVerifier(f.pub)
	if _, err := v.Accept(signed, server.Add(180*time.Second)); err != nil {
		t.Fatalf("skew at tolerance must pass: %v", err)
	}
}

func TestDeviceRejectsExpired(t *testing.T) {
	f := newSigner(t, WithMaxSkew(24*time.Hour), WithMaxAge(24*time.Hour))
	signed, err := f.signer.Issue(context.Background(), "d1", "t1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	v := NewDeviceVerifier(f.pub, WithVerifierMaxSkew(24*time.Hour))
	if _, err := v.Accept(signed, f.clock.WallNow().Add(8*time.Hour)); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestDeviceVersionScenario(t *testing.T) {
	f := newSigner(t)
	ctx := context.Background()
	var v3 Signed
	for i := 0; i < 3; i++ {
		var err error
		v3, err = f.signer.Reissue(ctx, "d1", "t1")
		if err != nil {
			t.Fatalf("Reissue: %v", err)
		}
	}
	if v3.Version != 3 {
		t.Fatalf("expected version 3, got %d", v3.Version)
	}
	device := NewDeviceVerifier(f.pub, WithExpectedKeyID(f.signer.KeyID()))
	if _, err := device.Accept(v3, f.clock.WallNow()); err != nil {
		t.Fatalf("accept v3: %v", err)
	}

	f.clock.Add(time.Minute)
	v4, err := f.signer.Reissue(ctx, "d1", "t1")
	if err != nil {
		t.Fatalf("Reissue: %v", err)
	}
	if v4.Version != 4 || !v4.ExpiresAt.After(v3.ExpiresAt) {
		t.Fatalf("expected later v4, got version %d expiring %v", v4.Version, v4.ExpiresAt)
	}
	doc, err := device.Accept(v4, f.clock.WallNow())
	if err != nil {
		t.Fatalf("accept v4: %v", err)
	}
	if cur, _ := device.Current(f.clock.WallNow()); cur.Version != 4 || doc.Version != 4 {
		t.Fatalf("device did not switch to v4")
	}
	if _, err := device.Accept(v3, f.clock.WallNow()); !errors.Is(err, ErrDowngrade) {
		t.Fatalf("replayed v3 must be rejected, got %v", err)
	}
	if _, err := device.Accept(v4, f.clock.WallNow()); !errors.Is(err, ErrDowngrade) {
		t.Fatalf("replayed v4 must be rejected, got %v", err)
	}
	if device.LastVersion() != 4 {
		t.Fatalf("last version = %d", device.LastVersion())
	}
}

func TestIssueServesCacheUntilAnchorRefresh(t *testing.T) {
	f := newSigner(t)
	ctx := context.Background()
	first, err := f.signer.Issue(ctx, "d1", "t1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	f.clock.Add(30 * time.Second)
	second, _ := f.signer.Issue(ctx, "d1", "t1")
	if string(second.Signature) != string(first.Signature) {
		t.Fatalf("expected cached signature within anchor refresh window")
	}

	f.clock.Add(time.Minute)
	third, err := f.signer.Issue(ctx, "d1", "t1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if third.Version != first.Version {
		t.Fatalf("restamp must keep version, got %d", third.Version)
	}
	doc, err := Verify(f.pub, third)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if doc.Anchor.ServerTime != f.clock.WallNow().Unix() {
		t.Fatalf("anchor not refreshed")
	}
	if _, err := NewDeviceVerifier(f.pub).Accept(third, f.clock.WallNow()); err != nil {
		t.Fatalf("restamped document rejected by a fresh device: %v", err)
	}
}

func TestIssueSignsNewVersionAfterExpiry(t *testing.T) {
	f := newSigner(t)
	ctx := context.Background()
	first, _ := f.signer.Issue(ctx, "d1", "t1")
	f.clock.Add(8 * time.Hour)
	next, err := f.signer.Issue(ctx, "d1", "t1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if next.Version != first.Version+1 {
		t.Fatalf("expected version bump after expiry, got %d", next.Version)
	}
}

func TestInvalidateTeam(t *testing.T) {
	f := newSigner(t)
	ctx := context.Background()
	first, _ := f.signer.Issue(ctx, "d1", "t1")
	if n := f.signer.Invalidate("t1"); n != 1 {
		t.Fatalf("invalidated %d entries", n)
	}
	next, _ := f.signer.Issue(ctx, "d1", "t1")
	if next.Version != first.Version+1 {
		t.Fatalf("expected new version after invalidation")
	}
}

func TestPurgeDropsEveryTeam(t *testing.T) {
	f := newSigner(t)
	ctx := context.Background()
	first, _ := f.signer.Issue(ctx, "d1", "t1")
	f.signer.Purge()
	next, _ := f.signer.Issue(ctx, "d1", "t1")
	if next.Version != first.Version+1 {
		t.Fatalf("expected new version after purge")
	}
}

func TestMissingTeamConfigIsConfigError(t *testing.T) {
	f := newSigner(t)
	_, err := f.signer.Issue(context.Background(), "d9", "unknown-team")
	if !errors.Is(err, ErrConfig) || errs.CodeOf(err) != errs.CodePolicyConfig {
		t.Fatalf("expected POLICY_CONFIG_ERROR, got %v", err)
	}
	if next, _ := f.versions.NextVersion(context.Background(), "d9"); next != 1 {
		t.Fatalf("config failure must not consume a version")
	}
}

func TestValidateTeamConfig(t *testing.T) {
	cases := map[string]func(*TeamConfig){
		"no windows":      func(c *TeamConfig) { c.TimeWindows = nil },
		"bad weekday":     func(c *TeamConfig) { c.TimeWindows[0].Weekday = 7 },
		"bad time":        func(c *TeamConfig) { c.TimeWindows[0].Start = "7:00" },
		"empty window":    func(c *TeamConfig) { c.TimeWindows[0].End = "07:00" },
		"no override":     func(c *TeamConfig) { c.OverrideMinutes = 0 },
		"negative grace":  func(c *TeamConfig) { c.GraceMinutes = -1 },
		"no location":     func(c *TeamConfig) { c.Location.IntervalSeconds = 0 },
		"no batching":     func(c *TeamConfig) { c.Batching.MaxBytes = 0 },
		"missing team id": func(c *TeamConfig) { c.TeamID = "" },
	}
	for name, mutate := range cases {
		cfg := testTeam()
		mutate(&cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrConfig) {
			t.Fatalf("%s: expected ErrConfig, got %v", name, err)
		}
	}
	if err := testTeam().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestNewSignerWithoutKey(t *testing.T) {
	_, err := NewSigner(nil, NewMemoryConfigs(), NewMemoryVersions())
	if !errors.Is(err, credential.ErrSigningKeyUnavailable) {
		t.Fatalf("expected ErrSigningKeyUnavailable, got %v", err)
	}
}

func TestJWKSRoundTrip(t *testing.T) {
	f := newSigner(t)
	data, err := f.signer.JWKS()
	if err != nil {
		t.Fatalf("JWKS: %v", err)
	}
	pub, err := KeyFromJWKS(data, f.signer.KeyID())
	if err != nil {
		t.Fatalf("KeyFromJWKS: %v", err)
	}
	if !pub.Equal(f.pub) {
		t.Fatalf("published key differs")
	}
	if _, err := KeyFromJWKS(data, "other"); !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("unknown kid must fail, got %v", err)
	}
}
