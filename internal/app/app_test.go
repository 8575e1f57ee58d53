package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fieldgate.org/internal/authn"
	"fieldgate.org/internal/authz"
	"fieldgate.org/internal/config"
	"fieldgate.org/internal/credential"
	"fieldgate.org/internal/policy"
	"fieldgate.org/internal/store/pg"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Hash = config.HashConfig{MemoryKiB: 1024, Iterations: 1, Parallelism: 1}
	return cfg
}

func newMemoryApp(t *testing.T) *App {
	t.Helper()
	keyring, err := credential.GenerateKeyring()
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	a, err := New(context.Background(), testConfig(), WithKeyring(keyring), WithVersion("test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNewRequiresSigningMaterial(t *testing.T) {
	_, err := New(context.Background(), testConfig())
	if !errors.Is(err, credential.ErrSigningKeyUnavailable) {
		t.Fatalf("expected signing key error, got %v", err)
	}
}

func TestNewLoadsKeyringFromConfig(t *testing.T) {
	keyring, err := credential.GenerateKeyring()
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	pemData, err := credential.EncodePolicyKey(keyring.PolicyKey)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cfg := testConfig()
	cfg.Policy.KeyPEM = pemData
	cfg.Tokens.Secret = credential.EncodeSecret(keyring.TokenSecret)

	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()
	if a.Keyring.PolicyKeyID != keyring.PolicyKeyID {
		t.Fatalf("key id = %s, want %s", a.Keyring.PolicyKeyID, keyring.PolicyKeyID)
	}
	if a.Store() != nil {
		t.Fatalf("memory mode should not open a database")
	}
}

func TestEnrollValidates(t *testing.T) {
	a := newMemoryApp(t)
	if err := a.Enroll(context.Background(), authn.Identity{ID: "u1"}); err == nil {
		t.Fatalf("expected error for identity without team")
	}
}

func TestEnrolledOperatorCanLogin(t *testing.T) {
	a := newMemoryApp(t)
	ctx := context.Background()
	for _, ident := range []authn.Identity{
		{ID: "d1", Kind: authn.KindDevice, OrgID: "o1", RegionID: "r1", TeamID: "t1"},
		{ID: "u1", Kind: authn.KindHuman, OrgID: "o1", RegionID: "r1", TeamID: "t1"},
	} {
		if err := a.Enroll(ctx, ident); err != nil {
			t.Fatalf("enroll %s: %v", ident.ID, err)
		}
	}
	if err := a.SetSecret(ctx, "u1", credential.ScopePIN, "2468"); err != nil {
		t.Fatalf("set secret: %v", err)
	}
	if _, err := a.Admin.Assign(ctx, "u1", authz.RoleOperator, authz.ScopeRef{Level: authz.LevelTeam, ID: "t1"}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	srv := httptest.NewServer(a.API.Handler())
	defer srv.Close()

	body, _ := json.Marshal(map[string]string{"device_id": "d1", "principal_id": "u1", "secret": "2468"})
	resp, err := srv.Client().Post(srv.URL+"/v1/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status %d", resp.StatusCode)
	}
	var tok struct {
		AccessToken string `json:"access_token"`
		TeamID      string `json:"team_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tok.AccessToken == "" || tok.TeamID != "t1" {
		t.Fatalf("unexpected login response %+v", tok)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/auth/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	who, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("whoami: %v", err)
	}
	who.Body.Close()
	if who.StatusCode != http.StatusOK {
		t.Fatalf("whoami status %d", who.StatusCode)
	}
}

func TestHealthServesInMemoryMode(t *testing.T) {
	a := newMemoryApp(t)
	if !a.Health.Refresh(context.Background()) {
		t.Fatalf("memory mode should always be ready")
	}
}

// Two resolvers over one store stand in for the serving process and a
// separate admin CLI process.
func TestChangeFeedEvictsServingCache(t *testing.T) {
	ctx := context.Background()
	store := authz.NewMemoryStore(authz.BuiltinRoles()...)
	dir := authn.NewMemoryDirectory(store,
		authn.Identity{ID: "u1", Kind: authn.KindHuman, Status: authn.StatusActive, OrgID: "o1", RegionID: "r1", TeamID: "t1"})
	serve, err := authz.NewResolver(store, store, authz.WithCache(authz.NewCache(64, time.Hour, nil)))
	if err != nil {
		t.Fatalf("serve resolver: %v", err)
	}
	cli, err := authz.NewResolver(store, store)
	if err != nil {
		t.Fatalf("cli resolver: %v", err)
	}
	serveAdmin, err := authz.NewAdmin(store, dir, serve)
	if err != nil {
		t.Fatalf("serve admin: %v", err)
	}
	cliAdmin, err := authz.NewAdmin(store, dir, cli)
	if err != nil {
		t.Fatalf("cli admin: %v", err)
	}
	sink := changeSink{admin: serveAdmin, cache: serve.Cache()}

	t1 := authz.ScopeRef{Level: authz.LevelTeam, ID: "t1"}
	req := authz.Request{IdentityID: "u1", Resource: authz.ResourcePolicy, Action: authz.ActionRead,
		Scope: authz.Scope{Level: authz.LevelTeam, OrgID: "o1", RegionID: "r1", TeamID: "t1"}}
	check := func() authz.Decision {
		t.Helper()
		d, err := serve.Check(ctx, req)
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		return d
	}

	if _, err := cliAdmin.Assign(ctx, "u1", authz.RoleOperator, t1); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if d := check(); !d.Allowed {
		t.Fatalf("expected grant after assign")
	}
	if err := cliAdmin.Unassign(ctx, "u1", authz.RoleOperator, t1); err != nil {
		t.Fatalf("unassign: %v", err)
	}
	if d := check(); !d.Allowed || !d.Cached {
		t.Fatalf("serving cache should still hold the grant until the change arrives: %+v", d)
	}
	sink.apply(ctx, pg.Change{Kind: pg.ChangeIdentity, ID: "u1"})
	if d := check(); d.Allowed || d.Cached {
		t.Fatalf("revoked grant survived identity change: %+v", d)
	}

	if _, err := cliAdmin.Assign(ctx, "u1", authz.RoleOperator, t1); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	sink.apply(ctx, pg.Change{Kind: pg.ChangeIdentity, ID: "u1"})
	if d := check(); !d.Allowed {
		t.Fatalf("expected grant after reassign")
	}
	if err := cliAdmin.SetRolePermissions(ctx, authz.RoleOperator, []authz.Permission{
		{Resource: authz.ResourceTelemetry, Action: authz.ActionWrite, Level: authz.LevelTeam},
	}); err != nil {
		t.Fatalf("set permissions: %v", err)
	}
	sink.apply(ctx, pg.Change{Kind: pg.ChangeRole, ID: authz.RoleOperator})
	if d := check(); d.Allowed {
		t.Fatalf("role change did not reach the serving cache")
	}
}

func TestPutTeamConfigReissuesPolicy(t *testing.T) {
	a := newMemoryApp(t)
	ctx := context.Background()
	cfg := policy.TeamConfig{
		TeamID:          "t1",
		TimeWindows:     []policy.TimeWindow{{Weekday: 1, Start: "06:00", End: "18:00"}},
		GraceMinutes:    5,
		OverrideMinutes: 30,
		Location:        policy.LocationParams{IntervalSeconds: 60, AccuracyMeters: 20, MaxAgeSeconds: 120},
		Batching:        policy.BatchingParams{MaxEvents: 100, MaxBytes: 1 << 15, FlushSeconds: 20},
	}
	if err := a.PutTeamConfig(ctx, cfg); err != nil {
		t.Fatalf("put: %v", err)
	}
	first, err := a.Engine.Signer().Issue(ctx, "d1", "t1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	again, err := a.Engine.Signer().Issue(ctx, "d1", "t1")
	if err != nil || again.Version != first.Version {
		t.Fatalf("expected cached document, got version %d (%v)", again.Version, err)
	}

	cfg.GraceMinutes = 10
	if err := a.PutTeamConfig(ctx, cfg); err != nil {
		t.Fatalf("update: %v", err)
	}
	next, err := a.Engine.Signer().Issue(ctx, "d1", "t1")
	if err != nil {
		t.Fatalf("issue after update: %v", err)
	}
	if next.Version != first.Version+1 {
		t.Fatalf("expected a new version after the team changed, got %d", next.Version)
	}

	if err := a.PutTeamConfig(ctx, policy.TeamConfig{TeamID: "t2"}); err == nil {
		t.Fatalf("expected invalid team configuration to be rejected")
	}
}
