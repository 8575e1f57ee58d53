package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fieldgate.org/internal/audit"
	"fieldgate.org/internal/authn"
	"fieldgate.org/internal/authz"
	"fieldgate.org/internal/clock"
	"fieldgate.org/internal/credential"
	"fieldgate.org/internal/engine"
	"fieldgate.org/internal/lockout"
	"fieldgate.org/internal/policy"
	"fieldgate.org/internal/stream"
	"fieldgate.org/internal/token"
)

var cheap = credential.Params{Memory: 1024, Iterations: 1, Parallelism: 1, KeyLength: 32, SaltLength: 16}

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	sink    *audit.MemorySink
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewMock(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))

	roles := authz.NewMemoryStore(authz.BuiltinRoles()...)
	dir := authn.NewMemoryDirectory(roles,
		authn.Identity{ID: "d1", Kind: authn.KindDevice, Status: authn.StatusActive, OrgID: "o1", RegionID: "r1", TeamID: "t1"},
		authn.Identity{ID: "u1", Kind: authn.KindHuman, Status: authn.StatusActive, OrgID: "o1", RegionID: "r1", TeamID: "t1"},
		authn.Identity{ID: "s1", Kind: authn.KindHuman, Status: authn.StatusActive, OrgID: "o1", RegionID: "r1", TeamID: "t1"},
	)
	resolver, err := authz.NewResolver(dir, roles)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	admin, err := authz.NewAdmin(roles, dir, resolver)
	if err != nil {
		t.Fatalf("admin: %v", err)
	}
	t1 := authz.ScopeRef{Level: authz.LevelTeam, ID: "t1"}
	if _, err := admin.Assign(ctx, "u1", authz.RoleOperator, t1); err != nil {
		t.Fatalf("assign u1: %v", err)
	}
	if _, err := admin.Assign(ctx, "s1", authz.RoleSupervisor, t1); err != nil {
		t.Fatalf("assign s1: %v", err)
	}

	creds := credential.NewMemoryStore(clk.Now)
	for _, c := range []struct {
		id, secret string
		scope      credential.Scope
	}{
		{"u1", "1234", credential.ScopePIN},
		{"s1", "4321", credential.ScopePIN},
		{"s1", "9999", credential.ScopeSupervisor},
	} {
		h, err := credential.HashSecretWith(c.secret, cheap)
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		if _, err := creds.Rotate(ctx, c.id, c.scope, h); err != nil {
			t.Fatalf("rotate: %v", err)
		}
	}

	sink := &audit.MemorySink{}
	events := stream.New()
	tracker := lockout.NewMemoryTracker(lockout.DefaultLadder(), clk)
	authenticator, err := authn.NewAuthenticator(dir, creds, tracker,
		authn.WithHashParams(cheap), authn.WithAudit(sink), authn.WithEvents(events))
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	secret := make([]byte, credential.MinTokenSecret)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("secret: %v", err)
	}
	issuer, err := token.NewIssuer(secret, token.NewMemoryLedger(), token.WithClock(clk))
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	cfg := policy.TeamConfig{
		TeamID:          "t1",
		TimeWindows:     []policy.TimeWindow{{Weekday: 1, Start: "06:00", End: "18:00"}},
		GraceMinutes:    5,
		OverrideMinutes: 30,
		Location:        policy.LocationParams{IntervalSeconds: 60, AccuracyMeters: 20, MaxAgeSeconds: 120},
		Batching:        policy.BatchingParams{MaxEvents: 100, MaxBytes: 1 << 15, FlushSeconds: 20},
	}
	signer, err := policy.NewSigner(priv, policy.NewMemoryConfigs(cfg), policy.NewMemoryVersions(), policy.WithSignerClock(clk))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	eng, err := engine.New(engine.Deps{
		Authenticator: authenticator,
		Issuer:        issuer,
		Resolver:      resolver,
		Signer:        signer,
		Directory:     dir,
		Credentials:   creds,
		Sessions:      engine.NewMemorySessions(),
		Audit:         sink,
		Events:        events,
	}, engine.WithClock(clk), engine.WithHashParams(cheap))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	api := New(Options{Engine: eng, Events: events, Version: "test", RateLimitRPS: 1000, RateBurst: 1000})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{baseURL: srv.URL, client: srv.Client(), t: t, sink: sink}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) login(principal, secret string) tokenResponse {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/v1/auth/login", loginRequest{DeviceID: "d1", PrincipalID: principal, Secret: secret}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("login %s: status %d", principal, resp.StatusCode)
	}
	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.t.Fatalf("decode login: %v", err)
	}
	return out
}

func bearerHeader(raw string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + raw}
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func TestHealthAndReady(t *testing.T) {
	c := newTestAPI(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp := c.do(http.MethodGet, path, nil, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status %d", path, resp.StatusCode)
		}
	}
}

func TestLoginWhoAmILogout(t *testing.T) {
	c := newTestAPI(t)
	tok := c.login("u1", "1234")
	if tok.TokenType != "Bearer" || tok.AccessToken == "" || tok.RefreshToken == "" {
		t.Fatalf("unexpected token response %+v", tok)
	}
	if tok.ExpiresIn != int64((15 * time.Minute).Seconds()) {
		t.Fatalf("expires_in = %d", tok.ExpiresIn)
	}

	resp := c.do(http.MethodGet, "/v1/auth/whoami", nil, bearerHeader(tok.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("whoami status %d", resp.StatusCode)
	}
	who := decodeBody(t, resp)
	if who["identity_id"] != "u1" || who["device_id"] != "d1" {
		t.Fatalf("unexpected whoami %v", who)
	}

	resp = c.do(http.MethodPost, "/v1/auth/logout", nil, bearerHeader(tok.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status %d", resp.StatusCode)
	}

	resp = c.do(http.MethodGet, "/v1/auth/whoami", nil, bearerHeader(tok.AccessToken))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["error"] != "TOKEN_REVOKED" {
		t.Fatalf("unexpected error body %v", body)
	}
}

func TestLoginRejectsWrongSecret(t *testing.T) {
	c := newTestAPI(t)
	resp := c.do(http.MethodPost, "/v1/auth/login", loginRequest{DeviceID: "d1", PrincipalID: "u1", Secret: "8642"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["error"] != "INVALID_CREDENTIALS" {
		t.Fatalf("unexpected error %v", body)
	}
	if rid, _ := body["request_id"].(string); rid == "" {
		t.Fatalf("expected request_id in %v", body)
	}
	for _, rec := range c.sink.Records() {
		raw, _ := json.Marshal(rec)
		if strings.Contains(string(raw), "8642") {
			t.Fatalf("audit record leaked the secret: %s", raw)
		}
	}
}

func TestLoginValidatesBody(t *testing.T) {
	c := newTestAPI(t)
	cases := []any{
		map[string]string{"device_id": "d1"},
		map[string]any{"device_id": "d1", "principal_id": "u1", "secret": "1234", "extra": true},
	}
	for i, body := range cases {
		resp := c.do(http.MethodPost, "/v1/auth/login", body, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("case %d: expected 400, got %d", i, resp.StatusCode)
		}
		if got := decodeBody(t, resp); got["error"] != "INVALID_REQUEST" {
			t.Fatalf("case %d: unexpected body %v", i, got)
		}
	}
}

func TestRefreshReplayRejected(t *testing.T) {
	c := newTestAPI(t)
	tok := c.login("u1", "1234")

	resp := c.do(http.MethodPost, "/v1/auth/refresh", refreshRequest{RefreshToken: tok.RefreshToken}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.do(http.MethodPost, "/v1/auth/refresh", refreshRequest{RefreshToken: tok.RefreshToken}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected replay to fail with 401, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestProtectedRoutesNeedBearer(t *testing.T) {
	c := newTestAPI(t)
	resp := c.do(http.MethodGet, "/v1/devices/d1/policy", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["error"] != "TOKEN_INVALID" {
		t.Fatalf("unexpected body %v", body)
	}

	tok := c.login("u1", "1234")
	resp = c.do(http.MethodGet, "/v1/auth/whoami", nil, bearerHeader(tok.RefreshToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("refresh token accepted as bearer: %d", resp.StatusCode)
	}
}

func TestFetchPolicyETag(t *testing.T) {
	c := newTestAPI(t)
	tok := c.login("u1", "1234")

	resp := c.do(http.MethodGet, "/v1/devices/d1/policy", nil, bearerHeader(tok.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("policy status %d", resp.StatusCode)
	}
	etag := resp.Header.Get("ETag")
	if etag == "" || resp.Header.Get("X-Policy-Version") != "1" {
		t.Fatalf("missing policy headers: %v", resp.Header)
	}
	var signed policy.Signed
	if err := json.NewDecoder(resp.Body).Decode(&signed); err != nil {
		t.Fatalf("decode signed: %v", err)
	}
	resp.Body.Close()
	if signed.Version != 1 || len(signed.Signature) != ed25519.SignatureSize {
		t.Fatalf("unexpected signed policy %+v", signed)
	}

	headers := bearerHeader(tok.AccessToken)
	headers["If-None-Match"] = etag
	resp = c.do(http.MethodGet, "/v1/devices/d1/policy", nil, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", resp.StatusCode)
	}

	resp = c.do(http.MethodPost, "/v1/devices/d1/policy/reissue", nil, bearerHeader(tok.AccessToken))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("operator reissue: expected 403, got %d", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["error"] != "INSUFFICIENT_PERMISSIONS" {
		t.Fatalf("unexpected body %v", body)
	}

	resp = c.do(http.MethodGet, "/v1/devices/nope/policy", nil, bearerHeader(tok.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown device: expected 404, got %d", resp.StatusCode)
	}
}

func TestPolicyKeys(t *testing.T) {
	c := newTestAPI(t)
	resp := c.do(http.MethodGet, "/.well-known/policy-keys", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/jwk-set+json" {
		t.Fatalf("content type %q", ct)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.Unmarshal(raw, &set); err != nil || len(set.Keys) != 1 {
		t.Fatalf("unexpected key set %s (%v)", raw, err)
	}
	if set.Keys[0]["kty"] != "OKP" {
		t.Fatalf("unexpected key type %v", set.Keys[0])
	}
}

func TestSupervisorOverrideRoutes(t *testing.T) {
	c := newTestAPI(t)
	tok := c.login("u1", "1234")

	resp := c.do(http.MethodPost, "/v1/supervisor/override", overrideRequest{SupervisorID: "s1", Secret: "1111"}, bearerHeader(tok.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong supervisor secret: expected 401, got %d", resp.StatusCode)
	}

	resp = c.do(http.MethodPost, "/v1/supervisor/override", overrideRequest{SupervisorID: "s1", Secret: "9999"}, bearerHeader(tok.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("override status %d", resp.StatusCode)
	}
	var ov overrideResponse
	if err := json.NewDecoder(resp.Body).Decode(&ov); err != nil {
		t.Fatalf("decode override: %v", err)
	}
	resp.Body.Close()
	if ov.OverrideToken == "" || ov.TokenID == "" {
		t.Fatalf("unexpected override response %+v", ov)
	}

	resp = c.do(http.MethodGet, "/v1/auth/whoami", nil, bearerHeader(ov.OverrideToken))
	who := decodeBody(t, resp)
	if who["override"] != true || who["supervisor_id"] != "s1" {
		t.Fatalf("unexpected override whoami %v", who)
	}

	resp = c.do(http.MethodDelete, "/v1/supervisor/override/"+ov.TokenID, nil, bearerHeader(tok.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke status %d", resp.StatusCode)
	}
	resp = c.do(http.MethodGet, "/v1/auth/whoami", nil, bearerHeader(ov.OverrideToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked override still accepted: %d", resp.StatusCode)
	}
}

func TestRotateOwnSecret(t *testing.T) {
	c := newTestAPI(t)
	tok := c.login("u1", "1234")

	resp := c.do(http.MethodPut, "/v1/identities/u1/secrets/pin", rotateSecretRequest{Current: "1234", Secret: "12"}, bearerHeader(tok.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("short secret: expected 400, got %d", resp.StatusCode)
	}
	resp = c.do(http.MethodPut, "/v1/identities/u1/secrets/pin", rotateSecretRequest{Secret: "2468"}, bearerHeader(tok.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing current secret: expected 400, got %d", resp.StatusCode)
	}
	resp = c.do(http.MethodPut, "/v1/identities/u1/secrets/pin", rotateSecretRequest{Current: "0000", Secret: "2468"}, bearerHeader(tok.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong current secret: expected 401, got %d", resp.StatusCode)
	}
	resp = c.do(http.MethodPut, "/v1/identities/u1/secrets/pin", rotateSecretRequest{Current: "1234", Secret: "2468"}, bearerHeader(tok.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("rotate status %d", resp.StatusCode)
	}
	c.login("u1", "2468")

	resp = c.do(http.MethodPut, "/v1/identities/s1/secrets/pin", rotateSecretRequest{Secret: "1357"}, bearerHeader(tok.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("rotating another identity: expected 403, got %d", resp.StatusCode)
	}
}

func TestEventsStreamTeamScoped(t *testing.T) {
	c := newTestAPI(t)
	operator := c.login("u1", "1234")

	resp := c.do(http.MethodGet, "/v1/events", nil, bearerHeader(operator.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("operator events: expected 403, got %d", resp.StatusCode)
	}

	supervisor := c.login("s1", "4321")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+supervisor.AccessToken)
	sse, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer sse.Body.Close()
	if sse.StatusCode != http.StatusOK {
		t.Fatalf("stream status %d", sse.StatusCode)
	}
	reader := bufio.NewReader(sse.Body)
	line, err := reader.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, ": stream started") {
		t.Fatalf("unexpected first line %q (%v)", line, err)
	}

	resp = c.do(http.MethodPost, "/v1/auth/logout", nil, bearerHeader(operator.AccessToken))
	resp.Body.Close()

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "event: ") {
			if got := strings.TrimSpace(strings.TrimPrefix(line, "event: ")); got != stream.TokenRevoked {
				continue
			}
			data, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read data: %v", err)
			}
			if !strings.Contains(data, `"team_id":"t1"`) {
				t.Fatalf("unexpected event data %q", data)
			}
			return
		}
	}
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	c := newTestAPI(t)
	resp := c.do(http.MethodGet, "/nope", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["error"] != "NOT_FOUND" {
		t.Fatalf("unexpected body %v", body)
	}
}
