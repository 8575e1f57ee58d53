// Package app wires configuration into a running service: stores, the
// authentication and authorization engine, the HTTP API and background
// jobs. Without a DSN every store is in memory.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fieldgate.org/internal/audit"
	"fieldgate.org/internal/authn"
	"fieldgate.org/internal/authz"
	"fieldgate.org/internal/clock"
	"fieldgate.org/internal/config"
	"fieldgate.org/internal/credential"
	"fieldgate.org/internal/engine"
	"fieldgate.org/internal/httpapi"
	"fieldgate.org/internal/lockout"
	"fieldgate.org/internal/obs"
	"fieldgate.org/internal/policy"
	"fieldgate.org/internal/store/pg"
	"fieldgate.org/internal/stream"
	"fieldgate.org/internal/token"
)

// stores groups the persistence collaborators so the memory and Postgres
// variants are interchangeable.
type stores struct {
	directory   authn.Directory
	assignments authz.AssignmentSource
	roles       authz.Store
	kinds       authz.KindSource
	credentials credential.Store
	tracker     lockout.Tracker
	ledger      token.Ledger
	configs     policy.ConfigSource
	versions    policy.VersionSource
	sessions    engine.SessionStore
	sink        audit.Sink
	putIdentity func(ctx context.Context, ident authn.Identity) error
	putTeam     func(ctx context.Context, cfg policy.TeamConfig) error
}

// App is a fully wired service.
type App struct {
	Config  config.Config
	Engine  *engine.Engine
	Admin   *authz.Admin
	Events  *stream.Stream
	API     *httpapi.API
	Health  *httpapi.Health
	Sweeper *token.Sweeper
	Keyring *credential.Keyring

	store   *pg.Store
	st      stores
	changes changeSink
}

// Option adjusts wiring, mostly for tests.
type Option func(*options)

type options struct {
	keyring *credential.Keyring
	clock   clock.Clock
	version string
}

// WithKeyring supplies signing material instead of loading it from config.
func WithKeyring(k *credential.Keyring) Option { return func(o *options) { o.keyring = k } }

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option { return func(o *options) { o.version = v } }

// New builds the service from cfg.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	o := options{clock: clock.Real(), version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}
	keyring := o.keyring
	if keyring == nil {
		var err error
		if keyring, err = cfg.Keyring(); err != nil {
			return nil, err
		}
	}

	a := &App{Config: cfg, Events: stream.New(), Keyring: keyring}
	var (
		st  stores
		err error
	)
	if cfg.DSN != "" {
		st, err = a.postgresStores(ctx, cfg, o.clock)
	} else {
		obs.Logger().Warn("no database configured, using in-memory stores")
		st = memoryStores(cfg, o.clock)
	}
	if err != nil {
		return nil, err
	}
	a.st = st

	resolver, err := authz.NewResolver(st.assignments, st.roles,
		authz.WithCache(authz.NewCache(cfg.Authz.CacheSize, cfg.Authz.CacheTTL, o.clock)),
		authz.WithSystemAdminRole(cfg.Authz.SystemAdminRole),
		authz.WithStoreTimeout(cfg.StoreTimeout),
	)
	if err != nil {
		return nil, a.fail(err)
	}
	if a.Admin, err = authz.NewAdmin(st.roles, st.kinds, resolver); err != nil {
		return nil, a.fail(err)
	}

	authenticator, err := authn.NewAuthenticator(st.directory, st.credentials, st.tracker,
		authn.WithGuard(lockout.NewGuard(cfg.Lockout.GuardPerSecond, cfg.Lockout.GuardBurst)),
		authn.WithAudit(st.sink),
		authn.WithEvents(a.Events),
		authn.WithHashParams(cfg.HashParams()),
		authn.WithStoreTimeout(cfg.StoreTimeout),
	)
	if err != nil {
		return nil, a.fail(err)
	}
	issuer, err := token.NewIssuer(keyring.TokenSecret, st.ledger,
		token.WithIssuer(cfg.Tokens.Issuer),
		token.WithAccessTTL(cfg.Tokens.AccessTTL),
		token.WithRefreshTTL(cfg.Tokens.RefreshTTL),
		token.WithOverrideTTL(cfg.Tokens.OverrideTTL),
		token.WithClock(o.clock),
		token.WithStoreTimeout(cfg.StoreTimeout),
	)
	if err != nil {
		return nil, a.fail(err)
	}
	signer, err := policy.NewSigner(keyring.PolicyKey, st.configs, st.versions,
		policy.WithTTL(cfg.Policy.TTL),
		policy.WithMaxSkew(cfg.Policy.MaxSkew),
		policy.WithMaxAge(cfg.Policy.MaxAge),
		policy.WithAnchorRefresh(cfg.Policy.AnchorRefresh),
		policy.WithCacheSize(cfg.Policy.CacheSize),
		policy.WithSignerClock(o.clock),
		policy.WithSignerStoreTimeout(cfg.StoreTimeout),
	)
	if err != nil {
		return nil, a.fail(err)
	}
	a.Engine, err = engine.New(engine.Deps{
		Authenticator: authenticator,
		Issuer:        issuer,
		Resolver:      resolver,
		Signer:        signer,
		Directory:     st.directory,
		Credentials:   st.credentials,
		Sessions:      st.sessions,
		Audit:         st.sink,
		Events:        a.Events,
	}, engine.WithClock(o.clock), engine.WithStoreTimeout(cfg.StoreTimeout), engine.WithHashParams(cfg.HashParams()))
	if err != nil {
		return nil, a.fail(err)
	}
	a.changes = changeSink{admin: a.Admin, cache: resolver.Cache(), signer: signer}

	proxies, err := config.ParseProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		return nil, a.fail(err)
	}
	ready := httpapi.ReadyCheck{}
	if a.store != nil {
		ready.DB = a.store.DB()
	}
	a.API = httpapi.New(httpapi.Options{
		Engine:       a.Engine,
		Events:       a.Events,
		Ready:        ready,
		Version:      o.version,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		RateLimitRPS: cfg.HTTP.RateLimitRPS,
		RateBurst:    cfg.HTTP.RateBurst,

		TrustedProxies: proxies,
	})
	a.Health = httpapi.NewHealth(ready)
	a.Sweeper = token.NewSweeper(st.ledger, o.clock, cfg.Tokens.SweepInterval, cfg.Tokens.SweepGrace)
	return a, nil
}

func memoryStores(cfg config.Config, clk clock.Clock) stores {
	roles := authz.NewMemoryStore(authz.BuiltinRoles()...)
	dir := authn.NewMemoryDirectory(roles)
	configs := policy.NewMemoryConfigs(cfg.Teams...)
	return stores{
		directory:   dir,
		assignments: roles,
		roles:       roles,
		kinds:       dir,
		credentials: credential.NewMemoryStore(clk.Now),
		tracker:     lockout.NewMemoryTracker(cfg.Ladder(), clk),
		ledger:      token.NewMemoryLedger(),
		configs:     configs,
		versions:    policy.NewMemoryVersions(),
		sessions:    engine.NewMemorySessions(),
		sink:        audit.LogSink{},
		putIdentity: func(_ context.Context, ident authn.Identity) error {
			dir.Put(ident)
			return nil
		},
		putTeam: func(_ context.Context, c policy.TeamConfig) error {
			configs.Put(c)
			return nil
		},
	}
}

func (a *App) postgresStores(ctx context.Context, cfg config.Config, clk clock.Clock) (stores, error) {
	store, err := pg.Open(cfg.DSN, pg.WithClock(clk), pg.WithLadder(cfg.Ladder()))
	if err != nil {
		return stores{}, fmt.Errorf("open database: %w", err)
	}
	a.store = store

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		obs.Logger().Warn("database not reachable at startup", "error", err)
	} else {
		for _, team := range cfg.Teams {
			if err := store.PutTeamConfig(pingCtx, team); err != nil {
				return stores{}, a.fail(fmt.Errorf("store team %s configuration: %w", team.TeamID, err))
			}
		}
	}
	return stores{
		directory:   store,
		assignments: store,
		roles:       store,
		kinds:       store,
		credentials: store,
		tracker:     store,
		ledger:      store,
		configs:     store,
		versions:    store,
		sessions:    store,
		sink:        audit.Multi{audit.LogSink{}, store},
		putIdentity: store.PutIdentity,
		putTeam:     store.PutTeamConfig,
	}, nil
}

// Enroll creates or replaces an identity in the directory.
func (a *App) Enroll(ctx context.Context, ident authn.Identity) error {
	if ident.ID == "" || ident.TeamID == "" {
		return fmt.Errorf("enroll: identity and team ids are required")
	}
	if ident.Status == "" {
		ident.Status = authn.StatusActive
	}
	return a.st.putIdentity(ctx, ident)
}

// SetSecret hashes secret and makes it the active verifier for scope,
// retiring the previous one.
func (a *App) SetSecret(ctx context.Context, identityID string, scope credential.Scope, secret string) error {
	hash, err := credential.HashSecretWith(secret, a.Config.HashParams())
	if err != nil {
		return err
	}
	_, err = a.st.credentials.Rotate(ctx, identityID, scope, hash)
	return err
}

// Store returns the Postgres store, or nil in memory mode.
func (a *App) Store() *pg.Store { return a.store }

// Run starts background jobs and blocks until ctx ends. In Postgres mode
// it follows the change feed so role, assignment and team configuration
// writes made by other processes evict this process's caches.
func (a *App) Run(ctx context.Context) {
	go a.Sweeper.Run(ctx)
	if a.store != nil {
		go func() {
			_ = pg.NewListener(a.Config.DSN).Run(ctx, func(c pg.Change) { a.changes.apply(ctx, c) })
		}()
	}
	a.Health.Run(ctx, 10*time.Second)
}

// Close releases the database handle.
func (a *App) Close() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

func (a *App) fail(err error) error {
	if cerr := a.Close(); cerr != nil {
		return errors.Join(err, cerr)
	}
	return err
}
