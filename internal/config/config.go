// Package config assembles process configuration from defaults, an
// optional YAML file named by FIELDGATE_CONFIG and FIELDGATE_* environment
// variables, in that order of precedence.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fieldgate.org/internal/authz"
	"fieldgate.org/internal/credential"
	"fieldgate.org/internal/lockout"
	"fieldgate.org/internal/policy"
)

// TokenConfig holds bearer token lifetimes.
type TokenConfig struct {
	Issuer      string        `yaml:"issuer"`
	Secret      string        `yaml:"secret"`
	AccessTTL   time.Duration `yaml:"access_ttl"`
	RefreshTTL  time.Duration `yaml:"refresh_ttl"`
	OverrideTTL time.Duration `yaml:"override_ttl"`
	// SweepInterval is how often expired revocations are pruned.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepGrace    time.Duration `yaml:"sweep_grace"`
}

// PolicyConfig holds signing parameters.
type PolicyConfig struct {
	KeyPEM        string        `yaml:"key_pem"`
	KeyFile       string        `yaml:"key_file"`
	TTL           time.Duration `yaml:"ttl"`
	MaxSkew       time.Duration `yaml:"max_skew"`
	MaxAge        time.Duration `yaml:"max_age"`
	AnchorRefresh time.Duration `yaml:"anchor_refresh"`
	CacheSize     int           `yaml:"cache_size"`
}

// LockoutConfig mirrors lockout.Ladder plus the front-door guard.
type LockoutConfig struct {
	Limit          int           `yaml:"limit"`
	Base           time.Duration `yaml:"base"`
	Max            time.Duration `yaml:"max"`
	Window         time.Duration `yaml:"window"`
	GuardPerSecond float64       `yaml:"guard_per_second"`
	GuardBurst     int           `yaml:"guard_burst"`
}

// AuthzConfig tunes the permission resolver.
type AuthzConfig struct {
	CacheSize       int           `yaml:"cache_size"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	SystemAdminRole string        `yaml:"system_admin_role"`
}

// HashConfig is the argon2id cost for new verifiers.
type HashConfig struct {
	MemoryKiB   uint32 `yaml:"memory_kib"`
	Iterations  uint32 `yaml:"iterations"`
	Parallelism uint8  `yaml:"parallelism"`
}

// HTTPConfig holds listener and edge limits.
type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	GRPCAddr     string        `yaml:"grpc_addr"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	RateLimitRPS float64       `yaml:"rate_limit_rps"`
	RateBurst    int           `yaml:"rate_burst"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// TrustedProxies lists the CIDRs whose X-Forwarded-For is honoured.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// Config is the full process configuration.
type Config struct {
	DSN          string              `yaml:"dsn"`
	LogLevel     string              `yaml:"log_level"`
	StoreTimeout time.Duration       `yaml:"store_timeout"`
	HTTP         HTTPConfig          `yaml:"http"`
	Tokens       TokenConfig         `yaml:"tokens"`
	Policy       PolicyConfig        `yaml:"policy"`
	Lockout      LockoutConfig       `yaml:"lockout"`
	Authz        AuthzConfig         `yaml:"authz"`
	Hash         HashConfig          `yaml:"hash"`
	Teams        []policy.TeamConfig `yaml:"teams"`
}

// Default returns the built-in configuration.
func Default() Config {
	ladder := lockout.DefaultLadder()
	return Config{
		LogLevel:     "info",
		StoreTimeout: 2 * time.Second,
		HTTP: HTTPConfig{
			Addr:         ":8080",
			GRPCAddr:     ":9090",
			MaxBodyBytes: 1 << 20,
			RateLimitRPS: 50,
			RateBurst:    100,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Tokens: TokenConfig{
			Issuer:        "fieldgate",
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    12 * time.Hour,
			OverrideTTL:   30 * time.Minute,
			SweepInterval: 10 * time.Minute,
			SweepGrace:    time.Minute,
		},
		Policy: PolicyConfig{
			TTL:           24 * time.Hour,
			MaxSkew:       180 * time.Second,
			MaxAge:        12 * time.Hour,
			AnchorRefresh: 5 * time.Minute,
			CacheSize:     4096,
		},
		Lockout: LockoutConfig{
			Limit:          ladder.Limit,
			Base:           ladder.Base,
			Max:            ladder.Max,
			Window:         ladder.Window,
			GuardPerSecond: 5,
			GuardBurst:     10,
		},
		Authz: AuthzConfig{
			CacheSize:       10000,
			CacheTTL:        30 * time.Second,
			SystemAdminRole: authz.RoleSystemAdmin,
		},
		Hash: HashConfig{
			MemoryKiB:   credential.DefaultParams.Memory,
			Iterations:  credential.DefaultParams.Iterations,
			Parallelism: credential.DefaultParams.Parallelism,
		},
	}
}

// Load reads the process environment.
func Load() (Config, error) {
	return LoadEnv(os.LookupEnv)
}

// LoadEnv is Load with an injectable environment lookup.
func LoadEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path, ok := lookup("FIELDGATE_CONFIG"); ok && strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(strings.TrimSpace(path))
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var problems []string
	dur := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*dst = d
	}
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*dst = n
	}

	str("FIELDGATE_PG_DSN", &c.DSN)
	str("FIELDGATE_LOG_LEVEL", &c.LogLevel)
	str("FIELDGATE_HTTP_ADDR", &c.HTTP.Addr)
	str("FIELDGATE_GRPC_ADDR", &c.HTTP.GRPCAddr)
	str("FIELDGATE_TOKEN_SECRET", &c.Tokens.Secret)
	str("FIELDGATE_TOKEN_ISSUER", &c.Tokens.Issuer)
	str("FIELDGATE_POLICY_KEY", &c.Policy.KeyPEM)
	str("FIELDGATE_POLICY_KEY_FILE", &c.Policy.KeyFile)
	str("FIELDGATE_SYSTEM_ADMIN_ROLE", &c.Authz.SystemAdminRole)
	dur("FIELDGATE_STORE_TIMEOUT", &c.StoreTimeout)
	dur("FIELDGATE_ACCESS_TTL", &c.Tokens.AccessTTL)
	dur("FIELDGATE_REFRESH_TTL", &c.Tokens.RefreshTTL)
	dur("FIELDGATE_OVERRIDE_TTL", &c.Tokens.OverrideTTL)
	dur("FIELDGATE_POLICY_TTL", &c.Policy.TTL)
	dur("FIELDGATE_POLICY_MAX_SKEW", &c.Policy.MaxSkew)
	dur("FIELDGATE_AUTHZ_CACHE_TTL", &c.Authz.CacheTTL)
	num("FIELDGATE_LOCKOUT_LIMIT", &c.Lockout.Limit)
	dur("FIELDGATE_LOCKOUT_BASE", &c.Lockout.Base)
	dur("FIELDGATE_LOCKOUT_MAX", &c.Lockout.Max)
	num("FIELDGATE_AUTHZ_CACHE_SIZE", &c.Authz.CacheSize)
	if v, ok := lookup("FIELDGATE_TRUSTED_PROXIES"); ok && strings.TrimSpace(v) != "" {
		c.HTTP.TrustedProxies = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.HTTP.TrustedProxies = append(c.HTTP.TrustedProxies, p)
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: invalid environment:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// Validate checks ranges and cross-field constraints. Every problem is
// reported, not just the first.
func (c Config) Validate() error {
	var problems []string
	if c.StoreTimeout <= 0 {
		problems = append(problems, "store_timeout must be positive")
	}
	if c.Tokens.AccessTTL <= 0 || c.Tokens.RefreshTTL <= 0 || c.Tokens.OverrideTTL <= 0 {
		problems = append(problems, "tokens: every ttl must be positive")
	}
	if c.Tokens.RefreshTTL < c.Tokens.AccessTTL {
		problems = append(problems, "tokens.refresh_ttl must be >= tokens.access_ttl")
	}
	if c.Policy.TTL <= 0 {
		problems = append(problems, "policy.ttl must be positive")
	}
	if c.Policy.MaxSkew <= 0 {
		problems = append(problems, "policy.max_skew must be positive")
	}
	if c.Policy.AnchorRefresh <= 0 || c.Policy.AnchorRefresh >= c.Policy.TTL {
		problems = append(problems, "policy.anchor_refresh must be positive and below policy.ttl")
	}
	if c.Lockout.Limit < 1 {
		problems = append(problems, "lockout.limit must be >= 1")
	}
	if c.Lockout.Base <= 0 || c.Lockout.Max < c.Lockout.Base {
		problems = append(problems, "lockout: base must be positive and max >= base")
	}
	if c.Lockout.GuardPerSecond <= 0 || c.Lockout.GuardBurst < 1 {
		problems = append(problems, "lockout: guard rate and burst must be positive")
	}
	if c.Authz.CacheSize < 1 || c.Authz.CacheTTL <= 0 {
		problems = append(problems, "authz: cache size and ttl must be positive")
	}
	if strings.TrimSpace(c.Authz.SystemAdminRole) == "" {
		problems = append(problems, "authz.system_admin_role must be set")
	}
	if c.Hash.MemoryKiB < 8*uint32(c.Hash.Parallelism) || c.Hash.Iterations < 1 || c.Hash.Parallelism < 1 {
		problems = append(problems, "hash: memory, iterations and parallelism out of range")
	}
	if _, err := ParseProxies(c.HTTP.TrustedProxies); err != nil {
		problems = append(problems, err.Error())
	}
	seen := make(map[string]bool, len(c.Teams))
	for _, t := range c.Teams {
		if err := t.Validate(); err != nil {
			problems = append(problems, err.Error())
			continue
		}
		if seen[t.TeamID] {
			problems = append(problems, fmt.Sprintf("teams: duplicate team %s", t.TeamID))
		}
		seen[t.TeamID] = true
	}
	if len(problems) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// ParseProxies reads CIDRs or bare addresses into prefixes.
func ParseProxies(list []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(list))
	for _, s := range list {
		s = strings.TrimSpace(s)
		if !strings.Contains(s, "/") {
			addr, err := netip.ParseAddr(s)
			if err != nil {
				return nil, fmt.Errorf("http.trusted_proxies: %q: %v", s, err)
			}
			out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("http.trusted_proxies: %q: %v", s, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// Ladder returns the lockout schedule.
func (c Config) Ladder() lockout.Ladder {
	return lockout.Ladder{Limit: c.Lockout.Limit, Base: c.Lockout.Base, Max: c.Lockout.Max, Window: c.Lockout.Window}
}

// HashParams returns the argon2id cost.
func (c Config) HashParams() credential.Params {
	p := credential.DefaultParams
	p.Memory = c.Hash.MemoryKiB
	p.Iterations = c.Hash.Iterations
	p.Parallelism = c.Hash.Parallelism
	return p
}

// Keyring loads signing material from the inline PEM or the key file.
func (c Config) Keyring() (*credential.Keyring, error) {
	pemData := c.Policy.KeyPEM
	if pemData == "" && c.Policy.KeyFile != "" {
		data, err := os.ReadFile(c.Policy.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", credential.ErrSigningKeyUnavailable, c.Policy.KeyFile, err)
		}
		pemData = string(data)
	}
	return credential.LoadKeyring(pemData, c.Tokens.Secret)
}
