package config

import "time"

// Config is the full runtime configuration of authd and authctl.
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`

	HTTP      HTTPConfig      `mapstructure:"http"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Store     StoreConfig     `mapstructure:"store"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Token     TokenConfig     `mapstructure:"token"`
	Lockout   LockoutConfig   `mapstructure:"lockout"`
	Login     LoginConfig     `mapstructure:"login"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Authz     AuthzConfig     `mapstructure:"authz"`
	Tenancy   TenancyConfig   `mapstructure:"tenancy"`
}

type HTTPConfig struct {
	Addr           string        `mapstructure:"addr"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
	TrustForwarded bool          `mapstructure:"trust_forwarded"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

// StoreConfig selects the repository backend: "postgres" or "memory".
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
}

type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// TokenConfig holds the session lifetimes. Remember-me sessions use the Remember* pair.
type TokenConfig struct {
	Issuer             string        `mapstructure:"issuer"`
	Secret             string        `mapstructure:"secret"`
	AccessTTL          time.Duration `mapstructure:"access_ttl"`
	RefreshTTL         time.Duration `mapstructure:"refresh_ttl"`
	RememberAccessTTL  time.Duration `mapstructure:"remember_access_ttl"`
	RememberRefreshTTL time.Duration `mapstructure:"remember_refresh_ttl"`
}

type LockoutConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Duration  time.Duration `mapstructure:"duration"`
}

type LoginConfig struct {
	RequireVerifiedEmail bool `mapstructure:"require_verified_email"`
}

type RateLimitConfig struct {
	Window        time.Duration `mapstructure:"window"`
	StandardLimit int           `mapstructure:"standard_limit"`
	ElevatedLimit int           `mapstructure:"elevated_limit"`
	ElevatedRoles []string      `mapstructure:"elevated_roles"`
	IPPerSecond   int           `mapstructure:"ip_per_second"`
	IPBurst       int           `mapstructure:"ip_burst"`
}

type AuditConfig struct {
	QueueSize    int           `mapstructure:"queue_size"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// StreamBuffer is the per-subscriber backlog of the live audit feed; 0 disables the feed.
	StreamBuffer int `mapstructure:"stream_buffer"`
}

type AuthzConfig struct {
	StoreTimeout  time.Duration `mapstructure:"store_timeout"`
	// StrictActions check the session store on every call. Actions left out keep working
	// with an unexpired access token after logout or suspension.
	StrictActions []string      `mapstructure:"strict_actions"`
}

type TenancyConfig struct {
	SystemRoles []string `mapstructure:"system_roles"`
}
