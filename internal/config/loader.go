package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "WATTGUARD"

// Load reads configuration with priority: environment, config file, defaults.
// An empty path searches /etc/wattguard, ./configs and the working directory for config.yaml.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/wattguard/")
		v.AddConfigPath("./configs/")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration produced by defaults alone.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.max_body_bytes", 1<<20)
	v.SetDefault("http.trust_forwarded", false)

	v.SetDefault("grpc.addr", ":9090")

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_open_conns", 20)
	v.SetDefault("postgres.max_idle_conns", 10)
	v.SetDefault("postgres.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("token.issuer", "wattguard")
	v.SetDefault("token.secret", "")
	v.SetDefault("token.access_ttl", 30*time.Minute)
	v.SetDefault("token.refresh_ttl", 7*24*time.Hour)
	v.SetDefault("token.remember_access_ttl", 7*24*time.Hour)
	v.SetDefault("token.remember_refresh_ttl", 30*24*time.Hour)

	v.SetDefault("lockout.threshold", 5)
	v.SetDefault("lockout.duration", 15*time.Minute)

	v.SetDefault("login.require_verified_email", false)

	v.SetDefault("ratelimit.window", time.Minute)
	v.SetDefault("ratelimit.standard_limit", 100)
	v.SetDefault("ratelimit.elevated_limit", 500)
	v.SetDefault("ratelimit.elevated_roles", []string{"admin", "super_admin"})
	v.SetDefault("ratelimit.ip_per_second", 10)
	v.SetDefault("ratelimit.ip_burst", 20)

	v.SetDefault("audit.queue_size", 1024)
	v.SetDefault("audit.max_retries", 3)
	v.SetDefault("audit.retry_backoff", 100*time.Millisecond)
	v.SetDefault("audit.write_timeout", 500*time.Millisecond)
	v.SetDefault("audit.stream_buffer", 64)

	v.SetDefault("authz.store_timeout", 2*time.Second)
	v.SetDefault("authz.strict_actions", []string{
		"tenant_manage", "user_manage", "role_manage", "group_manage", "device_control", "audit_read",
	})

	v.SetDefault("tenancy.system_roles", []string{"super_admin"})
}

// Validate rejects configurations the engine cannot run safely with.
func (c *Config) Validate() error {
	var problems []string

	switch c.Store.Driver {
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			problems = append(problems, "postgres.dsn is required when store.driver=postgres")
		}
	case "memory":
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}

	if len(c.Token.Secret) < 32 {
		problems = append(problems, "token.secret must be at least 32 bytes")
	}
	if c.Token.AccessTTL <= 0 || c.Token.RefreshTTL <= 0 {
		problems = append(problems, "token.access_ttl and token.refresh_ttl must be positive")
	}
	if c.Token.RememberAccessTTL <= 0 || c.Token.RememberRefreshTTL <= 0 {
		problems = append(problems, "token.remember_access_ttl and token.remember_refresh_ttl must be positive")
	}
	if c.Token.AccessTTL > c.Token.RefreshTTL || c.Token.RememberAccessTTL > c.Token.RememberRefreshTTL {
		problems = append(problems, "access token lifetime must not exceed refresh lifetime")
	}
	if c.Lockout.Threshold < 1 || c.Lockout.Duration <= 0 {
		problems = append(problems, "lockout.threshold and lockout.duration must be positive")
	}
	if c.RateLimit.Window <= 0 || c.RateLimit.StandardLimit < 1 || c.RateLimit.ElevatedLimit < c.RateLimit.StandardLimit {
		problems = append(problems, "ratelimit requires a positive window and elevated_limit >= standard_limit >= 1")
	}
	if c.Audit.QueueSize < 1 || c.Audit.MaxRetries < 0 {
		problems = append(problems, "audit.queue_size must be positive and audit.max_retries non-negative")
	}
	if c.Authz.StoreTimeout <= 0 {
		problems = append(problems, "authz.store_timeout must be positive")
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
