package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Refresh store backend. One of "memory", "postgres", "redis"; empty
	// picks postgres when DatabaseURL is set, redis when RedisAddr is set,
	// memory otherwise.
	StoreBackend string

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Browser origin allowlist for the REST surface. Patterns may end in
	// ":*" to match any port. Empty disables CORS handling entirely.
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// If true:
	// - /readyz returns 503 unless the configured backend is reachable.
	ReadinessRequireStore bool

	// Security policy:
	// If true, CRAFT_TOKEN_HMAC_KEY MUST be set (>= 32 bytes) and refresh-token hashing must be HMAC-based.
	RequireTokenHMAC bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("CRAFT_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("CRAFT_LOG_LEVEL", "info"),
		LogFormat: EnvString("CRAFT_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("CRAFT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("CRAFT_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("CRAFT_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("CRAFT_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("CRAFT_HTTP_MAX_HEADER_BYTES", 1<<20),

		StoreBackend: EnvString("CRAFT_STORE_BACKEND", ""),

		DatabaseURL: EnvString("CRAFT_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("CRAFT_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("CRAFT_DB_MIN_CONNS", 0),

		RedisAddr:     EnvString("CRAFT_REDIS_ADDR", ""),
		RedisPassword: EnvString("CRAFT_REDIS_PASSWORD", ""),
		RedisDB:       EnvIntNonNegative("CRAFT_REDIS_DB", 0),

		CORSAllowedOrigins:   EnvStringSlice("CRAFT_CORS_ALLOWED_ORIGINS"),
		CORSAllowCredentials: EnvBool("CRAFT_CORS_ALLOW_CREDENTIALS", true),
		CORSMaxAgeSeconds:    EnvIntNonNegative("CRAFT_CORS_MAX_AGE_SECONDS", 600),

		ReadinessRequireStore: EnvBool("CRAFT_READINESS_REQUIRE_STORE", false),

		RequireTokenHMAC: EnvBool("CRAFT_REQUIRE_TOKEN_HMAC", false),
	}
}

// Backend resolves the effective refresh/identity store backend.
func (c Config) Backend() string {
	switch c.StoreBackend {
	case "memory", "postgres", "redis":
		return c.StoreBackend
	}
	if c.DatabaseURL != "" {
		return "postgres"
	}
	if c.RedisAddr != "" {
		return "redis"
	}
	return "memory"
}
