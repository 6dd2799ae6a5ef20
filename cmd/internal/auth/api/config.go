package authapi

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls auth API behavior and security defaults.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	// Web cookie transport: browser clients keep the refresh token in an
	// HttpOnly cookie plus a readable CSRF cookie (double submit).
	WebCookiesEnabled bool
	RefreshCookieName string
	CSRFCookieName    string
	CSRFHeaderName    string
	CookiePath        string
	CookieDomain      string
	CookieSecure      bool
	CookieSameSite    http.SameSite

	// Open registration; when false /auth/register returns 403.
	RegistrationOpen bool

	// Login throttling (process-local sliding windows).
	LoginIPMax     int
	LoginIPWindow  time.Duration
	LoginKeyMax    int
	LoginKeyWindow time.Duration
}

// LoadConfigFromEnv loads auth API config from environment variables with
// safe defaults.
func LoadConfigFromEnv() Config {
	cfg := Config{
		TrustProxy:        envBool("CRAFT_AUTH_TRUST_PROXY", false),
		MaxBodyBytes:      envInt64("CRAFT_AUTH_MAX_BODY_BYTES", 1<<20), // 1 MiB
		WebCookiesEnabled: envBool("CRAFT_AUTH_WEB_COOKIES", true),
		RefreshCookieName: envString("CRAFT_AUTH_REFRESH_COOKIE", "craft_refresh"),
		CSRFCookieName:    envString("CRAFT_AUTH_CSRF_COOKIE", "craft_csrf"),
		CSRFHeaderName:    envString("CRAFT_AUTH_CSRF_HEADER", "X-CSRF-Token"),
		CookiePath:        envString("CRAFT_AUTH_COOKIE_PATH", "/auth"),
		CookieDomain:      envString("CRAFT_AUTH_COOKIE_DOMAIN", ""),
		CookieSecure:      envBool("CRAFT_AUTH_COOKIE_SECURE", true),
		CookieSameSite:    envSameSite("CRAFT_AUTH_COOKIE_SAMESITE", http.SameSiteStrictMode),
		RegistrationOpen:  envBool("CRAFT_AUTH_REGISTRATION_OPEN", true),
		LoginIPMax:        envInt("CRAFT_AUTH_LOGIN_IP_MAX", 20),
		LoginIPWindow:     envDuration("CRAFT_AUTH_LOGIN_IP_WINDOW", 5*time.Minute),
		LoginKeyMax:       envInt("CRAFT_AUTH_LOGIN_USER_MAX", 5),
		LoginKeyWindow:    envDuration("CRAFT_AUTH_LOGIN_USER_WINDOW", 15*time.Minute),
	}

	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.LoginIPMax <= 0 {
		cfg.LoginIPMax = 20
	}
	if cfg.LoginKeyMax <= 0 {
		cfg.LoginKeyMax = 5
	}

	return cfg
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envSameSite(key string, def http.SameSite) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "strict":
		return http.SameSiteStrictMode
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return def
	}
}
