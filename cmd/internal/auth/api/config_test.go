package authapi

import (
	"net/http"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfigFromEnv()

	if !cfg.WebCookiesEnabled {
		t.Fatal("web cookies should default on")
	}
	if cfg.RefreshCookieName != "craft_refresh" || cfg.CSRFCookieName != "craft_csrf" {
		t.Fatalf("cookie names = %q / %q", cfg.RefreshCookieName, cfg.CSRFCookieName)
	}
	if cfg.CookiePath != "/auth" {
		t.Fatalf("cookie path = %q", cfg.CookiePath)
	}
	if !cfg.CookieSecure || cfg.CookieSameSite != http.SameSiteStrictMode {
		t.Fatalf("cookie security defaults: secure=%v samesite=%v", cfg.CookieSecure, cfg.CookieSameSite)
	}
	if cfg.MaxBodyBytes != 1<<20 {
		t.Fatalf("max body = %d", cfg.MaxBodyBytes)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("CRAFT_AUTH_COOKIE_SAMESITE", "lax")
	t.Setenv("CRAFT_AUTH_COOKIE_SECURE", "false")
	t.Setenv("CRAFT_AUTH_LOGIN_USER_MAX", "9")
	t.Setenv("CRAFT_AUTH_LOGIN_USER_WINDOW", "90s")
	t.Setenv("CRAFT_AUTH_REGISTRATION_OPEN", "false")
	t.Setenv("CRAFT_AUTH_MAX_BODY_BYTES", "not-a-number")

	cfg := LoadConfigFromEnv()
	if cfg.CookieSameSite != http.SameSiteLaxMode || cfg.CookieSecure {
		t.Fatalf("cookie overrides not applied: %+v", cfg)
	}
	if cfg.LoginKeyMax != 9 || cfg.LoginKeyWindow != 90*time.Second {
		t.Fatalf("throttle overrides not applied: %+v", cfg)
	}
	if cfg.RegistrationOpen {
		t.Fatal("registration override not applied")
	}
	if cfg.MaxBodyBytes != 1<<20 {
		t.Fatalf("bad env value should fall back: %d", cfg.MaxBodyBytes)
	}
}
