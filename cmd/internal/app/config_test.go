package app

import (
	"testing"
	"time"
)

func TestConfigBackend(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "default memory", cfg: Config{}, want: "memory"},
		{name: "explicit backend wins", cfg: Config{StoreBackend: "memory", DatabaseURL: "postgres://x"}, want: "memory"},
		{name: "database url implies postgres", cfg: Config{DatabaseURL: "postgres://x"}, want: "postgres"},
		{name: "redis addr implies redis", cfg: Config{RedisAddr: "127.0.0.1:6379"}, want: "redis"},
		{name: "postgres beats redis when both set", cfg: Config{DatabaseURL: "postgres://x", RedisAddr: "127.0.0.1:6379"}, want: "postgres"},
		{name: "unknown backend falls through", cfg: Config{StoreBackend: "etcd", RedisAddr: "127.0.0.1:6379"}, want: "redis"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.cfg.Backend(); got != tc.want {
				t.Fatalf("Backend()=%q want=%q", got, tc.want)
			}
		})
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("CRAFT_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("CRAFT_LOG_FORMAT", "pretty")
	t.Setenv("CRAFT_HTTP_READ_TIMEOUT", "30s")
	t.Setenv("CRAFT_REDIS_DB", "2")
	t.Setenv("CRAFT_CORS_ALLOWED_ORIGINS", "http://localhost:4200, https://app.example.com")

	cfg := LoadConfig()

	if cfg.HTTPAddr != "127.0.0.1:9999" {
		t.Fatalf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.LogFormat != "pretty" {
		t.Fatalf("LogFormat = %q", cfg.LogFormat)
	}
	if cfg.ReadTimeout != 30*time.Second {
		t.Fatalf("ReadTimeout = %v", cfg.ReadTimeout)
	}
	if cfg.RedisDB != 2 {
		t.Fatalf("RedisDB = %d", cfg.RedisDB)
	}
	want := []string{"http://localhost:4200", "https://app.example.com"}
	if len(cfg.CORSAllowedOrigins) != len(want) {
		t.Fatalf("CORSAllowedOrigins = %v", cfg.CORSAllowedOrigins)
	}
	for i := range want {
		if cfg.CORSAllowedOrigins[i] != want[i] {
			t.Fatalf("CORSAllowedOrigins[%d] = %q want %q", i, cfg.CORSAllowedOrigins[i], want[i])
		}
	}
}
