package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnv(t *testing.T) {
	unsetEnv(t, "TELEGRAM_TOKEN")
	unsetEnv(t, "TIMESCALE_DSN")
	unsetEnv(t, "FEED_URL")
	unsetEnv(t, "EMPTY")
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "" +
		"# bot secrets\n" +
		"TELEGRAM_TOKEN=\"123:abc\"\n" +
		"TIMESCALE_DSN='postgres://bot@localhost/journal'\n" +
		"export FEED_URL=wss://feed.example.com/ws\n" +
		"EMPTY=\n" +
		"not-a-pair\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv("TELEGRAM_TOKEN"); got != "123:abc" {
		t.Fatalf("TELEGRAM_TOKEN = %q", got)
	}
	if got := os.Getenv("TIMESCALE_DSN"); got != "postgres://bot@localhost/journal" {
		t.Fatalf("TIMESCALE_DSN = %q", got)
	}
	if got := os.Getenv("FEED_URL"); got != "wss://feed.example.com/ws" {
		t.Fatalf("FEED_URL = %q", got)
	}
	if got := os.Getenv("EMPTY"); got != "" {
		t.Fatalf("EMPTY = %q", got)
	}
}

func TestLoadEnvDoesNotOverrideExisting(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "from-shell")
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("TELEGRAM_TOKEN=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv("TELEGRAM_TOKEN"); got != "from-shell" {
		t.Fatalf("TELEGRAM_TOKEN = %q, want shell value kept", got)
	}
}

func TestLoadEnvMissingFile(t *testing.T) {
	if err := LoadEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
}

func unsetEnv(t *testing.T, key string) {
	t.Helper()
	if old, ok := os.LookupEnv(key); ok {
		t.Cleanup(func() { _ = os.Setenv(key, old) })
	} else {
		t.Cleanup(func() { _ = os.Unsetenv(key) })
	}
	_ = os.Unsetenv(key)
}
