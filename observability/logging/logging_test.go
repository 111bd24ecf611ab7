package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for name, want := range cases {
		if got := ParseLevel(name); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestSetupHonorsConfiguredLevel(t *testing.T) {
	t.Setenv(LevelEnvVar, "error")
	logger := Setup("stealthpayd", "test")

	ctx := context.Background()
	if logger.Enabled(ctx, slog.LevelInfo) {
		t.Fatal("info must be suppressed at the error level")
	}
	if !logger.Enabled(ctx, slog.LevelError) {
		t.Fatal("error must remain enabled")
	}
}

func TestRedact(t *testing.T) {
	if got := Redact("amount", "50000"); got != RedactedValue {
		t.Fatalf("amount must be redacted, got %q", got)
	}
	if got := Redact("Seed", "deadbeef"); got != RedactedValue {
		t.Fatalf("seed must be redacted regardless of case, got %q", got)
	}
	if got := Redact("txSignature", "abc123"); got != "abc123" {
		t.Fatalf("transaction signatures stay visible, got %q", got)
	}
}
