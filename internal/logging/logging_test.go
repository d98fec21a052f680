package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		raw      string
		want     slog.Level
		disabled bool
		ok       bool
	}{
		{"", slog.LevelInfo, false, false},
		{"trace", LevelTrace, false, true},
		{" DEBUG ", slog.LevelDebug, false, true},
		{"warning", slog.LevelWarn, false, true},
		{"off", slog.LevelInfo, true, true},
		{"loud", slog.LevelInfo, false, false},
	}
	for _, tc := range cases {
		lvl, disabled, ok := parseLevel(tc.raw)
		if lvl != tc.want || disabled != tc.disabled || ok != tc.ok {
			t.Errorf("parseLevel(%q) = %v,%v,%v; want %v,%v,%v", tc.raw, lvl, disabled, ok, tc.want, tc.disabled, tc.ok)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{EnvLogLevel: "error", EnvLogFormat: "json"}
	opts := defaultOptions(ProfileTest)
	applyEnvOverrides(&opts, func(k string) string { return env[k] })
	if opts.Level != slog.LevelError || !opts.JSON {
		t.Fatalf("unexpected options %+v", opts)
	}
}

func TestTestProfileOmitsTime(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvLogFormat, "json")
	var buf bytes.Buffer
	New(ProfileTest, &buf).Debug("cycle committed", "cycle", 3)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected one JSON record, got %q: %v", buf.String(), err)
	}
	if _, ok := rec["time"]; ok {
		t.Fatal("test profile must not log time")
	}
	if rec["msg"] != "cycle committed" || rec["cycle"] != float64(3) {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestDisabledDiscards(t *testing.T) {
	var buf bytes.Buffer
	NewWithOptions(Options{Disabled: true}, &buf).Error("boom")
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}

	NewWithOptions(Options{Level: slog.LevelWarn}, &buf).Info("quiet")
	if strings.Contains(buf.String(), "quiet") {
		t.Fatal("info must be filtered at warn level")
	}
}
