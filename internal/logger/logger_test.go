package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"info":    zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewRespectsLevel(t *testing.T) {
	for _, pretty := range []bool{false, true} {
		l, err := New(Config{Level: "warn", Pretty: pretty, Service: "tokenguard", Env: "test"})
		if err != nil {
			t.Fatalf("New(pretty=%v): %v", pretty, err)
		}
		if l.Core().Enabled(zapcore.InfoLevel) {
			t.Fatalf("info enabled at warn level (pretty=%v)", pretty)
		}
		if !l.Core().Enabled(zapcore.WarnLevel) {
			t.Fatalf("warn disabled at warn level (pretty=%v)", pretty)
		}
	}
}
