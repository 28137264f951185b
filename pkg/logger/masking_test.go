package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestMaskingHandlerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(NewMaskingHandler(base))

	logger.Info("connecting", "password", "hunter2", "db_secret", "topsecret", "host", "localhost")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["password"] != "***" {
		t.Errorf("password = %v, want ***", entry["password"])
	}
	if entry["db_secret"] != "***" {
		t.Errorf("db_secret = %v, want ***", entry["db_secret"])
	}
	if entry["host"] != "localhost" {
		t.Errorf("host = %v, want localhost unchanged", entry["host"])
	}
}

func TestMaskingHandlerRedactsTokens(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(NewMaskingHandler(base))

	logger.Info("auth", "api_key", "sk-abcdefgh", "token", "tok_12345")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["api_key"] != "sk-****" {
		t.Errorf("api_key = %v, want sk-****", entry["api_key"])
	}
	if entry["token"] != "tok****" {
		t.Errorf("token = %v, want tok****", entry["token"])
	}
}

func TestMaskingHandlerWithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(NewMaskingHandler(base)).With("secret_key", "abc123")

	logger.Info("boot")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["secret_key"] != "***" {
		t.Errorf("secret_key = %v, want ***", entry["secret_key"])
	}
}

func TestMaskAttrGroup(t *testing.T) {
	a := slog.Group("db", slog.String("password", "hunter2"), slog.String("host", "localhost"))
	masked := maskAttr(a)
	group := masked.Value.Group()
	for _, inner := range group {
		if inner.Key == "password" && inner.Value.String() != "***" {
			t.Errorf("nested password not masked: %v", inner.Value.String())
		}
	}
}

func TestMaskingHandlerEnabled(t *testing.T) {
	base := slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	h := NewMaskingHandler(base)
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("expected info level disabled when base configured for warn")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("expected error level enabled")
	}
}
