package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("session")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("registered", "authority", "https://auth.example.com")

	out := buf.String()
	if !strings.Contains(out, "msg=registered") {
		t.Fatalf("expected plain registered message, got: %s", out)
	}
	if !strings.Contains(out, "component=session") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "authority=https://auth.example.com") {
		t.Fatalf("expected authority field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("session")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestSensitiveAttrsAreRedacted(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "debug", &buf)

	L("api").Debug("sending", "sessionToken", "tok-secret", "authorization", "Bearer abc")

	out := buf.String()
	if strings.Contains(out, "tok-secret") || strings.Contains(out, "Bearer abc") {
		t.Fatalf("sensitive value leaked into log: %s", out)
	}
	if !strings.Contains(out, `"sessionToken":"[REDACTED]"`) {
		t.Fatalf("expected redacted sessionToken, got: %s", out)
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("expected default logger")
	}

	var buf bytes.Buffer
	Init("text", "info", &buf)
	ctx := NewContext(context.Background(), WithPrincipal(L("test"), "user-1"))
	FromContext(ctx).Info("hello")

	if !strings.Contains(buf.String(), "principalId=user-1") {
		t.Fatalf("expected principal field from context logger, got: %s", buf.String())
	}
}
