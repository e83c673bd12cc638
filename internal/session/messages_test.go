package session

import (
	"strings"
	"testing"

	"github.com/breeze-rmm/sessionguard/internal/notify"
)

func TestMessageFor(t *testing.T) {
	tests := []struct {
		reason   string
		details  Details
		title    string
		severity notify.Severity
		contains string
	}{
		{ReasonSessionNotFound, Details{}, "Session terminated", notify.SeverityError, "terminated"},
		{ReasonSessionExpired, Details{}, "Session expired", notify.SeverityWarning, "expired"},
		{ReasonIPCountryChanged, Details{OriginalCountry: "US", CurrentCountry: "FR"}, "Session location changed", notify.SeverityError, "from US to FR"},
		{ReasonIPCountryChanged, Details{CurrentCountry: "FR"}, "Session location changed", notify.SeverityError, "from an unknown location to FR"},
		{ReasonNewLogin, Details{}, "Signed in elsewhere", notify.SeverityWarning, "another device"},
		{"something_new", Details{}, "Session ended", notify.SeverityWarning, "has ended"},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			n := MessageFor(tt.reason, tt.details)
			if n.Title != tt.title || n.Severity != tt.severity {
				t.Fatalf("MessageFor(%q) = %+v", tt.reason, n)
			}
			if !strings.Contains(n.Description, tt.contains) {
				t.Fatalf("description %q does not contain %q", n.Description, tt.contains)
			}
		})
	}
}

func TestDisplacedMessagePlural(t *testing.T) {
	if got := DisplacedMessage(1).Description; got != "Signing in here logged out 1 other device." {
		t.Fatalf("n=1: %q", got)
	}
	if got := DisplacedMessage(3).Description; got != "Signing in here logged out 3 other devices." {
		t.Fatalf("n=3: %q", got)
	}
	if DisplacedMessage(2).Severity != notify.SeverityInfo {
		t.Fatal("displaced message should be informational")
	}
}

func TestSilentReasons(t *testing.T) {
	for _, r := range []string{ReasonAuthSessionExpired, ReasonSignedOut} {
		if !Silent(r) {
			t.Fatalf("%s should be silent", r)
		}
	}
	for _, r := range []string{ReasonSessionNotFound, ReasonSessionExpired, ReasonIPCountryChanged, ReasonNewLogin} {
		if Silent(r) {
			t.Fatalf("%s should notify", r)
		}
	}
}

func TestStateString(t *testing.T) {
	if Active.String() != "active" || LoggingOut.String() != "logging_out" || State(42).String() != "unknown" {
		t.Fatal("unexpected state names")
	}
}
