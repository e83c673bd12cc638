package notify

import (
	"sync"
	"testing"
)

func TestMultiFansOut(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	Multi{a, nil, b}.Notify(Notification{Title: "t", Severity: SeverityInfo})

	if len(a.Notifications()) != 1 || len(b.Notifications()) != 1 {
		t.Fatalf("a=%d b=%d, want 1 each", len(a.Notifications()), len(b.Notifications()))
	}
}

func TestRecorderConcurrent(t *testing.T) {
	r := &Recorder{}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Notify(Notification{Title: "x"})
			r.Redirect()
		}()
	}
	wg.Wait()
	if len(r.Notifications()) != 20 || r.Redirects() != 20 {
		t.Fatalf("notifications=%d redirects=%d", len(r.Notifications()), r.Redirects())
	}
}

func TestEscapeAppleScript(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`plain`, `plain`},
		{`say "hi"`, `say \"hi\"`},
		{`a\b`, `a\\b`},
		{"line1\nline2", `line1\nline2`},
		{"bell\x07", "bell"},
	}
	for _, tt := range tests {
		if got := escapeAppleScript(tt.in); got != tt.want {
			t.Fatalf("escapeAppleScript(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLinuxUrgency(t *testing.T) {
	if linuxUrgency(SeverityError) != "critical" || linuxUrgency(SeverityInfo) != "low" || linuxUrgency(SeverityWarning) != "normal" {
		t.Fatal("unexpected urgency mapping")
	}
}

func TestRedirectWithoutURLIsNoop(t *testing.T) {
	Desktop{}.Redirect()
}
