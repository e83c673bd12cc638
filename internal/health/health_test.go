package health

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestNewMonitorOverallReturnsUnknown(t *testing.T) {
	m := NewMonitor()
	if got := m.Overall(); got != Unknown {
		t.Fatalf("Overall() on empty monitor = %q, want %q", got, Unknown)
	}
	s := m.Summary()
	if s["status"] != "unknown" {
		t.Fatalf("Summary status = %v, want unknown", s["status"])
	}
}

func TestOverallReturnsWorstStatus(t *testing.T) {
	m := NewMonitor()
	m.Update(ComponentAuthority, Degraded, "status 503")
	m.Update(ComponentIdentity, Healthy, "")

	if got := m.Overall(); got != Degraded {
		t.Fatalf("Overall() = %q, want %q", got, Degraded)
	}

	m.Update(ComponentStore, Unhealthy, "disk full")
	if got := m.Overall(); got != Unhealthy {
		t.Fatalf("Overall() = %q, want %q", got, Unhealthy)
	}
}

func TestRecoveryReplacesPreviousStatus(t *testing.T) {
	m := NewMonitor()
	m.Update(ComponentAuthority, Unhealthy, "timeout")
	m.Update(ComponentAuthority, Healthy, "")

	c, ok := m.Get(ComponentAuthority)
	if !ok {
		t.Fatal("expected authority check")
	}
	if c.Status != Healthy || c.Message != "" {
		t.Fatalf("check = %+v, want healthy with no message", c)
	}
}

func TestUpdateUsesInjectedClock(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMonitorWithClock(clockwork.NewFakeClockAt(at))
	m.Update(ComponentPush, Healthy, "")

	c, _ := m.Get(ComponentPush)
	if !c.UpdatedAt.Equal(at) {
		t.Fatalf("UpdatedAt = %s, want %s", c.UpdatedAt, at)
	}
}

func TestSummaryListsComponents(t *testing.T) {
	m := NewMonitor()
	m.Update(ComponentAuthority, Healthy, "")
	m.Update(ComponentIdentity, Degraded, "confirm failed")

	components, _ := m.Summary()["components"].(map[string]string)
	if components[ComponentIdentity] != "degraded" || components[ComponentAuthority] != "healthy" {
		t.Fatalf("components = %v", components)
	}
}

func TestNilMonitorUpdateIsNoop(t *testing.T) {
	var m *Monitor
	m.Update(ComponentAuthority, Healthy, "")
}

func TestConcurrentUpdates(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.Update(ComponentAuthority, Degraded, "flaky")
		}()
		go func() {
			defer wg.Done()
			_ = m.Summary()
		}()
	}
	wg.Wait()
	if got := m.Overall(); got != Degraded {
		t.Fatalf("Overall() = %q, want degraded", got)
	}
}
