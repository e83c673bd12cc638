// Package notify delivers user-facing session messages and sends the user
// back to the sign-in entry point.
package notify

import (
	"sync"

	"github.com/breeze-rmm/sessionguard/internal/logging"
)

var log = logging.L("notify")

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type Notification struct {
	Title       string
	Description string
	Severity    Severity
}

// Notifier shows a notification. Delivery failures are logged by the
// implementation and never returned.
type Notifier interface {
	Notify(n Notification)
}

// Navigator returns the user to the unauthenticated entry point.
type Navigator interface {
	Redirect()
}

// Multi fans a notification out to several notifiers in order.
type Multi []Notifier

func (m Multi) Notify(n Notification) {
	for _, notifier := range m {
		if notifier != nil {
			notifier.Notify(n)
		}
	}
}

// LogNotifier writes notifications to the structured log. It is the
// fallback for headless hosts.
type LogNotifier struct{}

func (LogNotifier) Notify(n Notification) {
	switch n.Severity {
	case SeverityError:
		log.Error(n.Title, "description", n.Description)
	case SeverityWarning:
		log.Warn(n.Title, "description", n.Description)
	default:
		log.Info(n.Title, "description", n.Description)
	}
}

// Recorder keeps every notification and redirect in memory.
type Recorder struct {
	mu            sync.Mutex
	notifications []Notification
	redirects     int
}

func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	r.notifications = append(r.notifications, n)
	r.mu.Unlock()
}

func (r *Recorder) Redirect() {
	r.mu.Lock()
	r.redirects++
	r.mu.Unlock()
}

func (r *Recorder) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.notifications))
	copy(out, r.notifications)
	return out
}

func (r *Recorder) Redirects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.redirects
}
