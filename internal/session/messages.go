package session

import (
	"fmt"

	"github.com/breeze-rmm/sessionguard/internal/notify"
)

// MessageFor returns the notification shown when a session ends for reason.
func MessageFor(reason string, d Details) notify.Notification {
	switch reason {
	case ReasonSessionNotFound:
		return notify.Notification{
			Title:       "Session terminated",
			Description: "Your session was terminated. Please sign in again.",
			Severity:    notify.SeverityError,
		}
	case ReasonSessionExpired:
		return notify.Notification{
			Title:       "Session expired",
			Description: "Your session has expired. Please sign in again.",
			Severity:    notify.SeverityWarning,
		}
	case ReasonIPCountryChanged:
		return notify.Notification{
			Title: "Session location changed",
			Description: fmt.Sprintf("Your session moved from %s to %s and was ended for your security.",
				orUnknown(d.OriginalCountry), orUnknown(d.CurrentCountry)),
			Severity: notify.SeverityError,
		}
	case ReasonNewLogin:
		return notify.Notification{
			Title:       "Signed in elsewhere",
			Description: "Your account was signed in on another device, so this session was ended.",
			Severity:    notify.SeverityWarning,
		}
	default:
		return notify.Notification{
			Title:       "Session ended",
			Description: "Your session has ended. Please sign in again.",
			Severity:    notify.SeverityWarning,
		}
	}
}

// DisplacedMessage tells the user that registering here ended n other
// sessions. n is shown as given.
func DisplacedMessage(n int) notify.Notification {
	noun := "devices"
	if n == 1 {
		noun = "device"
	}
	return notify.Notification{
		Title:       "Other sessions signed out",
		Description: fmt.Sprintf("Signing in here logged out %d other %s.", n, noun),
		Severity:    notify.SeverityInfo,
	}
}

func orUnknown(country string) string {
	if country == "" {
		return "an unknown location"
	}
	return country
}
