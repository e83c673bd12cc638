package notify

import "github.com/breeze-rmm/sessionguard/internal/logging"

// Desktop shows native notifications and opens the sign-in page in the
// user's browser.
type Desktop struct {
	AppName  string
	LoginURL string
}

func (d Desktop) Notify(n Notification) {
	if err := showNotificationOS(d.appName(), n); err != nil {
		log.Warn("notification failed", "title", n.Title, logging.KeyError, err)
	}
}

// Redirect opens LoginURL. Without one there is nowhere to send the user,
// so the redirect is only logged.
func (d Desktop) Redirect() {
	if d.LoginURL == "" {
		log.Info("signed out, no login url configured")
		return
	}
	if err := openURLOS(d.LoginURL); err != nil {
		log.Warn("open login page failed", "url", d.LoginURL, logging.KeyError, err)
	}
}

func (d Desktop) appName() string {
	if d.AppName == "" {
		return "SessionGuard"
	}
	return d.AppName
}

// escapeAppleScript escapes a string for embedding in an AppleScript
// double-quoted string literal.
func escapeAppleScript(s string) string {
	result := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '"':
			result = append(result, '\\', '"')
		case ch == '\\':
			result = append(result, '\\', '\\')
		case ch == '\n':
			result = append(result, '\\', 'n')
		case ch == '\r':
			result = append(result, '\\', 'r')
		case ch == '\t':
			result = append(result, '\\', 't')
		case ch < 0x20 || ch == 0x7f:
			continue
		default:
			result = append(result, ch)
		}
	}
	return string(result)
}

func linuxUrgency(s Severity) string {
	switch s {
	case SeverityError:
		return "critical"
	case SeverityWarning:
		return "normal"
	default:
		return "low"
	}
}
