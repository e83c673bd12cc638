package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validTokenStores = map[string]bool{
	"file":   true,
	"sqlite": true,
}

// ValidationResult separates errors that must stop startup from values
// that were corrected or can be ignored.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

// ValidateTiered checks the config. Out-of-range numbers are clamped in
// place and reported as warnings; malformed endpoints are fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.AuthorityURL == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("authority_url is required"))
	} else if err := checkURL("authority_url", c.AuthorityURL, "http", "https"); err != nil {
		r.Fatals = append(r.Fatals, err)
	}

	if c.IdentityURL == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("identity_url is required"))
	} else if err := checkURL("identity_url", c.IdentityURL, "http", "https"); err != nil {
		r.Fatals = append(r.Fatals, err)
	}

	if c.LoginURL != "" {
		if err := checkURL("login_url", c.LoginURL, "http", "https"); err != nil {
			r.Warnings = append(r.Warnings, fmt.Errorf("%v, forced logouts will not open a sign-in page", err))
			c.LoginURL = ""
		}
	}

	if c.PushEnabled {
		if c.PushURL == "" {
			r.Fatals = append(r.Fatals, fmt.Errorf("push_url is required when push_enabled is set"))
		} else if err := checkURL("push_url", c.PushURL, "ws", "wss"); err != nil {
			r.Fatals = append(r.Fatals, err)
		}
	}

	if (c.ClientCertFile == "") != (c.ClientKeyFile == "") {
		r.Fatals = append(r.Fatals, fmt.Errorf("client_cert_file and client_key_file must be set together"))
	}

	c.HeartbeatIntervalSeconds = clampInt(&r, "heartbeat_interval_seconds", c.HeartbeatIntervalSeconds, 5, 3600)
	c.ValidationIntervalSeconds = clampInt(&r, "validation_interval_seconds", c.ValidationIntervalSeconds, 5, 3600)
	c.RequestTimeoutSeconds = clampInt(&r, "request_timeout_seconds", c.RequestTimeoutSeconds, 1, 120)
	c.GuardReleaseDelayMs = clampInt(&r, "guard_release_delay_ms", c.GuardReleaseDelayMs, 0, 10000)
	c.MaxBackgroundTasks = clampInt(&r, "max_background_tasks", c.MaxBackgroundTasks, 1, 16)

	if !validTokenStores[strings.ToLower(c.TokenStore)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("token_store %q is not valid (use file or sqlite), falling back to file", c.TokenStore))
		c.TokenStore = "file"
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	for _, err := range r.Warnings {
		slog.Warn("config validation", "error", err)
	}
	return r
}

// Validate returns every problem found; kept for callers that only log.
func (c *Config) Validate() []error {
	return c.ValidateTiered().AllErrors()
}

func checkURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s %q is not a valid URL: %w", key, raw, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s scheme must be %s, got %q", key, strings.Join(schemes, " or "), u.Scheme)
}

func clampInt(r *ValidationResult, key string, v, lo, hi int) int {
	if v < lo {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", key, v, lo))
		return lo
	}
	if v > hi {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", key, v, hi))
		return hi
	}
	return v
}
