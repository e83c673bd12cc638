package session

import (
	"context"
	"runtime/debug"

	"github.com/breeze-rmm/sessionguard/internal/audit"
	"github.com/breeze-rmm/sessionguard/internal/logging"
)

// Handle ends the current session because of reason. Concurrent and
// repeated calls are safe: only the first caller while the guard is free
// performs the teardown, and it returns true. Every step runs even if an
// earlier one fails.
func (c *Coordinator) Handle(reason string, details Details) bool {
	return c.teardown(reason, details, nil)
}

// Logout ends the session at the user's request. The authority is told
// with a best-effort invalidate that never delays or blocks the teardown.
func (c *Coordinator) Logout(ctx context.Context) bool {
	return c.teardown(ReasonSignedOut, Details{}, func(token, principalID string) {
		c.background("signed_out", token, principalID)
	})
}

func (c *Coordinator) teardown(reason string, details Details, withToken func(token, principalID string)) bool {
	if !c.loggingOut.CompareAndSwap(false, true) {
		log.Debug("teardown already in progress", logging.KeyReason, reason)
		return false
	}
	prev := State(c.state.Swap(int32(LoggingOut)))
	c.deps.Metrics.State(int(LoggingOut))

	c.mu.Lock()
	c.stopLoopsLocked()
	c.attempt++
	token := c.token
	c.token = nil
	principal := c.principal
	c.principal = nil
	c.desired = nil
	c.mu.Unlock()

	principalID := ""
	if principal != nil {
		principalID = principal.ID
	}
	tlog := logging.WithPrincipal(log, principalID)
	tlog.Info("ending session", logging.KeyReason, reason, "from", prev.String())

	if token != nil {
		if withToken != nil && !token.Empty() {
			c.step("invalidate", func() { withToken(token.Reveal(), principalID) })
		}
		token.Zero()
	}

	c.step("clear token", c.clearStore)
	c.step("local sign-out", func() {
		if err := c.deps.Identity.SignOutLocal(); err != nil {
			tlog.Warn("local sign-out failed", logging.KeyError, err)
		}
	})
	if !Silent(reason) {
		msg := MessageFor(reason, details)
		c.step("notify", func() { c.deps.Notifier.Notify(msg) })
	}
	c.step("redirect", c.deps.Navigator.Redirect)

	c.setState(Unregistered)
	if reason == ReasonSignedOut {
		c.deps.Metrics.UserLogout()
	} else {
		c.deps.Metrics.ForcedLogout(reason)
	}

	auditDetails := map[string]any{"reason": reason, "from": prev.String()}
	if details.OriginalCountry != "" || details.CurrentCountry != "" {
		auditDetails["originalCountry"] = details.OriginalCountry
		auditDetails["currentCountry"] = details.CurrentCountry
	}
	c.deps.Audit.Log(audit.EventSessionTeardown, principalID, auditDetails)

	c.releaseGuard()
	return true
}

// step runs one teardown step, containing any panic so later steps run.
func (c *Coordinator) step(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("teardown step panicked", "step", name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// releaseGuard re-arms the coordinator after GuardReleaseDelay. A principal
// that signed in while the guard was held is picked up then.
func (c *Coordinator) releaseGuard() {
	release := func() {
		c.loggingOut.Store(false)
		log.Debug("logout guard released")

		c.mu.Lock()
		pending := c.desired
		c.mu.Unlock()
		if pending != nil && c.baseCtx.Err() == nil {
			c.PrincipalChanged(c.baseCtx, pending)
		}
	}

	if c.opts.GuardReleaseDelay <= 0 {
		go release()
		return
	}
	c.clock.AfterFunc(c.opts.GuardReleaseDelay, release)
}
