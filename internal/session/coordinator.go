// Package session keeps one authority-issued session alive for the signed-in
// principal: it registers on login, proves liveness and validity on two
// fixed-interval loops, and tears everything down exactly once when the
// session ends.
package session

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/breeze-rmm/sessionguard/internal/audit"
	"github.com/breeze-rmm/sessionguard/internal/device"
	"github.com/breeze-rmm/sessionguard/internal/health"
	"github.com/breeze-rmm/sessionguard/internal/identity"
	"github.com/breeze-rmm/sessionguard/internal/logging"
	"github.com/breeze-rmm/sessionguard/internal/metrics"
	"github.com/breeze-rmm/sessionguard/internal/notify"
	"github.com/breeze-rmm/sessionguard/internal/push"
	"github.com/breeze-rmm/sessionguard/internal/secmem"
	"github.com/breeze-rmm/sessionguard/internal/store"
	"github.com/breeze-rmm/sessionguard/internal/workerpool"
	"github.com/breeze-rmm/sessionguard/pkg/api"
)

var log = logging.L("session")

// Authority is the remote session service. *api.Client implements it.
type Authority interface {
	Register(ctx context.Context, device api.DeviceInfo) (*api.RegisterResponse, error)
	Heartbeat(ctx context.Context, token string) (*api.HeartbeatResponse, error)
	Validate(ctx context.Context, token string) (*api.ValidateResponse, error)
	Invalidate(ctx context.Context, token string) error
}

// DeviceSource supplies the descriptor sent on register.
type DeviceSource interface {
	Descriptor(ctx context.Context) device.Descriptor
}

// PushSource streams server-initiated invalidations while a session is
// active. *push.Listener implements it.
type PushSource interface {
	Run(ctx context.Context, token string, onInvalidated func(push.Event))
}

// Deps are the coordinator's collaborators. Authority, Identity, Store,
// Device, Notifier and Navigator are required.
type Deps struct {
	Authority Authority
	Identity  identity.Provider
	Store     store.TokenStore
	Device    DeviceSource
	Notifier  notify.Notifier
	Navigator notify.Navigator

	Push    PushSource
	Pool    *workerpool.Pool
	Audit   *audit.Logger
	Metrics *metrics.Recorder
	Health  *health.Monitor
}

type Options struct {
	HeartbeatInterval  time.Duration
	ValidationInterval time.Duration
	RequestTimeout     time.Duration
	GuardReleaseDelay  time.Duration
	Clock              clockwork.Clock
}

func (o *Options) setDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Minute
	}
	if o.ValidationInterval <= 0 {
		o.ValidationInterval = 5 * time.Minute
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 15 * time.Second
	}
	if o.GuardReleaseDelay < 0 {
		o.GuardReleaseDelay = 0
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
}

// Coordinator owns the session lifecycle for one process.
type Coordinator struct {
	deps  Deps
	opts  Options
	clock clockwork.Clock
	probe *Probe

	state      atomic.Int32
	loggingOut atomic.Bool

	// mu guards the fields below. It is never held across a network call.
	// attempt is bumped by every registration start, reset and teardown; a
	// register whose attempt is no longer current owns nothing.
	mu        sync.Mutex
	token     *secmem.SecureString
	principal *identity.Principal
	desired   *identity.Principal
	loops     *loopHandle
	attempt   uint64

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

func New(deps Deps, opts Options) *Coordinator {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		deps:       deps,
		opts:       opts,
		clock:      opts.Clock,
		probe:      NewProbe(deps.Identity, deps.Health),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
	c.setState(Unregistered)
	return c
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Principal returns the principal the active session belongs to, if any.
func (c *Coordinator) Principal() *identity.Principal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principal
}

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
	c.deps.Metrics.State(int(s))
}

func (c *Coordinator) casState(from, to State) bool {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	c.deps.Metrics.State(int(to))
	return true
}

// PrincipalChanged is called whenever the signed-in principal changes. nil
// means signed out. A principal that appears while a teardown is in
// progress is remembered and acted on once the guard is released.
func (c *Coordinator) PrincipalChanged(ctx context.Context, p *identity.Principal) {
	c.mu.Lock()
	c.desired = p
	current := c.principal
	c.mu.Unlock()

	if c.loggingOut.Load() {
		log.Debug("principal change ignored while logging out")
		return
	}

	if p == nil {
		if c.State() != Unregistered {
			log.Info("principal signed out, stopping session loops")
		}
		c.reset()
		return
	}

	switch c.State() {
	case Active, Registering:
		if current.Same(p) {
			return
		}
		if c.State() == Registering {
			// register() compares against desired when it completes
			log.Debug("principal changed during registration", logging.KeyPrincipalID, p.ID)
			return
		}
		log.Info("principal switched, starting a new session", logging.KeyPrincipalID, p.ID)
		c.reset()
	case LoggingOut:
		return
	}

	c.establish(ctx, p)
}

// reset drops the in-memory session without touching the persisted token.
func (c *Coordinator) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLoopsLocked()
	c.attempt++
	if c.token != nil {
		c.token.Zero()
		c.token = nil
	}
	c.principal = nil
	if c.State() != LoggingOut {
		c.setState(Unregistered)
	}
}

// establish re-hydrates a persisted session for p or registers a new one.
func (c *Coordinator) establish(ctx context.Context, p *identity.Principal) {
	plog := logging.WithPrincipal(log, p.ID)

	if !c.probe.Valid(ctx) {
		plog.Debug("no valid local credential, not registering")
		return
	}
	if c.loggingOut.Load() {
		return
	}

	if rec, ok := c.persisted(ctx, p); ok {
		c.mu.Lock()
		if !c.casState(Unregistered, Active) {
			c.mu.Unlock()
			return
		}
		c.principal = p
		c.token = secmem.NewSecureString(rec.Token)
		c.startLoopsLocked()
		c.mu.Unlock()

		plog.Info("resumed persisted session", "issuedAt", rec.IssuedAt.Format(time.RFC3339))
		c.deps.Audit.Log(audit.EventSessionResumed, p.ID, map[string]any{"issuedAt": rec.IssuedAt.Format(time.RFC3339)})
		return
	}

	c.mu.Lock()
	if !c.casState(Unregistered, Registering) {
		c.mu.Unlock()
		return
	}
	c.principal = p
	c.attempt++
	attempt := c.attempt
	c.mu.Unlock()

	c.register(ctx, p, attempt)
}

// current reports whether attempt is still the live registration.
func (c *Coordinator) current(attempt uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt == attempt
}

// persisted returns the stored record if it belongs to p.
func (c *Coordinator) persisted(ctx context.Context, p *identity.Principal) (store.Record, bool) {
	rec, err := c.deps.Store.Load(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.deps.Health.Update(health.ComponentStore, health.Degraded, err.Error())
			log.Warn("failed to load persisted session", logging.KeyError, err)
		}
		return store.Record{}, false
	}
	if rec.PrincipalID != p.ID || rec.Token == "" {
		return store.Record{}, false
	}
	return rec, true
}

func (c *Coordinator) register(ctx context.Context, p *identity.Principal, attempt uint64) {
	plog := logging.WithPrincipal(log, p.ID)
	desc := c.deps.Device.Descriptor(ctx)

	rctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	start := c.clock.Now()
	resp, err := c.deps.Authority.Register(rctx, desc.Info())
	cancel()

	if err != nil && !c.current(attempt) {
		plog.Debug("superseded registration failed", logging.KeyError, err)
		return
	}
	if err != nil {
		if errors.Is(err, api.ErrAuthExpired) {
			c.deps.Metrics.Registration(metrics.ResultAuthExpired)
			plog.Info("registration refused, credential expired")
			c.mu.Lock()
			if c.attempt == attempt {
				c.clearStore()
			}
			c.mu.Unlock()
		} else {
			c.deps.Metrics.Registration(resultOf(err))
			c.deps.Health.Update(health.ComponentAuthority, health.Degraded, err.Error())
			plog.Warn("registration failed", logging.KeyError, err)
		}
		c.abandonRegistration(attempt)
		return
	}

	token := resp.SessionToken
	if !c.current(attempt) {
		plog.Info("registration superseded, discarding session")
		c.discard(token, p.ID)
		return
	}
	if _, ok := c.deps.Identity.LocalCredential(); !ok {
		plog.Info("credential disappeared during registration, discarding session")
		c.discard(token, p.ID)
		c.abandonRegistration(attempt)
		return
	}

	c.mu.Lock()
	desired := c.desired
	c.mu.Unlock()
	if !desired.Same(p) {
		plog.Info("principal changed during registration, discarding session")
		c.discard(token, p.ID)
		if c.abandonRegistration(attempt) && desired != nil {
			c.PrincipalChanged(ctx, desired)
		}
		return
	}

	// The save and the state change happen under mu so a reset or teardown
	// either sees the saved record and clears it, or supersedes the attempt
	// before anything is written.
	c.mu.Lock()
	if c.attempt != attempt || c.State() != Registering {
		c.mu.Unlock()
		plog.Info("session ended during registration, discarding token")
		c.discard(token, p.ID)
		return
	}
	if err := c.deps.Store.Save(ctx, store.Record{Token: token, PrincipalID: p.ID, IssuedAt: c.clock.Now()}); err != nil {
		c.deps.Health.Update(health.ComponentStore, health.Degraded, err.Error())
		plog.Warn("failed to persist session token, session will not survive restart", logging.KeyError, err)
	} else {
		c.deps.Health.Update(health.ComponentStore, health.Healthy, "")
	}
	c.casState(Registering, Active)
	c.token = secmem.NewSecureString(token)
	c.startLoopsLocked()
	c.mu.Unlock()

	c.deps.Metrics.Registration(metrics.ResultOK)
	c.deps.Health.Update(health.ComponentAuthority, health.Healthy, "")
	plog.Info("session registered",
		"invalidatedSessionCount", resp.InvalidatedSessionCount,
		logging.KeyDurationMs, c.clock.Since(start).Milliseconds(),
	)
	c.deps.Audit.Log(audit.EventSessionRegistered, p.ID, map[string]any{
		"invalidatedSessionCount": resp.InvalidatedSessionCount,
		"installId":               desc.InstallID,
	})

	if resp.InvalidatedSessionCount > 0 {
		c.deps.Notifier.Notify(DisplacedMessage(resp.InvalidatedSessionCount))
	}
}

// abandonRegistration returns to Unregistered if attempt is still the live
// registration. It reports whether it did.
func (c *Coordinator) abandonRegistration(attempt uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt != attempt || !c.casState(Registering, Unregistered) {
		return false
	}
	c.principal = nil
	return true
}

// discard tells the authority about a token that will never be used.
func (c *Coordinator) discard(token, principalID string) {
	c.background("discard", token, principalID)
}

func (c *Coordinator) clearStore() {
	ctx, cancel := context.WithTimeout(c.baseCtx, c.opts.RequestTimeout)
	defer cancel()
	if err := c.deps.Store.Clear(ctx); err != nil {
		c.deps.Health.Update(health.ComponentStore, health.Degraded, err.Error())
		log.Warn("failed to clear persisted session token", logging.KeyError, err)
	}
}

// background sends a best-effort invalidate without blocking the caller.
func (c *Coordinator) background(why, token, principalID string) {
	task := func(ctx context.Context) {
		rctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
		if err := c.deps.Authority.Invalidate(rctx, token); err != nil {
			log.Warn("best-effort invalidate failed", "why", why, logging.KeyError, err)
			c.deps.Audit.Log(audit.EventSessionInvalidateFailed, principalID, map[string]any{
				"why":   why,
				"error": err.Error(),
			})
		}
	}

	if c.deps.Pool == nil {
		go task(c.baseCtx)
		return
	}
	if !c.deps.Pool.Submit(task) {
		log.Warn("invalidate dropped, background pool unavailable", "why", why)
	}
}

// loopHandle owns the running loops of one session.
type loopHandle struct {
	cancel  context.CancelFunc
	tickers []clockwork.Ticker
}

// startLoopsLocked starts the heartbeat, validation and push loops for the
// current token. Caller holds mu.
func (c *Coordinator) startLoopsLocked() {
	if c.loops != nil {
		return
	}
	ctx, cancel := context.WithCancel(c.baseCtx)
	heartbeat := c.clock.NewTicker(c.opts.HeartbeatInterval)
	validation := c.clock.NewTicker(c.opts.ValidationInterval)
	c.loops = &loopHandle{cancel: cancel, tickers: []clockwork.Ticker{heartbeat, validation}}

	go c.runLoop(ctx, "heartbeat", heartbeat, c.heartbeatTick)
	go c.runLoop(ctx, "validation", validation, c.validationTick)

	if c.deps.Push != nil && c.token != nil {
		token := c.token.Reveal()
		go c.deps.Push.Run(ctx, token, func(ev push.Event) { c.onPush(ctx, ev) })
	}
}

// stopLoopsLocked cancels the loops and stops their tickers. It does not
// wait for an in-flight tick: every tick checks its context before
// dispatching and after the response. Caller holds mu.
func (c *Coordinator) stopLoopsLocked() {
	if c.loops == nil {
		return
	}
	c.loops.cancel()
	for _, t := range c.loops.tickers {
		t.Stop()
	}
	c.loops = nil
}

func (c *Coordinator) runLoop(ctx context.Context, name string, ticker clockwork.Ticker, tick func(context.Context)) {
	log.Debug("loop started", "loop", name)
	for {
		select {
		case <-ctx.Done():
			log.Debug("loop stopped", "loop", name)
			return
		case <-ticker.Chan():
			c.safeTick(ctx, name, tick)
		}
	}
}

func (c *Coordinator) safeTick(ctx context.Context, name string, tick func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("loop tick panicked", "loop", name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	tick(ctx)
}

// halted reports whether a tick must not dispatch or act on a response.
func (c *Coordinator) halted(ctx context.Context) bool {
	return ctx.Err() != nil || c.loggingOut.Load() || c.State() != Active
}

func (c *Coordinator) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == nil {
		return ""
	}
	return c.token.Reveal()
}

// checkAuth runs the probe for a tick. A lapsed credential ends the session
// silently.
func (c *Coordinator) checkAuth(ctx context.Context) bool {
	if c.probe.Valid(ctx) {
		return true
	}
	if !c.halted(ctx) {
		log.Info("local credential lapsed, ending session silently")
		c.Handle(ReasonAuthSessionExpired, Details{})
	}
	return false
}

func (c *Coordinator) heartbeatTick(ctx context.Context) {
	if c.halted(ctx) {
		return
	}
	if !c.checkAuth(ctx) || c.halted(ctx) {
		return
	}
	token := c.currentToken()
	if token == "" {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	resp, err := c.deps.Authority.Heartbeat(rctx, token)
	cancel()

	if c.halted(ctx) {
		log.Debug("discarding heartbeat response for ended session")
		return
	}

	switch {
	case err == nil && resp.Alive():
		c.deps.Metrics.Heartbeat(metrics.ResultOK)
		c.deps.Health.Update(health.ComponentAuthority, health.Healthy, "")
	case err == nil:
		c.deps.Metrics.Heartbeat(metrics.ResultRejected)
		c.Handle(reasonOr(resp.Reason), Details{})
	default:
		c.deps.Metrics.Heartbeat(resultOf(err))
		c.handleCallError("heartbeat", err)
	}
}

func (c *Coordinator) validationTick(ctx context.Context) {
	if c.halted(ctx) {
		return
	}
	if !c.checkAuth(ctx) || c.halted(ctx) {
		return
	}
	token := c.currentToken()
	if token == "" {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	resp, err := c.deps.Authority.Validate(rctx, token)
	cancel()

	if c.halted(ctx) {
		log.Debug("discarding validation response for ended session")
		return
	}

	switch {
	case err == nil && resp.Valid:
		c.deps.Metrics.Validation(metrics.ResultOK)
		c.deps.Health.Update(health.ComponentAuthority, health.Healthy, "")
	case err == nil && !escalates(resp.Reason):
		c.deps.Metrics.Validation(metrics.ResultOK)
		log.Debug("validation reported benign invalidity", logging.KeyReason, resp.Reason)
	case err == nil:
		c.deps.Metrics.Validation(metrics.ResultRejected)
		c.Handle(reasonOr(resp.Reason), Details{
			OriginalCountry: resp.OriginalCountry,
			CurrentCountry:  resp.CurrentCountry,
		})
	default:
		c.deps.Metrics.Validation(resultOf(err))
		c.handleCallError("validation", err)
	}
}

// handleCallError maps an authority error from a loop tick to an action.
func (c *Coordinator) handleCallError(op string, err error) {
	var rejected *api.RejectedError
	switch {
	case errors.Is(err, api.ErrAuthExpired):
		log.Info("authority refused credential, ending session silently", "op", op)
		c.Handle(ReasonAuthSessionExpired, Details{})
	case errors.As(err, &rejected):
		c.Handle(reasonOr(rejected.Reason), Details{
			OriginalCountry: rejected.OriginalCountry,
			CurrentCountry:  rejected.CurrentCountry,
		})
	default:
		c.deps.Health.Update(health.ComponentAuthority, health.Degraded, err.Error())
		log.Warn("authority call failed, retrying next tick", "op", op, logging.KeyError, err)
	}
}

func (c *Coordinator) onPush(ctx context.Context, ev push.Event) {
	if c.halted(ctx) {
		return
	}
	c.Handle(reasonOr(ev.Reason), Details{
		OriginalCountry: ev.OriginalCountry,
		CurrentCountry:  ev.CurrentCountry,
	})
}

// Close stops the loops and any background work tied to the coordinator.
// The persisted token is kept so the next process can resume.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.stopLoopsLocked()
	c.mu.Unlock()
	c.baseCancel()
}

func reasonOr(reason string) string {
	if reason == "" {
		return ReasonSessionNotFound
	}
	return reason
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, api.ErrAuthExpired):
		return metrics.ResultAuthExpired
	case errors.Is(err, api.ErrRejected):
		return metrics.ResultRejected
	default:
		return metrics.ResultTransient
	}
}
