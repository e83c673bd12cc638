package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/breeze-rmm/sessionguard/internal/device"
	"github.com/breeze-rmm/sessionguard/internal/health"
	"github.com/breeze-rmm/sessionguard/internal/identity"
	"github.com/breeze-rmm/sessionguard/internal/metrics"
	"github.com/breeze-rmm/sessionguard/internal/notify"
	"github.com/breeze-rmm/sessionguard/internal/push"
	"github.com/breeze-rmm/sessionguard/internal/secmem"
	"github.com/breeze-rmm/sessionguard/internal/store"
	"github.com/breeze-rmm/sessionguard/pkg/api"
)

const testInterval = time.Minute

type fakeAuthority struct {
	mu              sync.Mutex
	registers       int
	heartbeats      []string
	validations     []string
	invalidated     []string
	nextToken       int
	displaced       int
	registerErr     error
	onRegister      func()
	heartbeatResult func(token string) (*api.HeartbeatResponse, error)
	validateResult  func(token string) (*api.ValidateResponse, error)
}

func (a *fakeAuthority) Register(ctx context.Context, _ api.DeviceInfo) (*api.RegisterResponse, error) {
	a.mu.Lock()
	a.registers++
	err := a.registerErr
	hook := a.onRegister
	a.nextToken++
	token := fmt.Sprintf("sess-%d", a.nextToken)
	displaced := a.displaced
	a.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return &api.RegisterResponse{SessionToken: token, InvalidatedSessionCount: displaced}, nil
}

func (a *fakeAuthority) Heartbeat(ctx context.Context, token string) (*api.HeartbeatResponse, error) {
	a.mu.Lock()
	a.heartbeats = append(a.heartbeats, token)
	fn := a.heartbeatResult
	a.mu.Unlock()
	if fn != nil {
		return fn(token)
	}
	return &api.HeartbeatResponse{Success: true}, nil
}

func (a *fakeAuthority) Validate(ctx context.Context, token string) (*api.ValidateResponse, error) {
	a.mu.Lock()
	a.validations = append(a.validations, token)
	fn := a.validateResult
	a.mu.Unlock()
	if fn != nil {
		return fn(token)
	}
	return &api.ValidateResponse{Valid: true}, nil
}

func (a *fakeAuthority) Invalidate(ctx context.Context, token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.invalidated = append(a.invalidated, token)
	return nil
}

func (a *fakeAuthority) set(fn func(a *fakeAuthority)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(a)
}

func (a *fakeAuthority) registerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registers
}

func (a *fakeAuthority) heartbeatTokens() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.heartbeats...)
}

func (a *fakeAuthority) validationCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.validations)
}

func (a *fakeAuthority) remoteCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.heartbeats) + len(a.validations)
}

func (a *fakeAuthority) invalidatedTokens() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.invalidated...)
}

type fakeIdentity struct {
	mu         sync.Mutex
	cred       *identity.Credential
	confirmErr error
	signOuts   int
}

func (f *fakeIdentity) login(id string) *identity.Principal {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cred = &identity.Credential{AccessToken: secmem.NewSecureString("at-" + id), PrincipalID: id}
	f.confirmErr = nil
	return &identity.Principal{ID: id}
}

func (f *fakeIdentity) setConfirmErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmErr = err
}

func (f *fakeIdentity) dropCredential() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cred = nil
}

func (f *fakeIdentity) LocalCredential() (*identity.Credential, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cred, f.cred != nil
}

func (f *fakeIdentity) ConfirmCredential(ctx context.Context) (*identity.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cred == nil {
		return nil, identity.ErrNoCredential
	}
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	return f.cred.Principal(), nil
}

func (f *fakeIdentity) SignOutLocal() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signOuts++
	f.cred = nil
	return nil
}

func (f *fakeIdentity) signOutCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signOuts
}

type countingStore struct {
	store.TokenStore
	clears atomic.Int32
}

func (s *countingStore) Clear(ctx context.Context) error {
	s.clears.Add(1)
	return s.TokenStore.Clear(ctx)
}

type fakeDevice struct{}

func (fakeDevice) Descriptor(context.Context) device.Descriptor {
	return device.Descriptor{Platform: "linux", OS: "linux", Architecture: "amd64", InstallID: "install-1"}
}

type fakePush struct {
	mu     sync.Mutex
	tokens []string
	notify func(push.Event)
}

func (p *fakePush) Run(ctx context.Context, token string, onInvalidated func(push.Event)) {
	p.mu.Lock()
	p.tokens = append(p.tokens, token)
	p.notify = onInvalidated
	p.mu.Unlock()
	<-ctx.Done()
}

func (p *fakePush) deliver(ev push.Event) bool {
	p.mu.Lock()
	fn := p.notify
	p.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(ev)
	return true
}

type harness struct {
	c       *Coordinator
	clock   *clockwork.FakeClock
	auth    *fakeAuthority
	id      *fakeIdentity
	store   *countingStore
	ui      *notify.Recorder
	health  *health.Monitor
	metrics *metrics.Recorder
	push    *fakePush
}

func newHarness(t *testing.T, dir string) *harness {
	t.Helper()
	return newHarnessWith(t, dir, &fakeAuthority{})
}

func newHarnessWith(t *testing.T, dir string, auth *fakeAuthority) *harness {
	t.Helper()
	if dir == "" {
		dir = t.TempDir()
	}
	h := &harness{
		clock:   clockwork.NewFakeClock(),
		auth:    auth,
		id:      &fakeIdentity{},
		store:   &countingStore{TokenStore: store.NewFileStore(dir + "/session.yaml")},
		ui:      &notify.Recorder{},
		health:  health.NewMonitor(),
		metrics: metrics.NewRecorder(),
		push:    &fakePush{},
	}
	h.c = New(Deps{
		Authority: h.auth,
		Identity:  h.id,
		Store:     h.store,
		Device:    fakeDevice{},
		Notifier:  h.ui,
		Navigator: h.ui,
		Push:      h.push,
		Metrics:   h.metrics,
		Health:    h.health,
	}, Options{
		HeartbeatInterval:  testInterval,
		ValidationInterval: testInterval,
		RequestTimeout:     5 * time.Second,
		GuardReleaseDelay:  500 * time.Millisecond,
		Clock:              h.clock,
	})
	t.Cleanup(h.c.Close)
	return h
}

// activate signs in id and waits until both loop tickers exist.
func (h *harness) activate(t *testing.T, id string) {
	t.Helper()
	p := h.id.login(id)
	h.c.PrincipalChanged(context.Background(), p)
	if got := h.c.State(); got != Active {
		t.Fatalf("state = %s, want active", got)
	}
	h.waitForWaiters(t, 2)
}

func (h *harness) waitForWaiters(t *testing.T, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.clock.BlockUntilContext(ctx, n); err != nil {
		t.Fatalf("waiting for %d clock waiters: %v", n, err)
	}
}

// tick advances one loop interval.
func (h *harness) tick() {
	h.clock.Advance(testInterval)
}

func (h *harness) storedToken(t *testing.T) (store.Record, bool) {
	t.Helper()
	rec, err := h.store.Load(context.Background())
	if err != nil {
		return store.Record{}, false
	}
	return rec, true
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// counterTotal sums every series of the named counter.
func counterTotal(t *testing.T, g prometheus.Gatherer, name string) float64 {
	t.Helper()
	families, err := g.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

// blockFirstRegister makes the first Register call wait until release is
// closed. entered is closed once that call is in flight.
func blockFirstRegister(auth *fakeAuthority) (entered, release chan struct{}) {
	entered = make(chan struct{})
	release = make(chan struct{})
	var calls atomic.Int32
	auth.set(func(a *fakeAuthority) {
		a.onRegister = func() {
			if calls.Add(1) == 1 {
				close(entered)
				<-release
			}
		}
	})
	return entered, release
}

// settle gives goroutines woken by the fake clock a moment to run.
func settle() {
	time.Sleep(50 * time.Millisecond)
}
