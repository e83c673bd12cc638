package session

import (
	"context"
	"errors"

	"github.com/breeze-rmm/sessionguard/internal/health"
	"github.com/breeze-rmm/sessionguard/internal/identity"
	"github.com/breeze-rmm/sessionguard/internal/logging"
)

// Probe answers "is there a valid local credential?". It checks locally
// first and only then asks the identity provider. Any failure is false.
type Probe struct {
	provider identity.Provider
	health   *health.Monitor
}

func NewProbe(provider identity.Provider, monitor *health.Monitor) *Probe {
	return &Probe{provider: provider, health: monitor}
}

func (p *Probe) Valid(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("auth probe panicked", "panic", r)
			ok = false
		}
	}()

	if _, present := p.provider.LocalCredential(); !present {
		return false
	}
	if _, err := p.provider.ConfirmCredential(ctx); err != nil {
		switch {
		case errors.Is(err, identity.ErrAuthExpired), errors.Is(err, identity.ErrNoCredential):
			p.health.Update(health.ComponentIdentity, health.Healthy, "")
			log.Debug("local credential no longer accepted", logging.KeyError, err)
		case ctx.Err() != nil:
		default:
			p.health.Update(health.ComponentIdentity, health.Degraded, err.Error())
			log.Warn("credential confirmation failed", logging.KeyError, err)
		}
		return false
	}
	p.health.Update(health.ComponentIdentity, health.Healthy, "")
	return true
}
