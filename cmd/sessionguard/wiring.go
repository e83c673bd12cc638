package main

import (
	"fmt"
	"io"
	"os"

	"github.com/breeze-rmm/sessionguard/internal/audit"
	"github.com/breeze-rmm/sessionguard/internal/config"
	"github.com/breeze-rmm/sessionguard/internal/device"
	"github.com/breeze-rmm/sessionguard/internal/health"
	"github.com/breeze-rmm/sessionguard/internal/identity"
	"github.com/breeze-rmm/sessionguard/internal/logging"
	"github.com/breeze-rmm/sessionguard/internal/metrics"
	"github.com/breeze-rmm/sessionguard/internal/mtls"
	"github.com/breeze-rmm/sessionguard/internal/notify"
	"github.com/breeze-rmm/sessionguard/internal/push"
	"github.com/breeze-rmm/sessionguard/internal/session"
	"github.com/breeze-rmm/sessionguard/internal/store"
	"github.com/breeze-rmm/sessionguard/internal/workerpool"
	"github.com/breeze-rmm/sessionguard/pkg/api"
)

var log = logging.L("main")

// app holds everything a command needs. Fields a command did not ask for
// are nil.
type app struct {
	cfg      *config.Config
	provider *identity.FileProvider
	store    store.TokenStore
	pool     *workerpool.Pool
	audit    *audit.Logger
	metrics  *metrics.Recorder
	health   *health.Monitor
	coord    *session.Coordinator
}

// loadConfig loads and validates config, exiting on fatal errors.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	result := cfg.ValidateTiered()
	logging.Init(cfg.LogFormat, cfg.LogLevel, nil)
	for _, w := range result.Warnings {
		log.Warn("config warning", logging.KeyError, w)
	}
	if result.HasFatals() {
		for _, e := range result.Fatals {
			fmt.Fprintf(os.Stderr, "Invalid config: %v\n", e)
		}
		os.Exit(1)
	}
	return cfg
}

// buildApp wires the coordinator and its collaborators. withPush starts
// the websocket listener alongside each session when enabled.
func buildApp(cfg *config.Config, withPush bool) (*app, error) {
	a := &app{cfg: cfg, health: health.NewMonitor()}

	dataDir := cfg.DataDir()
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	st, err := store.Open(cfg.TokenStore, dataDir)
	if err != nil {
		return nil, fmt.Errorf("open token store: %w", err)
	}
	a.store = st

	a.provider = identity.NewFileProvider(cfg.CredentialPath(), cfg.IdentityURL, cfg.RequestTimeout())

	tlsConfig, err := mtls.BuildTLSConfig(cfg.ClientCertFile, cfg.ClientKeyFile)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("load client certificate: %w", err)
	}

	opts := []api.Option{}
	if tlsConfig != nil {
		opts = append(opts, api.WithTLSConfig(tlsConfig))
	}
	client := api.NewClient(cfg.AuthorityURL, "sessionguard/"+version, cfg.RequestTimeout(), a.provider.AccessToken, opts...)

	if cfg.AuditEnabled {
		a.audit, err = audit.NewLogger(dataDir, cfg.AuditMaxSizeMB, cfg.AuditMaxBackups, nil)
		if err != nil {
			log.Warn("audit log unavailable, continuing without it", logging.KeyError, err)
		}
	}
	if cfg.MetricsAddr != "" {
		a.metrics = metrics.NewRecorder()
	}

	desktop := notify.Desktop{LoginURL: cfg.LoginURL}
	a.pool = workerpool.New(cfg.MaxBackgroundTasks, cfg.MaxBackgroundTasks*8)

	deps := session.Deps{
		Authority: client,
		Identity:  a.provider,
		Store:     a.store,
		Device: device.NewCollector(dataDir, device.Display{
			Width:  cfg.ScreenWidth,
			Height: cfg.ScreenHeight,
			Touch:  cfg.TouchCapable,
		}),
		Notifier:  notify.Multi{notify.LogNotifier{}, desktop},
		Navigator: desktop,
		Pool:      a.pool,
		Audit:     a.audit,
		Metrics:   a.metrics,
		Health:    a.health,
	}
	if withPush && cfg.PushEnabled {
		deps.Push = push.NewListener(cfg.PushURL, tlsConfig, a.health)
	}

	a.coord = session.New(deps, session.Options{
		HeartbeatInterval:  cfg.HeartbeatInterval(),
		ValidationInterval: cfg.ValidationInterval(),
		RequestTimeout:     cfg.RequestTimeout(),
		GuardReleaseDelay:  cfg.GuardReleaseDelay(),
	})
	return a, nil
}

// close releases what buildApp opened. The worker pool is drained by the
// caller first so pending invalidates get a chance to run.
func (a *app) close() {
	if a.coord != nil {
		a.coord.Close()
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			log.Warn("audit close failed", logging.KeyError, err)
		}
	}
	if c, ok := a.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Warn("token store close failed", logging.KeyError, err)
		}
	}
}
