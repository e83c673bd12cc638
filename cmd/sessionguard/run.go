package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/breeze-rmm/sessionguard/internal/identity"
	"github.com/breeze-rmm/sessionguard/internal/logging"
	"github.com/breeze-rmm/sessionguard/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

func runGuard() {
	cfg := loadConfig()

	a, err := buildApp(cfg, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting sessionguard",
		"version", version,
		"authority", cfg.AuthorityURL,
		"credentialFile", cfg.CredentialPath(),
		"tokenStore", cfg.TokenStore,
	)

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, a.metrics, a.health); err != nil {
				log.Error("metrics listener failed", logging.KeyError, err)
			}
		}()
	}

	watcher := identity.NewWatcher(a.provider, 0)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- watcher.Run(ctx, func(p *identity.Principal) {
			a.coord.PrincipalChanged(ctx, p)
		})
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-watchErr:
		if err != nil {
			log.Error("credential watcher stopped", logging.KeyError, err)
		}
	}

	a.coord.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.pool.Shutdown(shutdownCtx)
	a.close()
}
