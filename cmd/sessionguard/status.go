package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/breeze-rmm/sessionguard/internal/identity"
	"github.com/breeze-rmm/sessionguard/internal/store"
)

func checkStatus() {
	cfg := loadConfig()

	fmt.Printf("Authority: %s\n", cfg.AuthorityURL)
	fmt.Printf("State dir: %s\n", cfg.DataDir())

	provider := identity.NewFileProvider(cfg.CredentialPath(), cfg.IdentityURL, cfg.RequestTimeout())
	if cred, ok := provider.LocalCredential(); ok {
		fmt.Printf("Signed in: %s\n", cred.PrincipalID)
	} else {
		fmt.Println("Signed in: no")
	}

	st, err := store.Open(cfg.TokenStore, cfg.DataDir())
	if err != nil {
		fmt.Printf("Session: token store unavailable (%v)\n", err)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout())
		rec, err := st.Load(ctx)
		cancel()
		switch {
		case errors.Is(err, store.ErrNotFound):
			fmt.Println("Session: none")
		case err != nil:
			fmt.Printf("Session: unreadable (%v)\n", err)
		default:
			fmt.Printf("Session: persisted for %s since %s\n", rec.PrincipalID, rec.IssuedAt.Format(time.RFC3339))
		}
		if c, ok := st.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}

	if cfg.MetricsAddr == "" {
		return
	}
	summary, err := fetchHealth(cfg.MetricsAddr)
	if err != nil {
		fmt.Printf("Guard: not reachable (%v)\n", err)
		return
	}
	fmt.Printf("Guard: %v\n", summary["status"])
	if components, ok := summary["components"].(map[string]any); ok {
		for name, status := range components {
			fmt.Printf("  %s: %v\n", name, status)
		}
	}
}

func fetchHealth(addr string) (map[string]any, error) {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + addr + "/healthz")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var summary map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return nil, err
	}
	return summary, nil
}
