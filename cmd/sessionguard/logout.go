package main

import (
	"context"
	"fmt"
	"os"
)

// logout ends the session from outside a running guard. A persisted token
// for the current user is resumed first so the authority hears about it.
func logout() {
	cfg := loadConfig()

	a, err := buildApp(cfg, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if cred, ok := a.provider.LocalCredential(); ok {
		if rec, err := a.store.Load(ctx); err == nil && rec.PrincipalID == cred.PrincipalID {
			a.coord.PrincipalChanged(ctx, cred.Principal())
		}
	}

	if !a.coord.Logout(ctx) {
		fmt.Println("Logout already in progress")
	}
	a.pool.Shutdown(ctx)
	a.close()

	fmt.Println("Signed out")
}
