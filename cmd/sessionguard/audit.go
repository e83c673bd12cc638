package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/breeze-rmm/sessionguard/internal/audit"
)

func verifyAudit(args []string) {
	var path string
	if len(args) == 1 {
		path = args[0]
	} else {
		path = audit.FilePath(loadConfig().DataDir())
	}

	n, err := audit.VerifyFile(path)
	if err != nil {
		var verr *audit.VerifyError
		if errors.As(err, &verr) {
			fmt.Fprintf(os.Stderr, "Audit log %s: chain broken at line %d: %s\n", path, verr.Line, verr.Reason)
		} else {
			fmt.Fprintf(os.Stderr, "Audit log %s: %v\n", path, err)
		}
		os.Exit(1)
	}
	fmt.Printf("Audit log %s: %d entries verified\n", path, n)
}
