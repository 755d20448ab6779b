// Command govctl is the operator CLI for the governance core: ledger
// verification, grant sweeps, schema migrations and health checks.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
