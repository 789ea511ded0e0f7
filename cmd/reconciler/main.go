// Command reconciler runs the payment-event reconciliation service.
package main

import (
	"os"

	"github.com/tillcloud/reconciler/internal/cli"
)

// version is set by the release build via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := cli.Execute(version); err != nil {
		os.Exit(1)
	}
}
