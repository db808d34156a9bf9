//go:build e2e

package e2e_test

import (
	"flag"
	"log/slog"
	"os"
	"testing"

	"github.com/ledgerlabs/walletcompat/internal/logging"
)

var (
	verbose bool
	debug   bool
	logger  *slog.Logger
)

// TestMain runs before all tests and initializes the suite logger.
func TestMain(m *testing.M) {
	flag.Parse()
	if vFlag := flag.Lookup("test.v"); vFlag != nil && vFlag.Value.String() == "true" {
		verbose = true
	}
	if os.Getenv("WC_E2E_DEBUG") != "" {
		debug = true
	}

	logger = logging.New(os.Stderr, debug)
	if debug {
		logger.Debug("==> Running with debug logging")
	}

	os.Exit(m.Run())
}

func newTestLoggerForTest(t *testing.T) *slog.Logger {
	if !verbose {
		return logging.NewTestLogger(t, debug)
	}
	return logger
}
