//go:build e2e

package e2e_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerlabs/walletcompat/internal/fleet"
	"github.com/ledgerlabs/walletcompat/internal/scenario"
)

const (
	// envNodeBinary names the node daemon binary under test. Historical
	// release binaries are expected under the releases directory at
	// <version>/bin/<same basename>.
	envNodeBinary = "WC_NODE_BIN"

	// envNodeCLI optionally names the node's RPC CLI binary, kept on the
	// specs so operators can poke at launched nodes.
	envNodeCLI = "WC_NODE_CLI_BIN"

	e2eTimeout = 15 * time.Minute
)

// historicalVersions are the provisioned release tags exercised against the
// current build, newest first.
var historicalVersions = []string{"v0.18.1", "v0.17.1"}

// currentNodeArgs configure the current-build nodes for the scenario: opt-in
// replaceable transactions and a fallback feerate so wallet sends work on a
// fee-estimation-free fresh chain.
var currentNodeArgs = []string{
	"-fallbackfee=0.0002",
	"-addresstype=bech32",
	"-walletrbf=1",
}

func TestWalletBackwardsCompatibility(t *testing.T) {
	binary := os.Getenv(envNodeBinary)
	if binary == "" {
		t.Skipf("%s not set; point it at the node daemon binary under test", envNodeBinary)
	}

	mode, err := fleet.PreviousReleaseModeFromEnv()
	require.NoError(t, err)

	log := newTestLoggerForTest(t)
	log.Info("==> Starting wallet backwards-compatibility run",
		"binary", binary, "previousReleases", mode.String())

	specs := fleetSpecs(binary)
	driver, err := scenario.New(scenario.Config{
		WorkDir:               t.TempDir(),
		Mode:                  mode,
		CheckConflictSymmetry: true,
		Logger:                log,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), e2eTimeout)
	defer cancel()

	result, err := driver.Run(ctx, specs)
	var skip *fleet.SkipError
	if errors.As(err, &skip) {
		t.Skip(skip.Error())
	}
	require.NoError(t, err)

	for _, m := range result.Mismatches {
		t.Errorf("wallet state mismatch: node=%s wallet=%s txid=%s field=%s: %s",
			m.Node, m.Wallet, m.TxID, m.Field, m.Detail)
	}
	for _, c := range result.Checks {
		if c.Status == scenario.StatusFail {
			t.Errorf("check failed: %s: %s", c.Name, c.Detail)
		}
	}
	for _, w := range result.SymmetryWarnings {
		log.Warn("Conflict symmetry warning",
			"node", w.Node, "wallet", w.Wallet, "txid", w.TxID, "detail", w.Detail)
	}
	require.False(t, result.Failed(), "run failed: %s", result.Summary())
}

// fleetSpecs builds the four-node layout: a current-build miner, a
// current-build primary for wallet operations, then the historical versions.
func fleetSpecs(currentBinary string) []fleet.NodeSpec {
	current := fleet.NodeSpec{
		BinaryPath: currentBinary,
		CLIPath:    os.Getenv(envNodeCLI),
		Args:       currentNodeArgs,
	}
	specs := []fleet.NodeSpec{current, current}

	releasesDir := fleet.PreviousReleasesDir()
	daemonName := filepath.Base(currentBinary)
	for _, version := range historicalVersions {
		specs = append(specs, fleet.NodeSpec{
			Version:    version,
			BinaryPath: filepath.Join(releasesDir, version, "bin", daemonName),
		})
	}
	return specs
}
