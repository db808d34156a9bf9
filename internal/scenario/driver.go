// Package scenario composes the harness components into the end-to-end wallet
// backwards-compatibility check: launch a heterogeneously-versioned fleet,
// build wallet state with RBF conflicts on the current build, fan the wallet
// files out across version boundaries, and verify the conflict model survived.
package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/ledgerlabs/walletcompat/internal/chainsync"
	"github.com/ledgerlabs/walletcompat/internal/conflictmodel"
	"github.com/ledgerlabs/walletcompat/internal/fleet"
	"github.com/ledgerlabs/walletcompat/internal/walletmigrate"
)

const (
	// baselineBlocks matures one coinbase so the miner wallet has spendable
	// funds.
	baselineBlocks = 101

	minerWalletName = "miner"

	startupProbeTimeout = 60 * time.Second
)

// walletKind is one cell of the wallet creation matrix.
type walletKind struct {
	name        string
	disableKeys bool
	blank       bool
}

// matrixWallets is the creation matrix: the full cross product of
// {private keys enabled, disabled} x {populated, blank}. Each kind is created
// on the current build and on the newest historical node, then exercised
// across every version boundary.
var matrixWallets = []walletKind{
	{name: "w1"},
	{name: "w2", disableKeys: true},
	{name: "w3", blank: true},
	{name: "w4", disableKeys: true, blank: true},
}

func (k walletKind) descriptorAssertion() *conflictmodel.DescriptorAssertion {
	return &conflictmodel.DescriptorAssertion{
		PrivateKeysEnabled: !k.disableKeys,
		KeypoolEmpty:       k.disableKeys || k.blank,
	}
}

// Config configures a Driver.
type Config struct {
	// WorkDir is the run root holding per-node data directories. Required.
	WorkDir string

	// Mode governs historical-release coverage, resolved by the caller from
	// the environment.
	Mode fleet.PreviousReleaseMode

	// Matrix holds per-version compatibility expectations. Defaults to
	// DefaultMatrix.
	Matrix CompatibilityMatrix

	// SyncTimeout bounds each chain/mempool convergence wait.
	SyncTimeout time.Duration

	// CheckConflictSymmetry additionally cross-checks conflict-list symmetry
	// on every verified history. Asymmetries are collected as warnings, not
	// failures.
	CheckConflictSymmetry bool

	Logger *slog.Logger
}

func (c *Config) Validate() error {
	if c.WorkDir == "" {
		return fmt.Errorf("work directory is required")
	}
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Matrix == nil {
		c.Matrix = DefaultMatrix()
	}
	return nil
}

// Driver runs the scenario as a linear pipeline; each step's preconditions
// are the previous step's postconditions, so no branching state machine is
// needed.
type Driver struct {
	log      *slog.Logger
	cfg      Config
	orch     *fleet.Orchestrator
	sync     *chainsync.Coordinator
	migrator *walletmigrate.Migrator
	verifier *conflictmodel.Verifier
}

func New(cfg Config) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate scenario config: %w", err)
	}

	orch, err := fleet.NewOrchestrator(fleet.Config{
		RootDir: cfg.WorkDir,
		Mode:    cfg.Mode,
		Logger:  cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Driver{
		log:      cfg.Logger.With("component", "scenario"),
		cfg:      cfg,
		orch:     orch,
		sync:     chainsync.New(chainsync.Config{Timeout: cfg.SyncTimeout, Logger: cfg.Logger}),
		migrator: walletmigrate.New(cfg.Logger),
		verifier: conflictmodel.NewVerifier(cfg.Logger),
	}, nil
}

// walletTxIDs are the transactions the scenario creates in the primary
// wallet, in insertion order after the funding receive.
type walletTxIDs struct {
	Funding string
	Tx1     string // replaced by Tx2, conflict confirmed
	Tx2     string
	Tx3     string // abandoned, then replaced by Tx4, never confirmed
	Tx4     string
}

// runState is the pipeline state threaded through the steps.
type runState struct {
	specs      []fleet.NodeSpec
	miner      *fleet.Node
	primary    *fleet.Node
	historical []*fleet.Node

	txids walletTxIDs

	// historicalWallets are the matrix wallets created on the newest
	// historical node (index-aligned with matrixWallets), exercised in the
	// older-to-newer migration direction.
	historicalWallets []string
}

// Run executes the whole scenario. A *fleet.SkipError return means the
// environment lacks optional release binaries; every other error is a setup
// or sync failure. Wallet-state mismatches never surface as errors: they are
// collected in the Result and decide Result.Failed.
func (d *Driver) Run(ctx context.Context, specs []fleet.NodeSpec) (result *Result, err error) {
	if err := validateFleetLayout(specs); err != nil {
		return nil, err
	}

	result = NewResult()
	state := &runState{specs: specs}

	// Teardown is unconditional: no orphaned node processes survive the run,
	// whatever path exits first.
	defer func() {
		if stopErr := d.orch.StopAll(context.Background()); stopErr != nil && err == nil {
			err = fmt.Errorf("failed to stop fleet: %w", stopErr)
		}
	}()

	steps := []struct {
		name string
		fn   func(ctx context.Context, state *runState, result *Result) error
	}{
		{"launch fleet", d.stepLaunch},
		{"mine baseline chain", d.stepBaseline},
		{"create wallet matrix", d.stepWalletMatrix},
		{"build rbf conflict history", d.stepTransactions},
		{"migrate wallets across versions", d.stepMigrate},
		{"verify wallet state on every node", d.stepVerify},
		{"reject incompatible wallet at startup", d.stepStartupRejection},
	}
	for _, step := range steps {
		d.log.Info("==> " + strings.ToUpper(step.name[:1]) + step.name[1:])
		if stepErr := step.fn(ctx, state, result); stepErr != nil {
			result.FailStep(step.name, stepErr)
			return result, fmt.Errorf("%s: %w", step.name, stepErr)
		}
		result.PassStep(step.name)
	}

	d.log.Info("Scenario finished", "summary", result.Summary())
	return result, nil
}

// validateFleetLayout enforces the fleet shape the pipeline assumes: a
// current-build miner, a current-build primary for wallet operations, then
// historical versions.
func validateFleetLayout(specs []fleet.NodeSpec) error {
	if len(specs) < 2 {
		return fmt.Errorf("fleet needs at least a miner and a primary node, got %d specs", len(specs))
	}
	for i := 0; i < 2; i++ {
		if !specs[i].IsCurrent() {
			return fmt.Errorf("node %d must be the current build, got version %q", i, specs[i].Version)
		}
	}
	for i := 2; i < len(specs); i++ {
		if specs[i].IsCurrent() {
			return fmt.Errorf("node %d must be a historical version", i)
		}
	}
	return nil
}

func (d *Driver) stepLaunch(ctx context.Context, state *runState, result *Result) error {
	nodes, err := d.orch.Launch(ctx, state.specs)
	if err != nil {
		return err
	}
	state.miner = nodes[0]
	state.primary = nodes[1]
	state.historical = nodes[2:]
	return nil
}

func (d *Driver) stepBaseline(ctx context.Context, state *runState, result *Result) error {
	if err := state.miner.RPC().CreateWallet(ctx, minerWalletName, false, false); err != nil {
		return fmt.Errorf("failed to create miner wallet: %w", err)
	}

	producer := state.miner.WalletRPC(minerWalletName)
	if err := d.sync.MineAndSync(ctx, producer, baselineBlocks, d.chainReaders(state)); err != nil {
		return err
	}

	// Sanity-check the slowest node really is at the baseline before anything
	// reads wallet state.
	nodes := d.allNodes(state)
	last := nodes[len(nodes)-1]
	info, err := last.RPC().GetBlockchainInfo(ctx)
	if err != nil {
		return err
	}
	if info.Blocks != baselineBlocks {
		return fmt.Errorf("node %s is at height %d after baseline sync, want %d", last.Version(), info.Blocks, baselineBlocks)
	}
	tip, err := last.RPC().GetBestBlockHash(ctx)
	if err != nil {
		return err
	}
	d.log.Info("Baseline chain established", "height", info.Blocks, "tip", tip)
	return nil
}

func (d *Driver) stepWalletMatrix(ctx context.Context, state *runState, result *Result) error {
	if err := d.createMatrixWallets(ctx, state.primary, "", result); err != nil {
		return err
	}

	// The same matrix on the newest historical node, for the reverse
	// migration direction.
	if len(state.historical) > 0 {
		newest := state.historical[0]
		suffix := "_" + versionSuffix(newest.Spec.Version)
		if err := d.createMatrixWallets(ctx, newest, suffix, result); err != nil {
			return err
		}
		for _, kind := range matrixWallets {
			state.historicalWallets = append(state.historicalWallets, kind.name+suffix)
		}
	}
	return nil
}

// createMatrixWallets creates one wallet per matrix kind on the node and
// checks the descriptor invariants read back through getwalletinfo.
func (d *Driver) createMatrixWallets(ctx context.Context, node *fleet.Node, suffix string, result *Result) error {
	for _, kind := range matrixWallets {
		name := kind.name + suffix
		if err := node.RPC().CreateWallet(ctx, name, kind.disableKeys, kind.blank); err != nil {
			return fmt.Errorf("failed to create wallet %q on %s: %w", name, node.Version(), err)
		}

		info, err := node.WalletRPC(name).GetWalletInfo(ctx)
		if err != nil {
			return fmt.Errorf("failed to read back wallet %q: %w", name, err)
		}
		descriptor := conflictmodel.WalletDescriptor{
			Name:               name,
			PrivateKeysEnabled: info.PrivateKeysEnabled,
			Blank:              kind.blank,
			KeypoolSize:        info.KeypoolSize,
		}
		if err := descriptor.Validate(); err != nil {
			result.AddMismatches(node.Version(), []conflictmodel.Mismatch{{
				Wallet: name,
				Field:  "descriptor",
				Detail: err.Error(),
			}})
		}
	}
	return nil
}

func (d *Driver) stepTransactions(ctx context.Context, state *runState, result *Result) error {
	w1 := state.primary.WalletRPC("w1")
	miner := state.miner.WalletRPC(minerWalletName)
	readers := d.chainReaders(state)
	mempools := d.mempoolReaders(state)

	// Fund w1 with a confirmed receive.
	address, err := w1.GetNewAddress(ctx)
	if err != nil {
		return fmt.Errorf("failed to get funding address: %w", err)
	}
	funding, err := miner.SendToAddress(ctx, address, amount(10))
	if err != nil {
		return fmt.Errorf("failed to fund w1: %w", err)
	}
	if err := d.sync.SyncMempools(ctx, mempools); err != nil {
		return err
	}
	if err := d.sync.MineAndSync(ctx, miner, 1, readers); err != nil {
		return err
	}

	returnAddress, err := miner.GetNewAddress(ctx)
	if err != nil {
		return fmt.Errorf("failed to get return address: %w", err)
	}

	// First conflict pair: tx1 replaced by tx2, then confirmed so tx1 becomes
	// a confirmed conflict with the -1 sentinel.
	tx1, err := w1.SendToAddress(ctx, returnAddress, amount(1))
	if err != nil {
		return fmt.Errorf("failed to send tx1: %w", err)
	}
	tx2, err := w1.BumpFee(ctx, tx1)
	if err != nil {
		return fmt.Errorf("failed to bump tx1: %w", err)
	}
	if err := d.sync.SyncMempools(ctx, mempools); err != nil {
		return err
	}
	if err := d.sync.MineAndSync(ctx, miner, 1, readers); err != nil {
		return err
	}

	// Second conflict pair: tx3 replaced by tx4, tx3 abandoned, nothing
	// confirmed.
	tx3, err := w1.SendToAddress(ctx, returnAddress, amount(1))
	if err != nil {
		return fmt.Errorf("failed to send tx3: %w", err)
	}
	tx4, err := w1.BumpFee(ctx, tx3)
	if err != nil {
		return fmt.Errorf("failed to bump tx3: %w", err)
	}
	if err := w1.AbandonTransaction(ctx, tx3); err != nil {
		return fmt.Errorf("failed to abandon tx3: %w", err)
	}
	if err := d.sync.SyncMempools(ctx, mempools); err != nil {
		return err
	}

	state.txids = walletTxIDs{Funding: funding, Tx1: tx1, Tx2: tx2, Tx3: tx3, Tx4: tx4}
	d.log.Info("Built RBF conflict history", "tx1", tx1, "tx2", tx2, "tx3", tx3, "tx4", tx4)
	return nil
}

func (d *Driver) stepMigrate(ctx context.Context, state *runState, result *Result) error {
	primary := d.endpointOf(state.primary)

	// Newer -> older: the primary's wallets fan out to every historical node.
	// Wallets the version cannot load are still copied; their rejection is
	// observed in the startup step.
	for _, node := range state.historical {
		expectations := d.cfg.Matrix[node.Spec.Version]
		for _, kind := range matrixWallets {
			loadable := !(kind.blank && expectations.RejectsBlankWallets)
			err := d.migrator.Migrate(ctx, primary, []string{kind.name}, d.endpointOf(node), walletmigrate.Options{
				LoadOnTarget: loadable,
			})
			if err != nil {
				return err
			}
		}
	}

	// Older -> newer: the newest historical node's wallets migrate onto the
	// primary to validate the round trip, and down to every older node.
	if len(state.historical) > 0 {
		newest := d.endpointOf(state.historical[0])
		for i, name := range state.historicalWallets {
			err := d.migrator.Migrate(ctx, newest, []string{name}, primary, walletmigrate.Options{
				LoadOnTarget: true,
			})
			if err != nil {
				return err
			}
			for _, node := range state.historical[1:] {
				expectations := d.cfg.Matrix[node.Spec.Version]
				loadable := !(matrixWallets[i].blank && expectations.RejectsBlankWallets)
				err := d.migrator.Migrate(ctx, newest, []string{name}, d.endpointOf(node), walletmigrate.Options{
					LoadOnTarget: loadable,
				})
				if err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (d *Driver) stepVerify(ctx context.Context, state *runState, result *Result) error {
	records := expectedPrimaryRecords(state.txids)

	// Fan-in over the newer -> older direction: every historical node that
	// loaded a migrated wallet must report identical semantic state.
	for _, node := range state.historical {
		expectations := d.cfg.Matrix[node.Spec.Version]
		for _, kind := range matrixWallets {
			if kind.blank && expectations.RejectsBlankWallets {
				continue
			}
			expectation := conflictmodel.WalletExpectation{
				Wallet:        kind.name,
				Descriptor:    kind.descriptorAssertion(),
				CheckSymmetry: d.cfg.CheckConflictSymmetry,
			}
			if kind.name == "w1" {
				expectation.HistoryLen = 5
				expectation.Records = records
			}
			if err := d.verifyWallet(ctx, node, expectation, result); err != nil {
				return err
			}
		}
	}

	// The reverse direction: wallets created on the newest historical node,
	// now loaded on the primary.
	for i, name := range state.historicalWallets {
		expectation := conflictmodel.WalletExpectation{
			Wallet:     name,
			Descriptor: matrixWallets[i].descriptorAssertion(),
		}
		if err := d.verifyWallet(ctx, state.primary, expectation, result); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) verifyWallet(ctx context.Context, node *fleet.Node, expectation conflictmodel.WalletExpectation, result *Result) error {
	mismatches, warnings, err := d.verifier.Verify(ctx, node.WalletRPC(expectation.Wallet), expectation)
	if err != nil {
		return err
	}
	result.AddMismatches(node.Version(), mismatches)
	// Symmetry findings land in the warning class instead of failing the run.
	result.AddSymmetryWarnings(node.Version(), warnings)
	return nil
}

// stepStartupRejection exercises the negative contract: a node too old for a
// wallet's on-disk format must fail at process startup with the per-version
// error text, not merely at the RPC layer.
func (d *Driver) stepStartupRejection(ctx context.Context, state *runState, result *Result) error {
	for i, node := range state.historical {
		expectations, ok := d.cfg.Matrix[node.Spec.Version]
		if !ok || !expectations.RejectsBlankWallets {
			continue
		}

		// The blank wallets this node received: the primary's, and the newest
		// historical node's when that is a different node.
		var rejected []string
		for _, kind := range matrixWallets {
			if kind.blank {
				rejected = append(rejected, kind.name)
			}
		}
		if i > 0 && len(state.historicalWallets) == len(matrixWallets) {
			for j, kind := range matrixWallets {
				if kind.blank {
					rejected = append(rejected, state.historicalWallets[j])
				}
			}
		}

		if err := node.Stop(ctx); err != nil {
			return fmt.Errorf("failed to stop %s for startup probes: %w", node.Version(), err)
		}
		for _, name := range rejected {
			checkName := fmt.Sprintf("startup rejection of %s on %s", name, node.Version())
			probeCtx, cancel := context.WithTimeout(ctx, startupProbeTimeout)
			err := node.StartExpectingInitError(probeCtx, []string{"-wallet=" + name}, expectations.StartupError(name))
			cancel()
			if err != nil {
				result.FailCheck(checkName, err)
				continue
			}
			result.PassCheck(checkName)
		}
	}
	return nil
}

// expectedPrimaryRecords is the expected five-entry history for w1, mirroring
// the conflict relationships the transaction step established.
func expectedPrimaryRecords(txids walletTxIDs) []conflictmodel.RecordAssertion {
	return []conflictmodel.RecordAssertion{
		{
			TxID:          txids.Tx1,
			ReplacedBy:    conflictmodel.Ptr(txids.Tx2),
			Abandoned:     conflictmodel.Ptr(false),
			Confirmations: conflictmodel.Ptr(-1),
			HasBlockIndex: conflictmodel.Ptr(false),
		},
		{
			TxID:       txids.Tx2,
			Conflicts:  []string{txids.Tx1},
			BlockIndex: conflictmodel.Ptr(1),
		},
		{
			TxID:          txids.Tx3,
			Abandoned:     conflictmodel.Ptr(true),
			ReplacedBy:    conflictmodel.Ptr(txids.Tx4),
			HasBlockIndex: conflictmodel.Ptr(false),
		},
		{
			TxID:      txids.Tx4,
			Conflicts: []string{txids.Tx3},
		},
	}
}

func (d *Driver) allNodes(state *runState) []*fleet.Node {
	nodes := []*fleet.Node{state.miner, state.primary}
	return append(nodes, state.historical...)
}

func (d *Driver) chainReaders(state *runState) []chainsync.ChainReader {
	var readers []chainsync.ChainReader
	for _, node := range d.allNodes(state) {
		readers = append(readers, node.RPC())
	}
	return readers
}

func (d *Driver) mempoolReaders(state *runState) []chainsync.MempoolReader {
	var readers []chainsync.MempoolReader
	for _, node := range d.allNodes(state) {
		readers = append(readers, node.RPC())
	}
	return readers
}

func (d *Driver) endpointOf(node *fleet.Node) walletmigrate.Endpoint {
	return walletmigrate.Endpoint{
		Name:       node.Version(),
		RPC:        node.RPC(),
		WalletsDir: node.WalletsDir(),
	}
}

// versionSuffix turns "v0.18.1" into "v18" for wallet naming, keeping names
// unique per version while staying readable in node logs.
func versionSuffix(version string) string {
	trimmed := strings.TrimPrefix(version, "v")
	parts := strings.Split(trimmed, ".")
	if len(parts) >= 2 && parts[0] == "0" {
		return "v" + parts[1]
	}
	return "v" + strings.ReplaceAll(trimmed, ".", "_")
}

func amount(units float64) btcutil.Amount {
	a, err := btcutil.NewAmount(units)
	if err != nil {
		// Scenario amounts are compile-time constants; a failure here is a
		// programming error.
		panic(err)
	}
	return a
}
