// Package chainsync drives block production and blocks until a fleet of nodes
// converges on the same chain tip and mempool contents. Cross-node wallet
// assertions are meaningless before convergence: a lagging node reports
// spurious confirmation counts.
package chainsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/ledgerlabs/walletcompat/internal/noderpc"
	"github.com/ledgerlabs/walletcompat/internal/poll"
)

const (
	defaultTimeout  = 60 * time.Second
	defaultInterval = 250 * time.Millisecond
)

// SyncTimeoutError means chain or mempool convergence was not reached in
// bounded time. It is a distinct failure class from assertion mismatches so
// the root cause stays diagnosable.
type SyncTimeoutError struct {
	What    string
	Timeout time.Duration
	Detail  string
}

func (e *SyncTimeoutError) Error() string {
	return fmt.Sprintf("%s sync not reached within %s: %s", e.What, e.Timeout, e.Detail)
}

// ChainReader reads chain state from one node, implemented by
// *noderpc.Client.
type ChainReader interface {
	GetBlockchainInfo(ctx context.Context) (*noderpc.BlockchainInfo, error)
}

// MempoolReader reads mempool contents from one node.
type MempoolReader interface {
	GetRawMempool(ctx context.Context) ([]string, error)
}

// BlockProducer extends the chain on one node. The producer mines to its own
// fresh address.
type BlockProducer interface {
	GetNewAddress(ctx context.Context) (string, error)
	GenerateToAddress(ctx context.Context, n int, address string) ([]string, error)
}

// Config bounds the coordinator's waits. Zero values take defaults; Clock is
// injectable for tests.
type Config struct {
	Timeout  time.Duration
	Interval time.Duration
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// Coordinator blocks the harness until fleet members agree on shared state.
type Coordinator struct {
	timeout  time.Duration
	interval time.Duration
	clock    clockwork.Clock
	log      *slog.Logger
}

func New(cfg Config) *Coordinator {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		timeout:  cfg.Timeout,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		log:      log.With("component", "chainsync"),
	}
}

// MineAndSync has the producer extend the chain by blocks, then waits for the
// whole fleet to converge on the resulting tip.
func (c *Coordinator) MineAndSync(ctx context.Context, producer BlockProducer, blocks int, fleet []ChainReader) error {
	address, err := producer.GetNewAddress(ctx)
	if err != nil {
		return fmt.Errorf("failed to get mining address: %w", err)
	}
	hashes, err := producer.GenerateToAddress(ctx, blocks, address)
	if err != nil {
		return fmt.Errorf("failed to mine %d blocks: %w", blocks, err)
	}
	c.log.Debug("Mined blocks", "count", len(hashes))

	return c.SyncChain(ctx, fleet)
}

// SyncChain polls until every fleet member reports the identical best-block
// height and hash.
func (c *Coordinator) SyncChain(ctx context.Context, fleet []ChainReader) error {
	var lastState string
	err := poll.Until(ctx, func(ctx context.Context) (bool, error) {
		tips := make([]string, 0, len(fleet))
		for _, node := range fleet {
			info, err := node.GetBlockchainInfo(ctx)
			if err != nil {
				return false, fmt.Errorf("failed to read chain tip: %w", err)
			}
			tips = append(tips, fmt.Sprintf("%d:%s", info.Blocks, info.BestBlockHash))
		}
		lastState = fmt.Sprintf("%v", tips)
		return allEqual(tips), nil
	}, poll.Config{Timeout: c.timeout, Interval: c.interval, Clock: c.clock})

	if errors.Is(err, poll.ErrTimeout) {
		return &SyncTimeoutError{What: "chain", Timeout: c.timeout, Detail: "tips " + lastState}
	}
	if err != nil {
		return err
	}
	c.log.Debug("Chain in sync", "tips", lastState)
	return nil
}

// SyncMempools polls until every fleet member's mempool txid set is identical.
func (c *Coordinator) SyncMempools(ctx context.Context, fleet []MempoolReader) error {
	var lastState string
	err := poll.Until(ctx, func(ctx context.Context) (bool, error) {
		pools := make([]string, 0, len(fleet))
		for _, node := range fleet {
			txids, err := node.GetRawMempool(ctx)
			if err != nil {
				return false, fmt.Errorf("failed to read mempool: %w", err)
			}
			sorted := slices.Clone(txids)
			slices.Sort(sorted)
			pools = append(pools, fmt.Sprintf("%v", sorted))
		}
		lastState = fmt.Sprintf("%v", pools)
		return allEqual(pools), nil
	}, poll.Config{Timeout: c.timeout, Interval: c.interval, Clock: c.clock})

	if errors.Is(err, poll.ErrTimeout) {
		return &SyncTimeoutError{What: "mempool", Timeout: c.timeout, Detail: "mempools " + lastState}
	}
	if err != nil {
		return err
	}
	c.log.Debug("Mempools in sync", "pools", lastState)
	return nil
}

func allEqual(values []string) bool {
	if len(values) == 0 {
		return true
	}
	for _, v := range values[1:] {
		if v != values[0] {
			return false
		}
	}
	return true
}
