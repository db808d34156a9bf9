package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/ledgerlabs/walletcompat/internal/noderpc"
	"golang.org/x/sync/errgroup"
)

const maxLaunchAttempts = 3

// Config configures an Orchestrator.
type Config struct {
	// RootDir is where per-node data directories are created. Required.
	RootDir string

	// Mode governs historical-release coverage. Defaults to ModeAuto.
	Mode PreviousReleaseMode

	Logger *slog.Logger
}

func (c *Config) Validate() error {
	if c.RootDir == "" {
		return fmt.Errorf("root directory is required")
	}
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	return nil
}

// Orchestrator owns the fleet. All process handles live here; teardown is one
// StopAll call, guaranteed by callers on every exit path.
type Orchestrator struct {
	log   *slog.Logger
	cfg   Config
	mu    sync.Mutex
	fleet []*Node
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate orchestrator config: %w", err)
	}
	return &Orchestrator{
		log: cfg.Logger.With("component", "orchestrator"),
		cfg: cfg,
	}, nil
}

// Launch starts one node per spec, in order, and returns the handles once
// every RPC endpoint is live. Missing optional release binaries surface as
// *SkipError before anything is started. Nodes after the first connect to the
// first node's P2P port so the fleet forms one relay network.
func (o *Orchestrator) Launch(ctx context.Context, specs []NodeSpec) ([]*Node, error) {
	if err := CheckReleases(o.cfg.Mode, specs); err != nil {
		return nil, err
	}

	o.log.Info("==> Launching fleet", "nodes", len(specs), "mode", o.cfg.Mode.String())

	var launched []*Node
	for i, spec := range specs {
		var connectTo int
		if len(launched) > 0 {
			connectTo = launched[0].P2PPort
		}
		node, err := o.launchNode(ctx, i, spec, connectTo)
		if err != nil {
			// No partial fleet leaks past a failed launch.
			for _, n := range launched {
				_ = n.Stop(context.Background())
			}
			return nil, fmt.Errorf("failed to launch node %d (%s): %w", i, spec.label(i), err)
		}
		launched = append(launched, node)
	}

	o.mu.Lock()
	o.fleet = append(o.fleet, launched...)
	o.mu.Unlock()
	return launched, nil
}

// launchNode starts one node, retrying on transient bind-port failures with
// freshly allocated ports.
func (o *Orchestrator) launchNode(ctx context.Context, index int, spec NodeSpec, connectTo int) (*Node, error) {
	dataDir := filepath.Join(o.cfg.RootDir, spec.label(index))
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxLaunchAttempts; attempt++ {
		node, err := o.newNode(index, spec, dataDir)
		if err != nil {
			return nil, err
		}

		var extraArgs []string
		if connectTo != 0 {
			extraArgs = append(extraArgs, fmt.Sprintf("-connect=127.0.0.1:%d", connectTo))
		}

		err = node.start(ctx, extraArgs)
		if err == nil {
			return node, nil
		}
		lastErr = err
		if !node.exitedWithBindFailure() {
			return nil, err
		}
		o.log.Warn("Node lost its port, retrying launch", "node", spec.label(index), "attempt", attempt, "error", err)
	}
	return nil, fmt.Errorf("gave up after %d bind attempts: %w", maxLaunchAttempts, lastErr)
}

func (o *Orchestrator) newNode(index int, spec NodeSpec, dataDir string) (*Node, error) {
	rpcPort, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate rpc port: %w", err)
	}
	p2pPort, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate p2p port: %w", err)
	}

	log := o.log.With("node", spec.label(index))
	const rpcUser, rpcPass = "walletcompat", "walletcompat"
	node := &Node{
		Spec:    spec,
		DataDir: dataDir,
		RPCPort: rpcPort,
		P2PPort: p2pPort,
		log:     log,
		rpcUser: rpcUser,
		rpcPass: rpcPass,
	}
	node.client = noderpc.New(fmt.Sprintf("http://127.0.0.1:%d", rpcPort), rpcUser, rpcPass, log)
	return node, nil
}

// Nodes returns the currently launched fleet.
func (o *Orchestrator) Nodes() []*Node {
	o.mu.Lock()
	defer o.mu.Unlock()
	nodes := make([]*Node, len(o.fleet))
	copy(nodes, o.fleet)
	return nodes
}

// Stop stops one node. The handle stays addressable so the node can be
// relaunched (the negative startup test needs this).
func (o *Orchestrator) Stop(ctx context.Context, node *Node) error {
	return node.Stop(ctx)
}

// StopAll tears down every node in parallel. It never partially succeeds
// silently: the first error is returned, but every node is stopped.
func (o *Orchestrator) StopAll(ctx context.Context) error {
	o.mu.Lock()
	nodes := make([]*Node, len(o.fleet))
	copy(nodes, o.fleet)
	o.fleet = nil
	o.mu.Unlock()

	if len(nodes) == 0 {
		return nil
	}
	o.log.Info("==> Stopping fleet", "nodes", len(nodes))

	g := &errgroup.Group{}
	for _, node := range nodes {
		g.Go(func() error {
			return node.Stop(ctx)
		})
	}
	return g.Wait()
}

// freePort asks the kernel for an unused TCP port. The port can be lost
// between allocation and the node binding it, which is why launches retry.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port, nil
}
