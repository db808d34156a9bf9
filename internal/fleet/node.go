package fleet

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ledgerlabs/walletcompat/internal/noderpc"
)

const (
	rpcReadyTimeout  = 60 * time.Second
	stopGraceTimeout = 30 * time.Second

	// The node's wallet storage lives at this version-stable relative path
	// inside the data directory. The migrator depends on this convention, not
	// on file internals.
	walletsRelPath = "regtest/wallets"
)

// Node is one launched node process: its spec, data directory, process handle
// and RPC endpoint. Nodes are created and destroyed only by the Orchestrator.
type Node struct {
	Spec    NodeSpec
	DataDir string
	RPCPort int
	P2PPort int

	log     *slog.Logger
	rpcUser string
	rpcPass string
	client  *noderpc.Client

	mu       sync.Mutex
	cmd      *exec.Cmd
	stderr   *bytes.Buffer
	procExit chan struct{}
	waitErr  error
}

// RPC returns the node-level RPC client.
func (n *Node) RPC() *noderpc.Client {
	return n.client
}

// WalletRPC returns an RPC client scoped to the named wallet.
func (n *Node) WalletRPC(name string) *noderpc.Client {
	return n.client.WalletClient(name)
}

// WalletsDir is the directory holding this node's wallet subdirectories.
func (n *Node) WalletsDir() string {
	return filepath.Join(n.DataDir, filepath.FromSlash(walletsRelPath))
}

// Version returns the spec's version tag, or "current" for the build under
// test.
func (n *Node) Version() string {
	if n.Spec.IsCurrent() {
		return "current"
	}
	return n.Spec.Version
}

// launchArgs are the orchestrator-generated arguments, before the spec's own.
func (n *Node) launchArgs(extra []string) []string {
	args := []string{
		"-regtest",
		"-datadir=" + n.DataDir,
		"-server=1",
		fmt.Sprintf("-rpcport=%d", n.RPCPort),
		fmt.Sprintf("-port=%d", n.P2PPort),
		"-rpcuser=" + n.rpcUser,
		"-rpcpassword=" + n.rpcPass,
	}
	args = append(args, n.Spec.Args...)
	args = append(args, extra...)
	return args
}

// start launches the process and waits until its RPC endpoint answers the
// liveness probe. The handle is unusable until start returns nil.
func (n *Node) start(ctx context.Context, extraArgs []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.cmd != nil {
		return fmt.Errorf("node %s already started", n.Version())
	}

	args := n.launchArgs(extraArgs)
	n.log.Debug("Launching node", "binary", n.Spec.BinaryPath, "args", strings.Join(args, " "))

	stderr := &bytes.Buffer{}
	cmd := exec.Command(n.Spec.BinaryPath, args...)
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", n.Spec.BinaryPath, err)
	}

	procExit := make(chan struct{})
	n.cmd = cmd
	n.stderr = stderr
	n.procExit = procExit
	go func() {
		n.waitErr = cmd.Wait()
		close(procExit)
	}()

	if err := n.waitRPCReady(ctx); err != nil {
		// Tear the process down before reporting; a half-launched node must
		// not outlive the error.
		_ = n.stopLocked(context.Background())
		return err
	}

	n.log.Info("Node is up", "version", n.Version(), "rpcPort", n.RPCPort)
	return nil
}

// waitRPCReady probes the RPC endpoint with exponential backoff until it
// answers or the timeout elapses. A process that exits during the wait fails
// immediately.
func (n *Node) waitRPCReady(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = rpcReadyTimeout

	err := backoff.Retry(func() error {
		if n.exited() {
			// waitErr is safe to read here: the exit channel closes after the
			// wait goroutine stores it.
			return backoff.Permanent(fmt.Errorf("process exited during startup (%v): %s", n.waitErr, n.stderrTail()))
		}
		if _, err := n.client.Uptime(ctx); err != nil {
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return fmt.Errorf("node %s RPC endpoint never became ready: %w", n.Version(), err)
	}
	return nil
}

func (n *Node) exited() bool {
	if n.procExit == nil {
		return true
	}
	select {
	case <-n.procExit:
		return true
	default:
		return false
	}
}

// exitedWithBindFailure reports whether the process died complaining about an
// unavailable listen port, the one launch failure worth retrying on fresh
// ports.
func (n *Node) exitedWithBindFailure() bool {
	if !n.exited() {
		return false
	}
	tail := strings.ToLower(n.stderrTail())
	return strings.Contains(tail, "unable to bind") || strings.Contains(tail, "address already in use")
}

// stderrTail returns the end of the captured stderr. Only valid once the
// process has exited; exec's stderr copier is still writing before that.
func (n *Node) stderrTail() string {
	if n.stderr == nil {
		return ""
	}
	const tailLen = 2048
	s := strings.TrimSpace(n.stderr.String())
	if len(s) > tailLen {
		s = "..." + s[len(s)-tailLen:]
	}
	return s
}

// Stop terminates the process, SIGTERM first, SIGKILL after the grace
// timeout. Safe to call on an already-stopped node.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stopLocked(ctx)
}

func (n *Node) stopLocked(ctx context.Context) error {
	if n.cmd == nil {
		return nil
	}
	cmd, procExit := n.cmd, n.procExit
	n.cmd = nil

	if !isClosed(procExit) {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			n.log.Warn("Failed to signal node, killing", "error", err)
			_ = cmd.Process.Kill()
		}
		select {
		case <-procExit:
		case <-time.After(stopGraceTimeout):
			n.log.Warn("Node did not exit in time, killing", "version", n.Version())
			_ = cmd.Process.Kill()
			<-procExit
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			<-procExit
			return ctx.Err()
		}
	}

	n.log.Debug("Node stopped", "version", n.Version())
	return nil
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// StartExpectingInitError relaunches a stopped node with extra arguments and
// expects startup to fail with wantSubstr on stderr. Some historical versions
// treat an incompatible wallet as a fatal init condition rather than a
// recoverable RPC error; this is how that contract is observed. A clean start,
// or a failure with different text, is an error.
func (n *Node) StartExpectingInitError(ctx context.Context, extraArgs []string, wantSubstr string) error {
	n.mu.Lock()
	if n.cmd != nil {
		n.mu.Unlock()
		return fmt.Errorf("node %s is running; stop it before the negative launch", n.Version())
	}
	n.mu.Unlock()

	n.log.Debug("Launching node expecting init failure", "version", n.Version(), "extraArgs", extraArgs, "want", wantSubstr)
	return runExpectingInitError(ctx, n.Spec.BinaryPath, n.launchArgs(extraArgs), wantSubstr)
}

// runExpectingInitError runs a command that must exit non-zero with
// wantSubstr on stderr before the context deadline.
func runExpectingInitError(ctx context.Context, binary string, args []string, wantSubstr string) error {
	stderr := &bytes.Buffer{}
	cmd := exec.Command(binary, args...)
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", binary, err)
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	select {
	case err := <-exited:
		if err == nil {
			return fmt.Errorf("node started and exited cleanly, expected init error containing %q", wantSubstr)
		}
		if !strings.Contains(stderr.String(), wantSubstr) {
			return fmt.Errorf("init error text mismatch: want substring %q, got: %s", wantSubstr, strings.TrimSpace(stderr.String()))
		}
		return nil
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-exited
		return fmt.Errorf("node kept running, expected init error containing %q: %w", wantSubstr, ctx.Err())
	}
}
