// Package fleet launches and owns the heterogeneously-versioned node
// processes the compatibility scenario runs against. No process handle
// escapes the orchestrator, and teardown is a single unconditional call.
package fleet

import (
	"fmt"
	"os"
)

// NodeSpec describes one node to launch. Immutable once the fleet is
// constructed.
type NodeSpec struct {
	// Version is the release tag of the binary, e.g. "v0.17.1". Empty means
	// the current build under test. Used only for harness bookkeeping; it is
	// never passed to the process.
	Version string `yaml:"version"`

	// Args are extra launch arguments, in order, appended after the arguments
	// the orchestrator generates (datadir, ports, credentials).
	Args []string `yaml:"args"`

	// BinaryPath is the node daemon binary.
	BinaryPath string `yaml:"binary"`

	// CLIPath is the node's RPC CLI binary. The harness speaks JSON-RPC
	// directly and keeps this only so operators can poke at launched nodes.
	CLIPath string `yaml:"cli"`
}

func (s *NodeSpec) Validate() error {
	if s.BinaryPath == "" {
		return fmt.Errorf("binary path is required")
	}
	return nil
}

// IsCurrent reports whether the spec refers to the current build under test
// rather than a provisioned historical release.
func (s *NodeSpec) IsCurrent() bool {
	return s.Version == ""
}

// label names the spec in logs and directory names.
func (s *NodeSpec) label(index int) string {
	if s.IsCurrent() {
		return fmt.Sprintf("node%d-current", index)
	}
	return fmt.Sprintf("node%d-%s", index, s.Version)
}

func binaryExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
