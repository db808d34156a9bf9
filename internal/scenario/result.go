package scenario

import (
	"fmt"

	"github.com/ledgerlabs/walletcompat/internal/conflictmodel"
)

// Status of one step or check.
type Status string

const (
	StatusPass Status = "PASS"
	StatusFail Status = "FAIL"
)

// Check is one named outcome: a pipeline step or an individual
// expected-rejection probe.
type Check struct {
	Name   string
	Status Status
	Detail string
}

// NodeMismatch is a wallet-state mismatch observed on a particular node.
type NodeMismatch struct {
	Node string
	conflictmodel.Mismatch
}

// Result aggregates everything a run observed. Mismatches and failed checks
// accumulate; only setup and sync failures abort the pipeline early.
type Result struct {
	Steps      []Check
	Checks     []Check
	Mismatches []NodeMismatch

	// SymmetryWarnings are conflict-list asymmetries. Reported apart from
	// Mismatches: historical node versions never guaranteed symmetry, so they
	// do not fail the run.
	SymmetryWarnings []NodeMismatch
}

func NewResult() *Result {
	return &Result{}
}

func (r *Result) PassStep(name string) {
	r.Steps = append(r.Steps, Check{Name: name, Status: StatusPass})
}

func (r *Result) FailStep(name string, err error) {
	r.Steps = append(r.Steps, Check{Name: name, Status: StatusFail, Detail: err.Error()})
}

func (r *Result) PassCheck(name string) {
	r.Checks = append(r.Checks, Check{Name: name, Status: StatusPass})
}

func (r *Result) FailCheck(name string, err error) {
	r.Checks = append(r.Checks, Check{Name: name, Status: StatusFail, Detail: err.Error()})
}

func (r *Result) AddMismatches(node string, mismatches []conflictmodel.Mismatch) {
	for _, m := range mismatches {
		r.Mismatches = append(r.Mismatches, NodeMismatch{Node: node, Mismatch: m})
	}
}

func (r *Result) AddSymmetryWarnings(node string, mismatches []conflictmodel.Mismatch) {
	for _, m := range mismatches {
		r.SymmetryWarnings = append(r.SymmetryWarnings, NodeMismatch{Node: node, Mismatch: m})
	}
}

// Failed reports whether the run as a whole failed: any failed step, failed
// check, or wallet-state mismatch.
func (r *Result) Failed() bool {
	for _, s := range r.Steps {
		if s.Status == StatusFail {
			return true
		}
	}
	for _, c := range r.Checks {
		if c.Status == StatusFail {
			return true
		}
	}
	return len(r.Mismatches) > 0
}

// Summary is a one-line human description of the outcome.
func (r *Result) Summary() string {
	failedSteps := 0
	for _, s := range r.Steps {
		if s.Status == StatusFail {
			failedSteps++
		}
	}
	failedChecks := 0
	for _, c := range r.Checks {
		if c.Status == StatusFail {
			failedChecks++
		}
	}
	return fmt.Sprintf("%d steps (%d failed), %d checks (%d failed), %d mismatches, %d symmetry warnings",
		len(r.Steps), failedSteps, len(r.Checks), failedChecks, len(r.Mismatches), len(r.SymmetryWarnings))
}
