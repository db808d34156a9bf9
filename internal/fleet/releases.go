package fleet

import (
	"fmt"
	"os"
	"path/filepath"
)

// Environment controls for historical-release coverage. Provisioning release
// binaries is a separate, optional step; environments without them run a
// reduced test surface instead of failing.
const (
	// EnvPreviousReleases is a tri-state toggle: "true" demands historical
	// binaries (absence is a hard failure), "false" skips historical coverage
	// entirely, and unset auto-detects and skips when binaries are absent.
	EnvPreviousReleases = "WC_PREVIOUS_RELEASES"

	// EnvPreviousReleasesDir overrides where provisioned release binaries
	// live. Defaults to ./releases under the working directory.
	EnvPreviousReleasesDir = "WC_PREVIOUS_RELEASES_DIR"
)

// PreviousReleaseMode is the resolved tri-state.
type PreviousReleaseMode int

const (
	ModeAuto PreviousReleaseMode = iota // run if binaries are present, skip otherwise
	ModeRun                             // binaries are mandatory
	ModeSkip                            // never exercise historical versions
)

func (m PreviousReleaseMode) String() string {
	switch m {
	case ModeRun:
		return "run"
	case ModeSkip:
		return "skip"
	default:
		return "auto"
	}
}

// PreviousReleaseModeFromEnv resolves the tri-state toggle. Absence of the
// variable means auto-detect, never a hard failure.
func PreviousReleaseModeFromEnv() (PreviousReleaseMode, error) {
	switch v := os.Getenv(EnvPreviousReleases); v {
	case "":
		return ModeAuto, nil
	case "true":
		return ModeRun, nil
	case "false":
		return ModeSkip, nil
	default:
		return ModeAuto, fmt.Errorf("invalid %s value %q, want true, false or unset", EnvPreviousReleases, v)
	}
}

// PreviousReleasesDir returns the directory holding provisioned release
// binaries.
func PreviousReleasesDir() string {
	if dir := os.Getenv(EnvPreviousReleasesDir); dir != "" {
		return dir
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "releases"
	}
	return filepath.Join(cwd, "releases")
}

// SkipError means the environment lacks optional historical-release binaries
// and did not demand them: the run is reduced in scope, not broken.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string {
	return "skipping previous-release coverage: " + e.Reason
}

// CheckReleases decides, per the resolved mode, whether the fleet can launch.
// A nil return means all binaries are available. A *SkipError means the run
// should be skipped; any other error is fatal.
func CheckReleases(mode PreviousReleaseMode, specs []NodeSpec) error {
	for i := range specs {
		if err := specs[i].Validate(); err != nil {
			return fmt.Errorf("node %d: %w", i, err)
		}
	}

	needsReleases := false
	for i := range specs {
		if !specs[i].IsCurrent() {
			needsReleases = true
		}
	}
	if !needsReleases {
		return nil
	}

	if mode == ModeSkip {
		return &SkipError{Reason: "disabled by " + EnvPreviousReleases + "=false"}
	}

	for i := range specs {
		spec := &specs[i]
		if spec.IsCurrent() {
			// The build under test is never optional.
			if !binaryExists(spec.BinaryPath) {
				return fmt.Errorf("node binary not found: %s", spec.BinaryPath)
			}
			continue
		}
		if binaryExists(spec.BinaryPath) {
			continue
		}
		if mode == ModeRun {
			return fmt.Errorf("%s=true but release binary missing: %s", EnvPreviousReleases, spec.BinaryPath)
		}
		return &SkipError{Reason: fmt.Sprintf("release binary for %s not provisioned at %s", spec.Version, spec.BinaryPath)}
	}

	return nil
}
