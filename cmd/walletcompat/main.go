// walletcompat runs the wallet backwards-compatibility scenario standalone,
// outside of go test, against a fleet of node binaries described in a YAML
// file.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ledgerlabs/walletcompat/internal/fleet"
	"github.com/ledgerlabs/walletcompat/internal/logging"
	"github.com/ledgerlabs/walletcompat/internal/scenario"
)

const (
	exitCodeSuccess = 0
	exitCodeError   = 1

	// exitCodeSkip signals a reduced-scope run: optional historical release
	// binaries were absent and not explicitly demanded.
	exitCodeSkip = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	// Load .env file if it exists
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:          "walletcompat",
		Short:        "Wallet backwards-compatibility harness for versioned node fleets.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var verbose bool
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "set debug logging level")

	rootCmd.AddCommand(NewRunCmd().Command())

	if err := rootCmd.Execute(); err != nil {
		var skip *fleet.SkipError
		if errors.As(err, &skip) {
			return exitCodeSkip
		}
		return exitCodeError
	}
	return exitCodeSuccess
}

type RunCmd struct{}

func NewRunCmd() *RunCmd {
	return &RunCmd{}
}

func (c *RunCmd) Command() *cobra.Command {
	var (
		fleetPath     string
		workDir       string
		syncTimeout   time.Duration
		checkSymmetry bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Launch the fleet, run the scenario, and report the assertion matrix",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			verbose, err := cmd.Root().PersistentFlags().GetBool("verbose")
			if err != nil {
				return fmt.Errorf("failed to get verbose flag: %w", err)
			}
			log := logging.New(os.Stderr, verbose)

			specs, err := loadFleetFile(fleetPath)
			if err != nil {
				return err
			}

			mode, err := fleet.PreviousReleaseModeFromEnv()
			if err != nil {
				return err
			}

			if workDir == "" {
				workDir, err = os.MkdirTemp("", "walletcompat-")
				if err != nil {
					return fmt.Errorf("failed to create work directory: %w", err)
				}
				log.Debug("Created work directory", "dir", workDir)
			}

			driver, err := scenario.New(scenario.Config{
				WorkDir:               workDir,
				Mode:                  mode,
				SyncTimeout:           syncTimeout,
				CheckConflictSymmetry: checkSymmetry,
				Logger:                log,
			})
			if err != nil {
				return err
			}

			result, err := driver.Run(ctx, specs)
			if err != nil {
				var skip *fleet.SkipError
				if errors.As(err, &skip) {
					log.Info("==> " + skip.Error())
					return err
				}
				log.Error("Scenario aborted", "error", err)
				if result != nil {
					renderResult(os.Stdout, result)
				}
				return err
			}

			renderResult(os.Stdout, result)
			if result.Failed() {
				return fmt.Errorf("scenario failed: %s", result.Summary())
			}
			log.Info("==> Scenario passed", "summary", result.Summary())
			return nil
		},
	}

	cmd.Flags().StringVar(&fleetPath, "fleet", "fleet.yaml", "YAML fleet definition")
	cmd.Flags().StringVar(&workDir, "work-dir", "", "run root for node data directories (default: a fresh temp dir)")
	cmd.Flags().DurationVar(&syncTimeout, "sync-timeout", time.Minute, "per-wait bound for chain and mempool convergence")
	cmd.Flags().BoolVar(&checkSymmetry, "check-symmetry", false, "also cross-check conflict-list symmetry (reported as warnings)")

	return cmd
}

// fleetFile is the on-disk fleet definition.
type fleetFile struct {
	Nodes []fleet.NodeSpec `yaml:"nodes"`
}

func loadFleetFile(path string) ([]fleet.NodeSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fleet file: %w", err)
	}
	var file fleetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse fleet file %s: %w", path, err)
	}
	if len(file.Nodes) == 0 {
		return nil, fmt.Errorf("fleet file %s defines no nodes", path)
	}
	for i := range file.Nodes {
		if err := file.Nodes[i].Validate(); err != nil {
			return nil, fmt.Errorf("fleet file %s node %d: %w", path, i, err)
		}
	}
	return file.Nodes, nil
}
