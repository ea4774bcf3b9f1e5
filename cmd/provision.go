// File: cmd/provision.go
package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/opforge/internal/authdetect"
	"github.com/xkilldash9x/opforge/internal/driver"
	"github.com/xkilldash9x/opforge/internal/observability"
	"github.com/xkilldash9x/opforge/internal/orchestrator"
	"github.com/xkilldash9x/opforge/internal/session"
	"github.com/xkilldash9x/opforge/internal/token"
)

var (
	provisionVaults     []string
	provisionHeadless   bool
	provisionAutonomous bool
	provisionMaxRetries int
	provisionResume     bool
)

// exit codes by failure class
const (
	exitOK         = 0
	exitAuth       = 1
	exitExtraction = 2
	exitValidation = 3
	exitConfig     = 4
	exitGeneral    = 5
)

var provisionCmd = &cobra.Command{
	Use:   "provision [account-name]",
	Short: "Create a 1Password service account and capture its token.",
	Long: `Drives a real browser through the 1Password service account creation
wizard, extracts the one-time token, validates and persists it to your shell
profile, and smoke-tests it against the op CLI.

An authenticated 1Password session is required: either a signed-in op CLI or
a browser profile with an active my.1password.com session.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runProvision,
}

func init() {
	provisionCmd.Flags().StringSliceVar(&provisionVaults, "vault", nil, "vault(s) to grant the service account access to")
	provisionCmd.Flags().BoolVar(&provisionHeadless, "headless", false, "run the browser headless")
	provisionCmd.Flags().BoolVar(&provisionAutonomous, "autonomous", false, "never pause for manual intervention")
	provisionCmd.Flags().IntVar(&provisionMaxRetries, "max-retries", -1, "cap retry attempts per step (-1 uses config)")
	provisionCmd.Flags().BoolVar(&provisionResume, "resume", false, "resume the most recent interrupted run")
	rootCmd.AddCommand(provisionCmd)
}

func runProvision(cmd *cobra.Command, args []string) error {
	// Suppress usage output for runtime failures; flag errors already printed.
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	cfg := appConfig
	logger := observability.GetLogger()

	accountName := cfg.Automation.AccountName
	if len(args) > 0 {
		accountName = args[0]
	}
	vaults := cfg.Automation.Vaults
	if len(provisionVaults) > 0 {
		vaults = provisionVaults
	}
	if cmd.Flags().Changed("headless") {
		cfg.Browser.Headless = provisionHeadless
	}
	if cmd.Flags().Changed("autonomous") {
		cfg.Automation.Autonomous = provisionAutonomous
		if provisionAutonomous {
			cfg.Automation.AuthGracePeriod = 0
		}
	}
	if provisionMaxRetries >= 0 {
		cfg.Retry.MaxRetries = provisionMaxRetries
	}

	if err := cfg.Validate(); err != nil {
		return &exitError{code: exitConfig, err: fmt.Errorf("invalid configuration: %w", err)}
	}

	detector := authdetect.New(cfg.CLI.Binary, nil, logger)
	mgr := session.NewManager(cfg.Browser, cfg.Session.StateFile, logger)
	browser := driver.New(mgr, cfg.Browser, cfg.Automation, logger)
	sink := token.NewPersister(cfg.Persist.ProfilePath, cfg.Persist.EnvVar, logger)
	tester := token.NewTester(cfg.CLI.Binary, cfg.CLI.Timeout, cfg.Persist.EnvVar, nil, logger)
	checkpoints := orchestrator.NewCheckpointStore(cfg.Session.CheckpointDir, logger)

	o, err := orchestrator.New(cfg, detector, browser, sink, tester, checkpoints, logger)
	if err != nil {
		return &exitError{code: exitGeneral, err: err}
	}

	var res orchestrator.Result
	if provisionResume {
		cp, err := checkpoints.LoadLatest()
		if err != nil {
			return &exitError{code: exitGeneral, err: fmt.Errorf("no run to resume: %w", err)}
		}
		if !cp.Resumable {
			return &exitError{code: exitGeneral, err: fmt.Errorf("latest run %s finished in state %q and cannot be resumed", cp.RunID, cp.CurrentState)}
		}
		if len(args) == 0 {
			if name, ok := cp.FormFields["name"]; ok && name != "" {
				accountName = name
			}
		}
		res = o.Resume(cmd.Context(), cp, accountName, vaults)
	} else {
		res = o.Run(cmd.Context(), accountName, vaults)
	}
	if !res.Success {
		return &exitError{code: exitCodeFor(res.Failure), err: res.Err}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Service account %q provisioned in %s.\n", res.AccountName, res.Duration.Round(time.Second))
	fmt.Fprintf(cmd.OutOrStdout(), "Token %s saved to %s (validated, CLI test passed as %q).\n",
		res.RedactedToken, cfg.Persist.ProfilePath, res.ServiceAccountName)
	return nil
}

// exitCodeFor maps a failure class to the process exit code.
func exitCodeFor(kind orchestrator.FailureKind) int {
	switch kind {
	case orchestrator.FailureNone:
		return exitOK
	case orchestrator.FailureAuth:
		return exitAuth
	case orchestrator.FailureExtraction:
		return exitExtraction
	case orchestrator.FailureValidation:
		return exitValidation
	case orchestrator.FailureConfig:
		return exitConfig
	default:
		return exitGeneral
	}
}
