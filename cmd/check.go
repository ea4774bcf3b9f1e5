// File: cmd/check.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/opforge/internal/authdetect"
	"github.com/xkilldash9x/opforge/internal/observability"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe for an existing authenticated 1Password session.",
	Long: `Runs the same authentication probes the provision command uses (op CLI
account listing plus browser profile presence) and reports the result without
touching the browser.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		cmd.SilenceErrors = true

		detector := authdetect.New(appConfig.CLI.Binary, nil, observability.GetLogger())
		status := detector.Analyze(cmd.Context())

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Authenticated: %v\n", status.Authenticated)
		fmt.Fprintf(out, "Method:        %s\n", status.Method)
		fmt.Fprintf(out, "Confidence:    %.0f%%\n", status.Confidence*100)
		fmt.Fprintf(out, "Detail:        %s\n", status.Detail)

		if !status.Authenticated {
			return &exitError{code: exitAuth, err: fmt.Errorf("no authenticated 1Password session detected")}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
