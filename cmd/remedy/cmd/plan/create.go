// SPDX-License-Identifier: Apache-2.0

package plan

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kusari-oss/remedy/cmd/remedy/cmd/common"
	"github.com/kusari-oss/remedy/internal/core/format"
	"github.com/kusari-oss/remedy/internal/core/models"
	"github.com/kusari-oss/remedy/internal/remedy"
)

func newCreateCmd() *cobra.Command {
	createCmd := &cobra.Command{
		Use:   "create [error-file]",
		Short: "Create a remediation plan for an error",
		Long: `Create a remediation plan from an error context file (YAML or JSON). The
applicable strategies are selected, their steps ordered by priority and
dependencies, and the resulting plan is validated and risk-assessed.`,
		Args: cobra.ExactArgs(1),
		RunE: runCreate,
	}

	createCmd.Flags().StringP("output", "o", "", "Output file for the plan (YAML or JSON by extension)")
	createCmd.Flags().Bool("parallel", false, "Allow independent steps to run concurrently (overrides engine.parallel)")
	createCmd.Flags().Bool("escalate-optional", false, "Raise the plan risk for each failed optional step (overrides engine.escalate_on_optional_failure)")

	return createCmd
}

func runCreate(cmd *cobra.Command, args []string) error {
	outputFile, _ := cmd.Flags().GetString("output")
	parallel, _ := cmd.Flags().GetBool("parallel")
	escalate, _ := cmd.Flags().GetBool("escalate-optional")

	ec, err := remedy.LoadErrorContextFile(args[0])
	if err != nil {
		return err
	}

	s, logger, err := common.NewService(cmd, common.ServiceOptions{})
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer s.Close()

	p, result, err := s.CreatePlan(cmd.Context(), ec)
	printValidation(cmd, result)
	if err != nil {
		return fmt.Errorf("error creating plan: %w", err)
	}
	if cmd.Flags().Changed("parallel") {
		p.Parallel = parallel
	}
	if cmd.Flags().Changed("escalate-optional") {
		p.EscalateOnOptionalFailure = escalate
	}

	out := cmd.OutOrStdout()
	if outputFile == "" {
		data, err := format.FormatData(p, true)
		if err != nil {
			return fmt.Errorf("error formatting plan: %w", err)
		}
		fmt.Fprint(out, data)
		return nil
	}
	if err := remedy.SavePlanToFile(p, outputFile); err != nil {
		return err
	}
	fmt.Fprintf(out, "Remediation plan %s (%d steps, risk %s) saved to %s\n", p.ID, len(p.Steps), p.RiskLevel, outputFile)
	return nil
}

func printValidation(cmd *cobra.Command, result models.ValidationResult) {
	errOut := cmd.ErrOrStderr()
	for _, msg := range result.ErrorMessages() {
		fmt.Fprintf(errOut, "error: %s\n", msg)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(errOut, "warning: %s\n", w)
	}
}
