// SPDX-License-Identifier: Apache-2.0

package plan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/kusari-oss/remedy/cmd/remedy/cmd/common"
	"github.com/kusari-oss/remedy/internal/core/format"
	"github.com/kusari-oss/remedy/internal/core/models"
	"github.com/kusari-oss/remedy/internal/remedy"
)

var errExecutionFailed = errors.New("remediation did not complete")

func newExecuteCmd() *cobra.Command {
	executeCmd := &cobra.Command{
		Use:   "execute [plan-file]",
		Short: "Execute a remediation plan",
		Long: `Execute a remediation plan file. The plan is validated again before it runs.
Interrupting the command cancels the remediation.`,
		Args: cobra.ExactArgs(1),
		RunE: runExecute,
	}

	executeCmd.Flags().StringP("error", "e", "", "Error context file the plan was created for")
	executeCmd.Flags().BoolP("dry-run", "d", false, "Show what would be done without executing actions")
	executeCmd.Flags().BoolP("yes", "y", false, "Approve every step that requires manual approval")
	executeCmd.Flags().Bool("rollback-on-cancel", false, "Compensate completed steps when the run is cancelled")
	executeCmd.Flags().StringP("output", "o", "", "Write the execution result to this file (YAML or JSON)")
	executeCmd.Flags().BoolP("verbose", "v", false, "Show command output")

	return executeCmd
}

func runExecute(cmd *cobra.Command, args []string) error {
	errorFile, _ := cmd.Flags().GetString("error")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	autoApprove, _ := cmd.Flags().GetBool("yes")
	rollbackOnCancel, _ := cmd.Flags().GetBool("rollback-on-cancel")
	outputFile, _ := cmd.Flags().GetString("output")
	verbose, _ := cmd.Flags().GetBool("verbose")

	p, err := remedy.LoadPlanFile(args[0])
	if err != nil {
		return err
	}
	var ec *models.ErrorContext
	if errorFile != "" {
		if ec, err = remedy.LoadErrorContextFile(errorFile); err != nil {
			return err
		}
	}

	s, logger, err := common.NewService(cmd, common.ServiceOptions{
		DryRun:      dryRun,
		AutoApprove: autoApprove,
		Verbose:     verbose,
	})
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer s.Close()

	ctx := cmd.Context()
	ok, result, err := s.ValidatePlan(ctx, p)
	printValidation(cmd, result)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: plan %s is invalid", models.ErrValidation, args[0])
	}

	out := cmd.OutOrStdout()
	if dryRun {
		fmt.Fprintln(out, "Running in dry-run mode - no actions will be executed")
	}
	fmt.Fprintf(out, "Executing remediation plan %s with %d steps\n", p.ID, len(p.Steps))

	if _, err := s.ExecutePlan(ctx, p, ec); err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigCtx.Done():
			fmt.Fprintln(cmd.ErrOrStderr(), "Cancelling remediation...")
			s.CancelRemediation(p.ID)
		case <-done:
		}
	}()

	exec, err := s.Wait(ctx, p.ID)
	close(done)
	stop()
	if err != nil {
		return err
	}

	if exec.Status == models.PlanCancelled && rollbackOnCancel {
		details, err := s.Rollback(context.WithoutCancel(ctx), p.ID, "cancelled by operator")
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Rollback incomplete: %v\n", err)
		}
		exec.Rollback = details
		if details != nil && details.Success {
			exec.Status = models.PlanRolledBack
		}
	}

	printExecution(cmd, exec)
	if outputFile != "" {
		if err := format.WriteFile(outputFile, exec); err != nil {
			return fmt.Errorf("error writing execution result: %w", err)
		}
	}
	if !exec.Success {
		return fmt.Errorf("%w: %s", errExecutionFailed, exec.Status)
	}
	fmt.Fprintln(out, "Remediation plan executed successfully")
	return nil
}

func printExecution(cmd *cobra.Command, exec *models.RemediationExecution) {
	out := cmd.OutOrStdout()
	for _, a := range exec.ExecutedActions {
		line := fmt.Sprintf("  %-24s %-10s attempts=%d", a.ActionName, a.Status, a.Attempts)
		if a.Error != "" {
			line += " error=" + a.Error
		}
		fmt.Fprintln(out, line)
	}
	if rb := exec.Rollback; rb != nil {
		fmt.Fprintf(out, "Rollback: compensated=%v failed=%v skipped=%v\n", rb.ExecutedSteps, rb.FailedSteps, rb.SkippedSteps)
	}
	fmt.Fprintf(out, "Status: %s (risk %s -> %s)\n", exec.Status, riskOf(exec.PreRisk), riskOf(exec.PostRisk))
}

func riskOf(r *models.RiskAssessmentResult) string {
	if r == nil {
		return "n/a"
	}
	return r.RiskLevel.String()
}
