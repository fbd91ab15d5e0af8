// SPDX-License-Identifier: Apache-2.0

package risk

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kusari-oss/remedy/cmd/remedy/cmd/common"
	"github.com/kusari-oss/remedy/internal/core/format"
	"github.com/kusari-oss/remedy/internal/core/models"
	"github.com/kusari-oss/remedy/internal/remedy"
)

// NewRiskCmd returns the risk command.
func NewRiskCmd() *cobra.Command {
	riskCmd := &cobra.Command{
		Use:   "risk",
		Short: "Assess remediation risk",
	}
	riskCmd.AddCommand(newAssessCmd())
	return riskCmd
}

func newAssessCmd() *cobra.Command {
	assessCmd := &cobra.Command{
		Use:   "assess [plan-file]",
		Short: "Assess the risk of each step of a plan and of the plan as a whole",
		Args:  cobra.ExactArgs(1),
		RunE:  runAssess,
	}

	assessCmd.Flags().StringP("error", "e", "", "Error context file the plan was created for")
	assessCmd.Flags().Bool("details", false, "Print the full assessments as YAML")

	return assessCmd
}

func runAssess(cmd *cobra.Command, args []string) error {
	errorFile, _ := cmd.Flags().GetString("error")
	details, _ := cmd.Flags().GetBool("details")

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

	s, logger, err := common.NewService(cmd, common.ServiceOptions{})
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer s.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	steps := make(map[string]*models.RiskAssessmentResult, len(p.Steps))
	for i := range p.Steps {
		step := &p.Steps[i]
		result, err := s.AssessRisk(ctx, &step.Action, ec)
		if err != nil {
			return fmt.Errorf("error assessing step %s: %w", step.Name, err)
		}
		steps[step.Name] = result
		fmt.Fprintf(out, "%-24s %-8s %s\n", step.Name, result.RiskLevel, strings.Join(result.MitigationSteps, "; "))
	}

	overall, err := s.AssessPlan(ctx, p, ec)
	if err != nil {
		return fmt.Errorf("error assessing plan: %w", err)
	}
	fmt.Fprintf(out, "Plan %s: %s risk\n", p.ID, overall.RiskLevel)
	for _, issue := range overall.PotentialIssues {
		fmt.Fprintf(out, "  - %s\n", issue)
	}

	if details {
		data, err := format.FormatData(map[string]interface{}{"plan": overall, "steps": steps}, true)
		if err != nil {
			return err
		}
		fmt.Fprint(out, data)
	}
	return nil
}
