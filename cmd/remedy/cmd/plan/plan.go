// SPDX-License-Identifier: Apache-2.0

package plan

import (
	"github.com/spf13/cobra"
)

// NewPlanCmd returns the plan command.
func NewPlanCmd() *cobra.Command {
	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Manage remediation plans",
		Long:  `Commands for creating, validating and executing remediation plans.`,
	}

	planCmd.AddCommand(newCreateCmd())
	planCmd.AddCommand(newValidateCmd())
	planCmd.AddCommand(newExecuteCmd())
	return planCmd
}
