// SPDX-License-Identifier: Apache-2.0

package plan

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kusari-oss/remedy/cmd/remedy/cmd/common"
	"github.com/kusari-oss/remedy/internal/core/models"
	"github.com/kusari-oss/remedy/internal/remedy"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [plan-file]",
		Short: "Validate a remediation plan file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := remedy.LoadPlanFile(args[0])
			if err != nil {
				return err
			}

			s, logger, err := common.NewService(cmd, common.ServiceOptions{})
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer s.Close()

			ok, result, err := s.ValidatePlan(cmd.Context(), p)
			printValidation(cmd, result)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: plan %s is invalid", models.ErrValidation, args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Plan %s is valid (%d steps)\n", args[0], len(p.Steps))
			return nil
		},
	}
}
