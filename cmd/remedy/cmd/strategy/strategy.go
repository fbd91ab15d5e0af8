// SPDX-License-Identifier: Apache-2.0

package strategy

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kusari-oss/remedy/cmd/remedy/cmd/common"
	"github.com/kusari-oss/remedy/internal/core/models"
	"github.com/kusari-oss/remedy/internal/remedy"
	"github.com/kusari-oss/remedy/internal/remedy/strategy"
)

// NewStrategyCmd returns the strategy command.
func NewStrategyCmd() *cobra.Command {
	strategyCmd := &cobra.Command{
		Use:   "strategy",
		Short: "Manage remediation strategies",
		Long:  `Commands for listing and validating remediation strategy catalogs.`,
	}

	strategyCmd.AddCommand(newListCmd())
	strategyCmd.AddCommand(newValidateCmd())
	return strategyCmd
}

func newListCmd() *cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available strategies",
		Long: `List every registered strategy version. With --error, list only the
strategies applicable to that error, in the order they contribute plan steps.`,
		Args: cobra.NoArgs,
		RunE: runList,
	}

	listCmd.Flags().StringP("error", "e", "", "Only list strategies applicable to this error context file")
	listCmd.Flags().StringSliceP("label", "l", nil, "Filter by label (key=value, repeatable)")

	return listCmd
}

func runList(cmd *cobra.Command, args []string) error {
	errorFile, _ := cmd.Flags().GetString("error")
	labels, _ := cmd.Flags().GetStringSlice("label")

	selectors, err := parseSelectors(labels)
	if err != nil {
		return err
	}

	s, logger, err := common.NewService(cmd, common.ServiceOptions{})
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer s.Close()

	out := cmd.OutOrStdout()
	if errorFile != "" {
		ec, err := remedy.LoadErrorContextFile(errorFile)
		if err != nil {
			return err
		}
		candidates, err := s.Registry().GetStrategiesForError(cmd.Context(), ec)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			fmt.Fprintf(out, "No strategy applies to %s in %s\n", ec.ErrorType, ec.ServiceName)
			return nil
		}
		fmt.Fprintf(out, "Strategies applicable to %s in %s:\n", ec.ErrorType, ec.ServiceName)
		for _, c := range candidates {
			meta := c.Strategy.Metadata()
			if !strategy.MatchesLabels(meta.Labels, selectors) {
				continue
			}
			fmt.Fprintf(out, "  %s@%s (%s) - %s\n", meta.Name, meta.Version, c.Priority, meta.Description)
		}
		return nil
	}

	metas := s.Registry().Filter(selectors)
	fmt.Fprintln(out, "Available strategies:")
	for _, meta := range metas {
		source := meta.Source
		if source == "" {
			source = "built-in"
		}
		fmt.Fprintf(out, "  %s@%s [%s, %s] %s (%s)\n", meta.Name, meta.Version, meta.Type, meta.Priority, meta.Description, source)
	}
	return nil
}

func parseSelectors(labels []string) (map[string][]string, error) {
	selectors := make(map[string][]string)
	for _, l := range labels {
		key, value, ok := strings.Cut(l, "=")
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("invalid label selector %q, expected key=value", l)
		}
		selectors[key] = append(selectors[key], value)
	}
	return selectors, nil
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [catalog-file]",
		Short: "Validate a strategy catalog file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, logger, err := common.NewService(cmd, common.ServiceOptions{})
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer s.Close()

			strategies, err := s.LoadCatalogFile(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			invalid := 0
			for _, st := range strategies {
				meta := st.Metadata()
				result, err := s.Validator().ValidateStrategy(cmd.Context(), st, nil)
				if err != nil {
					return err
				}
				if !result.IsValid {
					invalid++
					fmt.Fprintf(out, "  %s@%s: invalid\n", meta.Name, meta.Version)
					for _, msg := range result.ErrorMessages() {
						fmt.Fprintf(out, "    - %s\n", msg)
					}
					continue
				}
				fmt.Fprintf(out, "  %s@%s: ok (%d warnings)\n", meta.Name, meta.Version, len(result.Warnings))
			}
			if invalid > 0 {
				return fmt.Errorf("%w: %d of %d strategies in %s are invalid", models.ErrValidation, invalid, len(strategies), args[0])
			}
			fmt.Fprintf(out, "Catalog %s is valid (%d strategies)\n", args[0], len(strategies))
			return nil
		},
	}
}
