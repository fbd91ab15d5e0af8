// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kusari-oss/remedy/cmd/remedy/cmd/common"
	"github.com/kusari-oss/remedy/cmd/remedy/cmd/plan"
	"github.com/kusari-oss/remedy/cmd/remedy/cmd/risk"
	"github.com/kusari-oss/remedy/cmd/remedy/cmd/strategy"
	"github.com/kusari-oss/remedy/internal/version"
)

// NewRootCmd creates the remedy command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "remedy",
		Short: "Remedy - Automated Error Remediation Tool",
		Long: `Remedy turns a reported service error into a validated, risk-assessed
remediation plan and executes it with retries, timeouts and rollback.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version.Version, version.Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&common.Global.ConfigFile, "config", "", "global config file (default is ~/.remedy/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&common.Global.ProjectDir, "project-dir", "", "project directory (default is current directory)")
	rootCmd.PersistentFlags().StringVar(&common.Global.LogLevel, "log-level", "", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&common.Global.LogFormat, "log-format", "", "log format: json or console")

	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(plan.NewPlanCmd())
	rootCmd.AddCommand(risk.NewRiskCmd())
	rootCmd.AddCommand(strategy.NewStrategyCmd())
	return rootCmd
}

func Execute() error {
	return NewRootCmd().Execute()
}
