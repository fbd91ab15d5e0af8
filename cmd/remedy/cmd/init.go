// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kusari-oss/remedy/cmd/remedy/cmd/common"
	"github.com/kusari-oss/remedy/internal/core/config"
	"github.com/kusari-oss/remedy/internal/defaults"
	"github.com/kusari-oss/remedy/internal/logging"
)

func newInitCmd() *cobra.Command {
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a remedy project",
		Long: `Initialize a remedy project: write a default configuration and install the
default strategy catalogs and templates into the project (or, with --global, the
global remedy home).`,
		Args: cobra.NoArgs,
		RunE: runInit,
	}

	initCmd.Flags().Bool("global", false, "Install into the global remedy home instead of the project")
	initCmd.Flags().BoolP("local-only", "l", false, "Use only embedded defaults, don't attempt to fetch latest from remote")
	initCmd.Flags().StringP("remote-url", "r", defaults.NewConfig().URL, "URL for remote defaults")
	initCmd.Flags().Bool("force", false, "Overwrite an existing configuration file")

	return initCmd
}

func runInit(cmd *cobra.Command, args []string) error {
	global, _ := cmd.Flags().GetBool("global")
	localOnly, _ := cmd.Flags().GetBool("local-only")
	remoteURL, _ := cmd.Flags().GetString("remote-url")
	force, _ := cmd.Flags().GetBool("force")

	projectDir, err := common.ResolveProjectDir()
	if err != nil {
		return err
	}

	cfg := config.NewDefaultConfig()
	base := filepath.Join(projectDir, config.DefaultConfigDir)
	configPath := filepath.Join(base, config.DefaultConfigFileName)
	if global {
		if configPath, err = config.GlobalConfigFilePath(); err != nil {
			return err
		}
		base = filepath.Dir(configPath)
	}

	logCfg := cfg.Logging
	if common.Global.LogLevel != "" {
		logCfg.Level = common.Global.LogLevel
	}
	if common.Global.LogFormat != "" {
		logCfg.Format = common.Global.LogFormat
	}
	logger, err := logging.NewLogger(&logCfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	dcfg := defaults.NewConfig()
	dcfg.URL = remoteURL
	m := defaults.NewManager(dcfg, logger)
	usedRemote, err := m.Install(cmd.Context(),
		filepath.Join(base, config.DefaultStrategiesDir),
		filepath.Join(base, config.DefaultTemplatesDir),
		!localOnly)
	if err != nil {
		return fmt.Errorf("error installing defaults: %w", err)
	}

	out := cmd.OutOrStdout()
	if _, err := config.LoadConfigFile(configPath); err == nil && !force {
		fmt.Fprintf(out, "Keeping existing configuration at %s\n", configPath)
	} else {
		if global {
			err = config.SaveGlobalConfig(cfg)
		} else {
			err = config.SaveConfig(cfg, projectDir)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Wrote configuration to %s\n", configPath)
	}

	source := "embedded"
	if usedRemote {
		source = "remote"
	}
	fmt.Fprintf(out, "Installed %s default strategies and templates into %s\n", source, base)
	return nil
}
