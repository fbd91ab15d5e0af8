// SPDX-License-Identifier: Apache-2.0

// Package common holds the state shared by the remedy subcommands.
package common

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kusari-oss/remedy/internal/core/config"
	"github.com/kusari-oss/remedy/internal/core/models"
	"github.com/kusari-oss/remedy/internal/logging"
	"github.com/kusari-oss/remedy/internal/remedy"
	"github.com/kusari-oss/remedy/internal/remedy/executor"
)

// Flags are the persistent flags of the root command.
type Flags struct {
	ConfigFile string
	ProjectDir string
	LogLevel   string
	LogFormat  string
}

// Global is bound to the root command's persistent flags.
var Global Flags

// ResolveProjectDir returns the absolute project directory.
func ResolveProjectDir() (string, error) {
	if Global.ProjectDir == "" {
		dir, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("error getting current directory: %w", err)
		}
		return dir, nil
	}
	dir, err := filepath.Abs(Global.ProjectDir)
	if err != nil {
		return "", fmt.Errorf("error resolving project directory: %w", err)
	}
	return dir, nil
}

// LoadConfig loads the global and project configuration and applies the
// logging flags.
func LoadConfig() (*config.Config, string, error) {
	projectDir, err := ResolveProjectDir()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.LoadConfig(projectDir, Global.ConfigFile)
	if err != nil {
		return nil, "", fmt.Errorf("error loading configuration: %w", err)
	}
	if Global.LogLevel != "" {
		cfg.Logging.Level = Global.LogLevel
	}
	if Global.LogFormat != "" {
		cfg.Logging.Format = Global.LogFormat
	}
	return cfg, projectDir, nil
}

// ServiceOptions tune the service built for a single command.
type ServiceOptions struct {
	DryRun bool
	// AutoApprove grants every manual approval without prompting.
	AutoApprove bool
	Verbose     bool
}

// NewService loads the configuration and builds a remedy service. Manual
// approvals are prompted for on the command's input.
func NewService(cmd *cobra.Command, opts ServiceOptions) (*remedy.Service, *logging.Logger, error) {
	cfg, projectDir, err := LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, nil, err
	}

	var verbose io.Writer
	if opts.Verbose {
		verbose = cmd.ErrOrStderr()
	}
	approver := PromptApprover(cmd.InOrStdin(), cmd.ErrOrStderr())
	if opts.AutoApprove {
		approver = executor.ApproverFunc(func(context.Context, *models.RemediationPlan, *models.RemediationStep) (bool, error) {
			return true, nil
		})
	}

	s, err := remedy.New(cmd.Context(), remedy.Options{
		Config:     cfg,
		ProjectDir: projectDir,
		Logger:     logger,
		Approver:   approver,
		DryRun:     opts.DryRun,
		Verbose:    verbose,
	})
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return s, logger, nil
}

// PromptApprover asks on out and reads a yes/no answer from in.
func PromptApprover(in io.Reader, out io.Writer) executor.Approver {
	reader := bufio.NewReader(in)
	return executor.ApproverFunc(func(ctx context.Context, plan *models.RemediationPlan, step *models.RemediationStep) (bool, error) {
		msg := step.Action.ConfirmationMessage
		if msg == "" {
			msg = fmt.Sprintf("Run step %q (%s)?", step.Name, step.Action.Description)
		}
		fmt.Fprintf(out, "%s [y/N]: ", msg)
		answer, err := reader.ReadString('\n')
		if err != nil && answer == "" {
			return false, err
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		return answer == "y" || answer == "yes", nil
	})
}
