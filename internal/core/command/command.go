// SPDX-License-Identifier: Apache-2.0

// Package command runs external commands for cli actions.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/kusari-oss/remedy/internal/core/template"
	"github.com/kusari-oss/remedy/internal/logging"
)

// Executor runs one command line. Command, args and environment entries
// are templates rendered against the action parameters.
type Executor struct {
	command     string
	args        []string
	workingDir  string
	environment []string
	verbose     io.Writer
	logger      *logging.Logger
}

// Result holds the outcome of a command run.
type Result struct {
	Output     []byte
	Stderr     []byte
	ExitStatus int
}

// NewExecutor creates a new command executor.
func NewExecutor(command string, args []string) *Executor {
	return &Executor{
		command: command,
		args:    args,
		logger:  logging.NewNop(),
	}
}

// WithWorkingDir sets the working directory.
func (e *Executor) WithWorkingDir(dir string) *Executor {
	e.workingDir = dir
	return e
}

// WithEnvironment appends environment variables to the process environment.
func (e *Executor) WithEnvironment(env []string) *Executor {
	e.environment = env
	return e
}

// WithVerbose mirrors command output to w.
func (e *Executor) WithVerbose(w io.Writer) *Executor {
	e.verbose = w
	return e
}

func (e *Executor) WithLogger(l *logging.Logger) *Executor {
	e.logger = logging.OrNop(l)
	return e
}

// ProcessParameters renders the command, its args and environment.
// working_dir and environment parameters override the executor settings.
func (e *Executor) ProcessParameters(params map[string]interface{}) error {
	cmd, err := template.ProcessString(e.command, params)
	if err != nil {
		return fmt.Errorf("error processing command: %w", err)
	}
	e.command = string(cmd)

	if e.args, err = template.ProcessStrings(e.args, params); err != nil {
		return fmt.Errorf("error processing argument: %w", err)
	}

	if dir, ok := params["working_dir"].(string); ok && dir != "" {
		e.workingDir = dir
	}

	if env, ok := params["environment"].([]interface{}); ok {
		for _, item := range env {
			s, ok := item.(string)
			if !ok {
				continue
			}
			rendered, err := template.ProcessString(s, params)
			if err != nil {
				return fmt.Errorf("error processing environment variable: %w", err)
			}
			e.environment = append(e.environment, string(rendered))
		}
	}
	return nil
}

// Execute runs the command. The process is killed when ctx is done.
func (e *Executor) Execute(ctx context.Context) (*Result, error) {
	if e.command == "" {
		return nil, errors.New("command is empty")
	}
	cmd := exec.CommandContext(ctx, e.command, e.args...)

	var stdout, stderr bytes.Buffer
	if e.verbose != nil {
		cmd.Stdout = io.MultiWriter(&stdout, e.verbose)
		cmd.Stderr = io.MultiWriter(&stderr, e.verbose)
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}
	if e.workingDir != "" {
		cmd.Dir = e.workingDir
	}
	if len(e.environment) > 0 {
		cmd.Env = append(os.Environ(), e.environment...)
	}

	e.logger.Debug(ctx, "executing command",
		zap.String("command", e.command), zap.String("args", strings.Join(e.args, " ")))

	err := cmd.Run()
	result := &Result{Output: stdout.Bytes(), Stderr: stderr.Bytes()}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitStatus = exitErr.ExitCode()
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, fmt.Errorf("command %q interrupted: %w", e.command, ctxErr)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return result, fmt.Errorf("command %q failed: %w: %s", e.command, err, msg)
		}
		return result, fmt.Errorf("command %q failed: %w", e.command, err)
	}
	return result, nil
}
