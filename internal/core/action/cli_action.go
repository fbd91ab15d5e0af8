// SPDX-License-Identifier: Apache-2.0

package action

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/kusari-oss/remedy/internal/core/command"
	"github.com/kusari-oss/remedy/internal/logging"
)

// CLIAction executes a command line tool.
type CLIAction struct {
	config        Config
	actionCtx     ActionContext
	outputParsers map[string]func([]byte) (interface{}, error)
	logger        *logging.Logger
}

// NewCLIAction creates a CLI action. Output parsers are built from the
// outputs configuration: each entry names an output and declares a format
// of "json" (with an optional dotted path) or "text" (with an optional regex).
func NewCLIAction(config Config, actionCtx ActionContext) (*CLIAction, error) {
	if config.Command == "" {
		return nil, fmt.Errorf("command is required for CLI actions")
	}

	a := &CLIAction{
		config:        config,
		actionCtx:     actionCtx,
		outputParsers: make(map[string]func([]byte) (interface{}, error)),
		logger:        logging.OrNop(actionCtx.Logger),
	}

	outputsConfig, _ := config.Outputs.(map[string]interface{})
	for outputName, parserConfig := range outputsConfig {
		parserMap, ok := parserConfig.(map[string]interface{})
		if !ok {
			continue
		}
		switch format, _ := parserMap["format"].(string); format {
		case "json":
			path, _ := parserMap["path"].(string)
			a.outputParsers[outputName] = createJSONParser(path)
		case "text":
			pattern, _ := parserMap["pattern"].(string)
			parser, err := createTextParser(pattern)
			if err != nil {
				return nil, fmt.Errorf("output %s: %w", outputName, err)
			}
			a.outputParsers[outputName] = parser
		default:
			return nil, fmt.Errorf("output %s: unsupported format %q", outputName, format)
		}
	}

	return a, nil
}

// Execute runs the CLI action.
func (a *CLIAction) Execute(ctx context.Context, params map[string]interface{}) error {
	_, err := a.ExecuteWithOutput(ctx, params)
	return err
}

// ExecuteWithOutput runs the command and parses its outputs. Besides the
// configured outputs, "stdout" and "exit_code" are always returned.
func (a *CLIAction) ExecuteWithOutput(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	exec := command.NewExecutor(a.config.Command, a.config.Args).
		WithWorkingDir(a.actionCtx.WorkingDir).
		WithLogger(a.logger)
	if a.actionCtx.Verbose != nil {
		exec.WithVerbose(a.actionCtx.Verbose)
	}

	if err := exec.ProcessParameters(params); err != nil {
		return nil, err
	}

	result, err := exec.Execute(ctx)
	if err != nil {
		return nil, fmt.Errorf("command execution failed: %w", err)
	}

	outputs := map[string]interface{}{
		"stdout":    strings.TrimSpace(string(result.Output)),
		"exit_code": result.ExitStatus,
	}
	for outputName, parser := range a.outputParsers {
		value, err := parser(result.Output)
		if err != nil {
			a.logger.Warn(ctx, "failed to parse command output",
				zap.String("action", a.config.Name), zap.String("output", outputName), zap.Error(err))
			continue
		}
		outputs[outputName] = value
	}

	return outputs, nil
}

// Description returns the action description.
func (a *CLIAction) Description() string {
	if a.config.Description != "" {
		return a.config.Description
	}
	return "Execute a command line tool"
}

func createJSONParser(path string) func([]byte) (interface{}, error) {
	return func(data []byte) (interface{}, error) {
		var result interface{}
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, err
		}
		if path != "" {
			return extractJSONPath(result, path)
		}
		return result, nil
	}
}

func createTextParser(pattern string) (func([]byte) (interface{}, error), error) {
	if pattern == "" {
		return func(data []byte) (interface{}, error) {
			return strings.TrimSpace(string(data)), nil
		}, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return func(data []byte) (interface{}, error) {
		matches := re.FindStringSubmatch(string(data))
		switch {
		case len(matches) > 1:
			return matches[1], nil
		case len(matches) == 1:
			return matches[0], nil
		}
		return nil, fmt.Errorf("no matches found for pattern: %s", pattern)
	}, nil
}

// extractJSONPath walks a dotted path such as "items[0].status".
func extractJSONPath(obj interface{}, path string) (interface{}, error) {
	current := obj
	for _, part := range strings.Split(path, ".") {
		name, index, hasIndex, err := splitIndex(part)
		if err != nil {
			return nil, err
		}
		if name != "" {
			m, ok := current.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("not an object at path: %s", name)
			}
			current = m[name]
		}
		if !hasIndex {
			continue
		}
		arr, ok := current.([]interface{})
		if !ok {
			return nil, fmt.Errorf("not an array at path: %s", part)
		}
		if index < 0 || index >= len(arr) {
			return nil, fmt.Errorf("array index out of bounds: %d", index)
		}
		current = arr[index]
	}
	return current, nil
}

func splitIndex(part string) (name string, index int, hasIndex bool, err error) {
	open := strings.Index(part, "[")
	if open < 0 || !strings.HasSuffix(part, "]") {
		return part, 0, false, nil
	}
	index, err = strconv.Atoi(part[open+1 : len(part)-1])
	if err != nil {
		return "", 0, false, fmt.Errorf("invalid array index: %s", part)
	}
	return part[:open], index, true, nil
}
