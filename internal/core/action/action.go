// SPDX-License-Identifier: Apache-2.0

// Package action implements the capability types that remediation actions
// dispatch to.
package action

import (
	"context"
	"fmt"
	"time"

	"github.com/kusari-oss/remedy/internal/core/models"
)

// Action defines the interface that all actions must implement.
type Action interface {
	// Execute runs the action with the given parameters. Implementations
	// must return promptly once ctx is done.
	Execute(ctx context.Context, params map[string]interface{}) error

	// Description returns a human-readable description of the action.
	Description() string
}

// OutputAction extends Action to support returning outputs.
type OutputAction interface {
	Action

	// ExecuteWithOutput runs the action and returns outputs.
	ExecuteWithOutput(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error)
}

// Run executes a, collecting outputs when a supports them.
func Run(ctx context.Context, a Action, params map[string]interface{}) (map[string]interface{}, error) {
	if oa, ok := a.(OutputAction); ok {
		return oa.ExecuteWithOutput(ctx, params)
	}
	return nil, a.Execute(ctx, params)
}

// Config holds the type-specific configuration of an action. It is read
// from the action's parameters.
type Config struct {
	Name         string                 `yaml:"name"`
	Type         string                 `yaml:"type"`
	Description  string                 `yaml:"description"`
	TemplatePath string                 `yaml:"template_path,omitempty"`
	Content      string                 `yaml:"content,omitempty"`
	TargetPath   string                 `yaml:"target_path,omitempty"`
	CreateDirs   bool                   `yaml:"create_dirs,omitempty"`
	Command      string                 `yaml:"command,omitempty"`
	Args         []string               `yaml:"args,omitempty"`
	Schema       map[string]interface{} `yaml:"schema,omitempty"`
	Defaults     map[string]interface{} `yaml:"defaults,omitempty"`
	Outputs      interface{}            `yaml:"outputs,omitempty"`
	Delay        time.Duration          `yaml:"delay,omitempty"`
	Fail         string                 `yaml:"fail,omitempty"`
}

// LoadConfig loads a Config from a map of data.
func LoadConfig(data map[string]interface{}) (Config, error) {
	var config Config

	if name, ok := data["name"].(string); ok {
		config.Name = name
	}
	if typeName, ok := data["type"].(string); ok {
		config.Type = typeName
	}
	if description, ok := data["description"].(string); ok {
		config.Description = description
	}

	if templatePath, ok := data["template_path"].(string); ok {
		config.TemplatePath = templatePath
	}
	if content, ok := data["content"].(string); ok {
		config.Content = content
	}
	if targetPath, ok := data["target_path"].(string); ok {
		config.TargetPath = targetPath
	}
	if createDirs, ok := data["create_dirs"].(bool); ok {
		config.CreateDirs = createDirs
	}

	if command, ok := data["command"].(string); ok {
		config.Command = command
	}
	switch args := data["args"].(type) {
	case []interface{}:
		config.Args = make([]string, 0, len(args))
		for _, arg := range args {
			config.Args = append(config.Args, fmt.Sprint(arg))
		}
	case []string:
		config.Args = append([]string(nil), args...)
	}

	if schema, ok := data["schema"].(map[string]interface{}); ok {
		config.Schema = schema
	}
	if defaults, ok := data["defaults"].(map[string]interface{}); ok {
		config.Defaults = defaults
	}
	if outputs, ok := data["outputs"]; ok {
		config.Outputs = outputs
	}

	switch delay := data["delay"].(type) {
	case string:
		d, err := time.ParseDuration(delay)
		if err != nil {
			return config, fmt.Errorf("invalid delay %q: %w", delay, err)
		}
		config.Delay = d
	case time.Duration:
		config.Delay = delay
	}
	switch fail := data["fail"].(type) {
	case string:
		config.Fail = fail
	case bool:
		if fail {
			config.Fail = "simulated failure"
		}
	}

	return config, nil
}

// ConfigFromAction derives the Config of a remediation action.
func ConfigFromAction(a *models.RemediationAction) (Config, error) {
	config, err := LoadConfig(a.Parameters)
	if err != nil {
		return config, fmt.Errorf("action %s: %w", a.Name, err)
	}
	config.Name = a.Name
	config.Type = string(a.Type)
	if a.Description != "" {
		config.Description = a.Description
	}
	if config.Outputs == nil && a.Type == models.ActionTypeNoop && len(a.Outputs) > 0 {
		config.Outputs = a.Outputs
	}
	return config, nil
}
