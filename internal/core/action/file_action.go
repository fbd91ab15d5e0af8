// SPDX-License-Identifier: Apache-2.0

package action

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/kusari-oss/remedy/internal/core/schema"
	"github.com/kusari-oss/remedy/internal/core/template"
	"github.com/kusari-oss/remedy/internal/logging"
)

// FileAction renders a template to a file, for example a runbook note or a
// configuration override.
type FileAction struct {
	config                 Config
	templatesDir           string
	globalTemplatesDir     string
	additionalTemplateDirs []string
	useLocal               bool
	useGlobal              bool
	globalFirst            bool
	logger                 *logging.Logger
}

// Execute runs the file action.
func (a *FileAction) Execute(ctx context.Context, params map[string]interface{}) error {
	_, err := a.ExecuteWithOutput(ctx, params)
	return err
}

// ExecuteWithOutput writes the file and returns its path as "file_path".
func (a *FileAction) ExecuteWithOutput(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	params = schema.MergeWithDefaults(params, a.config.Defaults)
	if a.config.Schema != nil {
		params = schema.CoerceParams(params, a.config.Schema)
		if err := schema.ValidateParams(a.config.Schema, params); err != nil {
			return nil, err
		}
	}

	content, err := a.render(params)
	if err != nil {
		return nil, err
	}

	target, err := template.ProcessString(a.config.TargetPath, params)
	if err != nil {
		return nil, fmt.Errorf("error processing target path: %w", err)
	}
	targetPath := string(target)

	if a.config.CreateDirs {
		if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
			return nil, fmt.Errorf("error creating directories: %w", err)
		}
	}
	if err := os.WriteFile(targetPath, content, 0644); err != nil {
		return nil, fmt.Errorf("error writing file: %w", err)
	}

	a.logger.Info(ctx, "created file", zap.String("path", targetPath))
	return map[string]interface{}{"file_path": targetPath}, nil
}

func (a *FileAction) render(params map[string]interface{}) ([]byte, error) {
	if a.config.Content != "" {
		out, err := template.ProcessString(a.config.Content, params)
		if err != nil {
			return nil, fmt.Errorf("error processing content: %w", err)
		}
		return out, nil
	}

	templatePath, err := a.resolveTemplate()
	if err != nil {
		return nil, err
	}
	out, err := template.ProcessFile(templatePath, params)
	if err != nil {
		return nil, fmt.Errorf("error processing template: %w", err)
	}
	return out, nil
}

// resolveTemplate searches the local and global template directories in
// the configured order, then any additional directories.
func (a *FileAction) resolveTemplate() (string, error) {
	if filepath.IsAbs(a.config.TemplatePath) {
		return a.config.TemplatePath, nil
	}

	local := filepath.Join(a.templatesDir, a.config.TemplatePath)
	global := filepath.Join(a.globalTemplatesDir, a.config.TemplatePath)

	var pathsToCheck []string
	switch {
	case a.useLocal && a.useGlobal && a.globalFirst:
		pathsToCheck = append(pathsToCheck, global, local)
	case a.useLocal && a.useGlobal:
		pathsToCheck = append(pathsToCheck, local, global)
	case a.useLocal:
		pathsToCheck = append(pathsToCheck, local)
	case a.useGlobal:
		pathsToCheck = append(pathsToCheck, global)
	default:
		return "", fmt.Errorf("neither local nor global templates enabled")
	}
	for _, dir := range a.additionalTemplateDirs {
		pathsToCheck = append(pathsToCheck, filepath.Join(dir, a.config.TemplatePath))
	}

	for _, path := range pathsToCheck {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("template '%s' not found in any configured location", a.config.TemplatePath)
}

// Description returns the action description.
func (a *FileAction) Description() string {
	if a.config.Description != "" {
		return a.config.Description
	}
	return "Create a file from a template"
}
