// SPDX-License-Identifier: Apache-2.0

// Package format reads and writes plans, error contexts and catalogs as
// YAML or JSON.
package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseFile reads and parses a file. JSON files are decoded as JSON; any
// other file is decoded as YAML first, then JSON.
func ParseFile(filePath string, v interface{}) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("error reading file: %w", err)
	}
	if IsJSONFile(filePath) {
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("error parsing %s: %w", filePath, err)
		}
		return nil
	}
	if err := ParseData(data, v); err != nil {
		return fmt.Errorf("error parsing %s: %w", filePath, err)
	}
	return nil
}

// ParseData parses data, trying YAML first, then JSON.
func ParseData(data []byte, v interface{}) error {
	err := yaml.Unmarshal(data, v)
	if err == nil {
		return nil
	}
	jsonErr := json.Unmarshal(data, v)
	if jsonErr == nil {
		return nil
	}
	return fmt.Errorf("failed to parse as YAML (%v) or JSON (%v)", err, jsonErr)
}

// ParseStrict decodes a single YAML document and rejects unknown fields.
func ParseStrict(r io.Reader, v interface{}) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// ParseFileStrict is ParseStrict for a file.
func ParseFileStrict(filePath string, v interface{}) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("error reading file: %w", err)
	}
	if err := ParseStrict(bytes.NewReader(data), v); err != nil {
		return fmt.Errorf("error parsing %s: %w", filePath, err)
	}
	return nil
}

// WriteFile writes v to filePath, choosing JSON for .json files and YAML
// otherwise.
func WriteFile(filePath string, v interface{}) error {
	data, err := Marshal(v, !IsJSONFile(filePath))
	if err != nil {
		return err
	}
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("error creating directory %s: %w", dir, err)
		}
	}
	return os.WriteFile(filePath, data, 0644)
}

// Marshal encodes v as YAML or indented JSON.
func Marshal(v interface{}, useYAML bool) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if useYAML {
		data, err = yaml.Marshal(v)
	} else {
		data, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		return nil, fmt.Errorf("error marshaling data: %w", err)
	}
	return data, nil
}

// FormatData formats data as a YAML or JSON string.
func FormatData(v interface{}, useYAML bool) (string, error) {
	data, err := Marshal(v, useYAML)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// IsYAMLFile returns true if the file extension suggests it's a YAML file.
func IsYAMLFile(filePath string) bool {
	ext := strings.ToLower(filepath.Ext(filePath))
	return ext == ".yaml" || ext == ".yml"
}

// IsJSONFile returns true if the file extension suggests it's a JSON file.
func IsJSONFile(filePath string) bool {
	return strings.ToLower(filepath.Ext(filePath)) == ".json"
}
