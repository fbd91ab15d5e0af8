// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kusari-oss/remedy/internal/core/config"
)

const diskCatalog = `strategies:
  - name: free-disk
    version: 1.2.0
    type: custom
    priority: high
    description: Prune temporary files
    error_types: [DiskFull]
    labels:
      platform: [linux]
    actions:
      - name: prune
        type: noop
        severity: low
        impact_scope: local
        outputs:
          freed: 42
`

const diskError = `id: err-disk
service_name: billing
error_type: DiskFull
message: no space left on device
severity: medium
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func setupProject(t *testing.T) string {
	t.Helper()
	t.Setenv(config.HomeEnv, t.TempDir())
	dir := t.TempDir()

	out, err := execute(t, "--project-dir", dir, "--log-level", "error", "init", "--local-only")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Installed embedded default strategies")
	assert.FileExists(t, filepath.Join(dir, config.DefaultConfigDir, config.DefaultConfigFileName))
	assert.FileExists(t, filepath.Join(dir, config.DefaultConfigDir, config.DefaultStrategiesDir, "restart.yaml"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, config.DefaultConfigDir, config.DefaultStrategiesDir, "disk.yaml"), []byte(diskCatalog), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "error.yaml"), []byte(diskError), 0644))
	return dir
}

func TestPlanLifecycle(t *testing.T) {
	dir := setupProject(t)
	base := []string{"--project-dir", dir, "--log-level", "error"}
	errorFile := filepath.Join(dir, "error.yaml")
	planFile := filepath.Join(dir, "plan.yaml")

	out, err := execute(t, append(base, "plan", "create", errorFile, "-o", planFile)...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "saved to "+planFile)
	assert.FileExists(t, planFile)

	out, err = execute(t, append(base, "plan", "validate", planFile)...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "is valid")

	out, err = execute(t, append(base, "risk", "assess", planFile, "-e", errorFile)...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "prune")
	assert.Contains(t, out, "risk")

	resultFile := filepath.Join(dir, "result.json")
	out, err = execute(t, append(base, "plan", "execute", planFile, "-e", errorFile, "--dry-run", "-o", resultFile)...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "dry-run mode")
	assert.Contains(t, out, "Remediation plan executed successfully")
	assert.FileExists(t, resultFile)
}

func TestStrategyCommands(t *testing.T) {
	dir := setupProject(t)
	base := []string{"--project-dir", dir, "--log-level", "error"}

	out, err := execute(t, append(base, "strategy", "list")...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "free-disk@1.2.0")
	assert.Contains(t, out, "restart-service@1.0.0")

	out, err = execute(t, append(base, "strategy", "list", "--label", "platform=linux")...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "free-disk@1.2.0")
	assert.NotContains(t, out, "restart-service")

	out, err = execute(t, append(base, "strategy", "list", "-e", filepath.Join(dir, "error.yaml"))...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "free-disk@1.2.0 (high)")
	assert.NotContains(t, out, "scale-out")

	_, err = execute(t, append(base, "strategy", "list", "--label", "platform")...)
	assert.ErrorContains(t, err, "invalid label selector")

	out, err = execute(t, append(base, "strategy", "validate", filepath.Join(dir, config.DefaultConfigDir, config.DefaultStrategiesDir, "disk.yaml"))...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "free-disk@1.2.0: ok")
}

func TestInitKeepsExistingConfig(t *testing.T) {
	dir := setupProject(t)

	out, err := execute(t, "--project-dir", dir, "--log-level", "error", "init", "--local-only")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Keeping existing configuration")

	out, err = execute(t, "--project-dir", dir, "--log-level", "error", "init", "--local-only", "--force")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Wrote configuration")
}

func TestPlanExecuteRejectsMissingFile(t *testing.T) {
	t.Setenv(config.HomeEnv, t.TempDir())
	_, err := execute(t, "--project-dir", t.TempDir(), "plan", "execute", "does-not-exist.yaml")
	assert.Error(t, err)
}
