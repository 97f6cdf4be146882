package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// setupLogging Tests
// ============================================================================

func TestSetupLogging_AllLevels(t *testing.T) {
	tests := []struct {
		input    string
		expected logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"info", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"DEBUG", logrus.InfoLevel},   // Case-sensitive, should default
		{"unknown", logrus.InfoLevel}, // Invalid, should default
		{"", logrus.InfoLevel},        // Empty, should default
	}

	for _, tt := range tests {
		name := tt.input
		if name == "" {
			name = "empty"
		}
		t.Run(name, func(t *testing.T) {
			setupLogging(tt.input)
			assert.Equal(t, tt.expected, logrus.GetLevel())
		})
	}
}

func TestSetupLogging_JSONFormatter(t *testing.T) {
	setupLogging("info")

	formatter, ok := logrus.StandardLogger().Formatter.(*logrus.JSONFormatter)
	require.True(t, ok, "Formatter should be JSONFormatter")
	assert.Equal(t, time.RFC3339, formatter.TimestampFormat, "Timestamp format should be RFC3339")
}

// ============================================================================
// Command Tests
// ============================================================================

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := newRootCommand()

	names := []string{}
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"export", "import", "gc", "stats", "keys", "maintain"} {
		assert.Contains(t, names, want)
	}
}

func TestCommands_RequireDataDir(t *testing.T) {
	t.Setenv("ARMORYLOG_DATA_DIR", "")
	_, err := runCommand(t, "stats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data_dir is required")
}

func TestCommands_ImportExportFlow(t *testing.T) {
	dataDir := t.TempDir()
	workDir := t.TempDir()

	doc := `{"version":"1.0","timestamp":"2026-02-01T10:00:00Z","data":{
		"firearms":[{"id":"f1","make":"Glock"}],
		"ammunition":[{"id":"a1","caliber":"9mm"}]}}`
	importFile := filepath.Join(workDir, "in.json")
	require.NoError(t, os.WriteFile(importFile, []byte(doc), 0644))

	out, err := runCommand(t, "--data-dir", dataDir, "import", importFile)
	require.NoError(t, err)
	assert.Contains(t, out, "imported")

	out, err = runCommand(t, "--data-dir", dataDir, "keys", "--prefix", "firearm:")
	require.NoError(t, err)
	assert.Equal(t, "firearm:f1\n", out)

	out, err = runCommand(t, "--data-dir", dataDir, "stats", "--json")
	require.NoError(t, err)
	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, "badger", stats["engine"])
	assert.EqualValues(t, 2, stats["keys"])

	exportDir := filepath.Join(workDir, "exports")
	out, err = runCommand(t, "--data-dir", dataDir, "export", "--out", exportDir)
	require.NoError(t, err)
	path := strings.TrimSpace(out)
	assert.Equal(t, exportDir, filepath.Dir(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"firearms"`)
	assert.Contains(t, string(raw), `"f1"`)

	out, err = runCommand(t, "--data-dir", dataDir, "gc")
	require.NoError(t, err)
	assert.Contains(t, out, "removed 0")
}

func TestCommands_ImportRejectsInvalidFile(t *testing.T) {
	dataDir := t.TempDir()
	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"timestamp":"x"}`), 0644))

	_, err := runCommand(t, "--data-dir", dataDir, "import", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid import file format")
}

func TestCommands_UnsupportedBackend(t *testing.T) {
	_, err := runCommand(t, "--data-dir", t.TempDir(), "--backend", "leveldb", "keys")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leveldb")
}
