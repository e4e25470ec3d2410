package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupEnv(t *testing.T) {
	t.Helper()
	t.Setenv("LICENSED_DATA_DIR", t.TempDir())
	t.Setenv("LICENSED_ADMIN_KEY", "test-admin")
	t.Setenv("LICENSED_STORE_DRIVER", "sqlite")
	t.Setenv("LICENSED_LOG_LEVEL", "error")
	t.Setenv("LICENSED_LOG_FORMAT", "json")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	old := out
	out = &buf
	defer func() { out = old }()

	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuild, oldCommit := Version, BuildTime, GitCommit
	defer func() { Version, BuildTime, GitCommit = oldVersion, oldBuild, oldCommit }()

	Version, BuildTime, GitCommit = "1.2.3", "2026-01-01", "abcdef"
	output, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, output, "licensed 1.2.3")
	assert.Contains(t, output, "Built: 2026-01-01")
	assert.Contains(t, output, "Commit: abcdef")
}

func TestApproveKeyThenActivate(t *testing.T) {
	setupEnv(t)

	output, err := execute(t, "approve-key", "--username", "bob", "--days", "45")
	require.NoError(t, err)
	var approved struct {
		Key string `json:"key"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &approved))
	require.NotEmpty(t, approved.Key)

	output, err = execute(t, "activate", "bob", "--key", approved.Key)
	require.NoError(t, err)
	assert.Contains(t, output, `"status": "active"`)

	output, err = execute(t, "suspend", "bob")
	require.NoError(t, err)
	assert.Contains(t, output, `"status": "suspended"`)
}

func TestScanCmd(t *testing.T) {
	setupEnv(t)
	output, err := execute(t, "scan")
	require.NoError(t, err)
	assert.Contains(t, output, `"trials_blocked": 0`)
}

func TestBlockUnknownUser(t *testing.T) {
	setupEnv(t)
	_, err := execute(t, "block", "nobody")
	assert.Error(t, err)
}

func TestActivateRequiresKey(t *testing.T) {
	setupEnv(t)
	_, err := execute(t, "activate", "bob", "--key", "")
	assert.Error(t, err)
}
