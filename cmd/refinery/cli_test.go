package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version, strings.TrimSpace(out))
}

func TestConfigCommand(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.env")

	t.Run("prints defaults without secrets", func(t *testing.T) {
		t.Setenv("WORKER_API_TOKEN", "top-secret")
		t.Setenv("REDIS_PASSWORD", "hunter2")
		t.Setenv("JWT_SECRET", "signing-key")

		out, err := execute(t, "config", "--env-file", missing)
		require.NoError(t, err)

		var decoded map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(out), &decoded))
		assert.Contains(t, decoded, "server")
		assert.Contains(t, decoded, "convergence")
		assert.NotContains(t, out, "top-secret")
		assert.NotContains(t, out, "hunter2")
		assert.NotContains(t, out, "signing-key")
	})

	t.Run("rejects invalid tiers", func(t *testing.T) {
		t.Setenv("TIMEOUT_TIERS", "fast=abc")

		_, err := execute(t, "config", "--env-file", missing)
		assert.Error(t, err)
	})
}
