package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points HOME and the working directory at a fresh temp dir so no
// user configuration leaks into a test.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, ".config"))
	t.Chdir(dir)
	return dir
}

// execute runs a fresh command tree and returns stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := NewRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), errOut.String(), err
}

func TestRootCommand(t *testing.T) {
	root := NewRootCommand()
	assert.Equal(t, "ocrq", root.Use)
	assert.NotEmpty(t, root.Short)
	assert.NotEmpty(t, root.Long)

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, expected := range []string{"run", "serve", "config"} {
		assert.Contains(t, names, expected, "Expected subcommand '%s' not found", expected)
	}
}

func TestRootCommandHelp(t *testing.T) {
	isolate(t)
	out, _, err := execute(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "single-worker OCR queue")
	assert.Contains(t, out, "Available Commands:")
	assert.Contains(t, out, "--env-file")
}

func TestRootCommandVersion(t *testing.T) {
	isolate(t)
	out, _, err := execute(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "ocrq version dev")
}

func TestRootCommandInvalidFlag(t *testing.T) {
	isolate(t)
	_, _, err := execute(t, "--no-such-flag")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown flag")
}

func TestEnvFile(t *testing.T) {
	dir := isolate(t)
	t.Setenv("OCRQ_RECOGNITION_LANGUAGE", "")
	require.NoError(t, os.Unsetenv("OCRQ_RECOGNITION_LANGUAGE"))

	env := filepath.Join(dir, "custom.env")
	require.NoError(t, os.WriteFile(env, []byte("OCRQ_RECOGNITION_LANGUAGE=deu\n"), 0o600))

	out, _, err := execute(t, "config", "show", "--env-file", env)
	require.NoError(t, err)
	assert.Contains(t, out, "language: deu")

	_, _, err = execute(t, "config", "show", "--env-file", filepath.Join(dir, "missing.env"))
	require.Error(t, err)
}

func TestInvalidConfigFileFails(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("orientation:\n  threshold: 300\n"), 0o600))

	_, _, err := execute(t, "--config", path, "config", "show")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading configuration")
}

func TestLogLevelFlag(t *testing.T) {
	isolate(t)
	_, _, err := execute(t, "config", "init")
	require.NoError(t, err)

	_, stderr, err := execute(t, "--log-level", "debug", "config", "paths")
	require.NoError(t, err)
	assert.Contains(t, stderr, `"msg":"Configuration loaded"`)
	assert.Contains(t, stderr, "ocrq.yaml")

	_, stderr, err = execute(t, "config", "paths")
	require.NoError(t, err)
	assert.NotContains(t, stderr, "Configuration loaded")
}
