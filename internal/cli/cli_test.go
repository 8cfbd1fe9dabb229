package cli

import (
	"context"
	stderrors "errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wagiedev/mcp-channel-go/internal/config"
	"github.com/wagiedev/mcp-channel-go/internal/errors"
)

// TestDiscoverer_NotFound tests that a missing explicit path returns SpawnError.
func TestDiscoverer_NotFound(t *testing.T) {
	discoverer := NewDiscoverer(&Config{
		Command: "/nonexistent/path/to/worker",
		Logger:  slog.Default(),
	})

	_, err := discoverer.Discover(context.Background())

	require.Error(t, err)
	require.IsType(t, &errors.SpawnError{}, err)
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestDiscoverer_NotInPath tests that a bare name missing from PATH returns SpawnError.
func TestDiscoverer_NotInPath(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	_, err := NewDiscoverer(&Config{Command: "definitely-not-a-worker"}).Discover(context.Background())

	spawnErr, ok := stderrors.AsType[*errors.SpawnError](err)
	require.True(t, ok)
	require.Equal(t, "definitely-not-a-worker", spawnErr.Command)
	require.ErrorIs(t, err, exec.ErrNotFound)
}

// TestDiscoverer_EmptyCommand tests that discovery refuses an empty command.
func TestDiscoverer_EmptyCommand(t *testing.T) {
	_, err := NewDiscoverer(nil).Discover(context.Background())
	require.IsType(t, &errors.SpawnError{}, err)
}

// TestDiscoverer_RelativeToDir tests that relative paths resolve against Dir.
func TestDiscoverer_RelativeToDir(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Test requires Unix executables")
	}

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bin"), 0o755))

	worker := filepath.Join(dir, "bin", "worker")
	require.NoError(t, os.WriteFile(worker, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	path, err := NewDiscoverer(&Config{Command: "bin/worker", Dir: dir}).Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, worker, path)
}

// TestDiscoverer_Directory tests that a directory is not accepted as a worker.
func TestDiscoverer_Directory(t *testing.T) {
	dir := t.TempDir()

	_, err := NewDiscoverer(&Config{Command: dir}).Discover(context.Background())
	require.ErrorContains(t, err, "is a directory")
}

// TestDiscoverer_InPath tests lookup of a bare name through PATH.
func TestDiscoverer_InPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Test requires Unix executables")
	}

	dir := t.TempDir()
	worker := filepath.Join(dir, "my-worker")
	require.NoError(t, os.WriteFile(worker, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	t.Setenv("PATH", dir)

	path, err := NewDiscoverer(&Config{Command: "my-worker"}).Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, worker, path)
}

func TestResolveWorkdir(t *testing.T) {
	dir, err := ResolveWorkdir(&config.Options{Cwd: "/srv/worker"})
	require.NoError(t, err)
	require.Equal(t, "/srv/worker", dir)

	wd, err := os.Getwd()
	require.NoError(t, err)

	dir, err = ResolveWorkdir(&config.Options{})
	require.NoError(t, err)
	require.Equal(t, wd, dir)
}

// TestBuildEnvironment_EnvVarsPassedToSubprocess tests that user variables
// are appended after the inherited environment.
func TestBuildEnvironment_EnvVarsPassedToSubprocess(t *testing.T) {
	t.Setenv("INHERITED_VAR", "from-host")

	env := BuildEnvironment(&config.Options{
		Env: map[string]string{
			"B_VAR": "2",
			"A_VAR": "1",
		},
	}, "/work")

	require.Contains(t, env, "INHERITED_VAR=from-host")
	require.Contains(t, env, HostEnvVar+"="+config.DefaultClientName)
	require.Equal(t, []string{"A_VAR=1", "B_VAR=2"}, env[len(env)-2:])
}

func TestBuildEnvironment_IsolatedWithWorkdirVar(t *testing.T) {
	t.Setenv("INHERITED_VAR", "from-host")

	env := BuildEnvironment(&config.Options{
		IsolateEnv:    true,
		WorkdirEnvVar: "PYTHONPATH",
		Env:           map[string]string{"X": "y"},
	}, "/work")

	require.Equal(t, []string{
		HostEnvVar + "=" + config.DefaultClientName,
		"PYTHONPATH=/work",
		"X=y",
	}, env)
}
