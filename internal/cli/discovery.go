package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/wagiedev/mcp-channel-go/internal/errors"
)

// Config holds configuration for worker executable discovery.
type Config struct {
	// Command is the worker executable: an absolute path, a path relative to
	// Dir, or a bare name searched in PATH.
	Command string

	// Dir is the directory relative paths are resolved against.
	Dir string

	// Logger is an optional logger for discovery operations.
	// If nil, a default no-op logger is used.
	Logger *slog.Logger
}

// Discoverer locates the worker executable.
type Discoverer interface {
	// Discover returns the path to execute or a SpawnError.
	Discover(ctx context.Context) (string, error)
}

// discoverer implements the Discoverer interface.
type discoverer struct {
	cfg *Config
	log *slog.Logger
}

// Compile-time verification that discoverer implements Discoverer.
var _ Discoverer = (*discoverer)(nil)

// NewDiscoverer creates a new worker discoverer with the given configuration.
func NewDiscoverer(cfg *Config) Discoverer {
	if cfg == nil {
		cfg = &Config{}
	}

	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	}

	return &discoverer{
		cfg: cfg,
		log: log,
	}
}

// Discover locates the worker executable.
func (d *discoverer) Discover(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	command := d.cfg.Command
	if command == "" {
		return "", &errors.SpawnError{Command: command, Err: fmt.Errorf("no worker command configured")}
	}

	if !strings.ContainsRune(command, os.PathSeparator) && !strings.ContainsRune(command, '/') {
		d.log.Debug("Searching for worker in PATH", "command", command)

		path, err := exec.LookPath(command)
		if err != nil {
			d.log.Debug("Worker not found in PATH", "command", command, "error", err)

			return "", &errors.SpawnError{Command: command, Err: err}
		}

		d.log.Debug("Found worker in PATH", "path", path)

		return path, nil
	}

	path := command
	if !filepath.IsAbs(path) && d.cfg.Dir != "" {
		path = filepath.Join(d.cfg.Dir, path)
	}

	info, err := os.Stat(path)
	if err != nil {
		d.log.Debug("Explicit worker path not found", "path", path)

		return "", &errors.SpawnError{Command: command, Err: err}
	}

	if info.IsDir() {
		return "", &errors.SpawnError{Command: command, Err: fmt.Errorf("%s is a directory", path)}
	}

	return path, nil
}
