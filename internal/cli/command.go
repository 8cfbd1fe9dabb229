package cli

import (
	"fmt"
	"os"
	"sort"

	"github.com/wagiedev/mcp-channel-go/internal/config"
)

// HostEnvVar is set in every worker environment so a worker can tell it was
// launched by a channel rather than by hand.
const HostEnvVar = "MCP_CHANNEL_HOST"

// ResolveWorkdir returns the worker working directory: options.Cwd, or the
// host's current directory when unset.
func ResolveWorkdir(options *config.Options) (string, error) {
	if options.Cwd != "" {
		return options.Cwd, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}

	return cwd, nil
}

// BuildEnvironment constructs the worker environment.
//
// The host environment is inherited unless options.IsolateEnv is set.
// User-provided variables are appended in key order so they override
// inherited ones (later entries win in os/exec).
func BuildEnvironment(options *config.Options, workdir string) []string {
	var env []string
	if !options.IsolateEnv {
		env = os.Environ()
	}

	env = append(env, HostEnvVar+"="+config.DefaultClientName)

	if options.WorkdirEnvVar != "" {
		env = append(env, fmt.Sprintf("%s=%s", options.WorkdirEnvVar, workdir))
	}

	keys := make([]string, 0, len(options.Env))
	for key := range options.Env {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		env = append(env, fmt.Sprintf("%s=%s", key, options.Env[key]))
	}

	return env
}
