package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
)

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// File is the on-disk worker configuration used by the mcpchan CLI.
//
//	[servers.jobs]
//	command = "python"
//	args = ["core/serve.py"]
//	cwd = "${HOME}/src/jobs"
//	workdir_env = "PYTHONPATH"
//	permits = 2
//	call_timeout = "60s"
//
//	[servers.jobs.env]
//	GMAIL_MAX_RESULTS = "10"
type File struct {
	Servers map[string]ServerConfig `toml:"servers"`
}

// ServerConfig describes how to launch and talk to a single worker.
type ServerConfig struct {
	Command          string            `toml:"command"`
	Args             []string          `toml:"args"`
	Env              map[string]string `toml:"env"`
	Cwd              string            `toml:"cwd"`
	WorkdirEnv       string            `toml:"workdir_env"`
	Permits          int               `toml:"permits"`
	CallTimeout      string            `toml:"call_timeout"`
	HandshakeTimeout string            `toml:"handshake_timeout"`
	GracePeriod      string            `toml:"grace_period"`
}

// LoadFile reads and parses a worker config file, expanding ${ENV_VAR}
// placeholders from the current environment.
// If the file does not exist, it returns an empty File (no error).
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{Servers: make(map[string]ServerConfig)}, nil
		}

		return nil, fmt.Errorf("reading config: %w", err)
	}

	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if f.Servers == nil {
		f.Servers = make(map[string]ServerConfig)
	}

	for name, srv := range f.Servers {
		f.Servers[name] = expandServer(srv)
	}

	return &f, nil
}

// Server returns the named server, or the only server when name is empty.
func (f *File) Server(name string) (ServerConfig, error) {
	if name == "" {
		if len(f.Servers) == 1 {
			for _, srv := range f.Servers {
				return srv, nil
			}
		}

		return ServerConfig{}, fmt.Errorf("config defines %d servers, choose one of %v", len(f.Servers), f.Names())
	}

	srv, ok := f.Servers[name]
	if !ok {
		return ServerConfig{}, fmt.Errorf("unknown server: %s", name)
	}

	return srv, nil
}

// Names returns the configured server names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Servers))
	for name := range f.Servers {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// ApplyTo copies the server settings onto opts. Durations use time.ParseDuration syntax.
func (s ServerConfig) ApplyTo(opts *Options) error {
	if s.Command == "" {
		return fmt.Errorf("server has no command")
	}

	opts.Command = s.Command
	opts.Args = append([]string(nil), s.Args...)
	opts.Cwd = s.Cwd
	opts.WorkdirEnvVar = s.WorkdirEnv

	if len(s.Env) > 0 {
		opts.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			opts.Env[k] = v
		}
	}

	if s.Permits > 0 {
		opts.Permits = s.Permits
	}

	durations := []struct {
		field string
		raw   string
		dst   *time.Duration
	}{
		{"call_timeout", s.CallTimeout, &opts.CallTimeout},
		{"handshake_timeout", s.HandshakeTimeout, &opts.HandshakeTimeout},
		{"grace_period", s.GracePeriod, &opts.GracePeriod},
	}

	for _, d := range durations {
		if d.raw == "" {
			continue
		}

		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.field, err)
		}

		*d.dst = v
	}

	return nil
}

func expandServer(s ServerConfig) ServerConfig {
	s.Command = expandEnvVars(s.Command)
	s.Cwd = expandEnvVars(s.Cwd)

	if len(s.Args) > 0 {
		args := make([]string, len(s.Args))
		for i, a := range s.Args {
			args[i] = expandEnvVars(a)
		}

		s.Args = args
	}

	if len(s.Env) > 0 {
		env := make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			env[k] = expandEnvVars(v)
		}

		s.Env = env
	}

	return s
}

// expandEnvVars replaces ${VAR} with the value from the environment.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarRe.FindStringSubmatch(match)[1]

		return os.Getenv(name)
	})
}
