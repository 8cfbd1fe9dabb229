// Command mcpchan drives a worker process from the command line.
//
// The worker is taken from --command or from a TOML config file:
//
//	mcpchan --command ./echo-worker tools
//	mcpchan --config workers.toml --server jobs call search --args '{"q":"go"}'
//	mcpchan --command ./echo-worker invoke echo --params '{"x":1}'
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	mcpchannel "github.com/wagiedev/mcp-channel-go"
	"github.com/wagiedev/mcp-channel-go/internal/config"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	server     string
	command    string
	args       []string
	cwd        string
	env        map[string]string
	permits    int
	timeout    time.Duration
	verbose    bool
}

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}

	return "dev"
}

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "mcpchan",
		Short:         "Call methods and tools on a local worker process",
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "TOML file with [servers.<name>] entries")
	pf.StringVar(&flags.server, "server", "", "server name in the config file (optional when it has one server)")
	pf.StringVar(&flags.command, "command", "", "worker executable (overrides --config)")
	pf.StringArrayVar(&flags.args, "arg", nil, "worker argument (repeatable)")
	pf.StringVar(&flags.cwd, "cwd", "", "worker working directory")
	pf.StringToStringVar(&flags.env, "env", nil, "extra worker environment, KEY=VALUE")
	pf.IntVar(&flags.permits, "permits", 0, "maximum concurrent calls (default 2)")
	pf.DurationVar(&flags.timeout, "timeout", 0, "per-call timeout (default 60s)")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "log channel activity to stderr")

	root.AddCommand(
		newToolsCommand(flags),
		newCallCommand(flags),
		newInvokeCommand(flags),
		newPingCommand(flags),
	)

	return root
}

// buildOptions merges the config file entry with command-line overrides.
func buildOptions(flags *globalFlags, stderr io.Writer) (*config.Options, error) {
	options := &config.Options{}

	if flags.command == "" {
		if flags.configPath == "" {
			return nil, fmt.Errorf("either --command or --config is required")
		}

		file, err := config.LoadFile(flags.configPath)
		if err != nil {
			return nil, err
		}

		server, err := file.Server(flags.server)
		if err != nil {
			return nil, err
		}

		if err := server.ApplyTo(options); err != nil {
			return nil, fmt.Errorf("server %s: %w", flags.server, err)
		}
	} else {
		options.Command = flags.command
		options.Args = flags.args
	}

	if flags.cwd != "" {
		options.Cwd = flags.cwd
	}

	if len(flags.env) > 0 {
		if options.Env == nil {
			options.Env = make(map[string]string, len(flags.env))
		}

		for k, v := range flags.env {
			options.Env[k] = v
		}
	}

	if flags.permits > 0 {
		options.Permits = flags.permits
	}

	if flags.timeout > 0 {
		options.CallTimeout = flags.timeout
	}

	level := slog.LevelWarn
	if flags.verbose {
		level = slog.LevelDebug
	}

	options.Logger = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	return options, nil
}

// withChannel starts a channel for one command and stops it afterwards.
func withChannel(cmd *cobra.Command, flags *globalFlags, fn func(context.Context, mcpchannel.Channel) error) error {
	options, err := buildOptions(flags, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ch := mcpchannel.NewChannelFromOptions(options)
	if err := ch.Start(ctx); err != nil {
		return err
	}

	defer func() {
		if stopErr := ch.Stop(context.WithoutCancel(ctx)); stopErr != nil {
			options.Logger.Warn("failed to stop channel", "error", stopErr)
		}
	}()

	return fn(ctx, ch)
}

func newToolsCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the worker's tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withChannel(cmd, flags, func(ctx context.Context, ch mcpchannel.Channel) error {
				tools, err := ch.ListTools(ctx)
				if err != nil {
					return err
				}

				for _, tool := range tools {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", tool.Name, tool.Description)
				}

				return nil
			})
		},
	}
}

func newCallCommand(flags *globalFlags) *cobra.Command {
	var rawArgs string

	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Call a worker tool and print its text output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arguments, err := parseJSONObject("--args", rawArgs)
			if err != nil {
				return err
			}

			return withChannel(cmd, flags, func(ctx context.Context, ch mcpchannel.Channel) error {
				result, err := ch.CallTool(ctx, args[0], arguments)
				if err != nil {
					return err
				}

				fmt.Fprintln(cmd.OutOrStdout(), mcpchannel.ResultText(result))

				if result.IsError {
					return fmt.Errorf("tool %s reported an error", args[0])
				}

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&rawArgs, "args", "{}", "tool arguments as a JSON object")

	return cmd
}

func newInvokeCommand(flags *globalFlags) *cobra.Command {
	var rawParams string

	cmd := &cobra.Command{
		Use:   "invoke <method>",
		Short: "Call a raw method and print its JSON result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseJSONObject("--params", rawParams)
			if err != nil {
				return err
			}

			return withChannel(cmd, flags, func(ctx context.Context, ch mcpchannel.Channel) error {
				result, err := ch.Call(ctx, args[0], params)
				if err != nil {
					return err
				}

				fmt.Fprintln(cmd.OutOrStdout(), string(result))

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&rawParams, "params", "{}", "method params as a JSON object")

	return cmd
}

func newPingCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Start the worker, handshake and ping it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withChannel(cmd, flags, func(ctx context.Context, ch mcpchannel.Channel) error {
				start := time.Now()

				if err := ch.Ping(ctx); err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "pong from pid %d in %s\n", ch.Pid(), time.Since(start).Round(time.Microsecond))

				return nil
			})
		},
	}
}

// parseJSONObject validates that raw is a JSON object and returns it unparsed.
func parseJSONObject(flag, raw string) (json.RawMessage, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, fmt.Errorf("%s must be a JSON object: %w", flag, err)
	}

	return json.RawMessage(raw), nil
}
