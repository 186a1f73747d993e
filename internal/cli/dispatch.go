package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"tasksync/internal/app"
	"tasksync/internal/commands"
	"tasksync/internal/config"
	"tasksync/internal/exitcode"
	"tasksync/internal/logging"
	"tasksync/internal/service"
)

// AppFactory opens the application for a command.
// Used to inject the remote during dispatch.
type AppFactory func(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app.App, error)

// DefaultFactory opens the app with the backend named in the settings.
func DefaultFactory(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app.App, error) {
	return app.Open(ctx, cfg, app.WithLogger(logger))
}

// Dispatcher handles command-line parsing and dispatch.
type Dispatcher struct {
	registry *commands.Registry
	factory  AppFactory
}

// NewDispatcher creates a new dispatcher with the given registry and app
// factory. A nil factory uses DefaultFactory.
func NewDispatcher(registry *commands.Registry, factory AppFactory) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		factory:  factory,
	}
}

// Run parses arguments and dispatches to the appropriate command.
// Returns the exit code.
func (d *Dispatcher) Run(ctx context.Context, args []string, out, errOut io.Writer) int {
	// No args -> dispatch to "list" command with no args
	if len(args) == 0 {
		return d.dispatch(ctx, "list", nil, out, errOut)
	}

	cmdName := args[0]

	// If first token starts with -, it's an error (flags require a command)
	if strings.HasPrefix(cmdName, "-") {
		fmt.Fprintf(errOut, "error: unknown command: %s\n", cmdName)
		return exitcode.UserError
	}

	return d.dispatch(ctx, cmdName, args[1:], out, errOut)
}

func (d *Dispatcher) dispatch(ctx context.Context, cmdName string, args []string, out, errOut io.Writer) int {
	cmd, ok := d.registry.Find(cmdName)
	if !ok {
		fmt.Fprintf(errOut, "error: unknown command: %s\n", cmdName)
		return exitcode.UserError
	}
	return d.dispatchCommand(ctx, cmd, args, out, errOut)
}

func (d *Dispatcher) dispatchCommand(ctx context.Context, cmd commands.Command, args []string, out, errOut io.Writer) int {
	// Create flag set with custom error handling
	fs := flag.NewFlagSet(cmd.Name(), flag.ContinueOnError)
	fs.SetOutput(io.Discard) // We handle errors ourselves

	// Common flags
	var configDir string
	var quiet bool
	var debug bool

	fs.StringVar(&configDir, "config", "", "")
	fs.BoolVar(&quiet, "quiet", false, "")
	fs.BoolVar(&quiet, "q", false, "")
	fs.BoolVar(&debug, "debug", false, "")

	cmd.RegisterFlags(fs)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(out, "Usage: %s\n", cmd.Usage())
			return exitcode.Success
		}
		fmt.Fprintf(errOut, "error: %s\n", flagError(err))
		return exitcode.UserError
	}

	// Check if first positional arg starts with - (should have been parsed as flag)
	positionalArgs := fs.Args()
	if len(positionalArgs) > 0 && strings.HasPrefix(positionalArgs[0], "-") {
		fmt.Fprintf(errOut, "error: unknown flag: %s\n", positionalArgs[0])
		return exitcode.UserError
	}

	cfg, err := config.New(configDir)
	if err != nil {
		fmt.Fprintf(errOut, "error: config error: %s\n", err)
		return exitcode.AuthError
	}
	cfg.Quiet = quiet
	cfg.Debug = debug

	logger := logging.New(errOut, cfg.Settings.LogLevel, debug).With().Str("command", cmd.Name()).Logger()
	logger.Debug().Str("config_dir", cfg.Dir).Str("backend", cfg.Settings.Backend).Msg("dispatching")

	if !cmd.NeedsApp() {
		return cmd.Run(ctx, cfg, nil, positionalArgs, out, errOut)
	}

	factory := d.factory
	if factory == nil {
		if code, ok := checkGoogleAuth(cfg, errOut); !ok {
			return code
		}
		factory = DefaultFactory
	}

	a, err := factory(ctx, cfg, logger)
	if err != nil {
		return openError(errOut, err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close app")
		}
	}()

	return cmd.Run(ctx, cfg, a, positionalArgs, out, errOut)
}

// checkGoogleAuth reports missing Google credentials before the backend is
// created.
func checkGoogleAuth(cfg *config.Config, errOut io.Writer) (int, bool) {
	if cfg.Settings.Backend != config.BackendGoogle {
		return exitcode.Success, true
	}
	if !cfg.HasOAuthClient() {
		fmt.Fprintf(errOut, "error: oauth_client.json not found in %s\n", cfg.Dir)
		return exitcode.AuthError, false
	}
	if !cfg.HasToken() {
		fmt.Fprintln(errOut, "error: not logged in (run: tasksync login)")
		return exitcode.AuthError, false
	}
	return exitcode.Success, true
}

func openError(errOut io.Writer, err error) int {
	var lse *service.LocalStorageError
	msg := err.Error()
	switch {
	case errors.As(err, &lse), strings.Contains(msg, "database"), strings.Contains(msg, "schema"):
		fmt.Fprintf(errOut, "error: storage error: %s\n", err)
		return exitcode.StorageError
	case strings.Contains(msg, "token"), strings.Contains(msg, "oauth"), strings.Contains(msg, "URL"),
		strings.Contains(msg, "backend"):
		fmt.Fprintf(errOut, "error: config error: %s\n", err)
		return exitcode.AuthError
	default:
		fmt.Fprintf(errOut, "error: %s\n", err)
		return exitcode.BackendError
	}
}

// flagError rewrites flag package errors into the CLI's wording.
func flagError(err error) string {
	errStr := err.Error()

	// Missing flag value: "flag needs an argument: -due"
	if strings.HasPrefix(errStr, "flag needs an argument:") {
		name := strings.TrimSpace(strings.TrimPrefix(errStr, "flag needs an argument:"))
		return "flag needs an argument: " + name
	}

	// Unknown flag: "flag provided but not defined: -x"
	if strings.HasPrefix(errStr, "flag provided but not defined:") {
		return "unknown flag: " + strings.TrimPrefix(errStr, "flag provided but not defined: ")
	}

	return errStr
}
