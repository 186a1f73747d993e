package commands

import (
	"context"
	"flag"
	"fmt"
	"io"

	"tasksync/internal/app"
	"tasksync/internal/config"
	"tasksync/internal/engine"
	"tasksync/internal/exitcode"
	"tasksync/internal/output"
)

func init() {
	Register(&SyncCmd{})
	Register(&SyncCmd{full: true})
	Register(&StatusCmd{})
	Register(&PendingCmd{})
}

// SyncCmd implements the sync and resync commands.
type SyncCmd struct {
	full bool
}

func (c *SyncCmd) Name() string {
	if c.full {
		return "resync"
	}
	return "sync"
}

func (c *SyncCmd) Aliases() []string { return nil }

func (c *SyncCmd) Synopsis() string {
	if c.full {
		return "Refetch every remote task, then push local changes"
	}
	return "Pull remote changes and push local ones"
}

func (c *SyncCmd) Usage() string  { return "tasksync " + c.Name() }
func (c *SyncCmd) NeedsApp() bool { return true }

func (c *SyncCmd) RegisterFlags(fs *flag.FlagSet) {}

func (c *SyncCmd) Run(ctx context.Context, cfg *config.Config, a *app.App, args []string, out, errOut io.Writer) int {
	var (
		res engine.Result
		err error
	)
	if c.full {
		res, err = a.Resync(ctx)
	} else {
		res, err = a.Sync(ctx)
	}
	if err != nil {
		return fail(errOut, err)
	}
	if !cfg.Quiet {
		output.FormatResult(out, res)
	}
	return exitcode.Success
}

// StatusCmd implements the status command.
type StatusCmd struct {
	format string
}

func (c *StatusCmd) Name() string      { return "status" }
func (c *StatusCmd) Aliases() []string { return nil }
func (c *StatusCmd) Synopsis() string  { return "Show sync status" }
func (c *StatusCmd) Usage() string     { return "tasksync status [--format text|json|yaml]" }
func (c *StatusCmd) NeedsApp() bool    { return true }

func (c *StatusCmd) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.format, "format", "text", "")
}

func (c *StatusCmd) Run(ctx context.Context, cfg *config.Config, a *app.App, args []string, out, errOut io.Writer) int {
	format, err := output.ParseFormat(c.format)
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
		return exitcode.UserError
	}

	st, err := a.Status(ctx)
	if err != nil {
		return fail(errOut, err)
	}
	stats, err := a.Stats(ctx)
	if err != nil {
		return fail(errOut, err)
	}

	backend := cfg.Settings.Backend
	if backend == "" {
		backend = config.BackendNone
	}
	if format.Structured() {
		if err := output.Encode(out, format, output.NewStatusView(backend, st, stats)); err != nil {
			fmt.Fprintf(errOut, "error: %v\n", err)
			return exitcode.UserError
		}
		return exitcode.Success
	}
	output.FormatStatus(out, backend, st, stats)
	return exitcode.Success
}

// PendingCmd implements the pending command.
type PendingCmd struct{}

func (c *PendingCmd) Name() string      { return "pending" }
func (c *PendingCmd) Aliases() []string { return nil }
func (c *PendingCmd) Synopsis() string  { return "List local changes not yet pushed" }
func (c *PendingCmd) Usage() string     { return "tasksync pending" }
func (c *PendingCmd) NeedsApp() bool    { return true }

func (c *PendingCmd) RegisterFlags(fs *flag.FlagSet) {}

func (c *PendingCmd) Run(ctx context.Context, cfg *config.Config, a *app.App, args []string, out, errOut io.Writer) int {
	entries, err := a.Pending(ctx)
	if err != nil {
		return fail(errOut, err)
	}
	if len(entries) == 0 {
		if !cfg.Quiet {
			fmt.Fprintln(out, "nothing pending")
		}
		return exitcode.Success
	}

	for _, m := range entries {
		id := m.TaskID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Fprintf(out, "%4d  %-6s  %s  attempts %d", m.ID, m.Kind, id, m.Attempts)
		if m.LastError != "" {
			fmt.Fprintf(out, "  last error: %s", m.LastError)
		}
		fmt.Fprintln(out)
	}
	return exitcode.Success
}
