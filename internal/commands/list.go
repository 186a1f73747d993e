package commands

import (
	"context"
	"flag"
	"fmt"
	"io"

	"tasksync/internal/app"
	"tasksync/internal/config"
	"tasksync/internal/exitcode"
	"tasksync/internal/output"
	"tasksync/internal/service"
)

func init() {
	Register(&ListCmd{})
	Register(&ShowCmd{})
}

// ListCmd implements the list command.
// Handles both `tasksync` (no args) and `tasksync list`.
type ListCmd struct {
	all        bool
	completed  bool
	errorsOnly bool
	format     string
}

func (c *ListCmd) Name() string      { return "list" }
func (c *ListCmd) Aliases() []string { return []string{"ls"} }
func (c *ListCmd) Synopsis() string  { return "List tasks" }
func (c *ListCmd) Usage() string {
	return "tasksync list [--all | --completed] [--errors] [--format text|json|yaml]"
}
func (c *ListCmd) NeedsApp() bool { return true }

func (c *ListCmd) RegisterFlags(fs *flag.FlagSet) {
	fs.BoolVar(&c.all, "all", false, "")
	fs.BoolVar(&c.all, "a", false, "")
	fs.BoolVar(&c.completed, "completed", false, "")
	fs.BoolVar(&c.errorsOnly, "errors", false, "")
	fs.StringVar(&c.format, "format", "text", "")
}

// numbered is a task with its number in the full listing.
type numbered struct {
	num  int
	task service.Task
}

func (c *ListCmd) Run(ctx context.Context, cfg *config.Config, a *app.App, args []string, out, errOut io.Writer) int {
	if len(args) > 0 {
		fmt.Fprintf(errOut, "error: unexpected argument: %s\n", args[0])
		return exitcode.UserError
	}
	if c.all && c.completed {
		fmt.Fprintln(errOut, "error: cannot use both --all and --completed")
		return exitcode.UserError
	}
	format, err := output.ParseFormat(c.format)
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
		return exitcode.UserError
	}

	open, done, err := listing(ctx, a)
	if err != nil {
		return fail(errOut, err)
	}

	showOpen := !c.completed
	showDone := c.all || c.completed || c.errorsOnly
	if !showOpen {
		open = nil
	}
	if !showDone {
		done = nil
	}
	if c.errorsOnly {
		open, done = withSyncError(open), withSyncError(done)
	}

	if format.Structured() {
		tasks := make([]service.Task, 0, len(open)+len(done))
		for _, n := range open {
			tasks = append(tasks, n.task)
		}
		for _, n := range done {
			tasks = append(tasks, n.task)
		}
		if err := output.Encode(out, format, output.NewTaskViews(tasks)); err != nil {
			fmt.Fprintf(errOut, "error: %v\n", err)
			return exitcode.UserError
		}
		return exitcode.Success
	}

	if len(open) == 0 && len(done) == 0 {
		if !cfg.Quiet {
			fmt.Fprintln(out, "no tasks found")
		}
		return exitcode.Success
	}

	for _, n := range open {
		output.FormatTask(out, n.num, n.task)
	}
	if len(done) > 0 {
		if showOpen {
			output.FormatSectionHeader(out, "Completed", len(done))
		}
		for _, n := range done {
			output.FormatTask(out, n.num, n.task)
		}
	}
	return exitcode.Success
}

// listing returns open then completed tasks, numbered the way ResolveTask
// counts them.
func listing(ctx context.Context, a *app.App) (open, done []numbered, err error) {
	openTasks, err := a.List(ctx, service.Filter{Status: service.FilterOpen})
	if err != nil {
		return nil, nil, err
	}
	doneTasks, err := a.List(ctx, service.Filter{Status: service.FilterCompleted})
	if err != nil {
		return nil, nil, err
	}

	for i, t := range openTasks {
		open = append(open, numbered{num: i + 1, task: t})
	}
	for i, t := range doneTasks {
		done = append(done, numbered{num: len(openTasks) + i + 1, task: t})
	}
	return open, done, nil
}

func withSyncError(tasks []numbered) []numbered {
	var out []numbered
	for _, n := range tasks {
		if n.task.SyncError != "" {
			out = append(out, n)
		}
	}
	return out
}

// ShowCmd implements the show command.
type ShowCmd struct {
	format string
}

func (c *ShowCmd) Name() string      { return "show" }
func (c *ShowCmd) Aliases() []string { return nil }
func (c *ShowCmd) Synopsis() string  { return "Show one task in detail" }
func (c *ShowCmd) Usage() string     { return "tasksync show [--format text|json|yaml] <ref>" }
func (c *ShowCmd) NeedsApp() bool    { return true }

func (c *ShowCmd) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.format, "format", "text", "")
}

func (c *ShowCmd) Run(ctx context.Context, cfg *config.Config, a *app.App, args []string, out, errOut io.Writer) int {
	format, err := output.ParseFormat(c.format)
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
		return exitcode.UserError
	}
	task, err := resolveArgs(ctx, a, args)
	if err != nil {
		return fail(errOut, err)
	}

	if format.Structured() {
		if err := output.Encode(out, format, output.NewTaskView(task)); err != nil {
			fmt.Fprintf(errOut, "error: %v\n", err)
			return exitcode.UserError
		}
		return exitcode.Success
	}
	output.FormatTaskDetail(out, task)
	return exitcode.Success
}
