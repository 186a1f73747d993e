package commands

import (
	"context"
	"flag"
	"io"

	"tasksync/internal/app"
	"tasksync/internal/config"
)

func init() {
	Register(&DoneCmd{})
	Register(&DoneCmd{reopen: true})
}

// DoneCmd implements the done and undone commands.
type DoneCmd struct {
	reopen bool
}

func (c *DoneCmd) Name() string {
	if c.reopen {
		return "undone"
	}
	return "done"
}

func (c *DoneCmd) Aliases() []string {
	if c.reopen {
		return []string{"reopen"}
	}
	return []string{"complete"}
}

func (c *DoneCmd) Synopsis() string {
	if c.reopen {
		return "Mark a task open again"
	}
	return "Mark a task completed"
}

func (c *DoneCmd) Usage() string  { return "tasksync " + c.Name() + " <ref>" }
func (c *DoneCmd) NeedsApp() bool { return true }

func (c *DoneCmd) RegisterFlags(fs *flag.FlagSet) {}

func (c *DoneCmd) Run(ctx context.Context, cfg *config.Config, a *app.App, args []string, out, errOut io.Writer) int {
	task, err := resolveArgs(ctx, a, args)
	if err != nil {
		return fail(errOut, err)
	}
	if _, err := a.Complete(ctx, task.ID, !c.reopen); err != nil {
		return fail(errOut, err)
	}
	return printOK(cfg, out)
}
