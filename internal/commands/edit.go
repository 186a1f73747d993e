package commands

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"tasksync/internal/app"
	"tasksync/internal/config"
	"tasksync/internal/exitcode"
	"tasksync/internal/service"
)

func init() {
	Register(&EditCmd{})
}

// EditCmd implements the edit command. Only the given fields change.
type EditCmd struct {
	edits []func(*service.Task)
}

func (c *EditCmd) Name() string      { return "edit" }
func (c *EditCmd) Aliases() []string { return nil }
func (c *EditCmd) Synopsis() string  { return "Change a task" }
func (c *EditCmd) Usage() string {
	return "tasksync edit [--title <t>] [--priority <p>] [--due <date|none>] [--notes <text>] [--subtask <title>] <ref>"
}
func (c *EditCmd) NeedsApp() bool { return true }

func (c *EditCmd) RegisterFlags(fs *flag.FlagSet) {
	c.edits = nil
	fs.Func("title", "", func(s string) error {
		s = strings.TrimSpace(s)
		if s == "" {
			return fmt.Errorf("title must not be empty")
		}
		c.edits = append(c.edits, func(t *service.Task) { t.Title = s })
		return nil
	})
	fs.Func("priority", "", func(s string) error {
		p, err := service.ParsePriority(s)
		if err != nil {
			return err
		}
		c.edits = append(c.edits, func(t *service.Task) { t.Priority = p })
		return nil
	})
	fs.Func("due", "", func(s string) error {
		due, err := parseDue(s, time.Now())
		if err != nil {
			return err
		}
		c.edits = append(c.edits, func(t *service.Task) { t.Due = due })
		return nil
	})
	fs.Func("notes", "", func(s string) error {
		c.edits = append(c.edits, func(t *service.Task) { t.Notes = s })
		return nil
	})
	fs.Func("subtask", "", func(s string) error {
		s = strings.TrimSpace(s)
		if s == "" {
			return fmt.Errorf("subtask title must not be empty")
		}
		c.edits = append(c.edits, func(t *service.Task) {
			t.Subtasks = append(t.Subtasks, service.Subtask{Title: s})
		})
		return nil
	})
}

func (c *EditCmd) Run(ctx context.Context, cfg *config.Config, a *app.App, args []string, out, errOut io.Writer) int {
	task, err := resolveArgs(ctx, a, args)
	if err != nil {
		return fail(errOut, err)
	}
	if len(c.edits) == 0 {
		fmt.Fprintln(errOut, "error: nothing to change")
		return exitcode.UserError
	}

	_, err = a.Update(ctx, task.ID, func(t *service.Task) {
		for _, edit := range c.edits {
			edit(t)
		}
	})
	if err != nil {
		return fail(errOut, err)
	}
	return printOK(cfg, out)
}
