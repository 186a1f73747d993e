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
	"tasksync/internal/taskparse"
)

func init() {
	Register(&AddCmd{})
}

// AddCmd implements the add command.
type AddCmd struct {
	priority string
	due      string
	notes    string
	subtasks stringList
	parse    bool
}

func (c *AddCmd) Name() string      { return "add" }
func (c *AddCmd) Aliases() []string { return []string{"create"} }
func (c *AddCmd) Synopsis() string  { return "Create a task" }
func (c *AddCmd) Usage() string {
	return "tasksync add [--parse] [--priority <p>] [--due <date>] [--notes <text>] [--subtask <title>]... <title...>"
}
func (c *AddCmd) NeedsApp() bool { return true }

func (c *AddCmd) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.priority, "priority", "", "")
	fs.StringVar(&c.priority, "p", "", "")
	fs.StringVar(&c.due, "due", "", "")
	fs.StringVar(&c.notes, "notes", "", "")
	fs.StringVar(&c.notes, "n", "", "")
	c.subtasks = nil
	fs.Var(&c.subtasks, "subtask", "")
	fs.BoolVar(&c.parse, "parse", false, "")
}

func (c *AddCmd) Run(ctx context.Context, cfg *config.Config, a *app.App, args []string, out, errOut io.Writer) int {
	title := strings.TrimSpace(strings.Join(args, " "))
	if title == "" {
		fmt.Fprintln(errOut, "error: title required")
		return exitcode.UserError
	}

	task := service.Task{Title: title}
	if c.parse {
		// Flags override what the text implies.
		task = taskparse.Parse(title, time.Now())
	}
	if c.notes != "" {
		task.Notes = c.notes
	}
	if c.priority != "" {
		p, err := service.ParsePriority(c.priority)
		if err != nil {
			fmt.Fprintf(errOut, "error: %v\n", err)
			return exitcode.UserError
		}
		task.Priority = p
	}
	if c.due != "" {
		due, err := parseDue(c.due, time.Now())
		if err != nil {
			fmt.Fprintf(errOut, "error: %v\n", err)
			return exitcode.UserError
		}
		task.Due = due
	}
	for _, st := range c.subtasks {
		if st = strings.TrimSpace(st); st != "" {
			task.Subtasks = append(task.Subtasks, service.Subtask{Title: st})
		}
	}

	if _, err := a.Create(ctx, task); err != nil {
		return fail(errOut, err)
	}
	return printOK(cfg, out)
}
