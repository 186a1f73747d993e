package commands

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"tasksync/internal/app"
	"tasksync/internal/config"
	"tasksync/internal/exitcode"
)

func init() {
	Register(&WatchCmd{})
}

// WatchCmd runs the sync engine in the foreground and prints every change
// until interrupted.
type WatchCmd struct{}

func (c *WatchCmd) Name() string      { return "watch" }
func (c *WatchCmd) Aliases() []string { return []string{"daemon"} }
func (c *WatchCmd) Synopsis() string  { return "Sync in the background and print changes" }
func (c *WatchCmd) Usage() string     { return "tasksync watch" }
func (c *WatchCmd) NeedsApp() bool    { return true }

func (c *WatchCmd) RegisterFlags(fs *flag.FlagSet) {}

func (c *WatchCmd) Run(ctx context.Context, cfg *config.Config, a *app.App, args []string, out, errOut io.Writer) int {
	sub := a.Subscribe()
	defer sub.Close()

	if err := a.Start(ctx); err != nil {
		return fail(errOut, err)
	}
	if !cfg.Quiet {
		fmt.Fprintln(errOut, "watching for changes (Ctrl-C to stop)")
	}

	for {
		select {
		case <-ctx.Done():
			return exitcode.Success
		case ev, ok := <-sub.C():
			if !ok {
				return exitcode.Success
			}
			n := "all"
			if ev.TaskIDs != nil {
				n = fmt.Sprint(len(ev.TaskIDs))
			}
			fmt.Fprintf(out, "%s  %s change, %s tasks\n", time.Now().Format(time.TimeOnly), ev.Origin, n)
		}
	}
}
