package commands

import (
	"context"
	"flag"
	"fmt"
	"io"
	"runtime"

	"tasksync/internal/app"
	"tasksync/internal/config"
	"tasksync/internal/exitcode"
	"tasksync/internal/output"
)

func init() {
	Register(&VersionCmd{})
}

// VersionCmd implements the version command.
type VersionCmd struct {
	short  bool
	format string
}

func (c *VersionCmd) Name() string      { return "version" }
func (c *VersionCmd) Aliases() []string { return nil }
func (c *VersionCmd) Synopsis() string  { return "Print version and install details" }
func (c *VersionCmd) Usage() string     { return "tasksync version [--short] [--format text|json|yaml]" }
func (c *VersionCmd) NeedsApp() bool    { return false }

func (c *VersionCmd) RegisterFlags(fs *flag.FlagSet) {
	fs.BoolVar(&c.short, "short", false, "")
	fs.StringVar(&c.format, "format", "text", "")
}

func (c *VersionCmd) Run(ctx context.Context, cfg *config.Config, a *app.App, args []string, out, errOut io.Writer) int {
	if c.short {
		fmt.Fprintln(out, app.Version)
		return exitcode.Success
	}
	format, err := output.ParseFormat(c.format)
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
		return exitcode.UserError
	}

	view := versionView(cfg)
	if format.Structured() {
		if err := output.Encode(out, format, view); err != nil {
			fmt.Fprintf(errOut, "error: %v\n", err)
			return exitcode.UserError
		}
		return exitcode.Success
	}
	output.FormatVersion(out, view)
	return exitcode.Success
}

func versionView(cfg *config.Config) output.VersionView {
	backend := cfg.Settings.Backend
	if backend == "" {
		backend = config.BackendNone
	}
	v := output.VersionView{
		Version:   app.Version,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Backend:   backend,
		ConfigDir: cfg.Dir,
	}
	if cfg.Dir != "" {
		v.LoggedIn = cfg.HasToken()
	}
	return v
}
