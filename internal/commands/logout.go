package commands

import (
	"context"
	"flag"
	"fmt"
	"io"

	"tasksync/internal/app"
	"tasksync/internal/backend/googletasks"
	"tasksync/internal/config"
	"tasksync/internal/exitcode"
)

func init() {
	Register(&LogoutCmd{})
}

// LogoutCmd revokes the stored Google token and deletes it. Local tasks and
// queued changes are kept; they sync again after the next login.
type LogoutCmd struct {
	local bool
}

func (c *LogoutCmd) Name() string      { return "logout" }
func (c *LogoutCmd) Aliases() []string { return nil }
func (c *LogoutCmd) Synopsis() string  { return "Revoke and remove stored Google credentials" }
func (c *LogoutCmd) Usage() string     { return "tasksync logout [--local]" }
func (c *LogoutCmd) NeedsApp() bool    { return false }

func (c *LogoutCmd) RegisterFlags(fs *flag.FlagSet) {
	fs.BoolVar(&c.local, "local", false, "")
}

func (c *LogoutCmd) Run(ctx context.Context, cfg *config.Config, a *app.App, args []string, out, errOut io.Writer) int {
	if !cfg.HasToken() {
		if !cfg.Quiet {
			fmt.Fprintln(out, "not logged in")
		}
		return exitcode.Success
	}

	revoked := false
	if !c.local {
		// A token Google cannot revoke is still removed locally.
		tok, err := googletasks.LoadToken(cfg.TokenPath())
		if err == nil {
			err = googletasks.RevokeToken(ctx, tok)
		}
		if err != nil {
			fmt.Fprintf(errOut, "warning: token not revoked: %v\n", err)
		} else {
			revoked = true
		}
	}

	if err := cfg.RemoveToken(); err != nil {
		fmt.Fprintf(errOut, "error: failed to remove token: %v\n", err)
		return exitcode.AuthError
	}

	if !cfg.Quiet {
		if revoked {
			fmt.Fprintf(out, "revoked and removed %s\n", cfg.TokenPath())
		} else {
			fmt.Fprintf(out, "removed %s\n", cfg.TokenPath())
		}
	}
	return exitcode.Success
}
