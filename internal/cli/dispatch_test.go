package cli_test

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"tasksync/internal/app"
	"tasksync/internal/cli"
	"tasksync/internal/commands"
	"tasksync/internal/config"
	"tasksync/internal/exitcode"
	"tasksync/internal/service"
	"tasksync/internal/testutil"
)

// testFactory opens the app against remote. A nil remote works offline.
func testFactory(remote service.Remote) cli.AppFactory {
	return func(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app.App, error) {
		return app.Open(ctx, cfg, app.WithRemote(remote), app.WithLogger(logger))
	}
}

// run dispatches args with --config pointing at dir.
func run(t *testing.T, d *cli.Dispatcher, dir string, args ...string) (stdout, stderr string, code int) {
	t.Helper()
	var outBuf, errBuf bytes.Buffer
	if len(args) > 0 {
		args = append([]string{args[0], "--config", dir}, args[1:]...)
	}
	code = d.Run(context.Background(), args, &outBuf, &errBuf)
	return outBuf.String(), errBuf.String(), code
}

func TestDispatcher_UnknownCommand(t *testing.T) {
	dispatcher := cli.NewDispatcher(commands.DefaultRegistry, testFactory(nil))

	var stdout, stderr bytes.Buffer
	code := dispatcher.Run(context.Background(), []string{"unknowncmd"}, &stdout, &stderr)

	if code != exitcode.UserError {
		t.Errorf("expected exit code %d, got %d", exitcode.UserError, code)
	}
	expected := "error: unknown command: unknowncmd\n"
	if stderr.String() != expected {
		t.Errorf("expected %q, got %q", expected, stderr.String())
	}
}

func TestDispatcher_FlagBeforeCommand(t *testing.T) {
	dispatcher := cli.NewDispatcher(commands.DefaultRegistry, testFactory(nil))

	var stdout, stderr bytes.Buffer
	code := dispatcher.Run(context.Background(), []string{"--quiet"}, &stdout, &stderr)

	if code != exitcode.UserError {
		t.Errorf("expected exit code %d, got %d", exitcode.UserError, code)
	}
	expected := "error: unknown command: --quiet\n"
	if stderr.String() != expected {
		t.Errorf("expected %q, got %q", expected, stderr.String())
	}
}

func TestDispatcher_HelpCommand(t *testing.T) {
	dispatcher := cli.NewDispatcher(commands.DefaultRegistry, testFactory(nil))

	stdout, stderr, code := run(t, dispatcher, t.TempDir(), "help")

	if code != exitcode.Success {
		t.Errorf("expected exit code %d, got %d", exitcode.Success, code)
	}
	if stderr != "" {
		t.Errorf("expected no stderr, got %q", stderr)
	}
	for _, want := range []string{"Usage:", "tasksync sync", "TASKSYNC_BACKEND"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("expected help output to contain %q", want)
		}
	}
}

func TestDispatcher_VersionCommand(t *testing.T) {
	dispatcher := cli.NewDispatcher(commands.DefaultRegistry, testFactory(nil))

	stdout, stderr, code := run(t, dispatcher, t.TempDir(), "version")

	if code != exitcode.Success {
		t.Errorf("expected exit code %d, got %d", exitcode.Success, code)
	}
	if stderr != "" {
		t.Errorf("expected no stderr, got %q", stderr)
	}
	if stdout != "tasksync 0.1.0\n" {
		t.Errorf("expected 'tasksync 0.1.0\\n', got %q", stdout)
	}
}

func TestDispatcher_UnknownFlag(t *testing.T) {
	dispatcher := cli.NewDispatcher(commands.DefaultRegistry, testFactory(nil))

	var stdout, stderr bytes.Buffer
	code := dispatcher.Run(context.Background(), []string{"help", "--unknown"}, &stdout, &stderr)

	if code != exitcode.UserError {
		t.Errorf("expected exit code %d, got %d", exitcode.UserError, code)
	}
	expected := "error: unknown flag: -unknown\n"
	if stderr.String() != expected {
		t.Errorf("expected %q, got %q", expected, stderr.String())
	}
}

func TestDispatcher_MissingFlagValue(t *testing.T) {
	dispatcher := cli.NewDispatcher(commands.DefaultRegistry, testFactory(nil))

	_, stderr, code := run(t, dispatcher, t.TempDir(), "add", "--due")

	if code != exitcode.UserError {
		t.Errorf("expected exit code %d, got %d", exitcode.UserError, code)
	}
	expected := "error: flag needs an argument: -due\n"
	if stderr != expected {
		t.Errorf("expected %q, got %q", expected, stderr)
	}
}

func TestDispatcher_InvalidFlagValue(t *testing.T) {
	dispatcher := cli.NewDispatcher(commands.DefaultRegistry, testFactory(nil))

	_, stderr, code := run(t, dispatcher, t.TempDir(), "edit", "--priority", "someday", "1")

	if code != exitcode.UserError {
		t.Errorf("expected exit code %d, got %d", exitcode.UserError, code)
	}
	if !strings.Contains(stderr, "invalid priority") {
		t.Errorf("expected invalid priority error, got %q", stderr)
	}
}

func TestDispatcher_CommandHelpFlag(t *testing.T) {
	dispatcher := cli.NewDispatcher(commands.DefaultRegistry, testFactory(nil))

	stdout, _, code := run(t, dispatcher, t.TempDir(), "add", "--help")

	if code != exitcode.Success {
		t.Errorf("expected exit code %d, got %d", exitcode.Success, code)
	}
	if !strings.HasPrefix(stdout, "Usage: tasksync add") {
		t.Errorf("expected add usage, got %q", stdout)
	}
}

func TestDispatcher_NoArgsListsTasks(t *testing.T) {
	base := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", base)
	dir := filepath.Join(base, config.AppName)
	dispatcher := cli.NewDispatcher(commands.DefaultRegistry, testFactory(nil))

	if _, stderr, code := run(t, dispatcher, dir, "add", "Buy milk"); code != exitcode.Success {
		t.Fatalf("add failed with %d: %s", code, stderr)
	}

	var stdout, stderr bytes.Buffer
	code := dispatcher.Run(context.Background(), nil, &stdout, &stderr)
	if code != exitcode.Success {
		t.Fatalf("list failed with %d: %s", code, stderr.String())
	}
	if stdout.String() != "   1  [ ] Buy milk\n" {
		t.Errorf("unexpected list output %q", stdout.String())
	}
}

func TestDispatcher_OfflineThenSync(t *testing.T) {
	dir := t.TempDir()
	remote := testutil.NewFakeRemote()

	offline := cli.NewDispatcher(commands.DefaultRegistry, testFactory(nil))
	if _, stderr, code := run(t, offline, dir, "add", "--priority", "high", "Call dentist"); code != exitcode.Success {
		t.Fatalf("add failed with %d: %s", code, stderr)
	}
	_, stderr, code := run(t, offline, dir, "sync")
	if code != exitcode.AuthError {
		t.Errorf("sync without backend: expected exit code %d, got %d (%s)", exitcode.AuthError, code, stderr)
	}

	online := cli.NewDispatcher(commands.DefaultRegistry, testFactory(remote))
	stdout, stderr, code := run(t, online, dir, "sync")
	if code != exitcode.Success {
		t.Fatalf("sync failed with %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "pushed 1") {
		t.Errorf("unexpected sync output %q", stdout)
	}
	if remote.Len() != 1 {
		t.Errorf("remote has %d tasks, want 1", remote.Len())
	}

	stdout, _, code = run(t, online, dir, "status")
	if code != exitcode.Success {
		t.Fatalf("status failed with %d", code)
	}
	if !strings.Contains(stdout, "Pending:     0\n") {
		t.Errorf("unexpected status output %q", stdout)
	}
}

func TestDispatcher_SyncFailureExitCode(t *testing.T) {
	dir := t.TempDir()
	remote := testutil.NewFakeRemote()
	remote.SetPullErr(testutil.Transient("pull"))

	dispatcher := cli.NewDispatcher(commands.DefaultRegistry, testFactory(remote))
	_, stderr, code := run(t, dispatcher, dir, "sync")

	if code != exitcode.BackendError {
		t.Errorf("expected exit code %d, got %d", exitcode.BackendError, code)
	}
	if !strings.Contains(stderr, "error: sync error:") {
		t.Errorf("unexpected stderr %q", stderr)
	}
}

func TestDispatcher_GoogleBackendNeedsLogin(t *testing.T) {
	t.Setenv("TASKSYNC_BACKEND", config.BackendGoogle)
	dispatcher := cli.NewDispatcher(commands.DefaultRegistry, nil)

	_, stderr, code := run(t, dispatcher, t.TempDir(), "list")

	if code != exitcode.AuthError {
		t.Errorf("expected exit code %d, got %d", exitcode.AuthError, code)
	}
	if !strings.Contains(stderr, "oauth_client.json not found") {
		t.Errorf("unexpected stderr %q", stderr)
	}
}
