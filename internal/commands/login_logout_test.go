package commands_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"tasksync/internal/backend/googletasks"
	"tasksync/internal/commands"
	"tasksync/internal/config"
	"tasksync/internal/exitcode"
)

const testOAuthClient = `{"installed":{"client_id":"test","client_secret":"test","redirect_uris":["http://localhost"]}}`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoginCommand_NoOAuthClient(t *testing.T) {
	dir := t.TempDir()
	var outBuf, errBuf bytes.Buffer

	code := (&commands.LoginCmd{}).Run(context.Background(), &config.Config{Dir: dir}, nil, nil, &outBuf, &errBuf)

	if code != exitcode.AuthError {
		t.Errorf("expected exit code %d, got %d", exitcode.AuthError, code)
	}
	if outBuf.String() != "" {
		t.Errorf("expected no stdout, got %q", outBuf.String())
	}
	if !strings.HasPrefix(errBuf.String(), "error: oauth_client.json not found in "+dir) {
		t.Errorf("unexpected stderr %q", errBuf.String())
	}
	if !strings.Contains(errBuf.String(), filepath.Join(dir, config.OAuthClientFile)) {
		t.Error("help should name the credentials path")
	}
}

// A stored token that cannot be renewed must not count as logged in. The
// context is cancelled so the flow stops before waiting for a browser.
func TestLoginCommand_UnusableToken(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"corrupt", `{not json`},
		{"no refresh token", `{"access_token":"expired","token_type":"Bearer","expiry":"2020-01-01T00:00:00Z"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, config.OAuthClientFile, testOAuthClient)
			writeFile(t, dir, config.TokenFile, tt.token)

			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			var outBuf, errBuf bytes.Buffer
			cfg := &config.Config{Dir: dir, Settings: config.Settings{Backend: config.BackendGoogle}}
			code := (&commands.LoginCmd{}).Run(ctx, cfg, nil, nil, &outBuf, &errBuf)

			if outBuf.String() == "already logged in\n" {
				t.Error("should not report an unusable token as logged in")
			}
			if code != exitcode.AuthError {
				t.Errorf("expected exit code %d, got %d", exitcode.AuthError, code)
			}
		})
	}
}

func TestLoginCommand_WarnsAboutBackend(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, config.OAuthClientFile, testOAuthClient)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var outBuf, errBuf bytes.Buffer
	cfg := &config.Config{Dir: dir, Settings: config.Settings{Backend: config.BackendREST}}
	(&commands.LoginCmd{}).Run(ctx, cfg, nil, nil, &outBuf, &errBuf)

	if !strings.HasPrefix(errBuf.String(), `note: TASKSYNC_BACKEND is "rest"`) {
		t.Errorf("expected backend note, got %q", errBuf.String())
	}
}

// revokeServer stands in for Google's revocation endpoint and records the
// tokens it was asked to revoke.
func revokeServer(t *testing.T, status int) func() []string {
	t.Helper()
	var (
		mu      sync.Mutex
		revoked []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		revoked = append(revoked, r.FormValue("token"))
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	prev := googletasks.RevokeURL
	googletasks.RevokeURL = srv.URL
	t.Cleanup(func() { googletasks.RevokeURL = prev })
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return slices.Clone(revoked)
	}
}

func TestLogoutCommand(t *testing.T) {
	const validToken = `{"access_token":"a1","refresh_token":"r1"}`

	tests := []struct {
		name        string
		token       string
		args        []string
		quiet       bool
		status      int
		wantOut     string // %s is the token path
		wantWarning bool
		wantRevoked []string
	}{
		{name: "revokes and removes", token: validToken, status: http.StatusOK,
			wantOut: "revoked and removed %s\n", wantRevoked: []string{"r1"}},
		{name: "quietly", token: validToken, quiet: true, status: http.StatusOK,
			wantRevoked: []string{"r1"}},
		{name: "revocation refused", token: validToken, status: http.StatusBadRequest,
			wantOut: "removed %s\n", wantWarning: true, wantRevoked: []string{"r1"}},
		{name: "local only", token: validToken, args: []string{"--local"}, status: http.StatusOK,
			wantOut: "removed %s\n"},
		{name: "corrupt token", token: `{not json`, status: http.StatusOK,
			wantOut: "removed %s\n", wantWarning: true},
		{name: "not logged in", status: http.StatusOK, wantOut: "not logged in\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			revoked := revokeServer(t, tt.status)

			dir := t.TempDir()
			clientPath := writeFile(t, dir, config.OAuthClientFile, testOAuthClient)
			tokenPath := filepath.Join(dir, config.TokenFile)
			if tt.token != "" {
				writeFile(t, dir, config.TokenFile, tt.token)
			}

			cfg := &config.Config{Dir: dir, Quiet: tt.quiet}
			stdout, stderr, code := runCommand(t, &commands.LogoutCmd{}, nil, cfg, tt.args...)

			if code != exitcode.Success {
				t.Errorf("expected exit code %d, got %d", exitcode.Success, code)
			}
			wantOut := tt.wantOut
			if strings.Contains(wantOut, "%s") {
				wantOut = fmt.Sprintf(wantOut, tokenPath)
			}
			if stdout != wantOut {
				t.Errorf("expected %q, got %q", wantOut, stdout)
			}
			if gotWarning := strings.HasPrefix(stderr, "warning: token not revoked"); gotWarning != tt.wantWarning {
				t.Errorf("unexpected stderr %q", stderr)
			}
			if got := revoked(); !slices.Equal(got, tt.wantRevoked) {
				t.Errorf("revoked %q, want %q", got, tt.wantRevoked)
			}
			if _, err := os.Stat(tokenPath); !os.IsNotExist(err) {
				t.Error("token.json should be gone")
			}
			if _, err := os.Stat(clientPath); err != nil {
				t.Error("oauth_client.json must be kept")
			}
		})
	}
}
