package commands

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"tasksync/internal/app"
	"tasksync/internal/backend/googletasks"
	"tasksync/internal/config"
	"tasksync/internal/exitcode"
)

const (
	callbackTimeout = 5 * time.Minute
	exchangeTimeout = 30 * time.Second

	// Callback ports tried in order.
	callbackPort     = 8085
	callbackAttempts = 5
)

const oauthClientHelp = `To sync with Google Tasks, tasksync needs OAuth desktop credentials:

1. Open https://console.cloud.google.com/apis/credentials
2. Enable the Google Tasks API for the project:
   https://console.cloud.google.com/apis/library/tasks.googleapis.com
3. Create Credentials > OAuth client ID > Desktop app
4. Download the JSON file and save it as:
   %s

Then run 'tasksync login' again.
`

func init() {
	Register(&LoginCmd{})
}

// LoginCmd implements the login command.
type LoginCmd struct{}

func (c *LoginCmd) Name() string      { return "login" }
func (c *LoginCmd) Aliases() []string { return nil }
func (c *LoginCmd) Synopsis() string  { return "Authorize the Google Tasks backend" }
func (c *LoginCmd) Usage() string     { return "tasksync login" }
func (c *LoginCmd) NeedsApp() bool    { return false }

func (c *LoginCmd) RegisterFlags(fs *flag.FlagSet) {}

func (c *LoginCmd) Run(ctx context.Context, cfg *config.Config, a *app.App, args []string, out, errOut io.Writer) int {
	if !cfg.HasOAuthClient() {
		fmt.Fprintf(errOut, "error: oauth_client.json not found in %s\n\n", cfg.Dir)
		fmt.Fprintf(errOut, oauthClientHelp, cfg.OAuthClientPath())
		return exitcode.AuthError
	}
	if cfg.Settings.Backend != config.BackendGoogle && !cfg.Quiet {
		fmt.Fprintf(errOut, "note: TASKSYNC_BACKEND is %q; set it to %q to sync with Google Tasks\n",
			cfg.Settings.Backend, config.BackendGoogle)
	}

	if cfg.HasToken() && googletasks.CheckToken(ctx, cfg) == nil {
		if !cfg.Quiet {
			fmt.Fprintln(out, "already logged in")
		}
		return exitcode.Success
	}

	oauthConfig, err := googletasks.OAuthConfig(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
		return exitcode.AuthError
	}

	flow, err := newCallbackFlow(oauthConfig)
	if err != nil {
		fmt.Fprintln(errOut, "error: could not bind to local port for OAuth callback")
		return exitcode.AuthError
	}
	defer flow.close()

	fmt.Fprintln(errOut, "Open this URL in your browser:")
	fmt.Fprintln(errOut, flow.authURL())

	tok, err := flow.wait(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
		return exitcode.AuthError
	}

	if err := cfg.EnsureDir(); err != nil {
		fmt.Fprintf(errOut, "error: failed to create config directory: %v\n", err)
		return exitcode.AuthError
	}
	if err := googletasks.SaveToken(cfg.TokenPath(), tok); err != nil {
		fmt.Fprintf(errOut, "error: failed to save token: %v\n", err)
		return exitcode.AuthError
	}
	return printOK(cfg, out)
}

// callbackFlow runs the authorization code flow with PKCE against a
// loopback redirect.
type callbackFlow struct {
	config   *oauth2.Config
	listener net.Listener
	server   *http.Server
	state    string
	verifier string
	codes    chan string
	errs     chan error
}

func newCallbackFlow(oauthConfig *oauth2.Config) (*callbackFlow, error) {
	port, listener, err := listenCallback()
	if err != nil {
		return nil, err
	}

	cfg := *oauthConfig
	cfg.RedirectURL = fmt.Sprintf("http://localhost:%d/callback", port)
	f := &callbackFlow{
		config:   &cfg,
		listener: listener,
		state:    uuid.NewString(),
		verifier: oauth2.GenerateVerifier(),
		codes:    make(chan string, 1),
		errs:     make(chan error, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", f.handleCallback)
	f.server = &http.Server{Handler: mux}
	go func() {
		if err := f.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.fail(err)
		}
	}()
	return f, nil
}

func (f *callbackFlow) authURL() string {
	return f.config.AuthCodeURL(f.state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(f.verifier))
}

func (f *callbackFlow) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("state") != f.state {
		http.Error(w, "State mismatch", http.StatusBadRequest)
		return
	}
	if msg := q.Get("error"); msg != "" {
		http.Error(w, "Authorization denied", http.StatusBadRequest)
		f.fail(fmt.Errorf("authorization denied: %s", msg))
		return
	}
	code := q.Get("code")
	if code == "" {
		http.Error(w, "No code in callback", http.StatusBadRequest)
		f.fail(errors.New("no code in callback"))
		return
	}

	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, "<html><body><h1>tasksync is authorized</h1><p>You may close this window.</p></body></html>")
	select {
	case f.codes <- code:
	default:
	}
}

func (f *callbackFlow) fail(err error) {
	select {
	case f.errs <- err:
	default:
	}
}

// wait blocks until the browser redirects back, then exchanges the code.
func (f *callbackFlow) wait(ctx context.Context) (*oauth2.Token, error) {
	var code string
	select {
	case code = <-f.codes:
	case err := <-f.errs:
		return nil, err
	case <-time.After(callbackTimeout):
		return nil, errors.New("oauth callback timed out")
	case <-ctx.Done():
		return nil, errors.New("cancelled")
	}

	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()
	tok, err := f.config.Exchange(ctx, code, oauth2.VerifierOption(f.verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code for token: %w", err)
	}
	return tok, nil
}

func (f *callbackFlow) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f.server.Shutdown(ctx)
	f.listener.Close()
}

// listenCallback binds the first free port starting at callbackPort.
func listenCallback() (int, net.Listener, error) {
	for i := 0; i < callbackAttempts; i++ {
		port := callbackPort + i
		l, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
		if err == nil {
			return port, l, nil
		}
	}
	return 0, nil, errors.New("no available port found")
}
