package googletasks

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"tasksync/internal/config"
)

func TestSaveLoadToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.TokenFile)
	expiry := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	if err := SaveToken(path, &oauth2.Token{AccessToken: "a", RefreshToken: "r", Expiry: expiry}); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("token mode = %v, want 0600", info.Mode().Perm())
	}

	tok, err := LoadToken(path)
	if err != nil {
		t.Fatalf("LoadToken: %v", err)
	}
	if tok.AccessToken != "a" || tok.RefreshToken != "r" || !tok.Expiry.Equal(expiry) {
		t.Errorf("LoadToken = %+v", tok)
	}
}

func TestLoadTokenErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadToken(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing token")
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadToken(bad); err == nil {
		t.Error("expected error for corrupt token")
	}
}

func TestCheckTokenWithoutRefreshToken(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{Dir: dir}
	if err := SaveToken(cfg.TokenPath(), &oauth2.Token{AccessToken: "a"}); err != nil {
		t.Fatal(err)
	}

	if err := CheckToken(context.Background(), cfg); !errors.Is(err, ErrNoRefreshToken) {
		t.Errorf("CheckToken = %v, want ErrNoRefreshToken", err)
	}
}

func TestRevokeToken(t *testing.T) {
	tests := []struct {
		name    string
		tok     *oauth2.Token
		status  int
		want    string
		wantErr bool
	}{
		{name: "refresh token preferred", tok: &oauth2.Token{AccessToken: "a", RefreshToken: "r"}, status: http.StatusOK, want: "r"},
		{name: "access token fallback", tok: &oauth2.Token{AccessToken: "a"}, status: http.StatusOK, want: "a"},
		{name: "rejected", tok: &oauth2.Token{RefreshToken: "r"}, status: http.StatusBadRequest, want: "r", wantErr: true},
		{name: "empty token", tok: &oauth2.Token{}, status: http.StatusOK, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				mu               sync.Mutex
				got, contentType string
			)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				mu.Lock()
				contentType = r.Header.Get("Content-Type")
				got = r.FormValue("token")
				mu.Unlock()
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			prev := RevokeURL
			RevokeURL = srv.URL
			defer func() { RevokeURL = prev }()

			err := RevokeToken(context.Background(), tt.tok)
			mu.Lock()
			defer mu.Unlock()
			if (err != nil) != tt.wantErr {
				t.Errorf("RevokeToken error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("revoked %q, want %q", got, tt.want)
			}
			if tt.want != "" && contentType != "application/x-www-form-urlencoded" {
				t.Errorf("Content-Type = %q", contentType)
			}
		})
	}
}
