package googletasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"tasksync/internal/config"
)

// ErrNoRefreshToken is returned for a stored token that cannot be renewed.
var ErrNoRefreshToken = errors.New("token has no refresh token")

// RevokeURL is Google's token revocation endpoint.
var RevokeURL = "https://oauth2.googleapis.com/revoke"

const revokeTimeout = 10 * time.Second

// LoadToken reads a token written by SaveToken.
func LoadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read token.json (run: tasksync login): %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("invalid token.json: %w", err)
	}
	return &tok, nil
}

// SaveToken writes tok to path with mode 0600.
func SaveToken(path string, tok *oauth2.Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// CheckToken reports whether the stored token can still produce an access
// token, refreshing it against Google if it has expired.
func CheckToken(ctx context.Context, cfg *config.Config) error {
	tok, err := LoadToken(cfg.TokenPath())
	if err != nil {
		return err
	}
	if tok.RefreshToken == "" {
		return ErrNoRefreshToken
	}
	oauthConfig, err := OAuthConfig(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err = oauthConfig.TokenSource(ctx, tok).Token()
	return err
}

// RevokeToken asks Google to invalidate tok. Revoking the refresh token also
// revokes every access token issued from it.
func RevokeToken(ctx context.Context, tok *oauth2.Token) error {
	value := tok.RefreshToken
	if value == "" {
		value = tok.AccessToken
	}
	if value == "" {
		return errors.New("token is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, revokeTimeout)
	defer cancel()

	body := strings.NewReader(url.Values{"token": {value}}.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, RevokeURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke token: %s", resp.Status)
	}
	return nil
}
