// Package credential implements the Credential Store: an on-disk record of
// either an API key or an OAuth token pair, written atomically with
// restrictive permissions and refreshed through the OAuth token endpoint
// when asked.
//
// Grounded on original_source/src/oauth_manager.py's OAuthTokenManager:
// the tolerant-load of legacy-flat vs nested-under-tokens shapes, the
// temp-file-then-rename-then-chmod write, and the carry-forward-refresh-
// token-if-server-omits-it refresh behavior all come from that file.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Tokens is the OAuth half of a credential record.
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsExpired reports whether the tokens are expired, or will be within guard
// of now.
func (t *Tokens) IsExpired(guard time.Duration) bool {
	return time.Now().Add(guard).After(t.ExpiresAt)
}

// Record is the persisted credential: exactly one of APIKey or Tokens is
// populated for a usable record.
type Record struct {
	APIKey      string     `json:"api_key,omitempty"`
	Tokens      *Tokens    `json:"tokens,omitempty"`
	LastRefresh *time.Time `json:"last_refresh,omitempty"`
}

// legacyFlatRecord is the older on-disk shape this store still reads:
// token fields at the top level instead of nested under "tokens".
type legacyFlatRecord struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope,omitempty"`
}

// Store persists a single Record to a file with 0600 permissions.
type Store struct {
	path           string
	guard          time.Duration
	tokenEndpoint  string
	revokeEndpoint string
	clientID       string
	httpClient     *oauth2.Config
}

// NewStore creates a Store backed by path. guard is the expiry guard window
// (§4.1 token_refresh_guard_seconds); tokenEndpoint/revokeEndpoint/clientID
// configure the OAuth refresh and revoke calls.
func NewStore(path string, guard time.Duration, tokenEndpoint, revokeEndpoint, clientID string) *Store {
	return &Store{
		path:           path,
		guard:          guard,
		tokenEndpoint:  tokenEndpoint,
		revokeEndpoint: revokeEndpoint,
		clientID:       clientID,
		httpClient: &oauth2.Config{
			ClientID: clientID,
			Endpoint: oauth2.Endpoint{TokenURL: tokenEndpoint},
		},
	}
}

// Load reads the record, tolerating both on-disk shapes. IO errors and
// parse errors both yield (nil, nil): "no record", not an error, per
// §4.2's failure semantics.
func (s *Store) Load() (*Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, nil
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err == nil && (rec.APIKey != "" || rec.Tokens != nil) {
		return &rec, nil
	}

	var flat legacyFlatRecord
	if err := json.Unmarshal(data, &flat); err == nil && flat.AccessToken != "" {
		return &Record{
			Tokens: &Tokens{
				AccessToken:  flat.AccessToken,
				RefreshToken: flat.RefreshToken,
				TokenType:    flat.TokenType,
				ExpiresAt:    flat.ExpiresAt,
				Scope:        flat.Scope,
			},
		}, nil
	}

	return nil, nil
}

// Save writes rec to a sibling temp file and renames it over the target,
// setting 0600 after write. No partial file is ever left at the target path.
func (s *Store) Save(rec *Record) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("credential save: mkdir: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("credential save: marshal: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("credential save: write temp: %w", err)
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("credential save: chmod: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("credential save: rename: %w", err)
	}
	return nil
}

// Valid reports whether the stored record parses and, for OAuth tokens, is
// not within the expiry guard window.
func (s *Store) Valid() bool {
	rec, err := s.Load()
	if err != nil || rec == nil {
		return false
	}
	if rec.APIKey != "" {
		return true
	}
	if rec.Tokens != nil {
		return !rec.Tokens.IsExpired(s.guard)
	}
	return false
}

// Refresh exchanges refreshToken at the token endpoint and persists the
// resulting record atomically. If the server's response omits a refresh
// token, the old one is carried forward (original_source's refresh_tokens
// behavior).
func (s *Store) Refresh(ctx context.Context, refreshToken string) (*Record, error) {
	ts := s.httpClient.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("credential refresh: %w", err)
	}

	newRefresh := tok.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}

	now := time.Now()
	rec := &Record{
		Tokens: &Tokens{
			AccessToken:  tok.AccessToken,
			RefreshToken: newRefresh,
			TokenType:    tok.TokenType,
			ExpiresAt:    tok.Expiry,
			CreatedAt:    now,
		},
		LastRefresh: &now,
	}

	if err := s.Save(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Revoke best-effort POSTs to the revocation endpoint, then unconditionally
// deletes the local file: local deletion happens regardless of remote
// outcome, matching original_source's revoke_tokens.
func (s *Store) Revoke(ctx context.Context) error {
	rec, err := s.Load()
	if err == nil && rec != nil && rec.Tokens != nil && s.revokeEndpoint != "" {
		s.bestEffortRevoke(ctx, rec.Tokens.AccessToken)
		if rec.Tokens.RefreshToken != "" {
			s.bestEffortRevoke(ctx, rec.Tokens.RefreshToken)
		}
	}

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("credential revoke: remove: %w", err)
	}
	return nil
}

func (s *Store) bestEffortRevoke(ctx context.Context, token string) {
	form := url.Values{"token": {token}, "client_id": {s.clientID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.revokeEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	// Revocation failures are swallowed: §4.2 specifies revoke as
	// best-effort remote, unconditional local delete.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}
