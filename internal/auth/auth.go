// Package auth implements the broker-internal credential policy (C8): it
// selects which kind of credential a session should use and materializes
// it into the environment variables and auth-file bytes the sandbox needs.
//
// Grounded on original_source/src/auth_manager.py's AuthManager: the
// auto/key/oauth mode dispatch and the refresh-before-handout behavior
// come from there; the bundle shape is this module's own (§6.3/§6.4).
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentbroker/agentbroker/internal/config"
	"github.com/agentbroker/agentbroker/internal/credential"
)

// Method identifies which credential kind a Bundle carries.
type Method string

const (
	MethodAPIKey Method = "api_key"
	MethodOAuth  Method = "oauth"
)

// ErrNoCredential is returned when policy finds no usable credential.
var ErrNoCredential = errors.New("auth: no usable credential")

// Bundle is what the orchestrator hands to a newly provisioned sandbox:
// environment variables to inject plus the serialized auth file to write
// into the session's config directory.
type Bundle struct {
	Method        Method
	Environment   map[string]string
	AuthFileBytes []byte
}

// authFile is the on-disk shape written into the sandbox (§6.3).
type authFile struct {
	OPENAIAPIKey string            `json:"OPENAI_API_KEY"`
	Tokens       *credential.Tokens `json:"tokens"`
	LastRefresh  *int64            `json:"last_refresh"`
}

// Manager selects and materializes credentials for one session's
// credential store.
type Manager struct {
	cfg config.AuthConfig
}

func NewManager(cfg config.AuthConfig) *Manager {
	return &Manager{cfg: cfg}
}

// Materialize builds a Bundle from store's current record, refreshing
// OAuth tokens first if they are within the guard window and the policy
// allows it. apiKey is read by the caller from wherever the deployment
// keeps it (environment, secret store); this package only validates its
// shape.
func (m *Manager) Materialize(ctx context.Context, store *credential.Store, apiKey string) (Bundle, error) {
	switch m.cfg.CredentialMode {
	case config.CredentialKey:
		return m.materializeKey(apiKey)
	case config.CredentialOAuth:
		return m.materializeOAuth(ctx, store)
	default:
		return m.materializeAuto(ctx, store, apiKey)
	}
}

func (m *Manager) materializeAuto(ctx context.Context, store *credential.Store, apiKey string) (Bundle, error) {
	first, second := m.materializeKey, func(ctx context.Context) (Bundle, error) { return m.materializeOAuth(ctx, store) }
	if m.cfg.PreferOAuth {
		b, err := second(ctx)
		if err == nil {
			return b, nil
		}
		return first(apiKey)
	}
	b, err := first(apiKey)
	if err == nil {
		return b, nil
	}
	return second(ctx)
}

func (m *Manager) materializeKey(apiKey string) (Bundle, error) {
	if !validAPIKey(apiKey, m.cfg.APIKeyPrefix) {
		return Bundle{}, ErrNoCredential
	}
	return Bundle{
		Method:      MethodAPIKey,
		Environment: map[string]string{"OPENAI_API_KEY": apiKey},
		AuthFileBytes: mustMarshal(authFile{
			OPENAIAPIKey: apiKey,
		}),
	}, nil
}

func (m *Manager) materializeOAuth(ctx context.Context, store *credential.Store) (Bundle, error) {
	rec, err := store.Load()
	if err != nil || rec == nil || rec.Tokens == nil {
		return Bundle{}, ErrNoCredential
	}

	guard := time.Duration(m.cfg.TokenRefreshGuardSeconds) * time.Second
	if rec.Tokens.IsExpired(guard) {
		refreshed, err := store.Refresh(ctx, rec.Tokens.RefreshToken)
		if err != nil {
			return Bundle{}, fmt.Errorf("%w: refresh oauth tokens: %v", ErrNoCredential, err)
		}
		rec = refreshed
	}

	var lastRefresh *int64
	if rec.LastRefresh != nil {
		v := rec.LastRefresh.Unix()
		lastRefresh = &v
	}

	return Bundle{
		Method: MethodOAuth,
		Environment: map[string]string{
			"OPENAI_ACCESS_TOKEN": rec.Tokens.AccessToken,
		},
		AuthFileBytes: mustMarshal(authFile{
			Tokens:      rec.Tokens,
			LastRefresh: lastRefresh,
		}),
	}, nil
}

func validAPIKey(key, prefix string) bool {
	if key == "" {
		return false
	}
	if prefix == "" {
		return true
	}
	return len(key) > len(prefix) && key[:len(prefix)] == prefix
}

func mustMarshal(f authFile) []byte {
	b, err := json.Marshal(f)
	if err != nil {
		return []byte("{}")
	}
	return b
}
