package auth

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentbroker/agentbroker/internal/config"
	"github.com/agentbroker/agentbroker/internal/credential"
)

func TestMaterializeKeyMode(t *testing.T) {
	cfg := config.AuthConfig{CredentialMode: config.CredentialKey, APIKeyPrefix: "sk-"}
	m := NewManager(cfg)

	bundle, err := m.Materialize(context.Background(), nil, "sk-abc123")
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if bundle.Method != MethodAPIKey {
		t.Errorf("method = %q, want %q", bundle.Method, MethodAPIKey)
	}
	if bundle.Environment["OPENAI_API_KEY"] != "sk-abc123" {
		t.Errorf("environment missing api key: %+v", bundle.Environment)
	}

	var parsed authFile
	if err := json.Unmarshal(bundle.AuthFileBytes, &parsed); err != nil {
		t.Fatalf("unmarshal auth file: %v", err)
	}
	if parsed.OPENAIAPIKey != "sk-abc123" {
		t.Errorf("auth file api key = %q", parsed.OPENAIAPIKey)
	}
}

func TestMaterializeKeyModeRejectsBadPrefix(t *testing.T) {
	cfg := config.AuthConfig{CredentialMode: config.CredentialKey, APIKeyPrefix: "sk-"}
	m := NewManager(cfg)

	_, err := m.Materialize(context.Background(), nil, "bad-key")
	if err != ErrNoCredential {
		t.Errorf("err = %v, want ErrNoCredential", err)
	}
}

func TestMaterializeOAuthMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	store := credential.NewStore(path, 5*time.Minute, "", "", "")

	rec := &credential.Record{
		Tokens: &credential.Tokens{
			AccessToken: "tok-123",
			ExpiresAt:   time.Now().Add(time.Hour),
		},
	}
	if err := store.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cfg := config.AuthConfig{CredentialMode: config.CredentialOAuth, TokenRefreshGuardSeconds: 300}
	m := NewManager(cfg)

	bundle, err := m.Materialize(context.Background(), store, "")
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if bundle.Method != MethodOAuth {
		t.Errorf("method = %q, want %q", bundle.Method, MethodOAuth)
	}
	if bundle.Environment["OPENAI_ACCESS_TOKEN"] != "tok-123" {
		t.Errorf("environment missing access token: %+v", bundle.Environment)
	}
}

func TestMaterializeOAuthModeNoRecordFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	store := credential.NewStore(path, 5*time.Minute, "", "", "")

	cfg := config.AuthConfig{CredentialMode: config.CredentialOAuth}
	m := NewManager(cfg)

	_, err := m.Materialize(context.Background(), store, "")
	if err != ErrNoCredential {
		t.Errorf("err = %v, want ErrNoCredential", err)
	}
}

func TestMaterializeAutoFallsBackToOAuthWhenKeyMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	store := credential.NewStore(path, 5*time.Minute, "", "", "")
	store.Save(&credential.Record{
		Tokens: &credential.Tokens{AccessToken: "tok-456", ExpiresAt: time.Now().Add(time.Hour)},
	})

	cfg := config.AuthConfig{CredentialMode: config.CredentialAuto, APIKeyPrefix: "sk-", PreferOAuth: false}
	m := NewManager(cfg)

	bundle, err := m.Materialize(context.Background(), store, "")
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if bundle.Method != MethodOAuth {
		t.Errorf("method = %q, want fallback to oauth", bundle.Method)
	}
}

func TestMaterializeAutoPrefersOAuthWhenConfigured(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	store := credential.NewStore(path, 5*time.Minute, "", "", "")
	store.Save(&credential.Record{
		Tokens: &credential.Tokens{AccessToken: "tok-789", ExpiresAt: time.Now().Add(time.Hour)},
	})

	cfg := config.AuthConfig{CredentialMode: config.CredentialAuto, APIKeyPrefix: "sk-", PreferOAuth: true}
	m := NewManager(cfg)

	bundle, err := m.Materialize(context.Background(), store, "sk-also-valid")
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if bundle.Method != MethodOAuth {
		t.Errorf("method = %q, want oauth (preferred)", bundle.Method)
	}
}
