package bridge

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
)

// credentialTokens mirrors the "tokens" object the orchestrator's auth
// manager writes into an OAuth-mode auth file (auth.go's authFile).
type credentialTokens struct {
	AccessToken string `json:"access_token"`
}

// credentialFile mirrors the on-disk auth file shape (§6.3) the
// orchestrator mounts at one of authSourceCandidates.
type credentialFile struct {
	APIKey string            `json:"OPENAI_API_KEY"`
	Tokens *credentialTokens `json:"tokens"`
}

// authSourceCandidates lists, in priority order, the locations the
// orchestrator or an operator might have placed a credential file in the
// sandbox, matching the source's AUTH_SOURCE_PATHS search order.
func authSourceCandidates() []string {
	home, _ := os.UserHomeDir()
	return []string{
		"/app/config/auth.json",
		"/app/.codex/auth.json",
		filepath.Join(home, ".codex", "auth.json"),
		"/root/.codex/auth.json",
	}
}

// authTargetPath is where the Assistant binary itself expects to find its
// credential file, matching the source's HOME_AUTH_PATH.
func authTargetPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".codex", "auth.json")
}

// materializeCredentials copies the first auth file found among
// authSourceCandidates to authTargetPath (a no-op if it is already there),
// then applies OPENAI_API_KEY/OPENAI_ACCESS_TOKEN to the bridge's own
// process environment so the Assistant subprocess inherits them without
// having to parse the file itself, matching copy_auth_if_available +
// apply_auth_environment. Every failure here is logged and swallowed: a
// missing auth file is not fatal on its own, since the broker env may
// already carry a usable credential.
func materializeCredentials() {
	target := authTargetPath()

	var content []byte
	for _, candidate := range authSourceCandidates() {
		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		content = data
		if candidate == target {
			log.Printf("bridge: auth file already present at %s", candidate)
			break
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			log.Printf("bridge: warning: cannot create auth dir %s: %v", filepath.Dir(target), err)
			break
		}
		if err := os.WriteFile(target, data, 0o600); err != nil {
			log.Printf("bridge: warning: failed to copy auth file %s to %s: %v", candidate, target, err)
		} else {
			log.Printf("bridge: copied auth file from %s to %s", candidate, target)
		}
		break
	}

	if content == nil {
		log.Printf("bridge: no auth file found among candidates; relying on inherited environment")
		return
	}

	var af credentialFile
	if err := json.Unmarshal(content, &af); err != nil {
		log.Printf("bridge: warning: failed to parse auth file: %v", err)
		return
	}
	if af.APIKey != "" {
		os.Setenv("OPENAI_API_KEY", af.APIKey)
		log.Printf("bridge: applied OPENAI_API_KEY from auth file")
	}
	if af.Tokens != nil && af.Tokens.AccessToken != "" {
		os.Setenv("OPENAI_ACCESS_TOKEN", af.Tokens.AccessToken)
		log.Printf("bridge: applied OPENAI_ACCESS_TOKEN from auth file")
	}
}
