package policy

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/zeebo/blake3"

	"github.com/tkingovr/mcpwarden/api"
	"github.com/tkingovr/mcpwarden/internal/store"
)

// Environment variables carrying a decrypted credential into a server
// process.
const (
	EnvCredential     = "MCP_CREDENTIAL"
	EnvCredentialType = "MCP_CREDENTIAL_TYPE"
)

// CredentialInput is a secret to seal for a server.
type CredentialInput struct {
	Server string
	Type   string
	Secret []byte
	// ExpiresAt is optional.
	ExpiresAt *time.Time
}

// Credential is the metadata of a stored credential. The secret never
// leaves the engine.
type Credential struct {
	Server      string     `json:"server"`
	Type        string     `json:"type"`
	Fingerprint string     `json:"fingerprint"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the credential is past its expiry at now.
func (c *Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// sealedCredential is the persisted form.
type sealedCredential struct {
	Credential
	Sealed []byte `json:"sealed"`
}

// Fingerprint returns the hex BLAKE3 digest of secret, truncated to 16
// bytes.
func Fingerprint(secret []byte) string {
	sum := blake3.Sum256(secret)
	return hex.EncodeToString(sum[:16])
}

// Sealer encrypts credential secrets with an age X25519 identity.
type Sealer struct {
	identity *age.X25519Identity
}

// NewSealer wraps an existing identity.
func NewSealer(id *age.X25519Identity) *Sealer {
	return &Sealer{identity: id}
}

// LoadOrCreateSealer reads the identity at path, generating and writing a
// new one (mode 0600) when the file does not exist.
func LoadOrCreateSealer(path string) (*Sealer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id, err := age.ParseX25519Identity(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("parsing credential key %s: %w", path, err)
		}
		return NewSealer(id), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading credential key: %w", err)
	}

	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating credential key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("writing credential key: %w", err)
	}
	return NewSealer(id), nil
}

// EphemeralSealer generates an in-memory identity. Credentials sealed with
// it do not survive the process.
func EphemeralSealer() (*Sealer, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating credential key: %w", err)
	}
	return NewSealer(id), nil
}

// Seal encrypts plaintext to the sealer's own recipient.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.identity.Recipient())
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return buf.Bytes(), nil
}

// Open decrypts a sealed blob.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(sealed), s.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	return out, nil
}

// AddCredential seals the secret and persists it, replacing any existing
// credential for the server.
func (e *Engine) AddCredential(ctx context.Context, in CredentialInput) (*Credential, error) {
	if in.Server == "" {
		return nil, fmt.Errorf("%w: server is required", ErrInvalidRequest)
	}
	if len(in.Secret) == 0 {
		return nil, fmt.Errorf("%w: secret is empty", ErrInvalidRequest)
	}
	if in.Type == "" {
		in.Type = "token"
	}
	sealed, err := e.sealer.Seal(in.Secret)
	if err != nil {
		return nil, err
	}
	rec := &sealedCredential{
		Credential: Credential{
			Server:      in.Server,
			Type:        in.Type,
			Fingerprint: Fingerprint(in.Secret),
			CreatedAt:   e.clock.Now().UTC(),
			ExpiresAt:   in.ExpiresAt,
		},
		Sealed: sealed,
	}
	if err := e.store.Put(ctx, store.KindCredentials, in.Server, rec); err != nil {
		return nil, fmt.Errorf("persisting credential: %w", err)
	}

	e.mu.Lock()
	e.credentials[in.Server] = rec
	e.mu.Unlock()

	meta := rec.Credential
	e.Record(ctx, &api.AuditEvent{
		Type:          api.AuditCredentialAdded,
		AgentID:       e.systemAgent,
		ServerID:      in.Server,
		Success:       true,
		SecurityLevel: api.SecurityHigh,
		Details:       map[string]any{"type": in.Type, "fingerprint": meta.Fingerprint},
	})
	return &meta, nil
}

// RemoveCredential deletes the server's credential. It reports whether one
// existed.
func (e *Engine) RemoveCredential(ctx context.Context, server string) (bool, error) {
	e.mu.Lock()
	_, ok := e.credentials[server]
	e.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := e.store.Delete(ctx, store.KindCredentials, server); err != nil {
		return false, fmt.Errorf("deleting credential: %w", err)
	}
	e.mu.Lock()
	delete(e.credentials, server)
	e.mu.Unlock()

	e.Record(ctx, &api.AuditEvent{
		Type:          api.AuditCredentialRemoved,
		AgentID:       e.systemAgent,
		ServerID:      server,
		Success:       true,
		SecurityLevel: api.SecurityHigh,
	})
	return true, nil
}

// Credentials lists credential metadata sorted by server.
func (e *Engine) Credentials() []Credential {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Credential, 0, len(e.credentials))
	for _, c := range e.credentials {
		out = append(out, c.Credential)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Server < out[j].Server })
	return out
}

// CredentialEnv returns the launch environment entries carrying the
// server's decrypted credential. A server without a credential yields nil.
// An expired credential is a PolicyError wrapping ErrCredentialExpired.
func (e *Engine) CredentialEnv(_ context.Context, server string) ([]string, error) {
	e.mu.RLock()
	rec, ok := e.credentials[server]
	e.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if rec.Expired(e.clock.Now()) {
		return nil, &PolicyError{Policy: server, Reason: "credential unusable", Err: ErrCredentialExpired}
	}
	secret, err := e.sealer.Open(rec.Sealed)
	if err != nil {
		return nil, &PolicyError{Policy: server, Reason: "credential unusable", Err: err}
	}
	return []string{EnvCredential + "=" + string(secret), EnvCredentialType + "=" + rec.Type}, nil
}

// credentialCheck reports a credential problem for server, if any.
func (e *Engine) credentialCheck(server string) error {
	e.mu.RLock()
	rec, ok := e.credentials[server]
	e.mu.RUnlock()
	if ok && rec.Expired(e.clock.Now()) {
		return &PolicyError{Policy: server, Reason: "credential unusable", Err: ErrCredentialExpired}
	}
	return nil
}

func (e *Engine) loadCredentials(ctx context.Context) error {
	recs, err := e.store.Load(ctx, store.KindCredentials)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}
	for name, raw := range recs {
		var rec sealedCredential
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("credential %q: %w", name, err)
		}
		if len(rec.Sealed) == 0 {
			return fmt.Errorf("credential %q: missing sealed secret", name)
		}
		e.credentials[name] = &rec
	}
	return nil
}
