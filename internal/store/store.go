// Package store persists named JSON records (policies, credentials,
// blocklists) for the security layer.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// Record kinds written by the policy engine.
const (
	KindPolicies    = "policies"
	KindCredentials = "credentials"
	KindBlocklist   = "blocklist"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

var kindPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Store is a name → JSON document map per record kind.
type Store interface {
	// Load returns every record of kind. A kind never written yields an
	// empty map, not an error.
	Load(ctx context.Context, kind string) (map[string]json.RawMessage, error)
	// Put marshals doc and stores it under name, replacing any previous value.
	Put(ctx context.Context, kind, name string, doc any) error
	// Delete removes name. Deleting a missing record is not an error.
	Delete(ctx context.Context, kind, name string) error
	Close() error
}

// Open creates a store for the named backend rooted at dir.
func Open(backend, dir string) (Store, error) {
	switch backend {
	case "", BackendFile:
		return NewFileStore(dir)
	case BackendSQLite:
		return NewSQLiteStore(dir)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

func validKind(kind string) error {
	if !kindPattern.MatchString(kind) {
		return fmt.Errorf("invalid record kind %q", kind)
	}
	return nil
}

func marshalDoc(doc any) (json.RawMessage, error) {
	if raw, ok := doc.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, errors.New("invalid JSON document")
		}
		return raw, nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshaling document: %w", err)
	}
	return data, nil
}
