package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps each kind in <dir>/<kind>.json, rewritten atomically on
// every mutation.
type FileStore struct {
	dir string

	mu     sync.Mutex
	cache  map[string]map[string]json.RawMessage
	closed bool
}

// NewFileStore creates dir if needed and returns a store over it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	return &FileStore{
		dir:   dir,
		cache: make(map[string]map[string]json.RawMessage),
	}, nil
}

func (s *FileStore) path(kind string) string {
	return filepath.Join(s.dir, kind+".json")
}

// load returns the cached records for kind, reading the file on first use.
// Caller holds s.mu.
func (s *FileStore) load(kind string) (map[string]json.RawMessage, error) {
	if recs, ok := s.cache[kind]; ok {
		return recs, nil
	}
	recs := make(map[string]json.RawMessage)
	data, err := os.ReadFile(s.path(kind))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("reading %s: %w", kind, err)
	case len(data) > 0:
		if err := json.Unmarshal(data, &recs); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", s.path(kind), err)
		}
	}
	s.cache[kind] = recs
	return recs, nil
}

func (s *FileStore) flush(kind string, recs map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", kind, err)
	}
	tmp, err := os.CreateTemp(s.dir, "."+kind+"-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", kind, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", kind, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path(kind)); err != nil {
		return fmt.Errorf("replacing %s: %w", kind, err)
	}
	return nil
}

func (s *FileStore) Load(_ context.Context, kind string) (map[string]json.RawMessage, error) {
	if err := validKind(kind); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	recs, err := s.load(kind)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(recs))
	for k, v := range recs {
		out[k] = v
	}
	return out, nil
}

func (s *FileStore) Put(_ context.Context, kind, name string, doc any) error {
	if err := validKind(kind); err != nil {
		return err
	}
	raw, err := marshalDoc(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	recs, err := s.load(kind)
	if err != nil {
		return err
	}
	prev, had := recs[name]
	recs[name] = raw
	if err := s.flush(kind, recs); err != nil {
		if had {
			recs[name] = prev
		} else {
			delete(recs, name)
		}
		return err
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, kind, name string) error {
	if err := validKind(kind); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	recs, err := s.load(kind)
	if err != nil {
		return err
	}
	prev, had := recs[name]
	if !had {
		return nil
	}
	delete(recs, name)
	if err := s.flush(kind, recs); err != nil {
		recs[name] = prev
		return err
	}
	return nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
