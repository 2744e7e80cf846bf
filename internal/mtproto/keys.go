package mtproto

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/gotd/td/session"
)

// keyStore persists one session blob per datacentre in a single
// ${session_name}.keys file, so a restart can reconnect to every DC
// without repeating the export/import authorization dance.
type keyStore struct {
	mu   sync.Mutex
	path string
	keys map[int]json.RawMessage
}

func loadKeyStore(path string) (*keyStore, error) {
	s := &keyStore{path: path, keys: make(map[int]json.RawMessage)}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &s.keys); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return s, nil
}

func (s *keyStore) has(dc int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[dc]
	return ok
}

func (s *keyStore) set(dc int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[dc] = append(json.RawMessage(nil), data...)
}

// save writes the keymap atomically: media sessions rewrite their slots
// on every salt rotation and a torn file would lose every DC at once.
func (s *keyStore) save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *keyStore) saveLocked() error {
	raw, err := json.Marshal(s.keys)
	if err != nil {
		return fmt.Errorf("marshal keys: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// slot exposes one DC's entry as a gotd session storage.
func (s *keyStore) slot(dc int) session.Storage {
	return &dcSlot{store: s, dc: dc}
}

type dcSlot struct {
	store *keyStore
	dc    int
}

func (s *dcSlot) LoadSession(_ context.Context) ([]byte, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	raw, ok := s.store.keys[s.dc]
	if !ok {
		return nil, session.ErrNotFound
	}
	return append([]byte(nil), raw...), nil
}

func (s *dcSlot) StoreSession(_ context.Context, data []byte) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	s.store.keys[s.dc] = append(json.RawMessage(nil), data...)
	return s.store.saveLocked()
}
