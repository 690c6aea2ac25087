package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileCredentialStore keeps every credential in one JSON array file. Writes
// go to a temp file that is renamed over the original so a crash never
// leaves a truncated store behind.
type FileCredentialStore struct {
	path string

	mu    sync.RWMutex
	creds map[string]Credential
}

func NewFileCredentialStore(path string) (*FileCredentialStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("credential file path is required")
	}

	s := &FileCredentialStore{
		path:  path,
		creds: make(map[string]Credential),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileCredentialStore) Get(_ context.Context, username string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.creds[username]
	if !ok {
		return Credential{}, ErrUserNotFound
	}
	return c, nil
}

func (s *FileCredentialStore) Create(_ context.Context, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.creds[cred.Username]; ok {
		return ErrAlreadyExists
	}
	s.creds[cred.Username] = cred
	if err := s.persistLocked(); err != nil {
		delete(s.creds, cred.Username)
		return err
	}
	return nil
}

func (s *FileCredentialStore) Replace(_ context.Context, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.creds[cred.Username]
	if !ok {
		return ErrUserNotFound
	}
	s.creds[cred.Username] = cred
	if err := s.persistLocked(); err != nil {
		s.creds[cred.Username] = prev
		return err
	}
	return nil
}

func (s *FileCredentialStore) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read credential file: %w", err)
	}
	if len(b) == 0 {
		return nil
	}

	var decoded []Credential
	if err := json.Unmarshal(b, &decoded); err != nil {
		return fmt.Errorf("decode credential file: %w", err)
	}
	for _, c := range decoded {
		if strings.TrimSpace(c.Username) == "" {
			continue
		}
		s.creds[c.Username] = c
	}
	return nil
}

func (s *FileCredentialStore) persistLocked() error {
	out := make([]Credential, 0, len(s.creds))
	for _, c := range s.creds {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential file: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir credential dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".users-*.json")
	if err != nil {
		return fmt.Errorf("create temp credential file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write credential file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close credential file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod credential file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace credential file: %w", err)
	}
	return nil
}
