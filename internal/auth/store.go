package auth

import (
	"context"
	"errors"
	"sync"
)

var ErrUserNotFound = errors.New("user not found")

// CredentialStore persists credentials. Create must be an atomic
// check-then-write: concurrent creates of one username yield exactly one
// success and ErrAlreadyExists for the rest.
type CredentialStore interface {
	Get(ctx context.Context, username string) (Credential, error)
	Create(ctx context.Context, cred Credential) error
	Replace(ctx context.Context, cred Credential) error
}

type InMemoryCredentialStore struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

func NewInMemoryCredentialStore() *InMemoryCredentialStore {
	return &InMemoryCredentialStore{creds: make(map[string]Credential)}
}

func (s *InMemoryCredentialStore) Get(_ context.Context, username string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.creds[username]
	if !ok {
		return Credential{}, ErrUserNotFound
	}
	return c, nil
}

func (s *InMemoryCredentialStore) Create(_ context.Context, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[cred.Username]; ok {
		return ErrAlreadyExists
	}
	s.creds[cred.Username] = cred
	return nil
}

func (s *InMemoryCredentialStore) Replace(_ context.Context, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[cred.Username]; !ok {
		return ErrUserNotFound
	}
	s.creds[cred.Username] = cred
	return nil
}
