package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAlreadyExists      = errors.New("user already exists")
	ErrInvalidInput       = errors.New("invalid input")
)

const (
	DefaultSessionTTL = 24 * time.Hour

	minPasswordLength = 8
	// bcrypt ignores everything past 72 bytes.
	maxPasswordLength = 72
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{1,63}$`)

type Service struct {
	store   CredentialStore
	signer  *Signer
	ttl     time.Duration
	cost    int
	nowFunc func() time.Time

	// dummyHash keeps the unknown-user path as expensive as a wrong password.
	dummyHash []byte
}

type ServiceConfig struct {
	Secret     string
	SessionTTL time.Duration
	BcryptCost int
}

func NewService(store CredentialStore, cfg ServiceConfig) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	signer, err := NewSigner(cfg.Secret)
	if err != nil {
		return nil, err
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("not-a-real-password"), cost)
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}

	return &Service{
		store:     store,
		signer:    signer,
		ttl:       ttl,
		cost:      cost,
		nowFunc:   time.Now,
		dummyHash: dummy,
	}, nil
}

func (s *Service) HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}

func (s *Service) Register(ctx context.Context, username, password string) error {
	username = strings.TrimSpace(username)
	if err := validateUsername(username); err != nil {
		return err
	}
	if err := validatePassword(password); err != nil {
		return err
	}

	hash, err := s.HashPassword(password)
	if err != nil {
		return err
	}
	if err := s.store.Create(ctx, Credential{
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    s.nowFunc().UTC(),
	}); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

// Verify fails with ErrInvalidCredentials for both unknown users and wrong
// passwords.
func (s *Service) Verify(ctx context.Context, username, password string) (Identity, error) {
	// bcrypt would compare only the first 72 bytes.
	if len(password) > maxPasswordLength {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password[:maxPasswordLength]))
		return Identity{}, ErrInvalidCredentials
	}
	cred, err := s.store.Get(ctx, strings.TrimSpace(username))
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			return Identity{}, fmt.Errorf("load credential: %w", err)
		}
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return Identity{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)); err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	return Identity{Username: cred.Username}, nil
}

func (s *Service) IssueSession(id Identity) (IssuedSession, error) {
	if id.Username == "" || id.System {
		return IssuedSession{}, fmt.Errorf("%w: cannot issue a session for this identity", ErrInvalidInput)
	}
	// Token timestamps carry whole seconds.
	now := s.nowFunc().Truncate(time.Second)
	expiresAt := now.Add(s.ttl).Truncate(time.Second)
	token, err := s.signer.Sign(id.Username, now, expiresAt)
	if err != nil {
		return IssuedSession{}, err
	}
	return IssuedSession{Token: token, Username: id.Username, ExpiresAt: expiresAt}, nil
}

func (s *Service) VerifySession(token string) (Identity, error) {
	sess, err := s.signer.Verify(token, s.nowFunc())
	if err != nil {
		return Identity{}, err
	}
	return Identity{Username: sess.Subject}, nil
}

func (s *Service) Login(ctx context.Context, username, password string) (IssuedSession, error) {
	id, err := s.Verify(ctx, username, password)
	if err != nil {
		return IssuedSession{}, err
	}
	return s.IssueSession(id)
}

// ChangePassword fully replaces the stored credential after re-checking the
// current password.
func (s *Service) ChangePassword(ctx context.Context, id Identity, currentPassword, newPassword string) error {
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	if _, err := s.Verify(ctx, id.Username, currentPassword); err != nil {
		return err
	}
	cred, err := s.store.Get(ctx, id.Username)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	hash, err := s.HashPassword(newPassword)
	if err != nil {
		return err
	}
	cred.PasswordHash = hash
	if err := s.store.Replace(ctx, cred); err != nil {
		return fmt.Errorf("store updated password: %w", err)
	}
	return nil
}

// EnsureUser registers username when it does not exist yet. It reports
// whether a credential was created.
func (s *Service) EnsureUser(ctx context.Context, username, password string) (bool, error) {
	err := s.Register(ctx, username, password)
	if errors.Is(err, ErrAlreadyExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func validateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return fmt.Errorf("%w: username must be 2-64 characters of letters, digits, '.', '_' or '-'", ErrInvalidInput)
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength || len(password) > maxPasswordLength {
		return fmt.Errorf("%w: password must be %d-%d bytes", ErrInvalidInput, minPasswordLength, maxPasswordLength)
	}
	return nil
}
