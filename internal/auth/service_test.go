package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "test-secret-0123456789"

func newTestService(t *testing.T, store CredentialStore) *Service {
	t.Helper()
	svc, err := NewService(store, ServiceConfig{Secret: testSecret, BcryptCost: bcrypt.MinCost})
	if err != nil {
		t.Fatalf("NewService() error: %v", err)
	}
	return svc
}

func TestRegisterAndVerify(t *testing.T) {
	svc := newTestService(t, NewInMemoryCredentialStore())
	ctx := context.Background()

	if err := svc.Register(ctx, "admin", "secret123"); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	id, err := svc.Verify(ctx, "admin", "secret123")
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if id.Username != "admin" {
		t.Fatalf("expected username admin, got %q", id.Username)
	}

	for _, bad := range []string{"secret124", "Secret123", "", "secret123 "} {
		if _, err := svc.Verify(ctx, "admin", bad); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("Verify(%q): expected ErrInvalidCredentials, got %v", bad, err)
		}
	}
}

func TestVerifyUnknownUserIsIndistinguishable(t *testing.T) {
	svc := newTestService(t, NewInMemoryCredentialStore())
	_ = svc.Register(context.Background(), "admin", "secret123")

	_, errUnknown := svc.Verify(context.Background(), "ghost", "secret123")
	_, errWrong := svc.Verify(context.Background(), "admin", "wrongpass")
	if !errors.Is(errUnknown, ErrInvalidCredentials) || !errors.Is(errWrong, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for both, got %v and %v", errUnknown, errWrong)
	}
	if errUnknown.Error() != errWrong.Error() {
		t.Fatalf("expected identical error text, got %q and %q", errUnknown, errWrong)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	svc := newTestService(t, NewInMemoryCredentialStore())
	ctx := context.Background()

	if err := svc.Register(ctx, "admin", "secret123"); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if err := svc.Register(ctx, "admin", "other-pass"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestRegisterRejectsInvalidInput(t *testing.T) {
	svc := newTestService(t, NewInMemoryCredentialStore())
	cases := []struct{ username, password string }{
		{"", "secret123"},
		{"a", "secret123"},
		{"bad name", "secret123"},
		{"../etc", "secret123"},
		{"admin", "short"},
		{"admin", strings.Repeat("x", 73)},
	}
	for _, c := range cases {
		if err := svc.Register(context.Background(), c.username, c.password); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("Register(%q, %q): expected ErrInvalidInput, got %v", c.username, c.password, err)
		}
	}
}

func TestConcurrentRegistrationSameUsername(t *testing.T) {
	store, err := NewFileCredentialStore(t.TempDir() + "/users.json")
	if err != nil {
		t.Fatalf("NewFileCredentialStore() error: %v", err)
	}
	svc := newTestService(t, store)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = svc.Register(context.Background(), "race", "secret123")
		}(i)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyExists):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != n-1 {
		t.Fatalf("expected 1 success and %d duplicates, got %d and %d", n-1, ok, dup)
	}
}

func TestSessionLifetime(t *testing.T) {
	svc := newTestService(t, NewInMemoryCredentialStore())
	issuedAt := time.Date(2026, 2, 16, 10, 30, 0, 0, time.UTC)
	svc.nowFunc = func() time.Time { return issuedAt.Add(123456789 * time.Nanosecond) }

	sess, err := svc.IssueSession(Identity{Username: "admin"})
	if err != nil {
		t.Fatalf("IssueSession() error: %v", err)
	}
	if !sess.ExpiresAt.Equal(issuedAt.Add(24 * time.Hour)) {
		t.Fatalf("expected expiry 24h after issuance, got %v", sess.ExpiresAt)
	}

	accepted := []time.Duration{0, time.Second, 12 * time.Hour, 24*time.Hour - time.Nanosecond}
	for _, d := range accepted {
		svc.nowFunc = func() time.Time { return issuedAt.Add(d) }
		id, err := svc.VerifySession(sess.Token)
		if err != nil {
			t.Fatalf("VerifySession() at +%v error: %v", d, err)
		}
		if id.Username != "admin" {
			t.Fatalf("expected subject admin, got %q", id.Username)
		}
	}

	rejected := []time.Duration{24 * time.Hour, 24*time.Hour + time.Nanosecond, 48 * time.Hour}
	for _, d := range rejected {
		svc.nowFunc = func() time.Time { return issuedAt.Add(d) }
		if _, err := svc.VerifySession(sess.Token); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("VerifySession() at +%v: expected ErrUnauthorized, got %v", d, err)
		}
	}
}

func TestVerifySessionRejectsTampering(t *testing.T) {
	svc := newTestService(t, NewInMemoryCredentialStore())
	sess, err := svc.IssueSession(Identity{Username: "admin"})
	if err != nil {
		t.Fatalf("IssueSession() error: %v", err)
	}

	other, err := NewService(NewInMemoryCredentialStore(), ServiceConfig{Secret: "another-secret-abcdef", BcryptCost: bcrypt.MinCost})
	if err != nil {
		t.Fatalf("NewService() error: %v", err)
	}
	if _, err := other.VerifySession(sess.Token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected foreign-secret token to be rejected, got %v", err)
	}

	parts := strings.Split(sess.Token, ".")
	if len(parts) != 3 {
		t.Fatalf("expected a three-part token, got %q", sess.Token)
	}
	forged := parts[0] + "." + parts[1][:len(parts[1])-2] + "AA." + parts[2]
	unsigned := parts[0] + "." + parts[1] + "."
	for _, tok := range []string{"", "garbage", "a.b", "a.b.c", forged, unsigned} {
		if _, err := svc.VerifySession(tok); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("VerifySession(%q): expected ErrUnauthorized, got %v", tok, err)
		}
	}
}

func TestVerifySessionRejectsOtherAlgorithms(t *testing.T) {
	svc := newTestService(t, NewInMemoryCredentialStore())
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}
	for _, method := range []jwt.SigningMethod{jwt.SigningMethodHS384, jwt.SigningMethodHS512} {
		tok, err := jwt.NewWithClaims(method, claims).SignedString([]byte(testSecret))
		if err != nil {
			t.Fatalf("SignedString(%s) error: %v", method.Alg(), err)
		}
		if _, err := svc.VerifySession(tok); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected %s token to be rejected, got %v", method.Alg(), err)
		}
	}

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString(none) error: %v", err)
	}
	if _, err := svc.VerifySession(none); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unsigned token to be rejected, got %v", err)
	}
}

func TestVerifyRejectsPasswordBeyondBcryptLimit(t *testing.T) {
	svc := newTestService(t, NewInMemoryCredentialStore())
	ctx := context.Background()
	password := strings.Repeat("p", maxPasswordLength)
	if err := svc.Register(ctx, "admin", password); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if _, err := svc.Verify(ctx, "admin", password); err != nil {
		t.Fatalf("Verify() with exact password error: %v", err)
	}
	for _, suffix := range []string{"x", "anything-at-all"} {
		if _, err := svc.Verify(ctx, "admin", password+suffix); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("Verify(password+%q): expected ErrInvalidCredentials, got %v", suffix, err)
		}
		if _, err := svc.Login(ctx, "admin", password+suffix); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("Login(password+%q): expected ErrInvalidCredentials, got %v", suffix, err)
		}
	}
}

func TestLoginAndChangePassword(t *testing.T) {
	svc := newTestService(t, NewInMemoryCredentialStore())
	ctx := context.Background()
	if err := svc.Register(ctx, "admin", "oldpass123"); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	sess, err := svc.Login(ctx, "admin", "oldpass123")
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	id, err := svc.VerifySession(sess.Token)
	if err != nil {
		t.Fatalf("VerifySession() error: %v", err)
	}

	if err := svc.ChangePassword(ctx, id, "wrong-current", "NewPassword123!"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := svc.ChangePassword(ctx, id, "oldpass123", "short"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := svc.ChangePassword(ctx, id, "oldpass123", "NewPassword123!"); err != nil {
		t.Fatalf("ChangePassword() error: %v", err)
	}
	if _, err := svc.Login(ctx, "admin", "oldpass123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected old password to fail after change, got %v", err)
	}
	if _, err := svc.Login(ctx, "admin", "NewPassword123!"); err != nil {
		t.Fatalf("expected login with new password to succeed, got %v", err)
	}
}

func TestIssueSessionRejectsSystemIdentity(t *testing.T) {
	svc := newTestService(t, NewInMemoryCredentialStore())
	if _, err := svc.IssueSession(System()); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestEnsureUser(t *testing.T) {
	svc := newTestService(t, NewInMemoryCredentialStore())
	created, err := svc.EnsureUser(context.Background(), "admin", "secret123")
	if err != nil || !created {
		t.Fatalf("expected first EnsureUser to create, got created=%v err=%v", created, err)
	}
	created, err = svc.EnsureUser(context.Background(), "admin", "different1")
	if err != nil || created {
		t.Fatalf("expected second EnsureUser to be a no-op, got created=%v err=%v", created, err)
	}
}

func TestNewServiceRequiresSecret(t *testing.T) {
	if _, err := NewService(NewInMemoryCredentialStore(), ServiceConfig{Secret: "short"}); err == nil {
		t.Fatalf("expected error for short secret")
	}
	if _, err := NewService(nil, ServiceConfig{Secret: testSecret}); err == nil {
		t.Fatalf("expected error for nil store")
	}
}
