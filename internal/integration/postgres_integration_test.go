package integration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/Karnemorkon/matrix-dendrite-setup/internal/audit"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/auth"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/migrations"
)

func openTestPostgres(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping Postgres integration tests")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("sql.Open() error: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	if err := db.Ping(); err != nil {
		t.Fatalf("db.Ping() error: %v", err)
	}
	if err := migrations.Up(db); err != nil {
		t.Fatalf("migrations.Up() error: %v", err)
	}
	return db
}

func TestPostgresCredentialRoundTrip(t *testing.T) {
	db := openTestPostgres(t)
	ctx := context.Background()

	store, err := auth.NewPostgresCredentialStore(db)
	if err != nil {
		t.Fatalf("NewPostgresCredentialStore() error: %v", err)
	}
	svc, err := auth.NewService(store, auth.ServiceConfig{
		Secret:     "integration-secret-0123",
		SessionTTL: time.Minute,
	})
	if err != nil {
		t.Fatalf("NewService() error: %v", err)
	}

	username := fmt.Sprintf("itest_%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = db.Exec("DELETE FROM admin_users WHERE username = $1", username)
	})

	if err := svc.Register(ctx, username, "Password123!"); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if err := svc.Register(ctx, username, "Password123!"); !errors.Is(err, auth.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists on duplicate, got %v", err)
	}

	session, err := svc.Login(ctx, username, "Password123!")
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}

	// A second instance sharing only the secret accepts the token.
	svc2, err := auth.NewService(store, auth.ServiceConfig{Secret: "integration-secret-0123"})
	if err != nil {
		t.Fatalf("NewService() second instance error: %v", err)
	}
	id, err := svc2.VerifySession(session.Token)
	if err != nil {
		t.Fatalf("VerifySession() error: %v", err)
	}
	if id.Username != username {
		t.Fatalf("expected username %q, got %q", username, id.Username)
	}

	if err := svc.ChangePassword(ctx, id, "Password123!", "NewPassword456!"); err != nil {
		t.Fatalf("ChangePassword() error: %v", err)
	}
	if _, err := svc.Login(ctx, username, "Password123!"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected old password to be rejected, got %v", err)
	}
	if _, err := svc.Login(ctx, username, "NewPassword456!"); err != nil {
		t.Fatalf("Login() with new password error: %v", err)
	}
}

func TestPostgresAuditAppendOnly(t *testing.T) {
	db := openTestPostgres(t)
	ctx := context.Background()

	logger, err := audit.NewPostgresLogger(db)
	if err != nil {
		t.Fatalf("NewPostgresLogger() error: %v", err)
	}

	action := fmt.Sprintf("itest_action_%d", time.Now().UnixNano())
	for i := 0; i < 3; i++ {
		if err := logger.Record(ctx, audit.Event{
			Actor:   "itest",
			Action:  action,
			Details: map[string]any{"seq": i},
			Result:  audit.ResultSuccess,
		}); err != nil {
			t.Fatalf("Record() error: %v", err)
		}
	}

	events, err := logger.List(ctx, 3)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, e := range events {
		if e.Action != action {
			t.Fatalf("event %d: expected action %q, got %q", i, action, e.Action)
		}
		if seq, _ := e.Details["seq"].(float64); int(seq) != 2-i {
			t.Fatalf("event %d: expected seq %d, got %v", i, 2-i, e.Details["seq"])
		}
	}

	if _, err := db.Exec("UPDATE audit_events SET actor = 'tampered' WHERE action = $1", action); err == nil {
		t.Fatalf("expected UPDATE on audit_events to be rejected")
	}
	if _, err := db.Exec("DELETE FROM audit_events WHERE action = $1", action); err == nil {
		t.Fatalf("expected DELETE on audit_events to be rejected")
	}
}

func TestPostgresMigrationStatus(t *testing.T) {
	db := openTestPostgres(t)

	st, err := migrations.CurrentStatus(db)
	if err != nil {
		t.Fatalf("CurrentStatus() error: %v", err)
	}
	if st.Dirty {
		t.Fatalf("expected clean schema")
	}
	if st.Version != st.Latest {
		t.Fatalf("expected version %d, got %d", st.Latest, st.Version)
	}
}
