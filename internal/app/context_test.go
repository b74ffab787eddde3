package app_test

import (
	"context"
	"testing"

	"botline/internal/app"
	"botline/internal/db"
	"botline/internal/engine/auth"
	"botline/internal/migrate"
	"botline/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestBootstrapSeedsAdminAndKey(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	res, err := app.Bootstrap(ctx, r, "root")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if res.AdminUser == nil || res.APIKeyPlaintext == "" {
		t.Fatalf("expected seeded admin with a one-time key, got %+v", res)
	}

	// the key row references the admin it authenticates
	key, err := r.GetAPIKeyByHash(ctx, auth.HashKey(res.APIKeyPlaintext))
	if err != nil {
		t.Fatalf("load key: %v", err)
	}
	if key.UserID != res.AdminUser.UserID {
		t.Fatalf("key belongs to %s, want %s", key.UserID, res.AdminUser.UserID)
	}
	if key.CreatedByID != res.AdminUser.UserID {
		t.Fatalf("key created_by %s, want the admin itself", key.CreatedByID)
	}

	// roles are in place
	for _, name := range []string{"admin", "operator", "auditor"} {
		if _, err := r.GetRole(ctx, name); err != nil {
			t.Fatalf("role %s not seeded: %v", name, err)
		}
	}
}

func TestBootstrapIsIdempotent(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	if _, err := app.Bootstrap(ctx, r, "root"); err != nil {
		t.Fatalf("first bootstrap: %v", err)
	}
	again, err := app.Bootstrap(ctx, r, "root")
	if err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	if !again.AlreadyBootstrap || again.AdminUser != nil || again.APIKeyPlaintext != "" {
		t.Fatalf("rerun must not reseed, got %+v", again)
	}
	n, err := r.CountUsers(ctx)
	if err != nil {
		t.Fatalf("count users: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one user, got %d", n)
	}
}
