package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"botline/internal/domain"
	"botline/internal/engine/auth"
	"botline/internal/repo"
)

// defaultRoles is the role footprint every workspace gets. Admins manage the
// catalog and other users; operators run their own tasks and bots; auditors
// can read everything, hidden resources included.
var defaultRoles = []domain.Role{
	{Name: "admin", Description: "Full control", Admin: true, CanCreateHidden: true, CanSeeHidden: true},
	{Name: "operator", Description: "Creates and runs tasks and bots"},
	{Name: "auditor", Description: "Read access including hidden resources", CanSeeHidden: true},
}

// BootstrapResult reports what seeding produced. APIKeyPlaintext is set only
// when a fresh admin was created; it is shown once and never stored.
type BootstrapResult struct {
	AdminUser        *domain.User
	APIKeyPlaintext  string
	RolesSeeded      bool
	AlreadyBootstrap bool
}

// Bootstrap seeds the default roles and, on an empty database, a first admin
// user with an API key. Safe to call on every startup.
func Bootstrap(ctx context.Context, r repo.Repo, adminUsername string) (BootstrapResult, error) {
	var res BootstrapResult
	for _, role := range defaultRoles {
		if _, err := r.GetRole(ctx, role.Name); err == nil {
			continue
		} else if !errors.Is(err, repo.ErrNotFound) {
			return res, err
		}
		if err := r.InsertRole(ctx, role); err != nil {
			return res, fmt.Errorf("seed role %s: %w", role.Name, err)
		}
		res.RolesSeeded = true
	}

	n, err := r.CountUsers(ctx)
	if err != nil {
		return res, err
	}
	if n > 0 {
		res.AlreadyBootstrap = true
		return res, nil
	}

	if adminUsername == "" {
		adminUsername = "admin"
	}
	now := time.Now().UTC().Format(time.RFC3339)
	u := domain.User{
		UserID:      uuid.New().String(),
		Username:    adminUsername,
		RoleName:    "admin",
		Description: "bootstrap admin",
		CreatedAt:   now,
		CreatedByID: "bootstrap",
		IsActive:    true,
	}
	plaintext, hash, err := auth.GenerateAPIKey()
	if err != nil {
		return res, err
	}
	// the key's created_by_id references users, so the admin owns its own key
	key := domain.APIKey{
		ID:          uuid.New().String(),
		Name:        "bootstrap",
		KeyHash:     hash,
		UserID:      u.UserID,
		CreatedAt:   now,
		CreatedByID: u.UserID,
		IsActive:    true,
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	if err := r.InsertUser(ctx, tx, u); err != nil {
		return res, fmt.Errorf("seed admin user: %w", err)
	}
	if err := r.InsertAPIKey(ctx, tx, key); err != nil {
		return res, fmt.Errorf("seed admin api key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	res.AdminUser = &u
	res.APIKeyPlaintext = plaintext
	return res, nil
}
