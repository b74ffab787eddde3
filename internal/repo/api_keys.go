package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"botline/internal/domain"
)

// InsertAPIKey stores a hashed API key. KeyHash must already contain the hashed value.
func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, key domain.APIKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.UserID == "" {
		return errors.New("user_id required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	_, err := execer(r.DB, tx)(ctx, `INSERT INTO api_keys(id,name,key_hash,user_id,created_at,created_by_id,last_used,is_active,is_hidden) VALUES (?,?,?,?,?,?,?,?,?)`,
		key.ID, nullable(key.Name), key.KeyHash, key.UserID, key.CreatedAt, key.CreatedByID, nullableStringPtr(key.LastUsed), key.IsActive, key.IsHidden)
	return err
}

const apiKeyCols = `id,COALESCE(name,''),key_hash,user_id,created_at,created_by_id,last_used,is_active,is_hidden`

func scanAPIKey(row *sql.Row) (domain.APIKey, error) {
	var key domain.APIKey
	var lastUsed sql.NullString
	err := row.Scan(&key.ID, &key.Name, &key.KeyHash, &key.UserID, &key.CreatedAt, &key.CreatedByID, &lastUsed, &key.IsActive, &key.IsHidden)
	if err == sql.ErrNoRows {
		return domain.APIKey{}, ErrNotFound
	}
	key.LastUsed = nullStringPtr(lastUsed)
	return key, err
}

// GetAPIKeyByHash returns an API key by its hashed value.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	return scanAPIKey(r.DB.QueryRowContext(ctx, `SELECT `+apiKeyCols+` FROM api_keys WHERE key_hash=? LIMIT 1`, hash))
}

func (r Repo) GetAPIKey(ctx context.Context, id string) (domain.APIKey, error) {
	return scanAPIKey(r.DB.QueryRowContext(ctx, `SELECT `+apiKeyCols+` FROM api_keys WHERE id=?`, id))
}

// ListAPIKeys returns API keys, optionally filtered by user ID.
func (r Repo) ListAPIKeys(ctx context.Context, userID string) ([]domain.APIKey, error) {
	query := `SELECT ` + apiKeyCols + ` FROM api_keys`
	var args []any
	if userID != "" {
		query += ` WHERE user_id=?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		var key domain.APIKey
		var lastUsed sql.NullString
		if err := rows.Scan(&key.ID, &key.Name, &key.KeyHash, &key.UserID, &key.CreatedAt, &key.CreatedByID, &lastUsed, &key.IsActive, &key.IsHidden); err != nil {
			return nil, err
		}
		key.LastUsed = nullStringPtr(lastUsed)
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// TouchAPIKey stamps last_used. Best effort, callers ignore the error.
func (r Repo) TouchAPIKey(ctx context.Context, id, ts string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE api_keys SET last_used=? WHERE id=?`, ts, id)
	return err
}

// DeactivateAPIKey disables a key without deleting its audit trail.
func (r Repo) DeactivateAPIKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE api_keys SET is_active=0 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
