package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"botline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertRole(ctx context.Context, role domain.Role) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO user_roles(name,description,admin,can_create_hidden,can_see_hidden) VALUES (?,?,?,?,?)`,
		role.Name, nullable(role.Description), role.Admin, role.CanCreateHidden, role.CanSeeHidden)
	return err
}

func (r Repo) GetRole(ctx context.Context, name string) (domain.Role, error) {
	var role domain.Role
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT name,description,admin,can_create_hidden,can_see_hidden FROM user_roles WHERE name=?`, name).
		Scan(&role.Name, &desc, &role.Admin, &role.CanCreateHidden, &role.CanSeeHidden)
	if err == sql.ErrNoRows {
		return role, ErrNotFound
	}
	if desc.Valid {
		role.Description = desc.String
	}
	return role, err
}

func (r Repo) ListRoles(ctx context.Context) ([]domain.Role, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name,description,admin,can_create_hidden,can_see_hidden FROM user_roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Role
	for rows.Next() {
		var role domain.Role
		var desc sql.NullString
		if err := rows.Scan(&role.Name, &desc, &role.Admin, &role.CanCreateHidden, &role.CanSeeHidden); err != nil {
			return nil, err
		}
		if desc.Valid {
			role.Description = desc.String
		}
		res = append(res, role)
	}
	return res, rows.Err()
}

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := execer(r.DB, tx)(ctx, `INSERT INTO users(user_id,username,role_name,description,created_at,created_by_id,is_active,is_hidden) VALUES (?,?,?,?,?,?,?,?)`,
		u.UserID, u.Username, u.RoleName, nullable(u.Description), u.CreatedAt, u.CreatedByID, u.IsActive, u.IsHidden)
	return err
}

func scanUser(row *sql.Row) (domain.User, error) {
	var u domain.User
	var desc sql.NullString
	err := row.Scan(&u.UserID, &u.Username, &u.RoleName, &desc, &u.CreatedAt, &u.CreatedByID, &u.IsActive, &u.IsHidden)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if desc.Valid {
		u.Description = desc.String
	}
	return u, err
}

const userCols = `user_id,username,role_name,description,created_at,created_by_id,is_active,is_hidden`

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE user_id=?`, id))
}

func (r Repo) GetUserByUsername(ctx context.Context, username string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE username=?`, username))
}

func (r Repo) ListUsers(ctx context.Context, includeHidden bool) ([]domain.User, error) {
	query := `SELECT ` + userCols + ` FROM users`
	if !includeHidden {
		query += ` WHERE is_hidden=0`
	}
	query += ` ORDER BY created_at DESC, user_id DESC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var desc sql.NullString
		if err := rows.Scan(&u.UserID, &u.Username, &u.RoleName, &desc, &u.CreatedAt, &u.CreatedByID, &u.IsActive, &u.IsHidden); err != nil {
			return nil, err
		}
		if desc.Valid {
			u.Description = desc.String
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) SetUserActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET is_active=? WHERE user_id=?`, active, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM users`).Scan(&n)
	return n, err
}

type EventFilters struct {
	Type       string
	EntityKind string
	EntityID   string
	ActorID    string
	Limit      int
	Cursor     int64
}

func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func execer(db *sql.DB, tx *sql.Tx) func(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if tx != nil {
		return tx.ExecContext
	}
	return db.ExecContext
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
