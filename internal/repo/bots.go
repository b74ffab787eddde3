package repo

import (
	"context"
	"database/sql"

	"botline/internal/domain"
)

const botCols = `bot_id,created_by_id,platform_id,username,token_hash,token_revoked,last_checkin,created_at,is_active,is_hidden`

func (r Repo) InsertBot(ctx context.Context, tx *sql.Tx, b domain.Bot) error {
	_, err := execer(r.DB, tx)(ctx, `INSERT INTO bots(bot_id,created_by_id,platform_id,username,token_hash,token_revoked,last_checkin,created_at,is_active,is_hidden) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		b.BotID, b.CreatedByID, b.PlatformID, b.Username, b.TokenHash, b.TokenRevoked, nullableStringPtr(b.LastCheckin), b.CreatedAt, b.IsActive, b.IsHidden)
	return err
}

func scanBot(row *sql.Row) (domain.Bot, error) {
	var b domain.Bot
	var lastCheckin sql.NullString
	err := row.Scan(&b.BotID, &b.CreatedByID, &b.PlatformID, &b.Username, &b.TokenHash, &b.TokenRevoked, &lastCheckin, &b.CreatedAt, &b.IsActive, &b.IsHidden)
	if err == sql.ErrNoRows {
		return domain.Bot{}, ErrNotFound
	}
	b.LastCheckin = nullStringPtr(lastCheckin)
	return b, err
}

func (r Repo) GetBot(ctx context.Context, id string) (domain.Bot, error) {
	b, err := scanBot(r.DB.QueryRowContext(ctx, `SELECT `+botCols+` FROM bots WHERE bot_id=?`, id))
	if err != nil {
		return b, err
	}
	caps, err := r.ListBotCapabilities(ctx, b.BotID)
	if err != nil {
		return b, err
	}
	b.Capabilities = caps
	return b, nil
}

func (r Repo) GetBotByUsername(ctx context.Context, username string) (domain.Bot, error) {
	return scanBot(r.DB.QueryRowContext(ctx, `SELECT `+botCols+` FROM bots WHERE username=?`, username))
}

type BotFilters struct {
	CreatedByID   string
	PlatformID    string
	IncludeHidden bool
	ActiveOnly    bool
}

func (r Repo) ListBots(ctx context.Context, f BotFilters) ([]domain.Bot, error) {
	query := `SELECT ` + botCols + ` FROM bots WHERE 1=1`
	var args []any
	if f.CreatedByID != "" {
		query += ` AND created_by_id=?`
		args = append(args, f.CreatedByID)
	}
	if f.PlatformID != "" {
		query += ` AND platform_id=?`
		args = append(args, f.PlatformID)
	}
	if !f.IncludeHidden {
		query += ` AND is_hidden=0`
	}
	if f.ActiveOnly {
		query += ` AND is_active=1`
	}
	query += ` ORDER BY created_at DESC, bot_id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Bot
	for rows.Next() {
		var b domain.Bot
		var lastCheckin sql.NullString
		if err := rows.Scan(&b.BotID, &b.CreatedByID, &b.PlatformID, &b.Username, &b.TokenHash, &b.TokenRevoked, &lastCheckin, &b.CreatedAt, &b.IsActive, &b.IsHidden); err != nil {
			return nil, err
		}
		b.LastCheckin = nullStringPtr(lastCheckin)
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) AddBotCapability(ctx context.Context, tx *sql.Tx, botID, capabilityID string) error {
	_, err := execer(r.DB, tx)(ctx, `INSERT OR IGNORE INTO bot_capabilities(bot_id,capability_id) VALUES (?,?)`, botID, capabilityID)
	return err
}

func (r Repo) RemoveBotCapability(ctx context.Context, botID, capabilityID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM bot_capabilities WHERE bot_id=? AND capability_id=?`, botID, capabilityID)
	return err
}

func (r Repo) BotHasCapability(ctx context.Context, tx *sql.Tx, botID, capabilityID string) (bool, error) {
	query := `SELECT COUNT(*) FROM bot_capabilities WHERE bot_id=? AND capability_id=?`
	var n int
	var err error
	if tx != nil {
		err = tx.QueryRowContext(ctx, query, botID, capabilityID).Scan(&n)
	} else {
		err = r.DB.QueryRowContext(ctx, query, botID, capabilityID).Scan(&n)
	}
	return n > 0, err
}

func (r Repo) ListBotCapabilities(ctx context.Context, botID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT capability_id FROM bot_capabilities WHERE bot_id=?`, botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var caps []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		caps = append(caps, id)
	}
	return caps, rows.Err()
}

// EligibleBots returns active, unrevoked bots on the task's platform that hold
// the task's capability and have checked in at or after checkinFloor.
func (r Repo) EligibleBots(ctx context.Context, tx *sql.Tx, platformID, capabilityID, checkinFloor string) ([]domain.Bot, error) {
	query := `SELECT ` + botCols + ` FROM bots
WHERE is_active=1 AND is_hidden=0 AND token_revoked=0 AND platform_id=?
AND last_checkin IS NOT NULL AND last_checkin >= ?
AND EXISTS (SELECT 1 FROM bot_capabilities bc WHERE bc.bot_id=bots.bot_id AND bc.capability_id=?)
ORDER BY last_checkin DESC, bot_id`
	var rows *sql.Rows
	var err error
	if tx != nil {
		rows, err = tx.QueryContext(ctx, query, platformID, checkinFloor, capabilityID)
	} else {
		rows, err = r.DB.QueryContext(ctx, query, platformID, checkinFloor, capabilityID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Bot
	for rows.Next() {
		var b domain.Bot
		var lastCheckin sql.NullString
		if err := rows.Scan(&b.BotID, &b.CreatedByID, &b.PlatformID, &b.Username, &b.TokenHash, &b.TokenRevoked, &lastCheckin, &b.CreatedAt, &b.IsActive, &b.IsHidden); err != nil {
			return nil, err
		}
		b.LastCheckin = nullStringPtr(lastCheckin)
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) RecordCheckin(ctx context.Context, botID, ts string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE bots SET last_checkin=? WHERE bot_id=?`, ts, botID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) RevokeBotToken(ctx context.Context, tx *sql.Tx, botID string) error {
	res, err := execer(r.DB, tx)(ctx, `UPDATE bots SET token_revoked=1 WHERE bot_id=?`, botID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetBotActive(ctx context.Context, botID string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE bots SET is_active=? WHERE bot_id=?`, active, botID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) HideBot(ctx context.Context, botID string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE bots SET is_hidden=1 WHERE bot_id=?`, botID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
