package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"botline/internal/domain"
)

const taskCols = `task_id,name,description,config_json,capability_id,platform_id,created_by_id,created_at,notification_config_id,next_run,last_run,timeout_seconds,cron_schedule,dispatch_mode,max_retries,proof_of_work_required,is_active,is_hidden`

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := execer(r.DB, tx)(ctx, `INSERT INTO tasks(`+taskCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.TaskID, t.Name, nullable(t.Description), t.ConfigJSON, t.CapabilityID, t.PlatformID, t.CreatedByID, t.CreatedAt,
		nullableStringPtr(t.NotificationConfigID), nullableStringPtr(t.NextRun), nullableStringPtr(t.LastRun),
		t.TimeoutSeconds, nullableStringPtr(t.CronSchedule), string(t.DispatchMode), t.MaxRetries,
		t.ProofOfWorkRequired, t.IsActive, t.IsHidden)
	return err
}

func scanTaskRow(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var desc, notifID, nextRun, lastRun, cron sql.NullString
	var mode string
	err := scan(&t.TaskID, &t.Name, &desc, &t.ConfigJSON, &t.CapabilityID, &t.PlatformID, &t.CreatedByID, &t.CreatedAt,
		&notifID, &nextRun, &lastRun, &t.TimeoutSeconds, &cron, &mode, &t.MaxRetries,
		&t.ProofOfWorkRequired, &t.IsActive, &t.IsHidden)
	if err != nil {
		return t, err
	}
	if desc.Valid {
		t.Description = desc.String
	}
	t.NotificationConfigID = nullStringPtr(notifID)
	t.NextRun = nullStringPtr(nextRun)
	t.LastRun = nullStringPtr(lastRun)
	t.CronSchedule = nullStringPtr(cron)
	t.DispatchMode = domain.DispatchMode(mode)
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTaskRow(r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE task_id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	t, err := scanTaskRow(tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE task_id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

type TaskFilters struct {
	CapabilityID  string
	PlatformID    string
	CreatedByID   string
	ActiveOnly    bool
	IncludeHidden bool
	Limit         int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.CapabilityID != "" {
		clauses = append(clauses, "capability_id=?")
		args = append(args, f.CapabilityID)
	}
	if f.PlatformID != "" {
		clauses = append(clauses, "platform_id=?")
		args = append(args, f.PlatformID)
	}
	if f.CreatedByID != "" {
		clauses = append(clauses, "created_by_id=?")
		args = append(args, f.CreatedByID)
	}
	if f.ActiveOnly {
		clauses = append(clauses, "is_active=1")
	}
	if !f.IncludeHidden {
		clauses = append(clauses, "is_hidden=0")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskCols + ` FROM tasks ` + where + ` ORDER BY created_at DESC, task_id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTaskRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListDueTasks returns active tasks whose next_run has arrived. RFC3339 UTC
// strings compare lexicographically, so the predicate runs in SQL.
func (r Repo) ListDueTasks(ctx context.Context, now string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE is_active=1 AND next_run IS NOT NULL AND next_run <= ? ORDER BY next_run, task_id`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTaskRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// AdvanceNextRun moves a task's schedule forward only if next_run still holds
// the value the caller dispatched against. Returns false when another tick won.
func (r Repo) AdvanceNextRun(ctx context.Context, tx *sql.Tx, taskID, expectedNextRun string, newNextRun *string, lastRun string) (bool, error) {
	res, err := execer(r.DB, tx)(ctx, `UPDATE tasks SET next_run=?, last_run=? WHERE task_id=? AND next_run=?`,
		nullableStringPtr(newNextRun), lastRun, taskID, expectedNextRun)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) SetTaskInactive(ctx context.Context, tx *sql.Tx, taskID string) error {
	_, err := execer(r.DB, tx)(ctx, `UPDATE tasks SET is_active=0 WHERE task_id=?`, taskID)
	return err
}

type TaskUpdate struct {
	Name                 *string
	Description          *string
	ConfigJSON           *string
	NotificationConfigID *string
	NextRun              *string
	TimeoutSeconds       *int
	CronSchedule         *string
	DispatchMode         *string
	MaxRetries           *int
	ProofOfWorkRequired  *bool
	IsActive             *bool
	IsHidden             *bool
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, id string, u TaskUpdate) error {
	var fields []string
	var args []any
	if u.Name != nil {
		fields = append(fields, "name=?")
		args = append(args, *u.Name)
	}
	if u.Description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(*u.Description))
	}
	if u.ConfigJSON != nil {
		fields = append(fields, "config_json=?")
		args = append(args, *u.ConfigJSON)
	}
	if u.NotificationConfigID != nil {
		fields = append(fields, "notification_config_id=?")
		args = append(args, nullable(*u.NotificationConfigID))
	}
	if u.NextRun != nil {
		fields = append(fields, "next_run=?")
		args = append(args, nullable(*u.NextRun))
	}
	if u.TimeoutSeconds != nil {
		fields = append(fields, "timeout_seconds=?")
		args = append(args, *u.TimeoutSeconds)
	}
	if u.CronSchedule != nil {
		fields = append(fields, "cron_schedule=?")
		args = append(args, nullable(*u.CronSchedule))
	}
	if u.DispatchMode != nil {
		fields = append(fields, "dispatch_mode=?")
		args = append(args, *u.DispatchMode)
	}
	if u.MaxRetries != nil {
		fields = append(fields, "max_retries=?")
		args = append(args, *u.MaxRetries)
	}
	if u.ProofOfWorkRequired != nil {
		fields = append(fields, "proof_of_work_required=?")
		args = append(args, *u.ProofOfWorkRequired)
	}
	if u.IsActive != nil {
		fields = append(fields, "is_active=?")
		args = append(args, *u.IsActive)
	}
	if u.IsHidden != nil {
		fields = append(fields, "is_hidden=?")
		args = append(args, *u.IsHidden)
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := execer(r.DB, tx)(ctx, fmt.Sprintf(`UPDATE tasks SET %s WHERE task_id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
