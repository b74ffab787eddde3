package repo

import (
	"context"
	"database/sql"
	"strings"

	"botline/internal/domain"
)

const executionCols = `execution_id,task_id,created_by_id,assigned_to,status,started_at,claimed_at,completed_at,proof_of_work_id,error_message,results_json,retry_count,is_hidden`

func (r Repo) InsertExecution(ctx context.Context, tx *sql.Tx, e domain.TaskExecution) error {
	_, err := execer(r.DB, tx)(ctx, `INSERT INTO task_executions(`+executionCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ExecutionID, e.TaskID, e.CreatedByID, nullableStringPtr(e.AssignedTo), string(e.Status), e.StartedAt,
		nullableStringPtr(e.ClaimedAt), nullableStringPtr(e.CompletedAt), nullableStringPtr(e.ProofOfWorkID),
		nullable(e.ErrorMessage), nullableStringPtr(e.ResultsJSON), e.RetryCount, e.IsHidden)
	return err
}

func scanExecutionRow(scan func(dest ...any) error) (domain.TaskExecution, error) {
	var e domain.TaskExecution
	var assignedTo, claimedAt, completedAt, powID, errMsg, results sql.NullString
	var status string
	err := scan(&e.ExecutionID, &e.TaskID, &e.CreatedByID, &assignedTo, &status, &e.StartedAt,
		&claimedAt, &completedAt, &powID, &errMsg, &results, &e.RetryCount, &e.IsHidden)
	if err != nil {
		return e, err
	}
	e.Status = domain.ExecutionStatus(status)
	e.AssignedTo = nullStringPtr(assignedTo)
	e.ClaimedAt = nullStringPtr(claimedAt)
	e.CompletedAt = nullStringPtr(completedAt)
	e.ProofOfWorkID = nullStringPtr(powID)
	if errMsg.Valid {
		e.ErrorMessage = errMsg.String
	}
	e.ResultsJSON = nullStringPtr(results)
	return e, nil
}

func (r Repo) GetExecution(ctx context.Context, id string) (domain.TaskExecution, error) {
	e, err := scanExecutionRow(r.DB.QueryRowContext(ctx, `SELECT `+executionCols+` FROM task_executions WHERE execution_id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) GetExecutionTx(ctx context.Context, tx *sql.Tx, id string) (domain.TaskExecution, error) {
	e, err := scanExecutionRow(tx.QueryRowContext(ctx, `SELECT `+executionCols+` FROM task_executions WHERE execution_id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

type ExecutionFilters struct {
	TaskID        string
	Status        string
	AssignedTo    string
	IncludeHidden bool
	Limit         int
}

func (r Repo) ListExecutions(ctx context.Context, f ExecutionFilters) ([]domain.TaskExecution, error) {
	var clauses []string
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	if !f.IncludeHidden {
		clauses = append(clauses, "is_hidden=0")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + executionCols + ` FROM task_executions ` + where + ` ORDER BY started_at DESC, execution_id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskExecution
	for rows.Next() {
		e, err := scanExecutionRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ListOpenExecutionsForTask returns non-terminal executions for a task,
// pending ones first so claims drain the broadcast pool in order.
func (r Repo) ListOpenExecutionsForTask(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.TaskExecution, error) {
	query := `SELECT ` + executionCols + ` FROM task_executions WHERE task_id=? AND status IN ('broadcasted','claimed','in_progress') ORDER BY status, started_at, execution_id`
	var rows *sql.Rows
	var err error
	if tx != nil {
		rows, err = tx.QueryContext(ctx, query, taskID)
	} else {
		rows, err = r.DB.QueryContext(ctx, query, taskID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskExecution
	for rows.Next() {
		e, err := scanExecutionRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ListOffersForBot returns broadcasted executions a bot may claim: offers
// targeted at it plus unassigned ones whose task matches the bot's platform
// and capabilities.
func (r Repo) ListOffersForBot(ctx context.Context, b domain.Bot) ([]domain.TaskExecution, error) {
	query := `SELECT e.execution_id,e.task_id,e.created_by_id,e.assigned_to,e.status,e.started_at,e.claimed_at,e.completed_at,e.proof_of_work_id,e.error_message,e.results_json,e.retry_count,e.is_hidden
FROM task_executions e JOIN tasks t ON t.task_id=e.task_id
WHERE e.status='broadcasted' AND (e.assigned_to=?
	OR (e.assigned_to IS NULL AND t.platform_id=?
		AND EXISTS (SELECT 1 FROM bot_capabilities bc WHERE bc.bot_id=? AND bc.capability_id=t.capability_id)))
ORDER BY e.started_at, e.execution_id`
	rows, err := r.DB.QueryContext(ctx, query, b.BotID, b.PlatformID, b.BotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskExecution
	for rows.Next() {
		e, err := scanExecutionRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountOpenAssignments counts claimed or in_progress executions of one task
// held by one bot. A bot never works the same task twice concurrently.
func (r Repo) CountOpenAssignments(ctx context.Context, tx *sql.Tx, taskID, botID string) (int, error) {
	query := `SELECT COUNT(*) FROM task_executions WHERE task_id=? AND assigned_to=? AND status IN ('claimed','in_progress')`
	var n int
	var err error
	if tx != nil {
		err = tx.QueryRowContext(ctx, query, taskID, botID).Scan(&n)
	} else {
		err = r.DB.QueryRowContext(ctx, query, taskID, botID).Scan(&n)
	}
	return n, err
}

// ListLiveExecutions returns claimed or in_progress executions, the sweep
// candidates.
func (r Repo) ListLiveExecutions(ctx context.Context) ([]domain.TaskExecution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+executionCols+` FROM task_executions WHERE status IN ('claimed','in_progress') ORDER BY started_at, execution_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskExecution
	for rows.Next() {
		e, err := scanExecutionRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ExecutionPatch carries the columns a status transition may set alongside
// the new status. Nil fields are left untouched.
type ExecutionPatch struct {
	AssignedTo    *string
	ClaimedAt     *string
	CompletedAt   *string
	ProofOfWorkID *string
	ErrorMessage  *string
	ResultsJSON   *string
	BumpRetry     bool
}

// CompareAndSetExecutionStatus moves an execution from one status to another
// atomically. The WHERE clause guards on the expected current status, so of
// two racing writers exactly one observes a single affected row.
func (r Repo) CompareAndSetExecutionStatus(ctx context.Context, tx *sql.Tx, executionID string, from, to domain.ExecutionStatus, patch ExecutionPatch) (bool, error) {
	fields := []string{"status=?"}
	args := []any{string(to)}
	if patch.AssignedTo != nil {
		fields = append(fields, "assigned_to=?")
		args = append(args, *patch.AssignedTo)
	}
	if patch.ClaimedAt != nil {
		fields = append(fields, "claimed_at=?")
		args = append(args, *patch.ClaimedAt)
	}
	if patch.CompletedAt != nil {
		fields = append(fields, "completed_at=?")
		args = append(args, *patch.CompletedAt)
	}
	if patch.ProofOfWorkID != nil {
		fields = append(fields, "proof_of_work_id=?")
		args = append(args, *patch.ProofOfWorkID)
	}
	if patch.ErrorMessage != nil {
		fields = append(fields, "error_message=?")
		args = append(args, nullable(*patch.ErrorMessage))
	}
	if patch.ResultsJSON != nil {
		fields = append(fields, "results_json=?")
		args = append(args, *patch.ResultsJSON)
	}
	if patch.BumpRetry {
		fields = append(fields, "retry_count=retry_count+1")
	}
	args = append(args, executionID, string(from))
	res, err := execer(r.DB, tx)(ctx, `UPDATE task_executions SET `+strings.Join(fields, ",")+` WHERE execution_id=? AND status=?`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// HideExecution soft-deletes an execution from default listings.
func (r Repo) HideExecution(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE task_executions SET is_hidden=1 WHERE execution_id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
