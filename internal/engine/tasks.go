package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"botline/internal/domain"
	"botline/internal/events"
	"botline/internal/repo"
	"botline/internal/schedule"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	Name                 string
	Description          string
	ConfigJSON           string
	CapabilityID         string
	PlatformID           string
	NotificationConfigID string
	CronSchedule         string
	RunAt                string
	TimeoutSeconds       int
	DispatchMode         string
	MaxRetries           *int
	ProofOfWorkRequired  bool
	Hidden               bool
}

func (e Engine) CreateTask(ctx context.Context, actor Actor, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Name == "" {
		return domain.Task{}, ValidationError{Field: "name", Reason: "required"}
	}
	if opts.ConfigJSON == "" {
		opts.ConfigJSON = "{}"
	}
	if err := validateJSON(opts.ConfigJSON); err != nil {
		return domain.Task{}, ValidationError{Field: "config_json", Reason: "not valid JSON"}
	}
	if opts.CapabilityID == "" {
		return domain.Task{}, ValidationError{Field: "capability_id", Reason: "required"}
	}
	if opts.PlatformID == "" {
		return domain.Task{}, ValidationError{Field: "platform_id", Reason: "required"}
	}
	if _, err := e.Repo.GetCapability(ctx, opts.CapabilityID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, ValidationError{Field: "capability_id", Reason: "unknown capability " + opts.CapabilityID}
		}
		return domain.Task{}, err
	}
	if _, err := e.Repo.GetPlatform(ctx, opts.PlatformID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, ValidationError{Field: "platform_id", Reason: "unknown platform " + opts.PlatformID}
		}
		return domain.Task{}, err
	}
	if opts.NotificationConfigID != "" {
		if _, err := e.Repo.GetNotificationConfig(ctx, opts.NotificationConfigID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Task{}, ValidationError{Field: "notification_config_id", Reason: "unknown notification config"}
			}
			return domain.Task{}, err
		}
	}
	if opts.Hidden && !actor.Role.CanCreateHidden && !actor.Role.Admin {
		return domain.Task{}, AuthorizationError{Reason: "cannot create hidden resources"}
	}
	mode := domain.DispatchMode(opts.DispatchMode)
	if mode == "" {
		mode = domain.DispatchBroadcast
	}
	if mode != domain.DispatchBroadcast && mode != domain.DispatchSingle {
		return domain.Task{}, ValidationError{Field: "dispatch_mode", Reason: "must be broadcast or single"}
	}
	timeout := opts.TimeoutSeconds
	if timeout == 0 && e.Config != nil {
		timeout = e.Config.Dispatch.DefaultTimeoutSeconds
	}
	if timeout <= 0 {
		return domain.Task{}, ValidationError{Field: "timeout_seconds", Reason: "must be positive"}
	}
	maxRetries := 0
	if e.Config != nil {
		maxRetries = e.Config.Dispatch.DefaultMaxRetries
	}
	if opts.MaxRetries != nil {
		if *opts.MaxRetries < 0 {
			return domain.Task{}, ValidationError{Field: "max_retries", Reason: "must not be negative"}
		}
		maxRetries = *opts.MaxRetries
	}

	now := e.now().UTC()
	var cronExpr, nextRun *string
	switch {
	case opts.CronSchedule != "" && opts.RunAt != "":
		return domain.Task{}, ValidationError{Field: "cron_schedule", Reason: "cron_schedule and run_at are mutually exclusive"}
	case opts.CronSchedule != "":
		normalized, err := schedule.Normalize(opts.CronSchedule)
		if err != nil {
			return domain.Task{}, ValidationError{Field: "cron_schedule", Reason: err.Error()}
		}
		next, err := schedule.NextRun(normalized, now)
		if err != nil {
			return domain.Task{}, ValidationError{Field: "cron_schedule", Reason: err.Error()}
		}
		cronExpr = &normalized
		nextRun = optionalString(next.Format(time.RFC3339))
	case opts.RunAt != "":
		at, err := time.Parse(time.RFC3339, opts.RunAt)
		if err != nil {
			return domain.Task{}, ValidationError{Field: "run_at", Reason: "must be RFC3339"}
		}
		nextRun = optionalString(at.UTC().Format(time.RFC3339))
	default:
		// one-shot, due immediately
		nextRun = optionalString(now.Format(time.RFC3339))
	}

	t := domain.Task{
		TaskID:               uuid.New().String(),
		Name:                 opts.Name,
		Description:          opts.Description,
		ConfigJSON:           opts.ConfigJSON,
		CapabilityID:         opts.CapabilityID,
		PlatformID:           opts.PlatformID,
		CreatedByID:          actor.User.UserID,
		CreatedAt:            now.Format(time.RFC3339),
		NotificationConfigID: optionalString(opts.NotificationConfigID),
		NextRun:              nextRun,
		TimeoutSeconds:       timeout,
		CronSchedule:         cronExpr,
		DispatchMode:         mode,
		MaxRetries:           maxRetries,
		ProofOfWorkRequired:  opts.ProofOfWorkRequired,
		IsActive:             true,
		IsHidden:             opts.Hidden,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.created", "task", t.TaskID, actor.User.UserID, events.EventPayload{
		"name": t.Name, "capability_id": t.CapabilityID, "platform_id": t.PlatformID, "dispatch_mode": string(t.DispatchMode),
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) GetTask(ctx context.Context, actor Actor, id string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, NotFoundError{Kind: "task", ID: id}
		}
		return domain.Task{}, err
	}
	if !e.canSee(actor, t.CreatedByID, t.IsHidden) {
		return domain.Task{}, NotFoundError{Kind: "task", ID: id}
	}
	return t, nil
}

func (e Engine) ListTasks(ctx context.Context, actor Actor, f repo.TaskFilters) ([]domain.Task, error) {
	f.IncludeHidden = actor.Role.Admin || actor.Role.CanSeeHidden
	return e.Repo.ListTasks(ctx, f)
}

// TaskUpdateOptions encapsulates allowed updates.
type TaskUpdateOptions struct {
	Name                 *string
	Description          *string
	ConfigJSON           *string
	NotificationConfigID *string
	CronSchedule         *string
	RunAt                *string
	TimeoutSeconds       *int
	DispatchMode         *string
	MaxRetries           *int
	ProofOfWorkRequired  *bool
	IsActive             *bool
}

func (e Engine) UpdateTask(ctx context.Context, actor Actor, id string, opts TaskUpdateOptions) (domain.Task, error) {
	t, err := e.GetTask(ctx, actor, id)
	if err != nil {
		return domain.Task{}, err
	}
	if t.CreatedByID != actor.User.UserID && !actor.Role.Admin {
		return domain.Task{}, AuthorizationError{Reason: "only the owner or an admin may update a task"}
	}
	var u repo.TaskUpdate
	u.Name = opts.Name
	u.Description = opts.Description
	u.NotificationConfigID = opts.NotificationConfigID
	u.TimeoutSeconds = opts.TimeoutSeconds
	u.MaxRetries = opts.MaxRetries
	u.ProofOfWorkRequired = opts.ProofOfWorkRequired
	u.IsActive = opts.IsActive
	if opts.ConfigJSON != nil {
		if err := validateJSON(*opts.ConfigJSON); err != nil {
			return domain.Task{}, ValidationError{Field: "config_json", Reason: "not valid JSON"}
		}
		u.ConfigJSON = opts.ConfigJSON
	}
	if opts.DispatchMode != nil {
		m := domain.DispatchMode(*opts.DispatchMode)
		if m != domain.DispatchBroadcast && m != domain.DispatchSingle {
			return domain.Task{}, ValidationError{Field: "dispatch_mode", Reason: "must be broadcast or single"}
		}
		u.DispatchMode = opts.DispatchMode
	}
	if opts.TimeoutSeconds != nil && *opts.TimeoutSeconds <= 0 {
		return domain.Task{}, ValidationError{Field: "timeout_seconds", Reason: "must be positive"}
	}
	if opts.MaxRetries != nil && *opts.MaxRetries < 0 {
		return domain.Task{}, ValidationError{Field: "max_retries", Reason: "must not be negative"}
	}
	if opts.CronSchedule != nil {
		if *opts.CronSchedule == "" {
			empty := ""
			u.CronSchedule = &empty
		} else {
			normalized, err := schedule.Normalize(*opts.CronSchedule)
			if err != nil {
				return domain.Task{}, ValidationError{Field: "cron_schedule", Reason: err.Error()}
			}
			next, err := schedule.NextRun(normalized, e.now())
			if err != nil {
				return domain.Task{}, ValidationError{Field: "cron_schedule", Reason: err.Error()}
			}
			u.CronSchedule = &normalized
			nextStr := next.Format(time.RFC3339)
			u.NextRun = &nextStr
		}
	}
	if opts.RunAt != nil {
		if opts.CronSchedule != nil && *opts.CronSchedule != "" {
			return domain.Task{}, ValidationError{Field: "run_at", Reason: "cron_schedule and run_at are mutually exclusive"}
		}
		at, err := time.Parse(time.RFC3339, *opts.RunAt)
		if err != nil {
			return domain.Task{}, ValidationError{Field: "run_at", Reason: "must be RFC3339"}
		}
		nextStr := at.UTC().Format(time.RFC3339)
		u.NextRun = &nextStr
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, id, u); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, NotFoundError{Kind: "task", ID: id}
		}
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.updated", "task", id, actor.User.UserID, events.EventPayload{}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, id)
}

// HideTask soft-deletes a task from default listings. History stays intact.
func (e Engine) HideTask(ctx context.Context, actor Actor, id string) error {
	t, err := e.GetTask(ctx, actor, id)
	if err != nil {
		return err
	}
	if t.CreatedByID != actor.User.UserID && !actor.Role.Admin {
		return AuthorizationError{Reason: "only the owner or an admin may hide a task"}
	}
	hidden := true
	inactive := false
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, id, repo.TaskUpdate{IsHidden: &hidden, IsActive: &inactive}); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.hidden", "task", id, actor.User.UserID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

// TriggerExecution dispatches a task immediately, outside its schedule.
func (e Engine) TriggerExecution(ctx context.Context, actor Actor, taskID string) ([]domain.TaskExecution, error) {
	t, err := e.GetTask(ctx, actor, taskID)
	if err != nil {
		return nil, err
	}
	if !t.IsActive {
		return nil, ValidationError{Field: "task_id", Reason: "task is inactive"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	// same rule as the scheduler: work still outstanding blocks a new round
	open, err := e.Repo.ListOpenExecutionsForTask(ctx, tx, t.TaskID)
	if err != nil {
		return nil, err
	}
	if len(open) > 0 {
		return nil, ConflictError{Kind: "task", ID: t.TaskID}
	}
	execs, err := e.dispatchTask(ctx, tx, t, actor.User.UserID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return execs, nil
}

// AddProofOfWork records an artifact and links it to an execution.
func (e Engine) AddProofOfWork(ctx context.Context, actor Actor, executionID, name, link, description string) (domain.ProofOfWork, error) {
	if name == "" {
		return domain.ProofOfWork{}, ValidationError{Field: "name", Reason: "required"}
	}
	if link == "" {
		return domain.ProofOfWork{}, ValidationError{Field: "link", Reason: "required"}
	}
	ex, err := e.Repo.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ProofOfWork{}, NotFoundError{Kind: "execution", ID: executionID}
		}
		return domain.ProofOfWork{}, err
	}
	p := domain.ProofOfWork{
		ID:          uuid.New().String(),
		Name:        name,
		Link:        link,
		Description: description,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProofOfWork{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProofOfWork(ctx, tx, p); err != nil {
		return domain.ProofOfWork{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE task_executions SET proof_of_work_id=? WHERE execution_id=?`, p.ID, ex.ExecutionID); err != nil {
		return domain.ProofOfWork{}, err
	}
	if err := e.Events.Append(ctx, tx, "execution.proof_added", "execution", ex.ExecutionID, actor.User.UserID, events.EventPayload{"proof_of_work_id": p.ID}); err != nil {
		return domain.ProofOfWork{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProofOfWork{}, err
	}
	return p, nil
}
