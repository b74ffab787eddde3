package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"botline/internal/domain"
	"botline/internal/events"
	"botline/internal/schedule"
)

const dispatchActor = "dispatcher"

// DispatchTick finds due tasks and fans out executions to eligible bots.
// Each task is handled in its own transaction; the schedule advance is a
// compare-and-set on next_run, so two overlapping ticks dispatch a task at
// most once.
func (e Engine) DispatchTick(ctx context.Context) ([]domain.TaskExecution, error) {
	now := e.now().UTC()
	due, err := e.Repo.ListDueTasks(ctx, now.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	var created []domain.TaskExecution
	for _, t := range due {
		execs, err := e.dispatchDueTask(ctx, t, now)
		if err != nil {
			return created, err
		}
		created = append(created, execs...)
	}
	return created, nil
}

func (e Engine) dispatchDueTask(ctx context.Context, t domain.Task, now time.Time) ([]domain.TaskExecution, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cur, err := e.Repo.GetTaskTx(ctx, tx, t.TaskID)
	if err != nil {
		return nil, err
	}
	if !cur.IsActive || cur.NextRun == nil {
		return nil, nil
	}
	expected := *cur.NextRun
	nowStr := now.Format(time.RFC3339)
	if expected > nowStr {
		return nil, nil
	}

	// with nobody to run it the occurrence is deferred, not consumed:
	// next_run stays put and the next tick retries
	bots, err := e.eligibleBots(ctx, tx, cur)
	if err != nil {
		return nil, err
	}
	if len(bots) == 0 {
		if err := e.Events.Append(ctx, tx, "task.dispatch.deferred", "task", cur.TaskID, dispatchActor, events.EventPayload{
			"reason": "no eligible bots",
		}); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		e.notifyTask(ctx, cur, "bot_offline", "no eligible bots for task "+cur.Name)
		return nil, nil
	}

	var newNext *string
	if cur.CronSchedule != nil {
		next, err := schedule.NextRun(*cur.CronSchedule, now)
		if err != nil {
			return nil, err
		}
		newNext = optionalString(next.Format(time.RFC3339))
	}
	ok, err := e.Repo.AdvanceNextRun(ctx, tx, cur.TaskID, expected, newNext, nowStr)
	if err != nil {
		return nil, err
	}
	if !ok {
		// another tick dispatched this occurrence
		return nil, nil
	}
	if newNext == nil {
		if err := e.Repo.SetTaskInactive(ctx, tx, cur.TaskID); err != nil {
			return nil, err
		}
	}

	// an occurrence with work still outstanding is skipped, not stacked
	open, err := e.Repo.ListOpenExecutionsForTask(ctx, tx, cur.TaskID)
	if err != nil {
		return nil, err
	}
	if len(open) > 0 {
		if err := e.Events.Append(ctx, tx, "task.dispatch.skipped", "task", cur.TaskID, dispatchActor, events.EventPayload{
			"reason": "open executions", "open": len(open),
		}); err != nil {
			return nil, err
		}
		return nil, tx.Commit()
	}

	execs, err := e.createOffers(ctx, tx, cur, bots, dispatchActor)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return execs, nil
}

// eligibleBots loads the task's current eligible set: live, active, unrevoked
// bots on its platform holding its capability.
func (e Engine) eligibleBots(ctx context.Context, tx *sql.Tx, t domain.Task) ([]domain.Bot, error) {
	floor := ""
	if e.Config != nil {
		floor = e.now().UTC().Add(-time.Duration(e.Config.Dispatch.LivenessWindowSeconds) * time.Second).Format(time.RFC3339)
	}
	return e.Repo.EligibleBots(ctx, tx, t.PlatformID, t.CapabilityID, floor)
}

// dispatchTask runs one off-schedule occurrence inside the caller's
// transaction, the manual-trigger path.
func (e Engine) dispatchTask(ctx context.Context, tx *sql.Tx, t domain.Task, actorID string) ([]domain.TaskExecution, error) {
	bots, err := e.eligibleBots(ctx, tx, t)
	if err != nil {
		return nil, err
	}
	if len(bots) == 0 {
		if err := e.Events.Append(ctx, tx, "task.dispatch.skipped", "task", t.TaskID, actorID, events.EventPayload{
			"reason": "no eligible bots",
		}); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return e.createOffers(ctx, tx, t, bots, actorID)
}

// createOffers writes the offer pool for one task occurrence. Broadcast mode
// targets an execution at every eligible bot; single mode creates one
// unassigned execution the first eligible claim wins.
func (e Engine) createOffers(ctx context.Context, tx *sql.Tx, t domain.Task, bots []domain.Bot, actorID string) ([]domain.TaskExecution, error) {
	nowStr := e.now().UTC().Format(time.RFC3339)
	newExecution := func(assignedTo *string) domain.TaskExecution {
		return domain.TaskExecution{
			ExecutionID: uuid.New().String(),
			TaskID:      t.TaskID,
			CreatedByID: actorID,
			AssignedTo:  assignedTo,
			Status:      domain.StatusBroadcasted,
			StartedAt:   nowStr,
			IsHidden:    t.IsHidden,
		}
	}

	var created []domain.TaskExecution
	switch t.DispatchMode {
	case domain.DispatchSingle:
		created = append(created, newExecution(nil))
	default:
		for _, b := range bots {
			botID := b.BotID
			created = append(created, newExecution(&botID))
		}
	}

	for _, ex := range created {
		if err := e.Repo.InsertExecution(ctx, tx, ex); err != nil {
			return nil, err
		}
		payload := events.EventPayload{"task_id": t.TaskID}
		if ex.AssignedTo != nil {
			payload["bot_id"] = *ex.AssignedTo
		}
		if err := e.Events.Append(ctx, tx, "execution.broadcasted", "execution", ex.ExecutionID, actorID, payload); err != nil {
			return nil, err
		}
	}
	return created, nil
}
