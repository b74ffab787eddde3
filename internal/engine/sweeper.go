package engine

import (
	"context"
	"time"

	"botline/internal/domain"
	"botline/internal/events"
	"botline/internal/repo"
)

const sweepActor = "sweeper"

// SweepTimeouts moves claimed and in_progress executions whose task timeout
// has elapsed to timedout. Each move is a compare-and-set, so an execution a
// bot completes mid-sweep is left alone. Returns the executions it timed out.
func (e Engine) SweepTimeouts(ctx context.Context) ([]domain.TaskExecution, error) {
	now := e.now().UTC()
	live, err := e.Repo.ListLiveExecutions(ctx)
	if err != nil {
		return nil, err
	}
	var swept []domain.TaskExecution
	for _, ex := range live {
		t, err := e.Repo.GetTask(ctx, ex.TaskID)
		if err != nil {
			return swept, err
		}
		started, err := time.Parse(time.RFC3339, ex.StartedAt)
		if err != nil {
			continue
		}
		deadline := started.Add(time.Duration(t.TimeoutSeconds) * time.Second)
		if now.Before(deadline) {
			continue
		}
		moved, err := e.sweepExecution(ctx, ex, now)
		if err != nil {
			return swept, err
		}
		if moved != nil {
			swept = append(swept, *moved)
			e.notifyExecution(ctx, t, *moved, "task_timeout", "execution timed out")
		}
	}
	return swept, nil
}

func (e Engine) sweepExecution(ctx context.Context, ex domain.TaskExecution, now time.Time) (*domain.TaskExecution, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	nowStr := now.Format(time.RFC3339)
	msg := "timed out"
	ok, err := e.Repo.CompareAndSetExecutionStatus(ctx, tx, ex.ExecutionID, ex.Status, domain.StatusTimedout, repo.ExecutionPatch{
		CompletedAt:  &nowStr,
		ErrorMessage: &msg,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		// the execution moved on between listing and sweeping
		return nil, nil
	}
	if err := e.Events.Append(ctx, tx, "execution.timedout", "execution", ex.ExecutionID, sweepActor, events.EventPayload{"task_id": ex.TaskID}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	ex.Status = domain.StatusTimedout
	ex.CompletedAt = &nowStr
	ex.ErrorMessage = msg
	return &ex, nil
}
