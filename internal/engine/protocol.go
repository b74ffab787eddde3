package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"botline/internal/domain"
	"botline/internal/engine/auth"
	"botline/internal/events"
	"botline/internal/repo"
)

// authenticateBot verifies a bot token. With forClaim set, inactive and
// revoked bots are refused; without it, only the hash is checked so a bot
// whose token was revoked mid-flight can still finish work it already holds.
func (e Engine) authenticateBot(ctx context.Context, botID, token string, forClaim bool) (domain.Bot, error) {
	if botID == "" || token == "" {
		return domain.Bot{}, AuthenticationError{}
	}
	b, err := e.Repo.GetBot(ctx, botID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Bot{}, AuthenticationError{}
		}
		return domain.Bot{}, err
	}
	if !auth.Verify(token, b.TokenHash) {
		return domain.Bot{}, AuthenticationError{}
	}
	if forClaim && (!b.IsActive || b.TokenRevoked) {
		return domain.Bot{}, AuthenticationError{}
	}
	return b, nil
}

// Checkin records bot liveness. Only live bots count toward dispatch
// eligibility.
func (e Engine) Checkin(ctx context.Context, botID, token string) (domain.Bot, error) {
	b, err := e.authenticateBot(ctx, botID, token, true)
	if err != nil {
		return domain.Bot{}, err
	}
	ts := e.nowString()
	if err := e.Repo.RecordCheckin(ctx, botID, ts); err != nil {
		return domain.Bot{}, err
	}
	b.LastCheckin = &ts
	return b, nil
}

// OpenExecutionsForBot lists the broadcasted work a bot may claim, the poll
// side of the offer protocol.
func (e Engine) OpenExecutionsForBot(ctx context.Context, botID, token string) ([]domain.TaskExecution, error) {
	b, err := e.authenticateBot(ctx, botID, token, true)
	if err != nil {
		return nil, err
	}
	return e.Repo.ListOffersForBot(ctx, b)
}

// Claim moves an execution from broadcasted to claimed on behalf of a bot.
// Of two concurrent claims exactly one succeeds; the loser gets ConflictError.
func (e Engine) Claim(ctx context.Context, botID, token, executionID string) (domain.TaskExecution, error) {
	b, err := e.authenticateBot(ctx, botID, token, true)
	if err != nil {
		return domain.TaskExecution{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskExecution{}, err
	}
	defer tx.Rollback()

	ex, err := e.Repo.GetExecutionTx(ctx, tx, executionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.TaskExecution{}, NotFoundError{Kind: "execution", ID: executionID}
		}
		return domain.TaskExecution{}, err
	}
	// a claimed offer conflicts for everyone, including the bot it went to
	if ex.Status != domain.StatusBroadcasted {
		return domain.TaskExecution{}, ConflictError{Kind: "execution", ID: executionID}
	}
	// offers targeted at another bot are invisible
	if ex.AssignedTo != nil && *ex.AssignedTo != b.BotID {
		return domain.TaskExecution{}, NotFoundError{Kind: "execution", ID: executionID}
	}
	// unassigned offers are open to the task's eligible set only
	if ex.AssignedTo == nil {
		t, err := e.Repo.GetTaskTx(ctx, tx, ex.TaskID)
		if err != nil {
			return domain.TaskExecution{}, err
		}
		if t.PlatformID != b.PlatformID {
			return domain.TaskExecution{}, NotFoundError{Kind: "execution", ID: executionID}
		}
		has, err := e.Repo.BotHasCapability(ctx, tx, b.BotID, t.CapabilityID)
		if err != nil {
			return domain.TaskExecution{}, err
		}
		if !has {
			return domain.TaskExecution{}, NotFoundError{Kind: "execution", ID: executionID}
		}
	}
	// one open execution per task per bot
	held, err := e.Repo.CountOpenAssignments(ctx, tx, ex.TaskID, b.BotID)
	if err != nil {
		return domain.TaskExecution{}, err
	}
	if held > 0 {
		return domain.TaskExecution{}, ConflictError{Kind: "execution", ID: executionID}
	}
	nowStr := e.nowString()
	ok, err := e.Repo.CompareAndSetExecutionStatus(ctx, tx, executionID, domain.StatusBroadcasted, domain.StatusClaimed, repo.ExecutionPatch{
		AssignedTo: &b.BotID,
		ClaimedAt:  &nowStr,
	})
	if err != nil {
		return domain.TaskExecution{}, err
	}
	if !ok {
		return domain.TaskExecution{}, ConflictError{Kind: "execution", ID: executionID}
	}
	if err := e.Events.Append(ctx, tx, "execution.claimed", "execution", executionID, b.BotID, events.EventPayload{"task_id": ex.TaskID}); err != nil {
		return domain.TaskExecution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskExecution{}, err
	}
	// best effort: a claim doubles as a liveness signal, a lost stamp only
	// shortens the bot's eligibility window until its next checkin
	_ = e.Repo.RecordCheckin(ctx, b.BotID, nowStr)
	ex.Status = domain.StatusClaimed
	ex.AssignedTo = &b.BotID
	ex.ClaimedAt = &nowStr
	return ex, nil
}

// loadAssignedExecution authenticates a bot for work on an execution it holds.
func (e Engine) loadAssignedExecution(ctx context.Context, botID, token, executionID string) (domain.TaskExecution, error) {
	b, err := e.authenticateBot(ctx, botID, token, false)
	if err != nil {
		return domain.TaskExecution{}, err
	}
	ex, err := e.Repo.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.TaskExecution{}, NotFoundError{Kind: "execution", ID: executionID}
		}
		return domain.TaskExecution{}, err
	}
	if ex.AssignedTo == nil || *ex.AssignedTo != b.BotID {
		return domain.TaskExecution{}, AuthorizationError{Reason: "execution assigned to another bot"}
	}
	return ex, nil
}

// UpdateProgress marks an execution in_progress, optionally attaching interim
// results. Repeated progress updates are allowed.
func (e Engine) UpdateProgress(ctx context.Context, botID, token, executionID string, resultsJSON *string) (domain.TaskExecution, error) {
	ex, err := e.loadAssignedExecution(ctx, botID, token, executionID)
	if err != nil {
		return domain.TaskExecution{}, err
	}
	if resultsJSON != nil {
		if err := validateJSON(*resultsJSON); err != nil {
			return domain.TaskExecution{}, ValidationError{Field: "results_json", Reason: "not valid JSON"}
		}
	}
	from := ex.Status
	if !domain.CanTransition(from, domain.StatusInProgress) {
		return domain.TaskExecution{}, InvalidStateError{ExecutionID: executionID, From: from, To: domain.StatusInProgress}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskExecution{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.CompareAndSetExecutionStatus(ctx, tx, executionID, from, domain.StatusInProgress, repo.ExecutionPatch{
		ResultsJSON: resultsJSON,
	})
	if err != nil {
		return domain.TaskExecution{}, err
	}
	if !ok {
		return domain.TaskExecution{}, ConflictError{Kind: "execution", ID: executionID}
	}
	if err := e.Events.Append(ctx, tx, "execution.progress", "execution", executionID, botID, events.EventPayload{"task_id": ex.TaskID}); err != nil {
		return domain.TaskExecution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskExecution{}, err
	}
	ex.Status = domain.StatusInProgress
	if resultsJSON != nil {
		ex.ResultsJSON = resultsJSON
	}
	return ex, nil
}

// CompleteOptions carries the result payload and an optional inline proof of
// work artifact.
type CompleteOptions struct {
	ResultsJSON      *string
	ProofName        string
	ProofLink        string
	ProofDescription string
}

// Complete finishes an execution. Completion is only valid from in_progress,
// and tasks that demand proof of work refuse completion without one.
func (e Engine) Complete(ctx context.Context, botID, token, executionID string, opts CompleteOptions) (domain.TaskExecution, error) {
	ex, err := e.loadAssignedExecution(ctx, botID, token, executionID)
	if err != nil {
		return domain.TaskExecution{}, err
	}
	if opts.ResultsJSON != nil {
		if err := validateJSON(*opts.ResultsJSON); err != nil {
			return domain.TaskExecution{}, ValidationError{Field: "results_json", Reason: "not valid JSON"}
		}
	}
	if !domain.CanTransition(ex.Status, domain.StatusCompleted) {
		return domain.TaskExecution{}, InvalidStateError{ExecutionID: executionID, From: ex.Status, To: domain.StatusCompleted}
	}
	t, err := e.Repo.GetTask(ctx, ex.TaskID)
	if err != nil {
		return domain.TaskExecution{}, err
	}
	var inlineProof *domain.ProofOfWork
	if opts.ProofLink != "" {
		name := opts.ProofName
		if name == "" {
			name = t.Name
		}
		inlineProof = &domain.ProofOfWork{
			ID:          uuid.New().String(),
			Name:        name,
			Link:        opts.ProofLink,
			Description: opts.ProofDescription,
		}
	}
	if t.ProofOfWorkRequired && ex.ProofOfWorkID == nil && inlineProof == nil {
		return domain.TaskExecution{}, ValidationError{Field: "proof_of_work", Reason: "task requires proof of work"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskExecution{}, err
	}
	defer tx.Rollback()
	nowStr := e.nowString()
	patch := repo.ExecutionPatch{
		CompletedAt: &nowStr,
		ResultsJSON: opts.ResultsJSON,
	}
	if inlineProof != nil {
		if err := e.Repo.InsertProofOfWork(ctx, tx, *inlineProof); err != nil {
			return domain.TaskExecution{}, err
		}
		patch.ProofOfWorkID = &inlineProof.ID
	}
	ok, err := e.Repo.CompareAndSetExecutionStatus(ctx, tx, executionID, domain.StatusInProgress, domain.StatusCompleted, patch)
	if err != nil {
		return domain.TaskExecution{}, err
	}
	if !ok {
		return domain.TaskExecution{}, ConflictError{Kind: "execution", ID: executionID}
	}
	if err := e.Events.Append(ctx, tx, "execution.completed", "execution", executionID, botID, events.EventPayload{"task_id": ex.TaskID}); err != nil {
		return domain.TaskExecution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskExecution{}, err
	}
	ex.Status = domain.StatusCompleted
	ex.CompletedAt = &nowStr
	if opts.ResultsJSON != nil {
		ex.ResultsJSON = opts.ResultsJSON
	}
	if inlineProof != nil {
		ex.ProofOfWorkID = &inlineProof.ID
	}
	e.notifyExecution(ctx, t, ex, "task_completed", "")
	return ex, nil
}

// Fail records a bot-reported failure. The retry counter is bumped for
// operator visibility; re-dispatch happens on the task's own schedule, never
// automatically.
func (e Engine) Fail(ctx context.Context, botID, token, executionID, errorMessage string) (domain.TaskExecution, error) {
	ex, err := e.loadAssignedExecution(ctx, botID, token, executionID)
	if err != nil {
		return domain.TaskExecution{}, err
	}
	if !domain.CanTransition(ex.Status, domain.StatusFailed) {
		return domain.TaskExecution{}, InvalidStateError{ExecutionID: executionID, From: ex.Status, To: domain.StatusFailed}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskExecution{}, err
	}
	defer tx.Rollback()
	nowStr := e.nowString()
	ok, err := e.Repo.CompareAndSetExecutionStatus(ctx, tx, executionID, ex.Status, domain.StatusFailed, repo.ExecutionPatch{
		CompletedAt:  &nowStr,
		ErrorMessage: &errorMessage,
		BumpRetry:    true,
	})
	if err != nil {
		return domain.TaskExecution{}, err
	}
	if !ok {
		return domain.TaskExecution{}, ConflictError{Kind: "execution", ID: executionID}
	}
	if err := e.Events.Append(ctx, tx, "execution.failed", "execution", executionID, botID, events.EventPayload{"task_id": ex.TaskID, "error": errorMessage}); err != nil {
		return domain.TaskExecution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskExecution{}, err
	}
	ex.Status = domain.StatusFailed
	ex.CompletedAt = &nowStr
	ex.ErrorMessage = errorMessage
	ex.RetryCount++
	t, terr := e.Repo.GetTask(ctx, ex.TaskID)
	if terr == nil {
		e.notifyExecution(ctx, t, ex, "task_error", errorMessage)
	}
	return ex, nil
}

func (e Engine) GetExecution(ctx context.Context, actor Actor, id string) (domain.TaskExecution, error) {
	ex, err := e.Repo.GetExecution(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.TaskExecution{}, NotFoundError{Kind: "execution", ID: id}
		}
		return domain.TaskExecution{}, err
	}
	if ex.IsHidden && !actor.Role.Admin && !actor.Role.CanSeeHidden {
		t, terr := e.Repo.GetTask(ctx, ex.TaskID)
		if terr != nil || t.CreatedByID != actor.User.UserID {
			return domain.TaskExecution{}, NotFoundError{Kind: "execution", ID: id}
		}
	}
	return ex, nil
}

func (e Engine) ListExecutions(ctx context.Context, actor Actor, f repo.ExecutionFilters) ([]domain.TaskExecution, error) {
	f.IncludeHidden = actor.Role.Admin || actor.Role.CanSeeHidden
	return e.Repo.ListExecutions(ctx, f)
}

// notifyTask fans a task-level event out to the task's notification profile.
func (e Engine) notifyTask(ctx context.Context, t domain.Task, kind, message string) {
	if e.Notifier == nil || t.NotificationConfigID == nil {
		return
	}
	cfg, err := e.Repo.GetNotificationConfig(ctx, *t.NotificationConfigID)
	if err != nil {
		return
	}
	e.Notifier.Notify(ctx, cfg, Notification{
		Kind:     kind,
		TaskID:   t.TaskID,
		TaskName: t.Name,
		Message:  message,
	})
}

// notifyExecution fans a terminal transition out to the task's notification
// profile. Fire and forget: delivery failures never affect the transition.
func (e Engine) notifyExecution(ctx context.Context, t domain.Task, ex domain.TaskExecution, kind, message string) {
	if e.Notifier == nil || t.NotificationConfigID == nil {
		return
	}
	cfg, err := e.Repo.GetNotificationConfig(ctx, *t.NotificationConfigID)
	if err != nil {
		return
	}
	botID := ""
	if ex.AssignedTo != nil {
		botID = *ex.AssignedTo
	}
	e.Notifier.Notify(ctx, cfg, Notification{
		Kind:        kind,
		TaskID:      t.TaskID,
		TaskName:    t.Name,
		ExecutionID: ex.ExecutionID,
		BotID:       botID,
		Message:     message,
	})
}
