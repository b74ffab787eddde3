package engine_test

import (
	"errors"
	"testing"
	"time"

	"botline/internal/domain"
	"botline/internal/engine"
)

func TestSweepTimesOutOverdueExecutions(t *testing.T) {
	env := newTestEnv(t)
	f := seedFleet(t, env)
	task := seedTask(t, env, f, engine.TaskCreateOptions{TimeoutSeconds: 600})
	execs, err := env.Engine.TriggerExecution(env.Ctx, env.Admin, task.TaskID)
	if err != nil || len(execs) != 1 {
		t.Fatalf("trigger: %v", err)
	}
	id := execs[0].ExecutionID
	if _, err := env.Engine.Claim(env.Ctx, f.Bot.BotID, f.Token, id); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// before the deadline the sweep leaves it alone
	env.Advance(5 * time.Minute)
	swept, err := env.Engine.SweepTimeouts(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(swept) != 0 {
		t.Fatalf("swept too early")
	}

	env.Advance(6 * time.Minute)
	swept, err = env.Engine.SweepTimeouts(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(swept) != 1 || swept[0].Status != domain.StatusTimedout {
		t.Fatalf("expected one timedout execution, got %+v", swept)
	}
	if swept[0].CompletedAt == nil || swept[0].ErrorMessage == "" {
		t.Fatalf("timedout execution missing completion details")
	}

	// timedout is terminal; the bot's late report is refused
	var state engine.InvalidStateError
	_, err = env.Engine.Complete(env.Ctx, f.Bot.BotID, f.Token, id, engine.CompleteOptions{})
	if !errors.As(err, &state) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
}

func TestSweepIgnoresBroadcastedOffers(t *testing.T) {
	env := newTestEnv(t)
	f := seedFleet(t, env)
	task := seedTask(t, env, f, engine.TaskCreateOptions{TimeoutSeconds: 60})
	if _, err := env.Engine.TriggerExecution(env.Ctx, env.Admin, task.TaskID); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	// unclaimed offers are not sweep candidates however old they get
	env.Advance(time.Hour)
	swept, err := env.Engine.SweepTimeouts(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(swept) != 0 {
		t.Fatalf("broadcasted offers must not be swept")
	}
}

func TestSweepInProgressExecution(t *testing.T) {
	env := newTestEnv(t)
	f := seedFleet(t, env)
	task := seedTask(t, env, f, engine.TaskCreateOptions{TimeoutSeconds: 60})
	execs, err := env.Engine.TriggerExecution(env.Ctx, env.Admin, task.TaskID)
	if err != nil || len(execs) != 1 {
		t.Fatalf("trigger: %v", err)
	}
	id := execs[0].ExecutionID
	if _, err := env.Engine.Claim(env.Ctx, f.Bot.BotID, f.Token, id); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.UpdateProgress(env.Ctx, f.Bot.BotID, f.Token, id, nil); err != nil {
		t.Fatalf("progress: %v", err)
	}

	env.Advance(2 * time.Minute)
	swept, err := env.Engine.SweepTimeouts(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(swept) != 1 || swept[0].ExecutionID != id {
		t.Fatalf("expected the in_progress execution swept, got %+v", swept)
	}
}
