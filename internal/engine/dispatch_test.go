package engine_test

import (
	"context"
	"testing"
	"time"

	"botline/internal/domain"
	"botline/internal/engine"
)

// capturingNotifier records fan-outs instead of delivering them.
type capturingNotifier struct {
	notes []engine.Notification
}

func (n *capturingNotifier) Notify(_ context.Context, _ domain.NotificationConfig, note engine.Notification) {
	n.notes = append(n.notes, note)
}

func TestDispatchTickOneShot(t *testing.T) {
	env := newTestEnv(t)
	f := seedFleet(t, env)
	task := seedTask(t, env, f, engine.TaskCreateOptions{})

	execs, err := env.Engine.DispatchTick(env.Ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("expected one execution, got %d", len(execs))
	}

	// a one-shot task is deactivated after dispatch and never fires again
	cur, err := env.Engine.Repo.GetTask(env.Ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if cur.IsActive || cur.NextRun != nil {
		t.Fatalf("one-shot should be inactive with next_run cleared, got active=%v next=%v", cur.IsActive, cur.NextRun)
	}
	again, err := env.Engine.DispatchTick(env.Ctx)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second tick dispatched %d executions, want 0", len(again))
	}
}

func TestDispatchTickAdvancesCron(t *testing.T) {
	env := newTestEnv(t)
	f := seedFleet(t, env)
	task := seedTask(t, env, f, engine.TaskCreateOptions{Name: "hourly", CronSchedule: "0 * * * *"})

	before, err := env.Engine.Repo.GetTask(env.Ctx, task.TaskID)
	if err != nil || before.NextRun == nil {
		t.Fatalf("get task: %v", err)
	}

	// not yet due
	execs, err := env.Engine.DispatchTick(env.Ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(execs) != 0 {
		t.Fatalf("dispatched before schedule")
	}

	env.Advance(time.Hour)
	if _, err := env.Engine.Checkin(env.Ctx, f.Bot.BotID, f.Token); err != nil {
		t.Fatalf("checkin: %v", err)
	}
	execs, err = env.Engine.DispatchTick(env.Ctx)
	if err != nil {
		t.Fatalf("due tick: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("expected one execution, got %d", len(execs))
	}
	after, err := env.Engine.Repo.GetTask(env.Ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if after.NextRun == nil || *after.NextRun == *before.NextRun {
		t.Fatalf("next_run did not advance")
	}
	if after.LastRun == nil {
		t.Fatalf("last_run not recorded")
	}

	// the same occurrence is never dispatched twice
	execs, err = env.Engine.DispatchTick(env.Ctx)
	if err != nil {
		t.Fatalf("repeat tick: %v", err)
	}
	if len(execs) != 0 {
		t.Fatalf("occurrence dispatched twice")
	}
}

func TestDispatchSkipsWhileWorkOutstanding(t *testing.T) {
	env := newTestEnv(t)
	f := seedFleet(t, env)
	seedTask(t, env, f, engine.TaskCreateOptions{Name: "every-minute", CronSchedule: "* * * * *"})

	env.Advance(time.Minute)
	if _, err := env.Engine.Checkin(env.Ctx, f.Bot.BotID, f.Token); err != nil {
		t.Fatalf("checkin: %v", err)
	}
	execs, err := env.Engine.DispatchTick(env.Ctx)
	if err != nil || len(execs) != 1 {
		t.Fatalf("first occurrence: %v (%d execs)", err, len(execs))
	}

	// the offer is still open when the next occurrence comes due
	env.Advance(time.Minute)
	if _, err := env.Engine.Checkin(env.Ctx, f.Bot.BotID, f.Token); err != nil {
		t.Fatalf("checkin: %v", err)
	}
	execs, err = env.Engine.DispatchTick(env.Ctx)
	if err != nil {
		t.Fatalf("second occurrence: %v", err)
	}
	if len(execs) != 0 {
		t.Fatalf("occurrence should be skipped while executions are open, got %d", len(execs))
	}
}

func TestDispatchNoEligibleBots(t *testing.T) {
	env := newTestEnv(t)
	f := seedFleet(t, env)
	// push the only bot past the liveness window
	env.Advance(time.Duration(env.Engine.Config.Dispatch.LivenessWindowSeconds+60) * time.Second)
	task := seedTask(t, env, f, engine.TaskCreateOptions{})

	execs, err := env.Engine.DispatchTick(env.Ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(execs) != 0 {
		t.Fatalf("expected no executions without live bots, got %d", len(execs))
	}
	open, err := env.Engine.Repo.ListOpenExecutionsForTask(env.Ctx, nil, task.TaskID)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("no executions should exist")
	}

	// the occurrence is deferred, not consumed
	cur, err := env.Engine.Repo.GetTask(env.Ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if !cur.IsActive || cur.NextRun == nil {
		t.Fatalf("deferred task lost its schedule: active=%v next=%v", cur.IsActive, cur.NextRun)
	}

	// once the bot is back, the same occurrence dispatches
	if _, err := env.Engine.Checkin(env.Ctx, f.Bot.BotID, f.Token); err != nil {
		t.Fatalf("checkin: %v", err)
	}
	execs, err = env.Engine.DispatchTick(env.Ctx)
	if err != nil {
		t.Fatalf("retry tick: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("deferred one-shot never dispatched: got %d executions", len(execs))
	}
	cur, err = env.Engine.Repo.GetTask(env.Ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if cur.IsActive || cur.NextRun != nil {
		t.Fatalf("dispatched one-shot should be done, got active=%v next=%v", cur.IsActive, cur.NextRun)
	}
}

func TestDispatchNotifiesBotOffline(t *testing.T) {
	env := newTestEnv(t)
	notifier := &capturingNotifier{}
	env.Engine.Notifier = notifier
	f := seedFleet(t, env)

	cfg, err := env.Engine.CreateNotificationConfig(env.Ctx, env.Admin, domain.NotificationConfig{
		ProfileName:        "ops",
		WebhookURL:         "https://hooks.example.com/botline",
		NotifyOnBotOffline: true,
	})
	if err != nil {
		t.Fatalf("create notification config: %v", err)
	}
	task := seedTask(t, env, f, engine.TaskCreateOptions{Name: "watched", NotificationConfigID: cfg.ID})

	env.Advance(time.Duration(env.Engine.Config.Dispatch.LivenessWindowSeconds+60) * time.Second)
	if _, err := env.Engine.DispatchTick(env.Ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(notifier.notes) != 1 {
		t.Fatalf("expected one notification, got %d", len(notifier.notes))
	}
	note := notifier.notes[0]
	if note.Kind != "bot_offline" || note.TaskID != task.TaskID {
		t.Fatalf("unexpected notification %+v", note)
	}
}

func TestDispatchBroadcastFansOutPerBot(t *testing.T) {
	env := newTestEnv(t)
	f := seedFleet(t, env)
	seedBot(t, env, "worker-2", f.Platform.ID, f.Capability.ID)
	seedBot(t, env, "worker-3", f.Platform.ID, f.Capability.ID)
	seedTask(t, env, f, engine.TaskCreateOptions{})

	execs, err := env.Engine.DispatchTick(env.Ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(execs) != 3 {
		t.Fatalf("expected an offer per eligible bot, got %d", len(execs))
	}
	seen := map[string]bool{}
	for _, ex := range execs {
		if ex.Status != domain.StatusBroadcasted || ex.AssignedTo == nil {
			t.Fatalf("malformed offer %+v", ex)
		}
		if seen[*ex.AssignedTo] {
			t.Fatalf("bot %s offered twice", *ex.AssignedTo)
		}
		seen[*ex.AssignedTo] = true
	}
}
