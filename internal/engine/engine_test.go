package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"botline/internal/app"
	"botline/internal/config"
	"botline/internal/db"
	"botline/internal/domain"
	"botline/internal/engine"
	"botline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Admin  engine.Actor
	now    *time.Time
}

// Advance moves the injected clock forward.
func (env *testEnv) Advance(d time.Duration) {
	*env.now = env.now.Add(d)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return now }
	ctx := context.Background()
	res, err := app.Bootstrap(ctx, eng.Repo, "admin")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	role, err := eng.Repo.GetRole(ctx, "admin")
	if err != nil {
		t.Fatalf("get role: %v", err)
	}
	return &testEnv{
		Engine: eng,
		Ctx:    ctx,
		Admin:  engine.Actor{User: *res.AdminUser, Role: role},
		now:    &now,
	}
}

// fleet is a seeded platform, capability, and one checked-in bot.
type fleet struct {
	Platform   domain.Platform
	Capability domain.Capability
	Bot        domain.Bot
	Token      string
}

func seedFleet(t *testing.T, env *testEnv) fleet {
	t.Helper()
	p, err := env.Engine.CreatePlatform(env.Ctx, env.Admin, "linux-x64", "", "22")
	if err != nil {
		t.Fatalf("create platform: %v", err)
	}
	c, err := env.Engine.CreateCapability(env.Ctx, env.Admin, "scrape", "1.0", "")
	if err != nil {
		t.Fatalf("create capability: %v", err)
	}
	b, token := seedBot(t, env, "worker-1", p.ID, c.ID)
	return fleet{Platform: p, Capability: c, Bot: b, Token: token}
}

func seedBot(t *testing.T, env *testEnv, username, platformID, capabilityID string) (domain.Bot, string) {
	t.Helper()
	b, token, err := env.Engine.RegisterBot(env.Ctx, env.Admin, engine.BotRegisterOptions{
		Username:     username,
		PlatformID:   platformID,
		Capabilities: []string{capabilityID},
	})
	if err != nil {
		t.Fatalf("register bot: %v", err)
	}
	if _, err := env.Engine.Checkin(env.Ctx, b.BotID, token); err != nil {
		t.Fatalf("checkin: %v", err)
	}
	return b, token
}

func seedTask(t *testing.T, env *testEnv, f fleet, opts engine.TaskCreateOptions) domain.Task {
	t.Helper()
	if opts.Name == "" {
		opts.Name = "scrape-once"
	}
	opts.CapabilityID = f.Capability.ID
	opts.PlatformID = f.Platform.ID
	task, err := env.Engine.CreateTask(env.Ctx, env.Admin, opts)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func operatorActor(t *testing.T, env *testEnv, username string) engine.Actor {
	t.Helper()
	u, err := env.Engine.CreateUser(env.Ctx, env.Admin, engine.UserCreateOptions{Username: username, RoleName: "operator"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	role, err := env.Engine.Repo.GetRole(env.Ctx, "operator")
	if err != nil {
		t.Fatalf("get role: %v", err)
	}
	return engine.Actor{User: u, Role: role}
}

func TestCreateUserRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	op := operatorActor(t, env, "op")
	_, err := env.Engine.CreateUser(env.Ctx, op, engine.UserCreateOptions{Username: "intruder", RoleName: "operator"})
	var authz engine.AuthorizationError
	if !errors.As(err, &authz) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}
}

func TestResolveActorByAPIKey(t *testing.T) {
	env := newTestEnv(t)
	op := operatorActor(t, env, "op")
	_, plaintext, err := env.Engine.CreateAPIKey(env.Ctx, env.Admin, op.User.UserID, "ci")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	actor, err := env.Engine.ResolveActorByAPIKey(env.Ctx, plaintext)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if actor.User.UserID != op.User.UserID {
		t.Fatalf("resolved wrong user")
	}
	// wrong keys always produce the same constant message
	_, err = env.Engine.ResolveActorByAPIKey(env.Ctx, "bl_bogus")
	if err == nil || err.Error() != "authentication failed" {
		t.Fatalf("expected constant auth error, got %v", err)
	}
	var authn engine.AuthenticationError
	if !errors.As(err, &authn) {
		t.Fatalf("expected AuthenticationError, got %T", err)
	}
}

func TestRevokedAPIKeyRefused(t *testing.T) {
	env := newTestEnv(t)
	key, plaintext, err := env.Engine.CreateAPIKey(env.Ctx, env.Admin, "", "temp")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if err := env.Engine.RevokeAPIKey(env.Ctx, env.Admin, key.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	_, err = env.Engine.ResolveActorByAPIKey(env.Ctx, plaintext)
	var authn engine.AuthenticationError
	if !errors.As(err, &authn) {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
}

func TestBroadcastClaimLifecycle(t *testing.T) {
	env := newTestEnv(t)
	f := seedFleet(t, env)
	task := seedTask(t, env, f, engine.TaskCreateOptions{})

	execs, err := env.Engine.TriggerExecution(env.Ctx, env.Admin, task.TaskID)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("expected one offer, got %d", len(execs))
	}
	offer := execs[0]
	if offer.AssignedTo == nil || *offer.AssignedTo != f.Bot.BotID {
		t.Fatalf("broadcast offer should target the eligible bot")
	}

	claimed, err := env.Engine.Claim(env.Ctx, f.Bot.BotID, f.Token, offer.ExecutionID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != domain.StatusClaimed {
		t.Fatalf("status = %s, want claimed", claimed.Status)
	}

	// claiming again conflicts
	_, err = env.Engine.Claim(env.Ctx, f.Bot.BotID, f.Token, offer.ExecutionID)
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}

	results := `{"pages": 3}`
	inProgress, err := env.Engine.UpdateProgress(env.Ctx, f.Bot.BotID, f.Token, offer.ExecutionID, &results)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if inProgress.Status != domain.StatusInProgress {
		t.Fatalf("status = %s, want in_progress", inProgress.Status)
	}
	// repeated progress is fine
	if _, err := env.Engine.UpdateProgress(env.Ctx, f.Bot.BotID, f.Token, offer.ExecutionID, nil); err != nil {
		t.Fatalf("second progress: %v", err)
	}

	done, err := env.Engine.Complete(env.Ctx, f.Bot.BotID, f.Token, offer.ExecutionID, engine.CompleteOptions{ResultsJSON: &results})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.StatusCompleted || done.CompletedAt == nil {
		t.Fatalf("expected completed with timestamp, got %+v", done)
	}

	// terminal states refuse further transitions
	_, err = env.Engine.Fail(env.Ctx, f.Bot.BotID, f.Token, offer.ExecutionID, "oops")
	var state engine.InvalidStateError
	if !errors.As(err, &state) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
}

func TestCompleteRequiresInProgress(t *testing.T) {
	env := newTestEnv(t)
	f := seedFleet(t, env)
	task := seedTask(t, env, f, engine.TaskCreateOptions{})
	execs, err := env.Engine.TriggerExecution(env.Ctx, env.Admin, task.TaskID)
	if err != nil || len(execs) != 1 {
		t.Fatalf("trigger: %v", err)
	}
	if _, err := env.Engine.Claim(env.Ctx, f.Bot.BotID, f.Token, execs[0].ExecutionID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// complete straight from claimed is not allowed
	_, err = env.Engine.Complete(env.Ctx, f.Bot.BotID, f.Token, execs[0].ExecutionID, engine.CompleteOptions{})
	var state engine.InvalidStateError
	if !errors.As(err, &state) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
}

func TestSingleModeFirstClaimWins(t *testing.T) {
	env := newTestEnv(t)
	f := seedFleet(t, env)
	bot2, token2 := seedBot(t, env, "worker-2", f.Platform.ID, f.Capability.ID)
	task := seedTask(t, env, f, engine.TaskCreateOptions{Name: "single-job", DispatchMode: "single"})

	execs, err := env.Engine.TriggerExecution(env.Ctx, env.Admin, task.TaskID)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if len(execs) != 1 || execs[0].AssignedTo != nil {
		t.Fatalf("single mode should create one unassigned execution")
	}

	if _, err := env.Engine.Claim(env.Ctx, f.Bot.BotID, f.Token, execs[0].ExecutionID); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	_, err = env.Engine.Claim(env.Ctx, bot2.BotID, token2, execs[0].ExecutionID)
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("loser should get ConflictError, got %v", err)
	}
}

func TestTargetedOfferInvisibleToOtherBots(t *testing.T) {
	env := newTestEnv(t)
	f := seedFleet(t, env)
	task := seedTask(t, env, f, engine.TaskCreateOptions{})
	execs, err := env.Engine.TriggerExecution(env.Ctx, env.Admin, task.TaskID)
	if err != nil || len(execs) != 1 {
		t.Fatalf("trigger: %v", err)
	}
	// a bot registered after dispatch has no offer and must not see this one
	other, otherToken := seedBot(t, env, "late-worker", f.Platform.ID, f.Capability.ID)
	_, err = env.Engine.Claim(env.Ctx, other.BotID, otherToken, execs[0].ExecutionID)
	var nf engine.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError for foreign offer, got %v", err)
	}
}

func TestProofOfWorkGate(t *testing.T) {
	env := newTestEnv(t)
	f := seedFleet(t, env)
	task := seedTask(t, env, f, engine.TaskCreateOptions{Name: "audited", ProofOfWorkRequired: true})
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

	_, err = env.Engine.Complete(env.Ctx, f.Bot.BotID, f.Token, id, engine.CompleteOptions{})
	var validation engine.ValidationError
	if !errors.As(err, &validation) || validation.Field != "proof_of_work" {
		t.Fatalf("expected proof_of_work validation error, got %v", err)
	}

	done, err := env.Engine.Complete(env.Ctx, f.Bot.BotID, f.Token, id, engine.CompleteOptions{
		ProofLink: "https://artifacts.example.com/run/42",
	})
	if err != nil {
		t.Fatalf("complete with proof: %v", err)
	}
	if done.ProofOfWorkID == nil {
		t.Fatalf("expected proof of work linked")
	}
	p, err := env.Engine.Repo.GetProofOfWork(env.Ctx, *done.ProofOfWorkID)
	if err != nil {
		t.Fatalf("load proof: %v", err)
	}
	if p.Name != task.Name {
		t.Fatalf("proof name should default to the task name, got %q", p.Name)
	}
}

func TestRevokedBotFinishesInFlightWork(t *testing.T) {
	env := newTestEnv(t)
	f := seedFleet(t, env)
	task := seedTask(t, env, f, engine.TaskCreateOptions{})
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

	if err := env.Engine.RevokeBotToken(env.Ctx, env.Admin, f.Bot.BotID); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	// the held execution can still be driven to a terminal state
	if _, err := env.Engine.Complete(env.Ctx, f.Bot.BotID, f.Token, id, engine.CompleteOptions{}); err != nil {
		t.Fatalf("complete after revoke: %v", err)
	}

	// but new claims and checkins are refused; a second live worker keeps
	// the task dispatchable
	seedBot(t, env, "worker-2", f.Platform.ID, f.Capability.ID)
	single := seedTask(t, env, f, engine.TaskCreateOptions{Name: "post-revoke", DispatchMode: "single"})
	more, err := env.Engine.TriggerExecution(env.Ctx, env.Admin, single.TaskID)
	if err != nil || len(more) != 1 {
		t.Fatalf("second trigger: %v", err)
	}
	var authn engine.AuthenticationError
	_, err = env.Engine.Claim(env.Ctx, f.Bot.BotID, f.Token, more[0].ExecutionID)
	if !errors.As(err, &authn) {
		t.Fatalf("expected AuthenticationError on claim, got %v", err)
	}
	_, err = env.Engine.Checkin(env.Ctx, f.Bot.BotID, f.Token)
	if !errors.As(err, &authn) {
		t.Fatalf("expected AuthenticationError on checkin, got %v", err)
	}
}

func TestEligibilityFilters(t *testing.T) {
	env := newTestEnv(t)
	f := seedFleet(t, env)

	// a bot on another platform gets no offer
	otherPlatform, err := env.Engine.CreatePlatform(env.Ctx, env.Admin, "windows-x64", "", "11")
	if err != nil {
		t.Fatalf("platform: %v", err)
	}
	seedBot(t, env, "win-worker", otherPlatform.ID, f.Capability.ID)

	// a bot missing the capability gets no offer
	otherCap, err := env.Engine.CreateCapability(env.Ctx, env.Admin, "render", "1.0", "")
	if err != nil {
		t.Fatalf("capability: %v", err)
	}
	seedBot(t, env, "render-worker", f.Platform.ID, otherCap.ID)

	// a stale bot past the liveness window gets no offer
	stale, staleToken := seedBot(t, env, "stale-worker", f.Platform.ID, f.Capability.ID)
	_ = staleToken
	env.Advance(time.Duration(env.Engine.Config.Dispatch.LivenessWindowSeconds+60) * time.Second)
	// re-checkin only the live worker
	if _, err := env.Engine.Checkin(env.Ctx, f.Bot.BotID, f.Token); err != nil {
		t.Fatalf("checkin: %v", err)
	}

	task := seedTask(t, env, f, engine.TaskCreateOptions{})
	execs, err := env.Engine.TriggerExecution(env.Ctx, env.Admin, task.TaskID)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("expected exactly one offer, got %d", len(execs))
	}
	if *execs[0].AssignedTo != f.Bot.BotID {
		t.Fatalf("offer went to %s, want %s", *execs[0].AssignedTo, f.Bot.BotID)
	}
	if *execs[0].AssignedTo == stale.BotID {
		t.Fatalf("stale bot must not receive offers")
	}
}

func TestHiddenTaskInvisibleToOthers(t *testing.T) {
	env := newTestEnv(t)
	f := seedFleet(t, env)
	task := seedTask(t, env, f, engine.TaskCreateOptions{Name: "covert", Hidden: true})

	op := operatorActor(t, env, "op")
	_, err := env.Engine.GetTask(env.Ctx, op, task.TaskID)
	var nf engine.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("hidden task should read as not found, got %v", err)
	}
	// the owner still sees it
	if _, err := env.Engine.GetTask(env.Ctx, env.Admin, task.TaskID); err != nil {
		t.Fatalf("owner get: %v", err)
	}
}

func TestFailBumpsRetryWithoutRebroadcast(t *testing.T) {
	env := newTestEnv(t)
	f := seedFleet(t, env)
	task := seedTask(t, env, f, engine.TaskCreateOptions{})
	execs, err := env.Engine.TriggerExecution(env.Ctx, env.Admin, task.TaskID)
	if err != nil || len(execs) != 1 {
		t.Fatalf("trigger: %v", err)
	}
	id := execs[0].ExecutionID
	if _, err := env.Engine.Claim(env.Ctx, f.Bot.BotID, f.Token, id); err != nil {
		t.Fatalf("claim: %v", err)
	}
	failed, err := env.Engine.Fail(env.Ctx, f.Bot.BotID, f.Token, id, "target unreachable")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != domain.StatusFailed || failed.RetryCount != 1 {
		t.Fatalf("expected failed with retry_count=1, got %+v", failed)
	}
	// no automatic re-dispatch happened
	open, err := env.Engine.Repo.ListOpenExecutionsForTask(env.Ctx, nil, task.TaskID)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("fail must not rebroadcast, found %d open executions", len(open))
	}
}

func TestUpdateTaskOwnership(t *testing.T) {
	env := newTestEnv(t)
	f := seedFleet(t, env)
	task := seedTask(t, env, f, engine.TaskCreateOptions{})
	op := operatorActor(t, env, "op")
	name := "renamed"
	_, err := env.Engine.UpdateTask(env.Ctx, op, task.TaskID, engine.TaskUpdateOptions{Name: &name})
	var authz engine.AuthorizationError
	if !errors.As(err, &authz) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}
	updated, err := env.Engine.UpdateTask(env.Ctx, env.Admin, task.TaskID, engine.TaskUpdateOptions{Name: &name})
	if err != nil {
		t.Fatalf("owner update: %v", err)
	}
	if updated.Name != "renamed" {
		t.Fatalf("name = %q", updated.Name)
	}
}

func TestIneligibleBotCannotClaimOpenOffer(t *testing.T) {
	env := newTestEnv(t)
	f := seedFleet(t, env)

	otherPlatform, err := env.Engine.CreatePlatform(env.Ctx, env.Admin, "windows-x64", "", "11")
	if err != nil {
		t.Fatalf("platform: %v", err)
	}
	otherCap, err := env.Engine.CreateCapability(env.Ctx, env.Admin, "render", "1.0", "")
	if err != nil {
		t.Fatalf("capability: %v", err)
	}
	outsider, outsiderToken := seedBot(t, env, "outsider", otherPlatform.ID, otherCap.ID)

	task := seedTask(t, env, f, engine.TaskCreateOptions{Name: "single-job", DispatchMode: "single"})
	execs, err := env.Engine.TriggerExecution(env.Ctx, env.Admin, task.TaskID)
	if err != nil || len(execs) != 1 {
		t.Fatalf("trigger: %v", err)
	}

	// the open offer is not in the outsider's poll
	offers, err := env.Engine.OpenExecutionsForBot(env.Ctx, outsider.BotID, outsiderToken)
	if err != nil {
		t.Fatalf("offers: %v", err)
	}
	if len(offers) != 0 {
		t.Fatalf("outsider sees %d offers, want 0", len(offers))
	}

	// and not claimable either
	_, err = env.Engine.Claim(env.Ctx, outsider.BotID, outsiderToken, execs[0].ExecutionID)
	var nf engine.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError for ineligible claim, got %v", err)
	}

	// the matching bot still claims it
	if _, err := env.Engine.Claim(env.Ctx, f.Bot.BotID, f.Token, execs[0].ExecutionID); err != nil {
		t.Fatalf("eligible claim: %v", err)
	}
}

func TestTriggerBlockedWhileWorkOutstanding(t *testing.T) {
	env := newTestEnv(t)
	f := seedFleet(t, env)
	task := seedTask(t, env, f, engine.TaskCreateOptions{})

	execs, err := env.Engine.TriggerExecution(env.Ctx, env.Admin, task.TaskID)
	if err != nil || len(execs) != 1 {
		t.Fatalf("trigger: %v", err)
	}
	// a second round while the offer is open conflicts
	_, err = env.Engine.TriggerExecution(env.Ctx, env.Admin, task.TaskID)
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}

	// once the work is terminal a new round starts
	id := execs[0].ExecutionID
	if _, err := env.Engine.Claim(env.Ctx, f.Bot.BotID, f.Token, id); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.UpdateProgress(env.Ctx, f.Bot.BotID, f.Token, id, nil); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if _, err := env.Engine.Complete(env.Ctx, f.Bot.BotID, f.Token, id, engine.CompleteOptions{}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	again, err := env.Engine.TriggerExecution(env.Ctx, env.Admin, task.TaskID)
	if err != nil || len(again) != 1 {
		t.Fatalf("retrigger after completion: %v (%d execs)", err, len(again))
	}
}

func TestCronAndRunAtMutuallyExclusive(t *testing.T) {
	env := newTestEnv(t)
	f := seedFleet(t, env)
	_, err := env.Engine.CreateTask(env.Ctx, env.Admin, engine.TaskCreateOptions{
		Name:         "both",
		CapabilityID: f.Capability.ID,
		PlatformID:   f.Platform.ID,
		CronSchedule: "*/5 * * * *",
		RunAt:        "2025-06-02T00:00:00Z",
	})
	var validation engine.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}
