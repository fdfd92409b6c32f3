package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"solaros/internal/config"
	"solaros/internal/db"
	"solaros/internal/engine"
	"solaros/internal/events"
	"solaros/internal/migrate"
	"solaros/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func createProject(t *testing.T, env testEnv, financing string) string {
	t.Helper()
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		CustomerName:  "Ada Lovelace",
		Address:       "12 Sunrise Ave, Austin, TX 78701",
		FinancingType: financing,
		ActorID:       "tester",
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p.ID
}

func countEvents(t *testing.T, env testEnv, projectID, evtType string) int {
	t.Helper()
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 100, projectID, evtType, "", "")
	if err != nil {
		t.Fatalf("latest events: %v", err)
	}
	return len(evts)
}

func TestProjectTransitionsForwardOnly(t *testing.T) {
	env := newTestEnv(t)
	id := createProject(t, env, "cash")

	p, err := env.Engine.ApplyProjectTransition(env.Ctx, id, "scheduling", "tester")
	if err != nil || p.Status != "scheduling" {
		t.Fatalf("to scheduling: %v (status %q)", err, p.Status)
	}
	p, err = env.Engine.ApplyProjectTransition(env.Ctx, id, "funding", "tester")
	if err != nil || p.Status != "funding" {
		t.Fatalf("to funding: %v", err)
	}
	if p.InstallCompletedAt == nil {
		t.Fatalf("expected install_completed_at stamp on funding")
	}
	p, err = env.Engine.ApplyProjectTransition(env.Ctx, id, "complete", "tester")
	if err != nil || p.Status != "complete" {
		t.Fatalf("to complete: %v", err)
	}
	if p.FundedAt == nil {
		t.Fatalf("expected funded_at stamp on complete")
	}

	// backward transitions are stale and rejected
	_, err = env.Engine.ApplyProjectTransition(env.Ctx, id, "scheduling", "tester")
	if !errors.Is(err, engine.ErrStaleTransition) {
		t.Fatalf("expected ErrStaleTransition, got %v", err)
	}
}

func TestProjectTransitionSameStatusIsSilentNoOp(t *testing.T) {
	env := newTestEnv(t)
	id := createProject(t, env, "cash")
	if _, err := env.Engine.ApplyProjectTransition(env.Ctx, id, "scheduling", "tester"); err != nil {
		t.Fatal(err)
	}
	before := countEvents(t, env, id, events.TypeProjectStatusChanged)
	p, err := env.Engine.ApplyProjectTransition(env.Ctx, id, "scheduling", "tester")
	if err != nil || p.Status != "scheduling" {
		t.Fatalf("repeat transition: %v", err)
	}
	if got := countEvents(t, env, id, events.TypeProjectStatusChanged); got != before {
		t.Fatalf("no-op transition emitted an event: %d -> %d", before, got)
	}
}

func TestSurveyStatusNoOpEmitsNoEvent(t *testing.T) {
	env := newTestEnv(t)
	id := createProject(t, env, "cash")
	s, err := env.Engine.CreateSurvey(env.Ctx, engine.SurveyCreateOptions{ProjectID: id, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create survey: %v", err)
	}
	if _, err := env.Engine.SetSurveyStatus(env.Ctx, s.ID, "submitted", "tester"); err != nil {
		t.Fatal(err)
	}
	before := countEvents(t, env, id, events.TypeSurveyStatusChanged)
	if _, err := env.Engine.SetSurveyStatus(env.Ctx, s.ID, "submitted", "tester"); err != nil {
		t.Fatal(err)
	}
	if got := countEvents(t, env, id, events.TypeSurveyStatusChanged); got != before {
		t.Fatalf("repeated status write emitted an event")
	}
}

func TestEnqueueTasksDefaultsAndDedupe(t *testing.T) {
	env := newTestEnv(t)
	id := createProject(t, env, "cash")

	created, err := env.Engine.EnqueueTasks(env.Ctx, engine.TaskEnqueueOptions{
		ProjectID: id,
		Type:      "cad_generate",
		Dedupe:    true,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("expected 1 task, got %d", len(created))
	}
	task := created[0]
	defaults := env.Engine.Config.TaskDefaultsFor("cad_generate")
	if task.Priority != defaults.Priority || task.MaxRetries != defaults.MaxRetries {
		t.Fatalf("config defaults not applied: prio=%d retries=%d", task.Priority, task.MaxRetries)
	}
	if task.CreatedBy != "pipeline" {
		t.Fatalf("expected created_by pipeline, got %q", task.CreatedBy)
	}

	// a pending task of the same type suppresses the duplicate
	again, err := env.Engine.EnqueueTasks(env.Ctx, engine.TaskEnqueueOptions{
		ProjectID: id,
		Type:      "cad_generate",
		Dedupe:    true,
	})
	if err != nil {
		t.Fatalf("dedupe enqueue: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected dedupe to skip, got %d tasks", len(again))
	}
}

func TestEnqueueTaskUnknownProject(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.EnqueueTasks(env.Ctx, engine.TaskEnqueueOptions{
		ProjectID: "nope",
		Type:      "cad_generate",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimOrderAndQueueEmpty(t *testing.T) {
	env := newTestEnv(t)
	id := createProject(t, env, "cash")

	if _, err := env.Engine.EnqueueTasks(env.Ctx,
		engine.TaskEnqueueOptions{ProjectID: id, Type: "funding_submit", Priority: 4},
		engine.TaskEnqueueOptions{ProjectID: id, Type: "credit_audit", Priority: 1},
	); err != nil {
		t.Fatal(err)
	}

	first, err := env.Engine.ClaimNextTask(env.Ctx, "", "worker-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if first.Type != "credit_audit" {
		t.Fatalf("expected highest priority first, got %q", first.Type)
	}
	if first.Status != "in_progress" || first.ClaimedBy == nil || *first.ClaimedBy != "worker-1" {
		t.Fatalf("claim did not mark task: %+v", first)
	}

	if _, err := env.Engine.ClaimNextTask(env.Ctx, "", "worker-1"); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ClaimNextTask(env.Ctx, "", "worker-1")
	if !errors.Is(err, engine.ErrQueueEmpty) {
		t.Fatalf("expected ErrQueueEmpty, got %v", err)
	}
}

func TestFailTaskRequeuesUntilRetriesExhausted(t *testing.T) {
	env := newTestEnv(t)
	id := createProject(t, env, "cash")
	created, err := env.Engine.EnqueueTasks(env.Ctx, engine.TaskEnqueueOptions{
		ProjectID:  id,
		Type:       "permit_submit",
		MaxRetries: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	taskID := created[0].ID

	// first failure requeues
	if _, err := env.Engine.ClaimNextTask(env.Ctx, "permit_submit", "worker-1"); err != nil {
		t.Fatal(err)
	}
	task, err := env.Engine.FailTask(env.Ctx, taskID, engine.TaskResultOptions{ActorID: "worker-1"})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if task.Status != "pending" || task.RetryCount != 1 || task.HumanFallback {
		t.Fatalf("expected requeue, got %+v", task)
	}
	if task.ClaimedBy != nil {
		t.Fatalf("requeued task kept claim")
	}

	// second failure exhausts retries and flags a human
	if _, err := env.Engine.ClaimNextTask(env.Ctx, "permit_submit", "worker-1"); err != nil {
		t.Fatal(err)
	}
	task, err = env.Engine.FailTask(env.Ctx, taskID, engine.TaskResultOptions{ActorID: "worker-1"})
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != "failed" || !task.HumanFallback {
		t.Fatalf("expected human fallback, got %+v", task)
	}
}

func TestCompleteTaskRequiresClaim(t *testing.T) {
	env := newTestEnv(t)
	id := createProject(t, env, "cash")
	created, err := env.Engine.EnqueueTasks(env.Ctx, engine.TaskEnqueueOptions{ProjectID: id, Type: "cad_generate"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, created[0].ID, engine.TaskResultOptions{ActorID: "worker-1"}); err == nil {
		t.Fatalf("expected error completing unclaimed task")
	}
}

func TestEnsurePermitForDesignIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	id := createProject(t, env, "cash")
	d, err := env.Engine.CreateDesign(env.Ctx, engine.DesignCreateOptions{ProjectID: id, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}

	permit, created, err := env.Engine.EnsurePermitForDesign(env.Ctx, id, d.ID, "tx-austin", "pipeline")
	if err != nil {
		t.Fatalf("ensure permit: %v", err)
	}
	if !created || permit.Status != "preparing" || permit.AhjID != "tx-austin" {
		t.Fatalf("unexpected permit: created=%v %+v", created, permit)
	}

	again, created, err := env.Engine.EnsurePermitForDesign(env.Ctx, id, d.ID, "tx-austin", "pipeline")
	if err != nil {
		t.Fatal(err)
	}
	if created || again.ID != permit.ID {
		t.Fatalf("expected existing permit back, created=%v id=%s", created, again.ID)
	}

	permits, err := env.Engine.Repo.ListPermitsByProject(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(permits) != 1 {
		t.Fatalf("expected one permit, got %d", len(permits))
	}
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilter{ProjectID: id, Type: "permit_submit"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected one permit_submit task, got %d", len(tasks))
	}
}

func TestPermitStatusWritesTimeline(t *testing.T) {
	env := newTestEnv(t)
	id := createProject(t, env, "cash")
	permit, err := env.Engine.CreatePermit(env.Ctx, engine.PermitCreateOptions{
		ProjectID: id,
		AhjID:     "tx-austin",
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetPermitStatus(env.Ctx, permit.ID, "submitted", "sent to city portal", "tester"); err != nil {
		t.Fatal(err)
	}
	timeline, err := env.Engine.Repo.ListPermitTimeline(env.Ctx, permit.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(timeline) != 2 {
		t.Fatalf("expected seed plus submitted entries, got %d", len(timeline))
	}
	if timeline[1].Status != "submitted" || timeline[1].Notes != "sent to city portal" {
		t.Fatalf("unexpected timeline entry: %+v", timeline[1])
	}
}

func TestSignOffAloneDoesNotAdvanceProject(t *testing.T) {
	env := newTestEnv(t)
	id := createProject(t, env, "cash")
	set, err := env.Engine.CreateInstallPhotoSet(env.Ctx, engine.InstallCreateOptions{
		ProjectID: id,
		Phase:     "final",
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SignOffInstall(env.Ctx, set.ID, true, true, "tester"); err != nil {
		t.Fatal(err)
	}
	p, err := env.Engine.Repo.GetProject(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != "intake" {
		t.Fatalf("sign-off moved the project to %q", p.Status)
	}
}

func TestRecordCertifiedAuditStampsTime(t *testing.T) {
	env := newTestEnv(t)
	id := createProject(t, env, "cash")
	a, err := env.Engine.RecordTaxCreditAudit(env.Ctx, "", id, "certified", "auditor")
	if err != nil {
		t.Fatalf("record audit: %v", err)
	}
	if a.CertifiedAt == nil {
		t.Fatalf("certified audit missing certified_at")
	}
	if got := countEvents(t, env, id, events.TypeAuditRecorded); got != 1 {
		t.Fatalf("expected one audit event, got %d", got)
	}
}

func TestCreateProjectRejectsBadFinancing(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		Address:       "1 Main St 90001",
		FinancingType: "barter",
		ActorID:       "tester",
	})
	if err == nil {
		t.Fatalf("expected financing type rejection")
	}
}
