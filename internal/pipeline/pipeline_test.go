package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"solaros/internal/ahj"
	"solaros/internal/config"
	"solaros/internal/db"
	"solaros/internal/domain"
	"solaros/internal/engine"
	"solaros/internal/events"
	"solaros/internal/metrics"
	"solaros/internal/migrate"
	"solaros/internal/pipeline"
	"solaros/internal/repo"
)

type pipeEnv struct {
	Engine     engine.Engine
	Dispatcher *pipeline.Dispatcher
	Ctx        context.Context
}

func newPipeEnv(t *testing.T) pipeEnv {
	t.Helper()
	dir := t.TempDir()
	_, err := db.EnsureWorkspace(dir)
	require.NoError(t, err)
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }

	ctx := context.Background()
	r := repo.Repo{DB: conn}
	require.NoError(t, r.UpsertAuthority(ctx, domain.Authority{
		ID:       "tx-austin",
		Name:     "City of Austin",
		State:    "TX",
		ZipCodes: []string{"78701", "78702"},
	}))
	registry, err := ahj.NewRegistry(r)
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := pipeline.NewWatchers(e, registry, log)
	d := pipeline.NewDispatcher(r, cfg, w, log)
	d.MaxAttempts = 1
	return pipeEnv{Engine: e, Dispatcher: d, Ctx: ctx}
}

func (env pipeEnv) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, env.Dispatcher.DrainAll(env.Ctx))
}

// redeliver rewinds every consumer cursor so the next drain replays the
// whole feed, simulating the duplicate delivery at-least-once allows.
func (env pipeEnv) redeliver(t *testing.T) {
	t.Helper()
	for _, c := range env.Dispatcher.Consumers {
		require.NoError(t, env.Dispatcher.Repo.SetCursor(env.Ctx, c.Name, 0))
	}
	env.drain(t)
}

func (env pipeEnv) newProject(t *testing.T, financing string) domain.Project {
	t.Helper()
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		CustomerName:  "Grace Hopper",
		Address:       "500 Congress Ave, Austin, TX 78701",
		FinancingType: financing,
		ActorID:       "tester",
	})
	require.NoError(t, err)
	return p
}

func (env pipeEnv) tasks(t *testing.T, projectID, taskType string) []domain.AiTask {
	t.Helper()
	items, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilter{ProjectID: projectID, Type: taskType})
	require.NoError(t, err)
	return items
}

func (env pipeEnv) projectStatus(t *testing.T, id string) string {
	t.Helper()
	p, err := env.Engine.Repo.GetProject(env.Ctx, id)
	require.NoError(t, err)
	return p.Status
}

func approveSurvey(t *testing.T, env pipeEnv, projectID string) domain.SiteSurvey {
	t.Helper()
	s, err := env.Engine.CreateSurvey(env.Ctx, engine.SurveyCreateOptions{
		ProjectID:        projectID,
		RoofMeasurements: `{"pitch": 22}`,
		ActorID:          "surveyor",
	})
	require.NoError(t, err)
	_, err = env.Engine.SetSurveyStatus(env.Ctx, s.ID, "approved", "reviewer")
	require.NoError(t, err)
	return s
}

func TestSurveyApprovalQueuesCadGeneration(t *testing.T) {
	env := newPipeEnv(t)
	p := env.newProject(t, "cash")
	approveSurvey(t, env, p.ID)
	env.drain(t)

	cad := env.tasks(t, p.ID, "cad_generate")
	require.Len(t, cad, 1)
	require.Contains(t, cad[0].Input, "roof_measurements")
	require.Empty(t, env.tasks(t, p.ID, "survey_process"), "cash deal should not get an aerial check")

	// duplicate delivery must not queue a second task
	env.redeliver(t)
	require.Len(t, env.tasks(t, p.ID, "cad_generate"), 1)
}

func TestSurveyApprovalFinancedDealAddsAerialCheck(t *testing.T) {
	env := newPipeEnv(t)
	p := env.newProject(t, "ppa")
	approveSurvey(t, env, p.ID)
	env.drain(t)

	require.Len(t, env.tasks(t, p.ID, "cad_generate"), 1)
	aerial := env.tasks(t, p.ID, "survey_process")
	require.Len(t, aerial, 1)
	require.Contains(t, aerial[0].Input, "check_eagleview_need")
	require.Contains(t, aerial[0].Input, `"financing_type":"ppa"`)
}

func TestDesignApprovalOpensPermitWithResolvedAuthority(t *testing.T) {
	env := newPipeEnv(t)
	p := env.newProject(t, "cash")
	d, err := env.Engine.CreateDesign(env.Ctx, engine.DesignCreateOptions{ProjectID: p.ID, ActorID: "designer"})
	require.NoError(t, err)
	_, err = env.Engine.SetDesignStatus(env.Ctx, d.ID, "approved", "reviewer")
	require.NoError(t, err)
	env.drain(t)

	permits, err := env.Engine.Repo.ListPermitsByProject(env.Ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, permits, 1)
	require.Equal(t, "tx-austin", permits[0].AhjID)
	require.Equal(t, d.ID, permits[0].DesignID)
	require.Len(t, env.tasks(t, p.ID, "permit_submit"), 1)

	// replaying the design event reuses the open permit
	env.redeliver(t)
	permits, err = env.Engine.Repo.ListPermitsByProject(env.Ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, permits, 1)
	require.Len(t, env.tasks(t, p.ID, "permit_submit"), 1)
}

func TestDesignApprovalUnknownAddressFallsBack(t *testing.T) {
	env := newPipeEnv(t)
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		Address:       "99 Nowhere Rd, Elsewhere, MT 59999",
		FinancingType: "cash",
		ActorID:       "tester",
	})
	require.NoError(t, err)
	d, err := env.Engine.CreateDesign(env.Ctx, engine.DesignCreateOptions{ProjectID: p.ID, ActorID: "designer"})
	require.NoError(t, err)
	_, err = env.Engine.SetDesignStatus(env.Ctx, d.ID, "approved", "reviewer")
	require.NoError(t, err)
	env.drain(t)

	permits, err := env.Engine.Repo.ListPermitsByProject(env.Ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, permits, 1)
	require.Equal(t, ahj.UnknownID, permits[0].AhjID)
}

func TestPermitApprovalsConvergeInAnyOrder(t *testing.T) {
	env := newPipeEnv(t)
	p := env.newProject(t, "cash")

	var permits []domain.Permit
	for i := 0; i < 3; i++ {
		permit, err := env.Engine.CreatePermit(env.Ctx, engine.PermitCreateOptions{
			ProjectID: p.ID,
			AhjID:     "tx-austin",
			ActorID:   "tester",
		})
		require.NoError(t, err)
		permits = append(permits, permit)
	}

	// approve out of creation order; the barrier holds until the last one
	order := []int{2, 0, 1}
	for n, idx := range order {
		_, err := env.Engine.SetPermitStatus(env.Ctx, permits[idx].ID, "approved", "", "inspector")
		require.NoError(t, err)
		env.drain(t)
		if n < len(order)-1 {
			require.Empty(t, env.tasks(t, p.ID, "schedule_match"))
			require.Equal(t, "intake", env.projectStatus(t, p.ID))
		}
	}

	require.Len(t, env.tasks(t, p.ID, "schedule_match"), 1)
	require.Equal(t, "scheduling", env.projectStatus(t, p.ID))

	env.redeliver(t)
	require.Len(t, env.tasks(t, p.ID, "schedule_match"), 1)
	require.Equal(t, "scheduling", env.projectStatus(t, p.ID))
}

func passFinalInstall(t *testing.T, env pipeEnv, projectID string, signed bool) domain.InstallPhotoSet {
	t.Helper()
	set, err := env.Engine.CreateInstallPhotoSet(env.Ctx, engine.InstallCreateOptions{
		ProjectID: projectID,
		Phase:     "final",
		ActorID:   "installer",
	})
	require.NoError(t, err)
	if signed {
		_, err = env.Engine.SignOffInstall(env.Ctx, set.ID, true, true, "crew-lead")
		require.NoError(t, err)
	}
	_, err = env.Engine.SetInstallPhaseStatus(env.Ctx, set.ID, "passed", "inspector")
	require.NoError(t, err)
	return set
}

func TestFinalInstallPassQueuesFundingAndAudit(t *testing.T) {
	env := newPipeEnv(t)
	p := env.newProject(t, "cash")
	passFinalInstall(t, env, p.ID, true)
	env.drain(t)

	require.Len(t, env.tasks(t, p.ID, "funding_submit"), 1)
	require.Len(t, env.tasks(t, p.ID, "credit_audit"), 1)
	require.Equal(t, "funding", env.projectStatus(t, p.ID))

	proj, err := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, proj.InstallCompletedAt)
}

func TestFinalInstallPassWithoutSignOffIsIgnored(t *testing.T) {
	env := newPipeEnv(t)
	p := env.newProject(t, "cash")
	passFinalInstall(t, env, p.ID, false)
	env.drain(t)

	require.Empty(t, env.tasks(t, p.ID, "funding_submit"))
	require.Empty(t, env.tasks(t, p.ID, "credit_audit"))
	require.Equal(t, "intake", env.projectStatus(t, p.ID))
}

func TestNonFinalPhasePassIsIgnored(t *testing.T) {
	env := newPipeEnv(t)
	p := env.newProject(t, "cash")
	set, err := env.Engine.CreateInstallPhotoSet(env.Ctx, engine.InstallCreateOptions{
		ProjectID: p.ID,
		Phase:     "rough_in",
		ActorID:   "installer",
	})
	require.NoError(t, err)
	_, err = env.Engine.SignOffInstall(env.Ctx, set.ID, true, true, "crew-lead")
	require.NoError(t, err)
	_, err = env.Engine.SetInstallPhaseStatus(env.Ctx, set.ID, "passed", "inspector")
	require.NoError(t, err)
	env.drain(t)

	require.Empty(t, env.tasks(t, p.ID, "funding_submit"))
	require.Equal(t, "intake", env.projectStatus(t, p.ID))
}

func TestFundedPackageCompletesProject(t *testing.T) {
	env := newPipeEnv(t)
	p := env.newProject(t, "cash")
	f, err := env.Engine.CreateFundingPackage(env.Ctx, "", p.ID, "coordinator")
	require.NoError(t, err)
	_, err = env.Engine.SetFundingStatus(env.Ctx, f.ID, "funded", "funder")
	require.NoError(t, err)
	env.drain(t)

	require.Equal(t, "complete", env.projectStatus(t, p.ID))
	proj, err := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, proj.FundedAt)
}

func TestStaleTransitionAfterCompletionIsRejected(t *testing.T) {
	env := newPipeEnv(t)
	p := env.newProject(t, "cash")

	f, err := env.Engine.CreateFundingPackage(env.Ctx, "", p.ID, "coordinator")
	require.NoError(t, err)
	_, err = env.Engine.SetFundingStatus(env.Ctx, f.ID, "funded", "funder")
	require.NoError(t, err)
	env.drain(t)
	require.Equal(t, "complete", env.projectStatus(t, p.ID))

	// a permit approved after completion proposes scheduling; the state
	// machine must reject it and DrainAll must not surface an error
	permit, err := env.Engine.CreatePermit(env.Ctx, engine.PermitCreateOptions{
		ProjectID: p.ID,
		AhjID:     "tx-austin",
		ActorID:   "tester",
	})
	require.NoError(t, err)
	_, err = env.Engine.SetPermitStatus(env.Ctx, permit.ID, "approved", "", "inspector")
	require.NoError(t, err)
	env.drain(t)

	require.Equal(t, "complete", env.projectStatus(t, p.ID))
}

func TestMissingProjectEventIsDroppedNotRetried(t *testing.T) {
	env := newPipeEnv(t)

	// an event referencing a project that never existed; consumers log the
	// drop and the cursor still advances
	w := events.Writer{DB: env.Engine.DB, Now: env.Engine.Now}
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	require.NoError(t, w.Append(env.Ctx, tx, events.TypeDesignStatusChanged, "ghost-project", "design", "ghost-design", "tester",
		events.EventPayload{"from_status": "in_review", "to_status": "approved"}))
	require.NoError(t, tx.Commit())

	env.drain(t)

	for _, c := range env.Dispatcher.Consumers {
		cursor, err := env.Dispatcher.Repo.GetCursor(env.Ctx, c.Name)
		require.NoError(t, err)
		require.Greater(t, cursor, int64(0), "consumer %s left its cursor behind", c.Name)
	}
}

func TestNoOpStatusWriteWakesNoConsumer(t *testing.T) {
	env := newPipeEnv(t)
	p := env.newProject(t, "cash")
	s := approveSurvey(t, env, p.ID)
	env.drain(t)
	require.Len(t, env.tasks(t, p.ID, "cad_generate"), 1)

	// complete the task so dedupe no longer suppresses a duplicate, then
	// write the same status again: no event, so no new task
	claimed, err := env.Engine.ClaimNextTask(env.Ctx, "cad_generate", "worker-1")
	require.NoError(t, err)
	_, err = env.Engine.CompleteTask(env.Ctx, claimed.ID, engine.TaskResultOptions{Output: `{"ok":true}`, ActorID: "worker-1"})
	require.NoError(t, err)

	_, err = env.Engine.SetSurveyStatus(env.Ctx, s.ID, "approved", "reviewer")
	require.NoError(t, err)
	env.drain(t)
	require.Len(t, env.tasks(t, p.ID, "cad_generate"), 1)
}

func TestDrainStopsOnCanceledContext(t *testing.T) {
	env := newPipeEnv(t)
	p := env.newProject(t, "cash")
	approveSurvey(t, env, p.ID)

	ctx, cancel := context.WithCancel(env.Ctx)
	cancel()
	err := env.Dispatcher.DrainAll(ctx)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestShutdownMidDeliveryIsNotCountedAsPoison(t *testing.T) {
	env := newPipeEnv(t)
	p := env.newProject(t, "cash")
	approveSurvey(t, env, p.ID)

	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	c := pipeline.Consumer{
		Name: "slow_consumer",
		Handle: func(ctx context.Context, evt domain.Event) error {
			cancel()
			return ctx.Err()
		},
	}
	before := testutil.ToFloat64(metrics.ConsumerFailures.WithLabelValues(c.Name))
	err := env.Dispatcher.Drain(ctx, c)
	require.Error(t, err)

	// ordinary shutdown: no failure recorded, cursor untouched so the
	// event is redelivered on the next run
	after := testutil.ToFloat64(metrics.ConsumerFailures.WithLabelValues(c.Name))
	require.Equal(t, before, after)
	cursor, err := env.Dispatcher.Repo.GetCursor(env.Ctx, c.Name)
	require.NoError(t, err)
	require.EqualValues(t, 0, cursor)
}
