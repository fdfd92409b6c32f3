// Package pipeline advances solar projects through the installation
// lifecycle. Consumers react to entity status events by queueing work for
// the external task processor and proposing project status transitions.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"solaros/internal/ahj"
	"solaros/internal/domain"
	"solaros/internal/engine"
	"solaros/internal/events"
	"solaros/internal/metrics"
	"solaros/internal/repo"
)

const pipelineActor = "pipeline"

// Watchers hold the stage consumers. Each consumer is registered with the
// dispatcher under a durable cursor, so delivery is at least once; every
// handler therefore tolerates seeing the same event twice.
type Watchers struct {
	Engine engine.Engine
	AHJ    *ahj.Registry
	Log    *slog.Logger
}

func NewWatchers(e engine.Engine, registry *ahj.Registry, log *slog.Logger) Watchers {
	if log == nil {
		log = slog.Default()
	}
	return Watchers{Engine: e, AHJ: registry, Log: log}
}

// statusPayload is the slice of an event payload the guards inspect.
type statusPayload struct {
	FromStatus      string `json:"from_status"`
	ToStatus        string `json:"to_status"`
	Phase           string `json:"phase"`
	InstallerSigned bool   `json:"installer_signed"`
	ReviewerSigned  bool   `json:"reviewer_signed"`
}

func decodePayload(evt domain.Event) (statusPayload, error) {
	var p statusPayload
	if evt.Payload == "" {
		return p, nil
	}
	err := json.Unmarshal([]byte(evt.Payload), &p)
	return p, err
}

// missingProject logs a pipeline event whose project has disappeared. The
// event is consumed without follow-up work; the drop is counted so it shows
// up operationally instead of stalling silently.
func (w Watchers) missingProject(consumer string, evt domain.Event) {
	metrics.MissingProjects.WithLabelValues(consumer).Inc()
	w.Log.Error("pipeline: project missing, dropping event",
		"consumer", consumer, "project_id", evt.ProjectID, "event_id", evt.ID, "event_type", evt.Type)
}

// SurveyApproved queues CAD generation when a site survey is approved. For
// financed deals (ppa/lease) it also queues an aerial-imagery decision task
// for bankability.
func (w Watchers) SurveyApproved(ctx context.Context, evt domain.Event) error {
	if evt.Type != events.TypeSurveyStatusChanged {
		return nil
	}
	p, err := decodePayload(evt)
	if err != nil {
		return err
	}
	if p.ToStatus != "approved" || p.FromStatus == p.ToStatus {
		return nil
	}
	survey, err := w.Engine.Repo.GetSurvey(ctx, evt.EntityID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			w.Log.Error("pipeline: survey missing", "survey_id", evt.EntityID, "event_id", evt.ID)
			return nil
		}
		return err
	}
	project, err := w.Engine.Repo.GetProject(ctx, survey.ProjectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			w.missingProject("survey_approved", evt)
			return nil
		}
		return err
	}

	opts := []engine.TaskEnqueueOptions{{
		ProjectID: project.ID,
		Type:      "cad_generate",
		Input: map[string]any{
			"survey_id":         survey.ID,
			"roof_measurements": json.RawMessage(orEmptyObject(survey.RoofMeasurements)),
			"electrical":        json.RawMessage(orEmptyObject(survey.Electrical)),
			"utility":           json.RawMessage(orEmptyObject(survey.Utility)),
			"shading":           json.RawMessage(orEmptyObject(survey.Shading)),
			"property":          json.RawMessage(orEmptyObject(survey.Property)),
		},
		Dedupe:    true,
		CreatedBy: pipelineActor,
	}}
	if w.Engine.Config.AerialCheckRequired(project.FinancingType) {
		opts = append(opts, engine.TaskEnqueueOptions{
			ProjectID: project.ID,
			Type:      "survey_process",
			Input: map[string]any{
				"action":         "check_eagleview_need",
				"survey_id":      survey.ID,
				"financing_type": project.FinancingType,
			},
			Dedupe:    true,
			CreatedBy: pipelineActor,
		})
	}
	created, err := w.Engine.EnqueueTasks(ctx, opts...)
	if err != nil {
		return err
	}
	for _, t := range created {
		metrics.TasksEnqueued.WithLabelValues(t.Type).Inc()
		w.Log.Info("pipeline: task queued", "consumer", "survey_approved", "task_id", t.ID, "type", t.Type, "project_id", t.ProjectID)
	}
	return nil
}

// DesignApproved opens a permit application for an approved CAD design,
// resolving the authority from the project address, and queues its
// submission. A missing project is logged and dropped, not retried.
func (w Watchers) DesignApproved(ctx context.Context, evt domain.Event) error {
	if evt.Type != events.TypeDesignStatusChanged {
		return nil
	}
	p, err := decodePayload(evt)
	if err != nil {
		return err
	}
	if p.ToStatus != "approved" || p.FromStatus == p.ToStatus {
		return nil
	}
	project, err := w.Engine.Repo.GetProject(ctx, evt.ProjectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			w.missingProject("design_approved", evt)
			return nil
		}
		return err
	}
	ahjID, err := w.AHJ.Resolve(ctx, project.Address)
	if err != nil {
		return err
	}
	permit, created, err := w.Engine.EnsurePermitForDesign(ctx, project.ID, evt.EntityID, ahjID, pipelineActor)
	if err != nil {
		return err
	}
	if !created {
		w.Log.Info("pipeline: permit already open for design", "design_id", evt.EntityID, "permit_id", permit.ID)
		return nil
	}
	metrics.TasksEnqueued.WithLabelValues("permit_submit").Inc()
	w.Log.Info("pipeline: permit opened", "consumer", "design_approved", "permit_id", permit.ID, "ahj_id", permit.AhjID, "project_id", project.ID)
	return nil
}

// PermitApproved is the synchronization barrier across a project's permits.
// It re-evaluates the aggregate on every approval, so permits approved in
// any order converge on one schedule_match task and one move to scheduling.
func (w Watchers) PermitApproved(ctx context.Context, evt domain.Event) error {
	if evt.Type != events.TypePermitStatusChanged {
		return nil
	}
	p, err := decodePayload(evt)
	if err != nil {
		return err
	}
	if p.ToStatus != "approved" || p.FromStatus == p.ToStatus {
		return nil
	}
	permits, err := w.Engine.Repo.ListPermitsByProject(ctx, evt.ProjectID)
	if err != nil {
		return err
	}
	if len(permits) == 0 {
		return nil
	}
	permitIDs := make([]string, 0, len(permits))
	for _, permit := range permits {
		if permit.Status != "approved" {
			w.Log.Info("pipeline: waiting on permits", "project_id", evt.ProjectID, "pending_permit", permit.ID)
			return nil
		}
		permitIDs = append(permitIDs, permit.ID)
	}
	created, err := w.Engine.EnqueueTasks(ctx, engine.TaskEnqueueOptions{
		ProjectID: evt.ProjectID,
		Type:      "schedule_match",
		Input:     map[string]any{"permit_ids": permitIDs},
		Dedupe:    true,
		CreatedBy: pipelineActor,
	})
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			w.missingProject("permit_approved", evt)
			return nil
		}
		return err
	}
	for _, t := range created {
		metrics.TasksEnqueued.WithLabelValues(t.Type).Inc()
		w.Log.Info("pipeline: task queued", "consumer", "permit_approved", "task_id", t.ID, "type", t.Type, "project_id", t.ProjectID)
	}
	return w.propose(ctx, evt.ProjectID, "scheduling", "permit_approved")
}

// InstallComplete reacts to the final install phase passing review with both
// sign-offs present: it queues funding submission and the tax credit audit
// together and moves the project to funding.
func (w Watchers) InstallComplete(ctx context.Context, evt domain.Event) error {
	if evt.Type != events.TypeInstallPhaseChanged {
		return nil
	}
	p, err := decodePayload(evt)
	if err != nil {
		return err
	}
	if p.Phase != "final" || p.ToStatus != "passed" || p.FromStatus == p.ToStatus {
		return nil
	}
	if !p.InstallerSigned || !p.ReviewerSigned {
		w.Log.Info("pipeline: final phase passed without full sign-off", "install_id", evt.EntityID,
			"installer_signed", p.InstallerSigned, "reviewer_signed", p.ReviewerSigned)
		return nil
	}
	created, err := w.Engine.EnqueueTasks(ctx,
		engine.TaskEnqueueOptions{
			ProjectID: evt.ProjectID,
			Type:      "funding_submit",
			Input:     map[string]any{"install_id": evt.EntityID},
			Dedupe:    true,
			CreatedBy: pipelineActor,
		},
		engine.TaskEnqueueOptions{
			ProjectID: evt.ProjectID,
			Type:      "credit_audit",
			Input:     map[string]any{"action": "full_audit", "install_id": evt.EntityID},
			Dedupe:    true,
			CreatedBy: pipelineActor,
		},
	)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			w.missingProject("install_complete", evt)
			return nil
		}
		return err
	}
	for _, t := range created {
		metrics.TasksEnqueued.WithLabelValues(t.Type).Inc()
		w.Log.Info("pipeline: task queued", "consumer", "install_complete", "task_id", t.ID, "type", t.Type, "project_id", t.ProjectID)
	}
	return w.propose(ctx, evt.ProjectID, "funding", "install_complete")
}

// FundingComplete closes out the project when its funding package is funded.
// The certified tax credit audit check afterwards is read-only; listing the
// credit on a marketplace stays a manual decision.
func (w Watchers) FundingComplete(ctx context.Context, evt domain.Event) error {
	if evt.Type != events.TypeFundingStatusChanged {
		return nil
	}
	p, err := decodePayload(evt)
	if err != nil {
		return err
	}
	if p.ToStatus != "funded" || p.FromStatus == p.ToStatus {
		return nil
	}
	if err := w.propose(ctx, evt.ProjectID, "complete", "funding_complete"); err != nil {
		return err
	}
	audit, err := w.Engine.Repo.CertifiedAudit(ctx, evt.ProjectID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	w.Log.Info("pipeline: certified tax credit eligible for marketplace listing",
		"project_id", evt.ProjectID, "audit_id", audit.ID)
	return nil
}

// propose submits a project status transition. Stale proposals from delayed
// events are logged and counted, never applied.
func (w Watchers) propose(ctx context.Context, projectID, toStatus, consumer string) error {
	_, err := w.Engine.ApplyProjectTransition(ctx, projectID, toStatus, pipelineActor)
	if errors.Is(err, engine.ErrStaleTransition) {
		metrics.ProjectTransitions.WithLabelValues("rejected").Inc()
		w.Log.Warn("pipeline: stale transition rejected", "consumer", consumer, "project_id", projectID, "to_status", toStatus)
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		metrics.ProjectTransitions.WithLabelValues("missing").Inc()
		w.Log.Error("pipeline: transition for missing project", "consumer", consumer, "project_id", projectID, "to_status", toStatus)
		return nil
	}
	if err != nil {
		return err
	}
	metrics.ProjectTransitions.WithLabelValues("applied").Inc()
	return nil
}

func orEmptyObject(v string) string {
	if v == "" {
		return "{}"
	}
	return v
}
