package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"solaros/internal/config"
	"solaros/internal/domain"
	"solaros/internal/events"
	"solaros/internal/repo"
)

// ErrStaleTransition is returned when a proposed project status change would
// move the project backwards. Stale proposals from delayed pipeline consumers
// are rejected instead of overwriting newer state.
var ErrStaleTransition = errors.New("stale project status transition")

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) writer() events.Writer {
	w := e.Events
	if w.DB == nil {
		w.DB = e.DB
	}
	if w.Now == nil {
		w.Now = e.Now
	}
	return w
}

var financingTypes = map[string]bool{"cash": true, "loan": true, "ppa": true, "lease": true}

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	ID            string
	CustomerName  string
	Address       string
	FinancingType string
	ActorID       string
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if opts.Address == "" {
		return domain.Project{}, errors.New("address is required")
	}
	if opts.FinancingType == "" {
		opts.FinancingType = "cash"
	}
	if !financingTypes[opts.FinancingType] {
		return domain.Project{}, fmt.Errorf("unknown financing type %s", opts.FinancingType)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	p := domain.Project{
		ID:            opts.ID,
		CustomerName:  opts.CustomerName,
		Address:       opts.Address,
		FinancingType: opts.FinancingType,
		Status:        "intake",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.TypeProjectCreated, p.ID, "project", p.ID, opts.ActorID, events.EventPayload{
		"financing_type": p.FinancingType,
		"status":         p.Status,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// projectStatusRank orders the project lifecycle. Proposals may skip forward
// (a project with no tracked permits can move straight to funding) but never
// move back.
var projectStatusRank = map[string]int{
	"intake":     0,
	"scheduling": 1,
	"funding":    2,
	"complete":   3,
}

// ApplyProjectTransition is the single owner of Project.status. Pipeline
// consumers submit proposed transitions here; a proposal equal to the current
// status is an idempotent no-op (no event), a backwards proposal is rejected
// with ErrStaleTransition. Moving to funding stamps install_completed_at and
// moving to complete stamps funded_at.
func (e Engine) ApplyProjectTransition(ctx context.Context, projectID, toStatus, actorID string) (domain.Project, error) {
	toRank, ok := projectStatusRank[toStatus]
	if !ok {
		return domain.Project{}, fmt.Errorf("unknown project status %s", toStatus)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	fromRank := projectStatusRank[p.Status]
	if toRank == fromRank {
		return p, nil
	}
	if toRank < fromRank {
		return p, fmt.Errorf("%w: %s -> %s", ErrStaleTransition, p.Status, toStatus)
	}
	now := e.nowRFC3339()
	var installCompletedAt, fundedAt *string
	if toStatus == "funding" {
		installCompletedAt = &now
	}
	if toStatus == "complete" {
		fundedAt = &now
	}
	if err := e.Repo.UpdateProjectStatus(ctx, tx, projectID, toStatus, now, installCompletedAt, fundedAt); err != nil {
		return domain.Project{}, err
	}
	if err := e.writer().Append(ctx, tx, events.TypeProjectStatusChanged, projectID, "project", projectID, actorID, events.EventPayload{
		"from_status": p.Status,
		"to_status":   toStatus,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	p.Status = toStatus
	p.UpdatedAt = now
	if installCompletedAt != nil && p.InstallCompletedAt == nil {
		p.InstallCompletedAt = installCompletedAt
	}
	if fundedAt != nil && p.FundedAt == nil {
		p.FundedAt = fundedAt
	}
	return p, nil
}

// SurveyCreateOptions are parameters for recording a site survey.
type SurveyCreateOptions struct {
	ID               string
	ProjectID        string
	RoofMeasurements string
	Electrical       string
	Utility          string
	Shading          string
	Property         string
	ActorID          string
}

var surveyStatuses = map[string]bool{"pending": true, "submitted": true, "approved": true, "rejected": true}

func (e Engine) CreateSurvey(ctx context.Context, opts SurveyCreateOptions) (domain.SiteSurvey, error) {
	if opts.ProjectID == "" {
		return domain.SiteSurvey{}, errors.New("project is required")
	}
	for _, blob := range []string{opts.RoofMeasurements, opts.Electrical, opts.Utility, opts.Shading, opts.Property} {
		if blob != "" {
			if err := validateJSON(blob); err != nil {
				return domain.SiteSurvey{}, fmt.Errorf("invalid survey payload: %w", err)
			}
		}
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.SiteSurvey{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SiteSurvey{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	s := domain.SiteSurvey{
		ID:               opts.ID,
		ProjectID:        opts.ProjectID,
		Status:           "pending",
		RoofMeasurements: opts.RoofMeasurements,
		Electrical:       opts.Electrical,
		Utility:          opts.Utility,
		Shading:          opts.Shading,
		Property:         opts.Property,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if err := e.Repo.InsertSurvey(ctx, tx, s); err != nil {
		return domain.SiteSurvey{}, fmt.Errorf("insert survey: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.TypeSurveyCreated, s.ProjectID, "survey", s.ID, opts.ActorID, nil); err != nil {
		return domain.SiteSurvey{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SiteSurvey{}, err
	}
	return s, nil
}

// SetSurveyStatus updates a survey's status. Writing the current status again
// is a no-op and emits nothing, so re-fired or duplicate writes never produce
// duplicate pipeline work.
func (e Engine) SetSurveyStatus(ctx context.Context, id, status, actorID string) (domain.SiteSurvey, error) {
	if !surveyStatuses[status] {
		return domain.SiteSurvey{}, fmt.Errorf("unknown survey status %s", status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SiteSurvey{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT id,project_id,status,roof_measurements_json,electrical_json,utility_json,shading_json,property_json,created_at,updated_at FROM site_surveys WHERE id=?`, id)
	s, err := scanSurveyRow(row)
	if err != nil {
		return domain.SiteSurvey{}, err
	}
	if s.Status == status {
		return s, nil
	}
	now := e.nowRFC3339()
	if err := e.Repo.UpdateSurveyStatus(ctx, tx, id, status, now); err != nil {
		return domain.SiteSurvey{}, err
	}
	if err := e.writer().Append(ctx, tx, events.TypeSurveyStatusChanged, s.ProjectID, "survey", s.ID, actorID, events.EventPayload{
		"from_status": s.Status,
		"to_status":   status,
	}); err != nil {
		return domain.SiteSurvey{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SiteSurvey{}, err
	}
	s.Status = status
	s.UpdatedAt = now
	return s, nil
}

func scanSurveyRow(row *sql.Row) (domain.SiteSurvey, error) {
	var s domain.SiteSurvey
	var roof, electrical, utility, shading, property sql.NullString
	err := row.Scan(&s.ID, &s.ProjectID, &s.Status, &roof, &electrical, &utility, &shading, &property, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, repo.ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.RoofMeasurements = roof.String
	s.Electrical = electrical.String
	s.Utility = utility.String
	s.Shading = shading.String
	s.Property = property.String
	return s, nil
}

// DesignCreateOptions are parameters for recording a CAD design.
type DesignCreateOptions struct {
	ID        string
	ProjectID string
	Documents string
	ActorID   string
}

var designStatuses = map[string]bool{"drafting": true, "in_review": true, "approved": true, "rejected": true}

func (e Engine) CreateDesign(ctx context.Context, opts DesignCreateOptions) (domain.CadDesign, error) {
	if opts.ProjectID == "" {
		return domain.CadDesign{}, errors.New("project is required")
	}
	if opts.Documents != "" {
		if err := validateJSON(opts.Documents); err != nil {
			return domain.CadDesign{}, fmt.Errorf("invalid documents payload: %w", err)
		}
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.CadDesign{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CadDesign{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	d := domain.CadDesign{
		ID:        opts.ID,
		ProjectID: opts.ProjectID,
		Status:    "drafting",
		Documents: opts.Documents,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if err := e.Repo.InsertDesign(ctx, tx, d); err != nil {
		return domain.CadDesign{}, fmt.Errorf("insert design: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.TypeDesignCreated, d.ProjectID, "design", d.ID, opts.ActorID, nil); err != nil {
		return domain.CadDesign{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CadDesign{}, err
	}
	return d, nil
}

func (e Engine) SetDesignStatus(ctx context.Context, id, status, actorID string) (domain.CadDesign, error) {
	if !designStatuses[status] {
		return domain.CadDesign{}, fmt.Errorf("unknown design status %s", status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CadDesign{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT id,project_id,status,documents_json,created_at,updated_at FROM cad_designs WHERE id=?`, id)
	var d domain.CadDesign
	var docs sql.NullString
	if err := row.Scan(&d.ID, &d.ProjectID, &d.Status, &docs, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.CadDesign{}, repo.ErrNotFound
		}
		return domain.CadDesign{}, err
	}
	d.Documents = docs.String
	if d.Status == status {
		return d, nil
	}
	now := e.nowRFC3339()
	if err := e.Repo.UpdateDesignStatus(ctx, tx, id, status, now); err != nil {
		return domain.CadDesign{}, err
	}
	if err := e.writer().Append(ctx, tx, events.TypeDesignStatusChanged, d.ProjectID, "design", d.ID, actorID, events.EventPayload{
		"from_status": d.Status,
		"to_status":   status,
	}); err != nil {
		return domain.CadDesign{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CadDesign{}, err
	}
	d.Status = status
	d.UpdatedAt = now
	return d, nil
}

// PermitCreateOptions are parameters for opening a permit application.
// AhjID is resolved by the caller, typically from the project address.
type PermitCreateOptions struct {
	ID        string
	ProjectID string
	DesignID  string
	AhjID     string
	Notes     string
	ActorID   string
}

var permitStatuses = map[string]bool{"preparing": true, "submitted": true, "under_review": true, "approved": true, "rejected": true}

func (e Engine) CreatePermit(ctx context.Context, opts PermitCreateOptions) (domain.Permit, error) {
	if opts.ProjectID == "" {
		return domain.Permit{}, errors.New("project is required")
	}
	if opts.AhjID == "" {
		opts.AhjID = "unknown"
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Permit{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Permit{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	p := domain.Permit{
		ID:        opts.ID,
		ProjectID: opts.ProjectID,
		DesignID:  opts.DesignID,
		AhjID:     opts.AhjID,
		Status:    "preparing",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := e.Repo.InsertPermit(ctx, tx, p); err != nil {
		return domain.Permit{}, fmt.Errorf("insert permit: %w", err)
	}
	if err := e.Repo.AppendPermitTimeline(ctx, tx, domain.PermitTimelineEntry{
		PermitID: p.ID,
		Status:   p.Status,
		ActorID:  opts.ActorID,
		Notes:    opts.Notes,
		TS:       now,
	}); err != nil {
		return domain.Permit{}, fmt.Errorf("seed permit timeline: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.TypePermitCreated, p.ProjectID, "permit", p.ID, opts.ActorID, events.EventPayload{
		"ahj_id":    p.AhjID,
		"design_id": p.DesignID,
	}); err != nil {
		return domain.Permit{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Permit{}, err
	}
	return p, nil
}

// EnsurePermitForDesign opens the permit application for an approved design
// and queues its permit_submit task, all in one transaction. A design that
// already has a permit is left alone and reported with created=false, so
// redelivered approval events are harmless.
func (e Engine) EnsurePermitForDesign(ctx context.Context, projectID, designID, ahjID, actorID string) (domain.Permit, bool, error) {
	if e.Config == nil {
		return domain.Permit{}, false, errors.New("config not loaded")
	}
	if ahjID == "" {
		ahjID = "unknown"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Permit{}, false, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetProjectTx(ctx, tx, projectID); err != nil {
		return domain.Permit{}, false, err
	}
	row := tx.QueryRowContext(ctx, `SELECT id,project_id,design_id,ahj_id,status,ai_attempts,created_at,updated_at FROM permits WHERE project_id=? AND design_id=? LIMIT 1`, projectID, designID)
	var existing domain.Permit
	var existingDesign sql.NullString
	err = row.Scan(&existing.ID, &existing.ProjectID, &existingDesign, &existing.AhjID, &existing.Status, &existing.AiAttempts, &existing.CreatedAt, &existing.UpdatedAt)
	if err == nil {
		existing.DesignID = existingDesign.String
		return existing, false, nil
	}
	if err != sql.ErrNoRows {
		return domain.Permit{}, false, err
	}

	now := e.nowRFC3339()
	p := domain.Permit{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		DesignID:  designID,
		AhjID:     ahjID,
		Status:    "preparing",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertPermit(ctx, tx, p); err != nil {
		return domain.Permit{}, false, fmt.Errorf("insert permit: %w", err)
	}
	if err := e.Repo.AppendPermitTimeline(ctx, tx, domain.PermitTimelineEntry{
		PermitID: p.ID,
		Status:   p.Status,
		ActorID:  actorID,
		Notes:    "auto-created on design approval",
		TS:       now,
	}); err != nil {
		return domain.Permit{}, false, fmt.Errorf("seed permit timeline: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.TypePermitCreated, p.ProjectID, "permit", p.ID, actorID, events.EventPayload{
		"ahj_id":    p.AhjID,
		"design_id": p.DesignID,
	}); err != nil {
		return domain.Permit{}, false, err
	}

	defaults := e.Config.TaskDefaultsFor("permit_submit")
	input, err := json.Marshal(map[string]any{
		"permit_id": p.ID,
		"design_id": designID,
		"ahj_id":    p.AhjID,
	})
	if err != nil {
		return domain.Permit{}, false, err
	}
	t := domain.AiTask{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		Type:       "permit_submit",
		Status:     "pending",
		Priority:   defaults.Priority,
		Input:      string(input),
		MaxRetries: defaults.MaxRetries,
		CreatedBy:  actorID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Permit{}, false, fmt.Errorf("insert task: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.TypeTaskEnqueued, projectID, "task", t.ID, actorID, events.EventPayload{
		"type":     t.Type,
		"priority": t.Priority,
	}); err != nil {
		return domain.Permit{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Permit{}, false, err
	}
	return p, true, nil
}

// SetPermitStatus updates a permit and appends the change to its timeline in
// the same transaction. The timeline is append-only history; it is never
// rewritten.
func (e Engine) SetPermitStatus(ctx context.Context, id, status, notes, actorID string) (domain.Permit, error) {
	if !permitStatuses[status] {
		return domain.Permit{}, fmt.Errorf("unknown permit status %s", status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Permit{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT id,project_id,design_id,ahj_id,status,ai_attempts,created_at,updated_at FROM permits WHERE id=?`, id)
	var p domain.Permit
	var designID sql.NullString
	if err := row.Scan(&p.ID, &p.ProjectID, &designID, &p.AhjID, &p.Status, &p.AiAttempts, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.Permit{}, repo.ErrNotFound
		}
		return domain.Permit{}, err
	}
	p.DesignID = designID.String
	if p.Status == status {
		return p, nil
	}
	now := e.nowRFC3339()
	if err := e.Repo.UpdatePermitStatus(ctx, tx, id, status, now); err != nil {
		return domain.Permit{}, err
	}
	if err := e.Repo.AppendPermitTimeline(ctx, tx, domain.PermitTimelineEntry{
		PermitID: p.ID,
		Status:   status,
		ActorID:  actorID,
		Notes:    notes,
		TS:       now,
	}); err != nil {
		return domain.Permit{}, err
	}
	if err := e.writer().Append(ctx, tx, events.TypePermitStatusChanged, p.ProjectID, "permit", p.ID, actorID, events.EventPayload{
		"from_status": p.Status,
		"to_status":   status,
	}); err != nil {
		return domain.Permit{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Permit{}, err
	}
	p.Status = status
	p.UpdatedAt = now
	return p, nil
}

// InstallCreateOptions are parameters for recording an install photo set.
type InstallCreateOptions struct {
	ID         string
	ProjectID  string
	ScheduleID string
	Phase      string
	ActorID    string
}

var installPhaseStatuses = map[string]bool{"pending": true, "submitted": true, "passed": true, "failed": true}

func (e Engine) CreateInstallPhotoSet(ctx context.Context, opts InstallCreateOptions) (domain.InstallPhotoSet, error) {
	if opts.ProjectID == "" {
		return domain.InstallPhotoSet{}, errors.New("project is required")
	}
	if opts.Phase == "" {
		return domain.InstallPhotoSet{}, errors.New("phase is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.InstallPhotoSet{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.InstallPhotoSet{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	s := domain.InstallPhotoSet{
		ID:          opts.ID,
		ProjectID:   opts.ProjectID,
		ScheduleID:  opts.ScheduleID,
		Phase:       opts.Phase,
		PhaseStatus: "pending",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if err := e.Repo.InsertInstallPhotoSet(ctx, tx, s); err != nil {
		return domain.InstallPhotoSet{}, fmt.Errorf("insert install photo set: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.TypeInstallCreated, s.ProjectID, "install", s.ID, opts.ActorID, events.EventPayload{
		"phase": s.Phase,
	}); err != nil {
		return domain.InstallPhotoSet{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.InstallPhotoSet{}, err
	}
	return s, nil
}

// SignOffInstall records installer and reviewer sign-off. Sign-off alone
// never advances the pipeline; only a phase status change does.
func (e Engine) SignOffInstall(ctx context.Context, id string, installerSigned, reviewerSigned bool, actorID string) (domain.InstallPhotoSet, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.InstallPhotoSet{}, err
	}
	defer tx.Rollback()

	s, err := e.getInstallTx(ctx, tx, id)
	if err != nil {
		return domain.InstallPhotoSet{}, err
	}
	now := e.nowRFC3339()
	if err := e.Repo.UpdateInstallSignOff(ctx, tx, id, installerSigned, reviewerSigned, now); err != nil {
		return domain.InstallPhotoSet{}, err
	}
	if err := e.writer().Append(ctx, tx, events.TypeInstallSignOff, s.ProjectID, "install", s.ID, actorID, events.EventPayload{
		"installer_signed": installerSigned,
		"reviewer_signed":  reviewerSigned,
	}); err != nil {
		return domain.InstallPhotoSet{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.InstallPhotoSet{}, err
	}
	s.InstallerSigned = installerSigned
	s.ReviewerSigned = reviewerSigned
	s.UpdatedAt = now
	return s, nil
}

// SetInstallPhaseStatus updates the phase status. The emitted event carries a
// snapshot of phase and signatures so consumers evaluate the compound guard
// against the state at transition time.
func (e Engine) SetInstallPhaseStatus(ctx context.Context, id, phaseStatus, actorID string) (domain.InstallPhotoSet, error) {
	if !installPhaseStatuses[phaseStatus] {
		return domain.InstallPhotoSet{}, fmt.Errorf("unknown phase status %s", phaseStatus)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.InstallPhotoSet{}, err
	}
	defer tx.Rollback()

	s, err := e.getInstallTx(ctx, tx, id)
	if err != nil {
		return domain.InstallPhotoSet{}, err
	}
	if s.PhaseStatus == phaseStatus {
		return s, nil
	}
	now := e.nowRFC3339()
	if err := e.Repo.UpdateInstallPhaseStatus(ctx, tx, id, phaseStatus, now); err != nil {
		return domain.InstallPhotoSet{}, err
	}
	if err := e.writer().Append(ctx, tx, events.TypeInstallPhaseChanged, s.ProjectID, "install", s.ID, actorID, events.EventPayload{
		"phase":            s.Phase,
		"from_status":      s.PhaseStatus,
		"to_status":        phaseStatus,
		"installer_signed": s.InstallerSigned,
		"reviewer_signed":  s.ReviewerSigned,
	}); err != nil {
		return domain.InstallPhotoSet{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.InstallPhotoSet{}, err
	}
	s.PhaseStatus = phaseStatus
	s.UpdatedAt = now
	return s, nil
}

func (e Engine) getInstallTx(ctx context.Context, tx *sql.Tx, id string) (domain.InstallPhotoSet, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,project_id,schedule_id,phase,phase_status,installer_signed,reviewer_signed,created_at,updated_at FROM install_photo_sets WHERE id=?`, id)
	var s domain.InstallPhotoSet
	var scheduleID sql.NullString
	err := row.Scan(&s.ID, &s.ProjectID, &scheduleID, &s.Phase, &s.PhaseStatus, &s.InstallerSigned, &s.ReviewerSigned, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, repo.ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.ScheduleID = scheduleID.String
	return s, nil
}

var fundingStatuses = map[string]bool{"preparing": true, "submitted": true, "funded": true, "rejected": true}

func (e Engine) CreateFundingPackage(ctx context.Context, id, projectID, actorID string) (domain.FundingPackage, error) {
	if projectID == "" {
		return domain.FundingPackage{}, errors.New("project is required")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.FundingPackage{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FundingPackage{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	f := domain.FundingPackage{
		ID:        id,
		ProjectID: projectID,
		Status:    "preparing",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if err := e.Repo.InsertFundingPackage(ctx, tx, f); err != nil {
		return domain.FundingPackage{}, fmt.Errorf("insert funding package: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.TypeFundingCreated, f.ProjectID, "funding", f.ID, actorID, nil); err != nil {
		return domain.FundingPackage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FundingPackage{}, err
	}
	return f, nil
}

func (e Engine) SetFundingStatus(ctx context.Context, id, status, actorID string) (domain.FundingPackage, error) {
	if !fundingStatuses[status] {
		return domain.FundingPackage{}, fmt.Errorf("unknown funding status %s", status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FundingPackage{}, err
	}
	defer tx.Rollback()

	var f domain.FundingPackage
	err = tx.QueryRowContext(ctx, `SELECT id,project_id,status,created_at,updated_at FROM funding_packages WHERE id=?`, id).
		Scan(&f.ID, &f.ProjectID, &f.Status, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.FundingPackage{}, repo.ErrNotFound
	}
	if err != nil {
		return domain.FundingPackage{}, err
	}
	if f.Status == status {
		return f, nil
	}
	now := e.nowRFC3339()
	if err := e.Repo.UpdateFundingStatus(ctx, tx, id, status, now); err != nil {
		return domain.FundingPackage{}, err
	}
	if err := e.writer().Append(ctx, tx, events.TypeFundingStatusChanged, f.ProjectID, "funding", f.ID, actorID, events.EventPayload{
		"from_status": f.Status,
		"to_status":   status,
	}); err != nil {
		return domain.FundingPackage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FundingPackage{}, err
	}
	f.Status = status
	f.UpdatedAt = now
	return f, nil
}

// RecordTaxCreditAudit stores an audit result produced by an external
// reviewer. Audits never drive pipeline transitions; the funding consumer
// only reads them.
func (e Engine) RecordTaxCreditAudit(ctx context.Context, id, projectID, status, actorID string) (domain.TaxCreditAudit, error) {
	switch status {
	case "pending", "in_review", "certified", "rejected":
	default:
		return domain.TaxCreditAudit{}, fmt.Errorf("unknown audit status %s", status)
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.TaxCreditAudit{}, err
	}
	a := domain.TaxCreditAudit{ID: id, ProjectID: projectID, Status: status}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if status == "certified" {
		now := e.nowRFC3339()
		a.CertifiedAt = &now
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaxCreditAudit{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTaxCreditAudit(ctx, tx, a); err != nil {
		return domain.TaxCreditAudit{}, fmt.Errorf("insert audit: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.TypeAuditRecorded, projectID, "audit", a.ID, actorID, events.EventPayload{
		"status": status,
	}); err != nil {
		return domain.TaxCreditAudit{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaxCreditAudit{}, err
	}
	return a, nil
}

func validateJSON(in string) error {
	var tmp any
	return json.Unmarshal([]byte(in), &tmp)
}
