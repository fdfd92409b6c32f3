package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"solaros/internal/config"
	"solaros/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- projects ---

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,customer_name,address,financing_type,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, nullable(p.CustomerName), p.Address, p.FinancingType, p.Status, p.CreatedAt, p.UpdatedAt)
	return err
}

func scanProject(scan func(dest ...any) error) (domain.Project, error) {
	var p domain.Project
	var customer, installCompleted, funded sql.NullString
	err := scan(&p.ID, &customer, &p.Address, &p.FinancingType, &p.Status, &installCompleted, &funded, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if customer.Valid {
		p.CustomerName = customer.String
	}
	if installCompleted.Valid {
		p.InstallCompletedAt = &installCompleted.String
	}
	if funded.Valid {
		p.FundedAt = &funded.String
	}
	return p, nil
}

const projectCols = `id,customer_name,address,financing_type,status,install_completed_at,funded_at,created_at,updated_at`

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id)
	return scanProject(row.Scan)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id)
	return scanProject(row.Scan)
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectCols+` FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateProjectStatus writes a new status plus optional lifecycle stamps.
// Stamps are written once and never cleared.
func (r Repo) UpdateProjectStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string, installCompletedAt, fundedAt *string) error {
	fields := []string{"status=?", "updated_at=?"}
	args := []any{status, updatedAt}
	if installCompletedAt != nil {
		fields = append(fields, "install_completed_at=COALESCE(install_completed_at,?)")
		args = append(args, *installCompletedAt)
	}
	if fundedAt != nil {
		fields = append(fields, "funded_at=COALESCE(funded_at,?)")
		args = append(args, *fundedAt)
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE projects SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- site surveys ---

const surveyCols = `id,project_id,status,roof_measurements_json,electrical_json,utility_json,shading_json,property_json,created_at,updated_at`

func scanSurvey(scan func(dest ...any) error) (domain.SiteSurvey, error) {
	var s domain.SiteSurvey
	var roof, electrical, utility, shading, property sql.NullString
	err := scan(&s.ID, &s.ProjectID, &s.Status, &roof, &electrical, &utility, &shading, &property, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
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

func (r Repo) InsertSurvey(ctx context.Context, tx *sql.Tx, s domain.SiteSurvey) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO site_surveys(`+surveyCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, s.Status, nullable(s.RoofMeasurements), nullable(s.Electrical), nullable(s.Utility), nullable(s.Shading), nullable(s.Property), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetSurvey(ctx context.Context, id string) (domain.SiteSurvey, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+surveyCols+` FROM site_surveys WHERE id=?`, id)
	return scanSurvey(row.Scan)
}

func (r Repo) ListSurveys(ctx context.Context, projectID string) ([]domain.SiteSurvey, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+surveyCols+` FROM site_surveys WHERE project_id=? ORDER BY created_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SiteSurvey
	for rows.Next() {
		s, err := scanSurvey(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) UpdateSurveyStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE site_surveys SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- cad designs ---

const designCols = `id,project_id,status,documents_json,created_at,updated_at`

func scanDesign(scan func(dest ...any) error) (domain.CadDesign, error) {
	var d domain.CadDesign
	var docs sql.NullString
	err := scan(&d.ID, &d.ProjectID, &d.Status, &docs, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Documents = docs.String
	return d, nil
}

func (r Repo) InsertDesign(ctx context.Context, tx *sql.Tx, d domain.CadDesign) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cad_designs(`+designCols+`) VALUES (?,?,?,?,?,?)`,
		d.ID, d.ProjectID, d.Status, nullable(d.Documents), d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) GetDesign(ctx context.Context, id string) (domain.CadDesign, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+designCols+` FROM cad_designs WHERE id=?`, id)
	return scanDesign(row.Scan)
}

func (r Repo) ListDesigns(ctx context.Context, projectID string) ([]domain.CadDesign, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+designCols+` FROM cad_designs WHERE project_id=? ORDER BY created_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CadDesign
	for rows.Next() {
		d, err := scanDesign(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) UpdateDesignStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE cad_designs SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- permits ---

const permitCols = `id,project_id,design_id,ahj_id,status,ai_attempts,created_at,updated_at`

func scanPermit(scan func(dest ...any) error) (domain.Permit, error) {
	var p domain.Permit
	var designID sql.NullString
	err := scan(&p.ID, &p.ProjectID, &designID, &p.AhjID, &p.Status, &p.AiAttempts, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.DesignID = designID.String
	return p, nil
}

func (r Repo) InsertPermit(ctx context.Context, tx *sql.Tx, p domain.Permit) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO permits(`+permitCols+`) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.ProjectID, nullable(p.DesignID), p.AhjID, p.Status, p.AiAttempts, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetPermit(ctx context.Context, id string) (domain.Permit, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+permitCols+` FROM permits WHERE id=?`, id)
	return scanPermit(row.Scan)
}

func (r Repo) ListPermitsByProject(ctx context.Context, projectID string) ([]domain.Permit, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+permitCols+` FROM permits WHERE project_id=? ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Permit
	for rows.Next() {
		p, err := scanPermit(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdatePermitStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE permits SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) AppendPermitTimeline(ctx context.Context, tx *sql.Tx, e domain.PermitTimelineEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO permit_timeline(permit_id,status,actor_id,notes,ts) VALUES (?,?,?,?,?)`,
		e.PermitID, e.Status, e.ActorID, nullable(e.Notes), e.TS)
	return err
}

func (r Repo) ListPermitTimeline(ctx context.Context, permitID string) ([]domain.PermitTimelineEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,permit_id,status,actor_id,COALESCE(notes,''),ts FROM permit_timeline WHERE permit_id=? ORDER BY id ASC`, permitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PermitTimelineEntry
	for rows.Next() {
		var e domain.PermitTimelineEntry
		if err := rows.Scan(&e.ID, &e.PermitID, &e.Status, &e.ActorID, &e.Notes, &e.TS); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- install photo sets ---

const installCols = `id,project_id,schedule_id,phase,phase_status,installer_signed,reviewer_signed,created_at,updated_at`

func scanInstall(scan func(dest ...any) error) (domain.InstallPhotoSet, error) {
	var s domain.InstallPhotoSet
	var scheduleID sql.NullString
	err := scan(&s.ID, &s.ProjectID, &scheduleID, &s.Phase, &s.PhaseStatus, &s.InstallerSigned, &s.ReviewerSigned, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.ScheduleID = scheduleID.String
	return s, nil
}

func (r Repo) InsertInstallPhotoSet(ctx context.Context, tx *sql.Tx, s domain.InstallPhotoSet) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO install_photo_sets(`+installCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, nullable(s.ScheduleID), s.Phase, s.PhaseStatus, s.InstallerSigned, s.ReviewerSigned, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetInstallPhotoSet(ctx context.Context, id string) (domain.InstallPhotoSet, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+installCols+` FROM install_photo_sets WHERE id=?`, id)
	return scanInstall(row.Scan)
}

func (r Repo) UpdateInstallPhaseStatus(ctx context.Context, tx *sql.Tx, id, phaseStatus, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE install_photo_sets SET phase_status=?, updated_at=? WHERE id=?`, phaseStatus, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateInstallSignOff(ctx context.Context, tx *sql.Tx, id string, installerSigned, reviewerSigned bool, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE install_photo_sets SET installer_signed=?, reviewer_signed=?, updated_at=? WHERE id=?`,
		installerSigned, reviewerSigned, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- funding packages ---

const fundingCols = `id,project_id,status,created_at,updated_at`

func (r Repo) InsertFundingPackage(ctx context.Context, tx *sql.Tx, f domain.FundingPackage) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO funding_packages(`+fundingCols+`) VALUES (?,?,?,?,?)`,
		f.ID, f.ProjectID, f.Status, f.CreatedAt, f.UpdatedAt)
	return err
}

func (r Repo) GetFundingPackage(ctx context.Context, id string) (domain.FundingPackage, error) {
	var f domain.FundingPackage
	err := r.DB.QueryRowContext(ctx, `SELECT `+fundingCols+` FROM funding_packages WHERE id=?`, id).
		Scan(&f.ID, &f.ProjectID, &f.Status, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	return f, err
}

func (r Repo) UpdateFundingStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE funding_packages SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- tax credit audits ---

func (r Repo) InsertTaxCreditAudit(ctx context.Context, tx *sql.Tx, a domain.TaxCreditAudit) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tax_credit_audits(id,project_id,status,certified_at) VALUES (?,?,?,?)`,
		a.ID, a.ProjectID, a.Status, nullableStringPtr(a.CertifiedAt))
	return err
}

// CertifiedAudit returns the project's certified tax credit audit, if any.
func (r Repo) CertifiedAudit(ctx context.Context, projectID string) (domain.TaxCreditAudit, error) {
	var a domain.TaxCreditAudit
	var certifiedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,status,certified_at FROM tax_credit_audits WHERE project_id=? AND status='certified' LIMIT 1`, projectID).
		Scan(&a.ID, &a.ProjectID, &a.Status, &certifiedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if certifiedAt.Valid {
		a.CertifiedAt = &certifiedAt.String
	}
	return a, nil
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var projectID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &projectID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.ProjectID = projectID.String
		e.EntityID = entityID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- pipeline cursors ---

func (r Repo) GetCursor(ctx context.Context, consumer string) (int64, error) {
	var cur int64
	err := r.DB.QueryRowContext(ctx, `SELECT cursor FROM pipeline_cursors WHERE consumer=?`, consumer).Scan(&cur)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return cur, err
}

func (r Repo) SetCursor(ctx context.Context, consumer string, cursor int64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO pipeline_cursors(consumer,cursor,updated_at) VALUES (?,?,?)
ON CONFLICT(consumer) DO UPDATE SET cursor=excluded.cursor, updated_at=excluded.updated_at`, consumer, cursor, now)
	return err
}

// --- configs ---

const configScope = "pipeline"

func (r Repo) UpsertConfig(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO configs(scope,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(scope) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, configScope, string(payload), now, now)
	return err
}

func (r Repo) GetConfig(ctx context.Context) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM configs WHERE scope=?`, configScope).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
