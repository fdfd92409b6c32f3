package domain

// Task priorities. 1 is the most urgent, 5 the least.
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityMedium   = 3
	PriorityLow      = 4
	PriorityDeferred = 5
)

type Project struct {
	ID                 string  `json:"id"`
	CustomerName       string  `json:"customer_name,omitempty"`
	Address            string  `json:"address"`
	FinancingType      string  `json:"financing_type" enum:"cash,loan,ppa,lease"`
	Status             string  `json:"status" enum:"intake,scheduling,funding,complete"`
	InstallCompletedAt *string `json:"install_completed_at,omitempty" format:"date-time"`
	FundedAt           *string `json:"funded_at,omitempty" format:"date-time"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

type SiteSurvey struct {
	ID               string `json:"id"`
	ProjectID        string `json:"project_id"`
	Status           string `json:"status" enum:"pending,submitted,approved,rejected"`
	RoofMeasurements string `json:"roof_measurements,omitempty"`
	Electrical       string `json:"electrical,omitempty"`
	Utility          string `json:"utility,omitempty"`
	Shading          string `json:"shading,omitempty"`
	Property         string `json:"property,omitempty"`
	CreatedAt        string `json:"created_at" format:"date-time"`
	UpdatedAt        string `json:"updated_at" format:"date-time"`
}

type CadDesign struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Status    string `json:"status" enum:"drafting,in_review,approved,rejected"`
	Documents string `json:"documents,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Permit struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	DesignID   string `json:"design_id,omitempty"`
	AhjID      string `json:"ahj_id"`
	Status     string `json:"status" enum:"preparing,submitted,under_review,approved,rejected"`
	AiAttempts int    `json:"ai_attempts"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

// PermitTimelineEntry is one row of a permit's append-only status history.
type PermitTimelineEntry struct {
	ID       int64  `json:"id"`
	PermitID string `json:"permit_id"`
	Status   string `json:"status"`
	ActorID  string `json:"actor_id"`
	Notes    string `json:"notes,omitempty"`
	TS       string `json:"ts" format:"date-time"`
}

type InstallPhotoSet struct {
	ID              string `json:"id"`
	ProjectID       string `json:"project_id"`
	ScheduleID      string `json:"schedule_id,omitempty"`
	Phase           string `json:"phase"`
	PhaseStatus     string `json:"phase_status" enum:"pending,submitted,passed,failed"`
	InstallerSigned bool   `json:"installer_signed"`
	ReviewerSigned  bool   `json:"reviewer_signed"`
	CreatedAt       string `json:"created_at" format:"date-time"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
}

type FundingPackage struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Status    string `json:"status" enum:"preparing,submitted,funded,rejected"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type TaxCreditAudit struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Status      string  `json:"status" enum:"pending,in_review,certified,rejected"`
	CertifiedAt *string `json:"certified_at,omitempty" format:"date-time"`
}

// AiTask is a queued unit of work. The pipeline only enqueues; an external
// processor claims tasks and writes results back.
type AiTask struct {
	ID            string  `json:"id"`
	ProjectID     string  `json:"project_id"`
	Type          string  `json:"type" enum:"cad_generate,permit_submit,schedule_match,funding_submit,credit_audit,survey_process"`
	Status        string  `json:"status" enum:"pending,in_progress,completed,failed"`
	Priority      int     `json:"priority" minimum:"1" maximum:"5"`
	Input         string  `json:"input,omitempty"`
	Output        *string `json:"output,omitempty"`
	AiAttempt     *string `json:"ai_attempt,omitempty"`
	HumanFallback bool    `json:"human_fallback"`
	LearningData  *string `json:"learning_data,omitempty"`
	RetryCount    int     `json:"retry_count"`
	MaxRetries    int     `json:"max_retries"`
	CreatedBy     string  `json:"created_by"`
	ClaimedBy     *string `json:"claimed_by,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

// Authority is one AHJ registry row. ZIP coverage lives in ahj_zip_codes.
type Authority struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	State    string   `json:"state,omitempty"`
	ZipCodes []string `json:"zip_codes,omitempty"`
}

type WebhookLog struct {
	ID           string  `json:"id"`
	URL          string  `json:"url"`
	Method       string  `json:"method,omitempty"`
	Payload      string  `json:"payload,omitempty"`
	Headers      string  `json:"headers,omitempty"`
	Source       string  `json:"source,omitempty"`
	Status       string  `json:"status" enum:"pending,delivered,failed"`
	Success      *bool   `json:"success,omitempty"`
	StatusCode   *int    `json:"status_code,omitempty"`
	ResponseBody *string `json:"response_body,omitempty"`
	Error        *string `json:"error,omitempty"`
	RetryOf      *string `json:"retry_of,omitempty"`
	AttemptedAt  *string `json:"attempted_at,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type IntegrationStatus struct {
	Name       string            `json:"name"`
	Connected  bool              `json:"connected"`
	MaskedKeys map[string]string `json:"masked_keys,omitempty"`
	CheckedAt  string            `json:"checked_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
