package server

import (
	"encoding/json"

	"solaros/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID            *string `json:"id,omitempty"`
	CustomerName  *string `json:"customer_name,omitempty"`
	Address       string  `json:"address"`
	FinancingType string  `json:"financing_type,omitempty" enum:"cash,loan,ppa,lease"`
}

type CreateSurveyRequest struct {
	ID               *string        `json:"id,omitempty"`
	ProjectID        string         `json:"project_id"`
	RoofMeasurements map[string]any `json:"roof_measurements,omitempty"`
	Electrical       map[string]any `json:"electrical,omitempty"`
	Utility          map[string]any `json:"utility,omitempty"`
	Shading          map[string]any `json:"shading,omitempty"`
	Property         map[string]any `json:"property,omitempty"`
}

type SetStatusRequest struct {
	Status string `json:"status"`
}

type CreateDesignRequest struct {
	ID        *string        `json:"id,omitempty"`
	ProjectID string         `json:"project_id"`
	Documents map[string]any `json:"documents,omitempty"`
}

type CreatePermitRequest struct {
	ID       *string `json:"id,omitempty"`
	ProjectID string `json:"project_id"`
	DesignID *string `json:"design_id,omitempty"`
	AhjID    *string `json:"ahj_id,omitempty"`
	Notes    *string `json:"notes,omitempty"`
}

type SetPermitStatusRequest struct {
	Status string  `json:"status" enum:"preparing,submitted,under_review,approved,rejected"`
	Notes  *string `json:"notes,omitempty"`
}

type CreateInstallRequest struct {
	ID         *string `json:"id,omitempty"`
	ProjectID  string  `json:"project_id"`
	ScheduleID *string `json:"schedule_id,omitempty"`
	Phase      string  `json:"phase"`
}

type SignOffRequest struct {
	InstallerSigned bool `json:"installer_signed"`
	ReviewerSigned  bool `json:"reviewer_signed"`
}

type CreateFundingRequest struct {
	ID        *string `json:"id,omitempty"`
	ProjectID string  `json:"project_id"`
}

type RecordAuditRequest struct {
	ID        *string `json:"id,omitempty"`
	ProjectID string  `json:"project_id"`
	Status    string  `json:"status" enum:"pending,in_review,certified,rejected"`
}

type EnqueueTaskRequest struct {
	ProjectID  string         `json:"project_id"`
	Type       string         `json:"type" enum:"cad_generate,permit_submit,schedule_match,funding_submit,credit_audit,survey_process"`
	Input      map[string]any `json:"input,omitempty"`
	Priority   *int           `json:"priority,omitempty" minimum:"1" maximum:"5"`
	MaxRetries *int           `json:"max_retries,omitempty"`
	Dedupe     bool           `json:"dedupe,omitempty"`
}

type ClaimTaskRequest struct {
	Type     string `json:"type,omitempty" enum:"cad_generate,permit_submit,schedule_match,funding_submit,credit_audit,survey_process,"`
	WorkerID string `json:"worker_id"`
}

type TaskResultRequest struct {
	Output       map[string]any `json:"output,omitempty"`
	AiAttempt    map[string]any `json:"ai_attempt,omitempty"`
	LearningData map[string]any `json:"learning_data,omitempty"`
}

type UpsertAuthorityRequest struct {
	Name     string   `json:"name"`
	State    *string  `json:"state,omitempty"`
	ZipCodes []string `json:"zip_codes"`
}

type RetryWebhookRequest struct {
	LogID string `json:"log_id"`
}

type CreateWebhookLogRequest struct {
	URL     string            `json:"url" format:"uri"`
	Method  *string           `json:"method,omitempty"`
	Payload map[string]any    `json:"payload,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Source  *string           `json:"source,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string  `json:"actor_id"`
	Name    *string `json:"name,omitempty"`
}

// Response payloads

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage([]byte("{}"))
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage([]byte(evt.Payload))
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type RetryWebhookResponse struct {
	Log    domain.WebhookLog `json:"log"`
	Result struct {
		Success      bool    `json:"success"`
		StatusCode   *int    `json:"status_code,omitempty"`
		ResponseBody *string `json:"response_body,omitempty"`
		Error        *string `json:"error,omitempty"`
	} `json:"result"`
}

func rawOrNil(m map[string]any) (string, error) {
	if m == nil {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
