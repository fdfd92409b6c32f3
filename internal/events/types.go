package events

// Event types written by the engine and matched by pipeline consumers.
const (
	TypeProjectCreated       = "project.created"
	TypeProjectStatusChanged = "project.status.changed"
	TypeSurveyCreated        = "survey.created"
	TypeSurveyStatusChanged  = "survey.status.changed"
	TypeDesignCreated        = "design.created"
	TypeDesignStatusChanged  = "design.status.changed"
	TypePermitCreated        = "permit.created"
	TypePermitStatusChanged  = "permit.status.changed"
	TypeInstallCreated       = "install.created"
	TypeInstallPhaseChanged  = "install.phase.changed"
	TypeInstallSignOff       = "install.signoff"
	TypeFundingCreated       = "funding.created"
	TypeFundingStatusChanged = "funding.status.changed"
	TypeAuditRecorded        = "audit.recorded"
	TypeTaskEnqueued         = "task.enqueued"
	TypeTaskClaimed          = "task.claimed"
	TypeTaskCompleted        = "task.completed"
	TypeTaskFailed           = "task.failed"
)
