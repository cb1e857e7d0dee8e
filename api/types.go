// Package api defines the shared types that cross the workflow/activity
// boundary of the role onboarding pipeline: run inputs, step progress,
// status records, and the payloads exchanged with the downstream
// processing service. Everything here serializes to snake_case JSON, the
// format used both on the HTTP control surface and in engine payloads.
package api

import (
	"errors"
	"time"
)

// WorkflowState is the lifecycle state of a role onboarding workflow.
type WorkflowState string

const (
	// StateQueued means the workflow has been accepted but no step has run.
	StateQueued WorkflowState = "queued"
	// StateProcessing means at least one step is running or retrying.
	StateProcessing WorkflowState = "processing"
	// StateReady means every required step completed and the role is usable.
	StateReady WorkflowState = "ready"
	// StateFailed means a required step exhausted its retries or timed out.
	StateFailed WorkflowState = "failed"
	// StateDegraded means required steps completed but an optional step
	// failed. Reserved; no optional steps exist yet.
	StateDegraded WorkflowState = "degraded"
	// StateValidationError means the input was rejected before any step ran.
	StateValidationError WorkflowState = "validation_error"
	// StateStale means a previously ready role was invalidated by an
	// external input change and needs a re-run.
	StateStale WorkflowState = "stale"
)

// Terminal reports whether the state ends a workflow execution. Stale is
// included: it marks a finished run whose outputs are no longer trusted.
func (s WorkflowState) Terminal() bool {
	switch s {
	case StateReady, StateFailed, StateDegraded, StateValidationError, StateStale:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a single pipeline step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Pipeline step names, in execution order.
const (
	// StepRoleSetup creates the role entity and links its job description.
	StepRoleSetup = "role_setup"
	// StepAIAssessment runs the automation assessment against the role.
	StepAIAssessment = "ai_assessment"
)

// DocumentType classifies a document attached to a role submission.
type DocumentType string

const (
	DocumentJobDescription DocumentType = "job_description"
	DocumentProcessMap     DocumentType = "process_map"
	DocumentSOP            DocumentType = "sop"
	DocumentOther          DocumentType = "other"
)

// Error codes surfaced in status records and HTTP error envelopes.
const (
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeEngine     = "TEMPORAL_ERROR"
	ErrCodeInternal   = "INTERNAL_ERROR"
	ErrCodeExecution  = "EXECUTION_ERROR"
	ErrCodeTimeout    = "TIMEOUT"
)

// BatchState is the rolled-up state of a batch, computed from the states
// of its member workflows.
type BatchState string

const (
	BatchQueued     BatchState = "queued"
	BatchInProgress BatchState = "in_progress"
	BatchCompleted  BatchState = "completed"
)

type (
	// DocumentRef points at one document supplied with a role submission.
	// Exactly one of URI or Content must be set.
	DocumentRef struct {
		// Type classifies the document. Only job_description documents
		// participate in pipeline validation; other types ride along.
		Type DocumentType `json:"type"`

		// URI is a fetchable URL (typically a presigned download link). The
		// downstream service fetches and extracts the payload.
		URI string `json:"uri,omitempty"`

		// Content is the inline document text. Takes precedence over URI.
		Content string `json:"content,omitempty"`

		// Name is an optional human-readable label.
		Name string `json:"name,omitempty"`

		// Metadata carries source attributes (document_id, content_type,
		// roles) untouched through the pipeline.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Options are caller-supplied run options.
	Options struct {
		// SkipEnhancementWorkflows suppresses follow-on enrichment runs.
		SkipEnhancementWorkflows bool `json:"skip_enhancement_workflows"`

		// ForceRerun requests a fresh run even when a prior run succeeded.
		// It also flips delete_existing on the assessment call.
		ForceRerun bool `json:"force_rerun"`

		// NotifyOnComplete requests a completion notification. Defaults true.
		NotifyOnComplete bool `json:"notify_on_complete"`
	}

	// ExecutionContext is correlation metadata propagated to every activity.
	ExecutionContext struct {
		CompanyID string `json:"company_id,omitempty"`
		UserID    string `json:"user_id,omitempty"`
		TraceID   string `json:"trace_id,omitempty"`
	}

	// TaxonomyRole is a role entry from the taxonomy lookup service. Its
	// general summary doubles as the job-description fallback when a
	// submission carries no usable document.
	TaxonomyRole struct {
		RoleID         string `json:"role_id,omitempty"`
		RoleName       string `json:"role_name"`
		Seniority      string `json:"seniority,omitempty"`
		GeneralSummary string `json:"general_summary,omitempty"`
	}

	// Company is a tenant entry from the taxonomy lookup service.
	Company struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}

	// RoleOnboardingInput is the immutable input of one workflow run.
	RoleOnboardingInput struct {
		// WorkflowID is assigned at enqueue time and stable across activity
		// retries of the same logical submission.
		WorkflowID string `json:"workflow_id"`

		// CompanyID identifies (and names) the tenant.
		CompanyID string `json:"company_id"`

		// RoleName is the role being onboarded.
		RoleName string `json:"role_name"`

		// Documents are the submitted documents, in caller order.
		Documents []DocumentRef `json:"documents,omitempty"`

		// DraupRoleID and DraupRoleName are optional external mapping hints.
		DraupRoleID   string `json:"draup_role_id,omitempty"`
		DraupRoleName string `json:"draup_role_name,omitempty"`

		// Taxonomy is the matched taxonomy entry, when one exists.
		Taxonomy *TaxonomyRole `json:"taxonomy,omitempty"`

		// Options are the caller-supplied run options.
		Options Options `json:"options"`

		// Context is propagated to every activity for correlation.
		Context ExecutionContext `json:"context"`

		// BatchID links the run to its batch, when enqueued via push-batch.
		BatchID string `json:"batch_id,omitempty"`

		// EnqueuedAt is the wall-clock accept time, recorded by the service
		// so the workflow can report queued_at without consulting its own
		// (replay-virtualized) clock.
		EnqueuedAt time.Time `json:"enqueued_at,omitempty"`
	}

	// StepProgress tracks one step inside a workflow status record.
	StepProgress struct {
		Name         string     `json:"name"`
		Status       StepStatus `json:"status"`
		StartedAt    *time.Time `json:"started_at,omitempty"`
		CompletedAt  *time.Time `json:"completed_at,omitempty"`
		DurationMS   int64      `json:"duration_ms,omitempty"`
		ErrorMessage string     `json:"error_message,omitempty"`
	}

	// Progress summarizes step completion for a workflow.
	Progress struct {
		// Current counts completed steps; incremented on step completion,
		// not on sub-activity completion.
		Current int `json:"current"`

		// Total is the number of pipeline steps.
		Total int `json:"total"`

		// Steps holds per-step detail in execution order.
		Steps []StepProgress `json:"steps"`
	}

	// Error is the terminal error recorded on a failed workflow and the
	// payload of HTTP error envelopes. It implements error so service
	// methods can return it directly.
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`

		// Recoverable indicates whether a retry-failed or fresh push is
		// expected to succeed.
		Recoverable bool `json:"recoverable"`
	}

	// WorkflowStatus is the mutable status record of one workflow run. The
	// engine's own history is authoritative; this record enriches it with
	// per-step attribution and survives in the status store for 24 hours.
	WorkflowStatus struct {
		WorkflowID string        `json:"workflow_id"`
		CompanyID  string        `json:"company_id,omitempty"`
		RoleName   string        `json:"role_name,omitempty"`
		State      WorkflowState `json:"state"`

		// CurrentStep names the running step. Empty when no step is running.
		CurrentStep string `json:"current_step,omitempty"`

		Progress Progress `json:"progress"`

		QueuedAt    time.Time  `json:"queued_at"`
		StartedAt   *time.Time `json:"started_at,omitempty"`
		CompletedAt *time.Time `json:"completed_at,omitempty"`

		// RoleID is the downstream identifier, populated once role creation
		// succeeds.
		RoleID string `json:"role_id,omitempty"`

		// BatchID links the run to its batch, when applicable.
		BatchID string `json:"batch_id,omitempty"`

		// Error is set when the workflow ends in a failed state.
		Error *Error `json:"error,omitempty"`
	}

	// StepResult is the uniform return value of every pipeline activity:
	// the operation's output object plus duration and status.
	StepResult struct {
		Name       string         `json:"name"`
		Status     StepStatus     `json:"status"`
		DurationMS int64          `json:"duration_ms"`
		Output     map[string]any `json:"output,omitempty"`
		Error      *Error         `json:"error,omitempty"`
	}

	// RoleOnboardingResult is the workflow return value for runs that reach
	// a business-terminal state. Runs that exhaust activity retries or time
	// out fail at the engine level instead and carry no result.
	RoleOnboardingResult struct {
		WorkflowID string        `json:"workflow_id"`
		State      WorkflowState `json:"state"`
		RoleID     string        `json:"role_id,omitempty"`
		Error      *Error        `json:"error,omitempty"`
	}

	// BatchRecord is the persisted bookkeeping for one push-batch call.
	// It is written once at batch time and read-only afterwards; batch
	// status is always recomputed from the referenced workflows.
	BatchRecord struct {
		BatchID     string    `json:"batch_id"`
		CompanyID   string    `json:"company_id"`
		WorkflowIDs []string  `json:"workflow_ids"`
		TotalRoles  int       `json:"total_roles"`
		CreatedAt   time.Time `json:"created_at"`
		CreatedBy   string    `json:"created_by,omitempty"`
	}

	// BatchRoleStatus is the per-workflow line of a batch status report.
	// The workflow state serializes as "status" here: batch consumers read
	// per-role status lines, while the batch itself carries the "state"
	// roll-up.
	BatchRoleStatus struct {
		WorkflowID   string        `json:"workflow_id"`
		RoleName     string        `json:"role_name,omitempty"`
		State        WorkflowState `json:"status"`
		RoleID       string        `json:"role_id,omitempty"`
		Error        *Error        `json:"error,omitempty"`
		DashboardURL string        `json:"dashboard_url,omitempty"`
	}

	// BatchStatus is the recomputed roll-up of one batch. The four counters
	// partition the member workflows: queued + in_progress + completed +
	// failed always equals total.
	BatchStatus struct {
		BatchID    string     `json:"batch_id"`
		CompanyID  string     `json:"company_id"`
		State      BatchState `json:"state"`
		Total      int        `json:"total"`
		Queued     int        `json:"queued"`
		InProgress int        `json:"in_progress"`
		Completed  int        `json:"completed"`
		Failed     int        `json:"failed"`

		// ProgressPercent is (completed+failed)/total; SuccessRate is
		// completed/(completed+failed). Both are 0 when the denominator is.
		ProgressPercent float64 `json:"progress_percent"`
		SuccessRate     float64 `json:"success_rate"`

		Roles     []BatchRoleStatus `json:"roles"`
		CreatedAt time.Time         `json:"created_at"`
		CreatedBy string            `json:"created_by,omitempty"`
	}
)

// Activity payloads. Each activity receives the operation-specific input
// plus the run's ExecutionContext and returns a StepResult.
type (
	// CreateRoleInput is the payload of the create_company_role activity.
	CreateRoleInput struct {
		CompanyID     string           `json:"company_id"`
		RoleName      string           `json:"role_name"`
		DraupRoleID   string           `json:"draup_role_id,omitempty"`
		DraupRoleName string           `json:"draup_role_name,omitempty"`
		Context       ExecutionContext `json:"context"`
	}

	// LinkJobDescriptionInput is the payload of the link_job_description
	// activity. Exactly one of JDContent or JDURI is expected; JDContent
	// wins when both are set.
	LinkJobDescriptionInput struct {
		CompanyRoleID string           `json:"company_role_id"`
		JDContent     string           `json:"jd_content,omitempty"`
		JDURI         string           `json:"jd_uri,omitempty"`
		JDTitle       string           `json:"jd_title,omitempty"`
		Metadata      map[string]any   `json:"metadata,omitempty"`
		FormatWithLLM bool             `json:"format_with_llm,omitempty"`
		Context       ExecutionContext `json:"context"`
	}

	// AssessmentInput is the payload of the run_ai_assessment activity.
	AssessmentInput struct {
		CompanyID      string           `json:"company_id"`
		RoleName       string           `json:"role_name"`
		CompanyRoleID  string           `json:"company_role_id"`
		DeleteExisting bool             `json:"delete_existing"`
		StoreInNeo4j   bool             `json:"store_in_neo4j"`
		Context        ExecutionContext `json:"context"`
	}
)

// DefaultOptions returns the documented option defaults.
func DefaultOptions() Options {
	return Options{NotifyOnComplete: true}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// AsError returns err's *Error when it is (or wraps) one.
func AsError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// NewProgress builds a pending progress skeleton for the given steps.
func NewProgress(steps ...string) Progress {
	p := Progress{Total: len(steps), Steps: make([]StepProgress, len(steps))}
	for i, name := range steps {
		p.Steps[i] = StepProgress{Name: name, Status: StepPending}
	}
	return p
}

// StringOutput returns the named output field when it is a string. Engine
// payload round-trips decode outputs as map[string]any, so string fields
// survive intact.
func (r *StepResult) StringOutput(key string) string {
	if r == nil || r.Output == nil {
		return ""
	}
	s, _ := r.Output[key].(string)
	return s
}

// Step returns a pointer to the named step, or nil.
func (p *Progress) Step(name string) *StepProgress {
	for i := range p.Steps {
		if p.Steps[i].Name == name {
			return &p.Steps[i]
		}
	}
	return nil
}

// Clone returns a deep copy. Workflows hand copies to the status activity
// and to query callers so later mutations never alias published records.
func (s *WorkflowStatus) Clone() *WorkflowStatus {
	if s == nil {
		return nil
	}
	out := *s
	out.Progress.Steps = make([]StepProgress, len(s.Progress.Steps))
	for i, step := range s.Progress.Steps {
		cp := step
		if step.StartedAt != nil {
			t := *step.StartedAt
			cp.StartedAt = &t
		}
		if step.CompletedAt != nil {
			t := *step.CompletedAt
			cp.CompletedAt = &t
		}
		out.Progress.Steps[i] = cp
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	return &out
}
