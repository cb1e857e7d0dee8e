// Package engine defines the durable-execution abstraction the pipeline
// runs on. The interfaces stay engine-agnostic: the temporal subpackage
// adapts them to a Temporal cluster, and the inline subpackage executes
// workflows in-process for development, with no durability and no retries.
//
// Workflow handlers receive a WorkflowContext and must stay deterministic
// between activity calls: no wall-clock reads except Now, no I/O, no
// iteration over unordered collections. Activities are free to do
// arbitrary I/O and receive a plain context.Context.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skillgraph/rolepipe/api"
)

// RunStatus is the engine-level lifecycle of a workflow run, as reported
// by the engine's own history. It is distinct from api.WorkflowState,
// which tracks business progress: a run that completed may still carry a
// validation_error business state.
type RunStatus string

const (
	// RunStatusQueued means the run is accepted but no workflow task ran.
	RunStatusQueued RunStatus = "queued"
	// RunStatusRunning means the run is executing or awaiting a retry.
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted means the handler returned a result.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed means the handler returned an error.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCanceled means the run was canceled before finishing.
	RunStatusCanceled RunStatus = "canceled"
	// RunStatusTimedOut means the run exceeded its execution timeout.
	RunStatusTimedOut RunStatus = "timed_out"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCanceled, RunStatusTimedOut:
		return true
	}
	return false
}

// StatusQueryName is the query name workflows expose their business
// status under and adapters resolve QueryWorkflowStatus against.
const StatusQueryName = "status"

var (
	// ErrWorkflowNotFound is returned when a workflow ID is unknown to the
	// engine.
	ErrWorkflowNotFound = errors.New("engine: workflow not found")

	// ErrQueryNotSupported is returned by engines that cannot serve status
	// queries. Callers fall back to the status store.
	ErrQueryNotSupported = errors.New("engine: status query not supported")
)

// WorkflowFunc is the deterministic handler of a role onboarding run.
type WorkflowFunc func(ctx WorkflowContext, input *api.RoleOnboardingInput) (*api.RoleOnboardingResult, error)

// Activity handler signatures. Each activity kind has its own typed
// payload; all pipeline activities return the uniform StepResult except
// the status activity, which only writes.
type (
	// CreateRoleFunc handles the create_company_role activity.
	CreateRoleFunc func(ctx context.Context, input *api.CreateRoleInput) (*api.StepResult, error)

	// LinkJobDescriptionFunc handles the link_job_description activity.
	LinkJobDescriptionFunc func(ctx context.Context, input *api.LinkJobDescriptionInput) (*api.StepResult, error)

	// AssessmentFunc handles the run_ai_assessment activity.
	AssessmentFunc func(ctx context.Context, input *api.AssessmentInput) (*api.StepResult, error)

	// StatusFunc handles the publish_status activity. Failures are retried
	// per policy and ultimately ignored by the workflow; the engine's own
	// history stays authoritative.
	StatusFunc func(ctx context.Context, status *api.WorkflowStatus) error
)

// Engine abstracts the durable-execution backend. Registration must
// happen before the worker starts polling; adapters reject duplicate
// names. Name and Ping satisfy goa.design/clue/health.Pinger so the
// control surface can report engine reachability.
type Engine interface {
	// RegisterWorkflow registers a workflow definition under its name.
	RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

	// RegisterCreateRoleActivity registers the role-creation activity with
	// its default options (timeout, retry policy, queue).
	RegisterCreateRoleActivity(ctx context.Context, name string, opts ActivityOptions, fn CreateRoleFunc) error

	// RegisterLinkJobDescriptionActivity registers the JD-link activity.
	RegisterLinkJobDescriptionActivity(ctx context.Context, name string, opts ActivityOptions, fn LinkJobDescriptionFunc) error

	// RegisterAssessmentActivity registers the assessment activity.
	RegisterAssessmentActivity(ctx context.Context, name string, opts ActivityOptions, fn AssessmentFunc) error

	// RegisterStatusActivity registers the status-publishing activity.
	RegisterStatusActivity(ctx context.Context, name string, opts ActivityOptions, fn StatusFunc) error

	// StartWorkflow enqueues a new run and returns a handle to it. The
	// call returns once the engine has accepted the run; it does not wait
	// for completion.
	StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)

	// DescribeRun reports the engine-level status of a run. Returns
	// ErrWorkflowNotFound for unknown IDs.
	DescribeRun(ctx context.Context, workflowID string) (*RunInfo, error)

	// QueryWorkflowStatus asks the workflow's status query handler for its
	// current business status. Engines without query support return
	// ErrQueryNotSupported; unknown IDs return ErrWorkflowNotFound.
	QueryWorkflowStatus(ctx context.Context, workflowID string) (*api.WorkflowStatus, error)

	// Name identifies the engine ("temporal" or "inline").
	Name() string

	// Ping reports engine reachability.
	Ping(ctx context.Context) error
}

// WorkflowContext is handed to workflow handlers. It carries the run's
// identity and the only legal ways to observe time, expose queries, and
// execute activities from deterministic code.
type WorkflowContext interface {
	// Context returns a context for values and cancellation signaling. Do
	// not use it for deadlines inside workflow code.
	Context() context.Context

	// WorkflowID returns the durable workflow identifier.
	WorkflowID() string

	// RunID returns the engine-assigned run identifier.
	RunID() string

	// Now returns the engine's deterministic clock reading.
	Now() time.Time

	// SetQueryHandler exposes a named query over the run. Handlers must be
	// read-only and fast; the engine may invoke them during replay.
	SetQueryHandler(name string, handler any) error

	// ExecuteCreateRole schedules the role-creation activity and waits for
	// its result.
	ExecuteCreateRole(call CreateRoleCall) (*api.StepResult, error)

	// ExecuteLinkJobDescription schedules the JD-link activity and waits
	// for its result.
	ExecuteLinkJobDescription(call LinkJobDescriptionCall) (*api.StepResult, error)

	// ExecuteAssessment schedules the assessment activity and waits for
	// its result.
	ExecuteAssessment(call AssessmentCall) (*api.StepResult, error)

	// PublishStatus schedules the status activity and waits for it. The
	// returned error is informational; workflows proceed regardless.
	PublishStatus(call PublishStatusCall) error
}

type (
	// WorkflowDefinition binds a workflow name to its handler and default
	// task queue.
	WorkflowDefinition struct {
		// Name is the workflow type name used at start time.
		Name string

		// TaskQueue overrides the engine's default queue when non-empty.
		TaskQueue string

		// Handler is the deterministic workflow function.
		Handler WorkflowFunc
	}

	// ActivityOptions are the execution defaults bound to an activity at
	// registration. A call may override them; non-zero override fields win.
	ActivityOptions struct {
		// Queue routes the activity to a specific task queue.
		Queue string

		// Timeout bounds a single attempt (start-to-close).
		Timeout time.Duration

		// HeartbeatTimeout is the max silence the engine tolerates between
		// heartbeats. Zero disables heartbeat enforcement.
		HeartbeatTimeout time.Duration

		// RetryPolicy governs per-activity retries. Nil means engine
		// defaults.
		RetryPolicy *RetryPolicy
	}

	// RetryPolicy describes exponential backoff for activity retries.
	RetryPolicy struct {
		// MaxAttempts caps total attempts, first try included.
		MaxAttempts int

		// InitialInterval is the delay before the first retry.
		InitialInterval time.Duration

		// BackoffCoefficient multiplies the delay after each attempt.
		BackoffCoefficient float64

		// MaximumInterval caps the delay between attempts.
		MaximumInterval time.Duration

		// NonRetryableTypes lists error type names that fail the activity
		// immediately. Adapters match them against the Go type name of the
		// returned error.
		NonRetryableTypes []string
	}

	// CreateRoleCall schedules a create_company_role activity.
	CreateRoleCall struct {
		Name    string
		Input   *api.CreateRoleInput
		Options *ActivityOptions
	}

	// LinkJobDescriptionCall schedules a link_job_description activity.
	LinkJobDescriptionCall struct {
		Name    string
		Input   *api.LinkJobDescriptionInput
		Options *ActivityOptions
	}

	// AssessmentCall schedules a run_ai_assessment activity.
	AssessmentCall struct {
		Name    string
		Input   *api.AssessmentInput
		Options *ActivityOptions
	}

	// PublishStatusCall schedules a publish_status activity.
	PublishStatusCall struct {
		Name    string
		Status  *api.WorkflowStatus
		Options *ActivityOptions
	}

	// WorkflowStartRequest carries everything needed to enqueue a run.
	WorkflowStartRequest struct {
		// ID is the caller-assigned workflow identifier. Required.
		ID string

		// Workflow names the registered workflow definition.
		Workflow string

		// TaskQueue overrides the definition's queue when non-empty.
		TaskQueue string

		// Input is the immutable run input.
		Input *api.RoleOnboardingInput

		// RunTimeout bounds the whole execution. Zero means engine default.
		RunTimeout time.Duration

		// Memo attaches non-indexed metadata visible in engine tooling.
		Memo map[string]any
	}

	// RunInfo is the engine-level view of a run.
	RunInfo struct {
		WorkflowID string
		RunID      string
		Status     RunStatus
		StartedAt  time.Time
		ClosedAt   *time.Time
	}
)

// WorkflowHandle references a started run.
type WorkflowHandle interface {
	// WorkflowID returns the durable workflow identifier.
	WorkflowID() string

	// RunID returns the engine-assigned run identifier.
	RunID() string

	// Wait blocks until the run finishes and returns its result. The
	// context bounds the wait, not the run.
	Wait(ctx context.Context) (*api.RoleOnboardingResult, error)
}

// ActivityError is the normalized activity failure adapters hand back to
// workflow code. Type carries the Go type name of the causing error so
// workflows can distinguish permanent failures without importing
// adapter-specific error types.
type ActivityError struct {
	// Activity is the failed activity's registered name.
	Activity string

	// Type is the causing error's type name, e.g. "PermanentError".
	Type string

	// Message is the causing error's message.
	Message string

	// NonRetryable is true when the failure matched the activity's
	// non-retryable types, as opposed to exhausting its retry budget.
	NonRetryable bool
}

// Error implements error.
func (e *ActivityError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("activity %s: %s: %s", e.Activity, e.Type, e.Message)
	}
	return fmt.Sprintf("activity %s: %s", e.Activity, e.Message)
}

// AsActivityError unwraps err into an ActivityError when possible.
func AsActivityError(err error) (*ActivityError, bool) {
	var ae *ActivityError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
