package temporal

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/skillgraph/rolepipe/api"
	"github.com/skillgraph/rolepipe/engine"
)

type workflowContext struct {
	engine     *Engine
	ctx        workflow.Context
	workflowID string
	runID      string
}

func newWorkflowContext(e *Engine, ctx workflow.Context) *workflowContext {
	info := workflow.GetInfo(ctx)
	return &workflowContext{
		engine:     e,
		ctx:        ctx,
		workflowID: info.WorkflowExecution.ID,
		runID:      info.WorkflowExecution.RunID,
	}
}

type contextKey string

const (
	workflowIDKey contextKey = "rolepipe.workflow_id"
	runIDKey      contextKey = "rolepipe.run_id"
)

// Context exposes run identity as context values. It must not be used for
// deadlines; Temporal owns workflow scheduling.
func (w *workflowContext) Context() context.Context {
	ctx := w.engine.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithValue(ctx, workflowIDKey, w.workflowID)
	return context.WithValue(ctx, runIDKey, w.runID)
}

func (w *workflowContext) WorkflowID() string {
	return w.workflowID
}

func (w *workflowContext) RunID() string {
	return w.runID
}

func (w *workflowContext) Now() time.Time {
	return workflow.Now(w.ctx)
}

func (w *workflowContext) SetQueryHandler(name string, handler any) error {
	return workflow.SetQueryHandler(w.ctx, name, handler)
}

func (w *workflowContext) ExecuteCreateRole(call engine.CreateRoleCall) (*api.StepResult, error) {
	if call.Input == nil {
		return nil, errors.New("create role activity input is required")
	}
	return w.executeStep(call.Name, call.Input, call.Options)
}

func (w *workflowContext) ExecuteLinkJobDescription(call engine.LinkJobDescriptionCall) (*api.StepResult, error) {
	if call.Input == nil {
		return nil, errors.New("link job description activity input is required")
	}
	return w.executeStep(call.Name, call.Input, call.Options)
}

func (w *workflowContext) ExecuteAssessment(call engine.AssessmentCall) (*api.StepResult, error) {
	if call.Input == nil {
		return nil, errors.New("assessment activity input is required")
	}
	return w.executeStep(call.Name, call.Input, call.Options)
}

func (w *workflowContext) PublishStatus(call engine.PublishStatusCall) error {
	if call.Status == nil {
		return errors.New("status activity payload is required")
	}
	if call.Name == "" {
		return errors.New("status activity name is required")
	}
	merged := mergeActivityOptions(w.engine.activityDefaultsFor(call.Name), call.Options)
	actx := workflow.WithActivityOptions(w.ctx, w.toTemporalOptions(merged))
	if err := workflow.ExecuteActivity(actx, call.Name, call.Status).Get(actx, nil); err != nil {
		return normalizeActivityError(call.Name, merged.RetryPolicy, err)
	}
	return nil
}

// executeStep schedules an activity with its merged options and decodes
// the uniform step result. Errors come back normalized as
// *engine.ActivityError so workflow code can classify without importing
// Temporal types.
func (w *workflowContext) executeStep(name string, input any, override *engine.ActivityOptions) (*api.StepResult, error) {
	if name == "" {
		return nil, errors.New("activity name is required")
	}
	merged := mergeActivityOptions(w.engine.activityDefaultsFor(name), override)
	actx := workflow.WithActivityOptions(w.ctx, w.toTemporalOptions(merged))
	fut := workflow.ExecuteActivity(actx, name, input)
	var out *api.StepResult
	if err := fut.Get(actx, &out); err != nil {
		return nil, normalizeActivityError(name, merged.RetryPolicy, err)
	}
	return out, nil
}

// toTemporalOptions converts merged engine options into Temporal activity
// options. Attempts default to one minute start-to-close when unset.
func (w *workflowContext) toTemporalOptions(opts engine.ActivityOptions) workflow.ActivityOptions {
	queue := opts.Queue
	if queue == "" {
		queue = w.engine.defaultQueue
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = time.Minute
	}
	return workflow.ActivityOptions{
		TaskQueue:           queue,
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    opts.HeartbeatTimeout,
		RetryPolicy:         convertRetryPolicy(opts.RetryPolicy),
	}
}

// mergeActivityOptions overlays non-zero override fields onto the
// registered defaults.
func mergeActivityOptions(defaults engine.ActivityOptions, override *engine.ActivityOptions) engine.ActivityOptions {
	if override == nil {
		return defaults
	}
	merged := defaults
	if override.Queue != "" {
		merged.Queue = override.Queue
	}
	if override.Timeout != 0 {
		merged.Timeout = override.Timeout
	}
	if override.HeartbeatTimeout != 0 {
		merged.HeartbeatTimeout = override.HeartbeatTimeout
	}
	if override.RetryPolicy != nil {
		merged.RetryPolicy = mergeRetryPolicies(merged.RetryPolicy, override.RetryPolicy)
	}
	return merged
}

// mergeRetryPolicies overlays non-zero override fields onto base.
func mergeRetryPolicies(base, override *engine.RetryPolicy) *engine.RetryPolicy {
	if base == nil {
		return override
	}
	if override == nil {
		return base
	}
	merged := *base
	if override.MaxAttempts != 0 {
		merged.MaxAttempts = override.MaxAttempts
	}
	if override.InitialInterval != 0 {
		merged.InitialInterval = override.InitialInterval
	}
	if override.BackoffCoefficient != 0 {
		merged.BackoffCoefficient = override.BackoffCoefficient
	}
	if override.MaximumInterval != 0 {
		merged.MaximumInterval = override.MaximumInterval
	}
	if len(override.NonRetryableTypes) > 0 {
		merged.NonRetryableTypes = override.NonRetryableTypes
	}
	return &merged
}

// convertRetryPolicy translates the engine policy to Temporal's. Nil or
// all-zero policies return nil so the server applies its defaults.
func convertRetryPolicy(r *engine.RetryPolicy) *temporal.RetryPolicy {
	if r == nil {
		return nil
	}
	if r.MaxAttempts == 0 && r.InitialInterval == 0 && r.BackoffCoefficient == 0 &&
		r.MaximumInterval == 0 && len(r.NonRetryableTypes) == 0 {
		return nil
	}
	policy := &temporal.RetryPolicy{
		NonRetryableErrorTypes: r.NonRetryableTypes,
	}
	if r.MaxAttempts > 0 {
		policy.MaximumAttempts = int32(r.MaxAttempts)
	}
	if r.InitialInterval > 0 {
		policy.InitialInterval = r.InitialInterval
	}
	if r.BackoffCoefficient > 0 {
		policy.BackoffCoefficient = r.BackoffCoefficient
	}
	if r.MaximumInterval > 0 {
		policy.MaximumInterval = r.MaximumInterval
	}
	return policy
}

// normalizeActivityError converts a Temporal failure into the engine's
// ActivityError. NonRetryable reflects either the application error's own
// flag or membership in the policy's non-retryable type list; both mean
// the failure was not worth retrying, as opposed to surviving retries.
func normalizeActivityError(name string, policy *engine.RetryPolicy, err error) error {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return &engine.ActivityError{
			Activity:     name,
			Type:         appErr.Type(),
			Message:      appErr.Message(),
			NonRetryable: appErr.NonRetryable() || typeListed(policy, appErr.Type()),
		}
	}
	var timeoutErr *temporal.TimeoutError
	if errors.As(err, &timeoutErr) {
		return &engine.ActivityError{
			Activity: name,
			Type:     "TimeoutError",
			Message:  timeoutErr.Error(),
		}
	}
	var canceledErr *temporal.CanceledError
	if errors.As(err, &canceledErr) {
		return &engine.ActivityError{
			Activity: name,
			Type:     "CanceledError",
			Message:  canceledErr.Error(),
		}
	}
	return &engine.ActivityError{
		Activity: name,
		Message:  err.Error(),
	}
}

func typeListed(policy *engine.RetryPolicy, errType string) bool {
	if policy == nil || errType == "" {
		return false
	}
	for _, t := range policy.NonRetryableTypes {
		if t == errType {
			return true
		}
	}
	return false
}
