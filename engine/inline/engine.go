// Package inline provides an in-process implementation of the workflow
// engine for development, tests, and single-process runs. Activities run
// exactly once with no retries and no durable history; a process crash
// loses every in-flight run. Production deployments must use the temporal
// engine instead.
package inline

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/skillgraph/rolepipe/api"
	"github.com/skillgraph/rolepipe/engine"
)

type (
	eng struct {
		mu sync.RWMutex

		workflows map[string]engine.WorkflowDefinition

		createRoleActivities map[string]createRoleDef
		linkJDActivities     map[string]linkJDDef
		assessmentActivities map[string]assessmentDef
		statusActivities     map[string]statusDef

		runs map[string]*run // keyed by workflow ID
	}

	createRoleDef struct {
		handler engine.CreateRoleFunc
		opts    engine.ActivityOptions
	}

	linkJDDef struct {
		handler engine.LinkJobDescriptionFunc
		opts    engine.ActivityOptions
	}

	assessmentDef struct {
		handler engine.AssessmentFunc
		opts    engine.ActivityOptions
	}

	statusDef struct {
		handler engine.StatusFunc
		opts    engine.ActivityOptions
	}

	run struct {
		workflowID string
		runID      string
		started    time.Time
		done       chan struct{}

		mu     sync.Mutex
		status engine.RunStatus
		closed *time.Time
		result *api.RoleOnboardingResult
		err    error
	}

	wfCtx struct {
		ctx   context.Context
		id    string
		runID string
		eng   *eng
	}

	handle struct {
		run *run
	}
)

// New returns a new inline Engine implementation. It is not durable and
// does not retry failed activities; the temporal engine owns production
// semantics.
func New() engine.Engine {
	return &eng{
		runs: make(map[string]*run),
	}
}

func (e *eng) RegisterWorkflow(ctx context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("invalid workflow definition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.workflows == nil {
		e.workflows = make(map[string]engine.WorkflowDefinition)
	}
	if _, dup := e.workflows[def.Name]; dup {
		return fmt.Errorf("workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterCreateRoleActivity registers the typed role-creation activity.
func (e *eng) RegisterCreateRoleActivity(_ context.Context, name string, opts engine.ActivityOptions, fn engine.CreateRoleFunc) error {
	if name == "" {
		return errors.New("create role activity name is required")
	}
	if fn == nil {
		return errors.New("create role activity handler is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.createRoleActivities == nil {
		e.createRoleActivities = make(map[string]createRoleDef)
	}
	if _, dup := e.createRoleActivities[name]; dup {
		return fmt.Errorf("create role activity %q already registered", name)
	}
	e.createRoleActivities[name] = createRoleDef{handler: fn, opts: opts}
	return nil
}

// RegisterLinkJobDescriptionActivity registers the typed JD-link activity.
func (e *eng) RegisterLinkJobDescriptionActivity(_ context.Context, name string, opts engine.ActivityOptions, fn engine.LinkJobDescriptionFunc) error {
	if name == "" {
		return errors.New("link job description activity name is required")
	}
	if fn == nil {
		return errors.New("link job description activity handler is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.linkJDActivities == nil {
		e.linkJDActivities = make(map[string]linkJDDef)
	}
	if _, dup := e.linkJDActivities[name]; dup {
		return fmt.Errorf("link job description activity %q already registered", name)
	}
	e.linkJDActivities[name] = linkJDDef{handler: fn, opts: opts}
	return nil
}

// RegisterAssessmentActivity registers the typed assessment activity.
func (e *eng) RegisterAssessmentActivity(_ context.Context, name string, opts engine.ActivityOptions, fn engine.AssessmentFunc) error {
	if name == "" {
		return errors.New("assessment activity name is required")
	}
	if fn == nil {
		return errors.New("assessment activity handler is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.assessmentActivities == nil {
		e.assessmentActivities = make(map[string]assessmentDef)
	}
	if _, dup := e.assessmentActivities[name]; dup {
		return fmt.Errorf("assessment activity %q already registered", name)
	}
	e.assessmentActivities[name] = assessmentDef{handler: fn, opts: opts}
	return nil
}

// RegisterStatusActivity registers the typed status-publishing activity.
func (e *eng) RegisterStatusActivity(_ context.Context, name string, opts engine.ActivityOptions, fn engine.StatusFunc) error {
	if name == "" {
		return errors.New("status activity name is required")
	}
	if fn == nil {
		return errors.New("status activity handler is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.statusActivities == nil {
		e.statusActivities = make(map[string]statusDef)
	}
	if _, dup := e.statusActivities[name]; dup {
		return fmt.Errorf("status activity %q already registered", name)
	}
	e.statusActivities[name] = statusDef{handler: fn, opts: opts}
	return nil
}

func (e *eng) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	if req.ID == "" {
		return nil, errors.New("workflow id is required")
	}
	e.mu.RLock()
	def, ok := e.workflows[req.Workflow]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("workflow %q not registered", req.Workflow)
	}

	r := &run{
		workflowID: req.ID,
		runID:      req.ID, // inline assigns the workflow ID as the run ID
		started:    time.Now(),
		done:       make(chan struct{}),
		status:     engine.RunStatusRunning,
	}

	e.mu.Lock()
	if _, dup := e.runs[req.ID]; dup {
		e.mu.Unlock()
		return nil, fmt.Errorf("workflow %q already started", req.ID)
	}
	e.runs[req.ID] = r
	e.mu.Unlock()

	// The run outlives the start request; keep values for log and trace
	// propagation but drop the caller's cancellation.
	runCtx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if req.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, req.RunTimeout)
	}

	wctx := &wfCtx{
		ctx:   runCtx,
		id:    req.ID,
		runID: r.runID,
		eng:   e,
	}

	go func() {
		defer close(r.done)
		if cancel != nil {
			defer cancel()
		}
		res, err := def.Handler(wctx, req.Input)
		now := time.Now()
		r.mu.Lock()
		r.result = res
		r.err = err
		r.closed = &now
		switch {
		case runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded):
			r.status = engine.RunStatusTimedOut
		case err != nil && errors.Is(err, context.Canceled):
			r.status = engine.RunStatusCanceled
		case err != nil:
			r.status = engine.RunStatusFailed
		default:
			r.status = engine.RunStatusCompleted
		}
		r.mu.Unlock()
	}()

	return &handle{run: r}, nil
}

// DescribeRun reports the run's lifecycle status from the in-process run
// table.
func (e *eng) DescribeRun(_ context.Context, workflowID string) (*engine.RunInfo, error) {
	if workflowID == "" {
		return nil, errors.New("workflow id is required")
	}
	e.mu.RLock()
	r, ok := e.runs[workflowID]
	e.mu.RUnlock()
	if !ok {
		return nil, engine.ErrWorkflowNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	info := &engine.RunInfo{
		WorkflowID: r.workflowID,
		RunID:      r.runID,
		Status:     r.status,
		StartedAt:  r.started,
	}
	if r.closed != nil {
		closed := *r.closed
		info.ClosedAt = &closed
	}
	return info, nil
}

// QueryWorkflowStatus is not supported by the inline engine; callers fall
// back to the status store, which the publish_status activity keeps
// current.
func (e *eng) QueryWorkflowStatus(_ context.Context, workflowID string) (*api.WorkflowStatus, error) {
	e.mu.RLock()
	_, ok := e.runs[workflowID]
	e.mu.RUnlock()
	if !ok {
		return nil, engine.ErrWorkflowNotFound
	}
	return nil, engine.ErrQueryNotSupported
}

func (e *eng) Name() string {
	return "inline"
}

func (e *eng) Ping(context.Context) error {
	return nil
}

func (h *handle) WorkflowID() string {
	return h.run.workflowID
}

func (h *handle) RunID() string {
	return h.run.runID
}

func (h *handle) Wait(ctx context.Context) (*api.RoleOnboardingResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.run.done:
		h.run.mu.Lock()
		defer h.run.mu.Unlock()
		return h.run.result, h.run.err
	}
}

func (w *wfCtx) Context() context.Context {
	return w.ctx
}

func (w *wfCtx) WorkflowID() string {
	return w.id
}

func (w *wfCtx) RunID() string {
	return w.runID
}

func (w *wfCtx) Now() time.Time {
	return time.Now()
}

// SetQueryHandler is accepted but unused; the inline engine does not
// serve queries.
func (w *wfCtx) SetQueryHandler(string, any) error {
	return nil
}

func (w *wfCtx) ExecuteCreateRole(call engine.CreateRoleCall) (*api.StepResult, error) {
	if call.Name == "" {
		return nil, errors.New("create role activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("create role activity input is required")
	}
	w.eng.mu.RLock()
	def, ok := w.eng.createRoleActivities[call.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("create role activity %q not registered", call.Name)
	}
	actCtx, cancel := withOptionalTimeout(w.ctx, effectiveTimeout(def.opts, call.Options))
	defer cancel()
	out, err := def.handler(actCtx, call.Input)
	if err != nil {
		return nil, w.activityError(call.Name, def.opts, call.Options, err)
	}
	return out, nil
}

func (w *wfCtx) ExecuteLinkJobDescription(call engine.LinkJobDescriptionCall) (*api.StepResult, error) {
	if call.Name == "" {
		return nil, errors.New("link job description activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("link job description activity input is required")
	}
	w.eng.mu.RLock()
	def, ok := w.eng.linkJDActivities[call.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("link job description activity %q not registered", call.Name)
	}
	actCtx, cancel := withOptionalTimeout(w.ctx, effectiveTimeout(def.opts, call.Options))
	defer cancel()
	out, err := def.handler(actCtx, call.Input)
	if err != nil {
		return nil, w.activityError(call.Name, def.opts, call.Options, err)
	}
	return out, nil
}

func (w *wfCtx) ExecuteAssessment(call engine.AssessmentCall) (*api.StepResult, error) {
	if call.Name == "" {
		return nil, errors.New("assessment activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("assessment activity input is required")
	}
	w.eng.mu.RLock()
	def, ok := w.eng.assessmentActivities[call.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("assessment activity %q not registered", call.Name)
	}
	actCtx, cancel := withOptionalTimeout(w.ctx, effectiveTimeout(def.opts, call.Options))
	defer cancel()
	out, err := def.handler(actCtx, call.Input)
	if err != nil {
		return nil, w.activityError(call.Name, def.opts, call.Options, err)
	}
	return out, nil
}

func (w *wfCtx) PublishStatus(call engine.PublishStatusCall) error {
	if call.Name == "" {
		return errors.New("status activity name is required")
	}
	if call.Status == nil {
		return errors.New("status activity payload is required")
	}
	w.eng.mu.RLock()
	def, ok := w.eng.statusActivities[call.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return fmt.Errorf("status activity %q not registered", call.Name)
	}
	actCtx, cancel := withOptionalTimeout(w.ctx, effectiveTimeout(def.opts, call.Options))
	defer cancel()
	if err := def.handler(actCtx, call.Status); err != nil {
		return w.activityError(call.Name, def.opts, call.Options, err)
	}
	return nil
}

// activityError normalizes an activity failure the way the temporal
// adapter does, so workflow code classifies errors identically under
// either engine. Every inline failure is terminal; NonRetryable marks
// failures the retry policy would not have retried anyway.
func (w *wfCtx) activityError(name string, defaults engine.ActivityOptions, override *engine.ActivityOptions, err error) error {
	typeName := errorTypeName(err)
	return &engine.ActivityError{
		Activity:     name,
		Type:         typeName,
		Message:      err.Error(),
		NonRetryable: typeListed(nonRetryableTypes(defaults, override), typeName),
	}
}

// errorTypeName mirrors the Temporal SDK convention of typing application
// errors by the Go type name of the causing error.
func errorTypeName(err error) string {
	t := reflect.TypeOf(err)
	if t == nil {
		return ""
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

func nonRetryableTypes(defaults engine.ActivityOptions, override *engine.ActivityOptions) []string {
	if override != nil && override.RetryPolicy != nil && len(override.RetryPolicy.NonRetryableTypes) > 0 {
		return override.RetryPolicy.NonRetryableTypes
	}
	if defaults.RetryPolicy != nil {
		return defaults.RetryPolicy.NonRetryableTypes
	}
	return nil
}

func typeListed(types []string, name string) bool {
	for _, t := range types {
		if t == name {
			return true
		}
	}
	return false
}

func effectiveTimeout(defaults engine.ActivityOptions, override *engine.ActivityOptions) time.Duration {
	if override != nil && override.Timeout > 0 {
		return override.Timeout
	}
	return defaults.Timeout
}

func withOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, timeout)
}
