// Package temporal adapts the pipeline engine abstraction to a Temporal
// cluster. It owns client construction, per-queue worker lifecycle, OTEL
// instrumentation, and the translation between engine retry policies and
// Temporal's native ones.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/skillgraph/rolepipe/api"
	"github.com/skillgraph/rolepipe/engine"
	"github.com/skillgraph/rolepipe/telemetry"
)

const engineName = "temporal"

// Options configures the Temporal adapter. Either a pre-built Client or
// ClientOptions must be provided. The adapter wires OTEL instrumentation
// into the client and workers unless disabled, creates one worker per
// distinct task queue, and by default starts workers on the first
// StartWorkflow call.
type Options struct {
	// Client is an optional pre-configured Temporal client. When nil the
	// adapter builds a lazy client from ClientOptions, which defers the
	// actual connection until first use.
	Client client.Client

	// ClientOptions describe how to construct the client when Client is
	// nil. Only connection fields (HostPort, Namespace, ConnectionOptions)
	// need to be set; instrumentation is appended automatically.
	ClientOptions *client.Options

	// Worker carries the default task queue and the worker.Options passed
	// to every worker the adapter creates. TaskQueue is required.
	Worker WorkerOptions

	// Instrumentation toggles OTEL tracing and metrics. Both are enabled
	// by default.
	Instrumentation InstrumentationOptions

	// DisableWorkerAutoStart turns off lazy worker startup on the first
	// StartWorkflow call. Processes that enqueue work without polling
	// task queues set this; Worker().Start() still works when set.
	DisableWorkerAutoStart bool

	// BaseContext carries process-level observability state (Clue logger
	// configuration, OTEL baggage) merged into every activity context.
	BaseContext context.Context

	// Logger, Metrics, and Tracer default to no-op implementations.
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// WorkerOptions configures the workers the adapter manages.
type WorkerOptions struct {
	// TaskQueue is the default queue used when definitions omit one.
	TaskQueue string

	// Options are forwarded to worker.New for every queue: concurrency
	// limits, identity, sticky cache, and so on.
	Options worker.Options
}

// InstrumentationOptions configures the OTEL wiring.
type InstrumentationOptions struct {
	// DisableTracing skips the tracing interceptor.
	DisableTracing bool

	// DisableMetrics skips the metrics handler.
	DisableMetrics bool

	// TracerOptions customize the tracing interceptor.
	TracerOptions temporalotel.TracerOptions

	// MetricsOptions customize the metrics handler.
	MetricsOptions temporalotel.MetricsHandlerOptions
}

// Engine implements engine.Engine on Temporal. All methods are safe for
// concurrent use. Construct via New, register the workflow and activities,
// then either let workers auto-start or drive them through Worker().
type Engine struct {
	client      client.Client
	closeClient bool

	defaultQueue      string
	workerOpts        worker.Options
	autoStartDisabled bool
	baseCtx           context.Context

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	mu              sync.Mutex
	workers         map[string]*workerBundle
	workersStarted  bool
	workflows       map[string]engine.WorkflowDefinition
	activityOptions map[string]engine.ActivityOptions
}

// New constructs a Temporal engine adapter.
func New(opts Options) (*Engine, error) {
	if opts.Worker.TaskQueue == "" {
		return nil, errors.New("temporal engine: worker options must include a default task queue")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}

	inst, err := configureInstrumentation(opts.Instrumentation)
	if err != nil {
		return nil, err
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, errors.New("temporal engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		applyClientInstrumentation(&clientOpts, inst)
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	workerOpts := opts.Worker.Options
	applyWorkerInstrumentation(&workerOpts, inst)

	return &Engine{
		client:            cli,
		closeClient:       closeClient,
		defaultQueue:      opts.Worker.TaskQueue,
		workerOpts:        workerOpts,
		autoStartDisabled: opts.DisableWorkerAutoStart,
		baseCtx:           opts.BaseContext,
		logger:            logger,
		metrics:           metrics,
		tracer:            tracer,
		workers:           make(map[string]*workerBundle),
		workflows:         make(map[string]engine.WorkflowDefinition),
		activityOptions:   make(map[string]engine.ActivityOptions),
	}, nil
}

// RegisterWorkflow registers the workflow with the worker of its queue.
// The handler is wrapped so Temporal decodes the input directly into the
// typed payload and the handler sees the engine's WorkflowContext.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" {
		return errors.New("temporal engine: workflow name cannot be empty")
	}
	if def.Handler == nil {
		return errors.New("temporal engine: workflow handler cannot be nil")
	}
	bundle, err := e.workerForQueue(def.TaskQueue)
	if err != nil {
		return err
	}

	handler := def.Handler
	bundle.registerWorkflow(def.Name, func(tctx workflow.Context, input *api.RoleOnboardingInput) (*api.RoleOnboardingResult, error) {
		return handler(newWorkflowContext(e, tctx), input)
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[def.Name]; exists {
		return fmt.Errorf("temporal engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterCreateRoleActivity registers the role-creation activity.
func (e *Engine) RegisterCreateRoleActivity(ctx context.Context, name string, opts engine.ActivityOptions, fn engine.CreateRoleFunc) error {
	if fn == nil {
		return fmt.Errorf("temporal engine: activity %q handler cannot be nil", name)
	}
	return e.registerActivity(ctx, name, opts, func(actx context.Context, input *api.CreateRoleInput) (*api.StepResult, error) {
		return fn(e.prepareActivityContext(actx), input)
	})
}

// RegisterLinkJobDescriptionActivity registers the JD-link activity.
func (e *Engine) RegisterLinkJobDescriptionActivity(ctx context.Context, name string, opts engine.ActivityOptions, fn engine.LinkJobDescriptionFunc) error {
	if fn == nil {
		return fmt.Errorf("temporal engine: activity %q handler cannot be nil", name)
	}
	return e.registerActivity(ctx, name, opts, func(actx context.Context, input *api.LinkJobDescriptionInput) (*api.StepResult, error) {
		return fn(e.prepareActivityContext(actx), input)
	})
}

// RegisterAssessmentActivity registers the assessment activity.
func (e *Engine) RegisterAssessmentActivity(ctx context.Context, name string, opts engine.ActivityOptions, fn engine.AssessmentFunc) error {
	if fn == nil {
		return fmt.Errorf("temporal engine: activity %q handler cannot be nil", name)
	}
	return e.registerActivity(ctx, name, opts, func(actx context.Context, input *api.AssessmentInput) (*api.StepResult, error) {
		return fn(e.prepareActivityContext(actx), input)
	})
}

// RegisterStatusActivity registers the status-publishing activity.
func (e *Engine) RegisterStatusActivity(ctx context.Context, name string, opts engine.ActivityOptions, fn engine.StatusFunc) error {
	if fn == nil {
		return fmt.Errorf("temporal engine: activity %q handler cannot be nil", name)
	}
	return e.registerActivity(ctx, name, opts, func(actx context.Context, status *api.WorkflowStatus) error {
		return fn(e.prepareActivityContext(actx), status)
	})
}

// registerActivity binds the wrapped handler to the queue's worker and
// stores the activity's default options for use at call time.
func (e *Engine) registerActivity(_ context.Context, name string, opts engine.ActivityOptions, fn any) error {
	if name == "" {
		return errors.New("temporal engine: activity name cannot be empty")
	}
	bundle, err := e.workerForQueue(opts.Queue)
	if err != nil {
		return err
	}
	bundle.registerActivity(name, fn)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.activityOptions[name]; exists {
		return fmt.Errorf("temporal engine: activity %q already registered", name)
	}
	e.activityOptions[name] = opts
	return nil
}

// prepareActivityContext layers the process base context and the engine
// plumbing (heartbeat recorder, attempt number) onto the Temporal-provided
// activity context.
func (e *Engine) prepareActivityContext(actx context.Context) context.Context {
	merged := telemetry.MergeContext(actx, e.baseCtx)
	merged = engine.WithHeartbeat(merged, func(hctx context.Context, details ...any) {
		activity.RecordHeartbeat(hctx, details...)
	})
	if info := activity.GetInfo(actx); info.Attempt > 0 {
		merged = engine.WithAttempt(merged, int(info.Attempt))
	}
	return merged
}

// StartWorkflow launches a run. The task queue resolves in order: request,
// definition, engine default.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	if req.ID == "" {
		return nil, errors.New("temporal engine: workflow id is required")
	}
	if req.Workflow == "" {
		return nil, errors.New("temporal engine: workflow name is required")
	}

	if !e.autoStartDisabled {
		e.ensureWorkersStarted()
	}

	queue := req.TaskQueue
	if queue == "" {
		e.mu.Lock()
		if def, ok := e.workflows[req.Workflow]; ok {
			queue = def.TaskQueue
		}
		e.mu.Unlock()
	}
	if queue == "" {
		queue = e.defaultQueue
	}

	opts := client.StartWorkflowOptions{
		ID:                       req.ID,
		TaskQueue:                queue,
		WorkflowExecutionTimeout: req.RunTimeout,
	}
	if len(req.Memo) > 0 {
		opts.Memo = req.Memo
	}

	run, err := e.client.ExecuteWorkflow(ctx, opts, req.Workflow, req.Input)
	if err != nil {
		return nil, fmt.Errorf("temporal engine: start workflow %q: %w", req.ID, err)
	}
	return &workflowHandle{run: run}, nil
}

// DescribeRun reports engine-level run state from Temporal visibility.
func (e *Engine) DescribeRun(ctx context.Context, workflowID string) (*engine.RunInfo, error) {
	if workflowID == "" {
		return nil, errors.New("temporal engine: workflow id is required")
	}
	resp, err := e.client.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return nil, engine.ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("temporal engine: describe workflow %q: %w", workflowID, err)
	}

	info := resp.GetWorkflowExecutionInfo()
	out := &engine.RunInfo{
		WorkflowID: workflowID,
		Status:     runStatusFromProto(info.GetStatus()),
	}
	if exec := info.GetExecution(); exec != nil {
		out.RunID = exec.GetRunId()
	}
	if ts := info.GetStartTime(); ts != nil {
		out.StartedAt = ts.AsTime()
	}
	if ts := info.GetCloseTime(); ts != nil {
		closed := ts.AsTime()
		out.ClosedAt = &closed
	}
	return out, nil
}

// QueryWorkflowStatus runs the status query against the workflow. Temporal
// serves queries for closed runs as well as live ones.
func (e *Engine) QueryWorkflowStatus(ctx context.Context, workflowID string) (*api.WorkflowStatus, error) {
	if workflowID == "" {
		return nil, errors.New("temporal engine: workflow id is required")
	}
	val, err := e.client.QueryWorkflow(ctx, workflowID, "", engine.StatusQueryName)
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return nil, engine.ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("temporal engine: query workflow %q: %w", workflowID, err)
	}
	var status *api.WorkflowStatus
	if err := val.Get(&status); err != nil {
		return nil, fmt.Errorf("temporal engine: decode status query result: %w", err)
	}
	return status, nil
}

// Name implements health.Pinger.
func (e *Engine) Name() string {
	return engineName
}

// Ping implements health.Pinger by round-tripping the cluster health RPC.
func (e *Engine) Ping(ctx context.Context) error {
	if _, err := e.client.CheckHealth(ctx, &client.CheckHealthRequest{}); err != nil {
		return fmt.Errorf("temporal engine: health check: %w", err)
	}
	return nil
}

// Worker returns the lifecycle controller for all workers the engine
// manages. With auto-start disabled, call Start after registration.
func (e *Engine) Worker() *WorkerController {
	return &WorkerController{engine: e}
}

// Close shuts the client down when the engine owns it. Stop workers first.
func (e *Engine) Close() {
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
}

func (e *Engine) workerForQueue(queue string) (*workerBundle, error) {
	if queue == "" {
		queue = e.defaultQueue
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if bundle, ok := e.workers[queue]; ok {
		return bundle, nil
	}

	bundle := &workerBundle{
		queue:  queue,
		worker: worker.New(e.client, queue, e.workerOpts),
		logger: e.logger,
	}
	e.workers[queue] = bundle
	if e.workersStarted {
		bundle.start()
	}
	return bundle, nil
}

func (e *Engine) ensureWorkersStarted() {
	e.mu.Lock()
	if e.workersStarted {
		e.mu.Unlock()
		return
	}
	e.workersStarted = true
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.start()
	}
}

func (e *Engine) activityDefaultsFor(name string) engine.ActivityOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activityOptions[name]
}

// WorkerController starts and stops all workers managed by the engine.
type WorkerController struct {
	engine *Engine
}

// Start launches every registered worker. Workers registered afterwards
// start as they are created.
func (c *WorkerController) Start() {
	c.engine.ensureWorkersStarted()
}

// Stop gracefully stops all workers, draining in-flight tasks.
func (c *WorkerController) Stop() {
	c.engine.mu.Lock()
	bundles := make([]*workerBundle, 0, len(c.engine.workers))
	for _, b := range c.engine.workers {
		bundles = append(bundles, b)
	}
	c.engine.mu.Unlock()

	for _, b := range bundles {
		b.stop()
	}
}

type workerBundle struct {
	queue  string
	worker worker.Worker
	logger telemetry.Logger

	startOnce sync.Once
}

func (b *workerBundle) start() {
	b.startOnce.Do(func() {
		go func() {
			if err := b.worker.Run(worker.InterruptCh()); err != nil {
				b.logger.Error(context.Background(), "temporal worker exited", "queue", b.queue, "err", err)
			}
		}()
	})
}

func (b *workerBundle) stop() {
	b.worker.Stop()
}

func (b *workerBundle) registerWorkflow(name string, fn any) {
	b.worker.RegisterWorkflowWithOptions(fn, workflow.RegisterOptions{Name: name})
}

func (b *workerBundle) registerActivity(name string, fn any) {
	b.worker.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
}

type instrumentation struct {
	tracer  interceptor.Interceptor
	metrics client.MetricsHandler
}

func configureInstrumentation(opts InstrumentationOptions) (*instrumentation, error) {
	inst := &instrumentation{}
	if !opts.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(opts.TracerOptions)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
		}
		inst.tracer = tracer
	}
	if !opts.DisableMetrics {
		inst.metrics = temporalotel.NewMetricsHandler(opts.MetricsOptions)
	}
	if inst.tracer == nil && inst.metrics == nil {
		return nil, nil
	}
	return inst, nil
}

func applyClientInstrumentation(opts *client.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
	if inst.metrics != nil && opts.MetricsHandler == nil {
		opts.MetricsHandler = inst.metrics
	}
}

func applyWorkerInstrumentation(opts *worker.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
}

type workflowHandle struct {
	run client.WorkflowRun
}

func (h *workflowHandle) WorkflowID() string {
	return h.run.GetID()
}

func (h *workflowHandle) RunID() string {
	return h.run.GetRunID()
}

func (h *workflowHandle) Wait(ctx context.Context) (*api.RoleOnboardingResult, error) {
	var out *api.RoleOnboardingResult
	if err := h.run.Get(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// runStatusFromProto maps Temporal visibility statuses onto engine run
// statuses. Terminated runs count as canceled; continued-as-new runs are
// still logically running.
func runStatusFromProto(s enumspb.WorkflowExecutionStatus) engine.RunStatus {
	switch s {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING, enumspb.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW:
		return engine.RunStatusRunning
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return engine.RunStatusCompleted
	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED:
		return engine.RunStatusFailed
	case enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED, enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return engine.RunStatusCanceled
	case enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return engine.RunStatusTimedOut
	default:
		return engine.RunStatusQueued
	}
}
