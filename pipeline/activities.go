package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/skillgraph/rolepipe/api"
	"github.com/skillgraph/rolepipe/downstream"
	"github.com/skillgraph/rolepipe/engine"
	"github.com/skillgraph/rolepipe/status"
	"github.com/skillgraph/rolepipe/telemetry"
)

// Activities holds the pipeline's activity implementations. One instance
// serves every workflow run; all state lives in the dependencies.
type Activities struct {
	client  downstream.Client
	store   status.Store
	logger  telemetry.Logger
	metrics telemetry.Metrics
}

// NewActivities builds the activity set.
func NewActivities(client downstream.Client, store status.Store, logger telemetry.Logger, metrics telemetry.Metrics) (*Activities, error) {
	if client == nil {
		return nil, fmt.Errorf("pipeline: downstream client is required")
	}
	if store == nil {
		return nil, fmt.Errorf("pipeline: status store is required")
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Activities{client: client, store: store, logger: logger, metrics: metrics}, nil
}

// RegisterAll registers the four activities on eng under their policy
// options, routed to queue.
func (a *Activities) RegisterAll(ctx context.Context, eng engine.Engine, queue string) error {
	createOpts := CreateRolePolicy
	createOpts.Queue = queue
	if err := eng.RegisterCreateRoleActivity(ctx, ActivityCreateRole, createOpts, a.CreateRole); err != nil {
		return err
	}
	linkOpts := LinkJobDescriptionPolicy
	linkOpts.Queue = queue
	if err := eng.RegisterLinkJobDescriptionActivity(ctx, ActivityLinkJD, linkOpts, a.LinkJobDescription); err != nil {
		return err
	}
	assessOpts := AssessmentPolicy
	assessOpts.Queue = queue
	if err := eng.RegisterAssessmentActivity(ctx, ActivityAssessment, assessOpts, a.RunAssessment); err != nil {
		return err
	}
	statusOpts := StatusPolicy
	statusOpts.Queue = queue
	return eng.RegisterStatusActivity(ctx, ActivityPublishStatus, statusOpts, a.PublishStatus)
}

// Register wires the workflow definition and all activities into eng.
func Register(ctx context.Context, eng engine.Engine, acts *Activities, queue string) error {
	if queue == "" {
		queue = DefaultTaskQueue
	}
	if err := acts.RegisterAll(ctx, eng, queue); err != nil {
		return err
	}
	return eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name:      WorkflowName,
		TaskQueue: queue,
		Handler:   RoleOnboarding,
	})
}

// CreateRole creates (or finds) the downstream role entity.
func (a *Activities) CreateRole(ctx context.Context, input *api.CreateRoleInput) (*api.StepResult, error) {
	if input == nil || input.CompanyID == "" || input.RoleName == "" {
		return nil, &ValidationError{Field: "company_id", Message: "company_id and role_name are required"}
	}
	fields := contextFields(input.Context, "activity", ActivityCreateRole, "attempt", engine.Attempt(ctx))
	a.logger.Info(ctx, "creating company role", fields...)

	start := time.Now()
	resp, err := a.client.CreateCompanyRole(ctx, downstream.CreateCompanyRoleRequest{
		CompanyName:   input.CompanyID,
		RoleName:      input.RoleName,
		DraupRoleID:   input.DraupRoleID,
		DraupRoleName: input.DraupRoleName,
	})
	if err != nil {
		return nil, a.fail(ctx, ActivityCreateRole, api.StepRoleSetup, start, err, fields)
	}
	if resp.CompanyRoleID == "" {
		err := &downstream.TransientError{Operation: ActivityCreateRole, Message: "downstream returned empty company_role_id"}
		return nil, a.fail(ctx, ActivityCreateRole, api.StepRoleSetup, start, err, fields)
	}

	a.observe(ActivityCreateRole, api.StepRoleSetup, start)
	return &api.StepResult{
		Name:       ActivityCreateRole,
		Status:     api.StepCompleted,
		DurationMS: time.Since(start).Milliseconds(),
		Output:     map[string]any{"company_role_id": resp.CompanyRoleID},
	}, nil
}

// LinkJobDescription attaches the resolved JD to the role. The workflow
// never calls it with an empty company_role_id; rejecting here keeps the
// guarantee even for hand-crafted runs.
func (a *Activities) LinkJobDescription(ctx context.Context, input *api.LinkJobDescriptionInput) (*api.StepResult, error) {
	if input == nil || input.CompanyRoleID == "" {
		return nil, &ValidationError{Field: "company_role_id", Message: "company_role_id is required"}
	}
	if input.JDContent == "" && input.JDURI == "" {
		return nil, &ValidationError{Field: "jd_content", Message: "one of jd_content or jd_uri is required"}
	}
	fields := contextFields(input.Context, "activity", ActivityLinkJD, "attempt", engine.Attempt(ctx))
	a.logger.Info(ctx, "linking job description", fields...)

	start := time.Now()
	resp, err := a.client.LinkJobDescription(ctx, downstream.LinkJobDescriptionRequest{
		CompanyRoleID: input.CompanyRoleID,
		JDContent:     input.JDContent,
		JDURI:         input.JDURI,
		JDTitle:       input.JDTitle,
		Metadata:      input.Metadata,
		FormatWithLLM: input.FormatWithLLM,
	})
	if err != nil {
		return nil, a.fail(ctx, ActivityLinkJD, api.StepRoleSetup, start, err, fields)
	}
	if !resp.JDLinked {
		err := &downstream.TransientError{Operation: ActivityLinkJD, Message: "downstream reported jd_linked=false"}
		return nil, a.fail(ctx, ActivityLinkJD, api.StepRoleSetup, start, err, fields)
	}

	a.observe(ActivityLinkJD, api.StepRoleSetup, start)
	return &api.StepResult{
		Name:       ActivityLinkJD,
		Status:     api.StepCompleted,
		DurationMS: time.Since(start).Milliseconds(),
		Output: map[string]any{
			"company_role_id":   resp.CompanyRoleID,
			"jd_linked":         resp.JDLinked,
			"jd_content_length": resp.JDContentLength,
			"formatted":         resp.Formatted,
		},
	}, nil
}

// RunAssessment runs the AI assessment, heartbeating every 30 seconds
// while the downstream call is in flight.
func (a *Activities) RunAssessment(ctx context.Context, input *api.AssessmentInput) (*api.StepResult, error) {
	if input == nil || input.CompanyRoleID == "" {
		return nil, &ValidationError{Field: "company_role_id", Message: "company_role_id is required"}
	}
	if input.CompanyID == "" || input.RoleName == "" {
		return nil, &ValidationError{Field: "company_id", Message: "company_id and role_name are required"}
	}
	fields := contextFields(input.Context, "activity", ActivityAssessment, "attempt", engine.Attempt(ctx))
	a.logger.Info(ctx, "running AI assessment", fields...)

	stopBeats := a.heartbeat(ctx)
	defer stopBeats()

	start := time.Now()
	resp, err := a.client.RunAIAssessment(ctx, downstream.AssessmentRequest{
		CompanyName:    input.CompanyID,
		RoleName:       input.RoleName,
		CompanyRoleID:  input.CompanyRoleID,
		DeleteExisting: input.DeleteExisting,
		StoreInNeo4j:   input.StoreInNeo4j,
	})
	if err != nil {
		return nil, a.fail(ctx, ActivityAssessment, api.StepAIAssessment, start, err, fields)
	}

	tasks := resp.TasksAnalyzed
	if tasks == 0 {
		tasks = len(resp.Tasks)
	}
	a.observe(ActivityAssessment, api.StepAIAssessment, start)
	return &api.StepResult{
		Name:       ActivityAssessment,
		Status:     api.StepCompleted,
		DurationMS: time.Since(start).Milliseconds(),
		Output: map[string]any{
			"company_role_id":     resp.CompanyRoleID,
			"ai_automation_score": resp.AIAutomationScore,
			"tasks_analyzed":      tasks,
		},
	}, nil
}

// PublishStatus writes a status snapshot to the store. Failures are
// returned so the engine retries per StatusPolicy; the workflow ignores
// the final outcome either way.
func (a *Activities) PublishStatus(ctx context.Context, st *api.WorkflowStatus) error {
	if st == nil || st.WorkflowID == "" {
		return &ValidationError{Field: "workflow_id", Message: "status with workflow_id is required"}
	}
	if err := a.store.SaveWorkflowStatus(ctx, st); err != nil {
		a.logger.Warn(ctx, "status publish failed",
			"workflow_id", st.WorkflowID,
			"state", string(st.State),
			"attempt", engine.Attempt(ctx),
			"err", err,
		)
		return err
	}
	a.logger.Debug(ctx, "status published",
		"workflow_id", st.WorkflowID,
		"state", string(st.State),
		"current_step", st.CurrentStep,
	)
	return nil
}

// heartbeat starts the liveness ticker for a long-running attempt and
// returns its stop function.
func (a *Activities) heartbeat(ctx context.Context) func() {
	engine.RecordHeartbeat(ctx, "started")
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				engine.RecordHeartbeat(ctx, "awaiting downstream response")
			}
		}
	}()
	return func() {
		close(stop)
		wg.Wait()
	}
}

func (a *Activities) fail(ctx context.Context, activity, step string, start time.Time, err error, fields []any) error {
	a.metrics.IncCounter(telemetry.MetricStepsFailed, 1, "step", step, "activity", activity)
	a.logger.Warn(ctx, "activity failed", append(fields, "duration_ms", time.Since(start).Milliseconds(), "err", err)...)
	return err
}

func (a *Activities) observe(activity, step string, start time.Time) {
	a.metrics.IncCounter(telemetry.MetricStepsCompleted, 1, "step", step, "activity", activity)
	a.metrics.RecordTimer(telemetry.MetricStepDuration, time.Since(start), "step", step, "activity", activity)
}

// contextFields renders an ExecutionContext as log key/values.
func contextFields(ec api.ExecutionContext, extra ...any) []any {
	fields := make([]any, 0, 6+len(extra))
	if ec.CompanyID != "" {
		fields = append(fields, "company_id", ec.CompanyID)
	}
	if ec.UserID != "" {
		fields = append(fields, "user_id", ec.UserID)
	}
	if ec.TraceID != "" {
		fields = append(fields, "trace_id", ec.TraceID)
	}
	return append(fields, extra...)
}
