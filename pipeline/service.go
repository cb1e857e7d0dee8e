package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skillgraph/rolepipe/api"
	"github.com/skillgraph/rolepipe/downstream"
	"github.com/skillgraph/rolepipe/engine"
	"github.com/skillgraph/rolepipe/status"
	"github.com/skillgraph/rolepipe/telemetry"
)

// Service implements the pipeline control operations behind the HTTP
// surface: push, status, batch push, batch status, and retry-failed.
type Service struct {
	eng           engine.Engine
	store         status.Store
	client        downstream.Client
	logger        telemetry.Logger
	metrics       telemetry.Metrics
	tracer        telemetry.Tracer
	queue         string
	dashboardBase string

	now   func() time.Time
	newID func() string
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	// Engine executes workflows. Required.
	Engine engine.Engine

	// Store holds status and batch records. Required.
	Store status.Store

	// Downstream serves document auto-resolution and catalog reads.
	// Required.
	Downstream downstream.Client

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer

	// TaskQueue routes workflow starts. Defaults to DefaultTaskQueue.
	TaskQueue string

	// DashboardBaseURL, when set, is used to build per-role dashboard
	// links in batch status reports.
	DashboardBaseURL string
}

// NewService validates the options and builds the service.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("pipeline: engine is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("pipeline: status store is required")
	}
	if opts.Downstream == nil {
		return nil, fmt.Errorf("pipeline: downstream client is required")
	}
	s := &Service{
		eng:           opts.Engine,
		store:         opts.Store,
		client:        opts.Downstream,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		tracer:        opts.Tracer,
		queue:         opts.TaskQueue,
		dashboardBase: opts.DashboardBaseURL,
		now:           time.Now,
		newID:         func() string { return "rop-" + uuid.NewString() },
	}
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewNoopMetrics()
	}
	if s.tracer == nil {
		s.tracer = telemetry.NewNoopTracer()
	}
	if s.queue == "" {
		s.queue = DefaultTaskQueue
	}
	return s, nil
}

// PushReceipt acknowledges one accepted submission.
type PushReceipt struct {
	WorkflowID               string            `json:"workflow_id"`
	Status                   api.WorkflowState `json:"status"`
	EstimatedDurationSeconds int               `json:"estimated_duration_seconds"`
	Message                  string            `json:"message"`
}

// BatchRequest is one push-batch call. Role inputs missing a company
// inherit the batch company.
type BatchRequest struct {
	CompanyID string
	Roles     []*api.RoleOnboardingInput
	CreatedBy string
}

// BatchReceipt acknowledges an accepted batch.
type BatchReceipt struct {
	BatchID                  string            `json:"batch_id"`
	TotalRoles               int               `json:"total_roles"`
	WorkflowIDs              []string          `json:"workflow_ids"`
	Status                   api.WorkflowState `json:"status"`
	EstimatedDurationSeconds int               `json:"estimated_duration_seconds"`
	Message                  string            `json:"message"`
}

// RetryReceipt reports the outcome of a retry-failed call.
type RetryReceipt struct {
	BatchID     string   `json:"batch_id"`
	Retried     int      `json:"retried"`
	WorkflowIDs []string `json:"workflow_ids"`
	Message     string   `json:"message"`
}

// Push validates one submission, resolves its documents when none were
// supplied, and enqueues a new workflow. It always enqueues a fresh run:
// the downstream service is idempotent on (company, role), so re-pushes
// converge to the same role entity.
func (s *Service) Push(ctx context.Context, input *api.RoleOnboardingInput) (*PushReceipt, error) {
	ctx, span := s.tracer.Start(ctx, "pipeline.push")
	defer span.End()

	workflowID, err := s.enqueue(ctx, input)
	if err != nil {
		return nil, err
	}
	return &PushReceipt{
		WorkflowID:               workflowID,
		Status:                   api.StateQueued,
		EstimatedDurationSeconds: EstimatedDurationSeconds,
		Message:                  fmt.Sprintf("role %q queued for onboarding", input.RoleName),
	}, nil
}

// Status reports one workflow's status. The store record carries the
// richest view; the engine is consulted to catch runs that ended after
// their last successful status publish and runs whose record expired.
func (s *Service) Status(ctx context.Context, workflowID string) (*api.WorkflowStatus, error) {
	ctx, span := s.tracer.Start(ctx, "pipeline.status")
	defer span.End()

	if workflowID == "" {
		return nil, &api.Error{Code: api.ErrCodeValidation, Message: "workflow_id is required", Recoverable: false}
	}

	record, rerr := s.store.LoadWorkflowStatus(ctx, workflowID)
	if rerr == nil {
		return s.reconcileRecord(ctx, record), nil
	}
	if !errors.Is(rerr, status.ErrNotFound) {
		s.logger.Warn(ctx, "status store read failed", "workflow_id", workflowID, "err", rerr)
	}

	info, derr := s.eng.DescribeRun(ctx, workflowID)
	switch {
	case derr == nil:
		if st, qerr := s.eng.QueryWorkflowStatus(ctx, workflowID); qerr == nil && st != nil {
			return st, nil
		}
		return statusFromRun(workflowID, info), nil
	case errors.Is(derr, engine.ErrWorkflowNotFound):
		if errors.Is(rerr, status.ErrNotFound) {
			return nil, &api.Error{
				Code:        api.ErrCodeNotFound,
				Message:     fmt.Sprintf("workflow %q not found", workflowID),
				Recoverable: false,
			}
		}
		return nil, &api.Error{Code: api.ErrCodeInternal, Message: "status store unavailable", Recoverable: true}
	default:
		return nil, &api.Error{
			Code:        api.ErrCodeEngine,
			Message:     "workflow engine unavailable: " + derr.Error(),
			Recoverable: true,
		}
	}
}

// PushBatch enqueues one workflow per role. Validation and resolution
// failures are collected per role and do not block siblings; an
// unreachable engine aborts the batch since no sibling can proceed
// either.
func (s *Service) PushBatch(ctx context.Context, req BatchRequest) (*BatchReceipt, error) {
	ctx, span := s.tracer.Start(ctx, "pipeline.push_batch")
	defer span.End()

	if len(req.Roles) == 0 {
		return nil, &api.Error{Code: api.ErrCodeValidation, Message: "roles are required", Recoverable: false}
	}

	batchID := "batch-" + uuid.NewString()
	companyID := req.CompanyID
	accepted := make([]string, 0, len(req.Roles))
	var failures []string
	for i, role := range req.Roles {
		if role == nil {
			failures = append(failures, fmt.Sprintf("roles[%d]: missing input", i))
			continue
		}
		if role.CompanyID == "" {
			role.CompanyID = req.CompanyID
		}
		role.BatchID = batchID

		workflowID, err := s.enqueue(ctx, role)
		if err != nil {
			if apiErr, ok := api.AsError(err); ok && apiErr.Code == api.ErrCodeEngine {
				return nil, err
			}
			failures = append(failures, fmt.Sprintf("%s: %s", roleLabel(role, i), errorText(err)))
			continue
		}
		accepted = append(accepted, workflowID)
		if companyID == "" {
			companyID = role.CompanyID
		}
	}

	if len(accepted) == 0 {
		return nil, &api.Error{
			Code:        api.ErrCodeValidation,
			Message:     "no roles accepted: " + strings.Join(failures, "; "),
			Recoverable: false,
		}
	}
	record := &api.BatchRecord{
		BatchID:     batchID,
		CompanyID:   companyID,
		WorkflowIDs: accepted,
		TotalRoles:  len(accepted),
		CreatedAt:   s.now().UTC(),
		CreatedBy:   req.CreatedBy,
	}
	message := fmt.Sprintf("%d of %d roles enqueued", len(accepted), len(req.Roles))
	if err := s.store.SaveBatch(ctx, record); err != nil {
		s.logger.Error(ctx, "batch record write failed", "batch_id", batchID, "err", err)
		message += "; batch record not persisted: batch-status will report not found"
	}
	if len(failures) > 0 {
		message += "; rejected: " + strings.Join(failures, "; ")
	}

	s.metrics.IncCounter(telemetry.MetricBatchesCreated, 1, "company_id", companyID)
	s.logger.Info(ctx, "batch enqueued",
		"batch_id", batchID,
		"company_id", companyID,
		"accepted", len(accepted),
		"rejected", len(failures),
	)
	return &BatchReceipt{
		BatchID:                  batchID,
		TotalRoles:               len(accepted),
		WorkflowIDs:              accepted,
		Status:                   api.StateQueued,
		EstimatedDurationSeconds: EstimatedDurationSeconds,
		Message:                  message,
	}, nil
}

// BatchStatus recomputes a batch roll-up from its members' current
// statuses. Nothing is cached or stored.
func (s *Service) BatchStatus(ctx context.Context, batchID string) (*api.BatchStatus, error) {
	ctx, span := s.tracer.Start(ctx, "pipeline.batch_status")
	defer span.End()

	record, err := s.loadBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	resolved := s.resolveStatuses(ctx, record.WorkflowIDs)
	return AggregateBatch(record, resolved, s.dashboardBase), nil
}

// RetryFailed enqueues fresh workflows for a batch's currently-failed
// members, rebuilt from company and role only. Document auto-resolution
// reruns; originally supplied documents are gone with the original
// input, so callers who need them are advised to re-push instead. The
// batch record itself is never mutated.
func (s *Service) RetryFailed(ctx context.Context, batchID string, workflowIDs []string) (*RetryReceipt, error) {
	ctx, span := s.tracer.Start(ctx, "pipeline.retry_failed")
	defer span.End()

	record, err := s.loadBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	members := make(map[string]bool, len(record.WorkflowIDs))
	for _, id := range record.WorkflowIDs {
		members[id] = true
	}
	targets := record.WorkflowIDs
	var failures []string
	if len(workflowIDs) > 0 {
		targets = make([]string, 0, len(workflowIDs))
		for _, id := range workflowIDs {
			if !members[id] {
				failures = append(failures, fmt.Sprintf("%s: not part of batch %s", id, batchID))
				continue
			}
			targets = append(targets, id)
		}
	}

	resolved := s.resolveStatuses(ctx, targets)
	newIDs := make([]string, 0, len(resolved))
	for _, rw := range resolved {
		st := rw.Status
		if st == nil {
			failures = append(failures, fmt.Sprintf("%s: status unavailable, re-push the role instead", rw.WorkflowID))
			continue
		}
		if bucketOf(st.State) != bucketFailed {
			continue
		}
		if st.CompanyID == "" || st.RoleName == "" {
			failures = append(failures, fmt.Sprintf("%s: record lacks company and role, re-push the role instead", rw.WorkflowID))
			continue
		}
		retryInput := &api.RoleOnboardingInput{
			CompanyID: st.CompanyID,
			RoleName:  st.RoleName,
			Options:   api.DefaultOptions(),
			BatchID:   batchID,
		}
		retryInput.Options.ForceRerun = true
		newID, err := s.enqueue(ctx, retryInput)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s (%s): %s", rw.WorkflowID, st.RoleName, errorText(err)))
			continue
		}
		newIDs = append(newIDs, newID)
	}

	message := fmt.Sprintf("%d workflow(s) re-enqueued", len(newIDs))
	if len(newIDs) > 0 {
		message += "; retries rerun document resolution, re-push via /push to attach specific documents"
	}
	if len(newIDs) == 0 && len(failures) == 0 {
		message = "no failed workflows in batch"
	}
	if len(failures) > 0 {
		message += "; skipped: " + strings.Join(failures, "; ")
	}
	s.logger.Info(ctx, "retry-failed processed",
		"batch_id", batchID,
		"retried", len(newIDs),
		"skipped", len(failures),
	)
	return &RetryReceipt{
		BatchID:     batchID,
		Retried:     len(newIDs),
		WorkflowIDs: newIDs,
		Message:     message,
	}, nil
}

// ListCompanies passes the downstream company catalog through.
func (s *Service) ListCompanies(ctx context.Context) ([]api.Company, error) {
	companies, err := s.client.ListCompanies(ctx)
	if err != nil {
		return nil, catalogError(err)
	}
	return companies, nil
}

// ListRoles passes the downstream taxonomy roles for a company through.
func (s *Service) ListRoles(ctx context.Context, company string) ([]api.TaxonomyRole, error) {
	if company == "" {
		return nil, &api.Error{Code: api.ErrCodeValidation, Message: "company is required", Recoverable: false}
	}
	roles, err := s.client.ListRoles(ctx, company)
	if err != nil {
		return nil, catalogError(err)
	}
	return roles, nil
}

// enqueue runs the shared accept path: defaults, document resolution,
// validation, the pre-written queued record, and the workflow start.
func (s *Service) enqueue(ctx context.Context, input *api.RoleOnboardingInput) (string, error) {
	if input == nil {
		return "", &api.Error{Code: api.ErrCodeValidation, Message: "input is required", Recoverable: false}
	}
	if input.Context.CompanyID == "" {
		input.Context.CompanyID = input.CompanyID
	}

	if len(input.Documents) == 0 && input.CompanyID != "" && input.RoleName != "" {
		doc, err := s.resolveDocument(ctx, input.RoleName)
		switch {
		case err == nil:
			input.Documents = []api.DocumentRef{*doc}
		case isValidationError(err) && input.Taxonomy != nil && input.Taxonomy.GeneralSummary != "":
			// No catalog match; the taxonomy summary carries the run.
		default:
			return "", err
		}
	}

	if err := ValidateInput(input); err != nil {
		return "", &api.Error{Code: api.ErrCodeValidation, Message: err.Error(), Recoverable: false}
	}

	input.WorkflowID = s.newID()
	input.EnqueuedAt = s.now().UTC()

	queued := queuedStatus(input)
	if err := s.store.SaveWorkflowStatus(ctx, queued); err != nil {
		s.logger.Warn(ctx, "queued status pre-write failed", "workflow_id", input.WorkflowID, "err", err)
	}

	memo := map[string]any{
		"company_id": input.CompanyID,
		"role_name":  input.RoleName,
	}
	if input.BatchID != "" {
		memo["batch_id"] = input.BatchID
	}
	_, err := s.eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:         input.WorkflowID,
		Workflow:   WorkflowName,
		TaskQueue:  s.queue,
		Input:      input,
		RunTimeout: RunTimeout,
		Memo:       memo,
	})
	if err != nil {
		if derr := s.store.DeleteWorkflowStatus(ctx, input.WorkflowID); derr != nil {
			s.logger.Warn(ctx, "queued status cleanup failed", "workflow_id", input.WorkflowID, "err", derr)
		}
		return "", &api.Error{
			Code:        api.ErrCodeEngine,
			Message:     "workflow engine unavailable: " + err.Error(),
			Recoverable: true,
		}
	}

	s.metrics.IncCounter(telemetry.MetricWorkflowsStarted, 1, "company_id", input.CompanyID)
	s.logger.Info(ctx, "workflow enqueued",
		"workflow_id", input.WorkflowID,
		"company_id", input.CompanyID,
		"role_name", input.RoleName,
		"batch_id", input.BatchID,
	)
	return input.WorkflowID, nil
}

// resolveDocument picks the best job description from the downstream
// document catalog for a role with no supplied documents.
func (s *Service) resolveDocument(ctx context.Context, roleName string) (*api.DocumentRef, error) {
	list, err := s.client.ListDocuments(ctx, downstream.ListDocumentsRequest{
		Roles: []string{roleName},
		Page:  1,
	})
	if err != nil {
		return nil, &api.Error{
			Code:        api.ErrCodeInternal,
			Message:     "document lookup failed: " + errorText(err),
			Recoverable: true,
		}
	}
	ranked := downstream.RankDocuments(list.Documents, roleName)
	if len(ranked) == 0 {
		return nil, &api.Error{
			Code:        api.ErrCodeValidation,
			Message:     fmt.Sprintf("no documents found for role %q: supply documents or a taxonomy entry", roleName),
			Recoverable: false,
		}
	}
	best := ranked[0]
	return &api.DocumentRef{
		Type: api.DocumentJobDescription,
		URI:  best.DownloadURL,
		Name: best.Name,
		Metadata: map[string]any{
			"document_id":  best.DocumentID,
			"content_type": best.ContentType,
		},
	}, nil
}

// reconcileRecord upgrades a non-terminal record when the engine says
// the run already ended: the final status publish was lost or has not
// landed yet.
func (s *Service) reconcileRecord(ctx context.Context, record *api.WorkflowStatus) *api.WorkflowStatus {
	if record.State.Terminal() {
		return record
	}
	info, err := s.eng.DescribeRun(ctx, record.WorkflowID)
	if err != nil || !info.Status.Terminal() {
		return record
	}
	if st, qerr := s.eng.QueryWorkflowStatus(ctx, record.WorkflowID); qerr == nil && st != nil && st.State.Terminal() {
		return st
	}
	return overlayRunOutcome(record, info)
}

// resolveStatuses loads statuses for a set of workflows: one MGET, then
// per-miss engine fallback, preserving input order.
func (s *Service) resolveStatuses(ctx context.Context, workflowIDs []string) []ResolvedWorkflow {
	records, err := s.store.LoadWorkflowStatuses(ctx, workflowIDs)
	if err != nil {
		s.logger.Warn(ctx, "status store bulk read failed", "err", err)
		records = nil
	}

	resolved := make([]ResolvedWorkflow, 0, len(workflowIDs))
	for _, id := range workflowIDs {
		if record, ok := records[id]; ok && record != nil {
			resolved = append(resolved, ResolvedWorkflow{WorkflowID: id, Status: s.reconcileRecord(ctx, record)})
			continue
		}
		info, derr := s.eng.DescribeRun(ctx, id)
		if derr != nil {
			resolved = append(resolved, ResolvedWorkflow{WorkflowID: id})
			continue
		}
		if st, qerr := s.eng.QueryWorkflowStatus(ctx, id); qerr == nil && st != nil {
			resolved = append(resolved, ResolvedWorkflow{WorkflowID: id, Status: st})
			continue
		}
		resolved = append(resolved, ResolvedWorkflow{WorkflowID: id, Status: statusFromRun(id, info)})
	}
	return resolved
}

func (s *Service) loadBatch(ctx context.Context, batchID string) (*api.BatchRecord, error) {
	if batchID == "" {
		return nil, &api.Error{Code: api.ErrCodeValidation, Message: "batch_id is required", Recoverable: false}
	}
	record, err := s.store.LoadBatch(ctx, batchID)
	switch {
	case err == nil:
		return record, nil
	case errors.Is(err, status.ErrNotFound):
		return nil, &api.Error{
			Code:        api.ErrCodeNotFound,
			Message:     fmt.Sprintf("batch %q not found (records expire after the store TTL)", batchID),
			Recoverable: false,
		}
	default:
		return nil, &api.Error{Code: api.ErrCodeInternal, Message: "status store unavailable", Recoverable: true}
	}
}

// queuedStatus is the record pre-written at enqueue time so /status
// answers before the first workflow task runs.
func queuedStatus(input *api.RoleOnboardingInput) *api.WorkflowStatus {
	return &api.WorkflowStatus{
		WorkflowID: input.WorkflowID,
		CompanyID:  input.CompanyID,
		RoleName:   input.RoleName,
		State:      api.StateQueued,
		Progress:   api.NewProgress(api.StepRoleSetup, api.StepAIAssessment),
		QueuedAt:   input.EnqueuedAt,
		BatchID:    input.BatchID,
	}
}

// statusFromRun synthesizes a minimal status from engine history alone,
// for runs whose store record is gone.
func statusFromRun(workflowID string, info *engine.RunInfo) *api.WorkflowStatus {
	st := &api.WorkflowStatus{
		WorkflowID: workflowID,
		Progress:   api.NewProgress(api.StepRoleSetup, api.StepAIAssessment),
		QueuedAt:   info.StartedAt,
	}
	if !info.StartedAt.IsZero() {
		t := info.StartedAt
		st.StartedAt = &t
	}
	st.CompletedAt = info.ClosedAt
	applyRunOutcome(st, info.Status)
	return st
}

// overlayRunOutcome clones a stale non-terminal record and stamps the
// engine's terminal outcome onto it.
func overlayRunOutcome(record *api.WorkflowStatus, info *engine.RunInfo) *api.WorkflowStatus {
	st := record.Clone()
	st.CompletedAt = info.ClosedAt
	applyRunOutcome(st, info.Status)
	return st
}

func applyRunOutcome(st *api.WorkflowStatus, run engine.RunStatus) {
	st.CurrentStep = ""
	switch run {
	case engine.RunStatusQueued:
		st.State = api.StateQueued
	case engine.RunStatusRunning:
		st.State = api.StateProcessing
	case engine.RunStatusCompleted:
		// Completed runs reached a business-terminal state; without the
		// record, ready is the only completion the service can produce.
		st.State = api.StateReady
		st.Progress.Current = st.Progress.Total
		for i := range st.Progress.Steps {
			st.Progress.Steps[i].Status = api.StepCompleted
		}
	case engine.RunStatusFailed:
		st.State = api.StateFailed
		st.Error = &api.Error{Code: api.ErrCodeExecution, Message: "workflow failed", Recoverable: true}
	case engine.RunStatusTimedOut:
		st.State = api.StateFailed
		st.Error = &api.Error{Code: api.ErrCodeTimeout, Message: "workflow execution timed out", Recoverable: true}
	case engine.RunStatusCanceled:
		st.State = api.StateFailed
		st.Error = &api.Error{Code: api.ErrCodeExecution, Message: "workflow canceled", Recoverable: true}
	}
}

// catalogError maps downstream catalog failures onto API errors.
func catalogError(err error) error {
	var perm *downstream.PermanentError
	if errors.As(err, &perm) {
		return &api.Error{Code: api.ErrCodeValidation, Message: perm.Message, Recoverable: false}
	}
	return &api.Error{Code: api.ErrCodeInternal, Message: "downstream api unavailable: " + errorText(err), Recoverable: true}
}

func isValidationError(err error) bool {
	apiErr, ok := api.AsError(err)
	return ok && apiErr.Code == api.ErrCodeValidation
}

func roleLabel(input *api.RoleOnboardingInput, index int) string {
	if input.RoleName != "" {
		return input.RoleName
	}
	return fmt.Sprintf("roles[%d]", index)
}

func errorText(err error) string {
	if apiErr, ok := api.AsError(err); ok {
		return apiErr.Message
	}
	return err.Error()
}
