package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/skillgraph/rolepipe/api"
	"github.com/skillgraph/rolepipe/downstream"
	"github.com/skillgraph/rolepipe/engine"
	"github.com/skillgraph/rolepipe/status"
)

// fakeDownstream is a scripted downstream client. Unset function fields
// fall back to deterministic happy-path behavior.
type fakeDownstream struct {
	mu sync.Mutex

	createFn    func(context.Context, downstream.CreateCompanyRoleRequest) (*downstream.CreateCompanyRoleResponse, error)
	linkFn      func(context.Context, downstream.LinkJobDescriptionRequest) (*downstream.LinkJobDescriptionResponse, error)
	assessFn    func(context.Context, downstream.AssessmentRequest) (*downstream.AssessmentResponse, error)
	listDocsFn  func(context.Context, downstream.ListDocumentsRequest) (*downstream.DocumentList, error)
	companiesFn func(context.Context) ([]api.Company, error)
	rolesFn     func(context.Context, string) ([]api.TaxonomyRole, error)

	createCalls  int
	linkCalls    int
	assessCalls  int
	listDocCalls int

	lastCreate downstream.CreateCompanyRoleRequest
	lastLink   downstream.LinkJobDescriptionRequest
	lastAssess downstream.AssessmentRequest
}

func newFakeDownstream() *fakeDownstream {
	return &fakeDownstream{}
}

func (f *fakeDownstream) CreateCompanyRole(ctx context.Context, req downstream.CreateCompanyRoleRequest) (*downstream.CreateCompanyRoleResponse, error) {
	f.mu.Lock()
	f.createCalls++
	f.lastCreate = req
	fn := f.createFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return &downstream.CreateCompanyRoleResponse{CompanyRoleID: "cr-42"}, nil
}

func (f *fakeDownstream) LinkJobDescription(ctx context.Context, req downstream.LinkJobDescriptionRequest) (*downstream.LinkJobDescriptionResponse, error) {
	f.mu.Lock()
	f.linkCalls++
	f.lastLink = req
	fn := f.linkFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return &downstream.LinkJobDescriptionResponse{
		JDLinked:        true,
		JDContentLength: len(req.JDContent),
		CompanyRoleID:   req.CompanyRoleID,
	}, nil
}

func (f *fakeDownstream) RunAIAssessment(ctx context.Context, req downstream.AssessmentRequest) (*downstream.AssessmentResponse, error) {
	f.mu.Lock()
	f.assessCalls++
	f.lastAssess = req
	fn := f.assessFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return &downstream.AssessmentResponse{
		CompanyRoleID:     req.CompanyRoleID,
		AIAutomationScore: 0.55,
		TasksAnalyzed:     3,
	}, nil
}

func (f *fakeDownstream) ListDocuments(ctx context.Context, req downstream.ListDocumentsRequest) (*downstream.DocumentList, error) {
	f.mu.Lock()
	f.listDocCalls++
	fn := f.listDocsFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return &downstream.DocumentList{Page: 1}, nil
}

func (f *fakeDownstream) ListCompanies(ctx context.Context) ([]api.Company, error) {
	f.mu.Lock()
	fn := f.companiesFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return []api.Company{{ID: "acme-insurance", Name: "Acme Insurance"}}, nil
}

func (f *fakeDownstream) ListRoles(ctx context.Context, company string) ([]api.TaxonomyRole, error) {
	f.mu.Lock()
	fn := f.rolesFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, company)
	}
	return []api.TaxonomyRole{{RoleName: "Claims Adjuster"}}, nil
}

func (f *fakeDownstream) Name() string { return "downstream-fake" }

func (f *fakeDownstream) Ping(context.Context) error { return nil }

func (f *fakeDownstream) calls() (create, link, assess, listDocs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls, f.linkCalls, f.assessCalls, f.listDocCalls
}

func (f *fakeDownstream) linkRequest() downstream.LinkJobDescriptionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastLink
}

func (f *fakeDownstream) assessRequest() downstream.AssessmentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAssess
}

func (f *fakeDownstream) createRequest() downstream.CreateCompanyRoleRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCreate
}

// recStore is an in-memory status.Store that records every successful
// status save in order, so tests can assert the publish sequence.
type recStore struct {
	mu        sync.Mutex
	statuses  map[string]*api.WorkflowStatus
	batches   map[string]*api.BatchRecord
	saves     []*api.WorkflowStatus
	deleted   []string
	failSaves bool
	loadErr   error
}

func newRecStore() *recStore {
	return &recStore{
		statuses: make(map[string]*api.WorkflowStatus),
		batches:  make(map[string]*api.BatchRecord),
	}
}

func (s *recStore) Name() string { return "status-fake" }

func (s *recStore) Ping(context.Context) error { return nil }

func (s *recStore) SaveWorkflowStatus(_ context.Context, st *api.WorkflowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves {
		return errors.New("status store down")
	}
	cp := st.Clone()
	s.statuses[st.WorkflowID] = cp
	s.saves = append(s.saves, cp)
	return nil
}

func (s *recStore) LoadWorkflowStatus(_ context.Context, workflowID string) (*api.WorkflowStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	st, ok := s.statuses[workflowID]
	if !ok {
		return nil, status.ErrNotFound
	}
	return st.Clone(), nil
}

func (s *recStore) LoadWorkflowStatuses(_ context.Context, workflowIDs []string) (map[string]*api.WorkflowStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	out := make(map[string]*api.WorkflowStatus, len(workflowIDs))
	for _, id := range workflowIDs {
		if st, ok := s.statuses[id]; ok {
			out[id] = st.Clone()
		}
	}
	return out, nil
}

func (s *recStore) DeleteWorkflowStatus(_ context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.statuses, workflowID)
	s.deleted = append(s.deleted, workflowID)
	return nil
}

func (s *recStore) SaveBatch(_ context.Context, record *api.BatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves {
		return errors.New("status store down")
	}
	cp := *record
	cp.WorkflowIDs = append([]string(nil), record.WorkflowIDs...)
	s.batches[record.BatchID] = &cp
	return nil
}

func (s *recStore) LoadBatch(_ context.Context, batchID string) (*api.BatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.batches[batchID]
	if !ok {
		return nil, status.ErrNotFound
	}
	cp := *record
	cp.WorkflowIDs = append([]string(nil), record.WorkflowIDs...)
	return &cp, nil
}

func (s *recStore) seed(st *api.WorkflowStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[st.WorkflowID] = st.Clone()
}

func (s *recStore) savedStates() []api.WorkflowState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]api.WorkflowState, len(s.saves))
	for i, st := range s.saves {
		out[i] = st.State
	}
	return out
}

func (s *recStore) savedAt(i int) *api.WorkflowStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[i].Clone()
}

func (s *recStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saves)
}

func (s *recStore) deletedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}

// fakeEngine satisfies engine.Engine for service tests. Registrations
// are accepted and dropped; run state comes from the scripted maps.
type fakeEngine struct {
	mu            sync.Mutex
	starts        []engine.WorkflowStartRequest
	startErr      error
	failOnStart   int // 1-based call index startErr applies to; 0 means every call
	runs          map[string]*engine.RunInfo
	queryStatuses map[string]*api.WorkflowStatus
	describeErr   error
	describeCalls int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		runs:          make(map[string]*engine.RunInfo),
		queryStatuses: make(map[string]*api.WorkflowStatus),
	}
}

func (f *fakeEngine) RegisterWorkflow(context.Context, engine.WorkflowDefinition) error {
	return nil
}

func (f *fakeEngine) RegisterCreateRoleActivity(context.Context, string, engine.ActivityOptions, engine.CreateRoleFunc) error {
	return nil
}

func (f *fakeEngine) RegisterLinkJobDescriptionActivity(context.Context, string, engine.ActivityOptions, engine.LinkJobDescriptionFunc) error {
	return nil
}

func (f *fakeEngine) RegisterAssessmentActivity(context.Context, string, engine.ActivityOptions, engine.AssessmentFunc) error {
	return nil
}

func (f *fakeEngine) RegisterStatusActivity(context.Context, string, engine.ActivityOptions, engine.StatusFunc) error {
	return nil
}

func (f *fakeEngine) StartWorkflow(_ context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := len(f.starts) + 1
	if f.startErr != nil && (f.failOnStart == 0 || f.failOnStart == call) {
		return nil, f.startErr
	}
	f.starts = append(f.starts, req)
	return &fakeHandle{id: req.ID}, nil
}

func (f *fakeEngine) DescribeRun(_ context.Context, workflowID string) (*engine.RunInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.describeCalls++
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	info, ok := f.runs[workflowID]
	if !ok {
		return nil, engine.ErrWorkflowNotFound
	}
	cp := *info
	return &cp, nil
}

func (f *fakeEngine) QueryWorkflowStatus(_ context.Context, workflowID string) (*api.WorkflowStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.queryStatuses[workflowID]; ok {
		return st.Clone(), nil
	}
	return nil, engine.ErrQueryNotSupported
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Ping(context.Context) error { return nil }

func (f *fakeEngine) startRequests() []engine.WorkflowStartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.WorkflowStartRequest(nil), f.starts...)
}

func (f *fakeEngine) describes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.describeCalls
}

type fakeHandle struct{ id string }

func (h *fakeHandle) WorkflowID() string { return h.id }

func (h *fakeHandle) RunID() string { return h.id }

func (h *fakeHandle) Wait(context.Context) (*api.RoleOnboardingResult, error) {
	return nil, errors.New("fake handle does not wait")
}

// TimeoutError stands in for an engine-normalized attempt timeout; the
// inline adapter types activity errors by Go type name.
type TimeoutError struct{ msg string }

func (e *TimeoutError) Error() string { return e.msg }

func validInput(id string) *api.RoleOnboardingInput {
	return &api.RoleOnboardingInput{
		WorkflowID: id,
		CompanyID:  "acme-insurance",
		RoleName:   "Claims Adjuster",
		Documents: []api.DocumentRef{{
			Type:    api.DocumentJobDescription,
			Content: "Reviews and settles insurance claims.",
		}},
		Options: api.DefaultOptions(),
	}
}

func terminalStatus(id string, state api.WorkflowState) *api.WorkflowStatus {
	now := time.Now().UTC()
	st := &api.WorkflowStatus{
		WorkflowID:  id,
		CompanyID:   "acme-insurance",
		RoleName:    fmt.Sprintf("Role %s", id),
		State:       state,
		Progress:    api.NewProgress(api.StepRoleSetup, api.StepAIAssessment),
		QueuedAt:    now.Add(-time.Hour),
		CompletedAt: &now,
	}
	if state == api.StateFailed {
		st.Error = &api.Error{Code: api.ErrCodeExecution, Message: "assessment exhausted retries", Recoverable: true}
	}
	return st
}
