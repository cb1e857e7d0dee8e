package pipeline

import (
	"fmt"

	"github.com/skillgraph/rolepipe/api"
	"github.com/skillgraph/rolepipe/engine"
)

// RoleOnboarding is the workflow handler for one role submission. It is
// deterministic: all branching derives from the immutable input and from
// activity results, timestamps come from the engine clock, and status
// writes go through the publish_status activity.
//
// Step order is fixed: role_setup (create the role entity, then link the
// job description) followed by ai_assessment. The handler publishes a
// status snapshot at every step boundary and exposes the same snapshot
// through the status query.
func RoleOnboarding(wfCtx engine.WorkflowContext, input *api.RoleOnboardingInput) (*api.RoleOnboardingResult, error) {
	if input == nil {
		input = &api.RoleOnboardingInput{}
	}
	run := newRun(wfCtx, input)
	if err := wfCtx.SetQueryHandler(engine.StatusQueryName, run.snapshot); err != nil {
		return nil, err
	}

	if err := ValidateInput(input); err != nil {
		return run.rejected(err)
	}
	jd, err := ResolveJobDescription(input)
	if err != nil {
		return run.rejected(err)
	}

	if err := run.stepRunning(api.StepRoleSetup); err != nil {
		return nil, err
	}
	run.publish()

	createRes, err := wfCtx.ExecuteCreateRole(engine.CreateRoleCall{
		Name: ActivityCreateRole,
		Input: &api.CreateRoleInput{
			CompanyID:     input.CompanyID,
			RoleName:      input.RoleName,
			DraupRoleID:   input.DraupRoleID,
			DraupRoleName: input.DraupRoleName,
			Context:       input.Context,
		},
	})
	if err != nil {
		return run.failed(api.StepRoleSetup, err)
	}
	roleID := createRes.StringOutput("company_role_id")
	if roleID == "" {
		return run.failed(api.StepRoleSetup, fmt.Errorf("%s returned no company_role_id", ActivityCreateRole))
	}
	run.status.RoleID = roleID

	if _, err := wfCtx.ExecuteLinkJobDescription(engine.LinkJobDescriptionCall{
		Name: ActivityLinkJD,
		Input: &api.LinkJobDescriptionInput{
			CompanyRoleID: roleID,
			JDContent:     jd.Content,
			JDURI:         jd.URI,
			JDTitle:       jd.Title,
			Metadata:      jd.Metadata,
			FormatWithLLM: jd.FromTaxonomy,
			Context:       input.Context,
		},
	}); err != nil {
		return run.failed(api.StepRoleSetup, err)
	}
	if err := run.stepCompleted(api.StepRoleSetup); err != nil {
		return nil, err
	}
	run.publish()

	if err := run.stepRunning(api.StepAIAssessment); err != nil {
		return nil, err
	}
	run.publish()

	if _, err := wfCtx.ExecuteAssessment(engine.AssessmentCall{
		Name: ActivityAssessment,
		Input: &api.AssessmentInput{
			CompanyID:      input.CompanyID,
			RoleName:       input.RoleName,
			CompanyRoleID:  roleID,
			DeleteExisting: input.Options.ForceRerun,
			StoreInNeo4j:   true,
			Context:        input.Context,
		},
	}); err != nil {
		return run.failed(api.StepAIAssessment, err)
	}
	if err := run.stepCompleted(api.StepAIAssessment); err != nil {
		return nil, err
	}

	if err := run.complete(); err != nil {
		return nil, err
	}
	run.publish()
	return run.result(), nil
}

// run tracks one execution's status record. All mutation goes through
// its methods: states advance only through Transition and every
// timestamp comes from the engine clock.
type run struct {
	wf     engine.WorkflowContext
	status *api.WorkflowStatus
}

func newRun(wf engine.WorkflowContext, input *api.RoleOnboardingInput) *run {
	queuedAt := input.EnqueuedAt
	if queuedAt.IsZero() {
		queuedAt = wf.Now()
	}
	return &run{
		wf: wf,
		status: &api.WorkflowStatus{
			WorkflowID: wf.WorkflowID(),
			CompanyID:  input.CompanyID,
			RoleName:   input.RoleName,
			State:      api.StateQueued,
			Progress:   api.NewProgress(api.StepRoleSetup, api.StepAIAssessment),
			QueuedAt:   queuedAt,
			BatchID:    input.BatchID,
		},
	}
}

// snapshot serves the status query.
func (r *run) snapshot() (*api.WorkflowStatus, error) {
	return r.status.Clone(), nil
}

// publish sends the current snapshot through the status activity. The
// error is dropped: engine history stays authoritative when the store
// is down.
func (r *run) publish() {
	_ = r.wf.PublishStatus(engine.PublishStatusCall{
		Name:   ActivityPublishStatus,
		Status: r.status.Clone(),
	})
}

// rejected finishes a run whose input failed validation. No pipeline
// step runs; the only activity scheduled is the status publish. The run
// itself completes, carrying the rejection in its result.
func (r *run) rejected(cause error) (*api.RoleOnboardingResult, error) {
	next, err := Transition(r.status.State, api.StateValidationError)
	if err != nil {
		return nil, err
	}
	now := r.wf.Now()
	r.status.State = next
	r.status.CurrentStep = ""
	r.status.CompletedAt = &now
	r.status.Error = &api.Error{Code: api.ErrCodeValidation, Message: cause.Error(), Recoverable: false}
	for i := range r.status.Progress.Steps {
		r.status.Progress.Steps[i].Status = api.StepSkipped
	}
	r.publish()
	return r.result(), nil
}

// failed finishes a run whose step exhausted its retries. It publishes
// the failed status and returns the causing error so the engine records
// the run as failed.
func (r *run) failed(name string, cause error) (*api.RoleOnboardingResult, error) {
	classified := classifyActivityError(cause)
	now := r.wf.Now()
	if step := r.status.Progress.Step(name); step != nil {
		step.Status = api.StepFailed
		step.CompletedAt = &now
		if step.StartedAt != nil {
			step.DurationMS = now.Sub(*step.StartedAt).Milliseconds()
		}
		step.ErrorMessage = classified.Message
	}
	next, terr := Transition(r.status.State, api.StateFailed)
	if terr != nil {
		return nil, terr
	}
	r.status.State = next
	r.status.CurrentStep = ""
	r.status.CompletedAt = &now
	r.status.Error = classified
	r.publish()
	return nil, cause
}

func (r *run) stepRunning(name string) error {
	now := r.wf.Now()
	if r.status.State == api.StateQueued {
		next, err := Transition(r.status.State, api.StateProcessing)
		if err != nil {
			return err
		}
		r.status.State = next
		r.status.StartedAt = &now
	}
	r.status.CurrentStep = name
	if step := r.status.Progress.Step(name); step != nil {
		step.Status = api.StepRunning
		step.StartedAt = &now
	}
	return nil
}

func (r *run) stepCompleted(name string) error {
	step := r.status.Progress.Step(name)
	if step == nil {
		return &api.Error{Code: api.ErrCodeExecution, Message: "unknown step " + name, Recoverable: false}
	}
	now := r.wf.Now()
	step.Status = api.StepCompleted
	step.CompletedAt = &now
	if step.StartedAt != nil {
		step.DurationMS = now.Sub(*step.StartedAt).Milliseconds()
	}
	r.status.Progress.Current++
	r.status.CurrentStep = ""
	return nil
}

func (r *run) complete() error {
	next, err := Transition(r.status.State, api.StateReady)
	if err != nil {
		return err
	}
	now := r.wf.Now()
	r.status.State = next
	r.status.CurrentStep = ""
	r.status.CompletedAt = &now
	return nil
}

func (r *run) result() *api.RoleOnboardingResult {
	res := &api.RoleOnboardingResult{
		WorkflowID: r.status.WorkflowID,
		State:      r.status.State,
		RoleID:     r.status.RoleID,
	}
	if r.status.Error != nil {
		e := *r.status.Error
		res.Error = &e
	}
	return res
}

// classifyActivityError maps an exhausted activity failure onto the
// error record surfaced to callers. Adapter-normalized errors carry the
// causing Go type name; anything unrecognized counts as a transient
// execution failure that exhausted its retry budget.
func classifyActivityError(err error) *api.Error {
	if ae, ok := engine.AsActivityError(err); ok {
		switch ae.Type {
		case "ValidationError":
			return &api.Error{Code: api.ErrCodeValidation, Message: ae.Message, Recoverable: false}
		case "PermanentError":
			return &api.Error{Code: api.ErrCodeExecution, Message: ae.Message, Recoverable: false}
		case "TimeoutError":
			return &api.Error{Code: api.ErrCodeTimeout, Message: ae.Message, Recoverable: true}
		default:
			return &api.Error{Code: api.ErrCodeExecution, Message: ae.Message, Recoverable: true}
		}
	}
	return &api.Error{Code: api.ErrCodeExecution, Message: err.Error(), Recoverable: true}
}
