package inline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/skillgraph/rolepipe/api"
	"github.com/skillgraph/rolepipe/engine"
)

type stubPermanentError struct{ msg string }

func (e *stubPermanentError) Error() string { return e.msg }

func TestCreateRoleActivityTypedExecution(t *testing.T) {
	eng := New()
	ctx := context.Background()

	err := eng.RegisterCreateRoleActivity(ctx, "create_company_role", engine.ActivityOptions{}, func(ctx context.Context, input *api.CreateRoleInput) (*api.StepResult, error) {
		if input.CompanyID != "LibertyMutual" || input.RoleName != "Claims Adjuster" {
			t.Errorf("unexpected activity input: %+v", input)
		}
		return &api.StepResult{
			Name:   "create_company_role",
			Status: api.StepCompleted,
			Output: map[string]any{"company_role_id": "cr-123"},
		}, nil
	})
	if err != nil {
		t.Fatalf("register create role activity: %v", err)
	}

	err = eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "role_onboarding",
		Handler: func(wfCtx engine.WorkflowContext, input *api.RoleOnboardingInput) (*api.RoleOnboardingResult, error) {
			out, err2 := wfCtx.ExecuteCreateRole(engine.CreateRoleCall{
				Name: "create_company_role",
				Input: &api.CreateRoleInput{
					CompanyID: input.CompanyID,
					RoleName:  input.RoleName,
				},
			})
			if err2 != nil {
				return nil, err2
			}
			if got := out.StringOutput("company_role_id"); got != "cr-123" {
				t.Errorf("unexpected company_role_id: %q", got)
			}
			return &api.RoleOnboardingResult{
				WorkflowID: wfCtx.WorkflowID(),
				State:      api.StateReady,
				RoleID:     out.StringOutput("company_role_id"),
			}, nil
		},
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "run-1",
		Workflow: "role_onboarding",
		Input:    &api.RoleOnboardingInput{CompanyID: "LibertyMutual", RoleName: "Claims Adjuster"},
	})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}

	res, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("workflow failed: %v", err)
	}
	if res.State != api.StateReady || res.RoleID != "cr-123" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestActivityErrorClassification(t *testing.T) {
	eng := New()
	ctx := context.Background()

	opts := engine.ActivityOptions{
		RetryPolicy: &engine.RetryPolicy{NonRetryableTypes: []string{"stubPermanentError"}},
	}
	err := eng.RegisterAssessmentActivity(ctx, "run_ai_assessment", opts, func(ctx context.Context, input *api.AssessmentInput) (*api.StepResult, error) {
		return nil, &stubPermanentError{msg: "role already assessed"}
	})
	if err != nil {
		t.Fatalf("register assessment activity: %v", err)
	}

	err = eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "role_onboarding",
		Handler: func(wfCtx engine.WorkflowContext, input *api.RoleOnboardingInput) (*api.RoleOnboardingResult, error) {
			_, err2 := wfCtx.ExecuteAssessment(engine.AssessmentCall{
				Name:  "run_ai_assessment",
				Input: &api.AssessmentInput{CompanyID: input.CompanyID},
			})
			return nil, err2
		},
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "run-1",
		Workflow: "role_onboarding",
		Input:    &api.RoleOnboardingInput{CompanyID: "LibertyMutual"},
	})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}

	_, err = handle.Wait(ctx)
	if err == nil {
		t.Fatal("expected workflow error")
	}
	ae, ok := engine.AsActivityError(err)
	if !ok {
		t.Fatalf("expected ActivityError, got %T: %v", err, err)
	}
	if ae.Activity != "run_ai_assessment" {
		t.Errorf("unexpected activity name: %q", ae.Activity)
	}
	if ae.Type != "stubPermanentError" {
		t.Errorf("unexpected error type: %q", ae.Type)
	}
	if !ae.NonRetryable {
		t.Error("expected non-retryable classification")
	}
	if ae.Message != "role already assessed" {
		t.Errorf("unexpected message: %q", ae.Message)
	}
}

func TestRetryableErrorClassification(t *testing.T) {
	eng := New()
	ctx := context.Background()

	err := eng.RegisterLinkJobDescriptionActivity(ctx, "link_job_description", engine.ActivityOptions{}, func(ctx context.Context, input *api.LinkJobDescriptionInput) (*api.StepResult, error) {
		return nil, errors.New("downstream unavailable")
	})
	if err != nil {
		t.Fatalf("register link activity: %v", err)
	}

	err = eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "role_onboarding",
		Handler: func(wfCtx engine.WorkflowContext, input *api.RoleOnboardingInput) (*api.RoleOnboardingResult, error) {
			_, err2 := wfCtx.ExecuteLinkJobDescription(engine.LinkJobDescriptionCall{
				Name:  "link_job_description",
				Input: &api.LinkJobDescriptionInput{CompanyRoleID: "cr-123"},
			})
			return nil, err2
		},
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "run-1",
		Workflow: "role_onboarding",
		Input:    &api.RoleOnboardingInput{},
	})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}

	_, err = handle.Wait(ctx)
	ae, ok := engine.AsActivityError(err)
	if !ok {
		t.Fatalf("expected ActivityError, got %T: %v", err, err)
	}
	if ae.NonRetryable {
		t.Error("untyped errors must classify as retryable")
	}
}

func TestDescribeRunLifecycle(t *testing.T) {
	eng := New()
	ctx := context.Background()
	release := make(chan struct{})

	err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "role_onboarding",
		Handler: func(wfCtx engine.WorkflowContext, input *api.RoleOnboardingInput) (*api.RoleOnboardingResult, error) {
			<-release
			return &api.RoleOnboardingResult{WorkflowID: wfCtx.WorkflowID(), State: api.StateReady}, nil
		},
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "run-1",
		Workflow: "role_onboarding",
		Input:    &api.RoleOnboardingInput{},
	})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}

	info, err := eng.DescribeRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("describe run: %v", err)
	}
	if info.Status != engine.RunStatusRunning {
		t.Errorf("expected running, got %s", info.Status)
	}
	if info.ClosedAt != nil {
		t.Error("close time set on a running workflow")
	}

	close(release)
	if _, err := handle.Wait(ctx); err != nil {
		t.Fatalf("workflow failed: %v", err)
	}

	info, err = eng.DescribeRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("describe run: %v", err)
	}
	if info.Status != engine.RunStatusCompleted {
		t.Errorf("expected completed, got %s", info.Status)
	}
	if info.ClosedAt == nil {
		t.Error("close time missing on a completed workflow")
	}

	if _, err := eng.DescribeRun(ctx, "missing"); !errors.Is(err, engine.ErrWorkflowNotFound) {
		t.Errorf("expected ErrWorkflowNotFound, got %v", err)
	}
}

func TestRunTimeoutMarksRunTimedOut(t *testing.T) {
	eng := New()
	ctx := context.Background()

	err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "role_onboarding",
		Handler: func(wfCtx engine.WorkflowContext, input *api.RoleOnboardingInput) (*api.RoleOnboardingResult, error) {
			<-wfCtx.Context().Done()
			return nil, wfCtx.Context().Err()
		},
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:         "run-1",
		Workflow:   "role_onboarding",
		Input:      &api.RoleOnboardingInput{},
		RunTimeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}

	if _, err := handle.Wait(ctx); err == nil {
		t.Fatal("expected timeout error")
	}

	info, err := eng.DescribeRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("describe run: %v", err)
	}
	if info.Status != engine.RunStatusTimedOut {
		t.Errorf("expected timed_out, got %s", info.Status)
	}
}

func TestDuplicateWorkflowIDRejected(t *testing.T) {
	eng := New()
	ctx := context.Background()

	err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "role_onboarding",
		Handler: func(wfCtx engine.WorkflowContext, input *api.RoleOnboardingInput) (*api.RoleOnboardingResult, error) {
			return &api.RoleOnboardingResult{State: api.StateReady}, nil
		},
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	if _, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-1", Workflow: "role_onboarding", Input: &api.RoleOnboardingInput{}}); err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	if _, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-1", Workflow: "role_onboarding", Input: &api.RoleOnboardingInput{}}); err == nil {
		t.Fatal("expected duplicate workflow id to be rejected")
	}
}

func TestQueryWorkflowStatusUnsupported(t *testing.T) {
	eng := New()
	ctx := context.Background()

	err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "role_onboarding",
		Handler: func(wfCtx engine.WorkflowContext, input *api.RoleOnboardingInput) (*api.RoleOnboardingResult, error) {
			return &api.RoleOnboardingResult{State: api.StateReady}, nil
		},
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-1", Workflow: "role_onboarding", Input: &api.RoleOnboardingInput{}})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	if _, err := handle.Wait(ctx); err != nil {
		t.Fatalf("workflow failed: %v", err)
	}

	if _, err := eng.QueryWorkflowStatus(ctx, "run-1"); !errors.Is(err, engine.ErrQueryNotSupported) {
		t.Errorf("expected ErrQueryNotSupported, got %v", err)
	}
	if _, err := eng.QueryWorkflowStatus(ctx, "missing"); !errors.Is(err, engine.ErrWorkflowNotFound) {
		t.Errorf("expected ErrWorkflowNotFound, got %v", err)
	}
}

func TestPublishStatusTypedDelivery(t *testing.T) {
	eng := New()
	ctx := context.Background()

	published := make(chan *api.WorkflowStatus, 1)
	err := eng.RegisterStatusActivity(ctx, "publish_status", engine.ActivityOptions{}, func(ctx context.Context, status *api.WorkflowStatus) error {
		published <- status
		return nil
	})
	if err != nil {
		t.Fatalf("register status activity: %v", err)
	}

	err = eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "role_onboarding",
		Handler: func(wfCtx engine.WorkflowContext, input *api.RoleOnboardingInput) (*api.RoleOnboardingResult, error) {
			err2 := wfCtx.PublishStatus(engine.PublishStatusCall{
				Name: "publish_status",
				Status: &api.WorkflowStatus{
					WorkflowID: wfCtx.WorkflowID(),
					State:      api.StateProcessing,
				},
			})
			if err2 != nil {
				return nil, err2
			}
			return &api.RoleOnboardingResult{State: api.StateReady}, nil
		},
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-1", Workflow: "role_onboarding", Input: &api.RoleOnboardingInput{}})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	if _, err := handle.Wait(ctx); err != nil {
		t.Fatalf("workflow failed: %v", err)
	}

	select {
	case status := <-published:
		if status.WorkflowID != "run-1" || status.State != api.StateProcessing {
			t.Errorf("unexpected published status: %+v", status)
		}
	default:
		t.Fatal("status activity never invoked")
	}
}
