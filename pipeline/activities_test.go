package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skillgraph/rolepipe/api"
	"github.com/skillgraph/rolepipe/downstream"
	"github.com/skillgraph/rolepipe/engine"
	"github.com/skillgraph/rolepipe/engine/inline"
)

func newActivities(t *testing.T) (*Activities, *recStore, *fakeDownstream) {
	t.Helper()
	client := newFakeDownstream()
	store := newRecStore()
	acts, err := NewActivities(client, store, nil, nil)
	require.NoError(t, err)
	return acts, store, client
}

func TestNewActivitiesRequiresDependencies(t *testing.T) {
	_, err := NewActivities(nil, newRecStore(), nil, nil)
	require.Error(t, err)
	_, err = NewActivities(newFakeDownstream(), nil, nil, nil)
	require.Error(t, err)
}

func TestCreateRoleGuardsInput(t *testing.T) {
	acts, _, _ := newActivities(t)
	ctx := context.Background()

	cases := []*api.CreateRoleInput{
		nil,
		{RoleName: "Claims Adjuster"},
		{CompanyID: "acme-insurance"},
	}
	for _, input := range cases {
		_, err := acts.CreateRole(ctx, input)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
	}
}

func TestCreateRoleReturnsRoleID(t *testing.T) {
	acts, _, client := newActivities(t)

	res, err := acts.CreateRole(context.Background(), &api.CreateRoleInput{
		CompanyID:   "acme-insurance",
		RoleName:    "Claims Adjuster",
		DraupRoleID: "draup-17",
	})
	require.NoError(t, err)
	require.Equal(t, ActivityCreateRole, res.Name)
	require.Equal(t, api.StepCompleted, res.Status)
	require.Equal(t, "cr-42", res.StringOutput("company_role_id"))
	require.GreaterOrEqual(t, res.DurationMS, int64(0))

	req := client.createRequest()
	require.Equal(t, "acme-insurance", req.CompanyName)
	require.Equal(t, "draup-17", req.DraupRoleID)
}

func TestCreateRoleEmptyDownstreamIDIsTransient(t *testing.T) {
	acts, _, client := newActivities(t)
	client.createFn = func(context.Context, downstream.CreateCompanyRoleRequest) (*downstream.CreateCompanyRoleResponse, error) {
		return &downstream.CreateCompanyRoleResponse{}, nil
	}

	_, err := acts.CreateRole(context.Background(), &api.CreateRoleInput{
		CompanyID: "acme-insurance",
		RoleName:  "Claims Adjuster",
	})
	var terr *downstream.TransientError
	require.ErrorAs(t, err, &terr)
}

func TestLinkJobDescriptionGuardsInput(t *testing.T) {
	acts, _, _ := newActivities(t)
	ctx := context.Background()

	cases := []*api.LinkJobDescriptionInput{
		nil,
		{JDContent: "body"},
		{CompanyRoleID: "cr-42"}, // neither content nor uri
	}
	for _, input := range cases {
		_, err := acts.LinkJobDescription(ctx, input)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
	}
}

func TestLinkJobDescriptionNotLinkedIsTransient(t *testing.T) {
	acts, _, client := newActivities(t)
	client.linkFn = func(context.Context, downstream.LinkJobDescriptionRequest) (*downstream.LinkJobDescriptionResponse, error) {
		return &downstream.LinkJobDescriptionResponse{JDLinked: false}, nil
	}

	_, err := acts.LinkJobDescription(context.Background(), &api.LinkJobDescriptionInput{
		CompanyRoleID: "cr-42",
		JDContent:     "body",
	})
	var terr *downstream.TransientError
	require.ErrorAs(t, err, &terr)
}

func TestLinkJobDescriptionOutput(t *testing.T) {
	acts, _, _ := newActivities(t)

	res, err := acts.LinkJobDescription(context.Background(), &api.LinkJobDescriptionInput{
		CompanyRoleID: "cr-42",
		JDContent:     "twelve bytes",
	})
	require.NoError(t, err)
	require.Equal(t, "cr-42", res.StringOutput("company_role_id"))
	require.Equal(t, true, res.Output["jd_linked"])
	require.Equal(t, len("twelve bytes"), res.Output["jd_content_length"])
}

func TestRunAssessmentGuardsInput(t *testing.T) {
	acts, _, _ := newActivities(t)
	ctx := context.Background()

	cases := []*api.AssessmentInput{
		nil,
		{CompanyID: "acme-insurance", RoleName: "Claims Adjuster"}, // no role id
		{CompanyRoleID: "cr-42"},
	}
	for _, input := range cases {
		_, err := acts.RunAssessment(ctx, input)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
	}
}

func TestRunAssessmentTaskCountFallsBackToTaskList(t *testing.T) {
	acts, _, client := newActivities(t)
	client.assessFn = func(context.Context, downstream.AssessmentRequest) (*downstream.AssessmentResponse, error) {
		return &downstream.AssessmentResponse{
			CompanyRoleID:     "cr-42",
			AIAutomationScore: 0.7,
			Tasks: []downstream.TaskAnalysis{
				{TaskName: "intake", AutomationScore: 0.9},
				{TaskName: "negotiation", AutomationScore: 0.3},
			},
		}, nil
	}

	res, err := acts.RunAssessment(context.Background(), &api.AssessmentInput{
		CompanyID:     "acme-insurance",
		RoleName:      "Claims Adjuster",
		CompanyRoleID: "cr-42",
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.Output["tasks_analyzed"])
	require.Equal(t, 0.7, res.Output["ai_automation_score"])
}

func TestRunAssessmentHeartbeats(t *testing.T) {
	acts, _, _ := newActivities(t)

	var mu sync.Mutex
	var beats []string
	ctx := engine.WithHeartbeat(context.Background(), func(_ context.Context, details ...any) {
		mu.Lock()
		defer mu.Unlock()
		if len(details) > 0 {
			if s, ok := details[0].(string); ok {
				beats = append(beats, s)
			}
		}
	})

	_, err := acts.RunAssessment(ctx, &api.AssessmentInput{
		CompanyID:     "acme-insurance",
		RoleName:      "Claims Adjuster",
		CompanyRoleID: "cr-42",
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, beats)
	require.Equal(t, "started", beats[0])
}

func TestPublishStatusGuardsAndPersists(t *testing.T) {
	acts, store, _ := newActivities(t)
	ctx := context.Background()

	var verr *ValidationError
	require.ErrorAs(t, acts.PublishStatus(ctx, nil), &verr)
	require.ErrorAs(t, acts.PublishStatus(ctx, &api.WorkflowStatus{}), &verr)

	st := terminalStatus("wf-pub", api.StateReady)
	require.NoError(t, acts.PublishStatus(ctx, st))
	got, err := store.LoadWorkflowStatus(ctx, "wf-pub")
	require.NoError(t, err)
	require.Equal(t, api.StateReady, got.State)
}

func TestPublishStatusPropagatesStoreErrors(t *testing.T) {
	acts, store, _ := newActivities(t)
	store.failSaves = true

	err := acts.PublishStatus(context.Background(), terminalStatus("wf-err", api.StateReady))
	require.Error(t, err, "the engine retries per policy; the workflow drops the final outcome")
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	acts, _, _ := newActivities(t)
	eng := inline.New()
	ctx := context.Background()

	require.NoError(t, Register(ctx, eng, acts, ""))
	require.Error(t, Register(ctx, eng, acts, ""))
}
