package httpapi

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skillgraph/rolepipe/api"
)

func boolPtr(b bool) *bool { return &b }

func TestPushRequestInputDefaults(t *testing.T) {
	req := &PushRequest{
		CompanyID: "acme-insurance",
		RoleName:  "Claims Adjuster",
		UserID:    "u-1",
	}

	input := req.input(nil, "req-77")

	require.Equal(t, "acme-insurance", input.CompanyID)
	require.Equal(t, "Claims Adjuster", input.RoleName)
	require.Equal(t, api.DefaultOptions(), input.Options)
	require.Equal(t, "acme-insurance", input.Context.CompanyID)
	require.Equal(t, "u-1", input.Context.UserID)
	require.Equal(t, "req-77", input.Context.TraceID, "request ID fills in when no trace is supplied")
	require.Empty(t, input.WorkflowID, "workflow IDs are assigned by the service, not the transport")
}

func TestPushRequestInputSuppliedTraceWins(t *testing.T) {
	req := &PushRequest{CompanyID: "c", RoleName: "r", TraceID: "trace-abc"}

	input := req.input(nil, "req-77")

	require.Equal(t, "trace-abc", input.Context.TraceID)
}

func TestPushRequestInputOptionResolution(t *testing.T) {
	batch := &OptionsPayload{
		ForceRerun:       boolPtr(true),
		NotifyOnComplete: boolPtr(false),
	}
	req := &PushRequest{
		CompanyID: "c",
		RoleName:  "r",
		Options:   &OptionsPayload{ForceRerun: boolPtr(false)},
	}

	input := req.input(batch, "")

	// Role-level force_rerun overrides the batch flag; the batch-level
	// notify_on_complete overrides the default; skip stays defaulted.
	require.False(t, input.Options.ForceRerun)
	require.False(t, input.Options.NotifyOnComplete)
	require.False(t, input.Options.SkipEnhancementWorkflows)
}

func TestPushRequestInputDocumentTypeDefaults(t *testing.T) {
	req := &PushRequest{
		CompanyID: "c",
		RoleName:  "r",
		Documents: []api.DocumentRef{
			{Content: "inline text"},
			{Type: api.DocumentSOP, URI: "https://docs.example.test/sop.pdf"},
		},
	}

	input := req.input(nil, "")

	require.Equal(t, api.DocumentJobDescription, input.Documents[0].Type)
	require.Equal(t, api.DocumentSOP, input.Documents[1].Type)
}

func TestBatchPushRequestConversion(t *testing.T) {
	req := &BatchPushRequest{
		CompanyID: "acme-insurance",
		CreatedBy: "ops@acme.test",
		Options:   &OptionsPayload{SkipEnhancementWorkflows: boolPtr(true)},
		Roles: []PushRequest{
			{RoleName: "Claims Adjuster"},
			{RoleName: "Underwriting Assistant", TraceID: "trace-ua"},
		},
	}

	batch := req.batch("req-9")

	require.Equal(t, "acme-insurance", batch.CompanyID)
	require.Equal(t, "ops@acme.test", batch.CreatedBy)
	require.Len(t, batch.Roles, 2)
	require.True(t, batch.Roles[0].Options.SkipEnhancementWorkflows, "batch options reach every role")
	require.Equal(t, "req-9", batch.Roles[0].Context.TraceID)
	require.Equal(t, "trace-ua", batch.Roles[1].Context.TraceID, "role-level trace wins")
	require.Empty(t, batch.Roles[0].CompanyID, "company inheritance happens in the service")
}
