package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"goa.design/clue/log"

	"github.com/skillgraph/rolepipe/api"
	"github.com/skillgraph/rolepipe/downstream"
	"github.com/skillgraph/rolepipe/engine/inline"
	"github.com/skillgraph/rolepipe/pipeline"
	"github.com/skillgraph/rolepipe/status"
)

// harness runs the full stack behind httptest: inline engine, miniredis
// status store, mock downstream, real service and router. Pushed
// workflows execute for real, so status polls observe live transitions.
type harness struct {
	ts *httptest.Server
	mr *miniredis.Miniredis
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store, err := status.New(status.Options{Client: rdb})
	require.NoError(t, err)

	client, err := downstream.NewMock()
	require.NoError(t, err)

	eng := inline.New()
	acts, err := pipeline.NewActivities(client, store, nil, nil)
	require.NoError(t, err)
	require.NoError(t, pipeline.Register(context.Background(), eng, acts, ""))

	svc, err := pipeline.NewService(pipeline.ServiceOptions{
		Engine:           eng,
		Store:            store,
		Downstream:       client,
		DashboardBaseURL: "https://dash.skillgraph.test",
	})
	require.NoError(t, err)

	opts := Options{Service: svc, Engine: eng, Store: store, Downstream: client}
	for _, m := range mutate {
		m(&opts)
	}
	srv, err := New(opts)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler(log.Context(context.Background())))
	t.Cleanup(ts.Close)
	return &harness{ts: ts, mr: mr}
}

func (h *harness) post(t *testing.T, path, body string) (int, []byte) {
	t.Helper()
	resp, err := http.Post(h.ts.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (h *harness) get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(h.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

// waitForState polls the status endpoint until the workflow reaches want.
// It fails fast when the workflow lands in a different terminal state.
func (h *harness) waitForState(t *testing.T, workflowID string, want api.WorkflowState) api.WorkflowStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last []byte
	for {
		code, body := h.get(t, "/api/v1/pipeline/status/"+workflowID)
		last = body
		if code == http.StatusOK {
			var st api.WorkflowStatus
			require.NoError(t, json.Unmarshal(body, &st))
			if st.State == want {
				return st
			}
			require.False(t, st.State.Terminal(),
				"workflow %s ended in %s, wanted %s: %s", workflowID, st.State, want, body)
		}
		require.False(t, time.Now().After(deadline),
			"workflow %s never reached %s, last response: %s", workflowID, want, last)
		time.Sleep(25 * time.Millisecond)
	}
}

func (h *harness) waitForBatchState(t *testing.T, batchID string, want api.BatchState) api.BatchStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last []byte
	for {
		code, body := h.get(t, "/api/v1/pipeline/batch-status/"+batchID)
		last = body
		require.Equal(t, http.StatusOK, code, "batch-status failed: %s", body)
		var st api.BatchStatus
		require.NoError(t, json.Unmarshal(body, &st))
		if st.State == want {
			return st
		}
		require.False(t, time.Now().After(deadline),
			"batch %s never reached %s, last response: %s", batchID, want, last)
		time.Sleep(25 * time.Millisecond)
	}
}

func decodeErrorDetail(t *testing.T, body []byte) errorDetail {
	t.Helper()
	var envelope errorEnvelope
	require.NoError(t, json.Unmarshal(body, &envelope))
	require.NotEmpty(t, envelope.Detail.Error, "envelope missing error code: %s", body)
	return envelope.Detail
}

func TestPushToReadyEndToEnd(t *testing.T) {
	h := newHarness(t)

	code, body := h.post(t, "/api/v1/pipeline/push", `{
		"company_id": "acme-insurance",
		"role_name": "Claims Adjuster",
		"documents": [{"type": "job_description", "content": "Reviews and settles insurance claims."}],
		"user_id": "qa@skillgraph.test"
	}`)
	require.Equal(t, http.StatusOK, code, "body: %s", body)

	var receipt pipeline.PushReceipt
	require.NoError(t, json.Unmarshal(body, &receipt))
	require.True(t, strings.HasPrefix(receipt.WorkflowID, "rop-"), "got %q", receipt.WorkflowID)
	require.Equal(t, api.StateQueued, receipt.Status)
	require.Equal(t, pipeline.EstimatedDurationSeconds, receipt.EstimatedDurationSeconds)
	require.Contains(t, receipt.Message, "Claims Adjuster")

	st := h.waitForState(t, receipt.WorkflowID, api.StateReady)
	require.Equal(t, "acme-insurance", st.CompanyID)
	require.Equal(t, "Claims Adjuster", st.RoleName)
	require.Equal(t, "cr-acme-insurance-claims-adjuster", st.RoleID)
	require.Equal(t, 2, st.Progress.Current)
	require.Equal(t, 2, st.Progress.Total)
	require.NotNil(t, st.CompletedAt)
	require.Nil(t, st.Error)
	for _, step := range st.Progress.Steps {
		require.Equal(t, api.StepCompleted, step.Status, "step %s", step.Name)
	}
}

func TestPushResolvesDocumentsFromCatalog(t *testing.T) {
	h := newHarness(t)

	// No documents supplied: the service finds the fixture JD for the
	// role and the workflow links it by URI.
	code, body := h.post(t, "/api/v1/pipeline/push", `{
		"company_id": "acme-insurance",
		"role_name": "Underwriting Assistant"
	}`)
	require.Equal(t, http.StatusOK, code, "body: %s", body)

	var receipt pipeline.PushReceipt
	require.NoError(t, json.Unmarshal(body, &receipt))

	st := h.waitForState(t, receipt.WorkflowID, api.StateReady)
	require.Equal(t, "cr-acme-insurance-underwriting-assistant", st.RoleID)
}

func TestPushTaxonomySummaryFallback(t *testing.T) {
	h := newHarness(t)

	// A role unknown to the document catalog still onboards when the
	// caller supplies a taxonomy entry with a general summary.
	code, body := h.post(t, "/api/v1/pipeline/push", `{
		"company_id": "acme-insurance",
		"role_name": "Fraud Triage Analyst",
		"taxonomy": {
			"role_name": "Fraud Triage Analyst",
			"general_summary": "Screens incoming claims for fraud indicators and routes hits to investigators."
		}
	}`)
	require.Equal(t, http.StatusOK, code, "body: %s", body)

	var receipt pipeline.PushReceipt
	require.NoError(t, json.Unmarshal(body, &receipt))
	h.waitForState(t, receipt.WorkflowID, api.StateReady)
}

func TestPushSchemaValidation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		body string
		frag string
	}{
		{"missing role_name", `{"company_id": "acme-insurance"}`, "validation"},
		{"missing company_id", `{"role_name": "Claims Adjuster"}`, "validation"},
		{"document needs uri or content", `{
			"company_id": "c", "role_name": "r",
			"documents": [{"type": "job_description", "name": "empty.pdf"}]
		}`, "validation"},
		{"bad document type", `{
			"company_id": "c", "role_name": "r",
			"documents": [{"type": "resume", "content": "text"}]
		}`, "validation"},
		{"unknown field", `{"company_id": "c", "role_name": "r", "priority": "high"}`, "validation"},
		{"not an object", `[]`, "validation"},
		{"malformed json", `{"company_id": `, "not valid JSON"},
		{"empty body", ``, "body is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := h.post(t, "/api/v1/pipeline/push", tt.body)
			require.Equal(t, http.StatusBadRequest, code, "body: %s", body)
			detail := decodeErrorDetail(t, body)
			require.Equal(t, api.ErrCodeValidation, detail.Error)
			require.Contains(t, strings.ToLower(detail.Message), strings.ToLower(tt.frag))
		})
	}
}

func TestPushUnresolvableRoleRejected(t *testing.T) {
	h := newHarness(t)

	// Valid shape, but no documents, no taxonomy, and nothing in the
	// catalog for the role: rejected by the service, not the schema.
	code, body := h.post(t, "/api/v1/pipeline/push", `{
		"company_id": "acme-insurance",
		"role_name": "Fleet Dispatcher"
	}`)
	require.Equal(t, http.StatusBadRequest, code, "body: %s", body)
	detail := decodeErrorDetail(t, body)
	require.Equal(t, api.ErrCodeValidation, detail.Error)
	require.Contains(t, detail.Message, "no documents found")
}

func TestStatusNotFound(t *testing.T) {
	h := newHarness(t)

	code, body := h.get(t, "/api/v1/pipeline/status/rop-missing")
	require.Equal(t, http.StatusNotFound, code)
	detail := decodeErrorDetail(t, body)
	require.Equal(t, api.ErrCodeNotFound, detail.Error)
	require.False(t, detail.Recoverable)
}

func TestBatchEndToEnd(t *testing.T) {
	h := newHarness(t)

	code, body := h.post(t, "/api/v1/pipeline/push-batch", `{
		"company_id": "acme-insurance",
		"created_by": "ops@acme.test",
		"options": {"notify_on_complete": false},
		"roles": [
			{"role_name": "Claims Adjuster"},
			{"role_name": "Customer Service Representative"}
		]
	}`)
	require.Equal(t, http.StatusOK, code, "body: %s", body)

	var receipt pipeline.BatchReceipt
	require.NoError(t, json.Unmarshal(body, &receipt))
	require.True(t, strings.HasPrefix(receipt.BatchID, "batch-"), "got %q", receipt.BatchID)
	require.Equal(t, 2, receipt.TotalRoles)
	require.Len(t, receipt.WorkflowIDs, 2)
	require.Contains(t, receipt.Message, "2 of 2 roles enqueued")

	st := h.waitForBatchState(t, receipt.BatchID, api.BatchCompleted)
	require.Equal(t, "acme-insurance", st.CompanyID)
	require.Equal(t, 2, st.Total)
	require.Equal(t, 2, st.Completed)
	require.Equal(t, 0, st.Failed)
	require.InDelta(t, 100.0, st.ProgressPercent, 0.001)
	require.InDelta(t, 100.0, st.SuccessRate, 0.001)
	require.Equal(t, "ops@acme.test", st.CreatedBy)
	require.Len(t, st.Roles, 2)
	for _, role := range st.Roles {
		require.Equal(t, api.StateReady, role.State)
		require.NotEmpty(t, role.RoleID)
		require.Contains(t, role.DashboardURL, "https://dash.skillgraph.test/roles/")
	}

	// Nothing failed, so retry is a no-op.
	code, body = h.post(t, "/api/v1/pipeline/retry-failed/"+receipt.BatchID, "")
	require.Equal(t, http.StatusOK, code, "body: %s", body)
	var retry pipeline.RetryReceipt
	require.NoError(t, json.Unmarshal(body, &retry))
	require.Zero(t, retry.Retried)
	require.Contains(t, retry.Message, "no failed workflows in batch")
}

func TestBatchRejectsUnresolvableMember(t *testing.T) {
	h := newHarness(t)

	code, body := h.post(t, "/api/v1/pipeline/push-batch", `{
		"company_id": "acme-insurance",
		"roles": [
			{"role_name": "Claims Adjuster"},
			{"role_name": "Fleet Dispatcher"}
		]
	}`)
	require.Equal(t, http.StatusOK, code, "body: %s", body)

	var receipt pipeline.BatchReceipt
	require.NoError(t, json.Unmarshal(body, &receipt))
	require.Equal(t, 1, receipt.TotalRoles)
	require.Len(t, receipt.WorkflowIDs, 1)
	require.Contains(t, receipt.Message, "rejected")
	require.Contains(t, receipt.Message, "Fleet Dispatcher")
}

func TestBatchSchemaValidation(t *testing.T) {
	h := newHarness(t)

	for name, body := range map[string]string{
		"empty roles":       `{"company_id": "c", "roles": []}`,
		"missing company":   `{"roles": [{"role_name": "r"}]}`,
		"role without name": `{"company_id": "c", "roles": [{"company_id": "c2"}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			code, respBody := h.post(t, "/api/v1/pipeline/push-batch", body)
			require.Equal(t, http.StatusBadRequest, code, "body: %s", respBody)
			require.Equal(t, api.ErrCodeValidation, decodeErrorDetail(t, respBody).Error)
		})
	}
}

func TestRetryFailedUnknownBatch(t *testing.T) {
	h := newHarness(t)

	code, body := h.post(t, "/api/v1/pipeline/retry-failed/batch-missing", "")
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, api.ErrCodeNotFound, decodeErrorDetail(t, body).Error)
}

func TestRetryFailedFilterOutsideBatch(t *testing.T) {
	h := newHarness(t)

	code, body := h.post(t, "/api/v1/pipeline/push-batch", `{
		"company_id": "acme-insurance",
		"roles": [{"role_name": "Claims Adjuster"}]
	}`)
	require.Equal(t, http.StatusOK, code, "body: %s", body)
	var receipt pipeline.BatchReceipt
	require.NoError(t, json.Unmarshal(body, &receipt))

	code, body = h.post(t, "/api/v1/pipeline/retry-failed/"+receipt.BatchID,
		`{"workflow_ids": ["rop-not-in-batch"]}`)
	require.Equal(t, http.StatusOK, code, "body: %s", body)
	var retry pipeline.RetryReceipt
	require.NoError(t, json.Unmarshal(body, &retry))
	require.Zero(t, retry.Retried)
	require.Contains(t, retry.Message, "not part of batch")
}

func TestCompanyAndRoleListings(t *testing.T) {
	h := newHarness(t)

	code, body := h.get(t, "/api/v1/pipeline/companies")
	require.Equal(t, http.StatusOK, code)
	var companies companyList
	require.NoError(t, json.Unmarshal(body, &companies))
	require.Len(t, companies.Companies, 3)

	code, body = h.get(t, "/api/v1/pipeline/companies/acme-insurance/roles")
	require.Equal(t, http.StatusOK, code)
	var roles roleList
	require.NoError(t, json.Unmarshal(body, &roles))
	require.Equal(t, "acme-insurance", roles.Company)
	require.Len(t, roles.Roles, 3)

	// Companies are addressable by display name, percent-encoded.
	code, body = h.get(t, "/api/v1/pipeline/companies/Acme%20Insurance/roles")
	require.Equal(t, http.StatusOK, code)
	roles = roleList{}
	require.NoError(t, json.Unmarshal(body, &roles))
	require.Len(t, roles.Roles, 3)

	// Unknown companies list as empty, not as an error.
	code, body = h.get(t, "/api/v1/pipeline/companies/umbrella-corp/roles")
	require.Equal(t, http.StatusOK, code)
	roles = roleList{}
	require.NoError(t, json.Unmarshal(body, &roles))
	require.NotNil(t, roles.Roles)
	require.Empty(t, roles.Roles)
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)

	code, body := h.get(t, "/api/v1/pipeline/health")
	require.Equal(t, http.StatusOK, code, "body: %s", body)
	var report healthReport
	require.NoError(t, json.Unmarshal(body, &report))
	require.Equal(t, "healthy", report.Status)
	require.Equal(t, "inline", report.Mode)
	require.Equal(t, "OK", report.Components["engine"])
	require.Equal(t, "OK", report.Components["status_store"])
	require.Equal(t, "OK", report.Components["downstream_api"])

	// The bare path serves load balancer probes.
	code, _ = h.get(t, "/health")
	require.Equal(t, http.StatusOK, code)

	// Losing the status store makes the probe fail: without it, accepted
	// work cannot be tracked.
	h.mr.Close()
	code, body = h.get(t, "/api/v1/pipeline/health")
	require.Equal(t, http.StatusServiceUnavailable, code, "body: %s", body)
	report = healthReport{}
	require.NoError(t, json.Unmarshal(body, &report))
	require.Equal(t, "degraded", report.Status)
	require.NotEqual(t, "OK", report.Components["status_store"])
	require.Equal(t, "OK", report.Components["engine"])
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.CORSOrigins = []string{"https://app.skillgraph.test"}
	})

	req, err := http.NewRequest(http.MethodOptions, h.ts.URL+"/api/v1/pipeline/push", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.skillgraph.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "https://app.skillgraph.test", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestDebugMountsServePprof(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Debug = true })

	code, _ := h.get(t, "/debug/pprof/cmdline")
	require.Equal(t, http.StatusOK, code)
}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "service is required")
}
