// Package downstream is the client for the downstream processing API: the
// service that owns role entities, job-description linking, AI assessment,
// and the document/taxonomy catalogs. The client classifies failures into
// *TransientError and *PermanentError and never retries; retry policy
// belongs to the workflow engine.
package downstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"goa.design/clue/health"

	"github.com/skillgraph/rolepipe/api"
	"github.com/skillgraph/rolepipe/telemetry"
)

// Client is the downstream processing API surface the pipeline consumes.
type Client interface {
	health.Pinger

	// CreateCompanyRole creates or finds the role entity for
	// (company, role) and returns its identifier.
	CreateCompanyRole(ctx context.Context, req CreateCompanyRoleRequest) (*CreateCompanyRoleResponse, error)

	// LinkJobDescription attaches a job description to a role.
	LinkJobDescription(ctx context.Context, req LinkJobDescriptionRequest) (*LinkJobDescriptionResponse, error)

	// RunAIAssessment runs the automation assessment. Minutes-long.
	RunAIAssessment(ctx context.Context, req AssessmentRequest) (*AssessmentResponse, error)

	// ListDocuments returns one page of the document catalog.
	ListDocuments(ctx context.Context, req ListDocumentsRequest) (*DocumentList, error)

	// ListCompanies returns the known companies.
	ListCompanies(ctx context.Context) ([]api.Company, error)

	// ListRoles returns the taxonomy roles for a company.
	ListRoles(ctx context.Context, company string) ([]api.TaxonomyRole, error)
}

// Options configures the HTTP client.
type Options struct {
	// BaseURL is the downstream API root, e.g.
	// "https://processing-api.qa.skillgraph.internal". Required.
	BaseURL string

	// AuthToken is sent as a bearer token when non-empty.
	AuthToken string

	// Timeout bounds requests whose context carries no deadline.
	// Activity calls arrive deadline-bounded and ignore it. Defaults to
	// 30 seconds.
	Timeout time.Duration

	// HTTPClient overrides the default pooled client. Tests inject one.
	HTTPClient *http.Client

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

const (
	pathCreateRole  = "/create-company-role"
	pathLinkJD      = "/link-job-description"
	pathAssessment  = "/run-ai-assessment"
	pathDocuments   = "/documents"
	pathCompanies   = "/companies"
	pathRoles       = "/roles"
	defaultTimeout  = 30 * time.Second
	maxResponseSize = 4 << 20
)

type httpClient struct {
	base    *url.URL
	token   string
	timeout time.Duration
	http    *http.Client
	logger  telemetry.Logger
	metrics telemetry.Metrics
}

// New returns a Client backed by the downstream HTTP API.
func New(opts Options) (Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("downstream: BaseURL is required")
	}
	base, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("downstream: parse base URL: %w", err)
	}
	c := &httpClient{
		base:    base,
		token:   opts.AuthToken,
		timeout: opts.Timeout,
		http:    opts.HTTPClient,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.http == nil {
		c.http = defaultHTTPClient()
	}
	if c.logger == nil {
		c.logger = telemetry.NewNoopLogger()
	}
	if c.metrics == nil {
		c.metrics = telemetry.NewNoopMetrics()
	}
	return c, nil
}

// defaultHTTPClient builds the pooled transport. No client-level timeout:
// per-request contexts own cancellation so the half-hour assessment call
// and the sub-second catalog reads share one pool.
func defaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

func (c *httpClient) CreateCompanyRole(ctx context.Context, req CreateCompanyRoleRequest) (*CreateCompanyRoleResponse, error) {
	var out CreateCompanyRoleResponse
	if err := c.post(ctx, "create_company_role", pathCreateRole, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) LinkJobDescription(ctx context.Context, req LinkJobDescriptionRequest) (*LinkJobDescriptionResponse, error) {
	if req.JDContent != "" {
		req.JDURI = ""
	}
	var out LinkJobDescriptionResponse
	if err := c.post(ctx, "link_job_description", pathLinkJD, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) RunAIAssessment(ctx context.Context, req AssessmentRequest) (*AssessmentResponse, error) {
	var out AssessmentResponse
	if err := c.post(ctx, "run_ai_assessment", pathAssessment, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) ListDocuments(ctx context.Context, req ListDocumentsRequest) (*DocumentList, error) {
	q := url.Values{}
	for _, role := range req.Roles {
		q.Add("roles", role)
	}
	page := req.Page
	if page < 1 {
		page = 1
	}
	q.Set("page", strconv.Itoa(page))
	var out DocumentList
	if err := c.get(ctx, "list_documents", pathDocuments, q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) ListCompanies(ctx context.Context) ([]api.Company, error) {
	var out struct {
		Companies []api.Company `json:"companies"`
	}
	if err := c.get(ctx, "list_companies", pathCompanies, nil, &out); err != nil {
		return nil, err
	}
	return out.Companies, nil
}

func (c *httpClient) ListRoles(ctx context.Context, company string) ([]api.TaxonomyRole, error) {
	if company == "" {
		return nil, &PermanentError{Operation: "list_roles", Status: http.StatusBadRequest, Message: "company is required"}
	}
	var out struct {
		Roles []api.TaxonomyRole `json:"roles"`
	}
	path := pathRoles + "/" + url.PathEscape(company)
	if err := c.get(ctx, "list_roles", path, nil, &out); err != nil {
		return nil, err
	}
	return out.Roles, nil
}

// Name implements health.Pinger.
func (c *httpClient) Name() string { return "downstream-api" }

// Ping implements health.Pinger with a catalog read.
func (c *httpClient) Ping(ctx context.Context) error {
	var out struct {
		Companies []api.Company `json:"companies"`
	}
	return c.get(ctx, "ping", pathCompanies, nil, &out)
}

func (c *httpClient) post(ctx context.Context, op, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return &PermanentError{Operation: op, Message: fmt.Sprintf("encode request: %v", err)}
	}
	return c.do(ctx, op, http.MethodPost, path, nil, body, out)
}

func (c *httpClient) get(ctx context.Context, op, path string, query url.Values, out any) error {
	return c.do(ctx, op, http.MethodGet, path, query, nil, out)
}

func (c *httpClient) do(ctx context.Context, op, method, path string, query url.Values, body []byte, out any) error {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return &PermanentError{Operation: op, Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe(ctx, op, 0, "transport_error", start)
		return &TransientError{Operation: op, Message: err.Error(), Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		c.observe(ctx, op, resp.StatusCode, "read_error", start)
		return &TransientError{Operation: op, Status: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err), Cause: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				c.observe(ctx, op, resp.StatusCode, "decode_error", start)
				return &TransientError{Operation: op, Status: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err), Cause: err}
			}
		}
		c.observe(ctx, op, resp.StatusCode, "ok", start)
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		c.observe(ctx, op, resp.StatusCode, "client_error", start)
		return &PermanentError{
			Operation:   op,
			Status:      resp.StatusCode,
			Message:     errorMessage(data),
			AuthFailure: resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden,
		}
	default:
		c.observe(ctx, op, resp.StatusCode, "server_error", start)
		return &TransientError{Operation: op, Status: resp.StatusCode, Message: errorMessage(data)}
	}
}

// callContext applies the configured timeout only when the caller did not
// bring a deadline of its own.
func (c *httpClient) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return ctx, func() {}
}

func (c *httpClient) observe(ctx context.Context, op string, status int, outcome string, start time.Time) {
	elapsed := time.Since(start)
	c.metrics.IncCounter(telemetry.MetricDownstreamCalls, 1, "operation", op, "outcome", outcome)
	c.logger.Debug(ctx, "downstream request",
		"operation", op,
		"status", status,
		"outcome", outcome,
		"duration_ms", elapsed.Milliseconds(),
	)
}

// errorMessage extracts a human-readable message from a downstream error
// body. The service answers either {"message": ...} or {"error": ...};
// anything else is returned raw, truncated.
func errorMessage(data []byte) string {
	if len(data) == 0 {
		return "no response body"
	}
	var decoded struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(data, &decoded); err == nil {
		switch {
		case decoded.Message != "":
			return decoded.Message
		case decoded.Error != "":
			return decoded.Error
		case decoded.Detail != "":
			return decoded.Detail
		}
	}
	const maxLen = 256
	s := string(data)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}
