package downstream

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/skillgraph/rolepipe/api"
)

// limitedClient applies a process-local token bucket in front of every
// downstream call. Batch pushes fan document listings and role creations
// out quickly; the limiter keeps that burst inside the downstream API's
// published budget. Waiting respects the caller's context, so a workflow
// activity deadline still wins over a saturated bucket.
type limitedClient struct {
	next    Client
	limiter *rate.Limiter
}

// RateLimited wraps next with a client-side rate limiter. rps is the
// sustained request rate; burst is the bucket size (values < 1 become 1).
// A non-positive rps returns next unchanged.
func RateLimited(next Client, rps float64, burst int) Client {
	if rps <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &limitedClient{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (c *limitedClient) wait(ctx context.Context, op string) error {
	if err := c.limiter.WaitN(ctx, 1); err != nil {
		return &TransientError{Operation: op, Message: "rate limiter: " + err.Error(), Cause: err}
	}
	return nil
}

func (c *limitedClient) CreateCompanyRole(ctx context.Context, req CreateCompanyRoleRequest) (*CreateCompanyRoleResponse, error) {
	if err := c.wait(ctx, "create_company_role"); err != nil {
		return nil, err
	}
	return c.next.CreateCompanyRole(ctx, req)
}

func (c *limitedClient) LinkJobDescription(ctx context.Context, req LinkJobDescriptionRequest) (*LinkJobDescriptionResponse, error) {
	if err := c.wait(ctx, "link_job_description"); err != nil {
		return nil, err
	}
	return c.next.LinkJobDescription(ctx, req)
}

func (c *limitedClient) RunAIAssessment(ctx context.Context, req AssessmentRequest) (*AssessmentResponse, error) {
	if err := c.wait(ctx, "run_ai_assessment"); err != nil {
		return nil, err
	}
	return c.next.RunAIAssessment(ctx, req)
}

func (c *limitedClient) ListDocuments(ctx context.Context, req ListDocumentsRequest) (*DocumentList, error) {
	if err := c.wait(ctx, "list_documents"); err != nil {
		return nil, err
	}
	return c.next.ListDocuments(ctx, req)
}

func (c *limitedClient) ListCompanies(ctx context.Context) ([]api.Company, error) {
	if err := c.wait(ctx, "list_companies"); err != nil {
		return nil, err
	}
	return c.next.ListCompanies(ctx)
}

func (c *limitedClient) ListRoles(ctx context.Context, company string) ([]api.TaxonomyRole, error) {
	if err := c.wait(ctx, "list_roles"); err != nil {
		return nil, err
	}
	return c.next.ListRoles(ctx, company)
}

func (c *limitedClient) Name() string { return c.next.Name() }

// Ping bypasses the limiter: health checks must not queue behind a
// saturated bucket.
func (c *limitedClient) Ping(ctx context.Context) error { return c.next.Ping(ctx) }
