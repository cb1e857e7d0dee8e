package downstream

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/skillgraph/rolepipe/api"
)

// breakerClient stops hammering the downstream API once it is clearly
// down. Only transient failures count toward tripping: a 4xx means the
// service is up and rejecting one input, which says nothing about the
// next call.
type breakerClient struct {
	next Client
	cb   *gobreaker.CircuitBreaker
}

// WithBreaker wraps next with a circuit breaker that opens after
// threshold consecutive transient failures and probes again after 30
// seconds. A non-positive threshold returns next unchanged. Open-breaker
// rejections surface as *TransientError so activity retry policies treat
// them like any other outage.
func WithBreaker(next Client, threshold int) Client {
	if threshold <= 0 {
		return next
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "downstream-api",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var perm *PermanentError
			return errors.As(err, &perm)
		},
	})
	return &breakerClient{next: next, cb: cb}
}

// execute runs fn through the breaker and normalizes breaker rejections.
func (c *breakerClient) execute(op string, fn func() (any, error)) (any, error) {
	out, err := c.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &TransientError{Operation: op, Message: "circuit breaker open", Cause: err}
		}
		return nil, err
	}
	return out, nil
}

func (c *breakerClient) CreateCompanyRole(ctx context.Context, req CreateCompanyRoleRequest) (*CreateCompanyRoleResponse, error) {
	out, err := c.execute("create_company_role", func() (any, error) {
		return c.next.CreateCompanyRole(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return out.(*CreateCompanyRoleResponse), nil
}

func (c *breakerClient) LinkJobDescription(ctx context.Context, req LinkJobDescriptionRequest) (*LinkJobDescriptionResponse, error) {
	out, err := c.execute("link_job_description", func() (any, error) {
		return c.next.LinkJobDescription(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return out.(*LinkJobDescriptionResponse), nil
}

func (c *breakerClient) RunAIAssessment(ctx context.Context, req AssessmentRequest) (*AssessmentResponse, error) {
	out, err := c.execute("run_ai_assessment", func() (any, error) {
		return c.next.RunAIAssessment(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return out.(*AssessmentResponse), nil
}

func (c *breakerClient) ListDocuments(ctx context.Context, req ListDocumentsRequest) (*DocumentList, error) {
	out, err := c.execute("list_documents", func() (any, error) {
		return c.next.ListDocuments(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return out.(*DocumentList), nil
}

func (c *breakerClient) ListCompanies(ctx context.Context) ([]api.Company, error) {
	out, err := c.execute("list_companies", func() (any, error) {
		return c.next.ListCompanies(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out.([]api.Company), nil
}

func (c *breakerClient) ListRoles(ctx context.Context, company string) ([]api.TaxonomyRole, error) {
	out, err := c.execute("list_roles", func() (any, error) {
		return c.next.ListRoles(ctx, company)
	})
	if err != nil {
		return nil, err
	}
	return out.([]api.TaxonomyRole), nil
}

func (c *breakerClient) Name() string { return c.next.Name() }

// Ping bypasses the breaker so health checks observe the real service
// state while the breaker is open.
func (c *breakerClient) Ping(ctx context.Context) error { return c.next.Ping(ctx) }
