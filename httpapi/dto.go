package httpapi

import (
	"github.com/skillgraph/rolepipe/api"
	"github.com/skillgraph/rolepipe/pipeline"
)

// PushRequest is the body of POST /api/v1/pipeline/push. It mirrors
// api.RoleOnboardingInput minus the server-assigned fields, with
// tri-state option flags so an absent flag falls back to its default.
type PushRequest struct {
	CompanyID     string            `json:"company_id"`
	RoleName      string            `json:"role_name"`
	Documents     []api.DocumentRef `json:"documents,omitempty"`
	DraupRoleID   string            `json:"draup_role_id,omitempty"`
	DraupRoleName string            `json:"draup_role_name,omitempty"`
	Taxonomy      *api.TaxonomyRole `json:"taxonomy,omitempty"`
	Options       *OptionsPayload   `json:"options,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	TraceID       string            `json:"trace_id,omitempty"`
}

// OptionsPayload is the wire form of api.Options. Pointer fields
// distinguish absent from false so each flag defaults independently.
type OptionsPayload struct {
	SkipEnhancementWorkflows *bool `json:"skip_enhancement_workflows,omitempty"`
	ForceRerun               *bool `json:"force_rerun,omitempty"`
	NotifyOnComplete         *bool `json:"notify_on_complete,omitempty"`
}

// BatchPushRequest is the body of POST /api/v1/pipeline/push-batch. Batch
// options apply to every role unless the role sets the flag itself, and
// roles without a company_id inherit the batch one.
type BatchPushRequest struct {
	CompanyID string          `json:"company_id"`
	Roles     []PushRequest   `json:"roles"`
	Options   *OptionsPayload `json:"options,omitempty"`
	CreatedBy string          `json:"created_by,omitempty"`
}

// RetryRequest is the optional body of POST /api/v1/pipeline/retry-failed.
// An empty body, or an empty list, retries every failed member.
type RetryRequest struct {
	WorkflowIDs []string `json:"workflow_ids,omitempty"`
}

// input converts the request into a workflow input. Options resolve from
// the pipeline defaults, then batch-level flags, then role-level flags.
func (r *PushRequest) input(batch *OptionsPayload, traceID string) *api.RoleOnboardingInput {
	opts := api.DefaultOptions()
	applyOptions(&opts, batch)
	applyOptions(&opts, r.Options)
	if r.TraceID != "" {
		traceID = r.TraceID
	}
	var docs []api.DocumentRef
	if len(r.Documents) > 0 {
		docs = make([]api.DocumentRef, len(r.Documents))
		for i, d := range r.Documents {
			if d.Type == "" {
				d.Type = api.DocumentJobDescription
			}
			docs[i] = d
		}
	}
	return &api.RoleOnboardingInput{
		CompanyID:     r.CompanyID,
		RoleName:      r.RoleName,
		Documents:     docs,
		DraupRoleID:   r.DraupRoleID,
		DraupRoleName: r.DraupRoleName,
		Taxonomy:      r.Taxonomy,
		Options:       opts,
		Context: api.ExecutionContext{
			CompanyID: r.CompanyID,
			UserID:    r.UserID,
			TraceID:   traceID,
		},
	}
}

func applyOptions(dst *api.Options, src *OptionsPayload) {
	if src == nil {
		return
	}
	if src.SkipEnhancementWorkflows != nil {
		dst.SkipEnhancementWorkflows = *src.SkipEnhancementWorkflows
	}
	if src.ForceRerun != nil {
		dst.ForceRerun = *src.ForceRerun
	}
	if src.NotifyOnComplete != nil {
		dst.NotifyOnComplete = *src.NotifyOnComplete
	}
}

// batch converts the request into a service batch request. traceID seeds
// every role that does not carry its own.
func (r *BatchPushRequest) batch(traceID string) pipeline.BatchRequest {
	roles := make([]*api.RoleOnboardingInput, len(r.Roles))
	for i := range r.Roles {
		roles[i] = r.Roles[i].input(r.Options, traceID)
	}
	return pipeline.BatchRequest{
		CompanyID: r.CompanyID,
		Roles:     roles,
		CreatedBy: r.CreatedBy,
	}
}
