package pipeline

import (
	"net/url"
	"strings"

	"github.com/skillgraph/rolepipe/api"
)

// ResolvedWorkflow pairs a batch member with its current status. Status
// is nil when the workflow is unknown to both the store and the engine,
// which happens once both the record TTL and engine retention expire.
type ResolvedWorkflow struct {
	WorkflowID string
	Status     *api.WorkflowStatus
}

// Batch members bucket by workflow state for roll-up counting.
type bucket int

const (
	bucketQueued bucket = iota
	bucketInProgress
	bucketCompleted
	bucketFailed
)

// bucketOf maps a workflow state to its batch bucket. Degraded runs
// produced a usable role, so they count as completed; stale and
// validation_error runs need operator action, so they count as failed.
func bucketOf(state api.WorkflowState) bucket {
	switch state {
	case api.StateQueued:
		return bucketQueued
	case api.StateProcessing:
		return bucketInProgress
	case api.StateReady, api.StateDegraded:
		return bucketCompleted
	default:
		return bucketFailed
	}
}

// AggregateBatch computes a batch roll-up from its members' statuses.
// The result is never stored; every read recomputes it. Member order
// follows the batch record. dashboardBase, when non-empty, is used to
// build per-role dashboard links for completed roles.
func AggregateBatch(record *api.BatchRecord, resolved []ResolvedWorkflow, dashboardBase string) *api.BatchStatus {
	out := &api.BatchStatus{
		BatchID:   record.BatchID,
		CompanyID: record.CompanyID,
		Total:     len(resolved),
		Roles:     make([]api.BatchRoleStatus, 0, len(resolved)),
		CreatedAt: record.CreatedAt,
		CreatedBy: record.CreatedBy,
	}

	for _, rw := range resolved {
		role := api.BatchRoleStatus{WorkflowID: rw.WorkflowID}
		st := rw.Status
		if st == nil {
			role.State = api.StateFailed
			role.Error = &api.Error{
				Code:        api.ErrCodeInternal,
				Message:     "workflow status unavailable: record expired and run unknown to the engine",
				Recoverable: false,
			}
		} else {
			role.RoleName = st.RoleName
			role.State = st.State
			role.RoleID = st.RoleID
			if st.Error != nil {
				e := *st.Error
				role.Error = &e
			}
		}

		switch bucketOf(role.State) {
		case bucketQueued:
			out.Queued++
		case bucketInProgress:
			out.InProgress++
		case bucketCompleted:
			out.Completed++
			role.DashboardURL = dashboardURL(dashboardBase, role.RoleID)
		case bucketFailed:
			out.Failed++
		}
		out.Roles = append(out.Roles, role)
	}

	finished := out.Completed + out.Failed
	switch {
	case out.Total == 0:
		out.State = api.BatchCompleted
	case finished == out.Total:
		out.State = api.BatchCompleted
	case out.Queued == out.Total:
		out.State = api.BatchQueued
	default:
		out.State = api.BatchInProgress
	}

	if out.Total > 0 {
		out.ProgressPercent = 100 * float64(finished) / float64(out.Total)
	}
	if finished > 0 {
		out.SuccessRate = 100 * float64(out.Completed) / float64(finished)
	}
	return out
}

func dashboardURL(base, roleID string) string {
	if base == "" || roleID == "" {
		return ""
	}
	return strings.TrimSuffix(base, "/") + "/roles/" + url.PathEscape(roleID)
}
