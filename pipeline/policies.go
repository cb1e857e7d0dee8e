// Package pipeline implements the role onboarding pipeline: the workflow
// definition, its activities, the state machine, input validation, and
// the service the HTTP control surface calls. The pipeline runs on any
// engine.Engine; Temporal in deployed environments, inline in
// development and tests.
package pipeline

import (
	"time"

	"github.com/skillgraph/rolepipe/engine"
)

// WorkflowName is the registered workflow type.
const WorkflowName = "role_onboarding"

// DefaultTaskQueue is the task queue workers poll and starts target
// unless configured otherwise.
const DefaultTaskQueue = "role-onboarding"

// Activity registration names.
const (
	ActivityCreateRole    = "create_company_role"
	ActivityLinkJD        = "link_job_description"
	ActivityAssessment    = "run_ai_assessment"
	ActivityPublishStatus = "publish_status"
)

// RunTimeout bounds one workflow execution end to end, retries and
// backoff included.
const RunTimeout = 2 * time.Hour

// EstimatedDurationSeconds is the nominal happy-path duration reported
// to push callers. The assessment dominates it.
const EstimatedDurationSeconds = 600

// HeartbeatInterval is how often the assessment activity reports
// liveness while awaiting the downstream response. Half the policy's
// heartbeat timeout, so one missed beat does not kill the attempt.
const HeartbeatInterval = 30 * time.Second

// nonRetryableErrors lists the error type names no retry can fix:
// downstream 4xx rejections and activity input validation.
var nonRetryableErrors = []string{"PermanentError", "ValidationError"}

// Activity execution policies. Registration stamps the task queue in;
// everything else is fixed here and pinned by tests.
var (
	// CreateRolePolicy covers the fast role-creation call.
	CreateRolePolicy = engine.ActivityOptions{
		Timeout: 5 * time.Minute,
		RetryPolicy: &engine.RetryPolicy{
			MaxAttempts:        3,
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			NonRetryableTypes:  nonRetryableErrors,
		},
	}

	// LinkJobDescriptionPolicy covers the JD-link call, which may fetch
	// and extract a remote document.
	LinkJobDescriptionPolicy = engine.ActivityOptions{
		Timeout: 5 * time.Minute,
		RetryPolicy: &engine.RetryPolicy{
			MaxAttempts:        3,
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			NonRetryableTypes:  nonRetryableErrors,
		},
	}

	// AssessmentPolicy covers the long AI assessment. Heartbeats keep the
	// attempt alive; a worker crash is detected within a minute.
	AssessmentPolicy = engine.ActivityOptions{
		Timeout:          30 * time.Minute,
		HeartbeatTimeout: time.Minute,
		RetryPolicy: &engine.RetryPolicy{
			MaxAttempts:        5,
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    10 * time.Minute,
			NonRetryableTypes:  nonRetryableErrors,
		},
	}

	// StatusPolicy covers best-effort status publishes. Short and cheap:
	// the engine's history backs up the store.
	StatusPolicy = engine.ActivityOptions{
		Timeout: 30 * time.Second,
		RetryPolicy: &engine.RetryPolicy{
			MaxAttempts:        2,
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    5 * time.Second,
		},
	}
)
