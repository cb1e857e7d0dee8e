package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skillgraph/rolepipe/engine"
)

func TestRecordHeartbeatNoRecorder(_ *testing.T) {
	// Must be a silent no-op without a recorder in the context.
	engine.RecordHeartbeat(context.Background(), "details")
}

func TestRecordHeartbeatDelegates(t *testing.T) {
	var got []any
	ctx := engine.WithHeartbeat(context.Background(), func(_ context.Context, details ...any) {
		got = details
	})

	engine.RecordHeartbeat(ctx, "phase", 2)
	require.Equal(t, []any{"phase", 2}, got)
}

func TestAttemptDefaultsToOne(t *testing.T) {
	require.Equal(t, 1, engine.Attempt(context.Background()))
}

func TestAttemptFromContext(t *testing.T) {
	ctx := engine.WithAttempt(context.Background(), 3)
	require.Equal(t, 3, engine.Attempt(ctx))
}

func TestActivityErrorUnwrap(t *testing.T) {
	ae := &engine.ActivityError{Activity: "create_company_role", Type: "PermanentError", Message: "bad request", NonRetryable: true}
	wrapped := errors.Join(errors.New("step failed"), ae)

	got, ok := engine.AsActivityError(wrapped)
	require.True(t, ok)
	require.True(t, got.NonRetryable)
	require.Equal(t, "PermanentError", got.Type)
}

func TestRunStatusTerminal(t *testing.T) {
	for _, s := range []engine.RunStatus{
		engine.RunStatusCompleted,
		engine.RunStatusFailed,
		engine.RunStatusCanceled,
		engine.RunStatusTimedOut,
	} {
		require.True(t, s.Terminal(), "status %s", s)
	}
	require.False(t, engine.RunStatusQueued.Terminal())
	require.False(t, engine.RunStatusRunning.Terminal())
}
