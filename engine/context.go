package engine

import "context"

// heartbeatKey stashes the adapter's heartbeat recorder in activity
// contexts.
type heartbeatKey struct{}

// attemptKey stashes the current attempt number in activity contexts.
type attemptKey struct{}

// HeartbeatFunc records liveness for a long-running activity attempt.
type HeartbeatFunc func(ctx context.Context, details ...any)

// WithHeartbeat returns a child context carrying the adapter's heartbeat
// recorder. Engine adapters attach it when invoking activity handlers.
func WithHeartbeat(ctx context.Context, fn HeartbeatFunc) context.Context {
	return context.WithValue(ctx, heartbeatKey{}, fn)
}

// RecordHeartbeat reports activity liveness to the engine. It is a no-op
// when the context carries no recorder, which is the case under the
// inline engine and in plain unit tests.
func RecordHeartbeat(ctx context.Context, details ...any) {
	if fn, ok := ctx.Value(heartbeatKey{}).(HeartbeatFunc); ok && fn != nil {
		fn(ctx, details...)
	}
}

// WithAttempt returns a child context carrying the current attempt number.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey{}, attempt)
}

// Attempt returns the 1-based attempt number of the current activity
// invocation. Contexts without attempt information report 1.
func Attempt(ctx context.Context) int {
	if n, ok := ctx.Value(attemptKey{}).(int); ok && n > 0 {
		return n
	}
	return 1
}
