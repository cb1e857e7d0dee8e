// Package status hosts the Redis-backed status store. It keeps the
// mutable per-workflow status records and the immutable batch records the
// control surface reads. Records expire after the configured TTL; the
// engine's own history stays the durable source of truth, so an expired
// record degrades status detail without losing the run.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"

	"github.com/skillgraph/rolepipe/api"
)

const (
	statusKeyPrefix = "workflow:status:"
	batchKeyPrefix  = "batch:"

	defaultTTL       = 24 * time.Hour
	defaultOpTimeout = 5 * time.Second
	storeName        = "status-redis"
)

// ErrNotFound is returned when no record exists for a key, either because
// it was never written or because its TTL expired.
var ErrNotFound = errors.New("status: record not found")

// Store exposes the status and batch records kept in Redis. Writes apply
// the store TTL; reads of missing or expired keys return ErrNotFound.
// Callers own the failure policy: the status-publish activity treats
// write errors as best-effort while HTTP reads fall back to the engine.
type Store interface {
	health.Pinger

	// SaveWorkflowStatus writes the status record, refreshing its TTL.
	SaveWorkflowStatus(ctx context.Context, status *api.WorkflowStatus) error

	// LoadWorkflowStatus reads one status record.
	LoadWorkflowStatus(ctx context.Context, workflowID string) (*api.WorkflowStatus, error)

	// LoadWorkflowStatuses reads many status records in one MGET round
	// trip. Missing records are absent from the result, not an error.
	LoadWorkflowStatuses(ctx context.Context, workflowIDs []string) (map[string]*api.WorkflowStatus, error)

	// DeleteWorkflowStatus removes a status record. Deleting a missing
	// record is not an error.
	DeleteWorkflowStatus(ctx context.Context, workflowID string) error

	// SaveBatch writes a batch record with the store TTL. Batch records
	// are written once and never mutated.
	SaveBatch(ctx context.Context, record *api.BatchRecord) error

	// LoadBatch reads one batch record.
	LoadBatch(ctx context.Context, batchID string) (*api.BatchRecord, error)
}

// Options configures the Redis store.
type Options struct {
	// Client is the Redis client. Required.
	Client *redis.Client

	// TTL is applied to every write. Defaults to 24 hours.
	TTL time.Duration

	// Timeout bounds each store operation. Defaults to 5 seconds.
	Timeout time.Duration
}

type store struct {
	rdb     *redis.Client
	ttl     time.Duration
	timeout time.Duration
}

// New returns a Store backed by Redis.
func New(opts Options) (Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &store{rdb: opts.Client, ttl: ttl, timeout: timeout}, nil
}

func statusKey(workflowID string) string {
	return statusKeyPrefix + workflowID
}

func batchKey(batchID string) string {
	return batchKeyPrefix + batchID
}

func (s *store) Name() string {
	return storeName
}

func (s *store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.rdb.Ping(ctx).Err()
}

func (s *store) SaveWorkflowStatus(ctx context.Context, status *api.WorkflowStatus) error {
	if status == nil {
		return errors.New("status is required")
	}
	if status.WorkflowID == "" {
		return errors.New("workflow id is required")
	}
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode status %s: %w", status.WorkflowID, err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.Set(ctx, statusKey(status.WorkflowID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("save status %s: %w", status.WorkflowID, err)
	}
	return nil
}

func (s *store) LoadWorkflowStatus(ctx context.Context, workflowID string) (*api.WorkflowStatus, error) {
	if workflowID == "" {
		return nil, errors.New("workflow id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	payload, err := s.rdb.Get(ctx, statusKey(workflowID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load status %s: %w", workflowID, err)
	}
	var status api.WorkflowStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return nil, fmt.Errorf("decode status %s: %w", workflowID, err)
	}
	return &status, nil
}

func (s *store) LoadWorkflowStatuses(ctx context.Context, workflowIDs []string) (map[string]*api.WorkflowStatus, error) {
	out := make(map[string]*api.WorkflowStatus, len(workflowIDs))
	if len(workflowIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(workflowIDs))
	for i, id := range workflowIDs {
		if id == "" {
			return nil, errors.New("workflow id is required")
		}
		keys[i] = statusKey(id)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load statuses: %w", err)
	}
	for i, val := range values {
		if val == nil {
			continue // expired or never written
		}
		text, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("decode status %s: unexpected value type %T", workflowIDs[i], val)
		}
		var status api.WorkflowStatus
		if err := json.Unmarshal([]byte(text), &status); err != nil {
			return nil, fmt.Errorf("decode status %s: %w", workflowIDs[i], err)
		}
		out[workflowIDs[i]] = &status
	}
	return out, nil
}

func (s *store) DeleteWorkflowStatus(ctx context.Context, workflowID string) error {
	if workflowID == "" {
		return errors.New("workflow id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.Del(ctx, statusKey(workflowID)).Err(); err != nil {
		return fmt.Errorf("delete status %s: %w", workflowID, err)
	}
	return nil
}

func (s *store) SaveBatch(ctx context.Context, record *api.BatchRecord) error {
	if record == nil {
		return errors.New("batch record is required")
	}
	if record.BatchID == "" {
		return errors.New("batch id is required")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode batch %s: %w", record.BatchID, err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.Set(ctx, batchKey(record.BatchID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("save batch %s: %w", record.BatchID, err)
	}
	return nil
}

func (s *store) LoadBatch(ctx context.Context, batchID string) (*api.BatchRecord, error) {
	if batchID == "" {
		return nil, errors.New("batch id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	payload, err := s.rdb.Get(ctx, batchKey(batchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load batch %s: %w", batchID, err)
	}
	var record api.BatchRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("decode batch %s: %w", batchID, err)
	}
	return &record, nil
}

func (s *store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}
