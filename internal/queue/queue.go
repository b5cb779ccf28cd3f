// Package queue is the Redis-backed task transport between the import
// pipeline and the traffic processor. Import tasks are consumed from a
// list; traffic tasks are fanned out with an idempotency marker so
// duplicate creation is detectable.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrTaskExists is returned when an identical traffic task was already
// created. Callers treat it as success.
var ErrTaskExists = errors.New("queue: task already exists")

const (
	importQueueKey  = "cloudledger:import_tasks"
	trafficQueueKey = "cloudledger:traffic_tasks"
	trafficDedupKey = "cloudledger:traffic_dedup:"

	// trafficDedupTTL bounds how long a duplicate task creation is
	// suppressed. Re-imports past this window legitimately reprocess the
	// same range; the processor is idempotent either way.
	trafficDedupTTL = 24 * time.Hour
)

// ImportTask asks the worker to run one account import.
type ImportTask struct {
	ID             string `json:"id"`
	CloudAccountID string `json:"cloud_account_id"`
	Recalculate    bool   `json:"recalculate,omitempty"`
}

// Validate fails fast on contract violations before any side effect.
func (t ImportTask) Validate() error {
	if t.CloudAccountID == "" {
		return errors.New("queue: import task cloud_account_id is required")
	}
	return nil
}

// TrafficTask asks the traffic processor to reconcile one date range.
type TrafficTask struct {
	ID             string    `json:"id"`
	CloudAccountID string    `json:"cloud_account_id"`
	StartDate      time.Time `json:"start_date"`
	EndDate        time.Time `json:"end_date"`
}

// Validate fails fast on contract violations before any side effect.
func (t TrafficTask) Validate() error {
	if t.CloudAccountID == "" {
		return errors.New("queue: traffic task cloud_account_id is required")
	}
	if t.StartDate.IsZero() || t.EndDate.IsZero() {
		return errors.New("queue: traffic task date range is required")
	}
	return nil
}

// Queue wraps the redis client with the task operations the worker needs.
type Queue struct {
	rdb *redis.Client
}

// New creates a Queue over an existing redis client.
func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// EnqueueImport publishes an import task.
func (q *Queue) EnqueueImport(ctx context.Context, task ImportTask) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("queue: marshal import task: %w", err)
	}
	if err := q.rdb.LPush(ctx, importQueueKey, payload).Err(); err != nil {
		return fmt.Errorf("queue: enqueue import task: %w", err)
	}
	return nil
}

// DequeueImport blocks up to timeout for the next import task. It returns
// ok=false when the wait times out.
func (q *Queue) DequeueImport(ctx context.Context, timeout time.Duration) (ImportTask, bool, error) {
	var task ImportTask
	res, err := q.rdb.BRPop(ctx, timeout, importQueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return task, false, nil
	}
	if err != nil {
		return task, false, fmt.Errorf("queue: dequeue import task: %w", err)
	}
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return task, false, fmt.Errorf("queue: decode import task: %w", err)
	}
	if err := task.Validate(); err != nil {
		return task, false, err
	}
	return task, true, nil
}

// CreateTrafficTask publishes one traffic processing task for the given
// account and date range. Creating the same range twice within the dedup
// window returns ErrTaskExists.
func (q *Queue) CreateTrafficTask(ctx context.Context, cloudAccountID string, start, end time.Time) error {
	task := TrafficTask{
		ID:             uuid.NewString(),
		CloudAccountID: cloudAccountID,
		StartDate:      start,
		EndDate:        end,
	}
	if err := task.Validate(); err != nil {
		return err
	}
	marker := fmt.Sprintf("%s%s:%d:%d", trafficDedupKey, cloudAccountID, start.Unix(), end.Unix())
	created, err := q.rdb.SetNX(ctx, marker, task.ID, trafficDedupTTL).Result()
	if err != nil {
		return fmt.Errorf("queue: traffic task dedup: %w", err)
	}
	if !created {
		return ErrTaskExists
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("queue: marshal traffic task: %w", err)
	}
	if err := q.rdb.LPush(ctx, trafficQueueKey, payload).Err(); err != nil {
		return fmt.Errorf("queue: enqueue traffic task: %w", err)
	}
	return nil
}

// DequeueTraffic blocks up to timeout for the next traffic task. It
// returns ok=false when the wait times out.
func (q *Queue) DequeueTraffic(ctx context.Context, timeout time.Duration) (TrafficTask, bool, error) {
	var task TrafficTask
	res, err := q.rdb.BRPop(ctx, timeout, trafficQueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return task, false, nil
	}
	if err != nil {
		return task, false, fmt.Errorf("queue: dequeue traffic task: %w", err)
	}
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return task, false, fmt.Errorf("queue: decode traffic task: %w", err)
	}
	if err := task.Validate(); err != nil {
		return task, false, err
	}
	return task, true, nil
}

// Ping checks redis connectivity for health reporting.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}
