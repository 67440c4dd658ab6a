// Package broker implements the task broker the orchestrator depends
// on: a build queue plus a per-worker active-task inventory, both over
// Redis. The inventory is what the stuck-build reaper reconciles
// database state against.
package broker

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	buildQueueKey    = "condastore:queue:builds"
	workerTasksKey   = "condastore:worker:%s:tasks"
	workerKeyPattern = "condastore:worker:*:tasks"

	// Inventory entries expire unless the owning worker heartbeats, so
	// a crashed worker's tasks disappear from the inventory and the
	// reaper can fail its builds.
	taskInventoryTTL = 60 * time.Second
)

var taskNameRegex = regexp.MustCompile(`^build-(\d+)-(.*)$`)

// TaskName builds the canonical task identifier for one stage of a
// build.
func TaskName(buildID int64, stage string) string {
	return fmt.Sprintf("build-%d-%s", buildID, stage)
}

// ParseTaskName extracts the build id and stage from a task
// identifier; ok is false for names outside the build-task grammar.
func ParseTaskName(name string) (buildID int64, stage string, ok bool) {
	match := taskNameRegex.FindStringSubmatch(name)
	if match == nil {
		return 0, "", false
	}
	id, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return id, match[2], true
}

// Broker is the Redis-backed queue and inventory handle.
type Broker struct {
	client *redis.Client
	logger *zap.Logger
}

func New(client *redis.Client, logger *zap.Logger) *Broker {
	return &Broker{client: client, logger: logger}
}

// Enqueue pushes a build id onto the build queue.
func (b *Broker) Enqueue(ctx context.Context, buildID int64) error {
	if err := b.client.LPush(ctx, buildQueueKey, buildID).Err(); err != nil {
		return fmt.Errorf("failed to enqueue build %d: %w", buildID, err)
	}
	b.logger.Debug("build enqueued", zap.Int64("build_id", buildID))
	return nil
}

// Dequeue blocks up to timeout for the next queued build id. Returns
// ok=false when the queue stayed empty for the whole window.
func (b *Broker) Dequeue(ctx context.Context, timeout time.Duration) (buildID int64, ok bool, err error) {
	res, err := b.client.BRPop(ctx, timeout, buildQueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to dequeue build: %w", err)
	}
	id, err := strconv.ParseInt(res[1], 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("malformed build id on queue: %w", err)
	}
	return id, true, nil
}

func workerKey(worker string) string {
	return fmt.Sprintf(workerTasksKey, worker)
}

// RegisterTask records a task as actively running on worker. The
// worker must keep heartbeating (or re-registering) or the entry
// expires with the inventory key.
func (b *Broker) RegisterTask(ctx context.Context, worker, taskID string) error {
	key := workerKey(worker)
	pipe := b.client.TxPipeline()
	pipe.SAdd(ctx, key, taskID)
	pipe.Expire(ctx, key, taskInventoryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register task %s: %w", taskID, err)
	}
	return nil
}

// UnregisterTask drops a task from worker's inventory once it
// finishes, on every exit path.
func (b *Broker) UnregisterTask(ctx context.Context, worker, taskID string) error {
	if err := b.client.SRem(ctx, workerKey(worker), taskID).Err(); err != nil {
		return fmt.Errorf("failed to unregister task %s: %w", taskID, err)
	}
	return nil
}

// Heartbeat extends the inventory TTL for worker's task set.
func (b *Broker) Heartbeat(ctx context.Context, worker string) error {
	if err := b.client.Expire(ctx, workerKey(worker), taskInventoryTTL).Err(); err != nil {
		return fmt.Errorf("failed to heartbeat worker %s: %w", worker, err)
	}
	return nil
}

// ActiveTasks returns the live task inventory, keyed by each worker's
// Redis inventory key (condastore:worker:<name>:tasks).
func (b *Broker) ActiveTasks(ctx context.Context) (map[string][]string, error) {
	out := map[string][]string{}
	var cursor uint64
	for {
		keys, next, err := b.client.Scan(ctx, cursor, workerKeyPattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to enumerate worker inventories: %w", err)
		}
		for _, key := range keys {
			tasks, err := b.client.SMembers(ctx, key).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to read worker inventory %s: %w", key, err)
			}
			out[key] = tasks
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// ActiveBuildIDs flattens the inventory into the set of build ids that
// have at least one live task, mapping each to its active stage names.
func (b *Broker) ActiveBuildIDs(ctx context.Context) (map[int64][]string, error) {
	inventory, err := b.ActiveTasks(ctx)
	if err != nil {
		return nil, err
	}
	out := map[int64][]string{}
	for _, tasks := range inventory {
		for _, task := range tasks {
			if id, stage, ok := ParseTaskName(task); ok {
				out[id] = append(out[id], stage)
			}
		}
	}
	return out, nil
}
