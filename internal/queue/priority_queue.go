// Package queue implements the Redis-backed priority queue that mirrors
// submitted URLs as scheduling hints. The queue is advisory: every operation
// degrades to a neutral result when Redis is unreachable.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"phone-scraper/internal/models"
)

// DefaultPrefix namespaces every key the queue touches
const DefaultPrefix = "olx:scraping"

// priorityWeight is the score added per priority unit, in seconds
const priorityWeight = 1000

const pingTimeout = 2 * time.Second

// dequeueScript pops the highest-score task into the in-flight set.
// Returns {id, payload} or an empty array when nothing is pending.
var dequeueScript = redis.NewScript(`
local ids = redis.call('ZREVRANGE', KEYS[1], 0, 0)
if #ids == 0 then
	return {}
end
local id = ids[1]
if redis.call('ZREM', KEYS[1], id) == 0 then
	return {}
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
local payload = redis.call('HGET', KEYS[3], id)
if not payload then
	payload = ''
end
return {id, payload}
`)

// requeueScript moves one task back to pending if it is still in flight.
var requeueScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
	return 1
end
return 0
`)

// Options configures the Redis connection
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// PriorityQueue orders tasks by now + priority*1000 and tracks in-flight work
type PriorityQueue struct {
	client *redis.Client
	logger *zap.Logger
	now    func() time.Time

	pendingKey    string
	processingKey string
	resultsKey    string
	failedKey     string
	tasksKey      string
}

// New creates a queue for the given Redis server. No connection is made
// until the first operation.
func New(opts Options, logger *zap.Logger) *PriorityQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewWithClient(client, opts.Prefix, logger)
}

// NewWithClient wraps an existing client
func NewWithClient(client *redis.Client, prefix string, logger *zap.Logger) *PriorityQueue {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PriorityQueue{
		client:        client,
		logger:        logger.Named("queue"),
		now:           time.Now,
		pendingKey:    prefix + ":queue",
		processingKey: prefix + ":processing",
		resultsKey:    prefix + ":results",
		failedKey:     prefix + ":failed",
		tasksKey:      prefix + ":tasks",
	}
}

// Close releases the underlying client
func (q *PriorityQueue) Close() error {
	return q.client.Close()
}

// IsConnected reports whether Redis answers a ping right now
func (q *PriorityQueue) IsConnected(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return q.client.Ping(ctx).Err() == nil
}

func (q *PriorityQueue) available(ctx context.Context, op string) bool {
	if q.IsConnected(ctx) {
		return true
	}
	q.logger.Warn("redis unavailable, skipping operation", zap.String("op", op))
	return false
}

// Score computes the pending-set score for a task. Sub-second precision is
// kept so arrival order holds within one second.
func Score(createdAt time.Time, priority int) float64 {
	return float64(createdAt.UnixNano())/1e9 + float64(priority*priorityWeight)
}

// Enqueue adds url with the given priority. Returns false if Redis is
// unreachable or the write fails.
func (q *PriorityQueue) Enqueue(ctx context.Context, url string, priority int) bool {
	if !q.available(ctx, "enqueue") {
		return false
	}

	task := models.QueueTask{
		ID:        uuid.New().String(),
		URL:       url,
		Priority:  priority,
		CreatedAt: q.now(),
		Status:    models.TaskPending,
	}

	payload, err := json.Marshal(task)
	if err != nil {
		q.logger.Error("failed to encode task", zap.String("url", url), zap.Error(err))
		return false
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.tasksKey, task.ID, payload)
		pipe.ZAdd(ctx, q.pendingKey, redis.Z{Score: Score(task.CreatedAt, priority), Member: task.ID})
		return nil
	})
	if err != nil {
		q.logger.Error("failed to enqueue task", zap.String("url", url), zap.Error(err))
		return false
	}

	q.logger.Debug("task enqueued",
		zap.String("task_id", task.ID),
		zap.String("url", url),
		zap.Int("priority", priority))
	return true
}

// Dequeue moves the highest-priority pending task to the in-flight set.
// Returns nil when the queue is empty or unavailable.
func (q *PriorityQueue) Dequeue(ctx context.Context) *models.QueueTask {
	if !q.available(ctx, "dequeue") {
		return nil
	}

	dequeuedAt := q.now()
	reply, err := dequeueScript.Run(ctx, q.client,
		[]string{q.pendingKey, q.processingKey, q.tasksKey},
		dequeuedAt.Unix(),
	).Slice()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			q.logger.Error("failed to dequeue task", zap.Error(err))
		}
		return nil
	}
	if len(reply) < 2 {
		return nil
	}

	id, _ := reply[0].(string)
	payload, _ := reply[1].(string)
	if payload == "" {
		q.logger.Warn("dropping in-flight task without payload", zap.String("task_id", id))
		q.client.ZRem(ctx, q.processingKey, id)
		return nil
	}

	var task models.QueueTask
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		q.logger.Error("failed to decode task", zap.String("task_id", id), zap.Error(err))
		return nil
	}
	task.Status = models.TaskProcessing
	task.DequeuedAt = &dequeuedAt

	return &task
}

// MarkComplete removes the first in-flight task for url and appends a
// result to the succeeded or failed list. The result is appended even when
// no in-flight task matches.
func (q *PriorityQueue) MarkComplete(ctx context.Context, url string, phone, errMsg *string) {
	if !q.available(ctx, "mark_complete") {
		return
	}

	ids, err := q.client.ZRange(ctx, q.processingKey, 0, -1).Result()
	if err != nil {
		q.logger.Error("failed to list in-flight tasks", zap.Error(err))
	}

	for _, id := range ids {
		task, err := q.loadTask(ctx, id)
		if err != nil || task.URL != url {
			continue
		}
		_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, q.processingKey, id)
			pipe.HDel(ctx, q.tasksKey, id)
			return nil
		})
		if err != nil {
			q.logger.Error("failed to remove in-flight task", zap.String("task_id", id), zap.Error(err))
		}
		break
	}

	result := models.TaskResult{
		URL:         url,
		Phone:       phone,
		Error:       errMsg,
		CompletedAt: q.now(),
	}
	payload, err := json.Marshal(result)
	if err != nil {
		q.logger.Error("failed to encode result", zap.String("url", url), zap.Error(err))
		return
	}

	target := q.resultsKey
	if errMsg != nil {
		target = q.failedKey
	}
	if err := q.client.LPush(ctx, target, payload).Err(); err != nil {
		q.logger.Error("failed to store result", zap.String("url", url), zap.Error(err))
	}
}

// RequeueExpired returns tasks dequeued more than olderThan ago to the
// pending set with their original score. It returns how many moved.
func (q *PriorityQueue) RequeueExpired(ctx context.Context, olderThan time.Duration) int {
	if !q.available(ctx, "requeue_expired") {
		return 0
	}

	cutoff := q.now().Add(-olderThan).Unix()
	ids, err := q.client.ZRangeByScore(ctx, q.processingKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		q.logger.Error("failed to list expired tasks", zap.Error(err))
		return 0
	}

	moved := 0
	for _, id := range ids {
		task, err := q.loadTask(ctx, id)
		if err != nil {
			q.logger.Warn("dropping expired task without payload", zap.String("task_id", id), zap.Error(err))
			q.client.ZRem(ctx, q.processingKey, id)
			continue
		}

		n, err := requeueScript.Run(ctx, q.client,
			[]string{q.processingKey, q.pendingKey},
			id, Score(task.CreatedAt, task.Priority),
		).Int()
		if err != nil {
			q.logger.Error("failed to requeue task", zap.String("task_id", id), zap.Error(err))
			continue
		}
		moved += n
	}

	if moved > 0 {
		q.logger.Info("requeued expired tasks", zap.Int("count", moved))
	}
	return moved
}

// Sizes reports the cardinality of each container
func (q *PriorityQueue) Sizes(ctx context.Context) models.QueueSizes {
	if !q.available(ctx, "sizes") {
		return models.QueueSizes{}
	}

	pipe := q.client.Pipeline()
	pending := pipe.ZCard(ctx, q.pendingKey)
	inFlight := pipe.ZCard(ctx, q.processingKey)
	succeeded := pipe.LLen(ctx, q.resultsKey)
	failed := pipe.LLen(ctx, q.failedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("failed to read queue sizes", zap.Error(err))
		return models.QueueSizes{}
	}

	return models.QueueSizes{
		Pending:   pending.Val(),
		InFlight:  inFlight.Val(),
		Succeeded: succeeded.Val(),
		Failed:    failed.Val(),
		Connected: true,
	}
}

// Reset deletes every container
func (q *PriorityQueue) Reset(ctx context.Context) {
	if !q.available(ctx, "reset") {
		return
	}

	err := q.client.Del(ctx, q.pendingKey, q.processingKey, q.resultsKey, q.failedKey, q.tasksKey).Err()
	if err != nil {
		q.logger.Error("failed to reset queue", zap.Error(err))
		return
	}
	q.logger.Info("queue reset")
}

func (q *PriorityQueue) loadTask(ctx context.Context, id string) (*models.QueueTask, error) {
	payload, err := q.client.HGet(ctx, q.tasksKey, id).Result()
	if err != nil {
		return nil, err
	}
	var task models.QueueTask
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return nil, err
	}
	return &task, nil
}
