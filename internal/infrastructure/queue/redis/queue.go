package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/infrastructure/resilience"
)

const DefaultKey = "doc_jobs"

// Queue is a reliable FIFO list queue. Pop moves a job onto a processing
// list and stamps a claim token "<unix ms>:<id>"; Ack removes it only while
// that token is still current. Claims older than the visibility timeout are
// moved back by ReapStale.
type Queue struct {
	client   goredis.UniversalClient
	key      string
	executor *resilience.Executor
	now      func() time.Time
}

type Options struct {
	Key                string
	ResilienceExecutor *resilience.Executor
}

func New(client goredis.UniversalClient, options Options) *Queue {
	key := options.Key
	if key == "" {
		key = DefaultKey
	}
	return &Queue{
		client:   client,
		key:      key,
		executor: options.ResilienceExecutor,
		now:      time.Now,
	}
}

func (q *Queue) processingKey() string { return q.key + ":processing" }
func (q *Queue) claimsKey() string     { return q.key + ":claims" }
func (q *Queue) failedKey() string     { return q.key + ":failed" }

func (q *Queue) Push(ctx context.Context, job domain.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return q.execute(ctx, "redis.push", func(ctx context.Context) error {
		return q.client.LPush(ctx, q.key, body).Err()
	})
}

func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*domain.Delivery, error) {
	body, err := q.client.BLMove(ctx, q.key, q.processingKey(), "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapTemporaryIfNeeded("redis pop", err)
	}

	received := q.now()
	token := claimToken(received)
	if err := q.client.HSet(ctx, q.claimsKey(), body, token).Err(); err != nil {
		return nil, wrapTemporaryIfNeeded("redis claim", err)
	}

	return &domain.Delivery{
		Body:       []byte(body),
		ReceivedAt: received,
		Attempt:    1,
		Ack: func(ctx context.Context) error {
			return q.ack(ctx, body, token)
		},
	}, nil
}

// ackScript releases a claim only if it still holds the caller's token. A
// late ack after the entry was reaped and claimed again is a no-op.
var ackScript = goredis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`)

func (q *Queue) ack(ctx context.Context, body, token string) error {
	err := ackScript.Run(ctx, q.client, []string{q.processingKey(), q.claimsKey()}, body, token).Err()
	if err != nil {
		return wrapTemporaryIfNeeded("redis ack", err)
	}
	return nil
}

func claimToken(at time.Time) string {
	return strconv.FormatInt(at.UnixMilli(), 10) + ":" + uuid.NewString()
}

// claimTime reads the stamp of a claim token. Tokens written by the reaper
// carry no id.
func claimTime(token string) (int64, error) {
	stamp, _, _ := strings.Cut(token, ":")
	return strconv.ParseInt(stamp, 10, 64)
}

func (q *Queue) DeadLetter(ctx context.Context, entry domain.DeadLetter) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return q.execute(ctx, "redis.dead_letter", func(ctx context.Context) error {
		return q.client.LPush(ctx, q.failedKey(), body).Err()
	})
}

func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, wrapTemporaryIfNeeded("redis len", err)
	}
	return n, nil
}

// requeueScript moves one processing entry back to the pop end of the
// queue if it still holds the claim the reaper saw.
var requeueScript = goredis.NewScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then
  return 0
end
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
if removed > 0 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
end
return removed
`)

func (q *Queue) ReapStale(ctx context.Context, olderThan time.Duration) (int, error) {
	inFlight, err := q.client.LRange(ctx, q.processingKey(), 0, -1).Result()
	if err != nil {
		return 0, wrapTemporaryIfNeeded("redis list processing", err)
	}
	if len(inFlight) == 0 {
		return 0, nil
	}
	claims, err := q.client.HGetAll(ctx, q.claimsKey()).Result()
	if err != nil {
		return 0, wrapTemporaryIfNeeded("redis list claims", err)
	}

	now := q.now()
	cutoff := now.Add(-olderThan).UnixMilli()
	requeued := 0
	for _, body := range inFlight {
		raw, ok := claims[body]
		if !ok {
			// Popped but not yet stamped; start its clock now.
			if err := q.client.HSetNX(ctx, q.claimsKey(), body, now.UnixMilli()).Err(); err != nil {
				return requeued, wrapTemporaryIfNeeded("redis claim", err)
			}
			continue
		}
		claimedAt, err := claimTime(raw)
		if err == nil && claimedAt > cutoff {
			continue
		}
		removed, err := requeueScript.Run(ctx, q.client, []string{q.processingKey(), q.key, q.claimsKey()}, body, raw).Int()
		if err != nil {
			return requeued, wrapTemporaryIfNeeded("redis requeue", err)
		}
		requeued += removed
	}
	return requeued, nil
}

func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	raw, err := q.client.LRange(ctx, q.failedKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, wrapTemporaryIfNeeded("redis list dead letters", err)
	}
	out := make([]domain.DeadLetter, 0, len(raw))
	for _, item := range raw {
		var entry domain.DeadLetter
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			entry = domain.DeadLetter{OriginalJob: item, Error: "undecodable dead letter: " + err.Error()}
		}
		out = append(out, entry)
	}
	return out, nil
}

func (q *Queue) DeadLetterLen(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.failedKey()).Result()
	if err != nil {
		return 0, wrapTemporaryIfNeeded("redis dead letter len", err)
	}
	return n, nil
}

// requeueDeadScript pops the oldest dead letter and pushes its original job
// back onto the queue.
var requeueDeadScript = goredis.NewScript(`
local raw = redis.call('RPOP', KEYS[1])
if not raw then
  return 0
end
local ok, entry = pcall(cjson.decode, raw)
if ok and type(entry) == 'table' and type(entry.original_job) == 'string' then
  redis.call('LPUSH', KEYS[2], entry.original_job)
  return 1
end
redis.call('LPUSH', KEYS[1], raw)
return -1
`)

func (q *Queue) RequeueDeadLetters(ctx context.Context, limit int) (int, error) {
	moved := 0
	for moved < limit {
		n, err := requeueDeadScript.Run(ctx, q.client, []string{q.failedKey(), q.key}).Int()
		if err != nil {
			return moved, wrapTemporaryIfNeeded("redis requeue dead letter", err)
		}
		if n <= 0 {
			break
		}
		moved++
	}
	return moved, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) execute(ctx context.Context, operation string, call func(context.Context) error) error {
	var err error
	if q.executor != nil {
		err = q.executor.Execute(ctx, operation, call, classifyRedisError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(operation, err)
	}
	return nil
}
