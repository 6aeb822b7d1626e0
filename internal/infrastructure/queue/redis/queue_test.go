package redis

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirillkom/docflow/internal/core/domain"
)

// setupTestQueue connects to REDIS_ADDR (default localhost:6379) and skips
// the test when Redis is not reachable.
func setupTestQueue(t *testing.T) (*Queue, *goredis.Client) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis not available at %s: %v", addr, err)
	}

	key := "test_doc_jobs:" + uuid.NewString()
	t.Cleanup(func() {
		client.Del(context.Background(), key, key+":processing", key+":claims", key+":failed")
		_ = client.Close()
	})
	return New(client, Options{Key: key}), client
}

func testJob(id string) domain.Job {
	return domain.Job{
		JobID:      id,
		Source:     domain.InlineSource{Payload: map[string]any{"text": "body " + id}},
		EnqueuedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func popJob(t *testing.T, q *Queue) (*domain.Delivery, domain.Job) {
	t.Helper()
	delivery, err := q.Pop(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, delivery)
	var job domain.Job
	require.NoError(t, json.Unmarshal(delivery.Body, &job))
	return delivery, job
}

func TestQueue_FIFOAndAck(t *testing.T) {
	q, client := setupTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Push(ctx, testJob(id)))
	}
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	for _, want := range []string{"a", "b", "c"} {
		delivery, job := popJob(t, q)
		assert.Equal(t, want, job.JobID)
		require.NoError(t, delivery.Ack(ctx))
	}

	assert.EqualValues(t, 0, client.LLen(ctx, q.processingKey()).Val())
	assert.EqualValues(t, 0, client.HLen(ctx, q.claimsKey()).Val())
}

func TestQueue_PopTimeoutReturnsNil(t *testing.T) {
	q, _ := setupTestQueue(t)

	delivery, err := q.Pop(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, delivery)
}

func TestQueue_ReapStaleRequeuesUnackedAtFront(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, testJob("first")))
	require.NoError(t, q.Push(ctx, testJob("second")))
	_, job := popJob(t, q)
	require.Equal(t, "first", job.JobID)

	n, err := q.ReapStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "fresh claims must not be reaped")

	q.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = q.ReapStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, job = popJob(t, q)
	assert.Equal(t, "first", job.JobID, "reaped job is redelivered before newer jobs")
}

func TestQueue_LateAckKeepsNewerClaim(t *testing.T) {
	q, client := setupTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, testJob("slow")))
	stale, _ := popJob(t, q)

	q.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err := q.ReapStale(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	current, job := popJob(t, q)
	require.Equal(t, "slow", job.JobID)

	require.NoError(t, stale.Ack(ctx))
	assert.EqualValues(t, 1, client.LLen(ctx, q.processingKey()).Val(), "late ack must not release the newer claim")
	assert.EqualValues(t, 1, client.HLen(ctx, q.claimsKey()).Val())

	require.NoError(t, current.Ack(ctx))
	assert.EqualValues(t, 0, client.LLen(ctx, q.processingKey()).Val())
	assert.EqualValues(t, 0, client.HLen(ctx, q.claimsKey()).Val())
}

func TestClaimTime(t *testing.T) {
	at := time.UnixMilli(1735689600123)
	got, err := claimTime(claimToken(at))
	require.NoError(t, err)
	assert.Equal(t, at.UnixMilli(), got)

	got, err = claimTime("1735689600123")
	require.NoError(t, err)
	assert.EqualValues(t, 1735689600123, got)
}

func TestQueue_DeadLetterAndRequeue(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	body, err := json.Marshal(testJob("dead"))
	require.NoError(t, err)
	require.NoError(t, q.DeadLetter(ctx, domain.DeadLetter{
		OriginalJob: string(body),
		Error:       "document not found",
		WorkerID:    "worker-1",
		Timestamp:   time.Now().UTC(),
	}))

	n, err := q.DeadLetterLen(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	entries, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "worker-1", entries[0].WorkerID)

	moved, err := q.RequeueDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	_, job := popJob(t, q)
	assert.Equal(t, "dead", job.JobID)
	n, err = q.DeadLetterLen(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}
