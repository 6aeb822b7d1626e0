package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/infrastructure/resilience"
)

// Queue is a JetStream work queue. Unacked messages are redelivered by the
// server once AckWait elapses, so ReapStale has nothing to do.
type Queue struct {
	conn     *nats.Conn
	js       jetstream.JetStream
	stream   jetstream.Stream
	dlq      jetstream.Stream
	consumer jetstream.Consumer
	subject  string
	dlqSubj  string
	executor *resilience.Executor
}

type Options struct {
	Stream             string
	Subject            string
	Durable            string
	VisibilityTimeout  time.Duration
	ConnectTimeout     time.Duration
	ReconnectWait      time.Duration
	MaxReconnects      int
	ResilienceExecutor *resilience.Executor
}

func (o Options) withDefaults() Options {
	if o.Stream == "" {
		o.Stream = "DOC_JOBS"
	}
	if o.Subject == "" {
		o.Subject = "doc_jobs.pending"
	}
	if o.Durable == "" {
		o.Durable = "doc-workers"
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 5 * time.Minute
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 2 * time.Second
	}
	if o.ReconnectWait <= 0 {
		o.ReconnectWait = 2 * time.Second
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = 60
	}
	return o
}

func New(ctx context.Context, url string, options Options) (*Queue, error) {
	options = options.withDefaults()

	conn, err := nats.Connect(
		url,
		nats.Name("docflow"),
		nats.Timeout(options.ConnectTimeout),
		nats.ReconnectWait(options.ReconnectWait),
		nats.MaxReconnects(options.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	q, err := setup(ctx, conn, options)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

func setup(ctx context.Context, conn *nats.Conn, options Options) (*Queue, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      options.Stream,
		Subjects:  []string{options.Subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", options.Stream, err)
	}

	dlqSubject := options.Subject + ".failed"
	dlq, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      options.Stream + "_DLQ",
		Subjects:  []string{dlqSubject},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create dead letter stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       options.Durable,
		FilterSubject: options.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       options.VisibilityTimeout,
		MaxDeliver:    -1,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", options.Durable, err)
	}

	return &Queue{
		conn:     conn,
		js:       js,
		stream:   stream,
		dlq:      dlq,
		consumer: consumer,
		subject:  options.Subject,
		dlqSubj:  dlqSubject,
		executor: options.ResilienceExecutor,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) Push(ctx context.Context, job domain.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return q.publish(ctx, "nats.push", q.subject, body)
}

func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*domain.Delivery, error) {
	batch, err := q.consumer.Fetch(1, jetstream.FetchMaxWait(timeout))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}
		return nil, wrapTemporaryIfNeeded("nats pop", err)
	}

	for msg := range batch.Messages() {
		attempt := 1
		if meta, err := msg.Metadata(); err == nil {
			attempt = int(meta.NumDelivered)
		}
		return &domain.Delivery{
			Body:       msg.Data(),
			ReceivedAt: time.Now(),
			Attempt:    attempt,
			Ack: func(ctx context.Context) error {
				if err := msg.DoubleAck(ctx); err != nil {
					return wrapTemporaryIfNeeded("nats ack", err)
				}
				return nil
			},
		}, nil
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, wrapTemporaryIfNeeded("nats pop", err)
	}
	return nil, nil
}

func (q *Queue) DeadLetter(ctx context.Context, entry domain.DeadLetter) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return q.publish(ctx, "nats.dead_letter", q.dlqSubj, body)
}

// Len counts pending and in-flight messages.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	info, err := q.stream.Info(ctx)
	if err != nil {
		return 0, wrapTemporaryIfNeeded("nats stream info", err)
	}
	return int64(info.State.Msgs), nil
}

func (q *Queue) ReapStale(context.Context, time.Duration) (int, error) {
	return 0, nil
}

func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	out := make([]domain.DeadLetter, 0, limit)
	err := q.scanDeadLetters(ctx, func(seq uint64, data []byte) (bool, error) {
		var entry domain.DeadLetter
		if err := json.Unmarshal(data, &entry); err != nil {
			entry = domain.DeadLetter{OriginalJob: string(data), Error: "undecodable dead letter: " + err.Error()}
		}
		out = append(out, entry)
		return len(out) < limit, nil
	})
	return out, err
}

func (q *Queue) DeadLetterLen(ctx context.Context) (int64, error) {
	info, err := q.dlq.Info(ctx)
	if err != nil {
		return 0, wrapTemporaryIfNeeded("nats dead letter info", err)
	}
	return int64(info.State.Msgs), nil
}

// RequeueDeadLetters republishes the oldest dead letters' original jobs and
// deletes them from the dead-letter stream.
func (q *Queue) RequeueDeadLetters(ctx context.Context, limit int) (int, error) {
	moved := 0
	err := q.scanDeadLetters(ctx, func(seq uint64, data []byte) (bool, error) {
		if moved >= limit {
			return false, nil
		}
		var entry domain.DeadLetter
		if err := json.Unmarshal(data, &entry); err != nil || entry.OriginalJob == "" {
			return true, nil
		}
		if err := q.publish(ctx, "nats.requeue", q.subject, []byte(entry.OriginalJob)); err != nil {
			return false, err
		}
		if err := q.dlq.DeleteMsg(ctx, seq); err != nil {
			return false, wrapTemporaryIfNeeded("nats delete dead letter", err)
		}
		moved++
		return moved < limit, nil
	})
	return moved, err
}

func (q *Queue) scanDeadLetters(ctx context.Context, visit func(seq uint64, data []byte) (bool, error)) error {
	info, err := q.dlq.Info(ctx)
	if err != nil {
		return wrapTemporaryIfNeeded("nats dead letter info", err)
	}
	if info.State.Msgs == 0 {
		return nil
	}
	for seq := info.State.FirstSeq; seq <= info.State.LastSeq; seq++ {
		msg, err := q.dlq.GetMsg(ctx, seq)
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			continue
		}
		if err != nil {
			return wrapTemporaryIfNeeded("nats get dead letter", err)
		}
		more, err := visit(seq, msg.Data)
		if err != nil || !more {
			return err
		}
	}
	return nil
}

func (q *Queue) publish(ctx context.Context, operation, subject string, body []byte) error {
	call := func(ctx context.Context) error {
		if _, err := q.js.Publish(ctx, subject, body); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	var err error
	if q.executor != nil {
		err = q.executor.Execute(ctx, operation, call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(operation, err)
	}
	return nil
}
