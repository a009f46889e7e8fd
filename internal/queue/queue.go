// Package queue is a redis-streams work queue with consumer groups,
// visibility-timeout reclaim and an optional dead-letter stream. The
// gateway publishes one job per accepted upload; the processing fleet
// consumes them.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/chronica/sensing-gateway/pkg/logger"
	"github.com/chronica/sensing-gateway/pkg/redis"
)

// Message is one queued job. Attempts counts reclaim deliveries, not the
// first one.
type Message struct {
	ID        string
	Data      []byte
	Metadata  map[string]string
	Timestamp time.Time
	Attempts  int
}

// Handler processes one message. A nil return acks it; an error leaves
// it pending so the visibility-timeout reclaim redelivers it.
type Handler func(ctx context.Context, msg *Message) error

type Config struct {
	Name              string
	ConsumerGroup     string
	ConsumerName      string
	MaxRetries        int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	BatchSize         int64
	MaxLen            int64
	EnableDLQ         bool
}

type Queue struct {
	adapter redis.RedisAdapter
	config  Config
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type Stats struct {
	TotalMessages   int64
	PendingMessages int64
	ConsumerCount   int64
}

func New(adapter redis.RedisAdapter, config Config) (*Queue, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = "default-group"
	}
	if config.ConsumerName == "" {
		config.ConsumerName = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.VisibilityTimeout == 0 {
		config.VisibilityTimeout = 30 * time.Second
	}
	if config.PollInterval == 0 {
		config.PollInterval = time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 10
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		adapter: adapter,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
	}

	// BUSYGROUP on an existing group is expected.
	_ = adapter.XGroupCreateMkStream(config.Name, config.ConsumerGroup, "0")

	return q, nil
}

// Publish appends a message to the stream.
func (q *Queue) Publish(ctx context.Context, data []byte, metadata map[string]string) (string, error) {
	values := map[string]interface{}{
		"data":      string(data),
		"timestamp": time.Now().Unix(),
		"attempts":  0,
	}
	for k, v := range metadata {
		values["meta_"+k] = v
	}

	id, err := q.adapter.XAdd(q.config.Name, values)
	if err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	if q.config.MaxLen > 0 {
		_ = q.adapter.XTrimApprox(q.config.Name, q.config.MaxLen)
	}
	return id, nil
}

func (q *Queue) PublishJSON(ctx context.Context, data interface{}, metadata map[string]string) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	return q.Publish(ctx, raw, metadata)
}

// Consume starts the poll loop. Messages are acked on handler success
// and redelivered after the visibility timeout otherwise.
func (q *Queue) Consume(handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler is required")
	}
	q.handler = handler
	q.wg.Add(1)
	go q.loop()
	return nil
}

func (q *Queue) loop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.poll()
			q.reclaim()
		}
	}
}

func (q *Queue) poll() {
	messages, err := q.adapter.XReadGroup(
		q.config.ConsumerGroup,
		q.config.ConsumerName,
		q.config.Name,
		">",
		q.config.BatchSize,
	)
	if err != nil {
		if err != redis.NilError {
			logger.Warn("queue read failed", "queue", q.config.Name, "error", err)
		}
		return
	}
	for _, sm := range messages {
		q.dispatch(decode(sm))
	}
}

// reclaim takes over messages whose consumer went silent past the
// visibility timeout.
func (q *Queue) reclaim() {
	pending, err := q.adapter.XPending(q.config.Name, q.config.ConsumerGroup)
	if err != nil || pending == nil || pending.Count == 0 {
		return
	}

	ext, err := q.adapter.XPendingExt(q.config.Name, q.config.ConsumerGroup, "-", "+", 100)
	if err != nil || len(ext) == 0 {
		return
	}

	var stuck []string
	for _, m := range ext {
		if m.Idle >= q.config.VisibilityTimeout {
			stuck = append(stuck, m.ID)
		}
	}
	if len(stuck) == 0 {
		return
	}

	messages, err := q.adapter.XClaim(
		q.config.Name,
		q.config.ConsumerGroup,
		q.config.ConsumerName,
		q.config.VisibilityTimeout,
		stuck...,
	)
	if err != nil {
		return
	}
	for _, sm := range messages {
		msg := decode(sm)
		msg.Attempts++
		q.dispatch(msg)
	}
}

func (q *Queue) dispatch(msg *Message) {
	if msg.Attempts >= q.config.MaxRetries {
		q.deadLetter(msg)
		q.ack(msg.ID)
		return
	}

	ctx, cancel := context.WithTimeout(q.ctx, q.config.VisibilityTimeout)
	defer cancel()

	if err := q.handler(ctx, msg); err != nil {
		logger.Warn("queue handler failed", "queue", q.config.Name, "message_id", msg.ID, "error", err)
		return
	}
	q.ack(msg.ID)
}

func (q *Queue) ack(id string) {
	if err := q.adapter.XAck(q.config.Name, q.config.ConsumerGroup, id); err != nil {
		logger.Warn("queue ack failed", "queue", q.config.Name, "message_id", id, "error", err)
	}
}

func (q *Queue) deadLetter(msg *Message) {
	if !q.config.EnableDLQ {
		return
	}
	values := map[string]interface{}{
		"data":           string(msg.Data),
		"original_id":    msg.ID,
		"attempts":       msg.Attempts,
		"failed_at":      time.Now().Unix(),
		"original_queue": q.config.Name,
	}
	for k, v := range msg.Metadata {
		values["meta_"+k] = v
	}
	if _, err := q.adapter.XAdd(q.config.Name+":dlq", values); err != nil {
		logger.Error("dead-letter publish failed", "queue", q.config.Name, "message_id", msg.ID, "error", err)
	}
}

func decode(sm redis.StreamMessage) *Message {
	msg := &Message{
		ID:       sm.ID,
		Metadata: make(map[string]string),
	}
	for k, v := range sm.Values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		switch {
		case k == "data":
			msg.Data = []byte(s)
		case k == "timestamp":
			if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
				msg.Timestamp = time.Unix(unix, 0)
			}
		case k == "attempts":
			msg.Attempts, _ = strconv.Atoi(s)
		case len(k) > 5 && k[:5] == "meta_":
			msg.Metadata[k[5:]] = s
		}
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return msg
}

func (q *Queue) Stop(timeout time.Duration) error {
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for queue to stop")
	}
}

func (q *Queue) GetStats() (*Stats, error) {
	total, err := q.adapter.XLen(q.config.Name)
	if err != nil {
		return nil, err
	}
	stats := &Stats{TotalMessages: total}

	if pending, err := q.adapter.XPending(q.config.Name, q.config.ConsumerGroup); err == nil && pending != nil {
		stats.PendingMessages = pending.Count
		stats.ConsumerCount = int64(len(pending.Consumers))
	}
	return stats, nil
}
