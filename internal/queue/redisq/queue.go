// Package redisq 用 Redis list 实现可靠队列：待处理表、处理中表与
// 死信表。BLMOVE 原子地把任务挪入处理中表，Ack 按值删除；
// 崩溃后残留的处理中任务由 Recover 挪回待处理表完成重投。
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"filegate/internal/queue"

	"github.com/redis/go-redis/v9"
)

const (
	pendingSuffix    = ":pending"
	processingSuffix = ":processing"
	deadSuffix       = ":dead"
)

// Queue 实现 queue.Queue。
type Queue struct {
	client *redis.Client
	name   string
}

// New 创建名为 name 的队列。
func New(client *redis.Client, name string) *Queue {
	if name == "" {
		name = "scan"
	}
	return &Queue{client: client, name: name}
}

func (q *Queue) pendingKey() string    { return q.name + pendingSuffix }
func (q *Queue) processingKey() string { return q.name + processingSuffix }
func (q *Queue) deadKey() string       { return q.name + deadSuffix }

// Enqueue 投递新任务，attempt 置 0。
func (q *Queue) Enqueue(ctx context.Context, fileID string) error {
	if fileID == "" {
		return fmt.Errorf("file id is required")
	}
	return q.push(ctx, queue.Job{
		FileID:     fileID,
		Attempt:    0,
		EnqueuedAt: time.Now().UTC(),
	})
}

func (q *Queue) push(ctx context.Context, job queue.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := q.client.LPush(ctx, q.pendingKey(), payload).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// Dequeue 阻塞等待下一条投递，并原子地把它挪入处理中表。
func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (*queue.Delivery, error) {
	raw, err := q.client.BLMove(ctx, q.pendingKey(), q.processingKey(), "RIGHT", "LEFT", wait).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, queue.ErrEmpty
		}
		return nil, fmt.Errorf("dequeue job: %w", err)
	}

	var job queue.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// 无法解析的载荷直接进死信，避免反复阻塞消费
		q.client.LRem(ctx, q.processingKey(), 1, raw)
		q.client.LPush(ctx, q.deadKey(), raw)
		return nil, fmt.Errorf("decode job payload: %w", err)
	}

	return &queue.Delivery{Job: job, Raw: raw}, nil
}

// Ack 把投递从处理中表按值移除。
func (q *Queue) Ack(ctx context.Context, d *queue.Delivery) error {
	if d == nil {
		return fmt.Errorf("delivery is nil")
	}
	if err := q.client.LRem(ctx, q.processingKey(), 1, d.Raw).Err(); err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

// DeadLetter 把投递连同失败原因移入死信表，等待人工处置。
func (q *Queue) DeadLetter(ctx context.Context, d *queue.Delivery, reason string) error {
	if d == nil {
		return fmt.Errorf("delivery is nil")
	}

	entry, err := json.Marshal(map[string]any{
		"job":       d.Job,
		"reason":    reason,
		"failed_at": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}

	if err := q.client.LPush(ctx, q.deadKey(), entry).Err(); err != nil {
		return fmt.Errorf("dead letter job: %w", err)
	}
	return q.Ack(ctx, d)
}

// Recover 把处理中表残留的投递全部移回待处理表。重复投递由消费方的
// 幂等判定吸收，多挪不会造成错误副作用。
func (q *Queue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := q.client.LMove(ctx, q.processingKey(), q.pendingKey(), "RIGHT", "LEFT").Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return moved, nil
			}
			return moved, fmt.Errorf("recover processing jobs: %w", err)
		}
		moved++
	}
}
