// Package queue 定义扫描任务队列的抽象。投递语义是 at-least-once：
// 任务载荷只携带 file_id，消费方必须自行从存储重读权威状态，
// 重复投递必须是无害的。
package queue

import (
	"context"
	"errors"
	"time"
)

// Job 是队列任务载荷。Attempt 记录已消耗的重试次数，消费方以它
// 为起点继续退避序列。
type Job struct {
	FileID     string    `json:"file_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Delivery 是一次具体投递。Raw 保存原始载荷，确认时按值移除。
type Delivery struct {
	Job
	Raw string `json:"-"`
}

// ErrEmpty 表示在等待窗口内没有任务到达。
var ErrEmpty = errors.New("queue: no job available")

// Enqueuer 是生产侧接口，完成校验器只需要它。
type Enqueuer interface {
	Enqueue(ctx context.Context, fileID string) error
}

// Queue 是消费侧完整接口。消费方只有在状态转移已提交后才 Ack；
// 处理失败的投递在重试耗尽后进入死信。
type Queue interface {
	Enqueuer
	// Dequeue 阻塞至多 wait 时长等待下一条投递。
	Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error)
	// Ack 确认投递处理完成。
	Ack(ctx context.Context, d *Delivery) error
	// DeadLetter 把投递移入死信队列，等待人工处置。
	DeadLetter(ctx context.Context, d *Delivery, reason string) error
	// Recover 把上次崩溃遗留在处理中的投递移回待处理队列，
	// 由消费启动时调用，相当于可见性超时后的重投。
	Recover(ctx context.Context) (int, error)
}
