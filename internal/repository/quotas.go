package repository

import (
	"context"
	"time"
)

// QuotaCounter 是每个 owner 的用量计数。total_bytes 只统计 ACTIVE
// 文件的字节数；reserved_bytes 记录尚未定论的预留，二者之和参与额度判断。
type QuotaCounter struct {
	OwnerID       string    `json:"owner_id"`
	FileCount     int       `json:"file_count"`
	TotalBytes    int64     `json:"total_bytes"`
	ReservedBytes int64     `json:"reserved_bytes"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// QuotaLimits 描述额度上限。
type QuotaLimits struct {
	MaxFiles int
	MaxBytes int64
}

// QuotaRepository 是配额台账接口，每次变更都是单行原子增减，
// 不同 owner 的计数互相独立，不需要任何跨行锁。
type QuotaRepository interface {
	// Reserve 在发起上传时预留额度；额度不足时返回 ErrQuotaExceeded。
	Reserve(ctx context.Context, ownerID string, size int64, limits QuotaLimits) error
	// Commit 在文件转入 ACTIVE 时把预留落实为已用字节。
	Commit(ctx context.Context, ownerID string, reserved, observed int64) error
	// Release 在文件进入 QUARANTINED/REJECTED 时退还预留。
	Release(ctx context.Context, ownerID string, reserved int64) error
	Get(ctx context.Context, ownerID string) (*QuotaCounter, error)
}
