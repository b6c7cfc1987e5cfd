package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"filegate/internal/repository"
)

// NewQuotaRepository 返回基于 *sql.DB 的配额台账实现。
func NewQuotaRepository(db *sql.DB) *QuotaRepository {
	return &QuotaRepository{db: db}
}

// QuotaRepository 实现 repository.QuotaRepository。
// 每个变更都是针对 owner 单行的一条原子 UPDATE。
type QuotaRepository struct {
	db *sql.DB
}

// Reserve 预留额度。先确保计数行存在，再用带额度条件的单条 UPDATE
// 完成判定与增量：受影响行数为 0 即额度不足，期间没有任何记录被创建。
func (r *QuotaRepository) Reserve(ctx context.Context, ownerID string, size int64, limits repository.QuotaLimits) error {
	if size < 0 {
		return fmt.Errorf("reserve size must not be negative")
	}

	if _, err := r.db.ExecContext(ctx, `INSERT INTO quota_counters (owner_id)
	VALUES ($1)
	ON CONFLICT (owner_id) DO NOTHING`, ownerID); err != nil {
		return fmt.Errorf("ensure quota row: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `UPDATE quota_counters
	SET file_count = file_count + 1,
	    reserved_bytes = reserved_bytes + $2,
	    updated_at = NOW()
	WHERE owner_id = $1
	  AND file_count < $3
	  AND total_bytes + reserved_bytes + $2 <= $4`,
		ownerID, size, limits.MaxFiles, limits.MaxBytes)
	if err != nil {
		return fmt.Errorf("reserve quota: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return repository.ErrQuotaExceeded
	}
	return nil
}

// Commit 把预留落实为已用字节；使用扫描观测到的真实大小而非申报值。
func (r *QuotaRepository) Commit(ctx context.Context, ownerID string, reserved, observed int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE quota_counters
	SET total_bytes = total_bytes + $3,
	    reserved_bytes = GREATEST(reserved_bytes - $2, 0),
	    updated_at = NOW()
	WHERE owner_id = $1`,
		ownerID, reserved, observed)
	if err != nil {
		return fmt.Errorf("commit quota: %w", err)
	}
	return nil
}

// Release 退还预留并回收文件数名额。
func (r *QuotaRepository) Release(ctx context.Context, ownerID string, reserved int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE quota_counters
	SET file_count = GREATEST(file_count - 1, 0),
	    reserved_bytes = GREATEST(reserved_bytes - $2, 0),
	    updated_at = NOW()
	WHERE owner_id = $1`,
		ownerID, reserved)
	if err != nil {
		return fmt.Errorf("release quota: %w", err)
	}
	return nil
}

// Get 查询 owner 当前计数，不存在时返回零值计数。
func (r *QuotaRepository) Get(ctx context.Context, ownerID string) (*repository.QuotaCounter, error) {
	row := r.db.QueryRowContext(ctx, `SELECT owner_id, file_count, total_bytes, reserved_bytes, updated_at
	FROM quota_counters WHERE owner_id = $1`, ownerID)

	var counter repository.QuotaCounter
	err := row.Scan(&counter.OwnerID, &counter.FileCount, &counter.TotalBytes, &counter.ReservedBytes, &counter.UpdatedAt)
	if err == sql.ErrNoRows {
		return &repository.QuotaCounter{OwnerID: ownerID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &counter, nil
}
