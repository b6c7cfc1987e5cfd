package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"filegate/internal/repository"
)

// NewFileRepository 返回基于 *sql.DB 的 Postgres 实现。
func NewFileRepository(db *sql.DB) *FileRepository {
	return &FileRepository{db: db}
}

// FileRepository 实现 repository.FileRepository。
type FileRepository struct {
	db *sql.DB
}

var fileSelectColumns = []string{
	"id",
	"owner_id",
	"bucket",
	"object_key",
	"original_name",
	"declared_type",
	"declared_sha256",
	"declared_size",
	"observed_size",
	"sniffed_type",
	"checksum_verified",
	"state",
	"created_at",
	"updated_at",
}

var fileInsertColumns = []string{
	"id",
	"owner_id",
	"bucket",
	"object_key",
	"original_name",
	"declared_type",
	"declared_sha256",
	"declared_size",
	"state",
}

// Create 插入文件记录并返回数据库生成字段（如时间戳）。
func (r *FileRepository) Create(ctx context.Context, record *repository.FileRecord) (*repository.FileRecord, error) {
	if record == nil {
		return nil, fmt.Errorf("file record is nil")
	}

	placeholders := make([]string, len(fileInsertColumns))
	for i := range fileInsertColumns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf(`INSERT INTO files (%s)
	VALUES (%s)
	RETURNING %s`,
		strings.Join(fileInsertColumns, ","),
		strings.Join(placeholders, ","),
		strings.Join(fileSelectColumns, ","),
	)

	row := r.db.QueryRowContext(
		ctx,
		query,
		record.ID,
		record.OwnerID,
		record.Bucket,
		record.ObjectKey,
		record.OriginalName,
		record.DeclaredType,
		record.DeclaredSHA256,
		record.DeclaredSize,
		record.State,
	)

	return scanFileRecord(row)
}

// GetByID 通过主键查询文件记录。
func (r *FileRepository) GetByID(ctx context.Context, id string) (*repository.FileRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM files WHERE id = $1`, strings.Join(fileSelectColumns, ","))
	row := r.db.QueryRowContext(ctx, query, id)
	file, err := scanFileRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return file, nil
}

// List 按 owner 检索，支持按状态过滤并分页。
func (r *FileRepository) List(ctx context.Context, params repository.ListFilesParams) ([]repository.FileRecord, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}

	args := []any{params.OwnerID}
	whereClause := "WHERE owner_id = $1"
	if len(params.States) > 0 {
		placeholders := make([]string, len(params.States))
		for i, state := range params.States {
			args = append(args, state)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		whereClause += " AND state IN (" + strings.Join(placeholders, ",") + ")"
	}

	args = append(args, limit)
	tail := fmt.Sprintf("ORDER BY created_at DESC LIMIT $%d", len(args))

	if params.Offset > 0 {
		args = append(args, params.Offset)
		tail += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	query := fmt.Sprintf(`SELECT %s FROM files %s %s`, strings.Join(fileSelectColumns, ","), whereClause, tail)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []repository.FileRecord
	for rows.Next() {
		rec, err := scanFileRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// UpdateStateIf 仅当持久化状态仍为 expected 时提交转移，并一并写入
// 扫描观测值。受影响行数为 0 且记录存在时说明竞争落败，返回 false。
func (r *FileRepository) UpdateStateIf(ctx context.Context, id string, expected, target repository.FileState, evidence *repository.ScanEvidence) (bool, error) {
	if !repository.CanTransition(expected, target) {
		return false, fmt.Errorf("transition %s -> %s not allowed", expected, target)
	}

	query := `UPDATE files SET state = $1, updated_at = NOW()`
	args := []any{target}

	if evidence != nil {
		if evidence.ObservedSize != nil {
			args = append(args, *evidence.ObservedSize)
			query += fmt.Sprintf(", observed_size = $%d", len(args))
		}
		if evidence.SniffedType != nil {
			args = append(args, *evidence.SniffedType)
			query += fmt.Sprintf(", sniffed_type = $%d", len(args))
		}
		if evidence.ChecksumOK != nil {
			args = append(args, *evidence.ChecksumOK)
			query += fmt.Sprintf(", checksum_verified = $%d", len(args))
		}
	}

	args = append(args, id)
	query += fmt.Sprintf(" WHERE id = $%d", len(args))
	args = append(args, expected)
	query += fmt.Sprintf(" AND state = $%d", len(args))

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows > 0 {
		return true, nil
	}

	// 区分记录缺失与条件不满足。
	if _, err := r.GetByID(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFileRecord(rs rowScanner) (*repository.FileRecord, error) {
	var (
		rec          repository.FileRecord
		observedSize sql.NullInt64
		sniffedType  sql.NullString
	)

	if err := rs.Scan(
		&rec.ID,
		&rec.OwnerID,
		&rec.Bucket,
		&rec.ObjectKey,
		&rec.OriginalName,
		&rec.DeclaredType,
		&rec.DeclaredSHA256,
		&rec.DeclaredSize,
		&observedSize,
		&sniffedType,
		&rec.ChecksumOK,
		&rec.State,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if observedSize.Valid {
		rec.ObservedSize = &observedSize.Int64
	}
	if sniffedType.Valid {
		rec.SniffedType = &sniffedType.String
	}

	return &rec, nil
}
