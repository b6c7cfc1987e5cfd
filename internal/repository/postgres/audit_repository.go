package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"filegate/internal/repository"
)

// NewAuditRepository 返回基于 *sql.DB 的审计事件实现。
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// AuditRepository 实现 repository.AuditRepository，只追加不修改。
type AuditRepository struct {
	db *sql.DB
}

// Append 追加一条审计事件。
func (r *AuditRepository) Append(ctx context.Context, event *repository.AuditEvent) error {
	if event == nil {
		return fmt.Errorf("audit event is nil")
	}

	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `INSERT INTO audit_events (id, action, actor, file_id, ip, user_agent, metadata)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID,
		event.Action,
		nullable(event.Actor),
		nullable(event.FileID),
		nullable(event.IP),
		nullable(event.UserAgent),
		metadataBytes,
	)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func nullable(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
