package repository

import (
	"context"
	"time"
)

// AuditEvent 是只追加的审计事件，核心只写不读。
type AuditEvent struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor,omitempty"`
	FileID    string         `json:"file_id,omitempty"`
	IP        string         `json:"ip,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditRepository 是审计落库接口。
type AuditRepository interface {
	Append(ctx context.Context, event *AuditEvent) error
}
