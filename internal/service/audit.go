package service

import (
	"context"
	"log"
	"time"

	"filegate/internal/repository"

	"github.com/google/uuid"
)

// 审计动作名。终态失败路径必须在返回前落一条事件。
const (
	AuditUploadInitiated  = "UPLOAD_INITIATED"
	AuditUploadCompleted  = "UPLOAD_COMPLETED"
	AuditUploadRejected   = "UPLOAD_REJECTED"
	AuditUploadQuarantine = "UPLOAD_QUARANTINED"
	AuditScanPass         = "SCAN_PASS"
	AuditScanQuarantined  = "SCAN_QUARANTINED"
	AuditScanFail         = "SCAN_FAIL"
	AuditDownloadIssued   = "DOWNLOAD_ISSUED"
	AuditDownloadOverride = "DOWNLOAD_OVERRIDE"
)

// AuditRecorder 把结构化事件写入只追加的审计库。
// 审计失败不阻断主流程，只记录日志。
type AuditRecorder struct {
	repo   repository.AuditRepository
	logger *log.Logger
}

// NewAuditRecorder 创建审计记录器。
func NewAuditRecorder(repo repository.AuditRepository, logger *log.Logger) *AuditRecorder {
	return &AuditRecorder{repo: repo, logger: logger}
}

// Record 追加一条审计事件。
func (a *AuditRecorder) Record(ctx context.Context, action string, req Requester, fileID string, metadata map[string]any) {
	if a == nil || a.repo == nil {
		return
	}

	event := &repository.AuditEvent{
		ID:        uuid.NewString(),
		Action:    action,
		Actor:     req.Subject,
		FileID:    fileID,
		IP:        req.IP,
		UserAgent: req.UserAgent,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}

	if err := a.repo.Append(ctx, event); err != nil && a.logger != nil {
		a.logger.Printf("写入审计事件失败 action=%s file=%s: %v", action, fileID, err)
	}
}
