package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"filegate/internal/repository"
)

// DownloadGrant 是签发给调用方的下载能力。
type DownloadGrant struct {
	FileID    string               `json:"file_id"`
	State     repository.FileState `json:"state"`
	URL       string               `json:"download_url"`
	ExpiresAt time.Time            `json:"expires_at"`
}

// IssueDownload 签发下载能力 URL。
// 仅归属方或特权角色可请求；非特权方要求 state == ACTIVE。
// 特权角色可越过状态要求，越权签发记入显式标记的审计动作。
func (s *FileService) IssueDownload(ctx context.Context, req Requester, fileID string) (*DownloadGrant, error) {
	record, err := s.files.GetByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if record.OwnerID != req.Subject && !req.Admin() {
		return nil, ErrNotFound
	}

	override := false
	if record.State != repository.FileStateActive {
		if !req.Admin() {
			return nil, fmt.Errorf("%w: state=%s", ErrNotActive, record.State)
		}
		override = true
	}

	params := url.Values{}
	params.Set("response-content-disposition", contentDisposition(record.OriginalName))

	grantURL, err := s.store.PresignGet(ctx, record.ObjectKey, s.opts.DownloadTTL, params)
	if err != nil {
		return nil, fmt.Errorf("presign download: %w", err)
	}

	action := AuditDownloadIssued
	metadata := map[string]any{"state": string(record.State)}
	if override {
		action = AuditDownloadOverride
		metadata["override"] = true
	}
	s.audit.Record(ctx, action, req, record.ID, metadata)

	return &DownloadGrant{
		FileID:    record.ID,
		State:     record.State,
		URL:       grantURL.URL,
		ExpiresAt: grantURL.ExpiresAt,
	}, nil
}

// contentDisposition 构造安全的附件响应头：控制字符和路径分隔符
// 被剔除，非 ASCII 文件名走 RFC 5987 的 filename* 编码，
// 防止恶意文件名注入响应头。
func contentDisposition(filename string) string {
	sanitized := sanitizeFilename(filename)
	ascii := asciiFallback(sanitized)

	if sanitized == ascii {
		return fmt.Sprintf(`attachment; filename="%s"`, ascii)
	}
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, ascii, url.PathEscape(sanitized))
}

// sanitizeFilename 剔除控制字符、引号与路径分隔符。
func sanitizeFilename(filename string) string {
	var b strings.Builder
	for _, r := range filename {
		switch {
		case r < 0x20 || r == 0x7f:
		case r == '/' || r == '\\':
		case r == '"':
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" || out == "." || out == ".." {
		return "download"
	}
	return out
}

// asciiFallback 把非 ASCII 字符替换为下划线，用于 filename 兜底值。
func asciiFallback(filename string) string {
	var b strings.Builder
	for _, r := range filename {
		if r > 0x7e {
			b.WriteRune('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
