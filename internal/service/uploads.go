package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"filegate/internal/policy"
	"filegate/internal/queue"
	"filegate/internal/repository"
	"filegate/internal/storage"

	"github.com/google/uuid"
)

// Options 聚合文件服务的运行参数。
type Options struct {
	Bucket       string
	Quota        repository.QuotaLimits
	MaxSizeBytes int64
	UploadTTL    time.Duration
	DownloadTTL  time.Duration
}

// FileService 封装上传门禁的业务流程：发起、完成校验与下载签发。
type FileService struct {
	files  repository.FileRepository
	quotas repository.QuotaRepository
	store  storage.ObjectStore
	queue  queue.Enqueuer
	audit  *AuditRecorder
	opts   Options
	logger *log.Logger
}

// NewFileService 创建文件服务。
func NewFileService(
	files repository.FileRepository,
	quotas repository.QuotaRepository,
	store storage.ObjectStore,
	q queue.Enqueuer,
	audit *AuditRecorder,
	opts Options,
	logger *log.Logger,
) *FileService {
	return &FileService{
		files:  files,
		quotas: quotas,
		store:  store,
		queue:  q,
		audit:  audit,
		opts:   opts,
		logger: logger,
	}
}

// InitiateInput 描述一次上传申报。
type InitiateInput struct {
	Filename       string
	DeclaredType   string
	DeclaredSHA256 string
	DeclaredSize   int64
}

// InitiateResult 返回文件标识与限时上传能力。
type InitiateResult struct {
	FileID string                `json:"file_id"`
	State  repository.FileState  `json:"state"`
	Upload *storage.PresignedURL `json:"upload"`
}

// Initiate 校验申报元数据并签发上传能力 URL。
// 检查顺序是固定的：先策略静态检查（默认拒绝），再预留额度；
// 任何一步失败都不会留下记录。
func (s *FileService) Initiate(ctx context.Context, req Requester, input InitiateInput) (*InitiateResult, error) {
	if s == nil || s.files == nil {
		return nil, fmt.Errorf("file service not initialized")
	}
	if err := validateInitiateInput(input); err != nil {
		return nil, err
	}

	verdict := policy.CheckDeclared(input.Filename, input.DeclaredType, input.DeclaredSize, s.opts.MaxSizeBytes)
	if !verdict.Allowed {
		return nil, fmt.Errorf("%w: %s", ErrValidation, verdict.Reason)
	}

	if err := s.quotas.Reserve(ctx, req.Subject, input.DeclaredSize, s.opts.Quota); err != nil {
		if errors.Is(err, repository.ErrQuotaExceeded) {
			return nil, ErrQuotaExceeded
		}
		return nil, fmt.Errorf("reserve quota: %w", err)
	}

	// 对象键从随机 UUID 生成，与文件名无关，杜绝枚举
	objectKey := uuid.NewString()

	upload, err := s.store.PresignPut(ctx, objectKey, input.DeclaredType, s.opts.UploadTTL)
	if err != nil {
		s.releaseQuota(ctx, req.Subject, input.DeclaredSize)
		return nil, fmt.Errorf("presign upload: %w", err)
	}

	record := &repository.FileRecord{
		ID:             uuid.NewString(),
		OwnerID:        req.Subject,
		Bucket:         s.opts.Bucket,
		ObjectKey:      objectKey,
		OriginalName:   input.Filename,
		DeclaredType:   input.DeclaredType,
		DeclaredSHA256: strings.ToLower(input.DeclaredSHA256),
		DeclaredSize:   input.DeclaredSize,
		State:          repository.FileStateInitiated,
	}

	created, err := s.files.Create(ctx, record)
	if err != nil {
		s.releaseQuota(ctx, req.Subject, input.DeclaredSize)
		return nil, fmt.Errorf("create file record: %w", err)
	}

	s.audit.Record(ctx, AuditUploadInitiated, req, created.ID, map[string]any{
		"filename":      input.Filename,
		"declared_type": input.DeclaredType,
		"declared_size": input.DeclaredSize,
	})

	return &InitiateResult{
		FileID: created.ID,
		State:  created.State,
		Upload: upload,
	}, nil
}

// GetFile 返回归属方可见的文件元数据。归属不匹配返回 ErrNotFound。
func (s *FileService) GetFile(ctx context.Context, req Requester, id string) (*repository.FileRecord, error) {
	record, err := s.files.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if record.OwnerID != req.Subject && !req.Admin() {
		return nil, ErrNotFound
	}
	return record, nil
}

// ListFiles 按发起方归属分页列出文件。
func (s *FileService) ListFiles(ctx context.Context, req Requester, states []repository.FileState, limit, offset int) ([]repository.FileRecord, error) {
	for _, state := range states {
		if !state.Valid() {
			return nil, fmt.Errorf("%w: unknown state %q", ErrValidation, state)
		}
	}
	return s.files.List(ctx, repository.ListFilesParams{
		OwnerID: req.Subject,
		States:  states,
		Limit:   limit,
		Offset:  offset,
	})
}

func (s *FileService) releaseQuota(ctx context.Context, ownerID string, size int64) {
	if err := s.quotas.Release(ctx, ownerID, size); err != nil && s.logger != nil {
		s.logger.Printf("退还配额失败 owner=%s: %v", ownerID, err)
	}
}

func validateInitiateInput(input InitiateInput) error {
	if strings.TrimSpace(input.Filename) == "" {
		return fmt.Errorf("%w: filename is required", ErrValidation)
	}
	if strings.TrimSpace(input.DeclaredType) == "" {
		return fmt.Errorf("%w: content type is required", ErrValidation)
	}
	if input.DeclaredSize <= 0 {
		return fmt.Errorf("%w: declared size must be positive", ErrValidation)
	}
	if !isHexSHA256(input.DeclaredSHA256) {
		return fmt.Errorf("%w: declared checksum must be hex sha256", ErrValidation)
	}
	return nil
}

func isHexSHA256(value string) bool {
	if len(value) != 64 {
		return false
	}
	for _, c := range value {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
