package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"filegate/internal/policy"
	"filegate/internal/repository"
	"filegate/internal/storage"
)

// checksumChunkSize 是校验和流式读取的分块大小，避免整个对象进内存。
const checksumChunkSize = 1 << 20

// Complete 是完成校验：对象就位后重新推导完整性与粗粒度策略。
// 校验和不匹配 -> REJECTED（终态，不再扫描）；
// 观测到的大小越限 -> QUARANTINED（终态，扫描也不可能通过）；
// 否则 -> SCANNING 并投递扫描任务。对已处于 SCANNING 的文件重复
// 调用只会重投扫描任务，终态文件才报冲突。
// 这是系统中最贵的同步操作（整读对象），路由层为它单独限流。
func (s *FileService) Complete(ctx context.Context, req Requester, fileID string) (repository.FileState, error) {
	record, err := s.files.GetByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}

	// 归属不匹配返回 NotFound 而非 Forbidden，避免存在性泄露
	if record.OwnerID != req.Subject {
		return "", ErrNotFound
	}

	switch record.State {
	case repository.FileStateInitiated, repository.FileStateUploaded:
	case repository.FileStateScanning:
		// 转移已提交但投递可能丢失（如上一次 Enqueue 失败）：
		// 重投即可恢复，重复投递由扫描方的幂等判定吸收
		if err := s.queue.Enqueue(ctx, record.ID); err != nil {
			return "", fmt.Errorf("%w: enqueue scan: %v", ErrTransient, err)
		}
		return repository.FileStateScanning, nil
	default:
		return "", fmt.Errorf("%w: completion already processed (state=%s)", ErrConflict, record.State)
	}

	info, err := s.store.Stat(ctx, record.ObjectKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return "", fmt.Errorf("%w: object not uploaded", ErrValidation)
		}
		return "", fmt.Errorf("%w: stat object: %v", ErrTransient, err)
	}

	digest, err := s.streamChecksum(ctx, record.ObjectKey)
	if err != nil {
		return "", fmt.Errorf("%w: read object: %v", ErrTransient, err)
	}

	observed := info.Size
	if digest != record.DeclaredSHA256 {
		checksumOK := false
		evidence := &repository.ScanEvidence{ObservedSize: &observed, ChecksumOK: &checksumOK}
		if err := s.finishTerminal(ctx, req, record, repository.FileStateRejected, evidence, AuditUploadRejected, map[string]any{
			"reason":   "checksum_mismatch",
			"declared": record.DeclaredSHA256,
			"observed": digest,
		}); err != nil {
			return "", err
		}
		return repository.FileStateRejected, nil
	}

	checksumOK := true
	evidence := &repository.ScanEvidence{ObservedSize: &observed, ChecksumOK: &checksumOK}

	// 粗粒度策略复核用存储里观测到的大小，而不是客户端申报值
	verdict := policy.CheckDeclared(record.OriginalName, record.DeclaredType, observed, s.opts.MaxSizeBytes)
	if !verdict.Allowed {
		if err := s.finishTerminal(ctx, req, record, repository.FileStateQuarantined, evidence, AuditUploadQuarantine, map[string]any{
			"reason":  verdict.Reason,
			"details": verdict.Details,
		}); err != nil {
			return "", err
		}
		return repository.FileStateQuarantined, nil
	}

	committed, err := s.files.UpdateStateIf(ctx, record.ID, record.State, repository.FileStateScanning, evidence)
	if err != nil {
		return "", err
	}
	if !committed {
		return "", fmt.Errorf("%w: state changed concurrently", ErrConflict)
	}

	if err := s.queue.Enqueue(ctx, record.ID); err != nil {
		// 文件停留在 SCANNING 而不回退状态；重试本次调用即可重投
		return "", fmt.Errorf("%w: enqueue scan: %v", ErrTransient, err)
	}

	s.audit.Record(ctx, AuditUploadCompleted, req, record.ID, map[string]any{
		"observed_size": observed,
	})

	return repository.FileStateScanning, nil
}

// finishTerminal 提交终态转移、退还预留并落审计，终态路径共用。
func (s *FileService) finishTerminal(ctx context.Context, req Requester, record *repository.FileRecord, target repository.FileState, evidence *repository.ScanEvidence, action string, metadata map[string]any) error {
	committed, err := s.files.UpdateStateIf(ctx, record.ID, record.State, target, evidence)
	if err != nil {
		return err
	}
	if !committed {
		return fmt.Errorf("%w: state changed concurrently", ErrConflict)
	}

	s.releaseQuota(ctx, record.OwnerID, record.DeclaredSize)
	s.audit.Record(ctx, action, req, record.ID, metadata)
	return nil
}

// streamChecksum 以有界分块流式计算对象的 SHA-256。
func (s *FileService) streamChecksum(ctx context.Context, key string) (string, error) {
	body, err := s.store.Read(ctx, key)
	if err != nil {
		return "", err
	}
	defer body.Close()

	hash := sha256.New()
	buf := make([]byte, checksumChunkSize)
	if _, err := io.CopyBuffer(hash, body, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
