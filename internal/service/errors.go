package service

import "errors"

// 服务层错误分类，处理器用 errors.Is 映射为 HTTP 状态码。
var (
	// ErrValidation 表示申报元数据不合规，在创建任何记录之前被拒绝。
	ErrValidation = errors.New("service: validation failed")
	// ErrQuotaExceeded 表示额度不足，在创建任何记录之前被拒绝。
	ErrQuotaExceeded = errors.New("service: quota exceeded")
	// ErrNotFound 表示记录不存在。归属不匹配也返回它，避免存在性泄露。
	ErrNotFound = errors.New("service: file not found")
	// ErrConflict 表示状态前置条件不满足，如对已推进的文件重复完成。
	ErrConflict = errors.New("service: state conflict")
	// ErrNotActive 表示文件未处于可下载状态。
	ErrNotActive = errors.New("service: file not active")
	// ErrTransient 表示外部存储暂时不可用，可以重试。
	ErrTransient = errors.New("service: transient store error")
)
