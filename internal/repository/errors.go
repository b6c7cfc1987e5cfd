package repository

import "errors"

// ErrNotFound 表示目标记录不存在。
var ErrNotFound = errors.New("repository: record not found")

// ErrQuotaExceeded 表示 owner 的文件数或字节数额度不足。
var ErrQuotaExceeded = errors.New("repository: quota exceeded")
