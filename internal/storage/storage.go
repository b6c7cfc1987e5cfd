package storage

import (
	"context"
	"io"
	"net/url"
	"time"
)

// ObjectInfo 是元数据探针的结果：只确认对象存在与大小，不读内容。
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
}

// PresignedURL 是一个带时限的能力 URL：持有者在有效期内可以对
// 指定对象执行指定方法，不再经过任何授权检查。
type PresignedURL struct {
	URL       string
	Method    string
	Headers   map[string]string
	ExpiresAt time.Time
}

// Presigner 签发对象粒度的读写能力 URL。
type Presigner interface {
	PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (*PresignedURL, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration, params url.Values) (*PresignedURL, error)
}

// Prober 探测对象元数据；对象不存在时返回 ErrObjectNotFound。
type Prober interface {
	Stat(ctx context.Context, key string) (*ObjectInfo, error)
}

// Reader 支持整读与有界范围读。范围读用于嗅探前缀，
// 整读只在校验和与容器检查时使用。
type Reader interface {
	Read(ctx context.Context, key string) (io.ReadCloser, error)
	ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error)
}

// ObjectStore 组合了网关核心需要的全部对象存储能力。
type ObjectStore interface {
	Presigner
	Prober
	Reader
}
