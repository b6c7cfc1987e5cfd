package s3

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"filegate/internal/storage"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config 包含 S3/MinIO 存储所需的配置。
type Config struct {
	Endpoint  string // 不含协议，如 "localhost:9000" 或 "s3.amazonaws.com"
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool // 是否使用 HTTPS
}

// Store 实现了 storage.ObjectStore 接口，使用 S3 兼容存储。
type Store struct {
	client *minio.Client
	bucket string
}

// New 创建新的 S3 存储实例。
func New(ctx context.Context, cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	// 检查 bucket 是否存在，不存在则创建
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{
			Region: cfg.Region,
		}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &Store{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// Bucket 返回后端 bucket 名，写入文件记录的存储位置。
func (s *Store) Bucket() string {
	return s.bucket
}

// PresignPut 签发范围限定到单个 key 与 PUT 方法的上传能力 URL。
func (s *Store) PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (*storage.PresignedURL, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("s3 store uninitialized")
	}

	u, err := s.client.PresignedPutObject(ctx, s.bucket, key, ttl)
	if err != nil {
		return nil, fmt.Errorf("presign put: %w", err)
	}

	headers := map[string]string{}
	if contentType != "" {
		headers["Content-Type"] = contentType
	}

	return &storage.PresignedURL{
		URL:       u.String(),
		Method:    "PUT",
		Headers:   headers,
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

// PresignGet 签发只读能力 URL；params 可携带响应头改写
// （如 response-content-disposition）。
func (s *Store) PresignGet(ctx context.Context, key string, ttl time.Duration, params url.Values) (*storage.PresignedURL, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("s3 store uninitialized")
	}

	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, params)
	if err != nil {
		return nil, fmt.Errorf("presign get: %w", err)
	}

	return &storage.PresignedURL{
		URL:       u.String(),
		Method:    "GET",
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

// Stat 执行元数据探针，只确认存在与大小。
func (s *Store) Stat(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("s3 store uninitialized")
	}

	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrObjectNotFound
		}
		return nil, fmt.Errorf("stat object: %w", err)
	}

	return &storage.ObjectInfo{
		Key:         info.Key,
		Size:        info.Size,
		ContentType: info.ContentType,
	}, nil
}

// Read 返回完整对象内容的流式读取器。
func (s *Store) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("s3 store uninitialized")
	}

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}

	// GetObject 是惰性的，用 Stat 确认对象存在
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNotFound(err) {
			return nil, storage.ErrObjectNotFound
		}
		return nil, fmt.Errorf("stat object: %w", err)
	}

	return obj, nil
}

// ReadRange 读取 [offset, offset+length) 的有界字节段，用于嗅探前缀。
func (s *Store) ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("s3 store uninitialized")
	}

	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(offset, offset+length-1); err != nil {
		return nil, fmt.Errorf("set range: %w", err)
	}

	obj, err := s.client.GetObject(ctx, s.bucket, key, opts)
	if err != nil {
		return nil, fmt.Errorf("get object range: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrObjectNotFound
		}
		// 对象比请求范围短时照常返回已读到的字节
		if len(data) > 0 {
			return data, nil
		}
		return nil, fmt.Errorf("read object range: %w", err)
	}

	return data, nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NotFound"
}
