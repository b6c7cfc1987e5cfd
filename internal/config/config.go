package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// RateClass 描述某一类端点的限流参数。
type RateClass struct {
	Limit  int
	Window time.Duration
}

// Config 聚合服务启动需要的关键配置。
type Config struct {
	HTTPPort           string
	CORSAllowedOrigins []string
	// 数据库配置
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	// 鉴权配置
	JWTSecret string // HMAC 密钥，为空时仅依赖 JWKS
	JWKSURL   string // 可选的远程 JWKS 端点
	// 对象存储配置
	S3Endpoint  string // S3/MinIO 端点，不含协议
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3Region    string
	S3UseSSL    bool // 是否使用 HTTPS
	// 容量配额
	QuotaMaxFiles int   // 每个 owner 允许的最大文件数
	QuotaMaxBytes int64 // 每个 owner 允许的总字节数
	MaxSizeBytes  int64 // 单个文件大小上限
	// 能力 URL 的有效期
	UploadTTL   time.Duration
	DownloadTTL time.Duration
	// Redis（队列 + 限流计数）
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// 限流：按端点类别区分额度；计数存储不可用时的策略是显式配置
	RateLimitFailOpen bool
	RateClasses       map[string]RateClass
	// 扫描重试的退避序列，耗尽后进入死信
	ScanRetryBackoff []time.Duration
}

// 端点类别名，额度在 Load 中按类别加载。
const (
	RateClassInit     = "init"
	RateClassComplete = "complete"
	RateClassDownload = "download"
	RateClassRead     = "read"
)

// Load 从环境变量加载配置，并提供默认值。
func Load() (*Config, error) {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	corsOrigins := parseList(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"http://localhost:5173"}
	}

	dbPort, err := parseIntEnv("DB_PORT", 5432)
	if err != nil {
		return nil, err
	}

	maxFiles, err := parseIntEnv("QUOTA_MAX_FILES", 100)
	if err != nil {
		return nil, err
	}
	maxBytes, err := parseInt64Env("QUOTA_MAX_BYTES", 1<<30)
	if err != nil {
		return nil, err
	}
	maxSize, err := parseInt64Env("MAX_SIZE_BYTES", 50*1024*1024)
	if err != nil {
		return nil, err
	}

	uploadTTL, err := parseDurationEnv("UPLOAD_PRESIGN_TTL", 15*time.Minute)
	if err != nil {
		return nil, err
	}
	downloadTTL, err := parseDurationEnv("DOWNLOAD_PRESIGN_TTL", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	redisDB, err := parseIntEnv("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}

	classes, err := loadRateClasses()
	if err != nil {
		return nil, err
	}

	backoff, err := parseBackoffEnv("SCAN_RETRY_BACKOFF", []time.Duration{
		10 * time.Second,
		30 * time.Second,
		60 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	return &Config{
		HTTPPort:           port,
		CORSAllowedOrigins: corsOrigins,
		DBHost:             envOrDefault("DB_HOST", "127.0.0.1"),
		DBPort:             dbPort,
		DBUser:             envOrDefault("DB_USER", "filegate"),
		DBPassword:         envOrDefault("DB_PASSWORD", "filegate"),
		DBName:             envOrDefault("DB_NAME", "filegate"),
		DBSSLMode:          envOrDefault("DB_SSL_MODE", "disable"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		JWKSURL:            os.Getenv("JWKS_URL"),
		S3Endpoint:         envOrDefault("S3_ENDPOINT", "localhost:9000"),
		S3AccessKey:        envOrDefault("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:        envOrDefault("S3_SECRET_KEY", "minioadmin"),
		S3Bucket:           envOrDefault("S3_BUCKET", "filegate"),
		S3Region:           envOrDefault("S3_REGION", "us-east-1"),
		S3UseSSL:           parseBoolEnv("S3_USE_SSL", false),
		QuotaMaxFiles:      maxFiles,
		QuotaMaxBytes:      maxBytes,
		MaxSizeBytes:       maxSize,
		UploadTTL:          uploadTTL,
		DownloadTTL:        downloadTTL,
		RedisAddr:          envOrDefault("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            redisDB,
		RateLimitFailOpen:  parseBoolEnv("RATE_LIMIT_FAIL_OPEN", true),
		RateClasses:        classes,
		ScanRetryBackoff:   backoff,
	}, nil
}

// loadRateClasses 按端点类别加载 (limit, window)。
// 完成校验与下载签发的成本更高，默认额度也更紧。
func loadRateClasses() (map[string]RateClass, error) {
	defaults := map[string]RateClass{
		RateClassInit:     {Limit: 30, Window: time.Minute},
		RateClassComplete: {Limit: 10, Window: time.Minute},
		RateClassDownload: {Limit: 20, Window: time.Minute},
		RateClassRead:     {Limit: 120, Window: time.Minute},
	}

	out := make(map[string]RateClass, len(defaults))
	for name, def := range defaults {
		upper := strings.ToUpper(name)
		limit, err := parseIntEnv("RATE_LIMIT_"+upper+"_REQUESTS", def.Limit)
		if err != nil {
			return nil, err
		}
		window, err := parseDurationEnv("RATE_LIMIT_"+upper+"_WINDOW", def.Window)
		if err != nil {
			return nil, err
		}
		out[name] = RateClass{Limit: limit, Window: window}
	}
	return out, nil
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}

	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", key, err)
	}
	if value <= 0 {
		return defaultValue, nil
	}
	return value, nil
}

func parseInt64Env(key string, defaultValue int64) (int64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}

	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", key, err)
	}
	if value <= 0 {
		return defaultValue, nil
	}
	return value, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}

	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", key, err)
	}
	if value <= 0 {
		return defaultValue, nil
	}
	return value, nil
}

// parseBackoffEnv 解析逗号分隔的退避序列，如 "10s,30s,1m"。
func parseBackoffEnv(key string, defaultValue []time.Duration) ([]time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}

	parts := parseList(raw)
	out := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("解析 %s 失败: %w", key, err)
		}
		if d <= 0 {
			continue
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return defaultValue, nil
	}
	return out, nil
}

func parseBoolEnv(key string, defaultValue bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	lower := strings.ToLower(raw)
	return lower == "true" || lower == "1" || lower == "yes"
}

// PostgresDSN 生成标准 postgres:// 连接串，供数据访问层直接使用。
func (c *Config) PostgresDSN() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:   c.DBName,
	}

	q := url.Values{}
	if c.DBSSLMode != "" {
		q.Set("sslmode", c.DBSSLMode)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

func envOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
