package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"filegate/internal/api"
	"filegate/internal/config"
	"filegate/internal/database"
	"filegate/internal/logging"
	"filegate/internal/queue/redisq"
	"filegate/internal/ratelimit"
	"filegate/internal/repository"
	"filegate/internal/repository/postgres"
	"filegate/internal/service"
	"filegate/internal/storage/s3"

	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New()
	logger.Println("配置加载完成，开始启动服务")

	ctx := context.Background()

	db, err := database.Connect(ctx, cfg)
	if err != nil {
		logger.Fatalf("连接数据库失败: %v", err)
	}
	defer db.Close()

	store, err := s3.New(ctx, s3.Config{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		UseSSL:    cfg.S3UseSSL,
	})
	if err != nil {
		logger.Fatalf("初始化对象存储失败: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	var limiter ratelimit.Limiter
	if err := redisClient.Ping(ctx).Err(); err != nil {
		// 计数存储不可用时退化为进程内限流，共享额度语义在恢复后回归
		logger.Printf("Redis 不可用，限流退化为内存实现: %v", err)
		limiter = ratelimit.NewMemory()
	} else {
		limiter = ratelimit.NewRedis(redisClient, cfg.RateLimitFailOpen, logger)
	}

	scanQueue := redisq.New(redisClient, "scan")

	fileRepo := postgres.NewFileRepository(db)
	quotaRepo := postgres.NewQuotaRepository(db)
	auditRepo := postgres.NewAuditRepository(db)
	audit := service.NewAuditRecorder(auditRepo, logger)

	fileService := service.NewFileService(fileRepo, quotaRepo, store, scanQueue, audit, service.Options{
		Bucket:       cfg.S3Bucket,
		Quota:        repository.QuotaLimits{MaxFiles: cfg.QuotaMaxFiles, MaxBytes: cfg.QuotaMaxBytes},
		MaxSizeBytes: cfg.MaxSizeBytes,
		UploadTTL:    cfg.UploadTTL,
		DownloadTTL:  cfg.DownloadTTL,
	}, logger)

	router := api.NewRouter(cfg, limiter, api.NewFileHandler(fileService))

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		Handler:      router,
	}

	logger.Printf("服务监听端口 :%s\n", cfg.HTTPPort)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("监听失败: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("优雅关闭失败: %v", err)
	}

	logger.Println("服务已停止")
}
