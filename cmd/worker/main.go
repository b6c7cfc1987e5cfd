package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"

	"filegate/internal/config"
	"filegate/internal/database"
	"filegate/internal/logging"
	"filegate/internal/queue/redisq"
	"filegate/internal/repository"
	"filegate/internal/repository/postgres"
	"filegate/internal/service"
	"filegate/internal/storage/s3"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New()
	logger.Println("配置加载完成，启动扫描消费者")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

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

	scanQueue := redisq.New(redisClient, "scan")

	fileRepo := postgres.NewFileRepository(db)
	quotaRepo := postgres.NewQuotaRepository(db)
	auditRepo := postgres.NewAuditRepository(db)
	audit := service.NewAuditRecorder(auditRepo, logger)

	scanner := service.NewScanner(fileRepo, quotaRepo, store, scanQueue, audit, service.Options{
		Bucket:       cfg.S3Bucket,
		Quota:        repository.QuotaLimits{MaxFiles: cfg.QuotaMaxFiles, MaxBytes: cfg.QuotaMaxBytes},
		MaxSizeBytes: cfg.MaxSizeBytes,
	}, cfg.ScanRetryBackoff, logger)

	// 消费者同样暴露指标端口，供采集扫描结论分布
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":"+cfg.HTTPPort, mux); err != nil && err != http.ErrServerClosed {
			logger.Printf("指标端口监听失败: %v", err)
		}
	}()

	if err := scanner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("扫描消费者退出: %v", err)
	}

	logger.Println("扫描消费者已停止")
}
