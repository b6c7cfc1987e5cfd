package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"filegate/internal/policy"
	"filegate/internal/queue"
	"filegate/internal/repository"
	"filegate/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// filesScannedTotal 记录扫描结论分布
	filesScannedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "files_scanned_total",
			Help: "Total number of scan jobs by outcome",
		},
		[]string{"outcome"},
	)

	// scanDuration 记录单次扫描耗时
	scanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "file_scan_duration_seconds",
		Help:    "Scan job duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	})
)

const (
	scanOutcomeActive      = "active"
	scanOutcomeQuarantined = "quarantined"
	scanOutcomeNoop        = "noop"
	scanOutcomeDeadLetter  = "dead_letter"
)

// Scanner 是异步扫描消费者：从队列取任务，对存储中的真实字节做
// 权威策略判定，并用条件写提交终局转移。投递可能重复，
// 全部判定都从存储重读权威状态，不信任任何载荷内容。
type Scanner struct {
	files  repository.FileRepository
	quotas repository.QuotaRepository
	store  storage.ObjectStore
	queue  queue.Queue
	audit  *AuditRecorder
	opts   Options
	// backoff 是瞬时故障的重试退避序列，耗尽后任务进死信
	backoff []time.Duration
	logger  *log.Logger
}

// NewScanner 创建扫描消费者。
func NewScanner(
	files repository.FileRepository,
	quotas repository.QuotaRepository,
	store storage.ObjectStore,
	q queue.Queue,
	audit *AuditRecorder,
	opts Options,
	backoff []time.Duration,
	logger *log.Logger,
) *Scanner {
	return &Scanner{
		files:   files,
		quotas:  quotas,
		store:   store,
		queue:   q,
		audit:   audit,
		opts:    opts,
		backoff: backoff,
		logger:  logger,
	}
}

// Run 是消费主循环：启动时先回收崩溃残留的处理中任务，然后阻塞消费。
func (s *Scanner) Run(ctx context.Context) error {
	recovered, err := s.queue.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover pending scans: %w", err)
	}
	if recovered > 0 && s.logger != nil {
		s.logger.Printf("回收 %d 条处理中的扫描任务", recovered)
	}

	for {
		delivery, err := s.queue.Dequeue(ctx, 5*time.Second)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if s.logger != nil {
				s.logger.Printf("取扫描任务失败: %v", err)
			}
			continue
		}

		s.process(ctx, delivery)
	}
}

// process 对一次投递执行扫描，瞬时故障按退避序列重试，
// 耗尽后进死信；文件保持 SCANNING 等待人工处置，
// 故障可能出在基础设施而非内容本身，不自动隔离。
func (s *Scanner) process(ctx context.Context, delivery *queue.Delivery) {
	attempt := delivery.Attempt
	for {
		err := s.Scan(ctx, delivery.FileID)
		if err == nil {
			if ackErr := s.queue.Ack(ctx, delivery); ackErr != nil && s.logger != nil {
				s.logger.Printf("确认扫描任务失败 file=%s: %v", delivery.FileID, ackErr)
			}
			return
		}

		if ctx.Err() != nil {
			// 停机中；任务留在处理中表，下次启动由 Recover 重投
			return
		}

		if attempt >= len(s.backoff) {
			if s.logger != nil {
				s.logger.Printf("扫描重试耗尽，进入死信 file=%s: %v", delivery.FileID, err)
			}
			filesScannedTotal.WithLabelValues(scanOutcomeDeadLetter).Inc()
			s.audit.Record(ctx, AuditScanFail, Requester{}, delivery.FileID, map[string]any{
				"error":    err.Error(),
				"attempts": attempt + 1,
			})
			if dlErr := s.queue.DeadLetter(ctx, delivery, err.Error()); dlErr != nil && s.logger != nil {
				s.logger.Printf("写入死信失败 file=%s: %v", delivery.FileID, dlErr)
			}
			return
		}

		if s.logger != nil {
			s.logger.Printf("扫描失败，%s 后重试 file=%s attempt=%d: %v", s.backoff[attempt], delivery.FileID, attempt, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.backoff[attempt]):
		}
		attempt++
	}
}

// Scan 对单个文件执行权威策略判定。
// 记录缺失或已离开 SCANNING 都按成功的空操作处理，吸收重复投递；
// 返回错误表示瞬时故障，调用方决定重试或死信。
func (s *Scanner) Scan(ctx context.Context, fileID string) error {
	started := time.Now()
	defer func() {
		scanDuration.Observe(time.Since(started).Seconds())
	}()

	record, err := s.files.GetByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			filesScannedTotal.WithLabelValues(scanOutcomeNoop).Inc()
			return nil
		}
		return fmt.Errorf("load file record: %w", err)
	}

	if record.State != repository.FileStateScanning {
		filesScannedTotal.WithLabelValues(scanOutcomeNoop).Inc()
		return nil
	}

	evidence, verdict, err := s.gatherAndEvaluate(ctx, record)
	if err != nil {
		return err
	}

	target := repository.FileStateActive
	if !verdict.Allowed {
		target = repository.FileStateQuarantined
	}

	// 条件写：仅当仍为 SCANNING 时提交；竞争落败方是空操作而非错误
	committed, err := s.files.UpdateStateIf(ctx, record.ID, repository.FileStateScanning, target, evidence)
	if err != nil {
		return fmt.Errorf("commit scan verdict: %w", err)
	}
	if !committed {
		filesScannedTotal.WithLabelValues(scanOutcomeNoop).Inc()
		return nil
	}

	requester := Requester{Subject: record.OwnerID}
	observed := record.DeclaredSize
	if evidence.ObservedSize != nil {
		observed = *evidence.ObservedSize
	}

	if target == repository.FileStateActive {
		if err := s.quotas.Commit(ctx, record.OwnerID, record.DeclaredSize, observed); err != nil && s.logger != nil {
			s.logger.Printf("落实配额失败 owner=%s file=%s: %v", record.OwnerID, record.ID, err)
		}
		filesScannedTotal.WithLabelValues(scanOutcomeActive).Inc()
		s.audit.Record(ctx, AuditScanPass, requester, record.ID, map[string]any{
			"sniffed": deref(evidence.SniffedType),
		})
		return nil
	}

	if err := s.quotas.Release(ctx, record.OwnerID, record.DeclaredSize); err != nil && s.logger != nil {
		s.logger.Printf("退还配额失败 owner=%s file=%s: %v", record.OwnerID, record.ID, err)
	}
	filesScannedTotal.WithLabelValues(scanOutcomeQuarantined).Inc()
	s.audit.Record(ctx, AuditScanQuarantined, requester, record.ID, map[string]any{
		"reason":   verdict.Reason,
		"sniffed":  deref(evidence.SniffedType),
		"declared": record.DeclaredType,
		"details":  verdict.Details,
	})
	return nil
}

// gatherAndEvaluate 从存储取权威证据并运行策略引擎。
// 证据按成本递增取用：元数据探针、前缀嗅探，只有容器类型才整读。
func (s *Scanner) gatherAndEvaluate(ctx context.Context, record *repository.FileRecord) (*repository.ScanEvidence, policy.Verdict, error) {
	info, err := s.store.Stat(ctx, record.ObjectKey)
	if err != nil {
		return nil, policy.Verdict{}, fmt.Errorf("stat object: %w", err)
	}

	sample, err := s.store.ReadRange(ctx, record.ObjectKey, 0, policy.SniffLimit)
	if err != nil {
		return nil, policy.Verdict{}, fmt.Errorf("read sniff prefix: %w", err)
	}

	sniffed := policy.Sniff(sample)

	var container []byte
	if policy.RequiresContainer(record.OriginalName) && withinLimit(info.Size, s.opts.MaxSizeBytes) {
		container, err = s.readAll(ctx, record.ObjectKey)
		if err != nil {
			return nil, policy.Verdict{}, fmt.Errorf("read container: %w", err)
		}
	}

	verdict := policy.Evaluate(policy.Evidence{
		Filename:     record.OriginalName,
		DeclaredType: record.DeclaredType,
		SniffedType:  sniffed,
		SizeBytes:    info.Size,
		Sample:       sample,
		Container:    container,
	}, s.opts.MaxSizeBytes)

	evidence := &repository.ScanEvidence{
		ObservedSize: &info.Size,
		SniffedType:  &sniffed,
	}
	return evidence, verdict, nil
}

func (s *Scanner) readAll(ctx context.Context, key string) ([]byte, error) {
	body, err := s.store.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

func withinLimit(size, limit int64) bool {
	return limit <= 0 || size <= limit
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
