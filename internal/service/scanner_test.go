package service

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"filegate/internal/queue"
	"filegate/internal/repository"
)

func newTestScanner(env *testEnv, backoff []time.Duration) *Scanner {
	logger := log.New(io.Discard, "", 0)
	return NewScanner(env.files, env.quotas, env.store, env.queue, NewAuditRecorder(env.audit, logger), env.opts, backoff, logger)
}

// seedScanning 准备一个处于 SCANNING 的文件与对应的对象内容。
func seedScanning(t *testing.T, env *testEnv, filename, contentType string, content []byte) string {
	t.Helper()

	fileID := initiateAndUpload(t, env, filename, contentType, sha256Hex(content), int64(len(content)), content)
	if _, err := env.svc.Complete(context.Background(), owner, fileID); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	record, _ := env.files.GetByID(context.Background(), fileID)
	if record.State != repository.FileStateScanning {
		t.Fatalf("precondition: expected SCANNING, got %s", record.State)
	}
	return fileID
}

func TestScanner_Scan_ActivatesCleanFile(t *testing.T) {
	env := newTestEnv(testOptions())
	content := []byte("perfectly ordinary text")
	fileID := seedScanning(t, env, "notes.txt", "text/plain", content)
	scanner := newTestScanner(env, nil)

	if err := scanner.Scan(context.Background(), fileID); err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}

	record, _ := env.files.GetByID(context.Background(), fileID)
	if record.State != repository.FileStateActive {
		t.Fatalf("expected ACTIVE, got %s", record.State)
	}
	if env.quotas.commits != 1 {
		t.Fatalf("expected exactly 1 quota commit, got %d", env.quotas.commits)
	}

	counter, _ := env.quotas.Get(context.Background(), owner.Subject)
	if counter.TotalBytes != int64(len(content)) {
		t.Fatalf("total_bytes must equal ACTIVE bytes: got %d want %d", counter.TotalBytes, len(content))
	}
	if counter.ReservedBytes != 0 {
		t.Fatalf("reservation must be consumed, reserved=%d", counter.ReservedBytes)
	}

	found := false
	for _, action := range env.audit.actions() {
		if action == AuditScanPass {
			found = true
		}
	}
	if !found {
		t.Fatal("expected SCAN_PASS audit event")
	}
}

func TestScanner_Scan_QuarantinesOnSniffMismatch(t *testing.T) {
	env := newTestEnv(testOptions())
	// 申报为 PDF 的纯文本：完成校验看不出来，扫描时嗅探会揭穿
	content := []byte("this is plain text pretending to be a pdf")
	fileID := seedScanning(t, env, "doc.pdf", "application/pdf", content)
	scanner := newTestScanner(env, nil)

	if err := scanner.Scan(context.Background(), fileID); err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}

	record, _ := env.files.GetByID(context.Background(), fileID)
	if record.State != repository.FileStateQuarantined {
		t.Fatalf("expected QUARANTINED, got %s", record.State)
	}
	if env.quotas.commits != 0 {
		t.Fatalf("quarantined file must not commit quota, commits=%d", env.quotas.commits)
	}
	if env.quotas.releases != 1 {
		t.Fatalf("expected reservation released, releases=%d", env.quotas.releases)
	}
}

func TestScanner_Scan_NoopOnTerminalState(t *testing.T) {
	env := newTestEnv(testOptions())
	content := []byte("text")
	fileID := seedScanning(t, env, "notes.txt", "text/plain", content)
	scanner := newTestScanner(env, nil)

	if err := scanner.Scan(context.Background(), fileID); err != nil {
		t.Fatalf("first Scan failed: %v", err)
	}
	commits := env.quotas.commits

	// 重复投递：已终局的文件既不改状态也不动配额
	if err := scanner.Scan(context.Background(), fileID); err != nil {
		t.Fatalf("duplicate Scan must succeed as no-op: %v", err)
	}

	record, _ := env.files.GetByID(context.Background(), fileID)
	if record.State != repository.FileStateActive {
		t.Fatalf("state changed by duplicate scan: %s", record.State)
	}
	if env.quotas.commits != commits {
		t.Fatalf("quota committed twice: %d", env.quotas.commits)
	}
}

func TestScanner_Scan_NoopOnMissingRecord(t *testing.T) {
	env := newTestEnv(testOptions())
	scanner := newTestScanner(env, nil)

	if err := scanner.Scan(context.Background(), "no-such-file"); err != nil {
		t.Fatalf("missing record must be a no-op: %v", err)
	}
}

func TestScanner_Scan_ConcurrentDeliveriesCommitOnce(t *testing.T) {
	env := newTestEnv(testOptions())
	content := []byte("raced content")
	fileID := seedScanning(t, env, "notes.txt", "text/plain", content)
	// 拉长条件写之前的窗口，保证两个消费者都先通过 SCANNING 检查
	env.files.updateDelay = 10 * time.Millisecond
	scanner := newTestScanner(env, nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = scanner.Scan(context.Background(), fileID)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("delivery %d errored: %v", i, err)
		}
	}

	record, _ := env.files.GetByID(context.Background(), fileID)
	if record.State != repository.FileStateActive {
		t.Fatalf("expected ACTIVE, got %s", record.State)
	}
	// 恰好一次提交：竞争落败方是空操作
	if env.quotas.commits != 1 {
		t.Fatalf("expected exactly 1 quota commit, got %d", env.quotas.commits)
	}
}

func TestScanner_Scan_ValidContainerActivates(t *testing.T) {
	env := newTestEnv(testOptions())
	content := buildOOXML(t, true)
	fileID := seedScanning(t, env, "report.docx",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document", content)
	scanner := newTestScanner(env, nil)

	if err := scanner.Scan(context.Background(), fileID); err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}

	record, _ := env.files.GetByID(context.Background(), fileID)
	if record.State != repository.FileStateActive {
		t.Fatalf("expected ACTIVE, got %s", record.State)
	}
}

func TestScanner_Scan_MalformedContainerQuarantines(t *testing.T) {
	env := newTestEnv(testOptions())
	// 外层 ZIP 签名有效，但不是可解析的归档
	content := append([]byte("PK\x03\x04"), bytes.Repeat([]byte{0x00}, 64)...)
	fileID := seedScanning(t, env, "report.docx",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document", content)
	scanner := newTestScanner(env, nil)

	if err := scanner.Scan(context.Background(), fileID); err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}

	record, _ := env.files.GetByID(context.Background(), fileID)
	if record.State != repository.FileStateQuarantined {
		t.Fatalf("expected QUARANTINED, got %s", record.State)
	}
}

func TestScanner_Process_DeadLettersAfterRetries(t *testing.T) {
	env := newTestEnv(testOptions())
	content := []byte("text")
	fileID := seedScanning(t, env, "notes.txt", "text/plain", content)
	env.store.statErr = errors.New("connection refused")
	scanner := newTestScanner(env, []time.Duration{time.Millisecond, time.Millisecond})

	delivery := &queue.Delivery{Job: queue.Job{FileID: fileID}}
	scanner.process(context.Background(), delivery)

	if len(env.queue.dead) != 1 || env.queue.dead[0] != fileID {
		t.Fatalf("expected dead letter for %s, got %v", fileID, env.queue.dead)
	}

	// 文件保持 SCANNING 等待人工处置，不自动隔离
	record, _ := env.files.GetByID(context.Background(), fileID)
	if record.State != repository.FileStateScanning {
		t.Fatalf("expected SCANNING after dead letter, got %s", record.State)
	}

	found := false
	for _, action := range env.audit.actions() {
		if action == AuditScanFail {
			found = true
		}
	}
	if !found {
		t.Fatal("expected SCAN_FAIL audit event")
	}
}

// buildOOXML 构造一个最小的 OOXML 风格 ZIP。
func buildOOXML(t *testing.T, withMarker bool) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	if withMarker {
		f, err := zw.Create("[Content_Types].xml")
		if err != nil {
			t.Fatalf("create zip entry: %v", err)
		}
		if _, err := f.Write([]byte(`<?xml version="1.0"?><Types/>`)); err != nil {
			t.Fatalf("write zip entry: %v", err)
		}
	}
	f, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatalf("create zip entry: %v", err)
	}
	if _, err := f.Write([]byte("<document/>")); err != nil {
		t.Fatalf("write zip entry: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}
