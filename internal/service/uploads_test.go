package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"filegate/internal/repository"
)

func testOptions() Options {
	return Options{
		Bucket:       "filegate-test",
		Quota:        repository.QuotaLimits{MaxFiles: 10, MaxBytes: 1 << 30},
		MaxSizeBytes: 50 * 1024 * 1024,
		UploadTTL:    15 * time.Minute,
		DownloadTTL:  5 * time.Minute,
	}
}

type testEnv struct {
	files  *mockFileRepo
	quotas *mockQuotaRepo
	store  *mockStore
	queue  *mockQueue
	audit  *mockAuditRepo
	svc    *FileService
	opts   Options
}

func newTestEnv(opts Options) *testEnv {
	env := &testEnv{
		files:  newMockFileRepo(),
		quotas: newMockQuotaRepo(),
		store:  newMockStore(),
		queue:  &mockQueue{},
		audit:  &mockAuditRepo{},
		opts:   opts,
	}
	logger := log.New(io.Discard, "", 0)
	env.svc = NewFileService(env.files, env.quotas, env.store, env.queue, NewAuditRecorder(env.audit, logger), opts, logger)
	return env
}

func sha256Hex(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

var owner = Requester{Subject: "owner-1", IP: "203.0.113.7", UserAgent: "test-agent"}

func TestFileService_Initiate_IssuesCapability(t *testing.T) {
	env := newTestEnv(testOptions())

	result, err := env.svc.Initiate(context.Background(), owner, InitiateInput{
		Filename:       "notes.txt",
		DeclaredType:   "text/plain",
		DeclaredSHA256: sha256Hex([]byte("hello")),
		DeclaredSize:   5,
	})
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}
	if result.State != repository.FileStateInitiated {
		t.Fatalf("expected INITIATED, got %s", result.State)
	}
	if result.Upload == nil || result.Upload.URL == "" {
		t.Fatal("expected presigned upload URL")
	}
	if result.Upload.Method != "PUT" {
		t.Fatalf("expected PUT capability, got %s", result.Upload.Method)
	}

	record, err := env.files.GetByID(context.Background(), result.FileID)
	if err != nil {
		t.Fatalf("record not created: %v", err)
	}
	// 对象键不得从文件名推导，防止枚举
	if record.ObjectKey == "" || record.ObjectKey == "notes.txt" {
		t.Fatalf("object key must not derive from filename, got %q", record.ObjectKey)
	}
	if env.quotas.reserves != 1 {
		t.Fatalf("expected 1 quota reservation, got %d", env.quotas.reserves)
	}

	actions := env.audit.actions()
	if len(actions) != 1 || actions[0] != AuditUploadInitiated {
		t.Fatalf("unexpected audit actions: %v", actions)
	}
}

func TestFileService_Initiate_RejectsDisallowedExtension(t *testing.T) {
	env := newTestEnv(testOptions())

	_, err := env.svc.Initiate(context.Background(), owner, InitiateInput{
		Filename:       "tool.exe",
		DeclaredType:   "application/octet-stream",
		DeclaredSHA256: sha256Hex([]byte("mz")),
		DeclaredSize:   128,
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	// 拒绝发生在任何记录创建之前
	if len(env.files.records) != 0 {
		t.Fatalf("expected no record, got %d", len(env.files.records))
	}
	if env.quotas.reserves != 0 {
		t.Fatalf("expected no reservation, got %d", env.quotas.reserves)
	}
}

func TestFileService_Initiate_QuotaExceededAtFileLimit(t *testing.T) {
	opts := testOptions()
	opts.Quota.MaxFiles = 1
	env := newTestEnv(opts)

	first, err := env.svc.Initiate(context.Background(), owner, InitiateInput{
		Filename:       "a.txt",
		DeclaredType:   "text/plain",
		DeclaredSHA256: sha256Hex([]byte("a")),
		DeclaredSize:   1,
	})
	if err != nil {
		t.Fatalf("first initiate failed: %v", err)
	}

	_, err = env.svc.Initiate(context.Background(), owner, InitiateInput{
		Filename:       "b.txt",
		DeclaredType:   "text/plain",
		DeclaredSHA256: sha256Hex([]byte("b")),
		DeclaredSize:   1,
	})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if len(env.files.records) != 1 {
		t.Fatalf("expected only the first record, got %d", len(env.files.records))
	}
	if _, getErr := env.files.GetByID(context.Background(), first.FileID); getErr != nil {
		t.Fatalf("first record lost: %v", getErr)
	}
}

func TestFileService_Initiate_RejectsBadChecksumFormat(t *testing.T) {
	env := newTestEnv(testOptions())

	_, err := env.svc.Initiate(context.Background(), owner, InitiateInput{
		Filename:       "a.txt",
		DeclaredType:   "text/plain",
		DeclaredSHA256: "not-a-checksum",
		DeclaredSize:   1,
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestFileService_Initiate_RejectsDeclaredMimeMismatch(t *testing.T) {
	env := newTestEnv(testOptions())

	_, err := env.svc.Initiate(context.Background(), owner, InitiateInput{
		Filename:       "photo.png",
		DeclaredType:   "application/pdf",
		DeclaredSHA256: sha256Hex([]byte("png")),
		DeclaredSize:   100,
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
