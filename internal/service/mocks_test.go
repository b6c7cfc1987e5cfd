package service

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"sync"
	"time"

	"filegate/internal/queue"
	"filegate/internal/repository"
	"filegate/internal/storage"
)

// 包内测试共用的替身实现，风格与持久层接口一一对应。

type mockFileRepo struct {
	mu      sync.Mutex
	records map[string]*repository.FileRecord
	// updateDelay 用于在状态条件写前制造竞争窗口
	updateDelay time.Duration
	createErr   error
	getErr      error
}

func newMockFileRepo() *mockFileRepo {
	return &mockFileRepo{records: make(map[string]*repository.FileRecord)}
}

func (m *mockFileRepo) Create(ctx context.Context, record *repository.FileRecord) (*repository.FileRecord, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *record
	now := time.Now().UTC()
	clone.CreatedAt = now
	clone.UpdatedAt = now
	m.records[clone.ID] = &clone
	out := clone
	return &out, nil
}

func (m *mockFileRepo) GetByID(ctx context.Context, id string) (*repository.FileRecord, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *record
	return &clone, nil
}

func (m *mockFileRepo) List(ctx context.Context, params repository.ListFilesParams) ([]repository.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.FileRecord
	for _, record := range m.records {
		if record.OwnerID == params.OwnerID {
			out = append(out, *record)
		}
	}
	return out, nil
}

func (m *mockFileRepo) UpdateStateIf(ctx context.Context, id string, expected, target repository.FileState, evidence *repository.ScanEvidence) (bool, error) {
	if m.updateDelay > 0 {
		time.Sleep(m.updateDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if record.State != expected {
		return false, nil
	}
	record.State = target
	record.UpdatedAt = time.Now().UTC()
	if evidence != nil {
		if evidence.ObservedSize != nil {
			size := *evidence.ObservedSize
			record.ObservedSize = &size
		}
		if evidence.SniffedType != nil {
			sniffed := *evidence.SniffedType
			record.SniffedType = &sniffed
		}
		if evidence.ChecksumOK != nil {
			record.ChecksumOK = *evidence.ChecksumOK
		}
	}
	return true, nil
}

type mockQuotaRepo struct {
	mu       sync.Mutex
	counters map[string]*repository.QuotaCounter
	reserves int
	commits  int
	releases int
}

func newMockQuotaRepo() *mockQuotaRepo {
	return &mockQuotaRepo{counters: make(map[string]*repository.QuotaCounter)}
}

func (m *mockQuotaRepo) counter(ownerID string) *repository.QuotaCounter {
	counter, ok := m.counters[ownerID]
	if !ok {
		counter = &repository.QuotaCounter{OwnerID: ownerID}
		m.counters[ownerID] = counter
	}
	return counter
}

func (m *mockQuotaRepo) Reserve(ctx context.Context, ownerID string, size int64, limits repository.QuotaLimits) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	counter := m.counter(ownerID)
	if counter.FileCount >= limits.MaxFiles || counter.TotalBytes+counter.ReservedBytes+size > limits.MaxBytes {
		return repository.ErrQuotaExceeded
	}
	counter.FileCount++
	counter.ReservedBytes += size
	m.reserves++
	return nil
}

func (m *mockQuotaRepo) Commit(ctx context.Context, ownerID string, reserved, observed int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	counter := m.counter(ownerID)
	counter.TotalBytes += observed
	counter.ReservedBytes -= reserved
	if counter.ReservedBytes < 0 {
		counter.ReservedBytes = 0
	}
	m.commits++
	return nil
}

func (m *mockQuotaRepo) Release(ctx context.Context, ownerID string, reserved int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	counter := m.counter(ownerID)
	counter.FileCount--
	if counter.FileCount < 0 {
		counter.FileCount = 0
	}
	counter.ReservedBytes -= reserved
	if counter.ReservedBytes < 0 {
		counter.ReservedBytes = 0
	}
	m.releases++
	return nil
}

func (m *mockQuotaRepo) Get(ctx context.Context, ownerID string) (*repository.QuotaCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *m.counter(ownerID)
	return &clone, nil
}

type mockAuditRepo struct {
	mu     sync.Mutex
	events []repository.AuditEvent
}

func (m *mockAuditRepo) Append(ctx context.Context, event *repository.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *event)
	return nil
}

func (m *mockAuditRepo) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, event := range m.events {
		out = append(out, event.Action)
	}
	return out
}

type mockStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	statErr error
	readErr error
}

func newMockStore() *mockStore {
	return &mockStore{objects: make(map[string][]byte)}
}

func (m *mockStore) put(key string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = content
}

func (m *mockStore) PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (*storage.PresignedURL, error) {
	return &storage.PresignedURL{
		URL:       "https://objects.test/" + key + "?sig=put",
		Method:    "PUT",
		Headers:   map[string]string{"Content-Type": contentType},
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

func (m *mockStore) PresignGet(ctx context.Context, key string, ttl time.Duration, params url.Values) (*storage.PresignedURL, error) {
	return &storage.PresignedURL{
		URL:       "https://objects.test/" + key + "?sig=get&" + params.Encode(),
		Method:    "GET",
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

func (m *mockStore) Stat(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	if m.statErr != nil {
		return nil, m.statErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return &storage.ObjectInfo{Key: key, Size: int64(len(content))}, nil
}

func (m *mockStore) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	if m.readErr != nil {
		return nil, m.readErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (m *mockStore) ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	if m.readErr != nil {
		return nil, m.readErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	if offset >= int64(len(content)) {
		return nil, nil
	}
	end := offset + length
	if end > int64(len(content)) {
		end = int64(len(content))
	}
	return content[offset:end], nil
}

type mockQueue struct {
	mu       sync.Mutex
	enqueued []string
	dead     []string
	acks     int
}

func (m *mockQueue) Enqueue(ctx context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueued = append(m.enqueued, fileID)
	return nil
}

func (m *mockQueue) Dequeue(ctx context.Context, wait time.Duration) (*queue.Delivery, error) {
	return nil, queue.ErrEmpty
}

func (m *mockQueue) Ack(ctx context.Context, d *queue.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks++
	return nil
}

func (m *mockQueue) DeadLetter(ctx context.Context, d *queue.Delivery, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead = append(m.dead, d.FileID)
	return nil
}

func (m *mockQueue) Recover(ctx context.Context) (int, error) {
	return 0, nil
}
