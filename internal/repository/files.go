package repository

import (
	"context"
	"time"
)

// FileState 描述文件生命周期状态，状态名是对外稳定契约。
type FileState string

const (
	FileStateInitiated   FileState = "INITIATED"
	FileStateUploaded    FileState = "UPLOADED"
	FileStateScanning    FileState = "SCANNING"
	FileStateActive      FileState = "ACTIVE"
	FileStateQuarantined FileState = "QUARANTINED"
	FileStateRejected    FileState = "REJECTED"
)

// allowedTransitions 是生命周期的唯一事实来源：表中没有的配对一律拒绝。
// ACTIVE / QUARANTINED / REJECTED 为终态，没有任何出边。
var allowedTransitions = map[FileState][]FileState{
	FileStateInitiated:   {FileStateUploaded, FileStateScanning, FileStateRejected, FileStateQuarantined},
	FileStateUploaded:    {FileStateScanning, FileStateRejected, FileStateQuarantined},
	FileStateScanning:    {FileStateActive, FileStateQuarantined},
	FileStateActive:      nil,
	FileStateQuarantined: nil,
	FileStateRejected:    nil,
}

// CanTransition 判断 current -> target 是否是允许的前向转移。
func CanTransition(current, target FileState) bool {
	for _, next := range allowedTransitions[current] {
		if next == target {
			return true
		}
	}
	return false
}

// Terminal 判断状态是否为终态。
func (s FileState) Terminal() bool {
	switch s {
	case FileStateActive, FileStateQuarantined, FileStateRejected:
		return true
	}
	return false
}

// Valid 判断状态名是否在契约集合内。
func (s FileState) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// FileRecord 代表数据库中的文件元数据。
type FileRecord struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"owner_id"`
	Bucket          string    `json:"bucket"`
	ObjectKey       string    `json:"object_key"`
	OriginalName    string    `json:"original_name"`
	DeclaredType    string    `json:"declared_type"`
	DeclaredSHA256  string    `json:"declared_sha256"`
	DeclaredSize    int64     `json:"declared_size"`
	ObservedSize    *int64    `json:"observed_size,omitempty"`
	SniffedType     *string   `json:"sniffed_type,omitempty"`
	ChecksumOK      bool      `json:"checksum_verified"`
	State           FileState `json:"state"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ScanEvidence 记录扫描阶段从对象存储取回的权威观测值。
type ScanEvidence struct {
	ObservedSize *int64
	SniffedType  *string
	ChecksumOK   *bool
}

// ListFilesParams 用于按 owner 分页检索文件。
type ListFilesParams struct {
	OwnerID string
	States  []FileState
	Limit   int
	Offset  int
}

// FileRepository 统一文件元数据持久层接口。
// UpdateStateIf 是整个生命周期唯一的并发原语：仅当持久化状态仍为
// expected 时提交转移，返回是否真正写入。竞争失败方拿到 false 而非错误。
type FileRepository interface {
	Create(ctx context.Context, record *FileRecord) (*FileRecord, error)
	GetByID(ctx context.Context, id string) (*FileRecord, error)
	List(ctx context.Context, params ListFilesParams) ([]FileRecord, error)
	UpdateStateIf(ctx context.Context, id string, expected, target FileState, evidence *ScanEvidence) (bool, error)
}
