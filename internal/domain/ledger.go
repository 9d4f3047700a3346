package domain

import "time"

// FileLedgerStatus is one state of the relay_files claim state machine.
type FileLedgerStatus string

const (
	FileStatusPending    FileLedgerStatus = "pending"
	FileStatusProcessing FileLedgerStatus = "processing"
	FileStatusDelivered  FileLedgerStatus = "delivered"
	FileStatusFailed     FileLedgerStatus = "failed"
	FileStatusArchived   FileLedgerStatus = "archived"
)

// FileKind is the outbox file's KIND header (defaults to "msg").
type FileKind string

const (
	FileKindMessage FileKind = "msg"
	FileKindSpawn   FileKind = "spawn"
	FileKindRelease FileKind = "release"
)

// FileLedgerRecord is the durable record backing one outbox file drop.
// Unique on (sourcePath, status in {pending,processing}) — only one active
// record may exist per canonical path.
type FileLedgerRecord struct {
	FileID       string           `json:"fileId"` // 12-hex
	SourcePath   string           `json:"sourcePath"`
	SymlinkPath  string           `json:"symlinkPath,omitempty"`
	AgentName    string           `json:"agentName"`
	MessageType  FileKind         `json:"messageType"`
	Status       FileLedgerStatus `json:"status"`
	Retries      int              `json:"retries"`
	MaxRetries   int              `json:"maxRetries"`
	DiscoveredAt time.Time        `json:"discoveredAt"`
	ProcessedAt  *time.Time       `json:"processedAt,omitempty"`
	ArchivedAt   *time.Time       `json:"archivedAt,omitempty"`
	Error        string           `json:"error,omitempty"`
	ContentHash  string           `json:"contentHash,omitempty"`
	FileSize     int64            `json:"fileSize"`
	FileMtimeNs  int64            `json:"fileMtimeNs"`
	FileInode    uint64           `json:"fileInode"`
}

// IsActive reports whether the record still occupies the one-active-per-path
// slot (pending or processing).
func (r *FileLedgerRecord) IsActive() bool {
	return r.Status == FileStatusPending || r.Status == FileStatusProcessing
}

// ReservedAgentNames are rejected at file-registration time.
var ReservedAgentNames = map[string]bool{
	"Lead":      true,
	"System":    true,
	"Broadcast": true,
	"*":         true,
}
