// Package store provides the relay's storage adapter interface and its
// embedded-SQL implementation.
package store

import (
	"context"

	"github.com/ashureev/agentrelay/internal/domain"
)

// Adapter is the replaceable storage back-end contract (§4.4): append
// message; query messages; session start/end; session lookup by resume
// token; per-stream max sequence; remove agent; channel membership
// get/set; health check. SQLiteStore satisfies it, both for the local
// database file and for the store NewRemote opens from a storage URL
// (NewRemote accepts sqlite URLs only).
type Adapter interface {
	// AppendMessage persists one message record, assigned before delivery
	// (write-then-deliver, §4.3 persistence rule).
	AppendMessage(ctx context.Context, msg *domain.MessageRecord) error

	// UpdateMessageStatus transitions a message's delivery status.
	UpdateMessageStatus(ctx context.Context, id string, status domain.MessageStatus) error

	// QueryMessages returns messages matching filter, most-recent-first
	// unless filter.Order == "asc".
	QueryMessages(ctx context.Context, filter domain.MessageFilter) ([]domain.MessageRecord, error)

	// StartSession records a new Connection session for an agent and
	// returns its resume token.
	StartSession(ctx context.Context, agentName, sessionID string) (resumeToken string, err error)

	// EndSession marks a session ended (does not remove registry entry).
	EndSession(ctx context.Context, agentName, sessionID string) error

	// SessionByResumeToken looks up the prior session id and seed sequence
	// high-water marks for a reconnecting agent.
	SessionByResumeToken(ctx context.Context, agentName, resumeToken string) (sessionID string, seedSeqs map[string]int64, ok bool, err error)

	// NextSeq atomically increments and returns the next sequence number
	// for (agentName, stream key).
	NextSeq(ctx context.Context, agentName string, key domain.StreamSeqKey) (int64, error)

	// UpsertAgent creates or refreshes a durable registry entry.
	UpsertAgent(ctx context.Context, entry domain.AgentRegistryEntry) error

	// GetAgent looks up a registry entry by name.
	GetAgent(ctx context.Context, name string) (*domain.AgentRegistryEntry, error)

	// ListAgents returns every known registry entry.
	ListAgents(ctx context.Context) ([]domain.AgentRegistryEntry, error)

	// RemoveAgent purges a registry entry with its sessions, stream
	// sequences and channel memberships; messages are left in place (see
	// RemoveMessagesForAgent).
	RemoveAgent(ctx context.Context, name string) error

	// RemoveMessagesForAgent deletes every message record referencing name.
	RemoveMessagesForAgent(ctx context.Context, name string) (int64, error)

	// ChannelMembers returns the known members of a channel.
	ChannelMembers(ctx context.Context, channel string) ([]string, error)

	// SetChannelMembers replaces the membership set for a channel.
	SetChannelMembers(ctx context.Context, channel string, members []string) error

	// UnackedSince returns unacked messages for (agentName, peer, topic)
	// with seq > fromSeq, used to replay on resume (§4.3 replayPending).
	UnackedSince(ctx context.Context, agentName string, key domain.StreamSeqKey, fromSeq int64) ([]domain.MessageRecord, error)

	// Ping reports persistence connectivity.
	Ping(ctx context.Context) error

	// Driver returns a human-readable backend name ("sqlite", "postgres", ...).
	Driver() string

	// Close releases underlying resources.
	Close() error
}
