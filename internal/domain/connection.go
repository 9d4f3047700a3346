package domain

import "time"

// ConnectionState is the Connection state machine's current state.
type ConnectionState string

const (
	StateConnecting ConnectionState = "CONNECTING"
	StateHelloSent  ConnectionState = "HELLO_SENT"
	StateActive     ConnectionState = "ACTIVE"
	StateDraining   ConnectionState = "DRAINING"
	StateClosed     ConnectionState = "CLOSED"
)

// EntityType distinguishes agent connections from human/dashboard ones.
type EntityType string

const (
	EntityAgent EntityType = "agent"
	EntityUser  EntityType = "user"
)

// AgentRegistryEntry is the durable registry record for one agent name.
// Created/updated when a Connection becomes ACTIVE; persisted atomically.
// A name is not removed on disconnect, only by explicit REMOVE_AGENT.
type AgentRegistryEntry struct {
	Name        string    `json:"name"`
	CLI         string    `json:"cli,omitempty"`
	Program     string    `json:"program,omitempty"`
	Model       string    `json:"model,omitempty"`
	Task        string    `json:"task,omitempty"`
	WorkDir     string    `json:"workDir,omitempty"`
	Team        string    `json:"team,omitempty"`
	LastSeen    time.Time `json:"lastSeen"`
	ResumeToken string    `json:"resumeToken,omitempty"`
}

// SubscriptionState is the Router's in-memory topic/channel bookkeeping.
// It is rebuilt in-process and, for channels, seeded from the membership
// store when one is configured.
type SubscriptionState struct {
	TopicMembers   map[string]map[string]struct{} // topic -> agent names
	ChannelMembers map[string]map[string]struct{} // channel -> agent names
	AgentTopics    map[string]map[string]struct{} // agent -> topics
	AgentChannels  map[string]map[string]struct{} // agent -> channels
}

// NewSubscriptionState returns an empty, ready-to-use SubscriptionState.
func NewSubscriptionState() *SubscriptionState {
	return &SubscriptionState{
		TopicMembers:   make(map[string]map[string]struct{}),
		ChannelMembers: make(map[string]map[string]struct{}),
		AgentTopics:    make(map[string]map[string]struct{}),
		AgentChannels:  make(map[string]map[string]struct{}),
	}
}

// ShadowBinding links a shadow agent to the primary agent it observes.
// At most one primary per shadow; a primary may have many shadows.
type ShadowBinding struct {
	Shadow          string
	Primary         string
	SpeakOn         map[string]struct{}
	ReceiveIncoming bool
	ReceiveOutgoing bool
}

// PendingAck tracks one outstanding blocking-SEND correlation.
type PendingAck struct {
	CorrelationID  string
	RequesterConnID string
	CreatedAt      time.Time
	TimeoutMs      int
}
