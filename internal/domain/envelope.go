// Package domain holds the shared data model that every relay component
// operates on: envelopes, connection state, registry entries, subscription
// and shadow bookkeeping, message records, ledger records, and the error
// taxonomy.
package domain

import "encoding/json"

// ProtocolVersion is the only envelope wire version this daemon speaks.
const ProtocolVersion = 1

// EnvelopeType enumerates every frame type that can cross the wire.
type EnvelopeType string

const (
	TypeHello                        EnvelopeType = "HELLO"
	TypeWelcome                      EnvelopeType = "WELCOME"
	TypePing                         EnvelopeType = "PING"
	TypePong                         EnvelopeType = "PONG"
	TypeSend                         EnvelopeType = "SEND"
	TypeAck                          EnvelopeType = "ACK"
	TypeError                        EnvelopeType = "ERROR"
	TypeSubscribe                    EnvelopeType = "SUBSCRIBE"
	TypeUnsubscribe                  EnvelopeType = "UNSUBSCRIBE"
	TypeChannelJoin                  EnvelopeType = "CHANNEL_JOIN"
	TypeChannelLeave                 EnvelopeType = "CHANNEL_LEAVE"
	TypeChannelMessage               EnvelopeType = "CHANNEL_MESSAGE"
	TypeShadowBind                   EnvelopeType = "SHADOW_BIND"
	TypeShadowUnbind                 EnvelopeType = "SHADOW_UNBIND"
	TypeLog                          EnvelopeType = "LOG"
	TypeSpawn                        EnvelopeType = "SPAWN"
	TypeRelease                      EnvelopeType = "RELEASE"
	TypeStatus                       EnvelopeType = "STATUS"
	TypeStatusResponse               EnvelopeType = "STATUS_RESPONSE"
	TypeInbox                        EnvelopeType = "INBOX"
	TypeInboxResponse                EnvelopeType = "INBOX_RESPONSE"
	TypeMessagesQuery                EnvelopeType = "MESSAGES_QUERY"
	TypeMessagesResponse             EnvelopeType = "MESSAGES_RESPONSE"
	TypeListAgents                   EnvelopeType = "LIST_AGENTS"
	TypeListAgentsResponse           EnvelopeType = "LIST_AGENTS_RESPONSE"
	TypeListConnectedAgents          EnvelopeType = "LIST_CONNECTED_AGENTS"
	TypeListConnectedAgentsResponse  EnvelopeType = "LIST_CONNECTED_AGENTS_RESPONSE"
	TypeRemoveAgent                  EnvelopeType = "REMOVE_AGENT"
	TypeRemoveAgentResponse          EnvelopeType = "REMOVE_AGENT_RESPONSE"
	TypeHealth                       EnvelopeType = "HEALTH"
	TypeHealthResponse               EnvelopeType = "HEALTH_RESPONSE"
	TypeMetrics                      EnvelopeType = "METRICS"
	TypeMetricsResponse              EnvelopeType = "METRICS_RESPONSE"
	TypeAgentReady                   EnvelopeType = "AGENT_READY"
)

// KnownEnvelopeTypes is used to reject unknown variants at decode time
// (tagged-variant payloads: unknown variants are a PROTOCOL error, never
// silently accepted).
var KnownEnvelopeTypes = map[EnvelopeType]bool{
	TypeHello: true, TypeWelcome: true, TypePing: true, TypePong: true,
	TypeSend: true, TypeAck: true, TypeError: true,
	TypeSubscribe: true, TypeUnsubscribe: true,
	TypeChannelJoin: true, TypeChannelLeave: true, TypeChannelMessage: true,
	TypeShadowBind: true, TypeShadowUnbind: true,
	TypeLog: true, TypeSpawn: true, TypeRelease: true,
	TypeStatus: true, TypeStatusResponse: true,
	TypeInbox: true, TypeInboxResponse: true,
	TypeMessagesQuery: true, TypeMessagesResponse: true,
	TypeListAgents: true, TypeListAgentsResponse: true,
	TypeListConnectedAgents: true, TypeListConnectedAgentsResponse: true,
	TypeRemoveAgent: true, TypeRemoveAgentResponse: true,
	TypeHealth: true, TypeHealthResponse: true,
	TypeMetrics: true, TypeMetricsResponse: true,
	TypeAgentReady: true,
}

// Reserved `to` targets with special routing meaning.
const (
	TargetBroadcast  = "*"
	TargetRouter     = "_router"
	TargetConsensus  = "_consensus"
)

// SyncMeta describes blocking-SEND correlation (payload_meta.sync).
type SyncMeta struct {
	Blocking      bool   `json:"blocking"`
	CorrelationID string `json:"correlationId"`
	TimeoutMs     int    `json:"timeoutMs,omitempty"`
}

// PayloadMeta is the optional envelope-level metadata bag.
type PayloadMeta struct {
	Sync *SyncMeta `json:"sync,omitempty"`
}

// StreamSeqKey identifies one (topic, peer) sequence stream for a sender.
type StreamSeqKey struct {
	Topic string `json:"topic,omitempty"`
	Peer  string `json:"peer"`
}

// Envelope is the universal frame that crosses every relay path: the local
// control socket, the per-agent PTY control socket, and the file outbox.
type Envelope struct {
	Version   int             `json:"version"`
	Type      EnvelopeType    `json:"type"`
	ID        string          `json:"id"`
	Ts        int64           `json:"ts"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Topic     string          `json:"topic,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Meta      *PayloadMeta    `json:"payload_meta,omitempty"`
	Seq       *int64          `json:"seq,omitempty"`
}

// DecodePayload unmarshals the envelope's payload into v.
func (e *Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// SetPayload marshals v into the envelope's payload field.
func (e *Envelope) SetPayload(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.Payload = raw
	return nil
}

// Payload schemas. Each envelope type's payload is one of these; the codec
// layer only validates the envelope shape, callers decode the specific
// payload they expect.

type HelloPayload struct {
	AgentName   string `json:"agentName"`
	EntityType  string `json:"entityType"` // "agent" | "user"
	CLI         string `json:"cli,omitempty"`
	Program     string `json:"program,omitempty"`
	Model       string `json:"model,omitempty"`
	Task        string `json:"task,omitempty"`
	WorkDir     string `json:"workDir,omitempty"`
	Team        string `json:"team,omitempty"`
	ResumeToken string `json:"resumeToken,omitempty"`
}

type WelcomePayload struct {
	SessionID     string                  `json:"sessionId"`
	ResumeToken   string                  `json:"resumeToken"`
	SeedSequences map[string]int64        `json:"seedSequences,omitempty"`
}

type SendPayload struct {
	Body        string `json:"body"`
	Thread      string `json:"thread,omitempty"`
	IsBroadcast bool   `json:"isBroadcast,omitempty"`
}

type AckPayload struct {
	MessageID     string `json:"messageId"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// ErrorKind is the taxonomy of error dispositions an ERROR envelope can
// carry, per the error handling design.
type ErrorKind string

const (
	ErrProtocol     ErrorKind = "PROTOCOL"
	ErrTransport    ErrorKind = "TRANSPORT"
	ErrStorage      ErrorKind = "STORAGE"
	ErrNotFound     ErrorKind = "NOT_FOUND"
	ErrTimeout      ErrorKind = "TIMEOUT"
	ErrCancelled    ErrorKind = "CANCELLED"
	ErrBackpressure ErrorKind = "BACKPRESSURE"
	ErrInternal     ErrorKind = "INTERNAL"
)

type ErrorPayload struct {
	Code          ErrorKind `json:"code"`
	Message       string    `json:"message"`
	Fatal         bool      `json:"fatal,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	TimeoutMs     int       `json:"timeoutMs,omitempty"`
}

type SubscribePayload struct {
	Topic string `json:"topic"`
}

type ChannelPayload struct {
	Channel string `json:"channel"`
}

type ShadowBindPayload struct {
	Primary          string   `json:"primary"`
	SpeakOn          []string `json:"speakOn,omitempty"`
	ReceiveIncoming  bool     `json:"receiveIncoming"`
	ReceiveOutgoing  bool     `json:"receiveOutgoing"`
}

type SpawnPayload struct {
	Name    string `json:"name"`
	CLI     string `json:"cli"`
	Program string `json:"program,omitempty"`
	Model   string `json:"model,omitempty"`
	Task    string `json:"task,omitempty"`
	WorkDir string `json:"workDir,omitempty"`
	Team    string `json:"team,omitempty"`
}

type ReleasePayload struct {
	Name string `json:"name"`
}

type StatusResponsePayload struct {
	Uptime          int64  `json:"uptimeMs"`
	ConnectedAgents int    `json:"connectedAgents"`
	Driver          string `json:"storageDriver"`
}

type InboxResponsePayload struct {
	Messages []MessageRecord `json:"messages"`
}

type MessagesQueryPayload struct {
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	Thread     string `json:"thread,omitempty"`
	SinceTs    int64  `json:"sinceTs,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Order      string `json:"order,omitempty"` // "asc" | "desc"
	UnreadOnly bool   `json:"unreadOnly,omitempty"`
}

type MessagesResponsePayload struct {
	Messages []MessageRecord `json:"messages"`
}

type ListAgentsResponsePayload struct {
	Agents []AgentRegistryEntry `json:"agents"`
}

type ListConnectedAgentsResponsePayload struct {
	Agents []string `json:"agents"`
	Users  []string `json:"users"`
}

type RemoveAgentPayload struct {
	Name string `json:"name"`
}

type RemoveAgentResponsePayload struct {
	Removed bool `json:"removed"`
}

type HealthResponsePayload struct {
	Healthy bool   `json:"healthy"`
	Driver  string `json:"storageDriver"`
	Detail  string `json:"detail,omitempty"`
}

type MetricsResponsePayload struct {
	Metrics map[string]float64 `json:"metrics"`
}
