// Package router implements the in-memory agent->connection map, topic and
// channel subscriptions, ACK bookkeeping, and shadow fan-out (§4.3). The
// Router is the single multiplexer task that owns these shared maps: only
// one goroutine at a time mutates them, and no I/O is performed while the
// guarding mutex is held.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agentrelay/internal/connection"
	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/envelope"
	"github.com/ashureev/agentrelay/internal/store"
)

// CrossMachineSender delegates a resolved-but-local-unknown recipient to
// the cloud-sync collaborator (§6); nil when no CloudSync is wired.
type CrossMachineSender interface {
	SendCrossMachine(ctx context.Context, to, from, body string) error
}

// Replier is the narrow surface Route needs from whoever originated a SEND:
// somewhere to attribute the envelope to and somewhere to deliver an error
// back to if persistence or resolution fails. *connection.Connection
// satisfies this already; the file ledger's claim-loop worker uses a
// connectionless adapter so outbox-dropped sends can flow through the same
// persist+deliver path as a live agent's SEND.
type Replier interface {
	AgentName() string
	Send(env *domain.Envelope) error
}

// Router owns the agent registry binding, subscriptions, shadow links, and
// pending-ACK table. All exported methods are safe for concurrent use.
type Router struct {
	storage store.Adapter
	cloud   CrossMachineSender
	logger  *slog.Logger

	mu          sync.Mutex
	connections map[string]*connection.Connection // agent name -> connection
	subs        *domain.SubscriptionState
	shadows     map[string]*domain.ShadowBinding // shadow name -> binding
	byPrimary   map[string]map[string]struct{}   // primary -> shadow names
	pendingAcks map[string]*pendingAckEntry
	spawning    map[string]struct{}
}

type pendingAckEntry struct {
	requesterConn *connection.Connection
	timer         *time.Timer
}

// New constructs a Router over the given storage adapter.
func New(storage store.Adapter, cloud CrossMachineSender, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		storage:     storage,
		cloud:       cloud,
		logger:      logger,
		connections: make(map[string]*connection.Connection),
		subs:        domain.NewSubscriptionState(),
		shadows:     make(map[string]*domain.ShadowBinding),
		byPrimary:   make(map[string]map[string]struct{}),
		pendingAcks: make(map[string]*pendingAckEntry),
		spawning:    make(map[string]struct{}),
	}
}

// Register binds conn to its agent name, force-closing and replacing any
// connection already holding that name (§3: "duplicate HELLO atomically
// replaces the prior connection").
func (r *Router) Register(conn *connection.Connection) {
	name := conn.AgentName()
	if name == "" {
		return
	}

	r.mu.Lock()
	prior := r.connections[name]
	r.connections[name] = conn
	r.mu.Unlock()

	if prior != nil && prior != conn {
		r.cancelPendingAcksFor(prior)
		prior.Close()
	}
}

// Unregister removes the binding if conn is still the active owner of its
// name. Subscriptions are NOT purged; the agent may reconnect.
func (r *Router) Unregister(conn *connection.Connection) {
	name := conn.AgentName()
	if name == "" {
		return
	}
	r.mu.Lock()
	if r.connections[name] == conn {
		delete(r.connections, name)
	}
	r.mu.Unlock()
	r.cancelPendingAcksFor(conn)
}

func (r *Router) cancelPendingAcksFor(conn *connection.Connection) {
	r.mu.Lock()
	var toCancel []string
	for id, entry := range r.pendingAcks {
		if entry.requesterConn == conn {
			toCancel = append(toCancel, id)
		}
	}
	for _, id := range toCancel {
		delete(r.pendingAcks, id)
	}
	r.mu.Unlock()

	for range toCancel {
		// Each cancelled correlation resolves to ERROR{code:CANCELLED} (§5).
		_ = conn.Send(cancelledError(conn.AgentName()))
	}
}

// ForceRemoveAgent purges all bookkeeping for name: binding, subscriptions,
// channel memberships, and shadow links. Returns whether anything existed.
func (r *Router) ForceRemoveAgent(name string) bool {
	var closing *connection.Connection
	defer func() {
		if closing != nil {
			closing.Close() // after r.mu is released: Close fires OnClose, which calls Unregister
		}
	}()
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := false
	if conn, ok := r.connections[name]; ok {
		delete(r.connections, name)
		closing = conn
		removed = true
	}

	if topics, ok := r.subs.AgentTopics[name]; ok {
		for topic := range topics {
			if members := r.subs.TopicMembers[topic]; members != nil {
				delete(members, name)
				if len(members) == 0 {
					delete(r.subs.TopicMembers, topic)
				}
			}
		}
		delete(r.subs.AgentTopics, name)
		removed = true
	}
	if channels, ok := r.subs.AgentChannels[name]; ok {
		for ch := range channels {
			if members := r.subs.ChannelMembers[ch]; members != nil {
				delete(members, name)
				if len(members) == 0 {
					delete(r.subs.ChannelMembers, ch)
				}
			}
		}
		delete(r.subs.AgentChannels, name)
		removed = true
	}

	if binding, ok := r.shadows[name]; ok {
		delete(r.shadows, name)
		if set := r.byPrimary[binding.Primary]; set != nil {
			delete(set, name)
		}
		removed = true
	}
	if shadowNames, ok := r.byPrimary[name]; ok {
		for shadow := range shadowNames {
			delete(r.shadows, shadow)
		}
		delete(r.byPrimary, name)
		removed = true
	}

	for id, entry := range r.pendingAcks {
		if entry.requesterConn != nil && entry.requesterConn.AgentName() == name {
			delete(r.pendingAcks, id)
		}
	}

	return removed
}

// Subscribe adds name to topic's member set.
func (r *Router) Subscribe(name, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addMember(r.subs.TopicMembers, topic, name)
	addMember(r.subs.AgentTopics, name, topic)
}

// Unsubscribe removes name from topic's member set.
func (r *Router) Unsubscribe(name, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removeMember(r.subs.TopicMembers, topic, name)
	removeMember(r.subs.AgentTopics, name, topic)
}

// HandleChannelJoin adds name to channel's member set and persists
// membership when a membership store is configured.
func (r *Router) HandleChannelJoin(ctx context.Context, name, channel string) {
	r.mu.Lock()
	addMember(r.subs.ChannelMembers, channel, name)
	addMember(r.subs.AgentChannels, name, channel)
	members := setToSlice(r.subs.ChannelMembers[channel])
	r.mu.Unlock()

	if r.storage != nil {
		if err := r.storage.SetChannelMembers(ctx, channel, members); err != nil {
			r.logger.Warn("persist channel membership failed", "channel", channel, "error", err)
		}
	}
}

// HandleChannelLeave removes name from channel's member set.
func (r *Router) HandleChannelLeave(ctx context.Context, name, channel string) {
	r.mu.Lock()
	removeMember(r.subs.ChannelMembers, channel, name)
	removeMember(r.subs.AgentChannels, name, channel)
	members := setToSlice(r.subs.ChannelMembers[channel])
	r.mu.Unlock()

	if r.storage != nil {
		if err := r.storage.SetChannelMembers(ctx, channel, members); err != nil {
			r.logger.Warn("persist channel membership failed", "channel", channel, "error", err)
		}
	}
}

// RouteChannelMessage delivers env to every connected member of the
// channel named by env.To (which must start with "#") and persists it with
// the channel field populated.
func (r *Router) RouteChannelMessage(ctx context.Context, from *connection.Connection, env *domain.Envelope) {
	channel := env.To
	var payload domain.SendPayload
	_ = env.DecodePayload(&payload)

	msg := &domain.MessageRecord{
		ID:        env.ID,
		From:      env.From,
		To:        channel,
		Body:      payload.Body,
		Thread:    payload.Thread,
		Channel:   channel,
		Timestamp: time.Now(),
		Status:    domain.MessagePending,
	}
	if r.storage != nil {
		if err := r.storage.AppendMessage(ctx, msg); err != nil {
			r.logger.Warn("persist channel message failed", "error", err)
			r.replyStorageError(from)
		}
	}

	r.mu.Lock()
	members := setToSlice(r.subs.ChannelMembers[channel])
	r.mu.Unlock()

	for _, member := range members {
		if member == env.From {
			continue
		}
		r.deliverTo(member, env)
	}
}

// BindShadow registers a shadow->primary binding.
func (r *Router) BindShadow(shadow, primary string, speakOn []string, receiveIncoming, receiveOutgoing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tags := make(map[string]struct{}, len(speakOn))
	for _, t := range speakOn {
		tags[t] = struct{}{}
	}
	r.shadows[shadow] = &domain.ShadowBinding{
		Shadow:          shadow,
		Primary:         primary,
		SpeakOn:         tags,
		ReceiveIncoming: receiveIncoming,
		ReceiveOutgoing: receiveOutgoing,
	}
	addMember(r.byPrimary, primary, shadow)
}

// UnbindShadow tears down a shadow binding.
func (r *Router) UnbindShadow(shadow string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if binding, ok := r.shadows[shadow]; ok {
		delete(r.shadows, shadow)
		removeMember(r.byPrimary, binding.Primary, shadow)
	}
}

// HandleAck marks the corresponding delivery acknowledged and resolves any
// pending-ACK correlation.
func (r *Router) HandleAck(env *domain.Envelope) {
	var ack domain.AckPayload
	_ = env.DecodePayload(&ack)

	if ack.MessageID != "" && r.storage != nil {
		ctx := context.Background()
		if err := r.storage.UpdateMessageStatus(ctx, ack.MessageID, domain.MessageAcked); err != nil {
			r.logger.Warn("mark message acked failed", "messageId", ack.MessageID, "error", err)
		}
	}

	if ack.CorrelationID == "" {
		return
	}
	r.mu.Lock()
	entry, ok := r.pendingAcks[ack.CorrelationID]
	if ok {
		delete(r.pendingAcks, ack.CorrelationID)
	}
	r.mu.Unlock()

	if ok {
		entry.timer.Stop()
		resp := envelope.New(domain.TypeAck, "_router", entry.requesterConn.AgentName())
		_ = resp.SetPayload(ack)
		_ = entry.requesterConn.Send(resp)
	}
}

// RegisterPendingAck tracks a blocking SEND awaiting ACK, resolving to
// ERROR{code:TIMEOUT} if timeoutMs elapses first. Registering a
// correlationId that is still pending is an error; once resolved or timed
// out, the id may be registered again.
func (r *Router) RegisterPendingAck(requester *connection.Connection, correlationID string, timeoutMs int) error {
	if timeoutMs <= 0 {
		timeoutMs = 30000
	}

	r.mu.Lock()
	if _, exists := r.pendingAcks[correlationID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("duplicate correlationId %q", correlationID)
	}
	entry := &pendingAckEntry{requesterConn: requester}
	entry.timer = time.AfterFunc(time.Duration(timeoutMs)*time.Millisecond, func() {
		r.mu.Lock()
		_, stillPending := r.pendingAcks[correlationID]
		delete(r.pendingAcks, correlationID)
		r.mu.Unlock()
		if stillPending {
			_ = requester.Send(timeoutError(requester.AgentName(), correlationID, timeoutMs))
		}
	})
	r.pendingAcks[correlationID] = entry
	r.mu.Unlock()
	return nil
}

// GetProcessingAgents returns agent names currently being spawned. Route
// does not consult this set: a SEND to an agent that is still spawning is
// resolved like a SEND to any other name with no live connection.
func (r *Router) GetProcessingAgents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.spawning))
	for name := range r.spawning {
		out = append(out, name)
	}
	return out
}

// MarkSpawning records that name's PTY is mid-creation.
func (r *Router) MarkSpawning(name string) {
	r.mu.Lock()
	r.spawning[name] = struct{}{}
	r.mu.Unlock()
}

// ClearSpawning clears the in-creation marker for name.
func (r *Router) ClearSpawning(name string) {
	r.mu.Lock()
	delete(r.spawning, name)
	r.mu.Unlock()
}

// Route resolves from's SEND envelope, persists it, assigns a per-stream
// sequence, and delivers to the resolved recipient(s), including shadow
// fan-out. Persistence happens before delivery (write-then-deliver).
func (r *Router) Route(ctx context.Context, from Replier, env *domain.Envelope) {
	var payload domain.SendPayload
	_ = env.DecodePayload(&payload)

	isBroadcast := env.To == domain.TargetBroadcast
	msg := &domain.MessageRecord{
		ID:          env.ID,
		From:        env.From,
		To:          env.To,
		Body:        payload.Body,
		Thread:      payload.Thread,
		Timestamp:   time.Now(),
		Status:      domain.MessagePending,
		IsBroadcast: isBroadcast,
	}

	if r.storage != nil {
		if err := r.storage.AppendMessage(ctx, msg); err != nil {
			r.logger.Warn("persist message failed", "error", err)
			r.replyStorageError(from)
			// Storage failure is non-fatal: delivery still proceeds (§4.3).
		}
	}

	recipients := r.resolveRecipients(env.To)
	for _, name := range recipients {
		if name == env.From {
			continue
		}
		r.assignSeqAndDeliver(ctx, env, name)
	}

	if len(recipients) == 0 && r.cloud != nil {
		if err := r.cloud.SendCrossMachine(ctx, env.To, env.From, payload.Body); err == nil {
			if r.storage != nil {
				_ = r.storage.UpdateMessageStatus(ctx, env.ID, domain.MessageDelivered)
			}
		} else {
			_ = from.Send(notFoundError(from.AgentName(), env.To))
		}
	} else if len(recipients) == 0 {
		_ = from.Send(notFoundError(from.AgentName(), env.To))
	}
}

// resolveRecipients implements the `to` resolution order (§4.3): exact
// agent name -> channel -> topic subscribers -> broadcast -> reserved.
func (r *Router) resolveRecipients(to string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if to == domain.TargetRouter || to == domain.TargetConsensus {
		return nil
	}
	if _, ok := r.connections[to]; ok {
		return []string{to}
	}
	if len(to) > 0 && to[0] == '#' {
		return setToSlice(r.subs.ChannelMembers[to])
	}
	if members, ok := r.subs.TopicMembers[to]; ok {
		return setToSlice(members)
	}
	if to == domain.TargetBroadcast {
		out := make([]string, 0, len(r.connections))
		for name := range r.connections {
			out = append(out, name)
		}
		return out
	}
	return nil
}

func (r *Router) assignSeqAndDeliver(ctx context.Context, env *domain.Envelope, recipient string) {
	key := domain.StreamSeqKey{Topic: env.Topic, Peer: env.From}
	var seq int64
	if r.storage != nil {
		if s, err := r.storage.NextSeq(ctx, recipient, key); err == nil {
			seq = s
		}
	}

	out := *env
	out.To = recipient
	out.Seq = &seq
	r.deliverToEnvelope(recipient, &out)
}

func (r *Router) deliverTo(recipient string, env *domain.Envelope) {
	r.deliverToEnvelope(recipient, env)
}

func (r *Router) deliverToEnvelope(recipient string, env *domain.Envelope) {
	r.mu.Lock()
	conn, ok := r.connections[recipient]
	shadowNames := setToSlice(r.byPrimary[recipient])
	var shadowBindings []*domain.ShadowBinding
	for _, s := range shadowNames {
		if b := r.shadows[s]; b != nil {
			shadowBindings = append(shadowBindings, b)
		}
	}
	r.mu.Unlock()

	if ok {
		_ = conn.Send(env)
	}

	for _, binding := range shadowBindings {
		if !binding.ReceiveIncoming {
			continue
		}
		r.mu.Lock()
		shadowConn, sok := r.connections[binding.Shadow]
		r.mu.Unlock()
		if sok {
			_ = shadowConn.Send(env)
		}
	}
}

// ReplayPending re-emits unacked messages from storage for a resumed
// session as new SEND envelopes. Stored messages carry no sequence number,
// so the replayed envelopes have no Seq set.
func (r *Router) ReplayPending(ctx context.Context, conn *connection.Connection, seedSeqs map[string]int64) {
	name := conn.AgentName()
	if r.storage == nil {
		return
	}
	for key, seed := range seedSeqs {
		topic, peer := splitSeedKey(key)
		msgs, err := r.storage.UnackedSince(ctx, name, domain.StreamSeqKey{Topic: topic, Peer: peer}, seed)
		if err != nil {
			r.logger.Warn("replay pending failed", "agent", name, "error", err)
			continue
		}
		for _, msg := range msgs {
			env := envelope.New(domain.TypeSend, msg.From, name)
			_ = env.SetPayload(domain.SendPayload{Body: msg.Body, Thread: msg.Thread, IsBroadcast: msg.IsBroadcast})
			_ = conn.Send(env)
		}
	}
}

// DeliverPendingMessages delivers messages stored while the agent was
// offline (no resume token case: deliver everything still PENDING).
func (r *Router) DeliverPendingMessages(ctx context.Context, conn *connection.Connection) {
	if r.storage == nil {
		return
	}
	name := conn.AgentName()
	msgs, err := r.storage.QueryMessages(ctx, domain.MessageFilter{To: name, UnreadOnly: true, Order: "asc"})
	if err != nil {
		r.logger.Warn("deliver pending messages failed", "agent", name, "error", err)
		return
	}
	for _, msg := range msgs {
		env := envelope.New(domain.TypeSend, msg.From, name)
		_ = env.SetPayload(domain.SendPayload{Body: msg.Body, Thread: msg.Thread, IsBroadcast: msg.IsBroadcast})
		_ = conn.Send(env)
	}
}

// ConnectedAgents returns the names of every currently-ACTIVE connection.
func (r *Router) ConnectedAgents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.connections))
	for name := range r.connections {
		out = append(out, name)
	}
	return out
}

func (r *Router) replyStorageError(from Replier) {
	env := envelope.New(domain.TypeError, "_router", from.AgentName())
	_ = env.SetPayload(domain.ErrorPayload{Code: domain.ErrStorage, Message: "persistence failed", Fatal: false})
	_ = from.Send(env)
}

// systemReplier is a Replier with no live connection, used by Router itself
// when originating a SEND that did not come from an agent (the system
// broadcasts sent by BroadcastSystemMessage).
type systemReplier struct{ name string }

func (s systemReplier) AgentName() string            { return s.name }
func (s systemReplier) Send(env *domain.Envelope) error { return nil }

// BroadcastSystemMessage delivers body as a SEND from "_router" to every
// connected agent (§4.8: crash notices are injected into every PTY child as
// well as surfaced to the dashboard; resource alerts are not broadcast).
func (r *Router) BroadcastSystemMessage(ctx context.Context, body string) {
	env := envelope.New(domain.TypeSend, "_router", domain.TargetBroadcast)
	_ = env.SetPayload(domain.SendPayload{Body: body})
	r.Route(ctx, systemReplier{name: "_router"}, env)
}

func addMember(m map[string]map[string]struct{}, key, member string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[member] = struct{}{}
}

func removeMember(m map[string]map[string]struct{}, key, member string) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, member)
	if len(set) == 0 {
		delete(m, key)
	}
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

func splitSeedKey(key string) (topic, peer string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[:i], key[i+1:]
		}
	}
	return "", key
}

func cancelledError(to string) *domain.Envelope {
	env := envelope.New(domain.TypeError, "_router", to)
	_ = env.SetPayload(domain.ErrorPayload{Code: domain.ErrCancelled, Message: "connection closed"})
	return env
}

func timeoutError(to, correlationID string, timeoutMs int) *domain.Envelope {
	env := envelope.New(domain.TypeError, "_router", to)
	_ = env.SetPayload(domain.ErrorPayload{
		Code: domain.ErrTimeout, Message: "blocking send timed out",
		CorrelationID: correlationID, TimeoutMs: timeoutMs,
	})
	return env
}

func notFoundError(to, recipient string) *domain.Envelope {
	env := envelope.New(domain.TypeError, "_router", to)
	_ = env.SetPayload(domain.ErrorPayload{Code: domain.ErrNotFound, Message: "unknown recipient: " + recipient})
	return env
}
