// Package privatechat binds two known identities to a durable conversation
// and carries messages, typing signals, read receipts and presence between
// their connections.
//
// Locking: Manager.mu guards room membership and connection bindings.
// room.mu is the per-room sequencer; it is held across persist and broadcast
// so members see messages in persistence order. room.mu may be taken before
// Manager.mu, never the other way round.
package privatechat

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/conversation"
	"github.com/whisper/relay/internal/event"
	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/moderation"
	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/ratelimit"
	"github.com/whisper/relay/internal/session"
)

// DefaultTypingTTL clears a typing indicator that was not refreshed.
const DefaultTypingTTL = 5 * time.Second

// Limiter throttles actions per connection.
type Limiter interface {
	Allow(ctx context.Context, id string, rule ratelimit.Rule) (bool, error)
}

// Screener hands persisted text to moderation. It must not block.
type Screener interface {
	Screen(sess *session.Session, scope, text string)
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetention stamps persisted messages with created+d as their expiry.
// Zero disables the marker.
func WithRetention(d time.Duration) Option { return func(m *Manager) { m.retention = d } }

// WithTypingTTL sets the typing inactivity timeout.
func WithTypingTTL(d time.Duration) Option { return func(m *Manager) { m.typing = NewTypingTracker(d) } }

// WithLimiter throttles private messages.
func WithLimiter(l Limiter) Option { return func(m *Manager) { m.limiter = l } }

// WithScreener receives persisted text for moderation.
func WithScreener(s Screener) Option { return func(m *Manager) { m.screener = s } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

type room struct {
	key string

	mu             sync.Mutex
	conversationID string // guarded by mu

	members map[string]struct{} // conn ids, guarded by Manager.mu
}

type binding struct {
	room      *room
	partnerID string
}

// Manager is the PrivateChatSessionManager.
type Manager struct {
	mu    sync.Mutex
	rooms map[string]*room    // room key -> room
	joins map[string]*binding // conn id -> binding

	sessions *session.Table
	emitter  event.Emitter
	store    conversation.Store
	typing   *TypingTracker
	unread   *UnreadCounter

	presenceMu sync.Mutex

	retention time.Duration
	limiter   Limiter
	screener  Screener
	now       func() time.Time
}

// NewManager creates a manager.
func NewManager(sessions *session.Table, emitter event.Emitter, store conversation.Store, opts ...Option) *Manager {
	m := &Manager{
		rooms:    make(map[string]*room),
		joins:    make(map[string]*binding),
		sessions: sessions,
		emitter:  emitter,
		store:    store,
		typing:   NewTypingTracker(DefaultTypingTTL),
		unread:   NewUnreadCounter(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Close stops pending typing timers.
func (m *Manager) Close() {
	m.typing.Close()
}

func (m *Manager) emit(connID, msgType string, payload interface{}) {
	if err := m.emitter.Emit(connID, msgType, payload); err != nil {
		log.Printf("[private] emit %s to %s: %v", msgType, connID, err)
	}
}

func (m *Manager) fail(connID, code, detail string) {
	m.emit(connID, protocol.TypePrivateError, protocol.ErrorMsg{Error: code, Message: detail})
}

// Join binds connID to the conversation with partnerUserID, creating it on
// first use, and replies with partner-joined.
func (m *Manager) Join(ctx context.Context, connID, partnerUserID string) {
	sess, ok := m.sessions.Get(connID)
	if !ok {
		return
	}
	if partnerUserID == "" || partnerUserID == sess.UserID {
		m.fail(connID, protocol.CodeInvalidPayload, "partnerUserId must name another user")
		return
	}

	conv, err := m.store.FindOrCreateConversation(ctx, []string{sess.UserID, partnerUserID}, conversation.KindDirect)
	if err != nil {
		log.Printf("[private] join conn=%s user=%s partner=%s: %v", connID, sess.UserID, partnerUserID, err)
		m.fail(connID, protocol.CodePersistenceFailure, "could not open conversation")
		return
	}

	key := conversation.RoomKey(sess.UserID, partnerUserID)

	m.mu.Lock()
	if !m.sessions.Live(sess) {
		m.mu.Unlock()
		return
	}
	if b, ok := m.joins[connID]; ok && b.room.key != key {
		m.leaveLocked(connID, b)
	}
	r, ok := m.rooms[key]
	if !ok {
		r = &room{key: key, conversationID: conv.ID, members: make(map[string]struct{})}
		m.rooms[key] = r
	}
	r.members[connID] = struct{}{}
	m.joins[connID] = &binding{room: r, partnerID: partnerUserID}
	metrics.PrivateRooms.Set(float64(len(m.rooms)))
	m.mu.Unlock()

	// The store is authoritative; a room may still point at a conversation
	// that was deleted since it was opened.
	r.mu.Lock()
	if r.conversationID != conv.ID {
		log.Printf("[private] room=%s rebound from %s to %s", key, r.conversationID, conv.ID)
		r.conversationID = conv.ID
	}
	r.mu.Unlock()

	log.Printf("[private] join conn=%s user=%s room=%s conversation=%s", connID, sess.UserID, key, conv.ID)
	m.emit(connID, protocol.TypePartnerJoined, protocol.PartnerJoinedMsg{
		PartnerID:      partnerUserID,
		ConversationID: conv.ID,
		Unread:         m.unread.Count(conv.ID, sess.UserID),
	})
}

func (m *Manager) leaveLocked(connID string, b *binding) {
	delete(b.room.members, connID)
	if len(b.room.members) == 0 {
		delete(m.rooms, b.room.key)
	}
	delete(m.joins, connID)
	metrics.PrivateRooms.Set(float64(len(m.rooms)))
}

func (m *Manager) bindingOf(connID string) (*binding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.joins[connID]
	return b, ok
}

func (m *Manager) membersOf(r *room) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Keys(r.members)
}

// Message persists a message in the joined conversation and then broadcasts
// the stored copy to every connection in the room. A message that failed to
// persist is never broadcast.
func (m *Manager) Message(ctx context.Context, connID, content, msgType string) {
	sess, ok := m.sessions.Get(connID)
	if !ok {
		return
	}
	if msgType == "" {
		msgType = string(conversation.TypeText)
	}
	typ := conversation.MessageType(msgType)
	if !typ.Valid() {
		m.fail(connID, protocol.CodeInvalidMessage, "unknown message type")
		return
	}
	if err := chat.ValidateMessage(content); err != nil {
		metrics.Messages.WithLabelValues(moderation.ScopePrivate, "rejected").Inc()
		m.fail(connID, protocol.CodeInvalidMessage, err.Error())
		return
	}
	if m.limiter != nil {
		if ok, err := m.limiter.Allow(ctx, connID, ratelimit.RulePrivateMessage); err == nil && !ok {
			metrics.Messages.WithLabelValues(moderation.ScopePrivate, "rejected").Inc()
			m.fail(connID, protocol.CodeRateLimited, "slow down")
			return
		}
	}

	b, ok := m.bindingOf(connID)
	if !ok {
		m.fail(connID, protocol.CodeNotJoined, "join a conversation first")
		return
	}

	r := b.room
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, err := m.appendLocked(ctx, r, sess, b.partnerID, content, typ)
	if err != nil {
		log.Printf("[private] persist conn=%s room=%s: %v", connID, r.key, err)
		metrics.Messages.WithLabelValues(moderation.ScopePrivate, "failed").Inc()
		m.fail(connID, protocol.CodePersistenceFailure, "message was not saved")
		return
	}
	metrics.Messages.WithLabelValues(moderation.ScopePrivate, "persisted").Inc()
	m.unread.Add(msg.ConversationID, b.partnerID)
	m.typing.Stop(sess.UserID, b.partnerID)

	var out event.Outbox
	out.Broadcast(m.membersOf(r), protocol.TypePrivateMessage, protocol.ServerPrivateMessage{
		ConversationID: msg.ConversationID,
		Message:        view(msg),
	})
	out.Flush(m.emitter)

	if m.screener != nil {
		m.screener.Screen(sess, moderation.ScopePrivate, content)
	}
}

// appendLocked persists one message. If the bound conversation was deleted
// underneath the room it is re-resolved and the append retried once.
// r.mu must be held.
func (m *Manager) appendLocked(ctx context.Context, r *room, sess *session.Session, partnerID, content string, typ conversation.MessageType) (*conversation.Message, error) {
	in := conversation.NewMessage{
		ConversationID: r.conversationID,
		SenderID:       sess.UserID,
		Content:        content,
		Type:           typ,
	}
	if m.retention > 0 {
		exp := m.now().Add(m.retention)
		in.ExpiresAt = &exp
	}

	msg, err := m.store.AppendMessage(ctx, in)
	if !errors.Is(err, conversation.ErrNotFound) {
		return msg, err
	}

	conv, err := m.store.FindOrCreateConversation(ctx, []string{sess.UserID, partnerID}, conversation.KindDirect)
	if err != nil {
		return nil, err
	}
	log.Printf("[private] room=%s conversation %s vanished, now %s", r.key, r.conversationID, conv.ID)
	r.conversationID = conv.ID
	in.ConversationID = conv.ID
	return m.store.AppendMessage(ctx, in)
}

func view(msg *conversation.Message) protocol.MessageView {
	return protocol.MessageView{
		ID:        msg.ID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		Type:      string(msg.Type),
		Delivered: msg.Delivered,
		Seen:      msg.Seen,
		CreatedAt: msg.CreatedAt.UnixMilli(),
	}
}

// Typing forwards a typing signal to every connection of the target identity
// and arms the inactivity timer.
func (m *Manager) Typing(ctx context.Context, connID, to string) {
	sess, ok := m.sessions.Get(connID)
	if !ok {
		return
	}
	if to == sess.UserID {
		m.fail(connID, protocol.CodeInvalidPayload, "cannot signal yourself")
		return
	}
	targets := m.sessions.ConnectionsOf(to)
	if len(targets) == 0 {
		m.fail(connID, protocol.CodePartnerUnavailable, "user is not connected")
		return
	}

	var out event.Outbox
	out.Broadcast(targets, protocol.TypeTyping, protocol.ServerTypingMsg{From: sess.UserID})
	out.Flush(m.emitter)

	from := sess.UserID
	m.typing.Touch(from, to, func() {
		var out event.Outbox
		out.Broadcast(m.sessions.ConnectionsOf(to), protocol.TypeStopTyping, protocol.ServerTypingMsg{From: from})
		out.Flush(m.emitter)
	})
}

// StopTyping clears the indicator on every connection of the target.
func (m *Manager) StopTyping(ctx context.Context, connID, to string) {
	sess, ok := m.sessions.Get(connID)
	if !ok {
		return
	}
	m.typing.Stop(sess.UserID, to)

	targets := m.sessions.ConnectionsOf(to)
	if len(targets) == 0 {
		m.fail(connID, protocol.CodePartnerUnavailable, "user is not connected")
		return
	}
	var out event.Outbox
	out.Broadcast(targets, protocol.TypeStopTyping, protocol.ServerTypingMsg{From: sess.UserID})
	out.Flush(m.emitter)
}

// ReadMessage marks the partner's unseen messages as seen. Newly seen ids go
// to the whole room; a call that changed nothing answers only the reader.
func (m *Manager) ReadMessage(ctx context.Context, connID, conversationID string) {
	sess, ok := m.sessions.Get(connID)
	if !ok {
		return
	}
	b, ok := m.bindingOf(connID)
	if !ok {
		m.fail(connID, protocol.CodeNotJoined, "join a conversation first")
		return
	}

	r := b.room
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conversationID != conversationID {
		m.fail(connID, protocol.CodeConversationMismatch, "not the joined conversation")
		return
	}
	ids, err := m.store.MarkSeen(ctx, conversationID, sess.UserID)
	if err != nil {
		log.Printf("[private] mark seen conn=%s conversation=%s: %v", connID, conversationID, err)
		m.fail(connID, protocol.CodePersistenceFailure, "could not update read state")
		return
	}
	m.unread.Reset(conversationID, sess.UserID)

	receipt := protocol.ReadReceiptMsg{ConversationID: conversationID, MessageIDs: ids}
	if len(ids) == 0 {
		receipt.MessageIDs = []string{}
		m.emit(connID, protocol.TypeReadMessage, receipt)
		return
	}
	var out event.Outbox
	out.Broadcast(m.membersOf(r), protocol.TypeReadMessage, receipt)
	out.Flush(m.emitter)
}

// AnnounceOnline tells every other identity's connections that userID came
// online. Called on the identity's first connection.
func (m *Manager) AnnounceOnline(userID string) {
	m.announce(userID, protocol.TypeUserOnline, true)
}

// AnnounceOffline is called when the identity's last connection closed.
func (m *Manager) AnnounceOffline(userID string) {
	m.announce(userID, protocol.TypeUserOffline, false)
}

// announce broadcasts a presence change unless the session table already
// disagrees with it. Announcements are serialized, so the last one sent
// always matches the table.
func (m *Manager) announce(userID, msgType string, online bool) {
	m.presenceMu.Lock()
	defer m.presenceMu.Unlock()
	if m.sessions.Online(userID) != online {
		return
	}

	own := lo.SliceToMap(m.sessions.ConnectionsOf(userID), func(id string) (string, struct{}) {
		return id, struct{}{}
	})
	others := lo.Filter(m.sessions.All(), func(id string, _ int) bool {
		_, mine := own[id]
		return !mine
	})

	var out event.Outbox
	out.Broadcast(others, msgType, protocol.PresenceMsg{UserID: userID})
	out.Flush(m.emitter)
}

// Disconnect unbinds a closing connection from its room.
func (m *Manager) Disconnect(_ context.Context, sess *session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.joins[sess.ID]; ok {
		m.leaveLocked(sess.ID, b)
	}
}

// Rooms returns the number of rooms with at least one joined connection.
func (m *Manager) Rooms() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// Unread returns how many messages userID has not read in conversationID.
func (m *Manager) Unread(conversationID, userID string) int {
	return m.unread.Count(conversationID, userID)
}

// ConversationOf returns the conversation bound to connID.
func (m *Manager) ConversationOf(connID string) (string, bool) {
	b, ok := m.bindingOf(connID)
	if !ok {
		return "", false
	}
	b.room.mu.Lock()
	defer b.room.mu.Unlock()
	return b.room.conversationID, true
}
