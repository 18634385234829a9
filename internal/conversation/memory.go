package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// MemoryStore is an in-process Store with the same semantics as PGStore.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]*Conversation // id -> conversation
	byPair        map[string]string        // pair|kind -> id
	messages      map[string][]*Message    // conversation id -> messages, append order
	now           func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		byPair:        make(map[string]string),
		messages:      make(map[string][]*Message),
		now:           time.Now,
	}
}

func (s *MemoryStore) FindOrCreateConversation(_ context.Context, participants []string, kind Kind) (*Conversation, error) {
	pair, err := CanonicalPair(participants)
	if err != nil {
		return nil, err
	}
	key := RoomKey(pair[0], pair[1]) + "|" + string(kind)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byPair[key]; ok {
		cp := *s.conversations[id]
		return &cp, nil
	}

	c := &Conversation{
		ID:           uuid.NewString(),
		Participants: pair,
		Kind:         kind,
		CreatedAt:    s.now(),
	}
	s.conversations[c.ID] = c
	s.byPair[key] = c.ID

	cp := *c
	return &cp, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg NewMessage) (*Message, error) {
	if !msg.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, msg.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[msg.ConversationID]; !ok {
		return nil, ErrNotFound
	}

	m := &Message{
		ID:             uuid.NewString(),
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		Type:           msg.Type,
		Delivered:      true,
		CreatedAt:      s.now(),
		ExpiresAt:      msg.ExpiresAt,
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], m)

	cp := *m
	return &cp, nil
}

func (s *MemoryStore) MarkSeen(_ context.Context, conversationID, readerID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unseen := lo.Filter(s.messages[conversationID], func(m *Message, _ int) bool {
		return !m.Seen && m.SenderID != readerID
	})
	for _, m := range unseen {
		m.Seen = true
	}
	return lo.Map(unseen, func(m *Message, _ int) string { return m.ID }), nil
}

// Messages returns copies of the stored messages of a conversation in
// append order.
func (s *MemoryStore) Messages(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	return lo.Map(s.messages[conversationID], func(m *Message, _ int) Message { return *m })
}

// Delete removes a conversation and its messages, as the external cleanup
// job would.
func (s *MemoryStore) Delete(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		return
	}
	delete(s.byPair, RoomKey(c.Participants[0], c.Participants[1])+"|"+string(c.Kind))
	delete(s.conversations, conversationID)
	delete(s.messages, conversationID)
}
