// Package conversation defines the durable conversation and message model
// and the store contract the session managers persist through.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrNotFound is returned when a conversation does not exist.
	ErrNotFound = errors.New("conversation: not found")

	// ErrInvalidParticipants is returned when a participant set is not
	// exactly two distinct, non-empty identities.
	ErrInvalidParticipants = errors.New("conversation: need exactly two distinct participants")

	// ErrInvalidType is returned for an unknown message type tag.
	ErrInvalidType = errors.New("conversation: invalid message type")
)

// Kind distinguishes conversations born from random chat from direct ones.
type Kind string

const (
	KindRandom Kind = "random"
	KindDirect Kind = "direct"
)

// MessageType tags the payload of a message.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeVideo MessageType = "video"
	TypeAudio MessageType = "audio"
	TypeFile  MessageType = "file"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeVideo, TypeAudio, TypeFile:
		return true
	}
	return false
}

// Conversation is the durable container for messages between two identities.
// Participants is always stored in canonical (sorted) order.
type Conversation struct {
	ID           string
	Participants [2]string
	Kind         Kind
	CreatedAt    time.Time
}

// IsRandomChat reports whether the conversation originated in random chat.
func (c *Conversation) IsRandomChat() bool {
	return c.Kind == KindRandom
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return c.Participants[0] == userID || c.Participants[1] == userID
}

// Message belongs to exactly one conversation. Only Seen ever changes after
// creation, and only from false to true.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Type           MessageType
	Delivered      bool
	Seen           bool
	CreatedAt      time.Time
	ExpiresAt      *time.Time
}

// NewMessage is the input to AppendMessage.
type NewMessage struct {
	ConversationID string
	SenderID       string
	Content        string
	Type           MessageType
	ExpiresAt      *time.Time
}

// Store persists conversations and messages.
type Store interface {
	// FindOrCreateConversation returns the conversation of the given kind for
	// the unordered participant pair, creating it on first use.
	FindOrCreateConversation(ctx context.Context, participants []string, kind Kind) (*Conversation, error)

	// AppendMessage persists a message and returns it with its server-assigned
	// id and timestamp. It returns ErrNotFound if the conversation is gone.
	AppendMessage(ctx context.Context, msg NewMessage) (*Message, error)

	// MarkSeen flips seen on every unseen message in the conversation that was
	// not sent by readerID and returns the ids it changed, oldest first.
	MarkSeen(ctx context.Context, conversationID, readerID string) ([]string, error)
}

// CanonicalPair validates an unordered participant set and returns it sorted.
func CanonicalPair(participants []string) ([2]string, error) {
	if len(participants) != 2 {
		return [2]string{}, fmt.Errorf("%w: got %d", ErrInvalidParticipants, len(participants))
	}
	a, b := participants[0], participants[1]
	if a == "" || b == "" || a == b {
		return [2]string{}, ErrInvalidParticipants
	}
	pair := []string{a, b}
	sort.Strings(pair)
	return [2]string{pair[0], pair[1]}, nil
}

// RoomKey is the delivery room name for a pair of identities. Both sides get
// the same key regardless of argument order.
func RoomKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}
