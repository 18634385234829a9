// Package protocol defines the JSON frames exchanged over the WebSocket. Every
// frame is a flat object whose "type" field names the event; the remaining
// fields are the event payload.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/whisper/relay/internal/profile"
)

// Client -> Server event types.
const (
	TypeJoinRandom     = "join-random"
	TypeRandomNext     = "random:next"
	TypeRandomMessage  = "random:message"
	TypeRandomReport   = "random:report"
	TypePrivateJoin    = "privateChat:join"
	TypePrivateMessage = "privateChat:message"
	TypeTyping         = "privateChat:typing"
	TypeStopTyping     = "privateChat:stop-typing"
	TypeReadMessage    = "privateChat:readMessage"
	TypePing           = "ping"
)

// Server -> Client event types. TypePrivateMessage, TypeTyping, TypeStopTyping
// and TypeReadMessage are reused outbound.
const (
	TypeConnected     = "connected"
	TypeWaiting       = "random:waiting"
	TypeMatched       = "random:matched"
	TypeEnded         = "random:ended"
	TypePartnerGone   = "random:partner-disconnected"
	TypeRandomError   = "random:error"
	TypeReported      = "random:reported"
	TypePartnerJoined = "privateChat:partner-joined"
	TypePrivateError  = "privateChat:error"
	TypeUserOnline    = "privateChat:userOnline"
	TypeUserOffline   = "privateChat:userOffline"
	TypeBanned        = "banned"
	TypeError         = "error"
	TypePong          = "pong"
)

// Error codes carried in ErrorMsg.Error.
const (
	CodeNotConnected         = "not-connected"
	CodeNotJoined            = "not-joined"
	CodeConversationMismatch = "conversation-mismatch"
	CodePartnerUnavailable   = "partner-unavailable"
	CodePersistenceFailure   = "persistence-failure"
	CodeInvalidMessage       = "invalid-message"
	CodeInvalidPayload       = "invalid-payload"
	CodeAlreadySearching     = "already-searching"
	CodeRateLimited          = "rate-limited"
	CodeUnsupportedType      = "unsupported-type"
	CodeInternal             = "internal"
)

var (
	// ErrMalformed is returned for frames that are not a JSON object with a
	// non-empty type.
	ErrMalformed = errors.New("protocol: malformed frame")

	// ErrUnknownType is returned for a type no inbound event uses.
	ErrUnknownType = errors.New("protocol: unknown client message type")

	// ErrInvalidPayload is returned when a decoded payload fails validation.
	ErrInvalidPayload = errors.New("protocol: invalid payload")
)

// ---------------------------------------------------------------------------
// Client -> Server
// ---------------------------------------------------------------------------

type JoinRandomMsg struct{}

type NextMsg struct{}

type RandomMessageMsg struct {
	Message string `json:"message" validate:"required"`
}

type ReportMsg struct {
	Reason string `json:"reason" validate:"required,oneof=harassment spam explicit other"`
}

type PrivateJoinMsg struct {
	PartnerUserID string `json:"partnerUserId" validate:"required"`
}

type PrivateMessageMsg struct {
	Message     string `json:"message" validate:"required"`
	MessageType string `json:"messageType" validate:"omitempty,oneof=text image video audio file"`
}

// TypingMsg is used for both typing and stop-typing. From is ignored; the
// sender is always the authenticated identity.
type TypingMsg struct {
	From string `json:"from"`
	To   string `json:"to" validate:"required"`
}

type ReadMessageMsg struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

type PingMsg struct{}

// ---------------------------------------------------------------------------
// Server -> Client
// ---------------------------------------------------------------------------

type ConnectedMsg struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

type MatchedMsg struct {
	PartnerID      string          `json:"partnerId"`
	PartnerProfile *profile.Public `json:"partnerProfile"`
}

type ServerRandomMessage struct {
	Message   string `json:"message"`
	From      string `json:"from"`
	Timestamp int64  `json:"timestamp"` // unix ms
}

type PartnerJoinedMsg struct {
	PartnerID      string `json:"partnerId"`
	ConversationID string `json:"conversationId"`
	Unread         int    `json:"unread"` // messages from the partner not yet read
}

// MessageView is the authoritative copy of a persisted private message.
type MessageView struct {
	ID        string `json:"id"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	Type      string `json:"type"`
	Delivered bool   `json:"delivered"`
	Seen      bool   `json:"seen"`
	CreatedAt int64  `json:"createdAt"` // unix ms
}

type ServerPrivateMessage struct {
	ConversationID string      `json:"conversationId"`
	Message        MessageView `json:"message"`
}

type ReadReceiptMsg struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

type ServerTypingMsg struct {
	From string `json:"from"`
}

type PresenceMsg struct {
	UserID string `json:"userId"`
}

type BannedMsg struct {
	Duration int    `json:"duration"` // seconds
	Reason   string `json:"reason"`
}

// ErrorMsg is the payload of every error event. Error holds the code.
type ErrorMsg struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Empty is the payload of events that carry nothing but their type.
type Empty struct{}

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

// decoders maps each inbound type to a decoder for its payload struct.
var decoders = map[string]func([]byte) (interface{}, error){
	TypeJoinRandom:     decodeAs[JoinRandomMsg],
	TypeRandomNext:     decodeAs[NextMsg],
	TypeRandomMessage:  decodeAs[RandomMessageMsg],
	TypeRandomReport:   decodeAs[ReportMsg],
	TypePrivateJoin:    decodeAs[PrivateJoinMsg],
	TypePrivateMessage: decodeAs[PrivateMessageMsg],
	TypeTyping:         decodeAs[TypingMsg],
	TypeStopTyping:     decodeAs[TypingMsg],
	TypeReadMessage:    decodeAs[ReadMessageMsg],
	TypePing:           decodeAs[PingMsg],
}

func decodeAs[T any](data []byte) (interface{}, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ParseClientMessage decodes a frame into its type and payload struct. The
// type is returned even when decoding fails so callers can scope the error
// event.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if head.Type == "" {
		return "", nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	decode, ok := decoders[head.Type]
	if !ok {
		return head.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
	msg, err := decode(data)
	if err != nil {
		return head.Type, nil, fmt.Errorf("%w: %q: %v", ErrMalformed, head.Type, err)
	}
	return head.Type, msg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the validate tags of a decoded payload.
func Validate(msg interface{}) error {
	if err := validate.Struct(msg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field()+" "+fe.Tag())
			}
			return fmt.Errorf("%w: %s", ErrInvalidPayload, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// ErrorTypeFor returns the error event that answers a failed inbound type.
func ErrorTypeFor(msgType string) string {
	switch {
	case msgType == TypeJoinRandom, strings.HasPrefix(msgType, "random:"):
		return TypeRandomError
	case strings.HasPrefix(msgType, "privateChat:"):
		return TypePrivateError
	}
	return TypeError
}

// NewServerMessage encodes payload as a flat object with "type" set to
// msgType. A nil payload yields {"type":msgType}.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal %s payload: %w", msgType, err)
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("protocol: %s payload is not an object: %w", msgType, err)
		}
		if fields == nil {
			fields = map[string]json.RawMessage{}
		}
	}

	typ, _ := json.Marshal(msgType)
	fields["type"] = typ

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", msgType, err)
	}
	return out, nil
}
