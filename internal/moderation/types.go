package moderation

// Scope values for Request.Scope.
const (
	ScopeRandom  = "random"
	ScopePrivate = "private"
)

// Request is published to moderation.check after a message was relayed or
// persisted.
type Request struct {
	Server string `json:"server"`
	ConnID string `json:"conn_id"`
	UserID string `json:"user_id"`
	Scope  string `json:"scope"`
	Text   string `json:"text"`
	Ts     int64  `json:"ts"`
}

// Verdict is published to moderation.result.<server> for blocked text.
type Verdict struct {
	ConnID string `json:"conn_id"`
	UserID string `json:"user_id"`
	Scope  string `json:"scope"`
	Reason string `json:"reason"`
	Term   string `json:"term"`
}
