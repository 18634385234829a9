package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/whisper/relay/internal/profile"
)

func TestParseClientMessage_RandomMessage(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"random:message","message":"Hello!"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeRandomMessage {
		t.Fatalf("expected type %q, got %q", TypeRandomMessage, msgType)
	}
	m, ok := msg.(RandomMessageMsg)
	if !ok {
		t.Fatalf("expected RandomMessageMsg, got %T", msg)
	}
	if m.Message != "Hello!" {
		t.Errorf("message = %q", m.Message)
	}
}

func TestParseClientMessage_PrivateMessage(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"privateChat:message","message":"hi","messageType":"image"}`))
	if err != nil {
		t.Fatal(err)
	}
	m := msg.(PrivateMessageMsg)
	if m.Message != "hi" || m.MessageType != "image" {
		t.Errorf("decoded %+v", m)
	}
}

func TestParseClientMessage_AllTypes(t *testing.T) {
	frames := map[string]string{
		TypeJoinRandom:     `{"type":"join-random"}`,
		TypeRandomNext:     `{"type":"random:next"}`,
		TypeRandomMessage:  `{"type":"random:message","message":"x"}`,
		TypeRandomReport:   `{"type":"random:report","reason":"spam"}`,
		TypePrivateJoin:    `{"type":"privateChat:join","partnerUserId":"u2"}`,
		TypePrivateMessage: `{"type":"privateChat:message","message":"x"}`,
		TypeTyping:         `{"type":"privateChat:typing","from":"u1","to":"u2"}`,
		TypeStopTyping:     `{"type":"privateChat:stop-typing","to":"u2"}`,
		TypeReadMessage:    `{"type":"privateChat:readMessage","conversationId":"c1"}`,
		TypePing:           `{"type":"ping"}`,
	}
	for want, frame := range frames {
		got, msg, err := ParseClientMessage([]byte(frame))
		if err != nil {
			t.Errorf("%s: %v", want, err)
			continue
		}
		if got != want {
			t.Errorf("type = %q, want %q", got, want)
		}
		if err := Validate(msg); err != nil {
			t.Errorf("%s: Validate: %v", want, err)
		}
	}
}

func TestParseClientMessage_Errors(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  error
	}{
		{"invalid json", `{not json`, ErrMalformed},
		{"missing type", `{"message":"x"}`, ErrMalformed},
		{"empty type", `{"type":""}`, ErrMalformed},
		{"array", `[1,2]`, ErrMalformed},
		{"unknown", `{"type":"find_match"}`, ErrUnknownType},
		{"server only", `{"type":"random:matched"}`, ErrUnknownType},
		{"wrong field type", `{"type":"random:message","message":42}`, ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseClientMessage([]byte(tt.frame))
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseClientMessage_TypeReturnedOnDecodeError(t *testing.T) {
	msgType, _, err := ParseClientMessage([]byte(`{"type":"privateChat:join","partnerUserId":7}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if msgType != TypePrivateJoin {
		t.Errorf("type = %q", msgType)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		msg  interface{}
		ok   bool
	}{
		{"empty random message", RandomMessageMsg{}, false},
		{"join without partner", PrivateJoinMsg{}, false},
		{"bad message type", PrivateMessageMsg{Message: "x", MessageType: "gif"}, false},
		{"default message type", PrivateMessageMsg{Message: "x"}, true},
		{"typing without target", TypingMsg{From: "u1"}, false},
		{"read without conversation", ReadMessageMsg{}, false},
		{"bad report reason", ReportMsg{Reason: "bored"}, false},
		{"report", ReportMsg{Reason: "harassment"}, true},
		{"empty payload", JoinRandomMsg{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.msg)
			if (err == nil) != tt.ok {
				t.Fatalf("Validate(%+v) = %v, want ok=%v", tt.msg, err, tt.ok)
			}
			if err != nil && !errors.Is(err, ErrInvalidPayload) {
				t.Errorf("error %v does not wrap ErrInvalidPayload", err)
			}
		})
	}
}

func TestErrorTypeFor(t *testing.T) {
	tests := map[string]string{
		TypeJoinRandom:     TypeRandomError,
		TypeRandomMessage:  TypeRandomError,
		TypePrivateMessage: TypePrivateError,
		TypeReadMessage:    TypePrivateError,
		TypePing:           TypeError,
		"whatever":         TypeError,
	}
	for in, want := range tests {
		if got := ErrorTypeFor(in); got != want {
			t.Errorf("ErrorTypeFor(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewServerMessage_Matched(t *testing.T) {
	data, err := NewServerMessage(TypeMatched, MatchedMsg{
		PartnerID:      "u2",
		PartnerProfile: &profile.Public{Name: "Bo", Location: "Lisbon"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var got struct {
		Type           string         `json:"type"`
		PartnerID      string         `json:"partnerId"`
		PartnerProfile map[string]any `json:"partnerProfile"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != TypeMatched || got.PartnerID != "u2" {
		t.Errorf("decoded %+v", got)
	}
	if got.PartnerProfile["name"] != "Bo" {
		t.Errorf("profile = %v", got.PartnerProfile)
	}
	if _, leaked := got.PartnerProfile["email"]; leaked {
		t.Error("public profile carries email")
	}
}

func TestNewServerMessage_NilAndEmpty(t *testing.T) {
	for _, payload := range []interface{}{nil, Empty{}} {
		data, err := NewServerMessage(TypeWaiting, payload)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != `{"type":"random:waiting"}` {
			t.Errorf("payload %T encoded as %s", payload, data)
		}
	}
}

func TestNewServerMessage_RejectsNonObject(t *testing.T) {
	if _, err := NewServerMessage(TypeError, []string{"x"}); err == nil {
		t.Error("expected error for array payload")
	}
}

func TestNewServerMessage_TypeOverridesPayload(t *testing.T) {
	data, err := NewServerMessage(TypePong, map[string]string{"type": "spoofed"})
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]string
	json.Unmarshal(data, &got)
	if got["type"] != TypePong {
		t.Errorf("type = %q", got["type"])
	}
}
