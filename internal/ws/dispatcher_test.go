package ws

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/whisper/relay/internal/event"
	"github.com/whisper/relay/internal/protocol"
)

func lastError(t *testing.T, rec *event.Recorder, connID, msgType string) protocol.ErrorMsg {
	t.Helper()
	ev, ok := rec.Last(connID, msgType)
	require.True(t, ok, "no %s sent", msgType)
	return ev.Payload.(protocol.ErrorMsg)
}

func TestDispatch_Ping(t *testing.T) {
	rec := event.NewRecorder()
	d := NewMessageDispatcher(rec, false)

	d.Dispatch(&Connection{ID: "c1"}, []byte(`{"type":"ping"}`))
	assert.Equal(t, []string{protocol.TypePong}, rec.Types("c1"))
}

func TestDispatch_RoutesValidatedPayload(t *testing.T) {
	rec := event.NewRecorder()
	d := NewMessageDispatcher(rec, false)

	var got protocol.PrivateJoinMsg
	d.Register(protocol.TypePrivateJoin, func(ctx context.Context, c *Connection, msg interface{}) {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		got = msg.(protocol.PrivateJoinMsg)
	})

	d.Dispatch(&Connection{ID: "c1"}, []byte(`{"type":"privateChat:join","partnerUserId":"u2"}`))
	assert.Equal(t, "u2", got.PartnerUserID)
	assert.Empty(t, rec.All())
}

func TestDispatch_Errors(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		wantType string
		wantCode string
	}{
		{"not json", `hello`, protocol.TypeError, protocol.CodeInvalidPayload},
		{"missing type", `{"message":"x"}`, protocol.TypeError, protocol.CodeInvalidPayload},
		{"unknown type", `{"type":"dance"}`, protocol.TypeError, protocol.CodeUnsupportedType},
		{"unknown random type", `{"type":"random:dance"}`, protocol.TypeRandomError, protocol.CodeUnsupportedType},
		{"failed validation", `{"type":"privateChat:join"}`, protocol.TypePrivateError, protocol.CodeInvalidPayload},
		{"bad report reason", `{"type":"random:report","reason":"boredom"}`, protocol.TypeRandomError, protocol.CodeInvalidPayload},
		{"no handler", `{"type":"random:next"}`, protocol.TypeRandomError, protocol.CodeUnsupportedType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := event.NewRecorder()
			d := NewMessageDispatcher(rec, false)

			d.Dispatch(&Connection{ID: "c1"}, []byte(tt.frame))
			assert.Equal(t, tt.wantCode, lastError(t, rec, "c1", tt.wantType).Error)
		})
	}
}

func TestDispatch_RecoversPanic(t *testing.T) {
	rec := event.NewRecorder()
	d := NewMessageDispatcher(rec, false)
	d.Register(protocol.TypeJoinRandom, func(context.Context, *Connection, interface{}) {
		panic("boom")
	})

	require.NotPanics(t, func() {
		d.Dispatch(&Connection{ID: "c1"}, []byte(`{"type":"join-random"}`))
	})
	assert.Equal(t, protocol.CodeInternal, lastError(t, rec, "c1", protocol.TypeRandomError).Error)
}

func TestDispatch_StrictPanics(t *testing.T) {
	d := NewMessageDispatcher(event.NewRecorder(), true)
	d.Register(protocol.TypeJoinRandom, func(context.Context, *Connection, interface{}) {
		panic("boom")
	})

	assert.Panics(t, func() {
		d.Dispatch(&Connection{ID: "c1"}, []byte(`{"type":"join-random"}`))
	})
}
