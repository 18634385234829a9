package ws

import (
	"context"
	"errors"
	"log"
	"runtime/debug"
	"time"

	"github.com/whisper/relay/internal/event"
	"github.com/whisper/relay/internal/protocol"
)

// DefaultHandlerTimeout bounds the store and broker calls of one frame.
const DefaultHandlerTimeout = 10 * time.Second

// MessageHandler handles one decoded and validated client message. msg is
// the concrete struct from protocol.ParseClientMessage.
type MessageHandler func(ctx context.Context, conn *Connection, msg interface{})

// MessageDispatcher routes frames to handlers by type. Ping is answered
// here; parse, validation and routing failures become error events scoped
// to the feature the client addressed.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	emitter  event.Emitter
	strict   bool
	timeout  time.Duration
}

// NewMessageDispatcher creates a dispatcher that answers through emitter.
// In strict mode a panicking handler takes the process down.
func NewMessageDispatcher(emitter event.Emitter, strict bool) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		emitter:  emitter,
		strict:   strict,
		timeout:  DefaultHandlerTimeout,
	}
}

// SetEmitter replaces the emitter. The server needs the dispatcher before it
// exists, so main wires the two in this order.
func (d *MessageDispatcher) SetEmitter(emitter event.Emitter) {
	d.emitter = emitter
}

// Register associates a handler with a message type, replacing any previous
// one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the OnMessage hook.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("[ws] parse error conn=%s: %v", conn.ID, err)
		code := protocol.CodeInvalidPayload
		if errors.Is(err, protocol.ErrUnknownType) {
			code = protocol.CodeUnsupportedType
		}
		d.sendError(conn, protocol.ErrorTypeFor(msgType), code, err.Error())
		return
	}

	if msgType == protocol.TypePing {
		conn.Touch(time.Now())
		d.send(conn, protocol.TypePong, protocol.Empty{})
		return
	}

	if err := protocol.Validate(msg); err != nil {
		d.sendError(conn, protocol.ErrorTypeFor(msgType), protocol.CodeInvalidPayload, err.Error())
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("[ws] unsupported message type=%q conn=%s", msgType, conn.ID)
		d.sendError(conn, protocol.ErrorTypeFor(msgType), protocol.CodeUnsupportedType, "unsupported message type")
		return
	}

	d.run(msgType, handler, conn, msg)
}

func (d *MessageDispatcher) run(msgType string, handler MessageHandler, conn *Connection, msg interface{}) {
	ctx := context.Background()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if d.strict {
			panic(r)
		}
		log.Printf("[ws] handler %s panicked conn=%s: %v\n%s", msgType, conn.ID, r, debug.Stack())
		d.sendError(conn, protocol.ErrorTypeFor(msgType), protocol.CodeInternal, "internal error")
	}()

	handler(ctx, conn, msg)
}

func (d *MessageDispatcher) sendError(conn *Connection, msgType, code, detail string) {
	d.send(conn, msgType, protocol.ErrorMsg{Error: code, Message: detail})
}

func (d *MessageDispatcher) send(conn *Connection, msgType string, payload interface{}) {
	if err := d.emitter.Emit(conn.ID, msgType, payload); err != nil {
		log.Printf("[ws] send %s conn=%s: %v", msgType, conn.ID, err)
	}
}
