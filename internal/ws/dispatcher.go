package ws

import (
	"errors"
	"log"

	"github.com/whisper/pairchat/internal/protocol"
)

// Error codes sent by the dispatcher.
const (
	CodeParseError     = "parse_error"
	CodeInvalidField   = "invalid_field"
	CodeUnsupportedMsg = "unsupported_type"
)

// MessageHandler is the callback signature for handling a parsed client
// message. msg is the concrete struct returned by
// protocol.ParseClientMessage (e.g. protocol.FindPartnerMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It answers application pings itself and sends
// structured error responses for malformed or unsupported messages.
type MessageDispatcher struct {
	handlers   map[string]MessageHandler
	server     *Server
	onActivity func(connID string)
}

// NewMessageDispatcher creates a MessageDispatcher bound to the given server.
// The server reference is used to send responses back to clients.
func NewMessageDispatcher(server *Server) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
	}
}

// SetServer assigns the Server reference on the dispatcher. This supports the
// initialization pattern where the dispatcher is created before the server
// (since NewServer requires the Dispatch callback).
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// SetOnActivity registers a callback run for every frame received, valid
// or not, before it is parsed.
func (d *MessageDispatcher) SetOnActivity(fn func(connID string)) {
	d.onActivity = fn
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and routes all other types to
// the registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	if d.onActivity != nil {
		d.onActivity(conn.ID)
	}

	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s type=%q: %v", conn.ID, msgType, err)
		if errors.Is(err, protocol.ErrInvalidField) {
			d.SendError(conn.ID, CodeInvalidField, err.Error())
			return
		}
		d.SendError(conn.ID, CodeParseError, "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.Reply(conn.ID, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q conn=%s", msgType, conn.ID)
		d.SendError(conn.ID, CodeUnsupportedMsg, "unsupported message type")
		return
	}

	handler(conn, msg)
}

// Reply sends a server message to one connection. Failures are logged;
// the read path notices a dead connection on its own.
func (d *MessageDispatcher) Reply(connID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("ws: failed to build %s message conn=%s: %v", msgType, connID, err)
		return
	}
	if err := d.server.SendMessage(connID, data); err != nil {
		log.Printf("ws: failed to send %s message conn=%s: %v", msgType, connID, err)
	}
}

// SendError sends a structured error message to one connection.
func (d *MessageDispatcher) SendError(connID, code, message string) {
	d.Reply(connID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}
