package ws

import (
	"log"

	"github.com/whisper/avatar-chat/internal/protocol"
)

// MessageHandler handles one parsed presenter message. msg is the concrete
// struct returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes presenter messages to handlers by type. Pings
// are answered here.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{handlers: make(map[string]MessageHandler)}
}

// Register sets the handler for msgType, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error presenter=%s: %v", conn.ID, err)
		SendError(conn, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q presenter=%s", msgType, conn.ID)
		SendError(conn, "unsupported_type", "unsupported message type")
		return
	}
	handler(conn, msg)
}

// SendError writes a structured error to conn.
func SendError(conn *Connection, code, message string) {
	Send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

// Send encodes payload as a msgType server message and writes it to conn.
// Failures are logged.
func Send(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("ws: failed to build %s presenter=%s: %v", msgType, conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send %s presenter=%s: %v", msgType, conn.ID, err)
	}
}

func sendPong(conn *Connection) {
	conn.Touch()
	Send(conn, protocol.TypePong, protocol.PongMsg{})
}
