package wsproto

import (
	"bytes"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Message decoding errors. They are always wrapped in a *ProtocolError.
var (
	ErrIncomplete  = errors.New("websocket: more frames required to complete the message")
	ErrNoFrames    = errors.New("websocket: no frames to assemble")
	ErrInvalidUTF8 = errors.New("websocket: text message is not valid UTF-8")
)

// ProtocolError is returned when the peer violates the protocol.
// Code is the status that should be sent back in a close frame.
type ProtocolError struct {
	Code StatusCode
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("websocket protocol error (%v): %v", e.Code, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func protocolErrorf(code StatusCode, f string, v ...interface{}) error {
	return &ProtocolError{
		Code: code,
		Err:  fmt.Errorf(f, v...),
	}
}

// MessageType represents the type of a WebSocket message.
// Its values equal the opcode of the frame carrying the message.
// See https://tools.ietf.org/html/rfc6455#section-5.6
type MessageType int

// MessageType constants.
const (
	// MessageText is for UTF-8 encoded text messages like JSON.
	MessageText MessageType = MessageType(OpText)
	// MessageBinary is for binary messages like protobufs.
	MessageBinary MessageType = MessageType(OpBinary)
	MessageClose  MessageType = MessageType(OpClose)
	MessagePing   MessageType = MessageType(OpPing)
	MessagePong   MessageType = MessageType(OpPong)
)

func (t MessageType) String() string {
	switch t {
	case MessageText:
		return "MessageText"
	case MessageBinary:
		return "MessageBinary"
	case MessageClose:
		return "MessageClose"
	case MessagePing:
		return "MessagePing"
	case MessagePong:
		return "MessagePong"
	}
	return fmt.Sprintf("MessageType(%d)", int(t))
}

// Message is a complete WebSocket message.
//
// Data holds the payload of text, binary, ping and pong messages.
// Code and Reason are only used by close messages.
type Message struct {
	Type   MessageType
	Data   []byte
	Code   StatusCode
	Reason string
}

// TextMessage returns a text message carrying s.
func TextMessage(s string) Message {
	return Message{Type: MessageText, Data: []byte(s)}
}

// BinaryMessage returns a binary message carrying p.
func BinaryMessage(p []byte) Message {
	return Message{Type: MessageBinary, Data: p}
}

// CloseMessage returns a close message. An empty reason is omitted.
func CloseMessage(code StatusCode, reason string) Message {
	return Message{Type: MessageClose, Code: code, Reason: reason}
}

// PingMessage returns a ping message.
func PingMessage(p []byte) Message {
	return Message{Type: MessagePing, Data: p}
}

// PongMessage returns a pong message.
func PongMessage(p []byte) Message {
	return Message{Type: MessagePong, Data: p}
}

// Text returns the message data as a string.
func (m Message) Text() string {
	return string(m.Data)
}

// CloseError returns the close status carried by a close message.
func (m Message) CloseError() CloseError {
	return CloseError{Code: m.Code, Reason: m.Reason}
}

// Frame returns the single final frame carrying m.
// Messages are never fragmented when sent.
//
// Close reasons longer than 123 bytes and ping or pong data longer
// than 125 bytes are truncated. A close with StatusNoStatusRcvd or
// StatusAbnormalClosure is sent without a payload as those codes must
// never appear on the wire.
// It panics if m has an unknown type.
func (m Message) Frame() Frame {
	switch m.Type {
	case MessageText, MessageBinary:
		return NewFrame(true, Opcode(m.Type), m.Data)
	case MessageClose:
		if m.Code == StatusNoStatusRcvd || m.Code == StatusAbnormalClosure {
			return NewFrame(true, OpClose, nil)
		}
		return NewFrame(true, OpClose, closePayload(m.Code, m.Reason))
	case MessagePing, MessagePong:
		p := m.Data
		if len(p) > maxControlPayload {
			p = p[:maxControlPayload]
		}
		return NewFrame(true, Opcode(m.Type), p)
	default:
		panic(fmt.Sprintf("websocket: unexpected message type: %v", m.Type))
	}
}

// MessageFromFrame decodes the message carried by a single final frame.
// The payload must already be unmasked.
func MessageFromFrame(f Frame) (Message, error) {
	if !f.Fin {
		return Message{}, &ProtocolError{Code: StatusProtocolError, Err: ErrIncomplete}
	}

	if f.Opcode.Control() && len(f.Payload) > maxControlPayload {
		return Message{}, protocolErrorf(StatusProtocolError, "control frame payload of %d bytes exceeds %d", len(f.Payload), maxControlPayload)
	}

	switch f.Opcode {
	case OpContinuation:
		return Message{}, protocolErrorf(StatusProtocolError, "unexpected continuation frame")
	case OpText:
		if !utf8.Valid(f.Payload) {
			return Message{}, &ProtocolError{Code: StatusInvalidFramePayloadData, Err: ErrInvalidUTF8}
		}
		return Message{Type: MessageText, Data: f.Payload}, nil
	case OpBinary, OpPing, OpPong:
		return Message{Type: MessageType(f.Opcode), Data: f.Payload}, nil
	case OpClose:
		ce, err := parseClosePayload(f.Payload)
		if err != nil {
			return Message{}, err
		}
		return CloseMessage(ce.Code, ce.Reason), nil
	default:
		return Message{}, protocolErrorf(StatusProtocolError, "%w: %v", ErrInvalidOpcode, f.Opcode)
	}
}

// AssembleMessage decodes the message carried by a fragmented sequence of frames.
// The first frame sets the message type, every later frame must be a
// continuation and only the last frame may be final.
func AssembleMessage(frames []Frame) (Message, error) {
	if len(frames) == 0 {
		return Message{}, &ProtocolError{Code: StatusProtocolError, Err: ErrNoFrames}
	}

	first := frames[0]
	if first.Fin {
		if len(frames) > 1 {
			return Message{}, protocolErrorf(StatusProtocolError, "%d frames follow a final frame", len(frames)-1)
		}
		return MessageFromFrame(first)
	}

	if first.Opcode.Control() {
		return Message{}, protocolErrorf(StatusProtocolError, "control frame %v cannot be fragmented", first.Opcode)
	}

	var data bytes.Buffer
	data.Write(first.Payload)
	for i, f := range frames[1:] {
		if f.Opcode != OpContinuation {
			return Message{}, protocolErrorf(StatusProtocolError, "expected continuation frame but got %v", f.Opcode)
		}
		if f.Fin && i != len(frames)-2 {
			return Message{}, protocolErrorf(StatusProtocolError, "final frame followed by %d frames", len(frames)-2-i)
		}
		data.Write(f.Payload)
	}

	return MessageFromFrame(NewFrame(frames[len(frames)-1].Fin, first.Opcode, data.Bytes()))
}
