package wsproto

import (
	"fmt"
)

// Opcode represents a WebSocket frame opcode.
// See https://tools.ietf.org/html/rfc6455#section-11.8.
type Opcode int

// Opcode constants.
const (
	OpContinuation Opcode = iota
	OpText
	OpBinary
	// 3 - 7 are reserved for further non-control frames.
	_
	_
	_
	_
	_
	OpClose
	OpPing
	OpPong
	// 11-16 are reserved for further control frames.
)

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "Continuation"
	case OpText:
		return "Text"
	case OpBinary:
		return "Binary"
	case OpClose:
		return "Close"
	case OpPing:
		return "Ping"
	case OpPong:
		return "Pong"
	}
	return fmt.Sprintf("Opcode(%d)", int(o))
}

// Control reports whether o is a close, ping or pong opcode.
func (o Opcode) Control() bool {
	switch o {
	case OpClose, OpPing, OpPong:
		return true
	}
	return false
}

func (o Opcode) valid() bool {
	switch o {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}
	return false
}

func parseOpcode(b byte) (Opcode, error) {
	o := Opcode(b & 0xf)
	if !o.valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidOpcode, int(o))
	}
	return o, nil
}
