package wsproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Frame decoding errors.
var (
	ErrFrameTooShort     = errors.New("websocket: frame shorter than its 2 byte header")
	ErrInvalidOpcode     = errors.New("websocket: invalid opcode")
	ErrLengthParsing     = errors.New("websocket: failed to parse extended payload length")
	ErrMaskingKeyParsing = errors.New("websocket: failed to parse masking key")
	ErrPayloadTooShort   = errors.New("websocket: payload shorter than declared length")
)

// First byte contains fin, rsv1, rsv2, rsv3 and the opcode.
// Second byte contains the mask flag and the length class.
// Next 8 bytes are the maximum extended payload length.
// Last 4 bytes are the mask key.
// https://tools.ietf.org/html/rfc6455#section-5.2
const maxHeaderSize = 1 + 1 + 8 + 4

// maxControlPayload is the maximum length of a control frame payload.
// See https://tools.ietf.org/html/rfc6455#section-5.5.
const maxControlPayload = 125

// Header represents a WebSocket frame header.
// See https://tools.ietf.org/html/rfc6455#section-5.2
type Header struct {
	Fin    bool
	RSV1   bool
	RSV2   bool
	RSV3   bool
	Opcode Opcode

	Masked bool
	// MaskKey is the big endian value of the 4 key bytes as they
	// appear on the wire. Only meaningful when Masked is set.
	MaskKey uint32

	PayloadLength uint64
}

// lengthClass is the interpretation of the low 7 bits of the second header byte.
// The hint classes only exist between reading the first two bytes of a header
// and reading its extended length.
type lengthClass int

const (
	lengthLiteral lengthClass = iota
	lengthHint16
	lengthHint64
)

func (c lengthClass) extra() int {
	switch c {
	case lengthHint16:
		return 2
	case lengthHint64:
		return 8
	}
	return 0
}

// Bytes appends the encoded header to b[:0] and returns it.
// A new buffer is allocated if b cannot hold the largest header.
func (h Header) Bytes(b []byte) []byte {
	if cap(b) < maxHeaderSize {
		b = make([]byte, 0, maxHeaderSize)
	}

	b = b[:2]
	b[0] = 0
	if h.Fin {
		b[0] |= 1 << 7
	}
	if h.RSV1 {
		b[0] |= 1 << 6
	}
	if h.RSV2 {
		b[0] |= 1 << 5
	}
	if h.RSV3 {
		b[0] |= 1 << 4
	}
	b[0] |= byte(h.Opcode) & 0xf

	switch {
	case h.PayloadLength <= 125:
		b[1] = byte(h.PayloadLength)
	case h.PayloadLength <= math.MaxUint16:
		b[1] = 126
		b = b[:len(b)+2]
		binary.BigEndian.PutUint16(b[len(b)-2:], uint16(h.PayloadLength))
	default:
		b[1] = 127
		b = b[:len(b)+8]
		binary.BigEndian.PutUint64(b[len(b)-8:], h.PayloadLength)
	}

	if h.Masked {
		b[1] |= 1 << 7
		b = b[:len(b)+4]
		binary.BigEndian.PutUint32(b[len(b)-4:], h.MaskKey)
	}

	return b
}

// parseHeaderPrefix decodes the first two bytes of a header.
// PayloadLength is only set for the literal class.
func parseHeaderPrefix(b []byte) (Header, lengthClass, error) {
	var h Header
	h.Fin = b[0]&(1<<7) != 0
	h.RSV1 = b[0]&(1<<6) != 0
	h.RSV2 = b[0]&(1<<5) != 0
	h.RSV3 = b[0]&(1<<4) != 0

	op, err := parseOpcode(b[0])
	if err != nil {
		return Header{}, 0, err
	}
	h.Opcode = op

	h.Masked = b[1]&(1<<7) != 0

	payloadLength := b[1] &^ (1 << 7)
	switch payloadLength {
	case 126:
		return h, lengthHint16, nil
	case 127:
		return h, lengthHint64, nil
	}
	h.PayloadLength = uint64(payloadLength)
	return h, lengthLiteral, nil
}

// resolveLength sets PayloadLength from the extended length bytes of class c.
func (h *Header) resolveLength(c lengthClass, b []byte) error {
	switch c {
	case lengthHint16:
		h.PayloadLength = uint64(binary.BigEndian.Uint16(b))
	case lengthHint64:
		h.PayloadLength = binary.BigEndian.Uint64(b)
		// The most significant bit must be 0.
		if h.PayloadLength > math.MaxInt64 {
			return fmt.Errorf("%w: length %d has the most significant bit set", ErrLengthParsing, h.PayloadLength)
		}
	}
	return nil
}

// Frame is a single WebSocket frame.
type Frame struct {
	Header
	Payload []byte
}

// NewFrame returns an unmasked frame carrying payload.
func NewFrame(fin bool, op Opcode, payload []byte) Frame {
	return Frame{
		Header: Header{
			Fin:           fin,
			Opcode:        op,
			PayloadLength: uint64(len(payload)),
		},
		Payload: payload,
	}
}

// Mask applies the masking algorithm to the payload in place with the
// frame's key. Applying it twice restores the payload.
// It does nothing if the frame is not masked.
// See https://tools.ietf.org/html/rfc6455#section-5.3
func (f *Frame) Mask() {
	if !f.Masked {
		return
	}
	mask(f.MaskKey, f.Payload)
}

// AppendFrame appends the wire encoding of f to b.
// The payload is written as is, masking is the caller's concern.
func AppendFrame(b []byte, f Frame) ([]byte, error) {
	if f.PayloadLength != uint64(len(f.Payload)) {
		return b, fmt.Errorf("websocket: frame declares %d payload bytes but carries %d", f.PayloadLength, len(f.Payload))
	}

	var hb [maxHeaderSize]byte
	b = append(b, f.Header.Bytes(hb[:0])...)
	return append(b, f.Payload...), nil
}

// MarshalBinary returns the wire encoding of f.
func (f Frame) MarshalBinary() ([]byte, error) {
	return AppendFrame(make([]byte, 0, maxHeaderSize+len(f.Payload)), f)
}

// ParseFrame decodes the frame at the start of b.
// It returns the frame and the number of bytes it occupied.
// The returned payload does not alias b.
func ParseFrame(b []byte) (Frame, int, error) {
	if len(b) < 2 {
		return Frame{}, 0, ErrFrameTooShort
	}

	h, class, err := parseHeaderPrefix(b)
	if err != nil {
		return Frame{}, 0, err
	}
	n := 2

	if extra := class.extra(); extra > 0 {
		if len(b) < n+extra {
			return Frame{}, 0, fmt.Errorf("%w: need %d bytes but have %d", ErrLengthParsing, extra, len(b)-n)
		}
		err = h.resolveLength(class, b[n:n+extra])
		if err != nil {
			return Frame{}, 0, err
		}
		n += extra
	}

	if h.Masked {
		if len(b) < n+4 {
			return Frame{}, 0, fmt.Errorf("%w: need 4 bytes but have %d", ErrMaskingKeyParsing, len(b)-n)
		}
		h.MaskKey = binary.BigEndian.Uint32(b[n:])
		n += 4
	}

	if uint64(len(b)-n) < h.PayloadLength {
		return Frame{}, 0, fmt.Errorf("%w: declared %d but have %d", ErrPayloadTooShort, h.PayloadLength, len(b)-n)
	}

	end := n + int(h.PayloadLength)
	p := make([]byte, h.PayloadLength)
	copy(p, b[n:end])

	return Frame{Header: h, Payload: p}, end, nil
}

// ReadFrame reads exactly one frame from r.
// It never reads past the end of the frame.
//
// io.EOF is returned as is if r ends before the first byte of the frame.
// If r ends in the middle of the frame, the error wraps io.ErrUnexpectedEOF
// and the decoding error of the part that was cut short.
func ReadFrame(r io.Reader) (Frame, error) {
	h, err := readHeader(r, make([]byte, maxHeaderSize))
	if err != nil {
		return Frame{}, err
	}

	p, err := readPayload(r, h)
	if err != nil {
		return Frame{}, err
	}

	return Frame{Header: h, Payload: p}, nil
}

// readHeader reads a header from r with as many reads as there are parts
// to the header. b is scratch space of at least maxHeaderSize bytes.
func readHeader(r io.Reader, b []byte) (Header, error) {
	_, err := io.ReadFull(r, b[:2])
	if err == io.EOF {
		return Header{}, io.EOF
	}
	if err != nil {
		return Header{}, truncated(ErrFrameTooShort, err)
	}

	h, class, err := parseHeaderPrefix(b)
	if err != nil {
		return Header{}, err
	}

	if extra := class.extra(); extra > 0 {
		_, err = io.ReadFull(r, b[:extra])
		if err != nil {
			return Header{}, truncated(ErrLengthParsing, err)
		}
		err = h.resolveLength(class, b[:extra])
		if err != nil {
			return Header{}, err
		}
	}

	if h.Masked {
		_, err = io.ReadFull(r, b[:4])
		if err != nil {
			return Header{}, truncated(ErrMaskingKeyParsing, err)
		}
		h.MaskKey = binary.BigEndian.Uint32(b)
	}

	return h, nil
}

// maxPayloadPrealloc is the largest payload allocated in full before
// it is read. Longer payloads grow with the bytes actually received so
// a bogus length cannot exhaust memory.
const maxPayloadPrealloc = 1 << 20

func readPayload(r io.Reader, h Header) ([]byte, error) {
	if h.PayloadLength <= maxPayloadPrealloc {
		p := make([]byte, h.PayloadLength)
		_, err := io.ReadFull(r, p)
		if err != nil {
			return nil, fmt.Errorf("failed to read frame payload: %w", truncated(ErrPayloadTooShort, err))
		}
		return p, nil
	}

	var buf bytes.Buffer
	buf.Grow(maxPayloadPrealloc)
	_, err := io.CopyN(&buf, r, int64(h.PayloadLength))
	if err != nil {
		return nil, fmt.Errorf("failed to read frame payload: %w", truncated(ErrPayloadTooShort, err))
	}
	return buf.Bytes(), nil
}

// truncated attaches sentinel to err if the stream ended in the middle of a frame.
func truncated(sentinel, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", sentinel, io.ErrUnexpectedEOF)
	}
	return err
}
