package wsproto

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"nhooyr.io/wsproto/internal/atomicint"
	"nhooyr.io/wsproto/internal/bufpool"
	"nhooyr.io/wsproto/internal/errd"
)

// Stream errors.
var (
	ErrNotEstablished = errors.New("websocket: opening handshake not complete")
	ErrReservedBits   = errors.New("websocket: reserved bits set without a negotiated extension")
	ErrMaskRequired   = errors.New("websocket: received unmasked frame from initiator")
	ErrMaskUnexpected = errors.New("websocket: received masked frame from acceptor")
)

// Role is which side of the opening handshake an endpoint takes.
// It decides the masking direction.
type Role int

// Role constants.
const (
	// RoleInitiator is the client. It masks every frame it sends.
	RoleInitiator Role = iota + 1
	// RoleAcceptor is the server. It never masks.
	RoleAcceptor
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleAcceptor:
		return "acceptor"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// Stream is a WebSocket connection over a byte stream.
//
// Split hands out its read and write halves so that one goroutine can
// receive while others send. The Receive and Send methods on Stream
// are shorthands for the same methods on the halves.
type Stream struct {
	role  Role
	rwc   io.ReadWriteCloser
	state atomicint.Int64

	r *ReadHalf
	w *WriteHalf

	closeOnce sync.Once
	closeErr  error
}

// NewStream wraps rwc in a stream that has not performed the opening
// handshake yet. Call Handshake before sending or receiving messages.
// It panics if role is not RoleInitiator or RoleAcceptor.
func NewStream(rwc io.ReadWriteCloser, role Role) *Stream {
	return newStream(rwc, role, bufio.NewReader(rwc), StateAwaitingPeer)
}

// newStream is used directly after an HTTP upgrade where br may hold
// bytes read past the handshake and the stream is already established.
func newStream(rwc io.ReadWriteCloser, role Role, br *bufio.Reader, state HandshakeState) *Stream {
	switch role {
	case RoleInitiator, RoleAcceptor:
	default:
		panic(fmt.Sprintf("websocket: invalid role: %v", role))
	}

	s := &Stream{
		role: role,
		rwc:  rwc,
	}
	s.state.Store(int64(state))
	s.r = &ReadHalf{
		s:  s,
		br: br,
		hb: make([]byte, maxHeaderSize),
	}
	s.r.readLimit.Store(defaultReadLimit)
	s.w = &WriteHalf{
		s: s,
	}
	return s
}

// Role returns the role of the stream.
func (s *Stream) Role() Role {
	return s.role
}

// State returns the progress of the opening handshake.
func (s *Stream) State() HandshakeState {
	return HandshakeState(s.state.Load())
}

func (s *Stream) established() bool {
	return s.State() == StateEstablished
}

// Split returns the read and write halves of the stream.
// The read half must only be used by one goroutine at a time.
// The write half is safe for concurrent use.
func (s *Stream) Split() (*ReadHalf, *WriteHalf) {
	return s.r, s.w
}

// Receive is shorthand for the read half's Receive.
func (s *Stream) Receive(ctx context.Context) (Message, error) {
	return s.r.Receive(ctx)
}

// Send is shorthand for the write half's Send.
func (s *Stream) Send(ctx context.Context, m Message) error {
	return s.w.Send(ctx, m)
}

// Close closes the underlying transport without a closing handshake.
// Send a close message first for a clean close.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.rwc.Close()
	})
	return s.closeErr
}

const defaultReadLimit = 32768

// ReadHalf is the receiving end of a Stream.
type ReadHalf struct {
	s  *Stream
	br *bufio.Reader
	hb []byte

	readLimit atomicint.Int64

	// Data frames of the message being reassembled.
	frags    []Frame
	fragSize uint64

	// err is sticky since the stream cannot be resynchronized after a
	// failed frame.
	err error
}

// SetReadLimit sets the max number of bytes to read for a single message.
// It applies to the sum of the payloads of a fragmented message.
//
// The read limit defaults to 32768 bytes.
//
// When the limit is hit, Receive fails with a *ProtocolError
// carrying StatusMessageTooBig.
func (r *ReadHalf) SetReadLimit(n int64) {
	r.readLimit.Store(n)
}

// ReadHTTP reads a raw HTTP head up to and including the blank line
// that terminates it.
func (r *ReadHalf) ReadHTTP(ctx context.Context) ([]byte, error) {
	err := ctx.Err()
	if err != nil {
		return nil, err
	}
	return readHTTPHead(r.br)
}

// Read reads raw bytes from the transport, including any already
// buffered by the read half. It bypasses framing entirely and must not
// be mixed with Receive.
func (r *ReadHalf) Read(p []byte) (int, error) {
	return r.br.Read(p)
}

// ReadFrame reads the next frame as it is on the wire.
// The payload is not unmasked and no protocol rule is checked.
func (r *ReadHalf) ReadFrame(ctx context.Context) (Frame, error) {
	err := ctx.Err()
	if err != nil {
		return Frame{}, err
	}
	return ReadFrame(r.br)
}

// Receive reads the next complete message.
//
// Control messages arriving between the frames of a fragmented message
// are returned immediately while the fragments received so far are kept
// for the next call. A close message is returned as a Message of type
// MessageClose. Replying to pings and closes is up to the caller.
//
// Protocol violations by the peer are returned as a *ProtocolError.
// Once Receive fails, every later call returns the same error. Use
// WriteHalf.Fail to tell the peer.
//
// A transport error or EOF is returned wrapped together with a CloseError
// carrying StatusAbnormalClosure.
func (r *ReadHalf) Receive(ctx context.Context) (_ Message, err error) {
	defer errd.Wrap(&err, "failed to receive message")

	if !r.s.established() {
		return Message{}, ErrNotEstablished
	}
	if r.err != nil {
		return Message{}, r.err
	}

	for {
		err = ctx.Err()
		if err != nil {
			return Message{}, err
		}

		m, ok, err := r.receiveFrame()
		if err != nil {
			r.err = err
			return Message{}, err
		}
		if ok {
			return m, nil
		}
	}
}

// receiveFrame reads a single frame and returns the message it
// completes, if any.
func (r *ReadHalf) receiveFrame() (Message, bool, error) {
	h, err := readHeader(r.br, r.hb)
	if err != nil {
		return Message{}, false, readError(err)
	}

	err = r.checkHeader(h)
	if err != nil {
		return Message{}, false, err
	}

	p, err := readPayload(r.br, h)
	if err != nil {
		return Message{}, false, readError(err)
	}
	if h.Masked {
		mask(h.MaskKey, p)
		h.Masked = false
		h.MaskKey = 0
	}
	f := Frame{Header: h, Payload: p}

	if h.Opcode.Control() {
		m, err := MessageFromFrame(f)
		return m, err == nil, err
	}

	if len(r.frags) == 0 {
		if h.Opcode == OpContinuation {
			return Message{}, false, protocolErrorf(StatusProtocolError, "continuation frame without a message to continue")
		}
		if h.Fin {
			m, err := MessageFromFrame(f)
			return m, err == nil, err
		}
	} else if h.Opcode != OpContinuation {
		return Message{}, false, protocolErrorf(StatusProtocolError, "expected continuation frame but got %v", h.Opcode)
	}

	r.frags = append(r.frags, f)
	r.fragSize += h.PayloadLength
	if !h.Fin {
		return Message{}, false, nil
	}

	frames := r.frags
	r.frags = nil
	r.fragSize = 0
	m, err := AssembleMessage(frames)
	return m, err == nil, err
}

func (r *ReadHalf) checkHeader(h Header) error {
	if h.RSV1 || h.RSV2 || h.RSV3 {
		return &ProtocolError{Code: StatusProtocolError, Err: ErrReservedBits}
	}

	switch r.s.role {
	case RoleAcceptor:
		if !h.Masked {
			return &ProtocolError{Code: StatusProtocolError, Err: ErrMaskRequired}
		}
	case RoleInitiator:
		if h.Masked {
			return &ProtocolError{Code: StatusProtocolError, Err: ErrMaskUnexpected}
		}
	}

	if h.Opcode.Control() {
		if !h.Fin {
			return protocolErrorf(StatusProtocolError, "received fragmented control frame")
		}
		if h.PayloadLength > maxControlPayload {
			return protocolErrorf(StatusProtocolError, "received too big control frame at %v bytes", h.PayloadLength)
		}
		return nil
	}

	limit := r.readLimit.Load()
	if limit >= 0 && r.fragSize+h.PayloadLength > uint64(limit) {
		return protocolErrorf(StatusMessageTooBig, "read limited at %v bytes", limit)
	}
	return nil
}

// readError sorts a frame read failure into a protocol violation or a
// broken transport.
func readError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", CloseError{Code: StatusAbnormalClosure}, err)
	}
	if errors.Is(err, ErrInvalidOpcode) || errors.Is(err, ErrLengthParsing) {
		return &ProtocolError{Code: StatusProtocolError, Err: err}
	}
	return fmt.Errorf("%w: %w", CloseError{Code: StatusAbnormalClosure}, err)
}

// WriteHalf is the sending end of a Stream.
// It is safe for concurrent use, frames are never interleaved.
type WriteHalf struct {
	s  *Stream
	mu mu
}

// SendRaw writes p to the transport as is.
func (w *WriteHalf) SendRaw(ctx context.Context, p []byte) error {
	err := w.mu.Lock(ctx)
	if err != nil {
		return err
	}
	defer w.mu.Unlock()

	_, err = w.s.rwc.Write(p)
	return err
}

// WriteFrame writes f as is. Masking is up to the caller.
func (w *WriteHalf) WriteFrame(ctx context.Context, f Frame) (err error) {
	defer errd.Wrap(&err, "failed to write frame")

	buf := bufpool.Get()
	defer bufpool.Put(buf)
	buf.Grow(maxHeaderSize + len(f.Payload))

	b, err := AppendFrame(buf.Bytes(), f)
	if err != nil {
		return err
	}
	return w.SendRaw(ctx, b)
}

// Send writes m as a single frame.
// An initiator masks the frame with a new random key for every call.
// The data of m is never modified.
func (w *WriteHalf) Send(ctx context.Context, m Message) (err error) {
	defer errd.Wrap(&err, "failed to send %v", m.Type)

	if !w.s.established() {
		return ErrNotEstablished
	}

	f := m.Frame()
	if w.s.role == RoleInitiator {
		f.Masked = true
		f.MaskKey, err = newMaskKey()
		if err != nil {
			return err
		}
		f.Payload = append([]byte(nil), f.Payload...)
		f.Mask()
	}

	return w.WriteFrame(ctx, f)
}

// Fail sends the close status for the error returned by Receive.
// A *ProtocolError sends its code and message, other errors send
// StatusInternalError. Nothing is sent when err reports a broken transport.
func (w *WriteHalf) Fail(ctx context.Context, err error) error {
	switch CloseStatus(err) {
	case StatusAbnormalClosure:
		return nil
	}

	code := StatusInternalError
	reason := err.Error()
	var pe *ProtocolError
	if errors.As(err, &pe) {
		code = pe.Code
		reason = pe.Err.Error()
	}

	return w.Send(ctx, CloseMessage(code, reason))
}

func newMaskKey() (uint32, error) {
	var b [4]byte
	_, err := io.ReadFull(rand.Reader, b[:])
	if err != nil {
		return 0, fmt.Errorf("failed to generate mask key: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// mu is a mutex whose Lock can be cancelled with a context.
type mu struct {
	once sync.Once
	ch   chan struct{}
}

func (m *mu) init() {
	m.once.Do(func() {
		m.ch = make(chan struct{}, 1)
	})
}

func (m *mu) Lock(ctx context.Context) error {
	m.init()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case m.ch <- struct{}{}:
		return nil
	}
}

func (m *mu) Unlock() {
	<-m.ch
}
