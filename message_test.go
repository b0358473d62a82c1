package wsproto

import (
	"strings"
	"testing"

	"nhooyr.io/wsproto/internal/test/assert"
)

func TestMessageFrame(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		m    Message
		op   Opcode
		len  int
	}{
		{name: "text", m: TextMessage("hello"), op: OpText, len: 5},
		{name: "binary", m: BinaryMessage(make([]byte, 70000)), op: OpBinary, len: 70000},
		{name: "ping", m: PingMessage([]byte("p")), op: OpPing, len: 1},
		{name: "longPong", m: PongMessage(make([]byte, 300)), op: OpPong, len: 125},
		{name: "close", m: CloseMessage(StatusNormalClosure, "done"), op: OpClose, len: 6},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := tc.m.Frame()
			assert.Equal(t, "fin", true, f.Fin)
			assert.Equal(t, "opcode", tc.op, f.Opcode)
			assert.Equal(t, "payload length", tc.len, len(f.Payload))
			assert.Equal(t, "header length", uint64(tc.len), f.PayloadLength)
			assert.Equal(t, "masked", false, f.Masked)
		})
	}
}

func TestMessageFromFrame(t *testing.T) {
	t.Parallel()

	t.Run("roundTrip", func(t *testing.T) {
		t.Parallel()

		msgs := []Message{
			TextMessage("héllo"),
			BinaryMessage([]byte{0, 1, 2}),
			PingMessage([]byte("ping")),
			PongMessage(nil),
			CloseMessage(StatusPolicyViolation, "nope"),
		}
		for _, m := range msgs {
			m2, err := MessageFromFrame(m.Frame())
			assert.Success(t, err)
			assert.Equal(t, "message", m, m2)
		}
	})

	t.Run("nonFinal", func(t *testing.T) {
		t.Parallel()

		_, err := MessageFromFrame(NewFrame(false, OpText, []byte("ab")))
		assert.ErrorIs(t, ErrIncomplete, err)
	})

	t.Run("continuation", func(t *testing.T) {
		t.Parallel()

		_, err := MessageFromFrame(NewFrame(true, OpContinuation, []byte("ab")))
		var pe *ProtocolError
		assert.ErrorAs(t, err, &pe)
		assert.Equal(t, "code", StatusProtocolError, pe.Code)
	})

	t.Run("invalidUTF8", func(t *testing.T) {
		t.Parallel()

		_, err := MessageFromFrame(NewFrame(true, OpText, []byte{0xff}))
		assert.ErrorIs(t, ErrInvalidUTF8, err)
		var pe *ProtocolError
		assert.ErrorAs(t, err, &pe)
		assert.Equal(t, "code", StatusInvalidFramePayloadData, pe.Code)
	})

	t.Run("bigControl", func(t *testing.T) {
		t.Parallel()

		_, err := MessageFromFrame(NewFrame(true, OpPing, make([]byte, 126)))
		assert.Contains(t, err, "exceeds 125")
	})
}

func TestAssembleMessage(t *testing.T) {
	t.Parallel()

	t.Run("fragmented", func(t *testing.T) {
		t.Parallel()

		m, err := AssembleMessage([]Frame{
			NewFrame(false, OpText, []byte("ab")),
			NewFrame(false, OpContinuation, []byte("cd")),
			NewFrame(true, OpContinuation, []byte("ef")),
		})
		assert.Success(t, err)
		assert.Equal(t, "message", TextMessage("abcdef"), m)
	})

	t.Run("single", func(t *testing.T) {
		t.Parallel()

		m, err := AssembleMessage([]Frame{NewFrame(true, OpBinary, []byte("x"))})
		assert.Success(t, err)
		assert.Equal(t, "message", BinaryMessage([]byte("x")), m)
	})

	t.Run("splitRune", func(t *testing.T) {
		t.Parallel()

		b := []byte("é")
		m, err := AssembleMessage([]Frame{
			NewFrame(false, OpText, b[:1]),
			NewFrame(true, OpContinuation, b[1:]),
		})
		assert.Success(t, err)
		assert.Equal(t, "text", "é", m.Text())
	})

	testCases := []struct {
		name   string
		frames []Frame
		err    string
	}{
		{
			name: "empty",
			err:  ErrNoFrames.Error(),
		},
		{
			name: "unfinished",
			frames: []Frame{
				NewFrame(false, OpText, []byte("ab")),
				NewFrame(false, OpContinuation, []byte("cd")),
			},
			err: ErrIncomplete.Error(),
		},
		{
			name: "notContinuation",
			frames: []Frame{
				NewFrame(false, OpText, []byte("ab")),
				NewFrame(true, OpText, []byte("cd")),
			},
			err: "expected continuation frame",
		},
		{
			name: "finInMiddle",
			frames: []Frame{
				NewFrame(false, OpText, []byte("ab")),
				NewFrame(true, OpContinuation, []byte("cd")),
				NewFrame(true, OpContinuation, []byte("ef")),
			},
			err: "final frame followed by 1 frames",
		},
		{
			name: "afterFinal",
			frames: []Frame{
				NewFrame(true, OpText, []byte("ab")),
				NewFrame(true, OpContinuation, []byte("cd")),
			},
			err: "1 frames follow a final frame",
		},
		{
			name: "fragmentedControl",
			frames: []Frame{
				NewFrame(false, OpPing, []byte("ab")),
				NewFrame(true, OpContinuation, []byte("cd")),
			},
			err: "cannot be fragmented",
		},
		{
			name: "startsWithContinuation",
			frames: []Frame{
				NewFrame(false, OpContinuation, []byte("ab")),
				NewFrame(true, OpContinuation, []byte("cd")),
			},
			err: "unexpected continuation",
		},
		{
			name: "invalidUTF8",
			frames: []Frame{
				NewFrame(false, OpText, []byte{0xe2, 0x82}),
				NewFrame(true, OpContinuation, []byte(strings.Repeat("a", 3))),
			},
			err: ErrInvalidUTF8.Error(),
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := AssembleMessage(tc.frames)
			var pe *ProtocolError
			assert.ErrorAs(t, err, &pe)
			assert.Contains(t, err, tc.err)
		})
	}
}
