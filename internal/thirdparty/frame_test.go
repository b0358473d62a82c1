package thirdparty

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"strconv"
	"testing"
	"time"

	"github.com/gobwas/ws"

	"nhooyr.io/wsproto"
	"nhooyr.io/wsproto/internal/test/assert"
	"nhooyr.io/wsproto/internal/test/xrand"
)

func TestGobwasHeader(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	randBool := func() bool {
		return r.Intn(2) == 0
	}
	ops := []wsproto.Opcode{
		wsproto.OpContinuation,
		wsproto.OpText,
		wsproto.OpBinary,
		wsproto.OpClose,
		wsproto.OpPing,
		wsproto.OpPong,
	}
	lengths := []int64{0, 1, 125, 126, 127, 65535, 65536, 1 << 40}

	for i := 0; i < 1000; i++ {
		h := wsproto.Header{
			Fin:           randBool(),
			RSV1:          randBool(),
			RSV2:          randBool(),
			RSV3:          randBool(),
			Opcode:        ops[r.Intn(len(ops))],
			Masked:        randBool(),
			PayloadLength: uint64(lengths[r.Intn(len(lengths))]),
		}
		if h.Opcode.Control() {
			h.Fin = true
			h.PayloadLength = uint64(r.Intn(126))
		}
		if h.Masked {
			h.MaskKey = r.Uint32()
		}

		gh := ws.Header{
			Fin:    h.Fin,
			Rsv:    ws.Rsv(h.RSV1, h.RSV2, h.RSV3),
			OpCode: ws.OpCode(h.Opcode),
			Masked: h.Masked,
			Length: int64(h.PayloadLength),
		}
		if h.Masked {
			binary.BigEndian.PutUint32(gh.Mask[:], h.MaskKey)
		}

		var buf bytes.Buffer
		err := ws.WriteHeader(&buf, gh)
		assert.Success(t, err)
		assert.Equal(t, "encoded header", buf.Bytes(), h.Bytes(nil))

		gh2, err := ws.ReadHeader(bytes.NewReader(h.Bytes(nil)))
		assert.Success(t, err)
		assert.Equal(t, "decoded header", gh, gh2)
	}
}

func TestGobwasFrame(t *testing.T) {
	t.Parallel()

	sizes := []int{0, 3, 125, 126, 4096, 70000}
	for _, n := range sizes {
		n := n
		t.Run(strconv.Itoa(n), func(t *testing.T) {
			t.Parallel()

			p := xrand.Bytes(n)
			gf := ws.MaskFrame(ws.NewBinaryFrame(append([]byte(nil), p...)))
			b, err := ws.CompileFrame(gf)
			assert.Success(t, err)

			f, consumed, err := wsproto.ParseFrame(b)
			assert.Success(t, err)
			assert.Equal(t, "consumed", len(b), consumed)
			assert.Equal(t, "masked", true, f.Masked)
			assert.Equal(t, "mask key", binary.BigEndian.Uint32(gf.Header.Mask[:]), f.MaskKey)

			f.Mask()
			assert.Equal(t, "payload", p, f.Payload)
		})
	}
}

func TestGobwasCipher(t *testing.T) {
	t.Parallel()

	for i := 0; i < 100; i++ {
		key := ws.NewMask()
		p := xrand.Bytes(xrand.Int(1024))

		exp := append([]byte(nil), p...)
		ws.Cipher(exp, key, 0)

		f := wsproto.NewFrame(true, wsproto.OpBinary, p)
		f.Masked = true
		f.MaskKey = binary.BigEndian.Uint32(key[:])
		f.Mask()
		assert.Equal(t, "masked payload", exp, f.Payload)
	}
}
