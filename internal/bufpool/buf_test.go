package bufpool

import (
	"io"
	"strconv"
	"strings"
	"testing"

	"nhooyr.io/wsproto/internal/test/assert"
)

func TestPool(t *testing.T) {
	t.Parallel()

	b := Get()
	b.WriteString("dirty")
	Put(b)

	b = Get()
	defer Put(b)
	assert.Equal(t, "buffer length", 0, b.Len())

	br := GetReader(strings.NewReader("first"))
	p, err := io.ReadAll(br)
	assert.Success(t, err)
	assert.Equal(t, "read", "first", string(p))
	PutReader(br)

	br = GetReader(strings.NewReader("second"))
	defer PutReader(br)
	p, err = io.ReadAll(br)
	assert.Success(t, err)
	assert.Equal(t, "read", "second", string(p))
}

func BenchmarkPool(b *testing.B) {
	sizes := []int{
		2,
		16,
		128,
		512,
		4096,
		16384,
	}
	for _, size := range sizes {
		size := size
		p := make([]byte, size)
		b.Run(strconv.Itoa(size), func(b *testing.B) {
			b.Run("allocate", func(b *testing.B) {
				b.ReportAllocs()
				for i := 0; i < b.N; i++ {
					buf := make([]byte, 0, size)
					buf = append(buf, p...)
					_ = buf
				}
			})
			b.Run("pool", func(b *testing.B) {
				b.ReportAllocs()
				for i := 0; i < b.N; i++ {
					buf := Get()
					buf.Write(p)
					Put(buf)
				}
			})
		})
	}
}
