package bufpool

import (
	"bufio"
	"io"
	"sync"
)

var readerPool = sync.Pool{
	New: func() interface{} {
		return bufio.NewReader(nil)
	},
}

// GetReader returns a pooled reader reading from r.
func GetReader(r io.Reader) *bufio.Reader {
	br := readerPool.Get().(*bufio.Reader)
	br.Reset(r)
	return br
}

// PutReader returns br to the pool.
func PutReader(br *bufio.Reader) {
	readerPool.Put(br)
}
