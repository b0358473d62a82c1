package atomicint

import (
	"fmt"
	"sync/atomic"
)

// Int64 is an int64 shared between the goroutine that configures
// a stream and the goroutines using its halves.
// See https://github.com/nhooyr/websocket/issues/153
type Int64 struct {
	v int64
}

// Load returns the current value.
func (v *Int64) Load() int64 {
	return atomic.LoadInt64(&v.v)
}

// Store sets the value to i.
func (v *Int64) Store(i int64) {
	atomic.StoreInt64(&v.v, i)
}

// CompareAndSwap sets the value to new if it is old
// and reports whether it did.
func (v *Int64) CompareAndSwap(old, new int64) bool {
	return atomic.CompareAndSwapInt64(&v.v, old, new)
}

func (v *Int64) String() string {
	return fmt.Sprint(v.Load())
}
