package wsproto

import (
	"encoding/binary"
	"math/bits"
)

// mask applies the WebSocket masking algorithm to b with key.
// See https://tools.ietf.org/html/rfc6455#section-5.3
//
// key is the big endian value of the 4 key bytes as they appear on the wire.
// The returned value is the key rotated to the position of the next byte
// so that a payload can be masked in pieces.
func mask(key uint32, b []byte) uint32 {
	// If the payload is at least 8 bytes, then it's worth masking
	// 8 bytes at a time.
	// Optimization from https://github.com/golang/go/issues/31586#issuecomment-485530859
	if len(b) >= 8 {
		var kb [8]byte
		binary.BigEndian.PutUint32(kb[:4], key)
		binary.BigEndian.PutUint32(kb[4:], key)
		k := binary.LittleEndian.Uint64(kb[:])

		for len(b) >= 32 {
			v := binary.LittleEndian.Uint64(b)
			binary.LittleEndian.PutUint64(b, v^k)
			v = binary.LittleEndian.Uint64(b[8:])
			binary.LittleEndian.PutUint64(b[8:], v^k)
			v = binary.LittleEndian.Uint64(b[16:])
			binary.LittleEndian.PutUint64(b[16:], v^k)
			v = binary.LittleEndian.Uint64(b[24:])
			binary.LittleEndian.PutUint64(b[24:], v^k)
			b = b[32:]
		}

		for len(b) >= 8 {
			v := binary.LittleEndian.Uint64(b)
			binary.LittleEndian.PutUint64(b, v^k)
			b = b[8:]
		}
	}

	// Multiples of 8 bytes leave the key position unchanged.
	for i := range b {
		b[i] ^= byte(key >> 24)
		key = bits.RotateLeft32(key, 8)
	}

	return key
}
