package wsproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// maxCloseReason is the longest reason that fits in a close frame
// after the 2 byte status code.
const maxCloseReason = maxControlPayload - 2

// CloseError represents a WebSocket close frame.
// It is returned by Receive when a close frame arrives from the peer
// and by the helpers built on top of it.
type CloseError struct {
	Code   StatusCode
	Reason string
}

func (ce CloseError) Error() string {
	return fmt.Sprintf("status = %v and reason = %q", ce.Code, ce.Reason)
}

// CloseStatus is a convenience wrapper around errors.As to grab
// the status code from a CloseError. If the passed error is nil
// or not a CloseError, the returned StatusCode will be -1.
func CloseStatus(err error) StatusCode {
	var ce CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return -1
}

// parseClosePayload decodes the payload of a close frame.
// A reason that is not valid UTF-8 is dropped rather than failing the frame.
func parseClosePayload(p []byte) (CloseError, error) {
	if len(p) == 0 {
		return CloseError{
			Code: StatusNoStatusRcvd,
		}, nil
	}

	if len(p) < 2 {
		return CloseError{}, &ProtocolError{
			Code: StatusProtocolError,
			Err:  fmt.Errorf("close payload of %d byte cannot contain the 2 byte status code", len(p)),
		}
	}

	ce := CloseError{
		Code: ParseStatusCode(binary.BigEndian.Uint16(p)),
	}
	if reason := p[2:]; utf8.Valid(reason) {
		ce.Reason = string(reason)
	}

	return ce, nil
}

// closePayload encodes a close frame payload.
// The reason is cut to maxCloseReason bytes without splitting a rune.
func closePayload(code StatusCode, reason string) []byte {
	reason = truncateUTF8(reason, maxCloseReason)

	p := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(p, uint16(code))
	copy(p[2:], reason)
	return p
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
