// Package wspb provides helpers for reading and writing protobuf messages.
package wspb

import (
	"context"
	"fmt"

	"github.com/golang/protobuf/proto"

	"nhooyr.io/wsproto"
	"nhooyr.io/wsproto/internal/errd"
)

// maxMessageSize is the largest protobuf message Read decodes.
const maxMessageSize = 32768

// Receiver is implemented by *wsproto.Stream and *wsproto.ReadHalf.
type Receiver interface {
	Receive(ctx context.Context) (wsproto.Message, error)
}

// Sender is implemented by *wsproto.Stream and *wsproto.WriteHalf.
type Sender interface {
	Send(ctx context.Context, m wsproto.Message) error
}

// Read reads a protobuf message from r into v.
// It will read a message up to 32768 bytes in length.
//
// Pings and pongs are skipped. A close message is returned as a
// wsproto.CloseError.
func Read(ctx context.Context, r Receiver, v proto.Message) error {
	return read(ctx, r, v)
}

func read(ctx context.Context, r Receiver, v proto.Message) (err error) {
	defer errd.Wrap(&err, "failed to read protobuf message")

	var m wsproto.Message
	for {
		m, err = r.Receive(ctx)
		if err != nil {
			return err
		}
		if m.Type == wsproto.MessagePing || m.Type == wsproto.MessagePong {
			continue
		}
		break
	}

	switch m.Type {
	case wsproto.MessageBinary:
	case wsproto.MessageClose:
		return m.CloseError()
	default:
		return fmt.Errorf("expected binary message but got: %v", m.Type)
	}

	if len(m.Data) > maxMessageSize {
		return fmt.Errorf("message of %v bytes exceeds %v", len(m.Data), maxMessageSize)
	}

	err = proto.Unmarshal(m.Data, v)
	if err != nil {
		return fmt.Errorf("failed to unmarshal protobuf: %w", err)
	}

	return nil
}

// Write writes the protobuf message v to s.
func Write(ctx context.Context, s Sender, v proto.Message) error {
	return write(ctx, s, v)
}

func write(ctx context.Context, s Sender, v proto.Message) (err error) {
	defer errd.Wrap(&err, "failed to write protobuf message")

	b, err := proto.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal protobuf: %w", err)
	}

	return s.Send(ctx, wsproto.BinaryMessage(b))
}
