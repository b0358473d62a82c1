// Package wsjson provides helpers for reading and writing JSON messages.
package wsjson

import (
	"context"
	"encoding/json"
	"fmt"

	"nhooyr.io/wsproto"
	"nhooyr.io/wsproto/internal/bufpool"
	"nhooyr.io/wsproto/internal/errd"
)

// maxMessageSize is the largest JSON message Read decodes.
const maxMessageSize = 32768

// Receiver is implemented by *wsproto.Stream and *wsproto.ReadHalf.
type Receiver interface {
	Receive(ctx context.Context) (wsproto.Message, error)
}

// Sender is implemented by *wsproto.Stream and *wsproto.WriteHalf.
type Sender interface {
	Send(ctx context.Context, m wsproto.Message) error
}

// Read reads a JSON message from r into v.
// It will read a message up to 32768 bytes in length.
//
// Pings and pongs are skipped. A close message is returned as a
// wsproto.CloseError.
func Read(ctx context.Context, r Receiver, v interface{}) error {
	return read(ctx, r, v)
}

func read(ctx context.Context, r Receiver, v interface{}) (err error) {
	defer errd.Wrap(&err, "failed to read JSON message")

	m, err := receiveData(ctx, r)
	if err != nil {
		return err
	}

	if m.Type != wsproto.MessageText {
		return fmt.Errorf("expected text message but got: %v", m.Type)
	}

	if len(m.Data) > maxMessageSize {
		return fmt.Errorf("message of %v bytes exceeds %v", len(m.Data), maxMessageSize)
	}

	err = json.Unmarshal(m.Data, v)
	if err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	return nil
}

func receiveData(ctx context.Context, r Receiver) (wsproto.Message, error) {
	for {
		m, err := r.Receive(ctx)
		if err != nil {
			return wsproto.Message{}, err
		}

		switch m.Type {
		case wsproto.MessagePing, wsproto.MessagePong:
			continue
		case wsproto.MessageClose:
			return wsproto.Message{}, m.CloseError()
		}
		return m, nil
	}
}

// Write writes the JSON message v to s.
func Write(ctx context.Context, s Sender, v interface{}) error {
	return write(ctx, s, v)
}

func write(ctx context.Context, s Sender, v interface{}) (err error) {
	defer errd.Wrap(&err, "failed to write JSON message")

	// json.Marshal cannot reuse buffers between calls as it returns
	// a copy of the bytes so we use json.Encoder with a bytes.Buffer.
	// See https://github.com/golang/go/issues/27735
	buf := bufpool.Get()
	defer bufpool.Put(buf)

	err = json.NewEncoder(buf).Encode(v)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return s.Send(ctx, wsproto.TextMessage(buf.String()))
}
