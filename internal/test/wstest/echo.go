package wstest

import (
	"bytes"
	"context"
	"fmt"

	"nhooyr.io/wsproto"
	"nhooyr.io/wsproto/internal/test/xrand"
	"nhooyr.io/wsproto/internal/xsync"
)

// EchoLoop echos every data message received on s and answers pings
// until an error occurs or a close message arrives, which is echoed too.
// The read limit is set to 1 << 30.
func EchoLoop(ctx context.Context, s *wsproto.Stream) error {
	defer s.Close()

	r, w := s.Split()
	r.SetReadLimit(1 << 30)

	for {
		m, err := r.Receive(ctx)
		if err != nil {
			w.Fail(ctx, err)
			return err
		}

		switch m.Type {
		case wsproto.MessagePing:
			err = w.Send(ctx, wsproto.PongMessage(m.Data))
		case wsproto.MessagePong:
		case wsproto.MessageClose:
			return w.Send(ctx, m)
		default:
			err = w.Send(ctx, m)
		}
		if err != nil {
			return err
		}
	}
}

// Echo sends a random message of at most max bytes and ensures the same
// is sent back on s.
func Echo(ctx context.Context, s *wsproto.Stream, max int) error {
	exp := wsproto.BinaryMessage(xrand.Bytes(xrand.Int(max)))
	if xrand.Bool() {
		exp = wsproto.TextMessage(xrand.String(xrand.Int(max)))
	}

	sendErr := xsync.Go(func() error {
		return s.Send(ctx, exp)
	})

	act, err := s.Receive(ctx)
	if err != nil {
		return err
	}

	err = <-sendErr
	if err != nil {
		return err
	}

	if exp.Type != act.Type {
		return fmt.Errorf("unexpected message type (%v): %v", exp.Type, act.Type)
	}

	if !bytes.Equal(exp.Data, act.Data) {
		return fmt.Errorf("unexpected message received: %#v", act.Data)
	}

	return nil
}
