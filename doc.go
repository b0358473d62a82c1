// Package wsproto implements the core of the WebSocket protocol.
//
// https://tools.ietf.org/html/rfc6455
//
// The frame codec in frame.go encodes and decodes single frames.
// Messages are built from frames with MessageFromFrame and
// AssembleMessage and turned back into a frame with Message.Frame.
//
// A Stream runs the protocol over any io.ReadWriteCloser. Its Role
// decides which side masks. Create one with NewStream and call
// Handshake, or use Dial, Accept and AcceptConn which return an
// established Stream.
//
//	s, err := wsproto.Dial(ctx, "ws://localhost:8080", nil)
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//
//	err = s.Send(ctx, wsproto.TextMessage("hi"))
//	if err != nil {
//		return err
//	}
//
//	m, err := s.Receive(ctx)
//
// Receive returns control messages to the caller. Answering pings and
// closes is up to it.
//
// Extensions, subprotocols and TLS are not supported.
package wsproto
