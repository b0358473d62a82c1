package wstest

import (
	"context"
	"fmt"
	"net"

	"nhooyr.io/wsproto"
	"nhooyr.io/wsproto/internal/errd"
	"nhooyr.io/wsproto/internal/xsync"
)

// Host is the virtual host used by Pipe.
const Host = "example.com"

// Pipe is used to create an in memory connection between an initiator
// and an acceptor that have completed the opening handshake,
// analogous to net.Pipe.
func Pipe(ctx context.Context) (client, server *wsproto.Stream, err error) {
	defer errd.Wrap(&err, "failed to create ws pipe")

	c1, c2 := net.Pipe()
	client = wsproto.NewStream(c1, wsproto.RoleInitiator)
	server = wsproto.NewStream(c2, wsproto.RoleAcceptor)

	acceptErr := xsync.Go(func() error {
		return server.Handshake(ctx, &wsproto.HandshakeOptions{
			Host: Host,
		})
	})

	err = client.Handshake(ctx, &wsproto.HandshakeOptions{
		Host: Host,
		Path: "/chat",
	})
	if err != nil {
		server.Close()
		<-acceptErr
		return nil, nil, err
	}

	err = <-acceptErr
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("acceptor failed: %w", err)
	}

	return client, server, nil
}
