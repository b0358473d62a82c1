package wsproto

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// DialOptions represents the options available to pass to Dial.
type DialOptions struct {
	// NetDial opens the TCP connection.
	// Defaults to net.Dialer.DialContext.
	NetDial func(ctx context.Context, network, addr string) (net.Conn, error)

	// Host overrides the Host header sent in the handshake.
	// Defaults to the host of the URL.
	Host string

	// HTTPHeader specifies the HTTP headers included in the handshake request.
	HTTPHeader http.Header
}

func (opts *DialOptions) ensure() *DialOptions {
	if opts == nil {
		opts = &DialOptions{}
	} else {
		o := *opts
		opts = &o
	}

	if opts.NetDial == nil {
		var d net.Dialer
		opts.NetDial = d.DialContext
	}

	return opts
}

// Dial connects to the ws:// URL u and performs the initiator side of
// the opening handshake.
//
// ctx bounds both the connection and the handshake.
func Dial(ctx context.Context, u string, opts *DialOptions) (*Stream, error) {
	s, err := dial(ctx, u, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to WebSocket dial: %w", err)
	}
	return s, nil
}

func dial(ctx context.Context, u string, opts *DialOptions) (*Stream, error) {
	opts = opts.ensure()

	parsedURL, err := url.Parse(u)
	if err != nil {
		return nil, fmt.Errorf("failed to parse url: %w", err)
	}

	switch parsedURL.Scheme {
	case "ws":
	case "wss":
		return nil, errors.New("wss is not supported, terminate TLS in front of the server")
	default:
		return nil, fmt.Errorf("unexpected url scheme: %q", parsedURL.Scheme)
	}

	addr := parsedURL.Host
	if parsedURL.Port() == "" {
		addr = net.JoinHostPort(parsedURL.Hostname(), "80")
	}

	conn, err := opts.NetDial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %v: %w", addr, err)
	}

	host := opts.Host
	if host == "" {
		host = parsedURL.Host
	}

	s := NewStream(conn, RoleInitiator)
	err = s.Handshake(ctx, &HandshakeOptions{
		Host:       host,
		Path:       parsedURL.RequestURI(),
		HTTPHeader: opts.HTTPHeader,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
