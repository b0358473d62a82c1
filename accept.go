package wsproto

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// AcceptOptions represents the options available to pass to Accept and AcceptConn.
type AcceptOptions struct {
	// Host is the virtual host served.
	// When set, handshakes for any other Host are refused.
	Host string

	// InsecureSkipVerify disables Accept's origin verification
	// behaviour. By default Accept only allows the handshake to
	// succeed if the javascript that is initiating the handshake
	// is on the same domain as the server. This is to prevent CSRF
	// attacks when secure data is stored in a cookie as there is no same
	// origin policy for WebSockets.
	//
	// See https://stackoverflow.com/a/37837709/4283659
	InsecureSkipVerify bool
}

// AcceptConn performs the acceptor side of the opening handshake
// directly on rwc. The request is refused with HTTP 400 if it is not a
// valid WebSocket handshake.
//
// rwc is closed if the handshake fails.
func AcceptConn(ctx context.Context, rwc io.ReadWriteCloser, opts *AcceptOptions) (*Stream, error) {
	if opts == nil {
		opts = &AcceptOptions{}
	}

	s := NewStream(rwc, RoleAcceptor)
	err := s.Handshake(ctx, &HandshakeOptions{
		Host:               opts.Host,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to accept WebSocket connection: %w", err)
	}
	return s, nil
}

// Accept accepts a WebSocket handshake from a client and upgrades the
// the connection to a WebSocket stream.
//
// Accept will not allow cross origin requests by default.
// See the InsecureSkipVerify option to allow cross origin requests.
//
// If an error occurs, Accept will always write an appropriate response so you do not
// have to.
func Accept(w http.ResponseWriter, r *http.Request, opts *AcceptOptions) (*Stream, error) {
	s, err := accept(w, r, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to accept WebSocket connection: %w", err)
	}
	return s, nil
}

func accept(w http.ResponseWriter, r *http.Request, opts *AcceptOptions) (*Stream, error) {
	if opts == nil {
		opts = &AcceptOptions{}
	}

	err := verifyClientRequest(r, opts.Host)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, err
	}

	if !opts.InsecureSkipVerify {
		err = authenticateOrigin(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return nil, err
		}
	}

	hj, ok := hijacker(w)
	if !ok {
		err = errors.New("http.ResponseWriter does not implement http.Hijacker")
		http.Error(w, http.StatusText(http.StatusNotImplemented), http.StatusNotImplemented)
		return nil, err
	}

	w.Header().Set("Upgrade", "websocket")
	w.Header().Set("Connection", "Upgrade")
	w.Header().Set("Sec-WebSocket-Accept", AcceptKey(r.Header.Get("Sec-WebSocket-Key")))

	w.WriteHeader(http.StatusSwitchingProtocols)
	// gin buffers the status line until WriteHeaderNow.
	if gw, ok := w.(interface{ WriteHeaderNow() }); ok {
		gw.WriteHeaderNow()
	}

	netConn, brw, err := hj.Hijack()
	if err != nil {
		err = fmt.Errorf("failed to hijack connection: %w", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return nil, err
	}

	// https://github.com/golang/go/issues/32314
	b, _ := brw.Reader.Peek(brw.Reader.Buffered())
	brw.Reader.Reset(io.MultiReader(bytes.NewReader(b), netConn))

	return newStream(netConn, RoleAcceptor, brw.Reader, StateEstablished), nil
}

// hijacker returns the http.Hijacker behind w, unwrapping middleware
// response writers the same way http.ResponseController does.
func hijacker(w http.ResponseWriter) (http.Hijacker, bool) {
	for {
		switch t := w.(type) {
		case http.Hijacker:
			return t, true
		case interface{ Unwrap() http.ResponseWriter }:
			w = t.Unwrap()
		default:
			return nil, false
		}
	}
}
