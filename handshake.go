package wsproto

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"

	"nhooyr.io/wsproto/internal/bufpool"
	"nhooyr.io/wsproto/internal/errd"
)

var keyGUID = []byte("258EAFA5-E914-47DA-95CA-C5AB0DC85B11")

// maxHeadSize bounds the HTTP head read during the opening handshake.
const maxHeadSize = 1 << 16

// HandshakeState is the progress of a Stream through the opening handshake.
type HandshakeState int

// HandshakeState constants.
const (
	StateAwaitingPeer HandshakeState = iota
	StateEstablishing
	StateEstablished
)

func (s HandshakeState) String() string {
	switch s {
	case StateAwaitingPeer:
		return "StateAwaitingPeer"
	case StateEstablishing:
		return "StateEstablishing"
	case StateEstablished:
		return "StateEstablished"
	}
	return fmt.Sprintf("HandshakeState(%d)", int(s))
}

// HandshakeOptions configures Stream.Handshake.
type HandshakeOptions struct {
	// Host is the virtual host.
	// An initiator sends it in the Host header and must set it.
	// An acceptor refuses requests for any other host when it is set.
	Host string

	// Path is the request target sent by an initiator.
	// Defaults to "/".
	Path string

	// HTTPHeader specifies extra HTTP headers sent by an initiator.
	HTTPHeader http.Header

	// InsecureSkipVerify disables the acceptor's origin verification.
	// See AcceptOptions.
	InsecureSkipVerify bool
}

func (opts *HandshakeOptions) ensure() *HandshakeOptions {
	if opts == nil {
		opts = &HandshakeOptions{}
	} else {
		o := *opts
		opts = &o
	}

	if opts.Path == "" {
		opts.Path = "/"
	}
	if opts.HTTPHeader == nil {
		opts.HTTPHeader = http.Header{}
	}

	return opts
}

// Handshake performs the opening handshake for the stream's role.
//
// It may only be called once. On failure the transport is closed and
// the stream cannot be used. If ctx is done before the handshake
// completes, the transport is closed to interrupt it.
func (s *Stream) Handshake(ctx context.Context, opts *HandshakeOptions) (err error) {
	defer errd.Wrap(&err, "failed to perform %v handshake", s.role)

	if !s.state.CompareAndSwap(int64(StateAwaitingPeer), int64(StateEstablishing)) {
		return fmt.Errorf("handshake already attempted, stream is %v", s.State())
	}
	opts = opts.ensure()

	stop := context.AfterFunc(ctx, func() {
		s.rwc.Close()
	})
	defer func() {
		if !stop() && err == nil {
			err = ctx.Err()
		}
		if err != nil {
			s.Close()
		}
	}()

	switch s.role {
	case RoleInitiator:
		err = s.handshakeInitiator(ctx, opts)
	case RoleAcceptor:
		err = s.handshakeAcceptor(ctx, opts)
	}
	if err != nil {
		return err
	}

	s.state.Store(int64(StateEstablished))
	return nil
}

func (s *Stream) handshakeInitiator(ctx context.Context, opts *HandshakeOptions) error {
	if opts.Host == "" {
		return errors.New("HandshakeOptions.Host must be set by an initiator")
	}

	key, err := makeSecWebSocketKey()
	if err != nil {
		return fmt.Errorf("failed to generate Sec-WebSocket-Key: %w", err)
	}

	h := opts.HTTPHeader.Clone()
	h.Set("Upgrade", "websocket")
	h.Set("Connection", "Upgrade")
	h.Set("Sec-WebSocket-Version", "13")
	h.Set("Sec-WebSocket-Key", key)

	err = s.writeHead(ctx, fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\n", opts.Path, opts.Host), h, "")
	if err != nil {
		return err
	}

	head, err := s.r.ReadHTTP(ctx)
	if err != nil {
		return err
	}

	br := bufpool.GetReader(bytes.NewReader(head))
	defer bufpool.PutReader(br)

	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		return fmt.Errorf("failed to parse handshake response: %w", err)
	}

	return verifyServerResponse(key, resp)
}

func (s *Stream) handshakeAcceptor(ctx context.Context, opts *HandshakeOptions) error {
	head, err := s.r.ReadHTTP(ctx)
	if err != nil {
		return err
	}

	br := bufpool.GetReader(bytes.NewReader(head))
	defer bufpool.PutReader(br)

	r, err := http.ReadRequest(br)
	if err != nil {
		err = fmt.Errorf("failed to parse handshake request: %w", err)
		s.writeHTTPError(ctx, http.StatusBadRequest, err)
		return err
	}

	err = verifyClientRequest(r, opts.Host)
	if err != nil {
		s.writeHTTPError(ctx, http.StatusBadRequest, err)
		return err
	}

	if !opts.InsecureSkipVerify {
		err = authenticateOrigin(r)
		if err != nil {
			s.writeHTTPError(ctx, http.StatusForbidden, err)
			return err
		}
	}

	h := http.Header{}
	h.Set("Upgrade", "websocket")
	h.Set("Connection", "Upgrade")
	h.Set("Sec-WebSocket-Accept", AcceptKey(r.Header.Get("Sec-WebSocket-Key")))

	return s.writeHead(ctx, "HTTP/1.1 101 Switching Protocols\r\n", h, "")
}

// writeHead writes the first line, the header fields, the blank line
// terminating an HTTP head and then body in a single write.
func (s *Stream) writeHead(ctx context.Context, line string, h http.Header, body string) error {
	buf := bufpool.Get()
	defer bufpool.Put(buf)

	buf.WriteString(line)
	h.Write(buf)
	buf.WriteString("\r\n")
	buf.WriteString(body)

	err := s.w.SendRaw(ctx, buf.Bytes())
	if err != nil {
		return fmt.Errorf("failed to write HTTP head: %w", err)
	}
	return nil
}

func (s *Stream) writeHTTPError(ctx context.Context, code int, err error) {
	body := err.Error() + "\n"
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Length", fmt.Sprint(len(body)))
	h.Set("Connection", "close")

	line := fmt.Sprintf("HTTP/1.1 %d %s\r\n", code, http.StatusText(code))
	s.writeHead(ctx, line, h, body)
}

// readHTTPHead reads an HTTP head line by line up to and including
// the blank line terminating it.
func readHTTPHead(br *bufio.Reader) ([]byte, error) {
	var head []byte
	for {
		line, err := br.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			return nil, fmt.Errorf("HTTP head line longer than %d bytes", br.Size())
		}
		if err != nil {
			if err == io.EOF && len(head) == 0 && len(line) == 0 {
				return nil, io.EOF
			}
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("failed to read HTTP head: %w", err)
		}

		head = append(head, line...)
		if len(head) > maxHeadSize {
			return nil, fmt.Errorf("HTTP head exceeds %d bytes", maxHeadSize)
		}

		if bytes.Equal(line, []byte("\r\n")) || bytes.Equal(line, []byte("\n")) {
			return head, nil
		}
	}
}

func verifyClientRequest(r *http.Request, host string) error {
	if !r.ProtoAtLeast(1, 1) {
		return fmt.Errorf("websocket protocol violation: handshake request must be at least HTTP/1.1: %q", r.Proto)
	}

	if !headerContainsToken(r.Header, "Connection", "Upgrade") {
		return fmt.Errorf("websocket protocol violation: Connection header %q does not contain Upgrade", r.Header.Get("Connection"))
	}

	if !headerContainsToken(r.Header, "Upgrade", "websocket") {
		return fmt.Errorf("websocket protocol violation: Upgrade header %q does not contain websocket", r.Header.Get("Upgrade"))
	}

	if r.Method != "GET" {
		return fmt.Errorf("websocket protocol violation: handshake request method is not GET but %q", r.Method)
	}

	if r.Header.Get("Sec-WebSocket-Version") != "13" {
		return fmt.Errorf("unsupported WebSocket protocol version (only 13 is supported): %q", r.Header.Get("Sec-WebSocket-Version"))
	}

	if r.Host == "" {
		return errors.New("websocket protocol violation: missing Host")
	}
	if host != "" && !strings.EqualFold(r.Host, host) {
		return fmt.Errorf("unexpected Host %q, expected %q", r.Host, host)
	}

	if r.Header.Get("Sec-WebSocket-Key") == "" {
		return errors.New("websocket protocol violation: missing Sec-WebSocket-Key")
	}

	return nil
}

func verifyServerResponse(key string, resp *http.Response) error {
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return fmt.Errorf("expected handshake response status code %v but got %v", http.StatusSwitchingProtocols, resp.StatusCode)
	}

	if !headerContainsToken(resp.Header, "Connection", "Upgrade") {
		return fmt.Errorf("websocket protocol violation: Connection header %q does not contain Upgrade", resp.Header.Get("Connection"))
	}

	if !headerContainsToken(resp.Header, "Upgrade", "WebSocket") {
		return fmt.Errorf("websocket protocol violation: Upgrade header %q does not contain websocket", resp.Header.Get("Upgrade"))
	}

	if resp.Header.Get("Sec-WebSocket-Accept") != AcceptKey(key) {
		return fmt.Errorf("websocket protocol violation: invalid Sec-WebSocket-Accept %q, key %q",
			resp.Header.Get("Sec-WebSocket-Accept"),
			key,
		)
	}

	return nil
}

func headerContainsToken(h http.Header, key, token string) bool {
	key = textproto.CanonicalMIMEHeaderKey(key)
	return httpguts.HeaderValuesContainsToken(h[key], token)
}

func authenticateOrigin(r *http.Request) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}
	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("failed to parse Origin header %q: %w", origin, err)
	}
	if !strings.EqualFold(u.Host, r.Host) {
		return fmt.Errorf("request Origin %q is not authorized for Host %q", origin, r.Host)
	}
	return nil
}

// AcceptKey derives the Sec-WebSocket-Accept value for a Sec-WebSocket-Key.
// See https://tools.ietf.org/html/rfc6455#section-4.2.2
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write(keyGUID)

	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func makeSecWebSocketKey() (string, error) {
	b := make([]byte, 16)
	_, err := io.ReadFull(rand.Reader, b)
	if err != nil {
		return "", fmt.Errorf("failed to read random data from rand.Reader: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
