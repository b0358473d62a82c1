// Package chat implements a small chat service on top of wsproto.
//
// Clients authenticate with a nickname, receive a token and then
// send text that the server propagates to every authenticated client.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"cdr.dev/slog"
	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"nhooyr.io/wsproto"
)

// Options configures a Server.
type Options struct {
	// Host is the virtual host served.
	// Handshakes for any other Host are refused when set.
	Host string

	// InsecureSkipVerify disables origin verification of browser clients.
	InsecureSkipVerify bool

	// Logger defaults to discarding every entry.
	Logger slog.Logger

	// Names picks nicknames for simple_auth requests.
	// Defaults to NewNameGenerator(nil, nil).
	Names *NameGenerator

	// MessageRate and MessageBurst limit how fast a single client may
	// send chat messages. Defaults to 10 per second with a burst of 8.
	MessageRate  rate.Limit
	MessageBurst int

	// SendTimeout bounds every message sent to a client.
	// Defaults to 5 seconds.
	SendTimeout time.Duration

	// HandshakeTimeout bounds the opening handshake of connections
	// accepted by Serve. Defaults to 10 seconds.
	HandshakeTimeout time.Duration
}

func (opts *Options) ensure() *Options {
	if opts == nil {
		opts = &Options{}
	}
	o := *opts

	if o.Names == nil {
		o.Names = NewNameGenerator(nil, nil)
	}
	if o.MessageRate == 0 {
		o.MessageRate = rate.Every(time.Millisecond * 100)
	}
	if o.MessageBurst == 0 {
		o.MessageBurst = 8
	}
	if o.SendTimeout == 0 {
		o.SendTimeout = time.Second * 5
	}
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = time.Second * 10
	}
	return &o
}

// simpleAuthAttempts is how many generated names are tried for a
// simple_auth request before giving up.
const simpleAuthAttempts = 16

// Server is a chat server.
type Server struct {
	opts    *Options
	log     slog.Logger
	clients *Registry

	mu     sync.Mutex
	conns  map[io.Closer]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer returns a server configured with opts.
func NewServer(opts *Options) *Server {
	opts = opts.ensure()
	return &Server{
		opts:    opts,
		log:     opts.Logger.Named("chat"),
		clients: NewRegistry(),
		conns:   make(map[io.Closer]struct{}),
	}
}

// Clients returns the registry of authorized clients.
func (s *Server) Clients() *Registry {
	return s.clients
}

// Serve accepts connections on l and performs the opening handshake
// on each directly, without an HTTP server.
//
// When ctx is cancelled, l is closed, every client connection is closed
// and Serve returns once every connection handler has returned.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		l.Close()
	})
	defer stop()

	s.log.Info(ctx, "serving", slog.F("addr", l.Addr().String()))

	for {
		c, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return s.Close()
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}

		if !s.track(c) {
			c.Close()
			return s.Close()
		}
		go func() {
			defer s.untrack(c)
			s.serveConn(ctx, c)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, c net.Conn) {
	addr := c.RemoteAddr().String()

	hctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	st, err := wsproto.AcceptConn(hctx, c, &wsproto.AcceptOptions{
		Host:               s.opts.Host,
		InsecureSkipVerify: s.opts.InsecureSkipVerify,
	})
	cancel()
	if err != nil {
		s.log.Info(ctx, "handshake failed", slog.F("addr", addr), slog.Error(err))
		return
	}

	s.handle(ctx, st, addr)
}

// Router returns an HTTP handler serving the chat over upgraded
// HTTP connections at /chat and the sorted nicknames of connected
// clients as JSON at /clients.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/chat", s.handleUpgrade)
	r.GET("/clients", s.handleClients)
	return r
}

func (s *Server) handleUpgrade(c *gin.Context) {
	ctx := c.Request.Context()

	st, err := wsproto.Accept(c.Writer, c.Request, &wsproto.AcceptOptions{
		Host:               s.opts.Host,
		InsecureSkipVerify: s.opts.InsecureSkipVerify,
	})
	if err != nil {
		s.log.Info(ctx, "upgrade failed", slog.F("addr", c.Request.RemoteAddr), slog.Error(err))
		return
	}

	if !s.track(st) {
		st.Close()
		return
	}
	defer s.untrack(st)

	s.handle(ctx, st, c.Request.RemoteAddr)
}

func (s *Server) handleClients(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"clients": s.clients.Names(),
	})
}

// Close closes every client connection and waits for their handlers
// to return. Connections arriving afterwards are closed immediately.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	var err error
	for c := range s.conns {
		err2 := c.Close()
		if err2 != nil && !errors.Is(err2, net.ErrClosed) {
			err = multierr.Append(err, err2)
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close chat connections: %w", err)
	}
	return nil
}

func (s *Server) track(c io.Closer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c io.Closer) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

// handle runs a client until its connection fails or closes.
func (s *Server) handle(ctx context.Context, st *wsproto.Stream, addr string) {
	defer st.Close()

	r, w := st.Split()
	c := &conn{
		s:       s,
		log:     s.log.With(slog.F("addr", addr)),
		addr:    addr,
		w:       w,
		limiter: rate.NewLimiter(s.opts.MessageRate, s.opts.MessageBurst),
	}
	defer c.disconnect(ctx)

	err := c.serve(ctx, r)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	case wsproto.CloseStatus(err) == wsproto.StatusNormalClosure,
		wsproto.CloseStatus(err) == wsproto.StatusGoingAway,
		wsproto.CloseStatus(err) == wsproto.StatusNoStatusRcvd:
		c.log.Debug(ctx, "client closed connection", slog.Error(err))
	case wsproto.CloseStatus(err) == wsproto.StatusAbnormalClosure:
		c.log.Debug(ctx, "connection dropped", slog.Error(err))
	default:
		c.log.Warn(ctx, "closing connection", slog.Error(err))
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.SendTimeout)
		w.Fail(sctx, err)
		cancel()
	}
}

// conn is the state of one client connection.
type conn struct {
	s       *Server
	log     slog.Logger
	addr    string
	w       *wsproto.WriteHalf
	limiter *rate.Limiter
}

func (c *conn) serve(ctx context.Context, r *wsproto.ReadHalf) error {
	for {
		m, err := r.Receive(ctx)
		if err != nil {
			return err
		}

		switch m.Type {
		case wsproto.MessagePing:
			err = c.sendRaw(ctx, wsproto.PongMessage(m.Data))
		case wsproto.MessagePong:
		case wsproto.MessageClose:
			c.sendRaw(ctx, wsproto.CloseMessage(m.Code, ""))
			return m.CloseError()
		default:
			err = c.handleMessage(ctx, m)
		}
		if err != nil {
			return err
		}
	}
}

func (c *conn) handleMessage(ctx context.Context, m wsproto.Message) error {
	cm, err := ParseClientMessage(m)
	if err != nil {
		c.log.Warn(ctx, "ignoring invalid message", slog.Error(err))
		return nil
	}

	switch cm.Type {
	case TypeAuth:
		token, err := c.s.clients.Connect(c.addr, *cm.Sender, c.w)
		return c.authResult(ctx, *cm.Sender, token, err)
	case TypeSimpleAuth:
		sender := c.s.opts.Names.Next()
		token, err := c.s.clients.Connect(c.addr, sender, c.w)
		for i := 1; i < simpleAuthAttempts && errors.Is(err, ErrNicknameUnavailable); i++ {
			sender = c.s.opts.Names.Next()
			token, err = c.s.clients.Connect(c.addr, sender, c.w)
		}
		return c.authResult(ctx, sender, token, err)
	default:
		return c.propagate(ctx, cm)
	}
}

// authResult reports the outcome of registering the client under sender.
func (c *conn) authResult(ctx context.Context, sender Sender, token string, err error) error {
	var authErr AuthError
	if errors.As(err, &authErr) {
		c.log.Info(ctx, "refused auth", slog.F("name", sender.Name), slog.F("reason", string(authErr)))
		return c.send(ctx, ServerMessage{
			Type:  TypeAuthResult,
			Error: authErr,
		})
	}
	if err != nil {
		return err
	}

	c.log = c.log.With(slog.F("name", sender.Name))
	c.log.Info(ctx, "client connected")

	err = c.send(ctx, ServerMessage{
		Type:  TypeAuthResult,
		Token: token,
	})
	if err != nil {
		return err
	}

	c.broadcast(ctx, c.addr, ServerMessage{
		Type:   TypeNotification,
		Kind:   KindConnected,
		Sender: &sender,
	})
	return nil
}

func (c *conn) propagate(ctx context.Context, cm ClientMessage) error {
	addr, sender, ok := c.s.clients.ByToken(cm.Token)
	if !ok || addr != c.addr {
		c.log.Warn(ctx, "ignoring message with unknown token")
		return nil
	}

	err := c.limiter.Wait(ctx)
	if err != nil {
		return err
	}

	c.broadcast(ctx, "", ServerMessage{
		Type:   TypePropagate,
		Sender: &sender,
		Text:   cm.Text,
	})
	return nil
}

func (c *conn) disconnect(ctx context.Context) {
	sender, ok := c.s.clients.Disconnect(c.addr)
	if !ok {
		return
	}
	c.log.Info(ctx, "client disconnected")

	c.broadcast(context.WithoutCancel(ctx), c.addr, ServerMessage{
		Type:   TypeNotification,
		Kind:   KindDisconnected,
		Sender: &sender,
	})
}

// broadcast sends m to every client but the one at except.
// Failing to reach other clients does not concern this connection so
// the error is only logged.
func (c *conn) broadcast(ctx context.Context, except string, m ServerMessage) {
	ctx, cancel := context.WithTimeout(ctx, c.s.opts.SendTimeout)
	defer cancel()

	err := c.s.clients.BroadcastExcept(ctx, except, m)
	if err != nil {
		c.log.Warn(ctx, "failed to broadcast", slog.F("type", m.Type), slog.Error(err))
	}
}

func (c *conn) send(ctx context.Context, m ServerMessage) error {
	msg, err := m.Message()
	if err != nil {
		return err
	}
	return c.sendRaw(ctx, msg)
}

func (c *conn) sendRaw(ctx context.Context, m wsproto.Message) error {
	ctx, cancel := context.WithTimeout(ctx, c.s.opts.SendTimeout)
	defer cancel()
	return c.w.Send(ctx, m)
}
