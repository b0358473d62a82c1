// Package wsproxy relays chat connections to an upstream chat server
// and censors the messages the server propagates to clients.
package wsproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"cdr.dev/slog"
	"go.uber.org/multierr"

	"nhooyr.io/wsproto"
	"nhooyr.io/wsproto/internal/chat"
	"nhooyr.io/wsproto/internal/errd"
	"nhooyr.io/wsproto/internal/xsync"
)

// Options configures a Proxy.
type Options struct {
	// Upstream is the host:port of the chat server.
	Upstream string

	// NetDial is used to connect to Upstream.
	// Defaults to net.Dialer.DialContext.
	NetDial func(ctx context.Context, network, addr string) (net.Conn, error)

	// Logger defaults to discarding every entry.
	Logger slog.Logger

	// Censor rewrites the sender names and text of propagated messages.
	// Defaults to Censor.
	Censor func(string) string
}

func (opts *Options) ensure() *Options {
	if opts == nil {
		opts = &Options{}
	}
	o := *opts

	if o.NetDial == nil {
		var d net.Dialer
		o.NetDial = d.DialContext
	}
	if o.Censor == nil {
		o.Censor = Censor
	}
	return &o
}

// Proxy accepts client connections and relays each to its own
// connection to the upstream server.
type Proxy struct {
	opts *Options
	log  slog.Logger
	wg   sync.WaitGroup
}

// New returns a proxy configured with opts.
func New(opts *Options) *Proxy {
	opts = opts.ensure()
	return &Proxy{
		opts: opts,
		log:  opts.Logger.Named("wsproxy"),
	}
}

// Serve relays every connection accepted on l until ctx is cancelled.
// It returns once every relay has ended.
func (p *Proxy) Serve(ctx context.Context, l net.Listener) error {
	if p.opts.Upstream == "" {
		return errors.New("wsproxy: Options.Upstream must be set")
	}

	stop := context.AfterFunc(ctx, func() {
		l.Close()
	})
	defer stop()
	defer p.wg.Wait()

	p.log.Info(ctx, "proxying", slog.F("addr", l.Addr().String()), slog.F("upstream", p.opts.Upstream))

	for {
		c, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.serveConn(ctx, c)
		}()
	}
}

func (p *Proxy) serveConn(ctx context.Context, c net.Conn) {
	log := p.log.With(slog.F("addr", c.RemoteAddr().String()))

	u, err := p.opts.NetDial(ctx, "tcp", p.opts.Upstream)
	if err != nil {
		c.Close()
		log.Warn(ctx, "failed to dial upstream", slog.Error(err))
		return
	}

	log.Debug(ctx, "relaying")
	err = Relay(ctx, c, u, p.opts.Censor)
	if err != nil && ctx.Err() == nil {
		log.Info(ctx, "relay failed", slog.Error(err))
		return
	}
	log.Debug(ctx, "relay done")
}

// Relay relays the connection of a chat client to the upstream server
// until either side ends it, then closes both.
//
// The handshake heads are relayed verbatim, as is everything the client
// sends. Frames from the server are relayed one at a time with censor
// applied to the sender name and text of chat propagate messages.
// A nil censor means Censor.
func Relay(ctx context.Context, client, upstream io.ReadWriteCloser, censor func(string) string) (err error) {
	defer errd.Wrap(&err, "failed to relay")

	if censor == nil {
		censor = Censor
	}

	cs := wsproto.NewStream(client, wsproto.RoleAcceptor)
	us := wsproto.NewStream(upstream, wsproto.RoleInitiator)
	closeAll := func() {
		cs.Close()
		us.Close()
	}
	defer closeAll()
	stop := context.AfterFunc(ctx, closeAll)
	defer stop()

	cr, cw := cs.Split()
	ur, uw := us.Split()

	err = relayHead(ctx, cr, uw)
	if err != nil {
		return fmt.Errorf("failed to relay handshake request: %w", err)
	}
	err = relayHead(ctx, ur, cw)
	if err != nil {
		return fmt.Errorf("failed to relay handshake response: %w", err)
	}

	upErr := xsync.Go(func() error {
		return copyRaw(ctx, cr, uw)
	})
	downErr := xsync.Go(func() error {
		return relayFrames(ctx, ur, cw, censor)
	})

	var rest <-chan error
	select {
	case err = <-upErr:
		rest = downErr
	case err = <-downErr:
		rest = upErr
	}
	closeAll()
	err2 := <-rest
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if closed(err2) {
		err2 = nil
	}
	return multierr.Combine(err, err2)
}

func relayHead(ctx context.Context, r *wsproto.ReadHalf, w *wsproto.WriteHalf) error {
	head, err := r.ReadHTTP(ctx)
	if err != nil {
		return err
	}
	return w.SendRaw(ctx, head)
}

// copyRaw copies bytes from r to w untouched until r ends.
func copyRaw(ctx context.Context, r *wsproto.ReadHalf, w *wsproto.WriteHalf) error {
	b := make([]byte, 8192)
	for {
		n, err := r.Read(b)
		if n > 0 {
			err2 := w.SendRaw(ctx, b[:n])
			if err2 != nil {
				return fmt.Errorf("failed to write to upstream: %w", err2)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read from client: %w", err)
		}
	}
}

// relayFrames relays frames from r to w until r ends.
func relayFrames(ctx context.Context, r *wsproto.ReadHalf, w *wsproto.WriteHalf, censor func(string) string) error {
	for {
		f, err := r.ReadFrame(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read from upstream: %w", err)
		}

		err = w.WriteFrame(ctx, censorFrame(f, censor))
		if err != nil {
			return fmt.Errorf("failed to write to client: %w", err)
		}
	}
}

// censorFrame returns f with censor applied if it carries a whole
// chat propagate message. Any other frame is returned as is.
func censorFrame(f wsproto.Frame, censor func(string) string) wsproto.Frame {
	if !f.Fin || f.Masked || f.RSV1 || f.RSV2 || f.RSV3 || f.Opcode != wsproto.OpBinary {
		return f
	}

	m, err := wsproto.MessageFromFrame(f)
	if err != nil {
		return f
	}
	sm, err := chat.ParseServerMessage(m)
	if err != nil || sm.Type != chat.TypePropagate {
		return f
	}

	sender := *sm.Sender
	sender.Name = censor(sender.Name)
	sm.Sender = &sender
	sm.Text = censor(sm.Text)

	m, err = sm.Message()
	if err != nil {
		return f
	}
	return m.Frame()
}

func closed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
