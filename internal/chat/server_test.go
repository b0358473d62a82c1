package chat

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"cdr.dev/slog/sloggers/slogtest"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"nhooyr.io/wsproto"
	"nhooyr.io/wsproto/internal/test/assert"
	"nhooyr.io/wsproto/internal/test/wstest"
	"nhooyr.io/wsproto/internal/xsync"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type serverTest struct {
	t   *testing.T
	ctx context.Context
	s   *Server
	url string
}

// newServerTest serves a chat server over raw TCP until the test ends.
func newServerTest(t *testing.T, opts *Options) *serverTest {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	t.Cleanup(cancel)

	if opts == nil {
		opts = &Options{}
	}
	opts.Logger = slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})
	if opts.MessageRate == 0 {
		opts.MessageRate = rate.Inf
	}
	s := NewServer(opts)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Success(t, err)

	serveCtx, stop := context.WithCancel(ctx)
	serveErr := xsync.Go(func() error {
		return s.Serve(serveCtx, l)
	})
	t.Cleanup(func() {
		stop()
		assert.Success(t, <-serveErr)
	})

	return &serverTest{
		t:   t,
		ctx: ctx,
		s:   s,
		url: "ws://" + l.Addr().String() + "/chat",
	}
}

func (st *serverTest) dial() *Client {
	st.t.Helper()

	c, err := Dial(st.ctx, st.url, nil)
	assert.Success(st.t, err)
	st.t.Cleanup(func() {
		c.Close()
	})
	return c
}

func (st *serverTest) auth(name string) *Client {
	st.t.Helper()

	c := st.dial()
	_, err := c.Auth(st.ctx, &Sender{Name: name, Color: ColorGreen})
	assert.Success(st.t, err)
	return c
}

func (st *serverTest) next(c *Client) ServerMessage {
	st.t.Helper()

	sm, err := c.Next(st.ctx)
	assert.Success(st.t, err)
	return sm
}

func TestServer(t *testing.T) {
	t.Parallel()

	t.Run("auth", func(t *testing.T) {
		t.Parallel()

		st := newServerTest(t, nil)
		alice := st.auth("alice")

		bob := st.dial()
		_, err := bob.Auth(st.ctx, &Sender{Name: "alice"})
		assert.ErrorIs(t, ErrNicknameUnavailable, err)

		_, err = bob.Auth(st.ctx, &Sender{Name: "bob", Color: ColorBlue})
		assert.Success(t, err)

		_, err = bob.Auth(st.ctx, &Sender{Name: "robert"})
		assert.ErrorIs(t, ErrAlreadyAuthorized, err)

		assert.Equal(t, "notification", ServerMessage{
			Type:   TypeNotification,
			Kind:   KindConnected,
			Sender: &Sender{Name: "bob", Color: ColorBlue},
		}, st.next(alice))
		assert.Equal(t, "names", []string{"alice", "bob"}, st.s.Clients().Names())
	})

	t.Run("nicknameTooLong", func(t *testing.T) {
		t.Parallel()

		st := newServerTest(t, nil)
		c := st.dial()
		_, err := c.Auth(st.ctx, &Sender{Name: "abcdefghijklmnopqrstuvwxyz0123456789"})
		assert.ErrorIs(t, ErrNicknameTooLong, err)
	})

	t.Run("simpleAuth", func(t *testing.T) {
		t.Parallel()

		st := newServerTest(t, &Options{
			Names: NewNameGenerator([]string{"x"}, nil),
		})
		st.auth("x")

		c := st.dial()
		token, err := c.Auth(st.ctx, nil)
		assert.Success(t, err)

		_, sender, ok := st.s.Clients().ByToken(token)
		assert.Equal(t, "found", true, ok)
		assert.Equal(t, "name", "x2", sender.Name)
	})

	t.Run("propagate", func(t *testing.T) {
		t.Parallel()

		st := newServerTest(t, nil)
		alice := st.auth("alice")
		bob := st.auth("bob")
		assert.Equal(t, "notification kind", KindConnected, st.next(alice).Kind)

		err := bob.Say(st.ctx, "hi")
		assert.Success(t, err)

		exp := ServerMessage{
			Type:   TypePropagate,
			Sender: &Sender{Name: "bob", Color: ColorGreen},
			Text:   "hi",
		}
		assert.Equal(t, "alice received", exp, st.next(alice))
		assert.Equal(t, "bob received", exp, st.next(bob))
	})

	t.Run("foreignToken", func(t *testing.T) {
		t.Parallel()

		st := newServerTest(t, nil)
		alice := st.auth("alice")
		bob := st.auth("bob")
		assert.Equal(t, "notification kind", KindConnected, st.next(alice).Kind)

		bobToken := bob.token
		bob.token = alice.token
		err := bob.Say(st.ctx, "forged")
		assert.Success(t, err)

		bob.token = bobToken
		err = bob.Say(st.ctx, "real")
		assert.Success(t, err)

		sm := st.next(alice)
		assert.Equal(t, "text", "real", sm.Text)
		assert.Equal(t, "sender", "bob", sm.Sender.Name)
	})

	t.Run("sayBeforeAuth", func(t *testing.T) {
		t.Parallel()

		st := newServerTest(t, nil)
		c := st.dial()
		err := c.Say(st.ctx, "hi")
		assert.ErrorIs(t, ErrNotAuthorized, err)
	})

	t.Run("disconnect", func(t *testing.T) {
		t.Parallel()

		st := newServerTest(t, nil)
		alice := st.auth("alice")
		bob := st.auth("bob")
		assert.Equal(t, "notification kind", KindConnected, st.next(alice).Kind)

		err := bob.Close()
		assert.Success(t, err)

		assert.Equal(t, "notification", ServerMessage{
			Type:   TypeNotification,
			Kind:   KindDisconnected,
			Sender: &Sender{Name: "bob", Color: ColorGreen},
		}, st.next(alice))
		assert.Equal(t, "names", []string{"alice"}, st.s.Clients().Names())
	})

	t.Run("invalidMessage", func(t *testing.T) {
		t.Parallel()

		st := newServerTest(t, nil)
		alice := st.auth("alice")

		err := alice.w.Send(st.ctx, wsproto.TextMessage("hello"))
		assert.Success(t, err)

		err = alice.Say(st.ctx, "still here")
		assert.Success(t, err)
		assert.Equal(t, "text", "still here", st.next(alice).Text)
	})

	t.Run("wrongHost", func(t *testing.T) {
		t.Parallel()

		st := newServerTest(t, &Options{
			Host: "chat.example.com",
		})
		_, err := Dial(st.ctx, st.url, nil)
		assert.Contains(t, err, "400")

		c, err := Dial(st.ctx, st.url, &wsproto.DialOptions{Host: "chat.example.com"})
		assert.Success(t, err)
		defer c.Close()
	})

	t.Run("shutdown", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()

		s := NewServer(&Options{
			Logger: slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}),
		})
		l, err := net.Listen("tcp", "127.0.0.1:0")
		assert.Success(t, err)

		serveCtx, stop := context.WithCancel(ctx)
		serveErr := xsync.Go(func() error {
			return s.Serve(serveCtx, l)
		})

		c, err := Dial(ctx, "ws://"+l.Addr().String(), nil)
		assert.Success(t, err)
		_, err = c.Auth(ctx, &Sender{Name: "alice"})
		assert.Success(t, err)

		stop()
		assert.Success(t, <-serveErr)

		_, err = c.Next(ctx)
		assert.Equal(t, "close status", wsproto.StatusAbnormalClosure, wsproto.CloseStatus(err))
		assert.Equal(t, "names", 0, len(s.Clients().Names()))
	})
}

func TestRouter(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	s := NewServer(&Options{
		Logger:      slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}),
		MessageRate: rate.Inf,
	})
	hs := httptest.NewServer(s.Router())
	defer hs.Close()
	defer s.Close()

	c, err := Dial(ctx, wstest.URL(hs)+"/chat", nil)
	assert.Success(t, err)
	defer c.Close()

	_, err = c.Auth(ctx, &Sender{Name: "alice", Color: ColorYellow})
	assert.Success(t, err)

	err = c.Say(ctx, "over http")
	assert.Success(t, err)
	sm, err := c.Next(ctx)
	assert.Success(t, err)
	assert.Equal(t, "text", "over http", sm.Text)

	resp, err := http.Get(hs.URL + "/clients")
	assert.Success(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "status", http.StatusOK, resp.StatusCode)

	b, err := io.ReadAll(resp.Body)
	assert.Success(t, err)
	var v struct {
		Clients []string `json:"clients"`
	}
	err = json.Unmarshal(b, &v)
	assert.Success(t, err)
	assert.Equal(t, "clients", []string{"alice"}, v.Clients)

	resp2, err := http.Get(hs.URL + "/chat")
	assert.Success(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, "status", http.StatusBadRequest, resp2.StatusCode)
}
