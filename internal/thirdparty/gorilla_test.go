package thirdparty

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"nhooyr.io/wsproto"
	"nhooyr.io/wsproto/internal/test/assert"
	"nhooyr.io/wsproto/internal/test/wstest"
	"nhooyr.io/wsproto/internal/test/xrand"
)

func TestGorillaClient(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	echoErr := make(chan error, 1)
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st, err := wsproto.Accept(w, r, nil)
		if err != nil {
			echoErr <- err
			return
		}
		echoErr <- wstest.EchoLoop(ctx, st)
	}))
	defer s.Close()

	c, _, err := websocket.DefaultDialer.DialContext(ctx, wstest.URL(s), nil)
	assert.Success(t, err)
	defer c.Close()

	// Messages larger than gorilla's write buffer are fragmented.
	sizes := []int{0, 1, 125, 126, 4096, 20000, 100000}
	for _, n := range sizes {
		typ := websocket.BinaryMessage
		p := xrand.Bytes(n)
		if n%2 == 0 {
			typ = websocket.TextMessage
			p = []byte(xrand.String(n))
		}

		err = c.WriteMessage(typ, p)
		assert.Success(t, err)

		typ2, p2, err := c.ReadMessage()
		assert.Success(t, err)
		assert.Equal(t, "message type "+strconv.Itoa(n), typ, typ2)
		assert.Equal(t, "message "+strconv.Itoa(n), p, p2)
	}

	err = c.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(time.Second))
	assert.Success(t, err)

	err = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
	assert.Success(t, err)

	_, _, err = c.ReadMessage()
	var ce *websocket.CloseError
	assert.ErrorAs(t, err, &ce)
	assert.Equal(t, "close code", websocket.CloseNormalClosure, ce.Code)
	assert.Equal(t, "close reason", "done", ce.Text)

	assert.Success(t, <-echoErr)
}

func TestGorillaServer(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	var upgrader websocket.Upgrader
	echoErr := make(chan error, 1)
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			echoErr <- err
			return
		}
		defer c.Close()

		for {
			typ, p, err := c.ReadMessage()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
					err = nil
				}
				echoErr <- err
				return
			}
			err = c.WriteMessage(typ, p)
			if err != nil {
				echoErr <- err
				return
			}
		}
	}))
	defer s.Close()

	st, err := wsproto.Dial(ctx, wstest.URL(s), nil)
	assert.Success(t, err)
	defer st.Close()

	r, _ := st.Split()
	r.SetReadLimit(1 << 20)

	for i := 0; i < 10; i++ {
		err = wstest.Echo(ctx, st, 65536)
		assert.Success(t, err)
	}

	err = st.Send(ctx, wsproto.PingMessage([]byte("hi")))
	assert.Success(t, err)
	m, err := st.Receive(ctx)
	assert.Success(t, err)
	assert.Equal(t, "pong", wsproto.PongMessage([]byte("hi")), m)

	err = st.Send(ctx, wsproto.CloseMessage(wsproto.StatusNormalClosure, ""))
	assert.Success(t, err)
	m, err = st.Receive(ctx)
	assert.Success(t, err)
	assert.Equal(t, "close code", wsproto.StatusNormalClosure, m.Code)

	assert.Success(t, <-echoErr)
}

func TestGorillaMasking(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	// A gorilla server reading our frames fails on unmasked client
	// frames, so a successful echo of many messages means every frame
	// was masked with a key gorilla could undo.
	var upgrader websocket.Upgrader
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			_, p, err := c.ReadMessage()
			if err != nil {
				return
			}
			err = c.WriteMessage(websocket.BinaryMessage, bytes.ToUpper(p))
			if err != nil {
				return
			}
		}
	}))
	defer s.Close()

	st, err := wsproto.Dial(ctx, wstest.URL(s), nil)
	assert.Success(t, err)
	defer st.Close()

	for i := 0; i < 50; i++ {
		err = st.Send(ctx, wsproto.BinaryMessage([]byte("abc")))
		assert.Success(t, err)
		m, err := st.Receive(ctx)
		assert.Success(t, err)
		assert.Equal(t, "echo", "ABC", string(m.Data))
	}
}
