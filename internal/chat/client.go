package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nhooyr.io/wsproto"
)

// ErrNotAuthorized is returned by Say before a successful Auth.
var ErrNotAuthorized = errors.New("chat: not authorized")

// Client is the client side of a chat connection.
//
// Next must only be called by one goroutine at a time.
// Say may be called concurrently with Next once Auth has returned.
type Client struct {
	st    *wsproto.Stream
	r     *wsproto.ReadHalf
	w     *wsproto.WriteHalf
	token string

	// Messages received while waiting for the auth result.
	pending []ServerMessage
}

// NewClient returns a client using the established stream st.
func NewClient(st *wsproto.Stream) *Client {
	r, w := st.Split()
	return &Client{
		st: st,
		r:  r,
		w:  w,
	}
}

// Dial connects to the chat server at u.
func Dial(ctx context.Context, u string, opts *wsproto.DialOptions) (*Client, error) {
	st, err := wsproto.Dial(ctx, u, opts)
	if err != nil {
		return nil, err
	}
	return NewClient(st), nil
}

// Auth asks for sender's nickname and color.
// A nil sender lets the server pick both.
// It returns the token the server granted.
//
// A refusal is returned as an AuthError and Auth may be called again.
func (c *Client) Auth(ctx context.Context, sender *Sender) (string, error) {
	cm := ClientMessage{Type: TypeSimpleAuth}
	if sender != nil {
		cm = ClientMessage{Type: TypeAuth, Sender: sender}
	}
	err := c.send(ctx, cm)
	if err != nil {
		return "", err
	}

	for {
		sm, err := c.receive(ctx)
		if err != nil {
			return "", err
		}
		if sm.Type != TypeAuthResult {
			c.pending = append(c.pending, sm)
			continue
		}
		if sm.Error != "" {
			return "", sm.Error
		}
		c.token = sm.Token
		return sm.Token, nil
	}
}

// Say sends text to every connected client, including this one.
func (c *Client) Say(ctx context.Context, text string) error {
	if c.token == "" {
		return ErrNotAuthorized
	}
	return c.send(ctx, ClientMessage{
		Type:  TypeSendMessage,
		Token: c.token,
		Text:  text,
	})
}

// Next returns the next message from the server.
// Pings are answered. A close from the server is acknowledged and
// returned as a wsproto.CloseError.
func (c *Client) Next(ctx context.Context) (ServerMessage, error) {
	if len(c.pending) > 0 {
		sm := c.pending[0]
		c.pending = c.pending[1:]
		return sm, nil
	}
	return c.receive(ctx)
}

func (c *Client) receive(ctx context.Context) (ServerMessage, error) {
	for {
		m, err := c.r.Receive(ctx)
		if err != nil {
			return ServerMessage{}, err
		}

		switch m.Type {
		case wsproto.MessagePing:
			err = c.w.Send(ctx, wsproto.PongMessage(m.Data))
			if err != nil {
				return ServerMessage{}, err
			}
		case wsproto.MessagePong:
		case wsproto.MessageClose:
			c.w.Send(ctx, wsproto.CloseMessage(m.Code, ""))
			return ServerMessage{}, m.CloseError()
		default:
			return ParseServerMessage(m)
		}
	}
}

func (c *Client) send(ctx context.Context, cm ClientMessage) error {
	m, err := cm.Message()
	if err != nil {
		return err
	}
	return c.w.Send(ctx, m)
}

// Close sends a normal closure to the server and closes the connection.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := c.w.Send(ctx, wsproto.CloseMessage(wsproto.StatusNormalClosure, ""))
	err2 := c.st.Close()
	if err != nil {
		return fmt.Errorf("failed to send close: %w", err)
	}
	return err2
}
