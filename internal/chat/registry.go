package chat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"nhooyr.io/wsproto"
)

// messageSender is the sending side of a client connection.
// *wsproto.WriteHalf implements it.
type messageSender interface {
	Send(ctx context.Context, m wsproto.Message) error
}

type client struct {
	sender Sender
	token  string
	w      messageSender
}

// Registry holds the authorized clients keyed by their remote address.
// It is safe for concurrent use. Its lock is only held while looking up
// clients, never while sending to them.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*client
	tokens  map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*client),
		tokens:  make(map[string]string),
	}
}

// Connect authorizes the client at addr under sender and returns its token.
// The error is an AuthError when the request is refused.
func (r *Registry) Connect(addr string, sender Sender, w messageSender) (string, error) {
	if len(sender.Name) > MaxNicknameLen {
		return "", ErrNicknameTooLong
	}

	token, err := newToken()
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[addr]; ok {
		return "", ErrAlreadyAuthorized
	}
	for _, c := range r.clients {
		if c.sender.Name == sender.Name {
			return "", ErrNicknameUnavailable
		}
	}

	r.clients[addr] = &client{
		sender: sender,
		token:  token,
		w:      w,
	}
	r.tokens[token] = addr
	return token, nil
}

// Disconnect removes the client at addr.
// It returns the removed client's sender if it was authorized.
func (r *Registry) Disconnect(addr string) (Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[addr]
	if !ok {
		return Sender{}, false
	}
	delete(r.clients, addr)
	delete(r.tokens, c.token)
	return c.sender, true
}

// ByToken returns the address and sender of the client that owns token.
func (r *Registry) ByToken(token string) (string, Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	addr, ok := r.tokens[token]
	if !ok {
		return "", Sender{}, false
	}
	return addr, r.clients[addr].sender, true
}

// Names returns the sorted nicknames of every authorized client.
func (r *Registry) Names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.clients))
	for _, c := range r.clients {
		names = append(names, c.sender.Name)
	}
	r.mu.Unlock()

	sort.Strings(names)
	return names
}

// SendTo sends m to the client at addr.
func (r *Registry) SendTo(ctx context.Context, addr string, m ServerMessage) error {
	r.mu.Lock()
	c, ok := r.clients[addr]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("no client at %v", addr)
	}

	msg, err := m.Message()
	if err != nil {
		return err
	}
	return c.w.Send(ctx, msg)
}

// Broadcast sends m to every authorized client.
// The errors of every failed send are combined.
func (r *Registry) Broadcast(ctx context.Context, m ServerMessage) error {
	return r.BroadcastExcept(ctx, "", m)
}

// BroadcastExcept sends m to every authorized client but the one at addr.
func (r *Registry) BroadcastExcept(ctx context.Context, addr string, m ServerMessage) error {
	msg, err := m.Message()
	if err != nil {
		return err
	}

	r.mu.Lock()
	targets := make(map[string]messageSender, len(r.clients))
	for a, c := range r.clients {
		if a != addr {
			targets[a] = c.w
		}
	}
	r.mu.Unlock()

	for a, w := range targets {
		err2 := w.Send(ctx, msg)
		if err2 != nil {
			err = multierr.Append(err, fmt.Errorf("failed to send to %v: %w", a, err2))
		}
	}
	return err
}

func newToken() (string, error) {
	var b [16]byte
	_, err := rand.Read(b[:])
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
