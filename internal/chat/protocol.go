package chat

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"nhooyr.io/wsproto"
)

// MaxNicknameLen is the longest nickname in bytes the server accepts.
const MaxNicknameLen = 32

// Color is the display color of a sender's name.
type Color string

// Color constants.
const (
	ColorText    Color = "text"
	ColorRed     Color = "red"
	ColorYellow  Color = "yellow"
	ColorGreen   Color = "green"
	ColorCyan    Color = "cyan"
	ColorBlue    Color = "blue"
	ColorMagenta Color = "magenta"
)

// RGB returns the true color r, g, b in its "#rrggbb" form.
func RGB(r, g, b uint8) Color {
	return Color(fmt.Sprintf("#%02x%02x%02x", r, g, b))
}

// RGB returns the components of a color created with RGB.
// ok is false for the named colors.
func (c Color) RGB() (r, g, b uint8, ok bool) {
	if len(c) != 7 || c[0] != '#' {
		return 0, 0, 0, false
	}
	p, err := hex.DecodeString(string(c[1:]))
	if err != nil {
		return 0, 0, 0, false
	}
	return p[0], p[1], p[2], true
}

// Sender identifies the author of a chat message.
type Sender struct {
	Name  string `json:"name"`
	Color Color  `json:"color"`
}

// Client message types.
const (
	// TypeAuth requests a nickname and color chosen by the client.
	TypeAuth = "auth"
	// TypeSimpleAuth requests a nickname and color chosen by the server.
	TypeSimpleAuth = "simple_auth"
	// TypeSendMessage asks the server to propagate Text to everyone.
	// Token is the one returned in the auth result.
	TypeSendMessage = "send_message"
)

// ClientMessage is sent from a chat client to the server.
type ClientMessage struct {
	Type   string  `json:"type"`
	Sender *Sender `json:"sender,omitempty"`
	Token  string  `json:"token,omitempty"`
	Text   string  `json:"text,omitempty"`
}

// Server message types.
const (
	TypeAuthResult   = "auth_result"
	TypePropagate    = "propagate"
	TypeNotification = "notification"
)

// NotificationKind is what a server notification is about.
type NotificationKind string

// NotificationKind constants.
const (
	KindConnected    NotificationKind = "connected"
	KindDisconnected NotificationKind = "disconnected"
	KindText         NotificationKind = "text"
)

// AuthError is why the server refused an auth request.
type AuthError string

// AuthError constants.
const (
	ErrNicknameUnavailable AuthError = "nickname_unavailable"
	ErrNicknameTooLong     AuthError = "nickname_too_long"
	ErrAlreadyAuthorized   AuthError = "already_authorized"
)

func (e AuthError) Error() string {
	return "auth refused: " + string(e)
}

// ServerMessage is sent from the server to chat clients.
//
// An auth result carries either Token or Error.
// A propagated message carries Sender and Text.
// A notification carries Kind and, depending on it, Sender or Text.
type ServerMessage struct {
	Type   string           `json:"type"`
	Token  string           `json:"token,omitempty"`
	Error  AuthError        `json:"error,omitempty"`
	Sender *Sender          `json:"sender,omitempty"`
	Text   string           `json:"text,omitempty"`
	Kind   NotificationKind `json:"kind,omitempty"`
}

// Message encodes m as a binary message.
func (m ClientMessage) Message() (wsproto.Message, error) {
	return encode(m)
}

// Message encodes m as a binary message.
func (m ServerMessage) Message() (wsproto.Message, error) {
	return encode(m)
}

func encode(v interface{}) (wsproto.Message, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return wsproto.Message{}, fmt.Errorf("failed to marshal chat message: %w", err)
	}
	return wsproto.BinaryMessage(b), nil
}

// ParseClientMessage decodes a chat message sent by a client.
func ParseClientMessage(m wsproto.Message) (ClientMessage, error) {
	var cm ClientMessage
	err := decode(m, &cm)
	if err != nil {
		return ClientMessage{}, err
	}

	switch cm.Type {
	case TypeAuth:
		if cm.Sender == nil {
			return ClientMessage{}, fmt.Errorf("%v message without sender", cm.Type)
		}
	case TypeSimpleAuth, TypeSendMessage:
	default:
		return ClientMessage{}, fmt.Errorf("unknown client message type %q", cm.Type)
	}
	return cm, nil
}

// ParseServerMessage decodes a chat message sent by the server.
func ParseServerMessage(m wsproto.Message) (ServerMessage, error) {
	var sm ServerMessage
	err := decode(m, &sm)
	if err != nil {
		return ServerMessage{}, err
	}

	switch sm.Type {
	case TypeAuthResult, TypeNotification:
	case TypePropagate:
		if sm.Sender == nil {
			return ServerMessage{}, fmt.Errorf("%v message without sender", sm.Type)
		}
	default:
		return ServerMessage{}, fmt.Errorf("unknown server message type %q", sm.Type)
	}
	return sm, nil
}

func decode(m wsproto.Message, v interface{}) error {
	if m.Type != wsproto.MessageBinary {
		return fmt.Errorf("expected binary chat message but got %v", m.Type)
	}
	err := json.Unmarshal(m.Data, v)
	if err != nil {
		return fmt.Errorf("failed to unmarshal chat message: %w", err)
	}
	return nil
}
