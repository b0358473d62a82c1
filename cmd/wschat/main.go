// Command wschat is a line oriented chat client.
//
// Every line read from stdin is sent to the chat and every message
// received is printed to stdout.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"

	"nhooyr.io/wsproto"
	"nhooyr.io/wsproto/internal/chat"
	"nhooyr.io/wsproto/internal/xsync"
)

func main() {
	log := slog.Make(sloghuman.Sink(os.Stderr))

	u := flag.String("url", "ws://localhost:1337/chat", "chat server url")
	name := flag.String("name", "", "nickname, picked by the server if empty")
	color := flag.String("color", string(chat.ColorText), "color of the nickname, a name or #rrggbb")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sender *chat.Sender
	if *name != "" {
		sender = &chat.Sender{Name: *name, Color: chat.Color(*color)}
	}

	err := run(ctx, *u, sender, os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(ctx, "chat failed", slog.Error(err))
	}
}

func run(ctx context.Context, u string, sender *chat.Sender, in io.Reader, out io.Writer) error {
	c, err := chat.Dial(ctx, u, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	_, err = c.Auth(ctx, sender)
	if err != nil {
		return err
	}

	readErr := xsync.Go(func() error {
		for {
			sm, err := c.Next(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, format(sm))
		}
	})
	sendErr := xsync.Go(func() error {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			err := c.Say(ctx, sc.Text())
			if err != nil {
				return err
			}
		}
		return sc.Err()
	})

	select {
	case err = <-readErr:
		if wsproto.CloseStatus(err) == wsproto.StatusNormalClosure {
			return nil
		}
		return err
	case err = <-sendErr:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func format(sm chat.ServerMessage) string {
	name := "someone"
	if sm.Sender != nil {
		name = sm.Sender.Name
	}

	switch sm.Type {
	case chat.TypePropagate:
		return fmt.Sprintf("<%s> %s", name, sm.Text)
	case chat.TypeNotification:
		switch sm.Kind {
		case chat.KindConnected:
			return fmt.Sprintf("* %s has connected", name)
		case chat.KindDisconnected:
			return fmt.Sprintf("* %s has disconnected", name)
		}
		return "* " + sm.Text
	}
	return fmt.Sprintf("* unexpected %s message", sm.Type)
}
