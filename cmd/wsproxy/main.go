// Command wsproxy relays chat clients to a chat server and censors
// the messages the server propagates to them.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"

	"nhooyr.io/wsproto/internal/wsproxy"
)

func main() {
	log := slog.Make(sloghuman.Sink(os.Stderr))

	listen := flag.String("listen", "localhost:1228", "address to listen on")
	upstream := flag.String("upstream", "localhost:1337", "address of the chat server")
	verbose := flag.Bool("v", false, "log debug entries")
	flag.Parse()

	if *verbose {
		log = log.Leveled(slog.LevelDebug)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l, err := net.Listen("tcp", *listen)
	if err != nil {
		log.Fatal(ctx, "failed to listen", slog.Error(err))
	}

	p := wsproxy.New(&wsproxy.Options{
		Upstream: *upstream,
		Logger:   log,
	})
	err = p.Serve(ctx, l)
	if err != nil {
		log.Fatal(ctx, "proxy failed", slog.Error(err))
	}
}
