// Command wschat-server serves the chat over WebSocket.
//
// By default the opening handshake is performed directly on accepted
// TCP connections. With -http the chat is served by an HTTP server at
// /chat instead, next to the list of connected nicknames at /clients.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
	"github.com/gin-gonic/gin"

	"nhooyr.io/wsproto/internal/chat"
)

func main() {
	log := slog.Make(sloghuman.Sink(os.Stderr))

	addr := flag.String("addr", "localhost:1337", "address to listen on")
	host := flag.String("host", "", "expected Host of handshakes, any if empty")
	useHTTP := flag.Bool("http", false, "serve through an HTTP server")
	verbose := flag.Bool("v", false, "log debug entries")
	flag.Parse()

	if *verbose {
		log = log.Leveled(slog.LevelDebug)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, log, *addr, *host, *useHTTP)
	if err != nil {
		log.Fatal(ctx, "server failed", slog.Error(err))
	}
}

func run(ctx context.Context, log slog.Logger, addr, host string, useHTTP bool) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s := chat.NewServer(&chat.Options{
		Host:   host,
		Logger: log,
	})
	if !useHTTP {
		return s.Serve(ctx, l)
	}

	gin.SetMode(gin.ReleaseMode)
	hs := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: time.Second * 10,
	}
	log.Info(ctx, "serving http", slog.F("addr", l.Addr().String()))

	errc := make(chan error, 1)
	go func() {
		errc <- hs.Serve(l)
	}()

	select {
	case err = <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	err = hs.Shutdown(shutdownCtx)
	err2 := s.Close()
	if err != nil {
		return err
	}
	return err2
}
