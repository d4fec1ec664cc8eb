package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"chat-room-sync/internal/config"
	"chat-room-sync/internal/connection"
	"chat-room-sync/internal/directory"
	"chat-room-sync/internal/session"
	"chat-room-sync/internal/transport"
)

var errQuit = errors.New("quit")

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Stdin, os.Stdout, logger); err != nil {
		logger.Error("chat client failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Client, in io.Reader, out io.Writer, logger *slog.Logger) error {
	conn := connection.New(connection.Options{
		Dial: func(ctx context.Context, serverURL string) (transport.Transport, error) {
			return transport.Dial(ctx, serverURL, transport.Options{Transports: cfg.Transports, Logger: logger})
		},
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReconnectMin:     cfg.ReconnectMin,
		ReconnectMax:     cfg.ReconnectMax,
		Logger:           logger,
	})
	defer conn.Close()

	ctrl := session.NewController(conn, session.Options{TypingIdle: cfg.TypingIdle, Logger: logger})
	defer ctrl.Close()

	con := &console{w: out}
	views := newLatest()
	ctrl.OnChange(views.set)

	if err := conn.Connect(ctx, cfg.ServerURL); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	// stdin reads cannot be cancelled, so the reader lives outside the group
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r := &renderer{con: con}
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-views.ready:
				r.render(views.get())
			}
		}
	})
	g.Go(func() error {
		cli := &repl{
			con:  con,
			ctrl: ctrl,
			dir:  directory.New(cfg.ServerURL, cfg.RoomsCacheTTL, nil),
		}
		return cli.run(gctx, lines)
	})

	err := g.Wait()
	if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
