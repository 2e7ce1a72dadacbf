package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/automerge-sessions/pkg/client"
	"github.com/astromechza/automerge-sessions/pkg/document"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	urlVar := flag.String("url", "ws://127.0.0.1:8080/ws", "the server websocket url")
	sessionVar := flag.String("session", "", "the session to join, server-generated when empty")
	intervalVar := flag.Duration("interval", 3*time.Second, "how often to make a local change and reconcile")
	flag.Parse()

	c := client.New(*urlVar, client.Options{})
	defer c.Close()

	unsubscribe := c.Subscribe(func(doc *automerge.Doc) {
		value, _ := doc.Path("counter").Counter().Get()
		slog.Info("document changed", "heads", doc.Heads(), "counter", value)
	})
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	id, err := c.Connect(ctx, *sessionVar, "")
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	slog.Info("joined session", "session", id)

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)

	t := time.NewTicker(*intervalVar)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := c.LocalChange(func(doc *automerge.Doc) error {
				return doc.Path("counter").Counter().Inc(1)
			}); err != nil {
				slog.Error("failed to increment counter", "err", err)
				continue
			}
			if err := c.Sync(); err != nil {
				slog.Error("failed to sync", "err", err)
			}
		case sig := <-exit:
			slog.Info("Signal caught", "sig", sig)
			doc := c.Document()
			if doc == nil {
				return nil
			}
			tf := filepath.Join(os.TempDir(), id+".automerge")
			if err := os.WriteFile(tf, document.Save(doc), 0o644); err != nil {
				return fmt.Errorf("failed to dump local doc: %w", err)
			}
			slog.Info("dumped", "dump", tf)
			return nil
		}
	}
}
