package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/automerge-sessions/pkg/ops"
	"github.com/astromechza/automerge-sessions/pkg/server"
	"github.com/astromechza/automerge-sessions/pkg/session"
	"github.com/astromechza/automerge-sessions/pkg/snapshot"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "localhost:8080", "the address to listen on")
	snapshotDirVar := flag.String("snapshot-dir", "snapshots", "the directory to store session snapshots in")
	dbVar := flag.String("db", "", "store snapshots in this sqlite database instead of the filesystem")
	retentionVar := flag.Duration("snapshot-retention", 7*24*time.Hour, "delete snapshots older than this at startup")
	evictIntervalVar := flag.Duration("evict-interval", 30*time.Minute, "how often to check for idle sessions")
	idleThresholdVar := flag.Duration("idle-threshold", 2*time.Hour, "evict sessions with no clients and no activity for this long")
	flag.Parse()

	var store snapshot.Store
	if *dbVar != "" {
		slog.Info("opening database", "path", *dbVar)
		db, err := sql.Open("sqlite3", *dbVar)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()
		s, err := snapshot.NewSQLiteStore(db)
		if err != nil {
			return err
		}
		store = s
	} else {
		s, err := snapshot.NewFileStore(*snapshotDirVar)
		if err != nil {
			return err
		}
		store = s
	}

	// sweep old snapshots before accepting any connections
	if deleted, err := store.Sweep(*retentionVar); err != nil {
		return fmt.Errorf("failed to sweep snapshots: %w", err)
	} else if deleted > 0 {
		slog.Info("deleted old snapshots", "count", deleted)
	}

	registry := session.NewRegistry(store)
	dispatcher := server.NewDispatcher(registry, store, server.WithStartupHook(ops.StartSessionMode))
	ops.Register(dispatcher)

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/sessions/{session}/latest").HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		sess, ok := registry.Get(mux.Vars(request)["session"])
		if !ok {
			writer.WriteHeader(http.StatusNotFound)
			return
		}
		writer.Header().Add("Content-Type", "application/octet-stream")
		if _, err := writer.Write(sess.SnapshotBytes()); err != nil {
			slog.Error("failed to write out", "err", err)
		}
	})
	r.Path("/ws").HandlerFunc(dispatcher.ServeWS)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(*evictIntervalVar)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if evicted := registry.EvictIdle(time.Now(), *idleThresholdVar); len(evicted) > 0 {
					slog.Info("eviction sweep finished", "evicted", len(evicted))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	httpServer := &http.Server{Addr: *addrVar, Handler: r}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("listening", "addr", *addrVar)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	_ = httpServer.Close()

	wg.Wait()

	// final snapshot of every live session before exit
	registry.Range(func(s *session.Session) {
		if err := store.Save(s.ID(), s.SnapshotBytes()); err != nil {
			slog.Error("failed to save final snapshot", "session", s.ID(), "err", err)
		} else {
			slog.Info("saved final snapshot", "session", s.ID())
		}
	})

	return nil
}
