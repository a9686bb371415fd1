package main

import (
	"context"
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

	"github.com/redis/go-redis/v9"

	"github.com/astromechza/automerge-docs/pkg/cache"
	"github.com/astromechza/automerge-docs/pkg/server"
	"github.com/astromechza/automerge-docs/pkg/store"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "localhost:8080", "the address to listen on")
	dbDriverVar := flag.String("db-driver", store.DriverSQLite, "the database driver: sqlite3 or pgx")
	dbDsnVar := flag.String("db-dsn", "docs.sqlite3", "the database connection string")
	redisAddrVar := flag.String("redis-addr", "", "the redis address for the shared cache, empty for an in-process cache")
	cacheTTLVar := flag.Duration("cache-ttl", time.Minute, "how long cached document metadata lives")
	persistWorkersVar := flag.Int("persist-workers", 2, "the number of background persistence workers")
	persistQueueVar := flag.Int("persist-queue", 1024, "the number of queued background tasks before new ones are dropped")
	idleEvictVar := flag.Duration("idle-evict", 0, "unload documents without connections after this long, 0 to disable")
	presenceTTLVar := flag.Duration("presence-ttl", 0, "expire presence not refreshed within this long, 0 to disable")
	logLevelVar := flag.String("log-level", "info", "the log level: debug, info, warn or error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevelVar)); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("Opening database", "driver", *dbDriverVar)
	st, err := store.Open(ctx, *dbDriverVar, *dbDsnVar)
	if err != nil {
		return err
	}
	defer st.Close()

	wg := new(sync.WaitGroup)

	var coordinator *cache.Coordinator
	if *redisAddrVar != "" {
		client := redis.NewClient(&redis.Options{Addr: *redisAddrVar})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}
		rc := cache.NewRedisCache(client)
		coordinator = cache.NewCoordinator(st, rc, cache.WithTTL(*cacheTTLVar), cache.WithNotifier(rc))

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rc.Subscribe(ctx, func(n cache.Notification) {
				slog.Info("document updated", "doc", n.DocID, "at", n.Timestamp)
			}); err != nil {
				slog.Error("failed to follow updates", "err", err)
			}
		}()
	} else {
		mc := cache.NewMemoryCache(10_000)
		defer mc.Close()
		coordinator = cache.NewCoordinator(st, mc, cache.WithTTL(*cacheTTLVar))
	}

	s := server.New(ctx, coordinator, server.Options{
		PersistWorkers: *persistWorkersVar,
		PersistQueue:   *persistQueueVar,
		IdleTimeout:    *idleEvictVar,
		PresenceTTL:    *presenceTTLVar,
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Run(ctx)
	}()

	httpServer := &http.Server{Addr: *addrVar, Handler: s.Handler()}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", *addrVar)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
			cancel()
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to stop http server", "err", err)
	}
	s.Shutdown(shutdownCtx)
	cancel()

	wg.Wait()
	slog.Info("Stopped", "documents", len(s.Registry().IDs()))
	return nil
}
