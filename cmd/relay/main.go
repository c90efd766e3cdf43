// relay is the AT Protocol firehose relay: it crawls upstream PDS hosts,
// validates and re-signs-checks every commit it receives, stores accepted
// events in a durable sequenced log, and republishes them to downstream
// subscribeRepos subscribers.
//
// Usage:
//
//	./relay              # reads ./relay.json, starts the relay
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/primal-host/relay/internal/auth"
	"github.com/primal-host/relay/internal/config"
	"github.com/primal-host/relay/internal/crawler"
	"github.com/primal-host/relay/internal/firehose"
	"github.com/primal-host/relay/internal/hosts"
	"github.com/primal-host/relay/internal/identity"
	"github.com/primal-host/relay/internal/metrics"
	"github.com/primal-host/relay/internal/publisher"
	"github.com/primal-host/relay/internal/server"
	"github.com/primal-host/relay/internal/validator"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	slog.Info("relay starting")

	cfg, err := config.Load("relay.json")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	// C1: durable sequenced log.
	firehoseLog, err := firehose.Open(firehose.Options{
		Path:              cfg.DBPath,
		DiskSize:          cfg.DiskSize,
		TrimHighWaterMark: cfg.TrimHighWaterMark,
		TTL:               cfg.TTL,
		NoSync:            cfg.FsyncInterval > 0,
	})
	if err != nil {
		log.Fatalf("failed to open firehose log: %v", err)
	}
	defer firehoseLog.Close()

	trimStop := make(chan struct{})
	go firehoseLog.TrimLoop(trimStop, time.Minute)
	defer close(trimStop)

	// Host table (PostgreSQL).
	pool, err := pgxpool.New(ctx, cfg.ConnString())
	if err != nil {
		log.Fatalf("failed to connect to host database: %v", err)
	}
	defer pool.Close()

	hostStore := hosts.NewStore(pool)
	if err := hostStore.Bootstrap(ctx); err != nil {
		log.Fatalf("failed to bootstrap host schema: %v", err)
	}

	// C2: identity resolver.
	resolver, err := identity.New(identity.Options{
		PLCDirectoryURL: cfg.PLCDirectory,
		StaleTTL:        cfg.StaleTTL,
		MaxTTL:          cfg.MaxTTL,
		MaxEntries:      cfg.MaxEntries,
	})
	if err != nil {
		log.Fatalf("failed to build identity resolver: %v", err)
	}

	// C3: crawler pool.
	crawlerMgr := crawler.NewManager(crawler.Options{
		Workers:              cfg.WorkersCrawlers,
		ChannelCapacity:      cfg.ChannelCapacity,
		IdleTimeout:          cfg.IdleTimeout,
		BackpressureHeadroom: cfg.WorkersCrawlers * 4,
		OnStateChange: func(hostname, state string) {
			if err := hostStore.SetState(ctx, hostname, state); err != nil {
				slog.Warn("host state update failed", "host", hostname, "state", state, "error", err)
			}
		},
	})
	go crawlerMgr.Run(ctx)

	// C4: validator.
	v := validator.New(resolver)

	// C5: publisher pool.
	pub := publisher.NewManager(firehoseLog, cfg.WorkersPublishers)
	go pub.Run(ctx)

	// Glue: crawled frames -> validation -> durable append -> host cursor
	// bookkeeping. Mirrors the upstream thread::scope fan-out, expressed as
	// goroutines joined on ctx cancellation instead of a scoped join. A
	// failed log append is unrecoverable (the sequence counter and the
	// stored frame would disagree), so it halts the process instead of
	// being treated as a drop-and-continue validation error.
	go func() {
		if err := runValidationLoop(ctx, crawlerMgr, v, firehoseLog, hostStore); err != nil {
			slog.Error("validation loop halted", "error", err)
			cancel()
			os.Exit(1)
		}
	}()

	// Resume crawling every previously known, non-banned host from its last
	// recorded cursor.
	resumeKnownHosts(ctx, hostStore, crawlerMgr)

	jwtMgr := auth.NewJWTManager(cfg.JWTSecret, "relay")
	registry := metrics.Registry()

	srv := server.New(cfg, firehoseLog, pub, crawlerMgr, hostStore, jwtMgr, registry)
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}

	slog.Info("relay stopped")
}

// runValidationLoop drains validated frames into the durable log and
// returns the first log append error it hits. A log append failure is
// fatal per the relay's error-handling design: the sequence counter and
// the stored frame are no longer guaranteed consistent, so the caller
// must halt the process rather than keep validating.
func runValidationLoop(ctx context.Context, crawlerMgr *crawler.Manager, v *validator.Validator, log *firehose.Log, hostStore *hosts.Store) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-crawlerMgr.Frames():
			if !ok {
				return nil
			}
			accepted, err := v.Validate(ctx, frame)
			if err != nil {
				slog.Warn("frame rejected", "host", frame.Hostname, "error", err)
				continue
			}
			seq, err := log.Append(accepted.Frame)
			if err != nil {
				return fmt.Errorf("append frame from %s: %w", frame.Hostname, err)
			}
			if accepted.Seq > 0 {
				if err := hostStore.UpdateCursor(ctx, frame.Hostname, accepted.Seq); err != nil {
					slog.Warn("cursor update failed", "host", frame.Hostname, "error", err)
				}
			}
			metrics.FirehoseLatestSeq.Set(float64(seq))
		}
	}
}

func resumeKnownHosts(ctx context.Context, hostStore *hosts.Store, crawlerMgr *crawler.Manager) {
	list, err := hostStore.List(ctx)
	if err != nil {
		slog.Warn("failed to list known hosts for resume", "error", err)
		return
	}
	for _, h := range list {
		if h.State == hosts.StateBanned {
			continue
		}
		crawlerMgr.Connect(h.Hostname, h.LastCursor)
	}
	slog.Info("resumed known hosts", "count", len(list))
}
