package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"palaver/internal/cache"
	"palaver/internal/config"
	"palaver/internal/models"
	"palaver/internal/presence"
	"palaver/internal/remotelog"
	"palaver/internal/roster"
	"palaver/internal/syncer"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context) error {
	peer := flag.String("peer", "", "UID of the peer to open a room with")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	store, err := cache.NewStore(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var logClient remotelog.Client
	if cfg.LogURL == "" {
		// No gateway configured: run against an in-process log, useful
		// for local experiments.
		logClient = remotelog.NewMemoryLog()
	} else {
		wsClient, err := remotelog.Dial(ctx, cfg.LogURL, logger)
		if err != nil {
			return err
		}
		defer func() { _ = wsClient.Close() }()
		logClient = wsClient
	}

	engine := syncer.NewEngine(logClient, store, logger, cfg.UserID, cfg.DisplayName)
	tracker := presence.NewTracker(logClient, logger, cfg.UserID)

	rosterSync := roster.NewSynchronizer(ctx, logClient, store, logger, cfg.UserID, func(roomers []models.Roomer) {
		for _, r := range roomers {
			fmt.Printf("* %s (%s) [%s]\n", r.DisplayName, r.UID, r.Status)
		}
	})
	if err := rosterSync.Start(ctx); err != nil {
		return err
	}
	defer rosterSync.Close()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := tracker.Run(gCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		g.Go(func() error {
			err := server.ListenAndServe()
			if err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gCtx.Done()
			return server.Shutdown(context.Background())
		})
	}

	if *peer != "" {
		roomID := models.RoomID(cfg.UserID, *peer)

		var lastLen int
		session, err := engine.Open(roomID, syncer.Options{
			OnUpdate: func(msgs []models.Message) {
				for _, m := range msgs[min(lastLen, len(msgs)):] {
					fmt.Printf("[%s] %s\n", m.SenderName, m.Text)
				}
				lastLen = len(msgs)
			},
		})
		if err != nil {
			return err
		}
		defer session.Close()

		tracker.Enter(gCtx, roomID)
		defer tracker.Leave(context.Background())

		g.Go(func() error {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				text := scanner.Text()
				if text == "" {
					continue
				}
				if err := session.Send(gCtx, text); err != nil {
					log.Printf("send failed: %v", err)
				}
			}
			return scanner.Err()
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		return gCtx.Err()
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
