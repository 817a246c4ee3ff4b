package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/mqttkit/broker"
	"github.com/mqttkit/broker/session"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	configPath := flag.String("config", "./config/dev.conf", "path to broker config file")
	wsAddr := flag.String("ws-addr", "", "optional MQTT-over-WebSocket listen address")
	flag.Parse()

	cfg, err := broker.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	var auth session.Authenticator
	if cfg.AccountsPath != "" {
		creds, err := broker.LoadCredentials(cfg.AccountsPath)
		if err != nil {
			log.Fatalf("load credentials: %v", err)
		}
		auth = creds
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := broker.NewServer(auth, broker.DefaultWorkerPoolSize)

	if cfg.DumpPath != "" {
		if err := srv.LoadSnapshot(cfg.DumpPath); err != nil {
			log.Fatalf("load snapshot: %v", err)
		}
	}

	group, ctx := errgroup.WithContext(ctx)
	if cfg.DumpPath != "" {
		group.Go(func() error {
			srv.RunSnapshotDumper(ctx, cfg.DumpPath, time.Duration(cfg.DumpInterval)*time.Second)
			return nil
		})
	}
	group.Go(func() error {
		if err := srv.ListenAndServe(cfg.Addr()); err != nil && err != broker.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return broker.ServeAdminHTTP(ctx, ":9090")
	})
	if *wsAddr != "" {
		group.Go(func() error {
			if err := srv.ListenAndServeWebsocket(*wsAddr); err != nil && err != broker.ErrServerClosed {
				return err
			}
			return nil
		})
	}
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), broker.ShutdownGracePeriod)
		defer shutdownCancel()
		err := srv.Shutdown(shutdownCtx)
		if cfg.DumpPath != "" {
			if dumpErr := srv.SaveSnapshot(cfg.DumpPath); dumpErr != nil {
				log.Printf("final snapshot dump: %v", dumpErr)
			}
		}
		return err
	})

	if err := group.Wait(); err != nil {
		log.Printf("mqttd: %v", err)
	}
}
