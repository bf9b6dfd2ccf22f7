package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"sigil/internal/config"
	"sigil/internal/delivery"
	"sigil/internal/instrument"
	"sigil/internal/log"
	"sigil/internal/server"
	"sigil/internal/services/bundle"
	"sigil/internal/store"
)

func main() {
	var cfgFile string
	cmd := &cobra.Command{
		Use:          "relay",
		Short:        "Run the sigil relay: key directory and message delivery",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(cfgFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgFile, "config", "f", "", "path to the TOML configuration (defaults apply when omitted)")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logs, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return err
	}
	mainLog := logs.GetLogger("relay")
	instrument.Init()

	if err := os.MkdirAll(cfg.Server.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Only public key material lives here, so the store is not sealed.
	db, err := store.Open(cfg.Storage.KeysDB)
	if err != nil {
		return err
	}
	defer db.Close()
	keys := bundle.New(store.NewBundleStore(db),
		bundle.WithLowWaterMark(cfg.Keys.LowWaterMark),
		bundle.WithLogger(logs.GetLogger("bundle")))

	mailbox, err := delivery.OpenSQLMailbox(cfg.Storage.MailboxDB)
	if err != nil {
		return err
	}
	defer mailbox.Close()

	var (
		broker   delivery.Broker
		presence delivery.PresenceStore
	)
	if cfg.Redis.Enable {
		client, err := delivery.DialRedis(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer client.Close()
		broker = delivery.NewRedisBroker(ctx, client, logs.GetLogger("broker"))
		presence = delivery.NewRedisPresence(client, cfg.Delivery.PresenceTTL)
		mainLog.Noticef("Using redis at %s for fan-out and presence", cfg.Redis.Address)
	} else {
		broker = delivery.NewMemoryBus().Broker()
		presence = delivery.NewMemoryPresence()
	}
	defer broker.Close()

	hub := delivery.NewHub(delivery.Settings{
		PingInterval:   cfg.Delivery.PingInterval,
		PongWait:       cfg.Delivery.PongWait,
		WriteWait:      cfg.Delivery.WriteWait,
		MaxMessageSize: cfg.Delivery.MaxMessageSize,
		SendBuffer:     cfg.Delivery.SendBuffer,
		PresenceTTL:    cfg.Delivery.PresenceTTL,
	}, broker, mailbox, presence, logs.GetLogger("hub"))
	pipeline := delivery.NewPipeline(hub, mailbox, keys, presence, logs.GetLogger("pipeline"))
	keys.OnLowWater(pipeline.NotifyKeysLow)

	api := server.New(keys, hub, pipeline, logs.GetLogger("http"))
	servers := []*http.Server{}
	if cfg.Server.MetricsAddress == "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", instrument.Handler())
		mux.Handle("/", api)
		servers = append(servers, &http.Server{Addr: cfg.Server.Address, Handler: mux})
	} else {
		metrics := http.NewServeMux()
		metrics.Handle("/metrics", instrument.Handler())
		servers = append(servers,
			&http.Server{Addr: cfg.Server.Address, Handler: api},
			&http.Server{Addr: cfg.Server.MetricsAddress, Handler: metrics})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	for _, srv := range servers {
		g.Go(func() error {
			mainLog.Noticef("Listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		mainLog.Notice("Shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			srv.Shutdown(sctx)
		}
		return nil
	})
	return g.Wait()
}
