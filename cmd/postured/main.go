// Command postured runs the posture ingestion pipeline: scheduler, sync
// adapters, entity processor, linker, unified analyzer, alert manager, and
// the heartbeat manager, either all in one process or split by role.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/kestrelsec/postured/internal/adapter"
	"github.com/kestrelsec/postured/internal/alerts"
	"github.com/kestrelsec/postured/internal/analysis"
	"github.com/kestrelsec/postured/internal/catalog"
	"github.com/kestrelsec/postured/internal/config"
	"github.com/kestrelsec/postured/internal/flags"
	"github.com/kestrelsec/postured/internal/heartbeat"
	"github.com/kestrelsec/postured/internal/janitor"
	"github.com/kestrelsec/postured/internal/licensenames"
	"github.com/kestrelsec/postured/internal/linker"
	"github.com/kestrelsec/postured/internal/processor"
	"github.com/kestrelsec/postured/internal/queue"
	"github.com/kestrelsec/postured/internal/scheduler"
	"github.com/kestrelsec/postured/internal/storage"
	"github.com/kestrelsec/postured/internal/storage/memory"
	"github.com/kestrelsec/postured/internal/storage/sqlstore"
	"github.com/kestrelsec/postured/internal/telemetry"
	"github.com/kestrelsec/postured/internal/types"
)

var version = "0.1.0-dev"

// drainTimeout bounds how long shutdown waits for in-flight work.
const drainTimeout = 30 * time.Second

// errDrainTimeout signals that graceful shutdown could not drain the queues.
var errDrainTimeout = errors.New("queues did not drain before timeout")

var (
	rootCtx    context.Context
	rootCancel context.CancelFunc

	roleFlag string
)

var validRoles = map[string]bool{
	"": true, "scheduler": true, "adapter": true, "processor": true,
	"linker": true, "analyzer": true, "alerts": true, "heartbeat": true,
}

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	rootCmd := &cobra.Command{
		Use:           "postured",
		Short:         "Multi-tenant security posture ingestion pipeline",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(serveCmd(), migrateCmd(), janitorCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "postured: %v\n", err)
		if errors.Is(err, errDrainTimeout) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run pipeline workers (all roles by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !validRoles[roleFlag] {
				return fmt.Errorf("unknown role %q", roleFlag)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return serve(rootCtx, cfg, roleFlag)
		},
	}
	cmd.Flags().StringVar(&roleFlag, "role", "", "run a single role: scheduler|adapter|processor|linker|analyzer|alerts|heartbeat")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Ensure store schema and indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.MemoryStore() {
				fmt.Println("memory store selected; nothing to migrate")
				return nil
			}
			store, err := sqlstore.Open(rootCtx, cfg.StoreURL)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(rootCtx); err != nil {
				return err
			}
			fmt.Println("schema is up to date")
			return nil
		},
	}
}

func janitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "janitor",
		Short: "Purge soft-deleted rows past retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(rootCtx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()
			rep, err := janitor.Run(rootCtx, store, cfg.JanitorRetention)
			if err != nil {
				return err
			}
			fmt.Printf("purged %d rows (%d entities, %d relationships, %d alerts)\n",
				rep.Total(), rep.Entities, rep.Relationships, rep.Alerts)
			return nil
		},
	}
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Storage, func(), error) {
	if cfg.MemoryStore() {
		s := memory.New()
		return s, func() { s.Close() }, nil
	}
	s, err := sqlstore.Open(ctx, cfg.StoreURL)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { s.Close() }, nil
}

// openFabric selects the message fabric: "inproc" for single-process dev,
// an external NATS URL, or an embedded NATS server when no URL is set.
func openFabric(cfg *config.Config) (queue.Fabric, func(), error) {
	if cfg.QueueURL == "inproc" {
		f := queue.NewInproc()
		return f, func() { f.Close() }, nil
	}
	url := cfg.QueueURL
	var embedded *queue.EmbeddedServer
	if url == "" {
		var err error
		embedded, err = queue.StartEmbedded(queue.EmbeddedConfig{StoreDir: cfg.QueueStoreDir})
		if err != nil {
			return nil, nil, err
		}
		url = embedded.URL()
	}
	f, err := queue.ConnectNATS(url, "")
	if err != nil {
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, nil, err
	}
	cleanup := func() {
		f.Close()
		if embedded != nil {
			embedded.Shutdown()
		}
	}
	return f, cleanup, nil
}

func roleEnabled(role, want string) bool {
	return role == "" || role == want
}

// janitorInterval spaces the in-process purge sweeps.
const janitorInterval = 24 * time.Hour

func runJanitorLoop(ctx context.Context, store storage.Storage, retention time.Duration) {
	t := time.NewTicker(janitorInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := janitor.Run(ctx, store, retention); err != nil {
				fmt.Fprintf(os.Stderr, "postured: janitor: %v\n", err)
			}
		}
	}
}

func serve(ctx context.Context, cfg *config.Config, role string) error {
	if err := telemetry.Init(ctx, "postured", version); err != nil {
		return err
	}
	defer telemetry.Shutdown(context.Background())

	if err := licensenames.Init(cfg.LicenseNamesPath); err != nil {
		return err
	}
	featureFlags, err := flags.Load(cfg.FeatureFlagsPath)
	if err != nil {
		return err
	}
	if cfg.FeatureFlagsPath != "" {
		if err := featureFlags.Watch(); err != nil {
			return err
		}
		defer featureFlags.Stop()
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	entries, err := catalog.Merged(cfg.CatalogPath)
	if err != nil {
		return err
	}
	if err := catalog.Seed(entries, types.NowMillis(), func(i *types.Integration) error {
		return store.PutIntegration(ctx, i)
	}); err != nil {
		return err
	}

	fabric, closeFabric, err := openFabric(cfg)
	if err != nil {
		return err
	}
	defer closeFabric()

	metrics := telemetry.NewPipeline()
	var stops []func()
	stopAll := func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}

	if roleEnabled(role, "adapter") {
		rt := adapter.New(store, fabric, metrics)
		rt.Workers = cfg.Workers
		if err := rt.Start(ctx); err != nil {
			return err
		}
		stops = append(stops, rt.Stop)
	}
	if roleEnabled(role, "processor") {
		p := processor.New(store, fabric, metrics)
		if err := p.Start(); err != nil {
			return err
		}
		stops = append(stops, p.Stop)
	}
	if roleEnabled(role, "linker") {
		l := linker.New(store, fabric, metrics)
		if err := l.Start(); err != nil {
			return err
		}
		stops = append(stops, l.Stop)
	}
	if roleEnabled(role, "analyzer") {
		a := analysis.New(store, fabric, metrics)
		if err := a.Start(); err != nil {
			return err
		}
		stops = append(stops, a.Stop)
	}
	if roleEnabled(role, "alerts") {
		am := alerts.New(store, fabric, metrics)
		if err := am.Start(); err != nil {
			return err
		}
		stops = append(stops, am.Stop)
	}
	var hb *heartbeat.Manager
	if roleEnabled(role, "heartbeat") {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.CacheURL, Password: cfg.CachePassword})
		hb = heartbeat.New(store, rdb)
		if err := hb.Seed(ctx); err != nil {
			return err
		}
		hb.Start()
	}
	if role == "" {
		go runJanitorLoop(ctx, store, cfg.JanitorRetention)
	}
	if roleEnabled(role, "scheduler") {
		s := scheduler.New(store, fabric, metrics, cfg.SchedulerInterval)
		s.Flags = featureFlags
		go func() {
			if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				fmt.Fprintf(os.Stderr, "postured: scheduler: %v\n", err)
			}
		}()
	}

	<-ctx.Done()

	stopAll()
	if hb != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := hb.Stop(flushCtx); err != nil {
			fmt.Fprintf(os.Stderr, "postured: heartbeat flush: %v\n", err)
		}
	}
	if d, ok := fabric.(interface{ Drain(time.Duration) bool }); ok {
		if !d.Drain(drainTimeout) {
			return errDrainTimeout
		}
	}
	return nil
}
