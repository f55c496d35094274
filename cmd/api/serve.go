package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"canopy/api/internal/app"
	"canopy/api/internal/auth"
	"canopy/api/internal/collab"
	"canopy/api/internal/config"
	"canopy/api/internal/locks"
	"canopy/api/internal/session"
	"canopy/api/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the collaboration server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("reclaim-orphans") && os.Getenv("RECLAIM_ORPHANED_LOCKS") == "" {
			cfg.ReclaimOrphanedLocks = config.DefaultReclaimOrphans(cfg.LockStore)
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg, newLogger())
	},
}

func init() {
	serveCmd.Flags().StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	serveCmd.Flags().StringVar(&cfg.LockStore, "lock-store", cfg.LockStore, "lock store: postgres, redis or memory")
	serveCmd.Flags().StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis URL for the redis lock store")
	serveCmd.Flags().DurationVar(&cfg.LockTTL, "lock-ttl", cfg.LockTTL, "lock lifetime without renewal")
	serveCmd.Flags().BoolVar(&cfg.ReclaimOrphanedLocks, "reclaim-orphans", cfg.ReclaimOrphanedLocks, "release locks whose connection is not live here (single instance only)")
	serveCmd.Flags().BoolVar(&cfg.AllowAllWorkspaces, "allow-all-workspaces", cfg.AllowAllWorkspaces, "skip workspace membership checks")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if cfg.ReclaimOrphanedLocks && cfg.LockStore == config.LockStoreRedis {
		return errors.New("orphan reclaim would release locks held through other instances; disable it with the redis lock store")
	}
	var (
		pg     *store.PostgresStore
		mirror session.Mirror
		access collab.AccessChecker = collab.AllowAll{}
	)
	if cfg.LockStore == config.LockStorePostgres || !cfg.AllowAllWorkspaces {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		if len(applied) > 0 {
			log.Info("migrations applied", "versions", applied)
		}

		pg = store.NewPostgresStore(db)
		mirror = pg
		// Rows left by a previous process describe connections that no longer exist.
		if err := pg.PurgeSessions(ctx); err != nil {
			log.Warn("purge stale session rows failed", "error", err)
		}
		if !cfg.AllowAllWorkspaces {
			access = collab.StoreAccess(pg)
		}
	}

	var lockStore locks.Store
	switch cfg.LockStore {
	case config.LockStorePostgres:
		lockStore = pg
	case config.LockStoreRedis:
		redisStore, err := store.NewRedisLockStore(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisStore.Close()
		lockStore = redisStore
	case config.LockStoreMemory:
		lockStore = store.NewMemoryLockStore()
	default:
		return fmt.Errorf("unknown lock store %q", cfg.LockStore)
	}

	service := locks.NewService(lockStore,
		locks.WithTTL(cfg.LockTTL),
		locks.WithLogger(log.With("component", "locks")),
	)
	registryOpts := []session.Option{session.WithLogger(log.With("component", "sessions"))}
	if mirror != nil {
		registryOpts = append(registryOpts, session.WithMirror(mirror))
	}
	coord := collab.NewCoordinator(service, session.NewRegistry(registryOpts...), access,
		collab.WithLogger(log.With("component", "collab")),
		collab.WithCursorRate(cfg.CursorRate),
	)

	if cfg.ReclaimOrphanedLocks {
		released, err := service.ReleaseOrphaned(ctx, coord.IsLive)
		if err != nil {
			log.Warn("startup orphan reclaim failed", "error", err)
		} else if released > 0 {
			log.Info("released locks left by a previous process", "count", released)
		}
	}

	httpServer := app.NewHTTPServer(coord, service, auth.NewVerifier(cfg.JWTSecret), cfg.CORSOrigin, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("canopy listening", "addr", cfg.Addr, "lock_store", cfg.LockStore, "lock_ttl", cfg.LockTTL.String())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return coord.RunReaper(gctx, cfg.ReaperInterval, cfg.ReclaimOrphanedLocks)
	})
	g.Go(func() error {
		return coord.RunSessionSweeper(gctx, cfg.SessionSweep, cfg.SessionStaleness)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		coord.Shutdown(shutdownCtx)
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		log.Info("canopy stopped")
		return nil
	})
	return g.Wait()
}
