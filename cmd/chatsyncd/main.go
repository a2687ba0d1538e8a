package main

import (
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
	"time"

	"aim-chat/chat-sync/internal/adapters/rpc"
	"aim-chat/chat-sync/internal/app"
	"aim-chat/chat-sync/internal/config"
	"aim-chat/chat-sync/internal/platform/metrics"
	"aim-chat/chat-sync/internal/platform/privacylog"
	"aim-chat/chat-sync/internal/platform/ratelimiter"
	"aim-chat/chat-sync/internal/remote"
	"aim-chat/chat-sync/internal/remote/memstore"
	"aim-chat/chat-sync/internal/storage"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to chatsync.yaml (optional)")
	userID := flag.String("user", "", "Signed-in user id override")
	username := flag.String("username", "", "Create the user profile with this name when it does not exist")
	storePath := flag.String("store", "", "Local document store directory override")
	rpcAddr := flag.String("rpc", "", "JSON-RPC listen address override")
	flag.Parse()
	_ = godotenv.Load(".env")
	if *showVersion {
		fmt.Printf("chatsyncd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	if *userID != "" {
		_ = os.Setenv("CHATSYNC_USER_ID", *userID)
	}
	if *storePath != "" {
		_ = os.Setenv("CHATSYNC_STORE_PATH", *storePath)
	}
	if *rpcAddr != "" {
		_ = os.Setenv("CHATSYNC_RPC_ADDR", *rpcAddr)
	}
	cfg, err := config.LoadFromPath(*configPath)
	if err != nil {
		log.Fatalf("chatsyncd config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("chatsyncd config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *username); err != nil {
		log.Fatalf("chatsyncd failed: %v", err)
	}
	log.Println("chatsyncd stopped")
}

func run(ctx context.Context, cfg config.Config, username string) error {
	logger := privacylog.NewLogger(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	docs, err := storage.OpenDocumentStore(cfg.Sync.StorePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := docs.Close(); err != nil {
			logger.Error("document store close failed", "error", err.Error())
		}
	}()
	store, err := memstore.New(memstore.WithPersister(docs))
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	collectors, err := metrics.New(registry)
	if err != nil {
		return err
	}
	if cfg.Metrics.ListenAddr != "" {
		srv := serveMetrics(cfg.Metrics.ListenAddr, registry, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if username != "" {
		if err := ensureProfile(ctx, store, cfg.Sync.UserID, username); err != nil {
			return err
		}
	}

	orch, err := app.New(app.Options{
		Channel:       store,
		CurrentUserID: cfg.Sync.UserID,
		Logger:        logger,
		Metrics:       collectors,
		TypingTimeout: cfg.Sync.TypingTimeout,
		WriteTimeout:  cfg.Sync.WriteTimeout,
		SendLimiter:   ratelimiter.New(cfg.Sync.SendRatePerSecond, cfg.Sync.SendBurst, 0),
	})
	if err != nil {
		return err
	}
	if err := orch.Start(ctx); err != nil {
		return err
	}
	defer orch.SignOut(context.WithoutCancel(ctx))

	if cfg.RPC.ListenAddr == "" {
		logChanges(ctx, orch, logger)
		return nil
	}
	go logChanges(ctx, orch, logger)

	server := rpc.NewServer(cfg.RPC.ListenAddr, orch, rpc.Options{
		Token:   cfg.RPC.Token,
		Logger:  logger,
		Limiter: ratelimiter.New(cfg.RPC.RequestsPerSecond, cfg.RPC.Burst, 0),
	})
	logger.Info("rpc listening", "addr", cfg.RPC.ListenAddr)
	return server.Run(ctx)
}

// logChanges records feed degradation until ctx is done.
func logChanges(ctx context.Context, orch *app.Orchestrator, logger *slog.Logger) {
	_, events, cancel := orch.Changes(0)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Err != nil {
				logger.Warn("feed degraded", "feed", ev.Kind, "conversation_id", ev.ConversationID, "error", ev.Err.Error())
				continue
			}
			logger.Debug("view changed", "feed", ev.Kind, "conversation_id", ev.ConversationID)
		}
	}
}

// ensureProfile creates the user document unless one already exists.
func ensureProfile(ctx context.Context, ch remote.Channel, uid, username string) error {
	err := ch.Create(ctx, remote.CollectionUsers, uid, map[string]any{
		"uid":       uid,
		"username":  username,
		"isOnline":  false,
		"createdAt": remote.ServerTimestamp,
	})
	if errors.Is(err, remote.ErrAlreadyExists) {
		return nil
	}
	return err
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err.Error())
		}
	}()
	return srv
}
