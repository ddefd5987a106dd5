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
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-blob-arena/internal/arena"
	"github.com/koopa0/system-design/14-blob-arena/internal/codec"
	"github.com/koopa0/system-design/14-blob-arena/internal/config"
	"github.com/koopa0/system-design/14-blob-arena/internal/events"
	"github.com/koopa0/system-design/14-blob-arena/internal/handler"
	"github.com/koopa0/system-design/14-blob-arena/internal/leaderboard"
	"github.com/koopa0/system-design/14-blob-arena/internal/limiter"
	"github.com/koopa0/system-design/14-blob-arena/internal/registry"
	"github.com/koopa0/system-design/14-blob-arena/internal/transport"
	"github.com/koopa0/system-design/14-blob-arena/pkg/logger"
)

func main() {
	var (
		configPath = flag.String("config", "", "配置檔案路徑 (YAML)")
		port       = flag.Int("port", 0, "服務器端口（覆蓋配置）")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)")
		logFormat  = flag.String("log-format", "", "日誌格式 (text, json)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		fmt.Fprintf(os.Stderr, "invalid environment: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output, cfg.Log.AddSource)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("服務器異常結束", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshotCodec, err := codec.ByName(cfg.Snapshot.Codec)
	if err != nil {
		return err
	}

	// Redis 可選：不可用時排行榜降級到記憶體、限流降級到本地
	redisClient := connectRedis(ctx, cfg, log)
	if redisClient != nil {
		defer redisClient.Close()
	}

	var board leaderboard.Store = leaderboard.NewMemoryStore()
	if redisClient != nil {
		board = leaderboard.NewRedisStore(redisClient, "arena", cfg.Leaderboard.TTL)
	}

	// NATS 可選：不可用時不發佈事件
	var (
		publisher events.Publisher = events.Nop{}
		natsConn  *nats.Conn
	)
	if cfg.NATS.URL != "" {
		natsConn, err = events.Connect(cfg.NATS.URL, log)
		if err != nil {
			log.Warn("NATS 不可用，停用房間事件", "url", cfg.NATS.URL, "error", err)
		} else {
			publisher = events.NewNATSPublisher(natsConn, cfg.NATS.SubjectPrefix, log)
		}
	}
	defer publisher.Close()

	reg, err := registry.New(cfg.Arena.Rooms, cfg.Arena.EntryFee, log, arena.WithCodec(snapshotCodec))
	if err != nil {
		return err
	}

	hub := transport.NewHub(reg, log,
		transport.WithCodec(snapshotCodec),
		transport.WithEvents(publisher))
	reg.Observe(hub, events.NewTickObserver(publisher, log))

	if err := reg.Start(ctx); err != nil {
		return err
	}
	defer reg.Stop()

	recorder := leaderboard.NewRecorder(reg, board, cfg.Leaderboard.Interval, cfg.Leaderboard.Size, log)
	go recorder.Run(ctx)

	opts := []handler.Option{
		handler.WithRateLimit(rateLimit(ctx, cfg, redisClient, log)),
		handler.WithLeaderboardSize(cfg.Leaderboard.Size),
	}
	if redisClient != nil {
		opts = append(opts, handler.WithHealthCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
	}
	if natsConn != nil {
		opts = append(opts, handler.WithHealthCheck("nats", func(context.Context) error {
			if !natsConn.IsConnected() {
				return fmt.Errorf("nats status: %s", natsConn.Status())
			}
			return nil
		}))
	}
	h := handler.New(reg, board, hub, log, opts...)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("競技場服務器啟動",
			"port", cfg.Server.Port,
			"rooms", cfg.Arena.Rooms,
			"codec", snapshotCodec.Name(),
			"redis", redisClient != nil,
			"nats", natsConn != nil)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil

	case sig := <-shutdown:
		log.Info("收到關閉信號，開始優雅關閉", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// 停止接受新連接
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("服務器關閉失敗", "error", err)
		if closeErr := server.Close(); closeErr != nil {
			log.Error("強制關閉服務器失敗", "error", closeErr)
		}
	}

	// WebSocket 連接已被 hijack，Shutdown 不會等它們
	if err := hub.Stop(shutdownCtx); err != nil {
		log.Warn("WebSocket 連接未在期限內關閉", "error", err)
	}

	log.Info("服務器已關閉")
	return nil
}

func connectRedis(ctx context.Context, cfg *config.Config, log *slog.Logger) *redis.Client {
	if cfg.Redis.Addr == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("Redis 不可用，使用本地排行榜與限流", "addr", cfg.Redis.Addr, "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

func rateLimit(ctx context.Context, cfg *config.Config, client *redis.Client, log *slog.Logger) func(http.Handler) http.Handler {
	rl := cfg.WebSocket.RateLimit

	var allow limiter.RateLimiterFunc
	if rl.Backend == "redis" && client != nil {
		allow = limiter.NewDistributedTokenBucket(client, "arena", rl.Capacity, rl.Refill).Allow
	} else {
		keyed := limiter.NewKeyed(rl.Capacity, rl.Refill)
		go keyed.RunSweeper(ctx, time.Minute, 10*time.Minute)
		allow = keyed.Allow
	}

	keyFunc := limiter.ClientIP
	// Validate 已檢查過格式
	if proxies, err := limiter.ParseTrustedProxies(rl.TrustedProxies); err == nil && len(proxies) > 0 {
		keyFunc = proxies.KeyFunc()
	}

	return limiter.Middleware(limiter.Config{
		KeyFunc: keyFunc,
		Limiter: allow,
		Logger:  log,
	})
}
