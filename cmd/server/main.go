package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"nbcon-chat/internal/chat"
	"nbcon-chat/internal/config"
	"nbcon-chat/internal/db"
	"nbcon-chat/internal/logger"
	myMiddleware "nbcon-chat/internal/middleware"
	"nbcon-chat/internal/notify"
	"nbcon-chat/internal/relay"
	"nbcon-chat/internal/storage"
	"nbcon-chat/internal/transport"
)

func main() {
	// 1. Config & Flags
	configPath := flag.String("config", config.Path(), "path to the YAML config file")
	addr := flag.String("addr", "", "http service address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// The logger is not configured yet.
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("❌ loading config")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	log := logger.New(logger.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Persistence
	deps := chat.Deps{Logger: log}
	if cfg.Storage.Driver == "postgres" {
		database, err := db.NewDatabase(ctx, cfg.Storage.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("❌ Failed to connect to DB")
		}
		defer database.Close()
		log.Info().Msg("✅ Connected to PostgreSQL")

		if err := database.AutoMigrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("❌ Migration failed")
		}
		log.Info().Msg("✅ Database Schema Initialized")

		deps.Rooms = chat.NewPostgresRoomRepository(database.Conn)
		deps.Messages = chat.NewPostgresMessageRepository(database.Conn)
	}

	// 3. Redis (optional)
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if _, err := redisClient.Ping(ctx).Result(); err != nil {
			log.Fatal().Err(err).Msg("❌ Failed to connect to Redis")
		}
		defer redisClient.Close()
		log.Info().Msg("✅ Connected to Redis")
	}

	// 4. Transport & uploads
	switch cfg.Transport.Kind {
	case "websocket":
		deps.Transport = transport.NewWebSocket(transport.WebSocketConfig{
			URL:   cfg.Transport.URL,
			Token: cfg.Transport.Token,
		}, log)
	default:
		deps.Transport = transport.NewSimulated(cfg.SimulatedConfig())
	}

	uploader, err := storage.NewLocalUploader(cfg.Uploads.Dir, cfg.Uploads.BaseURL, cfg.Uploads.MaxBytes, log)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Upload directory")
	}
	deps.Uploader = uploader

	// 5. Chat core
	svc := chat.NewService(cfg.ChatConfig(), deps)
	svc.Start(context.Background())

	// The UI stream reads its own bus, fed locally or through Redis.
	feed := chat.NewEventBus(log)
	feedCtx, stopFeed := context.WithCancel(context.Background())
	go feed.Run(feedCtx)

	var notifier notify.Notifier = notify.NewLogNotifier(log)
	if redisClient != nil {
		notifier = notify.NewRedisNotifier(redisClient, cfg.Redis.PushChannel)

		r := relay.NewRedis(redisClient, cfg.Redis.EventChannel, log)
		go r.Publish(context.Background(), svc)
		go r.Listen(feedCtx, feed)
	} else {
		go relay.Forward(svc, feed)
	}
	go notify.NewHook(svc.Rooms, notifier, log).Run(svc)

	if cfg.Chat.AutoConnect {
		go func() {
			if err := svc.Connection.Connect(ctx); err != nil {
				log.Warn().Err(err).Msg("initial connect failed, retrying in background")
			}
		}()
	}

	// 6. Routes
	validator := myMiddleware.NewJWTValidator(cfg.Auth.JWTSecret)
	authMiddleware := myMiddleware.NewAuthMiddleware(validator)
	chatHandler := chat.NewHandler(svc, feed, cfg.Uploads.MaxBytes, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(myMiddleware.Metrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Public Routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/uploads/*", http.StripPrefix("/uploads/", http.FileServer(http.Dir(uploader.Dir()))))
	if cfg.Server.MountPeer {
		r.Handle("/peer", transport.NewPeer(cfg.Transport.Token, cfg.Transport.DeliveredDelay, log))
	}

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		chatHandler.Routes(r)
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("mode", cfg.Server.Mode).Msg("🚀 Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	svc.Close()
	stopFeed()
	<-feed.Done()
}
