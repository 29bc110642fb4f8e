package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"bandbeat/api/internal/app"
	"bandbeat/api/internal/authpw"
	"bandbeat/api/internal/bot"
	"bandbeat/api/internal/config"
	"bandbeat/api/internal/email"
	"bandbeat/api/internal/export"
	"bandbeat/api/internal/line"
	"bandbeat/api/internal/search"
	"bandbeat/api/internal/store"
	"bandbeat/api/internal/userstate"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	// Dialogue state lives in Redis when configured, otherwise in Postgres.
	var states bot.StateStore = dataStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStates, err := userstate.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStates.Close()
		states = redisStates
		log.Printf("dialogue state: redis")
	} else {
		log.Printf("dialogue state: postgres")
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		go searchService.ReindexAllFromPG(ctx)
	}

	var exporter *export.Service
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		minioClient, err := minio.New(cfg.MinioEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
			Secure: cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("minio connection failed: %v", err)
		}
		exporter = export.NewService(minioClient, cfg.MinioBucket)
		if err := exporter.EnsureBucket(ctx); err != nil {
			log.Fatalf("minio bucket setup failed: %v", err)
		}
	}

	emailService := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	authService := authpw.NewService(dataStore)

	service := app.New(cfg, dataStore, authService, emailService, searchService, exporter)

	var engine *bot.Engine
	if strings.TrimSpace(cfg.LineChannelToken) != "" {
		lineClient, err := line.NewClient(cfg.LineEndpoint, cfg.LineChannelToken)
		if err != nil {
			log.Fatalf("line client setup failed: %v", err)
		}
		engine = bot.NewEngine(states, dataStore, lineClient, service, lineClient)
	} else {
		// No access token: the webhook can still be exercised locally, the
		// engine just cannot reply or fetch profiles.
		engine = bot.NewEngine(states, dataStore, nil, service, noopReplier{})
		log.Printf("line: no access token configured, replies disabled")
	}

	httpServer := app.NewHTTPServer(service, engine, cfg.LineChannelSecret, cfg.CORSOrigin, cfg.WebBaseURL)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-shutdownCtx.Done()
	log.Printf("shutting down")

	drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(drainCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

type noopReplier struct{}

func (noopReplier) ReplyText(context.Context, string, ...string) error { return nil }

func (noopReplier) ReplyChoice(context.Context, string, line.Choice, string) error { return nil }
