package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"devstudio/api/internal/app"
	"devstudio/api/internal/chat"
	"devstudio/api/internal/config"
	"devstudio/api/internal/realtime"
	"devstudio/api/internal/search"
	"devstudio/api/internal/session"
	"devstudio/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolConfig{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	migrations, err := store.Migrations(cfg.MigrationsDir)
	if err != nil {
		log.Fatalf("migrations unavailable: %v", err)
	}
	if err := store.ApplyMigrations(ctx, db, migrations); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	feed, err := realtime.NewRedisFeed(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer feed.Close()

	dataStore := store.NewPostgresStore(db)
	drafts := session.NewRedisStoreWithClient(feed.Client(), cfg.DraftTTL)

	pgfts := search.NewPgFTS(dataStore.DB())
	var index search.MessageIndex
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		index = meiliClient
	}
	searchService := search.NewService(index, pgfts, pgfts)

	indexCtx, stopIndexer := context.WithCancel(ctx)
	defer stopIndexer()
	if index != nil {
		sub, err := feed.SubscribeAll(indexCtx)
		if err != nil {
			log.Fatalf("search indexer subscribe failed: %v", err)
		}
		go searchService.Consume(indexCtx, sub.Events())
	}

	service := app.New(cfg, app.NewChatStore(dataStore, feed), chat.NewRedisChangeFeed(feed), drafts, searchService)
	defer service.Close()
	if notice := strings.TrimSpace(cfg.StartupNotice); notice != "" {
		if err := service.Announce(ctx, chat.ScopeConsole, notice); err != nil {
			log.Printf("WARNING: startup notice not posted: %v", err)
		}
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// zero so event streams are not cut off
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("devstudio API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	service.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
