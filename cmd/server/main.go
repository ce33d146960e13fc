package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"medfinder-chat/internal/server"
	"medfinder-chat/internal/storage"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("zap.NewDevelopment: %v", err)
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Info("Application is starting")

	// .env is optional, real environment wins
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		sugar.Fatalf("Cannot load .env file: %v", err)
	}

	cfg := server.EnvConfig{}
	if err := env.Parse(&cfg); err != nil {
		sugar.Fatalf("Cannot parse env config: %v", err)
	}

	storeCfg := storage.Config{}
	if err := env.Parse(&storeCfg); err != nil {
		sugar.Fatalf("Cannot parse store env config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := storage.New(ctx, sugar, storeCfg.DSN(),
		storage.ConnectionTimeout(30*time.Second),
		storage.MaxConns(storeCfg.MaxConns),
	)
	if err != nil {
		sugar.Fatalf("Cannot create Store instance: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		sugar.Fatalf("Cannot migrate store schema: %v", err)
	}

	serverOpts := []server.Option{
		server.WithEnvConfig(cfg),
		server.RegisterAfterShutdown(func() {
			sugar.Info("Closing store")
			store.Close()
			sugar.Info("Store is closed")
		}),
	}

	srv, err := server.NewServer(logger, store, serverOpts...)
	if err != nil {
		sugar.Fatalf("Cannot create Server instance: %v", err)
	}

	if err := srv.Start(); err != nil {
		sugar.Fatalf("Cannot start http srv: %v", err)
	}
}
