package main

import (
	"log"
	"net/http"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"listgate/internal/api"
	"listgate/internal/config"
	"listgate/internal/db"
	"listgate/internal/listsync"
	"listgate/internal/rate"
	"listgate/internal/store"
	"listgate/internal/twitter"
	"listgate/internal/workflow"
)

func main() {
	// Optional .env for local development; real deployments set env directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dsn := cfg.DBDSN
	if cfg.DBDriver == "sqlite" {
		dsn = cfg.DBPath
	}
	sqldb, err := db.Open(cfg.DBDriver, dsn, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer sqldb.Close()
	if err := db.ApplyMigrationFile(sqldb, filepath.Join("migrations", db.MigrationFileFor(cfg.DBDriver))); err != nil {
		log.Fatalf("migration: %v", err)
	}

	st := store.New(sqldb)
	tracker := rate.NewTracker()
	remote := twitter.NewAPIClient(cfg)
	wf := workflow.New(st, remote, tracker)
	engine := listsync.NewEngine(st, remote, tracker, cfg.SyncCooloff())

	r := api.NewRouter(cfg, st, wf, engine, tracker)

	hsrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadTimeout:       time.Duration(cfg.HTTPReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.HTTPReadHeaderTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTPWriteTimeoutSec) * time.Second,
		IdleTimeout:       time.Duration(cfg.HTTPIdleTimeoutSec) * time.Second,
	}

	log.Printf("listening on %s driver=%s list_id=%s", cfg.ListenAddr, cfg.DBDriver, cfg.TwitterListID)
	if err := hsrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server: %v", err)
	}
}
