package main

import (
	"context"
	"log"
	"os"
	"time"

	"labcopilot/internal/access"
	"labcopilot/internal/api"
	"labcopilot/internal/auth"
	"labcopilot/internal/config"
	"labcopilot/internal/convert"
	"labcopilot/internal/events"
	"labcopilot/internal/redis"
	"labcopilot/internal/registry"
	"labcopilot/internal/service/lab"
	"labcopilot/internal/session"
	"labcopilot/internal/storage"
	"labcopilot/internal/worker"
	"labcopilot/internal/workspace"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("LABCOPILOT_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("LABCOPILOT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		log.Fatalf("create redis client: %v", err)
	}
	defer rdb.Close()

	// Create necessary tables: users, user_tokens, projects, project_members
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	labService := lab.NewService(db)
	resolver := workspace.NewResolver(cfg.BasicConfig.DataRoot)
	storageLimit := cfg.BasicConfig.UserStorageLimit
	if storageLimit <= 0 {
		storageLimit = 500 << 20
	}
	fileRegistry := registry.New(resolver, labService.ProjectWorkspace, storageLimit)

	bus := events.NewBus()
	accessControl := access.New(db, rdb)

	idleTTL := time.Duration(cfg.BasicConfig.SessionIdleTimeout) * time.Minute
	sessions := session.NewRegistry(accessControl, bus, idleTTL)
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	sessions.StartIdleSweeper(sweepCtx, 5*time.Minute)

	convertTimeout := time.Duration(cfg.BasicConfig.ConvertTimeout) * time.Second
	pipeline := convert.NewPipeline(fileRegistry, resolver, labService.ProjectWorkspace, bus, convertTimeout)
	workers := worker.NewManager(pipeline, worker.DispatcherConfig{
		MinWorkers:        cfg.BasicConfig.MinWorkers,
		MaxWorkers:        cfg.BasicConfig.MaxWorkers,
		QueueSize:         cfg.BasicConfig.QueueSize,
		WorkerIdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	})

	authService := auth.NewService(db, rdb, 24*time.Hour)
	authService.SetCookieNames(cfg.BasicConfig.AuthCookieName, cfg.BasicConfig.CSRFCookieName)
	handlers := api.NewHandler(labService, authService, accessControl, sessions, fileRegistry, resolver, bus, workers, api.Config{
		MaxUploadBytes:   cfg.BasicConfig.MaxUploadBytes,
		UserStorageLimit: storageLimit,
	})

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}

	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
