package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GovTechSG/TLP-CAPT/internal/adapters/bitbucket"
	"github.com/GovTechSG/TLP-CAPT/internal/adapters/jira"
	"github.com/GovTechSG/TLP-CAPT/internal/config"
	capthttp "github.com/GovTechSG/TLP-CAPT/internal/http"
	"github.com/GovTechSG/TLP-CAPT/internal/jobs"
	"github.com/GovTechSG/TLP-CAPT/internal/logger"
	"github.com/GovTechSG/TLP-CAPT/internal/repo"
	"github.com/GovTechSG/TLP-CAPT/internal/services"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db := repo.MustOpen(ctx, cfg, log)
	defer db.Close()
	store := repo.NewStore(db, log)

	// Adapters
	jc := jira.NewClient(cfg, log)
	bb := bitbucket.NewClient(cfg, log)

	// Engine
	svc := services.NewService(cfg, log, store, jc, bb)

	// HTTP server (Gin)
	router := capthttp.NewRouter(cfg, log, svc)

	// Daily sweep
	cron := jobs.NewCron(cfg, log, svc, store)
	cron.Start()
	defer cron.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- router.Run(cfg.HTTPAddr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("shutting down...")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	time.Sleep(500 * time.Millisecond)
}
