/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package main

import (
    "context"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/example/uplift-dashboard/internal/adapters/bugzilla"
    "github.com/example/uplift-dashboard/internal/config"
    "github.com/example/uplift-dashboard/internal/http"
    "github.com/example/uplift-dashboard/internal/jobs"
    "github.com/example/uplift-dashboard/internal/logger"
    "github.com/example/uplift-dashboard/internal/repo"
    "github.com/example/uplift-dashboard/internal/services"
)

func main() {
    cfg := config.Load()
    log := logger.New(cfg)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    // DB
    db := repo.MustOpen(ctx, cfg, log)
    defer db.Close()

    // Adapters
    bz := bugzilla.NewClient(cfg, log)

    // Services
    repository := repo.NewRepository(db, log)
    svc := services.New(cfg, log, repository, bz)

    // HTTP server (Gin)
    router := http.NewRouter(cfg, log, svc)

    // Cron
    cr := jobs.NewCron(cfg, log, svc, repository)
    cr.Start()
    defer cr.Stop()

    // graceful shutdown
    errCh := make(chan error, 1)
    go func() { errCh <- router.Run(cfg.HTTPAddr) }()
    log.Info().Str("addr", cfg.HTTPAddr).Msg("listening")

    sigCh := make(chan os.Signal, 1)
    signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

    select {
    case <-sigCh:
        log.Info().Msg("shutting down...")
    case err := <-errCh:
        if err != nil { log.Error().Err(err).Msg("http server error") }
    }

    time.Sleep(500 * time.Millisecond)
}
