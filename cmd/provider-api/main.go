package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gnasses/Cisco-Provider-API/internal/api"
	"github.com/gnasses/Cisco-Provider-API/internal/app"
	"github.com/gnasses/Cisco-Provider-API/internal/config"
	"github.com/gnasses/Cisco-Provider-API/internal/identity"
)

func main() {
	configFile := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	pipeline, err := app.BuildPipeline(cfg, nil, reg, logger)
	if err != nil {
		logger.Fatal("Failed to build command pipeline", zap.Error(err))
	}

	repo, closeDB, err := app.OpenAccounts(context.Background(), cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to open account store", zap.Error(err))
	}
	defer closeDB()

	identitySvc, err := identity.NewService(repo, cfg.Auth, logger.Named("identity"))
	if err != nil {
		logger.Fatal("Failed to initialize identity service", zap.Error(err))
	}

	handler := api.NewHandler(
		identitySvc,
		pipeline.Gateway,
		cfg.Policy.SafePolicy(),
		cfg.Policy.CommandPolicy(),
		logger.Named("api"),
	)

	e := api.NewServer(handler, cfg.Server, logger.Named("http"))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	go func() {
		logger.Info("Starting Cisco Provider API", zap.String("address", serverAddr))
		if err := e.Start(serverAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
	}
	pipeline.Gateway.Wait()
}
