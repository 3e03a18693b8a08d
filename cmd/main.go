package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ValerySidorin/raijin/config"
	"github.com/ValerySidorin/raijin/internal/observability"
	"github.com/ValerySidorin/raijin/server"
	_ "go.uber.org/automaxprocs"
)

var (
	Commit string
)

func main() {
	if len(os.Args) > 2 {
		log.Fatal("invalid args")
	}
	confPath := ""
	if len(os.Args) == 2 {
		confPath = os.Args[1]
	}
	var conf config.Config
	if err := config.Load(confPath, &conf); err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	logLevel := parseLogLevel(conf.Log.Level)
	var logger *slog.Logger
	switch conf.Log.Type {
	case "json":
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		}))
	default:
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		}))
	}

	logger.Info("starting raijin server")
	logger.Info(fmt.Sprintf("commit: %s", Commit))

	shutdown, err := observability.Init(ctx, conf.Observability, logger)
	if err != nil {
		logger.Error(fmt.Errorf("init observability: %w", err).Error())
		os.Exit(1)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error(fmt.Errorf("shutdown observability: %w", err).Error())
		}
	}()

	serverConf, err := conf.ParseServerConfig()
	if err != nil {
		logger.Error(fmt.Errorf("parse server conf: %w", err).Error())
		os.Exit(1)
	}

	srv, err := server.New(serverConf, logger)
	if err != nil {
		logger.Error(fmt.Errorf("new server: %w", err).Error())
		os.Exit(1)
	}

	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error(fmt.Errorf("listen and serve: %w", err).Error())
	}
}

func parseLogLevel(name string) slog.Level {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
