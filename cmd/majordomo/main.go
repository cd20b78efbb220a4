package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"majordomo/internal/app"
	"majordomo/internal/config"
	"majordomo/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	// Secrets overlay; a missing .env is fine.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log, closeLog, err := buildLogger(cfgPath)
	if err != nil {
		// Config was unreadable, so fall back to a bare console logger.
		logx.NewConsole("info").Error("startup failed", logx.Err(err))
		os.Exit(1)
	}
	defer closeLog()

	a, err := app.New(ctx, cfgPath, log)
	if err != nil {
		log.Error("startup failed", logx.Err(err))
		closeLog()
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		log.Error("start failed", logx.Err(err))
		closeLog()
		os.Exit(1)
	}

	<-ctx.Done()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	a.Stop(stopCtx)
}

// buildLogger reads only the logging section up front so startup errors are
// already structured.
func buildLogger(cfgPath string) (logx.Logger, func(), error) {
	cfg, err := config.NewManager(cfgPath).Parse()
	if err != nil {
		return logx.Logger{}, nil, fmt.Errorf("read config %s: %w", cfgPath, err)
	}
	log, closeFn := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	return log, closeFn, nil
}
