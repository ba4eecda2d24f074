package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/BartekS5/totesys-etl/internal/cli"
	"github.com/BartekS5/totesys-etl/internal/etl"
	"github.com/BartekS5/totesys-etl/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "No .env file found, using system environment variables")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := finish(cli.NewRootCmd().ExecuteContext(ctx))
	stop()
	os.Exit(code)
}

// finish logs a failed command, flushes the logger and returns the exit code.
func finish(err error) int {
	if err != nil {
		logger.L().Error("command failed", zap.String("kind", etl.KindOf(err).String()), zap.Error(err))
	}
	logger.Sync()
	if err != nil {
		return 1
	}
	return 0
}
