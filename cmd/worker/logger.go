package main

import (
	"github.com/waterbothq/usage-worker/internal/config"
	"github.com/waterbothq/usage-worker/internal/logging"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}
