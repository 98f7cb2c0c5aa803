package proxy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/gnasses/Cisco-Provider-API/pkg/models"
)

// Executor runs a single command and always closes the session afterwards
type Executor struct {
	logger *zap.Logger
}

// NewExecutor creates an executor
func NewExecutor(logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{logger: logger}
}

// Execute sends command on s and closes s whether or not the send succeeded
func (e *Executor) Execute(ctx context.Context, s Session, command string) (string, error) {
	host := s.Profile().Host
	defer func() {
		if err := s.Close(); err != nil {
			e.logger.Debug("Session close failed", zap.String("host", host), zap.Error(err))
		}
	}()

	start := time.Now()
	out, err := s.Send(ctx, command)
	if err != nil {
		return "", &models.ExecutionError{Host: host, Command: command, Err: err}
	}

	e.logger.Debug("Command executed",
		zap.String("host", host),
		zap.String("command", command),
		zap.Int("output_bytes", len(out)),
		zap.Duration("duration", time.Since(start)),
	)
	return out, nil
}
