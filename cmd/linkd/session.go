package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/linkd/internal/coordinator"
	"github.com/srg/linkd/internal/radio"
	"github.com/srg/linkd/internal/radio/goble"
	"github.com/srg/linkd/pkg/config"
)

// RadioFactory opens the adapter (can be overridden in tests)
var RadioFactory = func(logger *logrus.Logger) (radio.Radio, error) {
	return goble.New(logger)
}

// shutdownTimeout bounds the teardown after the command context ends
const shutdownTimeout = 10 * time.Second

// session is a coordinator over the real adapter for the lifetime of one command
type session struct {
	cfg    *config.Config
	logger *logrus.Logger
	coord  *coordinator.Coordinator
}

func newSession(cmd *cobra.Command, quiet bool) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := configureLogger(cmd, cfg, quiet)

	r, err := RadioFactory(logger)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, coord: coordinator.New(cfg, r, logger)}, nil
}

func (s *session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.coord.Close(ctx)
}

// signalContext is cancelled on Ctrl+C or any of the platform stop signals
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, append([]os.Signal{os.Interrupt}, stopSignals...)...)
}
