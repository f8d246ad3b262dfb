package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/linkd/internal/admin"
	"github.com/srg/linkd/internal/groutine"
	"github.com/srg/linkd/internal/node"
	"github.com/srg/linkd/internal/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator with the configured nodes",
	Long: `Run the coordinator until interrupted.

Scanner, LED and sensor nodes are created from the config file. Node
messages are written to stdout as JSON lines; node status changes are
printed as they happen. The admin HTTP server is started when enabled.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	return serve(ctx, cmd)
}

func serve(ctx context.Context, cmd *cobra.Command) error {
	s, err := newSession(cmd, false)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	shutdownTracing, err := tracing.Setup(ctx, s.cfg.Tracing)
	if err != nil {
		s.Close()
		return fmt.Errorf("failed to set up tracing: %w", err)
	}

	s.coord.Start()
	nodes := node.FromConfig(s.coord, newStreamSink(cmd.OutOrStdout(), s.logger))
	s.logger.WithFields(logrus.Fields{
		"nodes":   len(nodes),
		"version": formatVersion(version),
	}).Info("Coordinator started")

	adminErr := make(chan error, 1)
	if s.cfg.Admin.Enabled {
		srv := admin.New(s.coord, nodes)
		groutine.Go(ctx, "admin-server", func(ctx context.Context) {
			adminErr <- srv.Start(ctx)
		})
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-adminErr:
	}

	s.logger.Info("Shutting down")
	teardown, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, n := range nodes {
		n.Close(teardown)
	}
	s.Close()
	if err := shutdownTracing(teardown); err != nil {
		s.logger.WithField("error", err).Warn("Failed to flush traces")
	}
	return runErr
}
