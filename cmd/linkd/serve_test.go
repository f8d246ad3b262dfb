package main

import (
	"context"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/suite"
)

type ServeTestSuite struct {
	CommandTestSuite
}

func (s *ServeTestSuite) SetupTest() {
	s.CommandTestSuite.SetupTest()
	prev := color.NoColor
	color.NoColor = true
	s.T().Cleanup(func() { color.NoColor = prev })
}

func (s *ServeTestSuite) TestRunsConfiguredNodesUntilCancelled() {
	// GOAL: serve starts the configured nodes and shuts down cleanly when its context ends
	//
	// TEST SCENARIO: config with an idle scanner → serve → context timeout → nil error, radio released
	cfg := s.WriteConfig(`
admin:
  enabled: false
scanners:
  - name: scanner
    auto_start: false
`)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	out, err := s.ExecuteCommandContext(ctx, "serve", "--config", cfg, "--log-level", "error")

	s.Require().NoError(err)
	s.Contains(out, "scanner ○ idle")
	s.False(s.Radio.Scanning(), "MUST leave the radio idle after shutdown")
}

func (s *ServeTestSuite) TestInvalidConfig() {
	cfg := s.WriteConfig(`
lock_timeout: 0s
`)

	_, err := s.ExecuteCommand("serve", "--config", cfg)

	s.Require().Error(err)
	s.Contains(err.Error(), "lock_timeout must be positive")
}

func TestServeTestSuite(t *testing.T) {
	suite.Run(t, new(ServeTestSuite))
}
