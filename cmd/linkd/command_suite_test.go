package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/linkd/internal/node"
	"github.com/srg/linkd/internal/radio"
	"github.com/srg/linkd/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// Test device shared by the command suites
const (
	TestDeviceName    = "Tukey"
	TestDeviceAddress = "00:00:00:00:00:01"
)

// CommandTestSuite runs commands against a FakeRadio installed through RadioFactory.
// All cmd/linkd test suites should embed this.
type CommandTestSuite struct {
	suite.Suite
	Radio *testutils.FakeRadio
	LED   *testutils.FakeCapability

	prevFactory func(*logrus.Logger) (radio.Radio, error)
}

func (s *CommandTestSuite) SetupTest() {
	s.Radio = testutils.NewFakeRadio()
	s.LED = testutils.NewFakeCapability(node.LEDCapability, false, radio.OpTurnOn, radio.OpTurnOff)
	s.Radio.WithProfile(TestDeviceAddress, s.LED, testutils.NewFakeCapability("button", true))

	s.prevFactory = RadioFactory
	RadioFactory = func(*logrus.Logger) (radio.Radio, error) { return s.Radio, nil }
	resetFlags()
}

func (s *CommandTestSuite) TearDownTest() {
	RadioFactory = s.prevFactory
	resetFlags()
}

// AdvertiseDevice makes the test device visible to scans
func (s *CommandTestSuite) AdvertiseDevice() {
	s.Radio.Advertise(testutils.CreateMockAdvertisement(TestDeviceName, TestDeviceAddress, -60).
		WithBeacon(radio.ServiceTemperature, map[string]any{"value": 21.5}).
		Build())
}

// ExecuteCommand runs the root command with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// ExecuteCommandContext is ExecuteCommand bounded by ctx
func (s *CommandTestSuite) ExecuteCommandContext(ctx context.Context, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	return buf.String(), err
}

// WriteConfig stores body as a config file in a temp dir and returns its path
func (s *CommandTestSuite) WriteConfig(body string) string {
	path := filepath.Join(s.T().TempDir(), "linkd.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(body), 0o600))
	return path
}

func resetFlags() {
	_ = rootCmd.PersistentFlags().Set("config", "")
	_ = rootCmd.PersistentFlags().Set("log-level", "")

	scanDuration = 10 * time.Second
	scanFormat = "table"
	scanWatch = false

	servicesTimeout = 0

	ledColor = "Red"
	ledPattern = "Pattern1"
	ledOff = false
}
