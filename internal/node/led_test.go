package node_test

import (
	"testing"
	"time"

	"github.com/srg/linkd/internal/linkerr"
	"github.com/srg/linkd/internal/node"
	"github.com/srg/linkd/internal/radio"
	"github.com/srg/linkd/internal/testutils"
	"github.com/srg/linkd/pkg/config"
	"github.com/stretchr/testify/suite"
)

type LEDTestSuite struct {
	NodeSuite
	led *testutils.FakeCapability
}

func (suite *LEDTestSuite) SetupTest() {
	suite.NodeSuite.SetupTest()
	suite.led = testutils.NewFakeCapability("led", false, radio.OpTurnOn, radio.OpTurnOff)
}

func (suite *LEDTestSuite) newLED(cfg config.LEDNode) *node.LED {
	if cfg.Name == "" {
		cfg.Name = "led"
	}
	if cfg.Color == "" {
		cfg.Color = "Red"
		cfg.Pattern = "Pattern1"
	}
	l := node.NewLED(suite.coord, cfg, suite.sink)
	suite.T().Cleanup(func() { l.Close(suite.ctx()) })
	return l
}

func (suite *LEDTestSuite) visible(caps ...*testutils.FakeCapability) {
	suite.radio.WithProfile("AA:AA", caps...)
	suite.radio.Advertise(testutils.CreateMockAdvertisement("Tukey", "AA:AA", -50).Build())
}

func (suite *LEDTestSuite) TestTurnOn() {
	// GOAL: a command connects, switches the light and disconnects again
	//
	// TEST SCENARIO: device visible → Apply(on) → turnOn with configured color/pattern → link closed
	suite.visible(suite.led)
	l := suite.newLED(config.LEDNode{Device: "Tukey"})

	suite.Require().NoError(l.Apply(suite.ctx(), node.LEDCommand{On: true}))

	calls := suite.led.Calls()
	suite.Require().Len(calls, 1)
	suite.Equal(radio.OpTurnOn, calls[0].Op)
	suite.Equal(map[string]any{"color": "Red", "pattern": "Pattern1"}, calls[0].Params)

	suite.Subset(suite.sink.Statuses(), []string{"connecting", "connected", "disconnected"})
	suite.True(suite.radio.LastLink().Closed(), "MUST disconnect without keepConnection")
	suite.False(suite.coord.Connections().IsConnected("Tukey"))
	suite.EqualValues(0, suite.radio.Violations.Load())
}

func (suite *LEDTestSuite) TestTurnOnOverrides() {
	suite.visible(suite.led)
	l := suite.newLED(config.LEDNode{Device: "Tukey", Duration: 5 * time.Second})

	suite.Require().NoError(l.Apply(suite.ctx(), node.LEDCommand{On: true, Color: "Blue", Pattern: "Pattern3"}))

	suite.Equal(map[string]any{"color": "Blue", "pattern": "Pattern3", "duration": 5}, suite.led.Calls()[0].Params)
}

func (suite *LEDTestSuite) TestTurnOff() {
	suite.visible(suite.led)
	l := suite.newLED(config.LEDNode{Device: "Tukey"})

	suite.Require().NoError(l.Apply(suite.ctx(), node.LEDCommand{On: false}))

	suite.Equal([]string{radio.OpTurnOff}, suite.led.Ops())
}

func (suite *LEDTestSuite) TestKeepConnection() {
	suite.visible(suite.led)
	l := suite.newLED(config.LEDNode{Device: "Tukey", KeepConnection: true})

	suite.Require().NoError(l.Apply(suite.ctx(), node.LEDCommand{On: true}))
	suite.Require().NoError(l.Apply(suite.ctx(), node.LEDCommand{On: false}))

	suite.True(suite.coord.Connections().IsConnected("Tukey"), "MUST keep the link")
	suite.EqualValues(1, suite.radio.Connects.Load(), "MUST reuse the link")
	suite.Equal("connected", l.Status().Text)
}

func (suite *LEDTestSuite) TestKeepConnectionOverride() {
	suite.visible(suite.led)
	l := suite.newLED(config.LEDNode{Device: "Tukey", KeepConnection: true})

	keep := false
	suite.Require().NoError(l.Apply(suite.ctx(), node.LEDCommand{On: true, KeepConnection: &keep}))

	suite.False(suite.coord.Connections().IsConnected("Tukey"))
}

func (suite *LEDTestSuite) TestNoLedSupport() {
	suite.visible(testutils.NewFakeCapability("temperature", true, radio.OpStart))
	l := suite.newLED(config.LEDNode{Device: "Tukey"})

	err := l.Apply(suite.ctx(), node.LEDCommand{On: true})

	suite.ErrorIs(err, linkerr.ErrUnsupportedCapability)
	suite.Contains(suite.sink.Statuses(), "No led support")
}

func (suite *LEDTestSuite) TestConnectError() {
	l := suite.newLED(config.LEDNode{Device: "Ghost"})

	err := l.Apply(suite.ctx(), node.LEDCommand{On: true})

	suite.ErrorIs(err, linkerr.ErrDiscoveryTimeout)
	suite.Equal("connect error", l.Status().Text)
	suite.True(suite.coord.DeviceLock("Ghost").IsFree(), "MUST release the device lock")
}

func (suite *LEDTestSuite) TestTurnOnError() {
	suite.visible(suite.led)
	suite.led.FailNextInvoke(nil)
	l := suite.newLED(config.LEDNode{Device: "Tukey", KeepConnection: true})

	err := l.Apply(suite.ctx(), node.LEDCommand{On: true})

	suite.ErrorIs(err, testutils.ErrFakeRadio)
	suite.Equal("turnOn error", l.Status().Text)
}

func (suite *LEDTestSuite) TestNoDeviceName() {
	l := suite.newLED(config.LEDNode{})

	suite.ErrorIs(l.Apply(suite.ctx(), node.LEDCommand{On: true}), linkerr.ErrNoDeviceName)
	suite.Equal("no device name", l.Status().Text)
}

func (suite *LEDTestSuite) TestAutostartConnects() {
	suite.visible(suite.led)
	l := suite.newLED(config.LEDNode{Device: "Tukey", KeepConnection: true})

	l.Start()

	suite.Eventually(func() bool { return suite.coord.Connections().IsConnected("Tukey") }, time.Second, 5*time.Millisecond)
	suite.Eventually(func() bool { return l.Status().Text == "connected" }, time.Second, 5*time.Millisecond)
}

func (suite *LEDTestSuite) TestCloseDisconnects() {
	suite.visible(suite.led)
	l := suite.newLED(config.LEDNode{Device: "Tukey", KeepConnection: true})
	suite.Require().NoError(l.Apply(suite.ctx(), node.LEDCommand{On: true}))

	l.Close(suite.ctx())

	suite.False(suite.coord.Connections().IsConnected("Tukey"))
	suite.Equal("idle", l.Status().Text)
}

func TestLEDTestSuite(t *testing.T) {
	suite.Run(t, new(LEDTestSuite))
}
