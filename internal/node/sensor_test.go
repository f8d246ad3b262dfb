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

type SensorTestSuite struct {
	NodeSuite
	temperature *testutils.FakeCapability
	button      *testutils.FakeCapability
}

func (suite *SensorTestSuite) SetupTest() {
	suite.NodeSuite.SetupTest()
	suite.temperature = testutils.NewFakeCapability("temperature", true, radio.OpStart, radio.OpStop)
	suite.button = testutils.NewFakeCapability("button", true)
	suite.radio.WithProfile("AA:AA", suite.temperature, suite.button)
}

func (suite *SensorTestSuite) newSensor(services map[string]config.SensorService) *node.Sensor {
	s := node.NewSensor(suite.coord, config.SensorNode{Name: "sensor", Device: "Tukey", Services: services}, suite.sink)
	suite.T().Cleanup(func() { s.Close(suite.ctx()) })
	return s
}

func (suite *SensorTestSuite) visible() {
	suite.radio.Advertise(testutils.CreateMockAdvertisement("Tukey", "AA:AA", -50).Build())
}

func (suite *SensorTestSuite) notify(capability, data string) {
	suite.Require().True(suite.radio.LastLink().Notify(capability, []byte(data)))
}

func (suite *SensorTestSuite) TestEnableStartsServices() {
	// GOAL: enabling connects and starts every configured notifying service
	//
	// TEST SCENARIO: temperature (start/stop) + button (no start) → Enable → start sent to temperature only
	suite.visible()
	s := suite.newSensor(map[string]config.SensorService{
		"temperature": {Enabled: true},
		"button":      {Enabled: true},
	})

	suite.Require().NoError(s.Enable(suite.ctx()))

	suite.Equal([]string{radio.OpStart}, suite.temperature.Ops())
	suite.Empty(suite.button.Ops(), "MUST NOT send start to services without it")
	suite.Equal("0 notifications", s.Status().Text)
	suite.True(suite.coord.Connections().IsConnected("Tukey"))
}

func (suite *SensorTestSuite) TestAllNotifyingServicesByDefault() {
	suite.visible()
	s := suite.newSensor(nil)

	suite.Require().NoError(s.Enable(suite.ctx()))
	suite.notify("button", `{"buttonId":2,"buttonName":"SingleClick","extra":true}`)

	msgs := suite.sink.Output(0)
	suite.Require().Len(msgs, 1)
	suite.Equal(node.Reading{
		Device:  "Tukey",
		Service: "button",
		Data:    map[string]any{"buttonId": float64(2), "buttonName": "SingleClick"},
	}, msgs[0].Payload)
}

func (suite *SensorTestSuite) TestDisabledServiceNotStarted() {
	suite.visible()
	s := suite.newSensor(map[string]config.SensorService{"temperature": {Enabled: false}})

	suite.Require().NoError(s.Enable(suite.ctx()))

	suite.Empty(suite.temperature.Ops())
}

func (suite *SensorTestSuite) TestNotificationForwarding() {
	suite.visible()
	s := suite.newSensor(map[string]config.SensorService{"temperature": {Enabled: true}})
	suite.Require().NoError(s.Enable(suite.ctx()))

	suite.notify("temperature", `{"value":21.5}`)

	msgs := suite.sink.Output(0)
	suite.Require().Len(msgs, 1)
	suite.Equal("linking/Tukey_temperature", msgs[0].Topic)
	suite.Equal(node.Reading{Device: "Tukey", Service: "temperature", Data: map[string]any{"value": 21.5}}, msgs[0].Payload)
	suite.Equal("1 notifications", s.Status().Text)
	suite.EqualValues(1, s.Notifications())
}

func (suite *SensorTestSuite) TestRawNotification() {
	suite.visible()
	s := suite.newSensor(map[string]config.SensorService{"temperature": {Enabled: true}})
	suite.Require().NoError(s.Enable(suite.ctx()))

	suite.notify("temperature", "\x01\x02")

	suite.Equal([]byte{1, 2}, suite.sink.Output(0)[0].Payload.(node.Reading).Data)
}

func (suite *SensorTestSuite) TestThrottle() {
	suite.visible()
	s := suite.newSensor(map[string]config.SensorService{"temperature": {Enabled: true, Interval: time.Hour}})
	suite.Require().NoError(s.Enable(suite.ctx()))

	suite.notify("temperature", `{"value":21.5}`)
	suite.notify("temperature", `{"value":21.6}`)

	suite.Len(suite.sink.Output(0), 1, "MUST forward one notification per interval")
	suite.EqualValues(1, s.Notifications())
}

func (suite *SensorTestSuite) TestStopAfterNotifyForLongIntervals() {
	// GOAL: a service with a long interval is stopped after each reading and restarted later
	suite.visible()
	s := suite.newSensor(map[string]config.SensorService{"temperature": {Enabled: true, Interval: time.Minute}})
	suite.Require().NoError(s.Enable(suite.ctx()))

	suite.notify("temperature", `{"value":21.5}`)

	suite.Eventually(func() bool {
		ops := suite.temperature.Ops()
		return len(ops) == 2 && ops[1] == radio.OpStop
	}, time.Second, 5*time.Millisecond, "MUST stop the sensor after a notification")
}

func (suite *SensorTestSuite) TestShortIntervalRestarts() {
	suite.visible()
	s := suite.newSensor(map[string]config.SensorService{"temperature": {Enabled: true}})
	suite.Require().NoError(s.Enable(suite.ctx()))

	suite.notify("temperature", `{"value":21.5}`)

	suite.Eventually(func() bool { return len(suite.temperature.Ops()) >= 2 }, time.Second, 5*time.Millisecond,
		"MUST restart the sensor after RetryInterval")
	for _, op := range suite.temperature.Ops() {
		suite.Equal(radio.OpStart, op, "MUST NOT stop a sensor with a short interval")
	}
}

func (suite *SensorTestSuite) TestStartFailureRetries() {
	suite.visible()
	suite.temperature.FailNextInvoke(nil)
	s := suite.newSensor(map[string]config.SensorService{"temperature": {Enabled: true}})

	suite.Require().NoError(s.Enable(suite.ctx()))
	suite.Equal("temperature error", s.Status().Text)

	suite.Eventually(func() bool { return s.Status().Text == "0 notifications" }, time.Second, 5*time.Millisecond,
		"MUST retry the start")
}

func (suite *SensorTestSuite) TestConnectFailureRetries() {
	// GOAL: a device that is not around yet is retried until it connects
	s := suite.newSensor(map[string]config.SensorService{"temperature": {Enabled: true}})

	err := s.Enable(suite.ctx())
	suite.ErrorIs(err, linkerr.ErrDiscoveryTimeout)
	suite.Equal("connect error", s.Status().Text)

	suite.visible()

	suite.Eventually(func() bool { return suite.coord.Connections().IsConnected("Tukey") }, 2*time.Second, 10*time.Millisecond)
	suite.Eventually(func() bool { return len(suite.temperature.Ops()) > 0 }, time.Second, 5*time.Millisecond)
}

func (suite *SensorTestSuite) TestDisconnectResetsCounter() {
	suite.visible()
	s := suite.newSensor(map[string]config.SensorService{"temperature": {Enabled: true}})
	suite.Require().NoError(s.Enable(suite.ctx()))
	suite.notify("temperature", `{"value":21.5}`)

	suite.radio.LastLink().Drop()

	suite.EqualValues(0, s.Notifications())
	suite.Equal("disconnected", s.Status().Text)
}

func (suite *SensorTestSuite) TestDisable() {
	suite.visible()
	s := suite.newSensor(map[string]config.SensorService{"temperature": {Enabled: true}})
	suite.Require().NoError(s.Enable(suite.ctx()))

	suite.Require().NoError(s.Disable(suite.ctx()))

	suite.False(suite.coord.Connections().IsConnected("Tukey"))
	suite.True(suite.radio.LastLink().Closed())
	suite.Equal("idle", s.Status().Text)
	suite.Empty(suite.sink.Output(0))
}

func (suite *SensorTestSuite) TestEnableWithoutDevice() {
	s := node.NewSensor(suite.coord, config.SensorNode{Name: "sensor"}, suite.sink)
	defer s.Close(suite.ctx())

	suite.ErrorIs(s.Enable(suite.ctx()), linkerr.ErrNoDeviceName, "MUST report the missing device name")
	suite.False(s.Enabled())
	suite.Equal("no device name", s.Status().Text)
	suite.EqualValues(0, suite.radio.Connects.Load(), "MUST NOT try to connect")
}

func (suite *SensorTestSuite) TestAutoStart() {
	suite.visible()
	s := node.NewSensor(suite.coord, config.SensorNode{
		Name:      "sensor",
		Device:    "Tukey",
		AutoStart: true,
		Services:  map[string]config.SensorService{"temperature": {Enabled: true}},
	}, suite.sink)
	defer s.Close(suite.ctx())

	s.Start()

	suite.Eventually(s.Enabled, time.Second, 5*time.Millisecond)
	suite.Eventually(func() bool { return len(suite.temperature.Ops()) > 0 }, time.Second, 5*time.Millisecond)
}

func TestSensorTestSuite(t *testing.T) {
	suite.Run(t, new(SensorTestSuite))
}
