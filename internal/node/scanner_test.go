package node_test

import (
	"testing"
	"time"

	"github.com/srg/linkd/internal/arbiter"
	"github.com/srg/linkd/internal/linkerr"
	"github.com/srg/linkd/internal/node"
	"github.com/srg/linkd/internal/radio"
	"github.com/srg/linkd/internal/testutils"
	"github.com/srg/linkd/pkg/config"
	"github.com/stretchr/testify/suite"
)

type ScannerTestSuite struct {
	NodeSuite
}

func (suite *ScannerTestSuite) newScanner(cfg config.ScannerNode) *node.Scanner {
	s := node.NewScanner(suite.coord, cfg, suite.sink)
	suite.T().Cleanup(func() { s.Close(suite.ctx()) })
	return s
}

func (suite *ScannerTestSuite) advertiseTukey() {
	suite.radio.Advertise(testutils.CreateMockAdvertisement("Tukey", "AA:AA", -60).
		WithBeacon(radio.ServiceTemperature, map[string]any{"value": 21.5}).
		WithBeacon(radio.ServiceGeneral, map[string]any{"value": 1}).
		Build())
}

func (suite *ScannerTestSuite) TestBeaconForwarding() {
	// GOAL: beacons of known services become readings while the scanner is on
	//
	// TEST SCENARIO: device with temperature + general beacons → Start → one temperature message
	suite.advertiseTukey()
	s := suite.newScanner(config.ScannerNode{Name: "scanner"})

	suite.Require().NoError(s.Start(suite.ctx(), node.ScanOptions{}))

	msgs := suite.sink.Output(0)
	suite.Require().Len(msgs, 1, "MUST skip unsupported beacon services")
	suite.Equal("scanner", msgs[0].Node)
	suite.Equal("linking/Tukey_temperature", msgs[0].Topic)
	suite.Equal(node.Reading{Device: "Tukey", Service: "temperature", Data: map[string]any{"value": 21.5}}, msgs[0].Payload)
	suite.Require().NotNil(msgs[0].Advertisement)
	suite.Equal("AA:AA", msgs[0].Advertisement.Address)
	suite.Contains(suite.sink.Statuses(), "starting scan")
}

func (suite *ScannerTestSuite) TestIntervalThrottle() {
	s := suite.newScanner(config.ScannerNode{Name: "scanner", Interval: time.Hour})
	suite.Require().NoError(s.Start(suite.ctx(), node.ScanOptions{}))

	suite.advertiseTukey()
	suite.advertiseTukey()

	suite.Len(suite.sink.Output(0), 1, "MUST forward one message per topic and interval")
}

func (suite *ScannerTestSuite) TestIntervalOverride() {
	s := suite.newScanner(config.ScannerNode{Name: "scanner", Interval: time.Hour})
	none := time.Duration(0)
	suite.Require().NoError(s.Start(suite.ctx(), node.ScanOptions{Interval: &none}))

	suite.advertiseTukey()
	suite.advertiseTukey()

	suite.Len(suite.sink.Output(0), 2)
}

func (suite *ScannerTestSuite) TestDisabledScannerIsSilent() {
	suite.newScanner(config.ScannerNode{Name: "scanner"})
	suite.Require().NoError(suite.coord.Arbiter().RequestScan(suite.ctx()))

	suite.advertiseTukey()

	suite.Empty(suite.sink.Output(0), "MUST NOT forward beacons while switched off")
	suite.Equal("idle", suite.sink.Last(), "MUST NOT mirror scan status while switched off")
	suite.Require().NoError(suite.coord.Arbiter().ReleaseScan(suite.ctx()))
}

func (suite *ScannerTestSuite) TestStopEmitsScanStop() {
	// GOAL: the second output reports a requested stop as expected
	s := suite.newScanner(config.ScannerNode{Name: "scanner"})
	suite.Require().NoError(s.Start(suite.ctx(), node.ScanOptions{}))

	suite.Require().NoError(s.Stop(suite.ctx()))

	suite.False(suite.radio.Scanning())
	suite.False(s.Enabled())
	suite.Equal([]node.Message{{Node: "scanner", Output: 1, Payload: arbiter.ScanStop{Expected: true}}}, suite.sink.Output(1))
}

func (suite *ScannerTestSuite) TestInterruptionEmitsUnexpectedStop() {
	s := suite.newScanner(config.ScannerNode{Name: "scanner"})
	suite.Require().NoError(s.Start(suite.ctx(), node.ScanOptions{}))

	suite.radio.Interrupt()

	suite.Equal([]node.Message{{Node: "scanner", Output: 1, Payload: arbiter.ScanStop{Expected: false}}}, suite.sink.Output(1))
	suite.Equal("interrupted", suite.sink.Last())
}

func (suite *ScannerTestSuite) TestDuration() {
	s := suite.newScanner(config.ScannerNode{Name: "scanner", Duration: 30 * time.Millisecond})

	suite.Require().NoError(s.Start(suite.ctx(), node.ScanOptions{}))
	suite.True(suite.radio.Scanning())

	suite.Eventually(func() bool { return !suite.radio.Scanning() }, time.Second, 5*time.Millisecond, "MUST stop after the duration")
	suite.False(s.Enabled())
	suite.Equal(0, suite.coord.Arbiter().Snapshot().ScanDemand)
}

func (suite *ScannerTestSuite) TestStartFailureRetries() {
	// GOAL: a failed start keeps the scanner on and retries until the radio scans
	//
	// TEST SCENARIO: start fails → error → retry after RestartInterval → scanning
	suite.radio.FailNextStart(nil)
	s := suite.newScanner(config.ScannerNode{Name: "scanner"})

	err := s.Start(suite.ctx(), node.ScanOptions{})

	suite.ErrorIs(err, linkerr.ErrScanStart)
	suite.True(s.Enabled())
	suite.Eventually(suite.radio.Scanning, time.Second, 5*time.Millisecond, "MUST retry the start")
	suite.Equal(1, suite.coord.Arbiter().Snapshot().ScanDemand)
}

func (suite *ScannerTestSuite) TestAutoStart() {
	suite.newScanner(config.ScannerNode{Name: "scanner", AutoStart: true})

	suite.Eventually(suite.radio.Scanning, time.Second, 5*time.Millisecond)
}

func (suite *ScannerTestSuite) TestCloseRightAfterAutoStart() {
	// GOAL: closing a freshly created auto-starting scanner never leaves a scan vote behind
	//
	// TEST SCENARIO: NewScanner with AutoStart → immediate Close, repeated → scan demand
	// returns to zero and the radio stops every time

	for i := 0; i < 50; i++ {
		s := node.NewScanner(suite.coord, config.ScannerNode{Name: "scanner", AutoStart: true}, suite.sink)
		s.Close(suite.ctx())

		suite.Require().Eventually(func() bool {
			return suite.coord.Arbiter().Snapshot().ScanDemand == 0 && !suite.radio.Scanning()
		}, time.Second, 2*time.Millisecond, "MUST NOT leak a scan vote on iteration %d", i)
		suite.False(s.Enabled(), "MUST stay off after close")
	}
}

func (suite *ScannerTestSuite) TestMultipleScanner() {
	suite.newScanner(config.ScannerNode{Name: "scanner"})
	second := suite.newScanner(config.ScannerNode{Name: "second", AutoStart: true})

	suite.Equal("Multiple scanner exists", second.Status().Text)
	suite.NoError(second.Start(suite.ctx(), node.ScanOptions{}))
	suite.EqualValues(0, suite.radio.Starts.Load(), "MUST NOT scan for a duplicate scanner")
}

func (suite *ScannerTestSuite) TestCloseReleasesVote() {
	s := suite.newScanner(config.ScannerNode{Name: "scanner"})
	suite.Require().NoError(s.Start(suite.ctx(), node.ScanOptions{}))

	s.Close(suite.ctx())
	s.Close(suite.ctx())

	suite.Eventually(func() bool { return !suite.radio.Scanning() }, time.Second, 5*time.Millisecond)
	suite.Equal(0, suite.coord.Arbiter().Snapshot().ScanDemand, "MUST release the vote exactly once")
	suite.True(suite.coord.ClaimScanner("other"), "MUST free the scanner slot")
}

func TestScannerTestSuite(t *testing.T) {
	suite.Run(t, new(ScannerTestSuite))
}
