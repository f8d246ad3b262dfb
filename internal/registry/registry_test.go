package registry_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/srg/linkd/internal/eventbus"
	"github.com/srg/linkd/internal/radio"
	"github.com/srg/linkd/internal/registry"
	"github.com/srg/linkd/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type RegistryTestSuite struct {
	suite.Suite
	bus    *eventbus.Bus
	reg    *registry.Registry
	events []registry.Discovery
}

func (suite *RegistryTestSuite) SetupTest() {
	logger := testutils.NewTestHelper(suite.T()).Logger
	suite.bus = eventbus.New(logger)
	suite.reg = registry.New(suite.bus, logger)
	suite.events = nil
	suite.bus.Subscribe(eventbus.TopicDiscover, func(ev eventbus.Event) {
		suite.events = append(suite.events, ev.Payload.(registry.Discovery))
	})
}

func (suite *RegistryTestSuite) TestUpsert() {
	suite.Run("creates record on first discovery", func() {
		rec, ok := suite.reg.Upsert(testutils.CreateMockAdvertisement("Tukey", "AA:AA", -60).Build())

		suite.Require().True(ok)
		suite.Equal(registry.Discovered, rec.State)
		suite.Equal("AA:AA", rec.Address)
		suite.Require().Len(suite.events, 1)
		suite.True(suite.events[0].New, "MUST flag first discovery as new")
		suite.False(suite.events[0].Replaced())
	})

	suite.Run("refreshes signal on re-discovery", func() {
		rec, _ := suite.reg.Upsert(testutils.CreateMockAdvertisement("Tukey", "AA:AA", -40).Build())

		suite.Equal(-40, rec.RSSI)
		suite.Equal(1, suite.reg.Len())
		suite.False(suite.events[len(suite.events)-1].New)
	})

	suite.Run("ignores advertisement without name", func() {
		_, ok := suite.reg.Upsert(testutils.NewAdvertisementBuilder().WithAddress("CC:CC").Build())
		suite.False(ok)
		suite.Equal(1, suite.reg.Len())
	})
}

func (suite *RegistryTestSuite) TestAddressChange() {
	// GOAL: a device that re-advertises with another address gets a fresh record
	//
	// TEST SCENARIO: discover at A → connect → re-advertise at B → record replaced, state Discovered, no capabilities
	suite.reg.Upsert(testutils.CreateMockAdvertisement("Pochiru", "AA:AA", -50).Build())
	suite.reg.SetCapabilities("Pochiru", []radio.Capability{testutils.NewFakeCapability("led", false, radio.OpTurnOn)})

	rec, _ := suite.reg.Upsert(testutils.CreateMockAdvertisement("Pochiru", "BB:BB", -70).Build())

	suite.Equal("BB:BB", rec.Address)
	suite.Equal(registry.Discovered, rec.State, "MUST reset state on address change")
	suite.Empty(rec.Capabilities, "MUST drop capabilities on address change")
	last := suite.events[len(suite.events)-1]
	suite.True(last.Replaced())
	suite.Equal("AA:AA", last.PreviousAddress)
}

func (suite *RegistryTestSuite) TestConnectedSignalFrozen() {
	suite.reg.Upsert(testutils.CreateMockAdvertisement("Tukey", "AA:AA", -60).Build())
	suite.reg.SetCapabilities("Tukey", nil)
	before, _ := suite.reg.Get("Tukey")

	rec, _ := suite.reg.Upsert(testutils.CreateMockAdvertisement("Tukey", "AA:AA", -30).Build())

	suite.Equal(-60, rec.RSSI, "MUST NOT refresh signal while connected")
	suite.False(rec.LastSeen.Before(before.LastSeen), "MUST refresh last seen")
	suite.Equal(registry.Connected, rec.State)
}

func (suite *RegistryTestSuite) TestStateTransitions() {
	suite.reg.Upsert(testutils.CreateMockAdvertisement("Tukey", "AA:AA", -60).Build())

	suite.True(suite.reg.SetState("Tukey", registry.Connecting))
	suite.True(suite.reg.SetCapabilities("Tukey", []radio.Capability{
		testutils.NewFakeCapability("temperature", true, radio.OpStart),
		testutils.NewFakeCapability("led", false, radio.OpTurnOn),
	}))

	rec, _ := suite.reg.Get("Tukey")
	suite.Equal(registry.Connected, rec.State)
	suite.Equal([]string{"led", "temperature"}, rec.CapabilityNames())

	suite.True(suite.reg.MarkDisconnected("Tukey"))
	rec, _ = suite.reg.Get("Tukey")
	suite.Equal(registry.Discovered, rec.State)
	suite.Nil(rec.Capabilities, "MUST clear capabilities on disconnect")

	suite.False(suite.reg.SetState("ghost", registry.Connecting), "MUST refuse unknown device")
}

func (suite *RegistryTestSuite) TestSnapshotsAreCopies() {
	suite.reg.Upsert(testutils.CreateMockAdvertisement("Tukey", "AA:AA", -60).Build())
	suite.reg.SetCapabilities("Tukey", []radio.Capability{testutils.NewFakeCapability("led", false)})

	rec, _ := suite.reg.Get("Tukey")
	delete(rec.Capabilities, "led")

	again, _ := suite.reg.Get("Tukey")
	suite.Contains(again.Capabilities, "led", "MUST NOT leak internal maps")
}

func (suite *RegistryTestSuite) TestListAndJSON() {
	suite.reg.Upsert(testutils.CreateMockAdvertisement("b-device", "BB:BB", -70).Build())
	suite.reg.Upsert(testutils.CreateMockAdvertisement("a-device", "AA:AA", -59).Build())

	list := suite.reg.List()
	suite.Require().Len(list, 2)
	suite.Equal("a-device", list[0].Name)

	raw, err := json.Marshal(list[0])
	suite.Require().NoError(err)
	testutils.NewJSONAsserter(suite.T()).WithOptions(testutils.WithIgnoreExtraKeys(true)).
		Assert(string(raw), `{"name":"a-device","address":"AA:AA","state":"discovered","rssi":-59,"distance":1}`)
}

func (suite *RegistryTestSuite) TestDistanceAndLastSeen() {
	// GOAL: a reported distance is kept, otherwise it is estimated from RSSI and TX power
	//
	// TEST SCENARIO: advertisement with distance → kept; without → path loss estimate; time → LastSeen
	seen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	rec, _ := suite.reg.Upsert(testutils.CreateMockAdvertisementFromJSON(
		`{"localName":"%s","address":"AA:AA","rssi":-70,"distance":2.5}`, "Tukey").WithTime(seen).Build())
	suite.Equal(2.5, rec.Distance)
	suite.Equal(seen, rec.LastSeen)

	rec, _ = suite.reg.Upsert(testutils.CreateMockAdvertisement("Pochiru", "BB:BB", -65).WithTxPower(-45).Build())
	suite.Equal(10.0, rec.Distance)
	suite.Equal(-45, rec.TxPower)
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}
