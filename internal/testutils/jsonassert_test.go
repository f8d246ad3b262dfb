package testutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJSONAsserter_Equal(t *testing.T) {
	rec := &recordingT{}

	NewJSONAsserter(rec).Assert(`{"name":"Tukey","rssi":-60}`, `{"rssi":-60,"name":"Tukey"}`)

	assert.False(t, rec.failed(), "MUST ignore key order: %v", rec.errors)
}

func TestJSONAsserter_Mismatch(t *testing.T) {
	rec := &recordingT{}

	NewJSONAsserter(rec).Assert(`{"state":"connected"}`, `{"state":"discovered"}`)

	assert.True(t, rec.failed())
	assert.Contains(t, rec.errors[0], "discovered")
}

func TestJSONAsserter_ExtraKeys(t *testing.T) {
	// GOAL: extra actual keys are tolerated by default and reported when strict
	actual := `{"name":"Tukey","lastSeen":"2024-01-01T00:00:00Z"}`
	expected := `{"name":"Tukey"}`

	loose := &recordingT{}
	NewJSONAsserter(loose).Assert(actual, expected)
	assert.False(t, loose.failed(), "MUST ignore extra keys by default: %v", loose.errors)

	strict := &recordingT{}
	NewJSONAsserter(strict).WithOptions(WithIgnoreExtraKeys(false)).Assert(actual, expected)
	assert.True(t, strict.failed(), "MUST report extra keys when asked")
}

func TestJSONAsserter_ExtraKeysInArrays(t *testing.T) {
	rec := &recordingT{}

	NewJSONAsserter(rec).Assert(
		`[{"name":"Tukey","distance":1.2},{"name":"Pochiru","distance":3.4}]`,
		`[{"name":"Tukey"},{"name":"Pochiru"}]`)

	assert.False(t, rec.failed(), "MUST apply extra-key tolerance inside arrays: %v", rec.errors)
}

func TestJSONAsserter_PresencePlaceholder(t *testing.T) {
	// GOAL: volatile values are matched by presence only
	//
	// TEST SCENARIO: "<<PRESENCE>>" for a timestamp → passes when present → fails when missing
	expected := `{"name":"Tukey","lastSeen":"<<PRESENCE>>"}`

	present := &recordingT{}
	NewJSONAsserter(present).Assert(`{"name":"Tukey","lastSeen":"2024-01-01T00:00:00Z"}`, expected)
	assert.False(t, present.failed(), "%v", present.errors)

	missing := &recordingT{}
	NewJSONAsserter(missing).Assert(`{"name":"Tukey"}`, expected)
	assert.True(t, missing.failed(), "MUST require the key to exist")
}

func TestJSONAsserter_NilToEmptyArray(t *testing.T) {
	rec := &recordingT{}
	NewJSONAsserter(rec).Assert(`{"beacons":null}`, `{"beacons":[]}`)
	assert.False(t, rec.failed(), "%v", rec.errors)

	strict := &recordingT{}
	NewJSONAsserter(strict).WithOptions(WithNilToEmptyArray(false)).Assert(`{"beacons":null}`, `{"beacons":[]}`)
	assert.True(t, strict.failed())
}

func TestJSONAsserter_IgnoredFields(t *testing.T) {
	rec := &recordingT{}

	NewJSONAsserter(rec).
		WithOptions(WithIgnoreExtraKeys(false), WithIgnoredFields("distance")).
		Assert(`{"name":"Tukey","distance":1.2,"nested":{"distance":5}}`, `{"name":"Tukey","distance":9,"nested":{}}`)

	assert.False(t, rec.failed(), "MUST drop ignored fields at every level: %v", rec.errors)
}

func TestJSONAsserter_IgnoreArrayOrder(t *testing.T) {
	actual := `["led","button"]`
	expected := `["button","led"]`

	ordered := &recordingT{}
	NewJSONAsserter(ordered).Assert(actual, expected)
	assert.True(t, ordered.failed(), "MUST compare order by default")

	unordered := &recordingT{}
	NewJSONAsserter(unordered).WithOptions(WithIgnoreArrayOrder(true)).Assert(actual, expected)
	assert.False(t, unordered.failed(), "%v", unordered.errors)
}

func TestJSONAsserter_InvalidJSON(t *testing.T) {
	rec := &recordingT{}

	NewJSONAsserter(rec).Assert(`{not json`, `{}`)

	assert.True(t, rec.failed())
	assert.Contains(t, rec.errors[0], "invalid actual JSON")
}

func TestJSONAsserter_AssertValue(t *testing.T) {
	rec := &recordingT{}

	NewJSONAsserter(rec).AssertValue(map[string]any{"code": 0}, `{"code":0}`)

	assert.False(t, rec.failed())
}

func TestMustJSONPanics(t *testing.T) {
	assert.Panics(t, func() { MustJSON(make(chan int)) })
}
