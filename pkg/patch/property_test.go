package patch

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

// Round-trip property: applying the diff of a and b to a yields b.
// Exercised over flat string documents, numeric documents, and nested
// two-level documents so add, remove, and replace all occur.
func TestDiffApplyRoundTripProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200

	properties := gopter.NewProperties(params)

	properties.Property("flat string docs", prop.ForAll(
		func(a, b map[string]string) bool {
			return roundTrips(t, a, b)
		},
		gen.MapOf(gen.Identifier(), gen.AlphaString()),
		gen.MapOf(gen.Identifier(), gen.AlphaString()),
	))

	properties.Property("numeric docs", prop.ForAll(
		func(a, b map[string]int64) bool {
			return roundTrips(t, a, b)
		},
		gen.MapOf(gen.Identifier(), gen.Int64Range(-1000, 1000)),
		gen.MapOf(gen.Identifier(), gen.Int64Range(-1000, 1000)),
	))

	properties.Property("nested docs", prop.ForAll(
		func(a, b map[string]map[string]string) bool {
			return roundTrips(t, a, b)
		},
		gen.MapOf(gen.Identifier(), gen.MapOf(gen.Identifier(), gen.AlphaString())),
		gen.MapOf(gen.Identifier(), gen.MapOf(gen.Identifier(), gen.AlphaString())),
	))

	properties.TestingRun(t)
}

func roundTrips(t *testing.T, a, b any) bool {
	t.Helper()
	aJSON, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bJSON, err := json.Marshal(b)
	if err != nil {
		return false
	}
	p, err := DiffBytes(aJSON, bJSON)
	if err != nil {
		return false
	}
	got, err := Apply(aJSON, p)
	if err != nil {
		return false
	}
	return jsonEqual(got, bJSON)
}

func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return assert.ObjectsAreEqual(av, bv)
}
