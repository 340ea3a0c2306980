package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	assert.Equal(t, "unit 2", Canonicalize("  Unit \t 2 "))
	assert.Equal(t, "", Canonicalize("   "))
	assert.Equal(t, "dr. smith", Canonicalize("DR.   Smith"))
}

func TestDedupeKeepsShortestLabel(t *testing.T) {
	got := Dedupe([]string{"West Wing ", "Unit 2", "unit  2", "UNIT 2 (east)", "", "   ", "west wing"})
	assert.Equal(t, []string{"Unit 2", "UNIT 2 (east)", "West Wing"}, got)
}

func TestDedupeTieGoesToFirst(t *testing.T) {
	assert.Equal(t, []string{"ICU"}, Dedupe([]string{"ICU", "icu", "Icu"}))
	assert.Equal(t, []string{"icu"}, Dedupe([]string{"icu", "ICU"}))
}

func TestDedupeEmpty(t *testing.T) {
	got := Dedupe(nil)
	require.NotNil(t, got)
	assert.Empty(t, got)
}

func TestDictionaryLookup(t *testing.T) {
	d := Build([]string{"Infection Control", "infection  control program"})
	require.Equal(t, 2, d.Len())

	label, ok := d.Lookup("INFECTION control")
	require.True(t, ok)
	assert.Equal(t, "Infection Control", label)

	_, ok = d.Lookup("falls")
	assert.False(t, ok)

	var nilDict *Dictionary
	_, ok = nilDict.Lookup("x")
	assert.False(t, ok)
	assert.Equal(t, 0, nilDict.Len())
}

func TestMigrateLegacy(t *testing.T) {
	options := []string{"Unit 2", "Memory Care"}
	assert.Equal(t, "Memory Care", MigrateLegacy("  memory   CARE", options))
	assert.Equal(t, "Rehab Gym", MigrateLegacy("  Rehab Gym ", options))
	assert.Equal(t, "", MigrateLegacy("   ", options))
	assert.Equal(t, "x", MigrateLegacy("x", nil))
}
