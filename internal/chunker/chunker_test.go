// Package chunker_test tests text normalization and unit splitting.
package chunker_test

import (
	"strings"
	"testing"

	"github.com/book-expert/narrator-service/internal/chunker"
	"github.com/book-expert/narrator-service/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_CleansExtractedText(t *testing.T) {
	t.Parallel()

	c := chunker.New()

	input := "# Chapter One\n\nThe experi-\nment began.\tIt *never* stopped…\x07"
	got := c.Normalize(input)

	assert.Equal(t, "Chapter One The experiment began. It never stopped…", got)
}

func TestNormalize_SmartPunctuation(t *testing.T) {
	t.Parallel()

	c := chunker.New()

	got := c.Normalize("“Stop—now,” she said. ‘Fine.’")

	assert.Equal(t, `"Stop-now," she said. 'Fine.'`, got)
}

func TestSplit_LimitNotPositive(t *testing.T) {
	t.Parallel()

	c := chunker.New()

	_, err := c.Split("some text", 0)
	require.ErrorIs(t, err, core.ErrConfiguration)
}

func TestSplit_TextWithinLimitIsSingleUnit(t *testing.T) {
	t.Parallel()

	c := chunker.New()

	units, err := c.Split("A short sentence.", 100)
	require.NoError(t, err)

	require.Len(t, units, 1)
	assert.Equal(t, 0, units[0].Index)
	assert.Equal(t, "A short sentence.", units[0].Text)
}

func TestSplit_EmptyTextYieldsNoUnits(t *testing.T) {
	t.Parallel()

	c := chunker.New()

	units, err := c.Split("   \n  ", 100)
	require.NoError(t, err)
	assert.Empty(t, units)
}

func TestSplit_ClosesAtSentenceBoundaries(t *testing.T) {
	t.Parallel()

	c := chunker.New()

	text := "First sentence here. Second sentence here. Third sentence here."

	units, err := c.Split(text, 45)
	require.NoError(t, err)

	require.Len(t, units, 2)
	assert.Equal(t, "First sentence here. Second sentence here.", units[0].Text)
	assert.Equal(t, "Third sentence here.", units[1].Text)
}

func TestSplit_OversizedSentenceSplitsAtClauses(t *testing.T) {
	t.Parallel()

	c := chunker.New()

	text := "one long clause goes here, another long clause goes here, a final clause ends it."

	units, err := c.Split(text, 30)
	require.NoError(t, err)

	require.Len(t, units, 3)

	for _, unit := range units {
		assert.LessOrEqual(t, unit.Len(), 30+2, "unit %d too long: %q", unit.Index, unit.Text)
	}
}

func TestSplit_UnsplittableClauseMayExceedLimit(t *testing.T) {
	t.Parallel()

	c := chunker.New()

	text := "averyverylongtokenwithoutanyboundaryatall more words follow here."

	units, err := c.Split(text, 10)
	require.NoError(t, err)
	require.NotEmpty(t, units)

	// The atomic clause survives as one oversized unit instead of being
	// cut mid-word.
	assert.Contains(t, units[0].Text, "averyverylongtokenwithoutanyboundaryatall")
}

func TestSplit_IndicesAreDense(t *testing.T) {
	t.Parallel()

	c := chunker.New()

	text := strings.Repeat("A sentence to fill a unit. ", 40)

	units, err := c.Split(text, 100)
	require.NoError(t, err)

	for i, unit := range units {
		assert.Equal(t, i, unit.Index)
		assert.NotEmpty(t, unit.Text)
	}
}

func TestSplit_Deterministic(t *testing.T) {
	t.Parallel()

	c := chunker.New()

	text := strings.Repeat("Some filler sentences, with clauses; and more. ", 60)

	first, err := c.Split(text, 300)
	require.NoError(t, err)

	second, err := c.Split(text, 300)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestSplit_ContentReconstruction(t *testing.T) {
	t.Parallel()

	c := chunker.New()

	text := "Alpha beta gamma. Delta epsilon zeta! Eta theta iota? Kappa lambda mu."

	units, err := c.Split(text, 25)
	require.NoError(t, err)

	var joined strings.Builder

	for _, unit := range units {
		joined.WriteString(unit.Text)
		joined.WriteString(" ")
	}

	stripSpace := func(s string) string {
		return strings.ReplaceAll(s, " ", "")
	}

	assert.Equal(t, stripSpace(text), stripSpace(joined.String()))
}

func TestSplit_TwelveThousandCharScenario(t *testing.T) {
	t.Parallel()

	c := chunker.New()

	sentence := "The quick brown fox jumps over the lazy dog near the river bank today. "
	text := strings.Repeat(sentence, 12000/len(sentence)+1)[:12000]
	text = c.Normalize(text)

	const limit = 3000

	units, err := c.Split(text, limit)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, len(units), 4)
	assert.LessOrEqual(t, len(units), 5)

	totalLen := 0

	for _, unit := range units {
		assert.LessOrEqual(t, unit.Len(), limit)
		totalLen += unit.Len()
	}

	// No content lost beyond boundary whitespace.
	assert.InDelta(t, len(text), totalLen+len(units)-1, float64(len(units)*2))
}

func TestSplitUnits(t *testing.T) {
	t.Parallel()

	c := chunker.New()

	units, err := c.Split("One. Two. Three.", 8)
	require.NoError(t, err)

	expected := []core.TextUnit{
		{Index: 0, Text: "One."},
		{Index: 1, Text: "Two."},
		{Index: 2, Text: "Three."},
	}
	assert.Equal(t, expected, units)
}
