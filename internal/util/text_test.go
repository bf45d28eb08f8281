package util

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "", Truncate("abc", 0))
	assert.Equal(t, "żół", Truncate("żółw", 3))

	long := errors.New(strings.Repeat("x", 900))
	assert.Len(t, TruncateError(long, 500), 500)
	assert.Equal(t, "", TruncateError(nil, 500))
}

func TestNormalizeHeaderAndDice(t *testing.T) {
	assert.Equal(t, "CABLE 3X2.5 MM2", NormalizeHeader(`  cable "3×2.5"  mm² `))
	assert.Equal(t, 1.0, DiceCoefficient("ABC", "ABC"))
	assert.Equal(t, 0.0, DiceCoefficient("", "ABC"))
	assert.InDelta(t, 1.0/3.0, DiceCoefficient("ABCD", "ABXY"), 1e-9)
	assert.Equal(t, []string{"HEX", "BOLT", "M8X40"}, Tokenize("hex bolt m8x40 a"))
}

func TestCollapseSpaces(t *testing.T) {
	assert.Equal(t, "a b c", CollapseSpaces("  a \t b\n\nc "))
}
