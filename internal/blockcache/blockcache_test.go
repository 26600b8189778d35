package blockcache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndLookup(t *testing.T) {
	c := New()
	c.Add(0x10, 0x20)
	c.Add(0x20, 0x30)

	b, ok := c.Lookup(0x15)
	require.True(t, ok)
	assert.Equal(t, Block{0x10, 0x20}, b)

	_, ok = c.Lookup(0x40)
	assert.False(t, ok)
}

func TestLookupMemoizesNonCanonicalHit(t *testing.T) {
	c := New()
	c.Add(0, 0x10)
	_, ok := c.Lookup(5)
	require.True(t, ok)
	// Count only reflects canonical blocks added, not memoized lookups.
	assert.Equal(t, 1, c.Count())
}

func TestCountAndBlocksInInsertionOrder(t *testing.T) {
	c := New()
	c.Add(0, 1)
	c.Add(10, 11)
	assert.Equal(t, 2, c.Count())
	assert.Equal(t, []Block{{0, 1}, {10, 11}}, c.Blocks())
}

func TestParseDumpOnlyReadsBBLSSection(t *testing.T) {
	dump := strings.Join([]string{
		"##IMAGE##",
		"some,image,metadata",
		"##FUNCTIONS##",
		"0x0,0x10,ignored_func",
		"##BBLS##",
		"0x0,0x10,f1",
		"0x10,0x20,f2",
		"",
	}, "\n")

	c := New()
	require.NoError(t, c.ParseDump(strings.NewReader(dump)))
	assert.Equal(t, 2, c.Count())
	assert.Equal(t, []Block{{0, 0x10}, {0x10, 0x20}}, c.Blocks())
}

func TestParseDumpSkipsMalformedLines(t *testing.T) {
	dump := "##BBLS##\nnot-a-number,0x10,f\n0x0,0x10,f\n"
	c := New()
	require.NoError(t, c.ParseDump(strings.NewReader(dump)))
	assert.Equal(t, 1, c.Count())
}
