package mutate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLookup(t *testing.T) {
	names := []string{
		"RandomByte", "AddRandomData", "RemoveByte", "DuplicateByte",
		"ByteNullifier", "SetHighBitFromByte", "IncreaseByOne", "DecreaseByOne",
		"ProgressiveIncrease", "ProgressiveDecrease", "SwapByte", "SwapWord",
		"SwapDword", "RemoveLines", "RepeatLine", "SwapLines",
		"SwapAdjacentLines", "QuotedTextualNumber", "Purge", "Null",
	}
	for _, name := range names {
		m, err := Lookup(name)
		require.NoError(t, err, name)
		assert.NotNil(t, m, name)
	}

	_, err := Lookup("DoesNotExist")
	assert.Error(t, err)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	assert.Panics(t, func() { Register("Null", Null{}) })
}

func TestTotalOnShortInput(t *testing.T) {
	short := []byte{0x01}
	empty := []byte{}

	for name, m := range map[string]interface {
		Mutate([]byte, int) []byte
	}{
		"RandomByte":          RandomByte{},
		"SwapByte":            SwapByte{},
		"SwapWord":            SwapWord{},
		"SwapDword":           SwapDword{},
		"ProgressiveIncrease": ProgressiveIncrease{},
		"ProgressiveDecrease": ProgressiveDecrease{},
	} {
		assert.NotPanics(t, func() { m.Mutate(short, 8) }, name)
		assert.NotPanics(t, func() { m.Mutate(empty, 8) }, name)
	}

	for name, m := range map[string]interface {
		Mutate([]byte, int) []byte
	}{
		"RemoveByte":         RemoveByte{},
		"DuplicateByte":      DuplicateByte{},
		"ByteNullifier":      ByteNullifier{},
		"SetHighBitFromByte": SetHighBitFromByte{},
		"IncreaseByOne":      IncreaseByOne{},
		"DecreaseByOne":      DecreaseByOne{},
	} {
		assert.NotPanics(t, func() { m.Mutate(empty, 1) }, name)
	}
}

func TestByteNullifier(t *testing.T) {
	data := []byte{0xFF, 0xFF, 0xFF}
	out := ByteNullifier{}.Mutate(data, 1)
	var zeros int
	for _, b := range out {
		if b == 0x00 {
			zeros++
		}
	}
	assert.Equal(t, 1, zeros)
	assert.Len(t, out, len(data))
}

func TestSetHighBitFromByte(t *testing.T) {
	data := []byte{0x01, 0x01, 0x01}
	out := SetHighBitFromByte{}.Mutate(data, 1)
	var highSet int
	for _, b := range out {
		if b&0x80 != 0 {
			highSet++
		}
	}
	assert.Equal(t, 1, highSet)
}

func TestIncreaseByOneWrap(t *testing.T) {
	data := []byte{0xFF}
	out := IncreaseByOne{}.Mutate(data, 1)
	assert.Equal(t, []byte{0x00}, out)
}

func TestDecreaseByOneWrap(t *testing.T) {
	// n must not exceed len(data) here: past that bound howmany is
	// redrawn in [0, len(data)) and for one byte of input is always
	// zero, making the call a no-op.
	data := []byte{0x00}
	out := DecreaseByOne{}.Mutate(data, 1)
	assert.Equal(t, []byte{0xFF}, out)
}

func TestAddRandomDataGrowsByN(t *testing.T) {
	data := []byte("hello")
	out := AddRandomData{}.Mutate(data, 4)
	assert.Len(t, out, len(data)+4)
}

func TestRemoveByteShrinksByOne(t *testing.T) {
	data := []byte("hello")
	out := RemoveByte{}.Mutate(data, 1)
	assert.Len(t, out, len(data)-1)
}

func TestDuplicateByteNeverPanicsAndGrowsByOne(t *testing.T) {
	data := []byte("hello")
	out := DuplicateByte{}.Mutate(data, 1)
	assert.Len(t, out, len(data)+1)

	// Even when n is far smaller than len(data), howmany grows to
	// len(data) but only the last iteration's single duplication
	// survives: the result is still exactly one byte longer.
	out = DuplicateByte{}.Mutate(data, 0)
	assert.Len(t, out, len(data)+1)
}

func TestSwapSpanPreservesLength(t *testing.T) {
	data := []byte("abcdefgh")
	for _, width := range []int{1, 2, 4} {
		out := swapSpan(data, width)
		assert.Len(t, out, len(data))
	}
}

func TestSwapSpanTooShortReturnsUnchanged(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03}
	assert.Equal(t, data, swapSpan(data, 4))
}

func TestRemoveLinesEmptyWhenTooFew(t *testing.T) {
	data := []byte("a\nb")
	out := RemoveLines{}.Mutate(data, 5)
	assert.Equal(t, []byte{}, out)
}

func TestRepeatLineGrowsLineCount(t *testing.T) {
	data := []byte("a\nb\nc")
	out := RepeatLine{}.Mutate(data, 2)
	assert.Equal(t, 5, len(splitLines(out)))
}

func TestSwapAdjacentLinesRequiresThree(t *testing.T) {
	data := []byte("a\nb")
	assert.Equal(t, data, SwapAdjacentLines{}.Mutate(data, 1))
}

func TestQuotedTextualNumberReplacesQuotedNumbers(t *testing.T) {
	data := []byte(`{"width":"100","height":"200"}`)
	out := QuotedTextualNumber{}.Mutate(data, 2)
	assert.NotContains(t, string(out), `"100"`)
	assert.NotContains(t, string(out), `"200"`)
}

func TestQuotedTextualNumberNoMatchReturnsUnchanged(t *testing.T) {
	data := []byte(`no numbers here`)
	assert.Equal(t, data, QuotedTextualNumber{}.Mutate(data, 1))
}

func TestPurge(t *testing.T) {
	assert.Equal(t, []byte{}, Purge{}.Mutate([]byte("anything"), 0))
}

func TestNull(t *testing.T) {
	data := []byte("anything")
	assert.Equal(t, data, Null{}.Mutate(data, 0))
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	lines = append(lines, data[start:])
	return lines
}
