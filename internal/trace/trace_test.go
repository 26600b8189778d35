package trace

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskwave/genoma/internal/blockcache"
)

func TestAddBBLTracksUniqueAndTotal(t *testing.T) {
	tr := New()
	tr.AddBBL("img", 1)
	tr.AddBBL("img", 2)
	tr.AddBBL("img", 1)
	assert.Equal(t, 2, tr.UniqueTotal())
	assert.Equal(t, 2, tr.Total())
	assert.Equal(t, []string{"img"}, tr.Images)
}

func TestUpdateUnionsWithoutDoubleCounting(t *testing.T) {
	a := New()
	a.AddBBL("img", 1)
	b := New()
	b.AddBBL("img", 1)
	b.AddBBL("img", 2)

	a.Update(b)
	assert.Equal(t, 2, a.UniqueTotal())
}

func TestDifferencePerImage(t *testing.T) {
	a := New()
	a.AddBBL("img", 1)
	a.AddBBL("img", 2)
	b := New()
	b.AddBBL("img", 1)

	diff := a.DifferencePerImage(b)
	assert.Equal(t, map[int]struct{}{2: {}}, diff["img"])
}

func TestDistanceSubsetIsZero(t *testing.T) {
	a := New()
	a.AddBBL("img", 1)
	b := New()
	b.AddBBL("img", 1)
	b.AddBBL("img", 2)
	assert.Equal(t, 0.0, a.Distance(b))
}

func TestDistanceDisjointIsOne(t *testing.T) {
	a := New()
	a.AddBBL("img", 1)
	b := New()
	b.AddBBL("img", 2)
	assert.Equal(t, 1.0, a.Distance(b))
}

func TestDistanceEmptyTraceIsZero(t *testing.T) {
	a := New()
	assert.Equal(t, 0.0, a.Distance(New()))
}

func TestWriteFrameThenReadFrameRoundTrips(t *testing.T) {
	cache := blockcache.New()
	cache.Add(0x10, 0x20)
	cache.Add(0x20, 0x30)
	caches := map[string]*blockcache.Cache{"img": cache}

	tr := New()
	tr.AddBBL("img", 0x10)
	tr.AddBBL("img", 0x20)
	tr.HasCrashed = false

	var buf bytes.Buffer
	require.NoError(t, tr.WriteFrame(&buf))

	got, err := ReadFrame(&buf, caches)
	require.NoError(t, err)
	assert.Equal(t, 2, got.UniqueTotal())
	assert.False(t, got.HasCrashed)
}

func TestReadFrameDropsMissesAgainstCache(t *testing.T) {
	cache := blockcache.New()
	cache.Add(0x10, 0x20)
	caches := map[string]*blockcache.Cache{"img": cache}

	tr := New()
	tr.AddBBL("img", 0x10)
	tr.AddBBL("img", 0xF00) // outside any known block

	var buf bytes.Buffer
	require.NoError(t, tr.WriteFrame(&buf))

	got, err := ReadFrame(&buf, caches)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UniqueTotal())
}

func TestReadFrameReportsCrash(t *testing.T) {
	cache := blockcache.New()
	cache.Add(0x10, 0x20)
	caches := map[string]*blockcache.Cache{"img": cache}

	tr := New()
	tr.AddBBL("img", 0x10)
	tr.HasCrashed = true

	var buf bytes.Buffer
	require.NoError(t, tr.WriteFrame(&buf))

	got, err := ReadFrame(&buf, caches)
	require.NoError(t, err)
	assert.True(t, got.HasCrashed)
}
