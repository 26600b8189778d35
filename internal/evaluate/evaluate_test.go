package evaluate

import (
	"io/ioutil"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskwave/genoma/internal/blockcache"
	"github.com/duskwave/genoma/internal/chromosome"
	"github.com/duskwave/genoma/internal/gene"
	"github.com/duskwave/genoma/internal/population"
	"github.com/duskwave/genoma/internal/trace"
)

func newCaches(total int) map[string]*blockcache.Cache {
	c := blockcache.New()
	for i := 0; i < total; i++ {
		c.Add(i*2, i*2+1)
	}
	return map[string]*blockcache.Cache{"img": c}
}

func chromWithTrace(blocks ...int) *chromosome.Chromosome {
	c := chromosome.New([]*gene.Gene{gene.New([]byte("x"))})
	t := trace.New()
	for _, b := range blocks {
		t.AddBBL("img", b)
	}
	c.Trace = t
	return c
}

func TestBasicBlockCoverage(t *testing.T) {
	caches := newCaches(4)
	c := chromWithTrace(0, 2)
	assert.Equal(t, 0.5, basicBlockCoverage(c, nil, nil, caches))
}

func TestBasicBlockCoverageEmptyCacheIsZero(t *testing.T) {
	c := chromWithTrace(0)
	assert.Equal(t, 0.0, basicBlockCoverage(c, nil, nil, map[string]*blockcache.Cache{}))
}

func TestBasicBlockCoverageNilTraceIsZero(t *testing.T) {
	caches := newCaches(4)
	c := chromosome.New([]*gene.Gene{gene.New([]byte("x"))})
	assert.Equal(t, 0.0, basicBlockCoverage(c, nil, nil, caches))
}

func TestGenerationUniquenessFirstEpochIsOne(t *testing.T) {
	c := chromWithTrace(0)
	assert.Equal(t, 1.0, generationUniqueness(c, nil, nil, nil))
}

func TestGenerationUniquenessAgainstPriorGeneration(t *testing.T) {
	dir, err := ioutil.TempDir("", "evaluate-test")
	require.NoError(t, err)

	prev, err := population.NewGeneration(dir, 0)
	require.NoError(t, err)
	seen := chromWithTrace(0)
	require.NoError(t, prev.Set(seen))
	require.NoError(t, prev.AddTrace(seen.UID, seen.Trace))

	c := chromWithTrace(0, 2)
	got := generationUniqueness(c, nil, prev, nil)
	assert.Equal(t, 0.5, got)
}

func TestCodeCommonalityFloorsAtOne(t *testing.T) {
	c := chromWithTrace(0, 2)
	assert.Equal(t, 1.0, codeCommonality(c, nil, nil, nil))
}

func TestUniversalPathUniquenessExcludesSiblingHits(t *testing.T) {
	dir, err := ioutil.TempDir("", "evaluate-test")
	require.NoError(t, err)

	own, err := population.NewGeneration(dir, 0)
	require.NoError(t, err)

	c := chromWithTrace(0, 2)
	sibling := chromWithTrace(2)
	require.NoError(t, own.Set(c))
	require.NoError(t, own.AddTrace(c.UID, c.Trace))
	require.NoError(t, own.Set(sibling))
	require.NoError(t, own.AddTrace(sibling.UID, sibling.Trace))

	got := universalPathUniqueness(c, own, nil, nil)
	assert.Equal(t, 0.5, got)
}

func TestCodeCommonalityNilTraceIsZero(t *testing.T) {
	c := chromosome.New([]*gene.Gene{gene.New([]byte("x"))})
	assert.Equal(t, 0.0, codeCommonality(c, nil, nil, nil))
}

func TestEvaluateFirstEpochResetsBounds(t *testing.T) {
	dir, err := ioutil.TempDir("", "evaluate-test")
	require.NoError(t, err)

	caches := newCaches(4)
	cur, err := population.NewGeneration(dir, 0)
	require.NoError(t, err)

	c := chromWithTrace(0, 2)
	require.NoError(t, cur.Set(c))
	require.NoError(t, cur.AddTrace(c.UID, c.Trace))

	eval := New(caches, map[string]float64{"BasicBlockCoverage": 1})
	require.NoError(t, eval.Evaluate(nil, cur))

	got, err := cur.Get(c.UID)
	require.NoError(t, err)
	// A lone chromosome is both the minimum and the maximum of every
	// metric, so each metric normalizes to 0 and so does its fitness.
	assert.Equal(t, 0.0, got.Fitness)

	_, ok := cur.MaxMetric("BasicBlockCoverage")
	assert.False(t, ok, "bounds should be cleared after the first epoch")
}

func TestEvaluateSecondEpochNormalizesAcrossBothGenerations(t *testing.T) {
	dir, err := ioutil.TempDir("", "evaluate-test")
	require.NoError(t, err)

	caches := newCaches(4)
	prev, err := population.NewGeneration(dir, 0)
	require.NoError(t, err)
	low := chromWithTrace(0)
	require.NoError(t, prev.Set(low))
	require.NoError(t, prev.AddTrace(low.UID, low.Trace))

	cur, err := population.NewGeneration(dir, 1)
	require.NoError(t, err)
	high := chromWithTrace(0, 2)
	require.NoError(t, cur.Set(high))
	require.NoError(t, cur.AddTrace(high.UID, high.Trace))

	eval := New(caches, map[string]float64{"BasicBlockCoverage": 1})
	require.NoError(t, eval.Evaluate(prev, cur))

	gotHigh, err := cur.Get(high.UID)
	require.NoError(t, err)
	gotLow, err := prev.Get(low.UID)
	require.NoError(t, err)
	assert.Greater(t, gotHigh.Fitness, gotLow.Fitness)
}
