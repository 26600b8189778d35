package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskwave/genoma/internal/chromosome"
	"github.com/duskwave/genoma/internal/gene"
)

func TestLotteryAlwaysPicksTheOnlyPlayer(t *testing.T) {
	l := &Lottery{}
	l.Join("solo", 5)
	winner, ok := l.ChooseWinner()
	require.True(t, ok)
	assert.Equal(t, "solo", winner)
}

func TestLotteryEmptyPoolReportsFalse(t *testing.T) {
	l := &Lottery{}
	_, ok := l.ChooseWinner()
	assert.False(t, ok)
}

func TestLotteryZeroScorePlayerNeverWins(t *testing.T) {
	l := &Lottery{}
	l.Join("never", 0)
	l.Join("always", 10)
	for i := 0; i < 50; i++ {
		winner, ok := l.ChooseWinner()
		require.True(t, ok)
		assert.Equal(t, "always", winner)
	}
}

func TestLotteryFrequencyTracksScores(t *testing.T) {
	const draws = 4000
	wins := make(map[string]int)
	for i := 0; i < draws; i++ {
		l := &Lottery{}
		l.Join("one", 1)
		l.Join("three", 3)
		winner, ok := l.ChooseWinner()
		require.True(t, ok)
		wins[winner]++
	}
	got := float64(wins["three"]) / draws
	assert.InDelta(t, 0.75, got, 0.05)
}

func TestNewBuildsCrossProduct(t *testing.T) {
	s, err := New([]string{"Null", "RemoveGene"}, []string{"Null", "Purge"})
	require.NoError(t, err)
	assert.Len(t, s.candidates, 4)
	assert.Contains(t, s.candidates, "Null_Null")
	assert.Contains(t, s.candidates, "RemoveGene_Purge")
}

func TestNewUnknownRecombinatorErrors(t *testing.T) {
	_, err := New([]string{"NoSuchRecombinator"}, []string{"Null"})
	assert.Error(t, err)
}

func TestNewUnknownMutatorErrors(t *testing.T) {
	_, err := New([]string{"Null"}, []string{"NoSuchMutator"})
	assert.Error(t, err)
}

func TestGoodIsARatchet(t *testing.T) {
	s, err := New([]string{"Null"}, []string{"Null"})
	require.NoError(t, err)
	s.Good("Null_Null", 5)
	assert.Equal(t, 5, s.candidates["Null_Null"].Score)
	s.Good("Null_Null", 2)
	assert.Equal(t, 5, s.candidates["Null_Null"].Score)
}

func TestBadHasFloorOfOne(t *testing.T) {
	s, err := New([]string{"Null"}, []string{"Null"})
	require.NoError(t, err)
	s.Good("Null_Null", 3)
	s.Bad("Null_Null", 10)
	assert.Equal(t, 1, s.candidates["Null_Null"].Score)
}

func TestRecombineTagsResultsWithCID(t *testing.T) {
	s, err := New([]string{"Null"}, []string{"Null"})
	require.NoError(t, err)

	male := chromosome.New([]*gene.Gene{gene.New([]byte("male"))})
	female := chromosome.New([]*gene.Gene{gene.New([]byte("female"))})

	son, daughter, cid, err := s.Recombine(male, female)
	require.NoError(t, err)
	assert.Equal(t, "Null_Null", cid)
	assert.Equal(t, cid, son.Fuzzer)
	assert.Equal(t, cid, daughter.Fuzzer)
}
