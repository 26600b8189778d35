// Package strategy picks which (recombinator, mutator) pair fuzzes the
// next couple of chromosomes, weighting the choice by each pair's past
// success and credit-assigning survivors back to their producer.
package strategy

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/duskwave/genoma/internal/chromosome"
	"github.com/duskwave/genoma/internal/gene"
	"github.com/duskwave/genoma/internal/mutate"
	"github.com/duskwave/genoma/internal/recombine"
)

// Lottery draws a weighted-random winner from a pool of players: a
// player's selection probability is its score divided by the sum of all
// scores. Built once per draw from the current candidate scores, since
// scores change between draws.
type Lottery struct {
	players []string
	tickets []int
	total   int
}

// Join adds player to the pool with the given (positive) score.
func (l *Lottery) Join(player string, score int) {
	l.players = append(l.players, player)
	l.tickets = append(l.tickets, l.total)
	l.total += score
}

// ChooseWinner draws a ticket uniformly from [0, total) and returns the
// player that range falls within.
func (l *Lottery) ChooseWinner() (string, bool) {
	if l.total <= 0 {
		return "", false
	}
	ticket := rand.Intn(l.total)
	// sort.Search finds the first index whose ticket exceeds the draw;
	// the preceding player owns that ticket, mirroring bisect.bisect.
	i := sort.Search(len(l.tickets), func(i int) bool { return l.tickets[i] > ticket })
	return l.players[i-1], true
}

// Candidate is one (recombinator, mutator) pair and its running score.
type Candidate struct {
	CID          string
	Recombinator recombine.Recombinator
	Mutator      gene.Mutator
	Score        int
}

// FuzzingStrategy holds every (recombinator, mutator) pair named in
// configuration and the lottery-weighted selection over them.
type FuzzingStrategy struct {
	candidates map[string]*Candidate
	order      []string
}

// New builds a strategy from the named recombinators and mutators,
// forming the full cross product keyed by "<recombinator>_<mutator>".
func New(recombinators, mutators []string) (*FuzzingStrategy, error) {
	s := &FuzzingStrategy{candidates: make(map[string]*Candidate)}
	for _, rname := range recombinators {
		r, err := recombine.Lookup(rname)
		if err != nil {
			return nil, err
		}
		for _, mname := range mutators {
			m, err := mutate.Lookup(mname)
			if err != nil {
				return nil, err
			}
			cid := fmt.Sprintf("%s_%s", rname, mname)
			s.candidates[cid] = &Candidate{CID: cid, Recombinator: r, Mutator: m, Score: 1}
			s.order = append(s.order, cid)
		}
	}
	return s, nil
}

// Good ratchets cid's score up to max(score, k): a producer's score
// never drops below the best it has ever achieved.
func (s *FuzzingStrategy) Good(cid string, k int) {
	c, ok := s.candidates[cid]
	if !ok {
		return
	}
	if k > c.Score {
		c.Score = k
	}
}

// Bad decrements cid's score toward a floor of 1.
func (s *FuzzingStrategy) Bad(cid string, k int) {
	c, ok := s.candidates[cid]
	if !ok {
		return
	}
	if c.Score > 1 {
		c.Score -= k
		if c.Score < 1 {
			c.Score = 1
		}
	}
}

// SelectCandidate draws one candidate, weighted by score.
func (s *FuzzingStrategy) SelectCandidate() (*Candidate, bool) {
	if len(s.order) == 0 {
		return nil, false
	}
	l := &Lottery{}
	for _, cid := range s.order {
		l.Join(cid, s.candidates[cid].Score)
	}
	winner, ok := l.ChooseWinner()
	if !ok {
		return nil, false
	}
	return s.candidates[winner], true
}

// Recombine draws a candidate, applies its recombinator (with its
// mutator) to male and female, and tags both results with the winning
// cid so that credit assignment can later call Good/Bad by name.
func (s *FuzzingStrategy) Recombine(male, female *chromosome.Chromosome) (*chromosome.Chromosome, *chromosome.Chromosome, string, error) {
	candidate, ok := s.SelectCandidate()
	if !ok {
		return nil, nil, "", fmt.Errorf("strategy: no candidates available")
	}
	son, daughter := candidate.Recombinator.Recombine(male, female, candidate.Mutator)
	son.Fuzzer = candidate.CID
	daughter.Fuzzer = candidate.CID
	return son, daughter, candidate.CID, nil
}
