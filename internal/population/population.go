// Package population holds the two generations (previous and current)
// that make up one campaign's live gene pool, the per-image leader table
// used for elitist selection, and the naive selector used to draw
// mutation/recombination couples from a generation.
package population

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"path/filepath"

	"modernc.org/kv"

	"github.com/duskwave/genoma/internal/blockcache"
	"github.com/duskwave/genoma/internal/chromosome"
	"github.com/duskwave/genoma/internal/ferrors"
	"github.com/duskwave/genoma/internal/trace"
)

// batchSize sets the commit cadence: one transaction held open across
// this many mutating calls, rather than one transaction per call.
const batchSize = 100

func marshalUID(uid uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uid)
	return buf[:]
}

func unmarshalUID(data []byte) uint64 {
	return binary.BigEndian.Uint64(data)
}

// Generation holds every chromosome belonging to one epoch, persisted in
// an ordered kv store scoped to the campaign directory (one store file
// per epoch) so the live in-memory object graph is ephemeral and safe to
// rebuild from disk after a crash.
type Generation struct {
	Epoch int
	Trace *trace.Trace

	db   *kv.DB
	path string

	maxMetrics map[string]float64
	minMetrics map[string]float64

	uids     []uint64
	selector *naiveSelector
	inTx     bool
	txCount  int
}

func dbPath(dir string, epoch int) string {
	return filepath.Join(dir, fmt.Sprintf("gen-%d.db", epoch))
}

// NewGeneration creates a fresh, empty generation store for epoch.
func NewGeneration(dir string, epoch int) (*Generation, error) {
	db, err := kv.Create(dbPath(dir, epoch), &kv.Options{Compare: bytes.Compare})
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Analysis, fmt.Errorf("population: creating generation %d store: %w", epoch, err))
	}
	return &Generation{
		Epoch:      epoch,
		Trace:      trace.New(),
		db:         db,
		path:       dbPath(dir, epoch),
		maxMetrics: make(map[string]float64),
		minMetrics: make(map[string]float64),
	}, nil
}

// OpenGeneration reopens an existing on-disk generation store, rebuilding
// the in-memory uid index, metric bounds, and accumulated trace by
// scanning every record.
func OpenGeneration(dir string, epoch int) (*Generation, error) {
	db, err := kv.Open(dbPath(dir, epoch), &kv.Options{Compare: bytes.Compare})
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Analysis, fmt.Errorf("population: opening generation %d store: %w", epoch, err))
	}
	g := &Generation{
		Epoch:      epoch,
		Trace:      trace.New(),
		db:         db,
		path:       dbPath(dir, epoch),
		maxMetrics: make(map[string]float64),
		minMetrics: make(map[string]float64),
	}

	it, err := db.SeekFirst()
	if err != nil {
		if err == io.EOF {
			return g, nil
		}
		return nil, ferrors.Wrap(ferrors.Analysis, err)
	}
	for {
		k, v, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, ferrors.Wrap(ferrors.Analysis, err)
		}
		g.uids = append(g.uids, unmarshalUID(k))
		c, err := chromosome.Loads(v)
		if err != nil {
			return nil, ferrors.Wrap(ferrors.Analysis, err)
		}
		for name, val := range c.Metrics {
			g.updateMetricBounds(name, val)
		}
		if c.Trace != nil {
			g.Trace.Update(c.Trace)
		}
	}
	return g, nil
}

// Close flushes any pending transaction and closes the underlying store.
func (g *Generation) Close() error {
	if err := g.Flush(); err != nil {
		return err
	}
	return g.db.Close()
}

// Flush commits any transaction left open by batched Set/Delete calls.
func (g *Generation) Flush() error {
	if !g.inTx {
		return nil
	}
	g.inTx = false
	return g.db.Commit()
}

func (g *Generation) beginIfNeeded() error {
	if g.inTx {
		return nil
	}
	if err := g.db.BeginTransaction(); err != nil {
		return err
	}
	g.inTx = true
	return nil
}

func (g *Generation) commitIfBatchFull() error {
	g.txCount++
	if g.txCount%batchSize != 0 {
		return nil
	}
	return g.Flush()
}

// Len returns the number of chromosomes held in the generation.
func (g *Generation) Len() int { return len(g.uids) }

// Contains reports whether uid has been added to the generation.
func (g *Generation) Contains(uid uint64) bool {
	for _, u := range g.uids {
		if u == uid {
			return true
		}
	}
	return false
}

// UIDs returns the generation's chromosome identifiers.
func (g *Generation) UIDs() []uint64 {
	return append([]uint64(nil), g.uids...)
}

// Set persists c, adding its uid to the generation if new.
func (g *Generation) Set(c *chromosome.Chromosome) error {
	blob, err := c.Dumps()
	if err != nil {
		return fmt.Errorf("population: dumping chromosome %d: %w", c.UID, err)
	}
	if err := g.beginIfNeeded(); err != nil {
		return err
	}
	if err := g.db.Set(marshalUID(c.UID), blob); err != nil {
		return err
	}
	if !g.Contains(c.UID) {
		g.uids = append(g.uids, c.UID)
	}
	return g.commitIfBatchFull()
}

// Get reconstructs the chromosome stored under uid.
func (g *Generation) Get(uid uint64) (*chromosome.Chromosome, error) {
	v, err := g.db.Get(nil, marshalUID(uid))
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ferrors.New(ferrors.Analysis, fmt.Sprintf("population: no chromosome %d in generation %d", uid, g.Epoch))
	}
	return chromosome.Loads(v)
}

// GetAll reconstructs every chromosome in the generation.
func (g *Generation) GetAll() ([]*chromosome.Chromosome, error) {
	all := make([]*chromosome.Chromosome, 0, len(g.uids))
	for _, uid := range g.uids {
		c, err := g.Get(uid)
		if err != nil {
			return nil, err
		}
		all = append(all, c)
	}
	return all, nil
}

// Delete removes uid from the generation.
func (g *Generation) Delete(uid uint64) error {
	if err := g.beginIfNeeded(); err != nil {
		return err
	}
	if err := g.db.Delete(marshalUID(uid)); err != nil {
		return err
	}
	for i, u := range g.uids {
		if u == uid {
			g.uids = append(g.uids[:i], g.uids[i+1:]...)
			break
		}
	}
	return g.commitIfBatchFull()
}

// Extend adds every chromosome in chroms to the generation.
func (g *Generation) Extend(chroms map[uint64]*chromosome.Chromosome) error {
	for _, c := range chroms {
		if err := g.Set(c); err != nil {
			return err
		}
	}
	return nil
}

// SetFitness updates the stored fitness of the chromosome identified by
// uid.
func (g *Generation) SetFitness(uid uint64, fitness float64) error {
	c, err := g.Get(uid)
	if err != nil {
		return err
	}
	c.Fitness = fitness
	return g.Set(c)
}

// SetMetrics updates the stored metrics of the chromosome identified by
// uid and folds them into the generation's running min/max bounds.
func (g *Generation) SetMetrics(uid uint64, metrics map[string]float64) error {
	c, err := g.Get(uid)
	if err != nil {
		return err
	}
	c.Metrics = metrics
	if err := g.Set(c); err != nil {
		return err
	}
	for name, val := range metrics {
		g.updateMetricBounds(name, val)
	}
	return nil
}

func (g *Generation) updateMetricBounds(name string, val float64) {
	if cur, ok := g.maxMetrics[name]; !ok || val > cur {
		g.maxMetrics[name] = val
	}
	if cur, ok := g.minMetrics[name]; !ok || val < cur {
		g.minMetrics[name] = val
	}
}

// ResetMetricBounds clears the generation's running min/max registry, so
// the next epoch's normalization starts from a fresh scale rather than
// carrying over the first epoch's bounds.
func (g *Generation) ResetMetricBounds() {
	g.maxMetrics = make(map[string]float64)
	g.minMetrics = make(map[string]float64)
}

// MaxMetric returns the largest value observed for a named metric.
func (g *Generation) MaxMetric(name string) (float64, bool) {
	v, ok := g.maxMetrics[name]
	return v, ok
}

// MinMetric returns the smallest value observed for a named metric.
func (g *Generation) MinMetric(name string) (float64, bool) {
	v, ok := g.minMetrics[name]
	return v, ok
}

// AddTrace attaches t to the chromosome identified by uid and folds it
// into the generation's accumulated trace.
func (g *Generation) AddTrace(uid uint64, t *trace.Trace) error {
	c, err := g.Get(uid)
	if err != nil {
		return err
	}
	c.Trace = t
	if err := g.Set(c); err != nil {
		return err
	}
	g.Trace.Update(t)
	return nil
}

// Select draws a chromosome from the generation using a naive selector
// built lazily from the generation's uid set on first call, returning
// nil once every uid has been drawn at least once.
func (g *Generation) Select() (*chromosome.Chromosome, error) {
	if g.selector == nil {
		g.selector = newNaiveSelector(g.uids)
	}
	if g.selector.isDone() {
		return nil, nil
	}
	uid, ok := g.selector.sselect()
	if !ok {
		return nil, nil
	}
	return g.Get(uid)
}

// naiveSelector draws uids with replacement, weighting against uids that
// have already been drawn more often, until every uid has been drawn at
// least once.
type naiveSelector struct {
	order  []uint64
	counts map[uint64]int
}

func newNaiveSelector(uids []uint64) *naiveSelector {
	s := &naiveSelector{counts: make(map[uint64]int, len(uids))}
	for _, u := range uids {
		s.order = append(s.order, u)
		s.counts[u] = 0
	}
	return s
}

func (s *naiveSelector) isDone() bool {
	for _, c := range s.counts {
		if c == 0 {
			return false
		}
	}
	return true
}

// unfairCoinflip returns true with probability 1/(prob+1).
func unfairCoinflip(prob int) bool {
	if prob < 0 {
		prob = 0
	}
	return rand.Intn(prob+1) == prob
}

func (s *naiveSelector) sselect() (uint64, bool) {
	if len(s.order) == 0 {
		return 0, false
	}
	for {
		uid := s.order[rand.Intn(len(s.order))]
		if unfairCoinflip(s.counts[uid]) {
			s.counts[uid]++
			return uid, true
		}
	}
}

// Population holds the previous and current generations of one campaign
// and the per-image, per-basic-block leader table used for elitist
// selection across epochs.
type Population struct {
	dir   string
	Epoch int

	Previous *Generation
	Current  *Generation

	imageLeaders map[string]map[int]*chromosome.Chromosome
}

// New creates epoch 0 of a campaign's population, seeding the leader
// table with every basic block known to caches (one per image).
func New(dir string, caches map[string]*blockcache.Cache) (*Population, error) {
	cur, err := NewGeneration(dir, 0)
	if err != nil {
		return nil, err
	}
	p := &Population{
		dir:          dir,
		Current:      cur,
		imageLeaders: make(map[string]map[int]*chromosome.Chromosome, len(caches)),
	}
	for img, cache := range caches {
		leaders := make(map[int]*chromosome.Chromosome, cache.Count())
		for _, b := range cache.Blocks() {
			leaders[b.Start] = nil
		}
		p.imageLeaders[img] = leaders
	}
	return p, nil
}

// Exists reports whether uid belongs to either generation.
func (p *Population) Exists(uid uint64) bool {
	if p.Current != nil && p.Current.Contains(uid) {
		return true
	}
	if p.Previous != nil && p.Previous.Contains(uid) {
		return true
	}
	return false
}

// AddChromosome adds c to the current generation unless its uid is
// already present there.
func (p *Population) AddChromosome(c *chromosome.Chromosome) error {
	if p.Current.Contains(c.UID) {
		return nil
	}
	return p.Current.Set(c)
}

// NextCoupleFromCurrent draws one breeding pair from the current
// generation. ok is false once the generation's selector is exhausted.
func (p *Population) NextCoupleFromCurrent(different bool) (male, female *chromosome.Chromosome, ok bool, err error) {
	return nextCouple(p.Current, different)
}

// NextCoupleFromPrevious draws one breeding pair from the previous
// generation.
func (p *Population) NextCoupleFromPrevious(different bool) (male, female *chromosome.Chromosome, ok bool, err error) {
	if p.Previous == nil {
		return nil, nil, false, nil
	}
	return nextCouple(p.Previous, different)
}

func nextCouple(g *Generation, different bool) (male, female *chromosome.Chromosome, ok bool, err error) {
	male, err = g.Select()
	if err != nil {
		return nil, nil, false, err
	}
	female, err = g.Select()
	if err != nil {
		return nil, nil, false, err
	}
	if different {
		for male != nil && female != nil && female.UID == male.UID {
			female, err = g.Select()
			if err != nil {
				return nil, nil, false, err
			}
		}
	}
	if male == nil || female == nil {
		return nil, nil, false, nil
	}
	return male, female, true, nil
}

// NewEpoch flushes the current generation, retires it to Previous, and
// installs newgen (or a freshly created one) as the new Current. The
// outgoing Previous generation's store is closed; by the time an epoch
// retires twice, nothing reads from it again.
func (p *Population) NewEpoch(newgen *Generation) (*Generation, error) {
	if err := p.Current.Flush(); err != nil {
		return nil, err
	}
	if p.Previous != nil {
		if err := p.Previous.Close(); err != nil {
			return nil, err
		}
	}
	p.Epoch++
	p.Previous = p.Current
	if newgen != nil {
		p.Current = newgen
		return p.Current, nil
	}
	g, err := NewGeneration(p.dir, p.Epoch)
	if err != nil {
		return nil, err
	}
	p.Current = g
	return p.Current, nil
}

// Elitism updates the per-basic-block leader table from every chromosome
// in the current generation, then starts a new epoch whose generation
// holds exactly the surviving leaders, deduplicated by uid.
func (p *Population) Elitism() (*Generation, error) {
	all, err := p.Current.GetAll()
	if err != nil {
		return nil, err
	}

	for _, chromo := range all {
		if chromo.Trace == nil {
			continue
		}
		for _, img := range chromo.Trace.Images {
			leaders, ok := p.imageLeaders[img]
			if !ok {
				continue
			}
			for bbl := range chromo.Trace.Set(img) {
				leader, tracked := leaders[bbl]
				if !tracked {
					continue
				}
				switch {
				case leader == nil:
					leaders[bbl] = chromo
				case leader.Fitness < chromo.Fitness:
					leaders[bbl] = chromo
				case leader.Fitness == chromo.Fitness && leader.Trace.Total() < chromo.Trace.Total():
					leaders[bbl] = chromo
				}
			}
		}
	}

	elite := make(map[uint64]*chromosome.Chromosome)
	for _, leaders := range p.imageLeaders {
		for _, chromo := range leaders {
			if chromo != nil {
				elite[chromo.UID] = chromo
			}
		}
	}

	newGen, err := p.NewEpoch(nil)
	if err != nil {
		return nil, err
	}
	if err := newGen.Extend(elite); err != nil {
		return nil, err
	}
	for _, chromo := range elite {
		newGen.Trace.Update(chromo.Trace)
		if err := newGen.SetMetrics(chromo.UID, chromo.Metrics); err != nil {
			return nil, err
		}
	}
	return newGen, nil
}
