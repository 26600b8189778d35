// Package campaign manages a fuzzing campaign's on-disk workspace: seed
// staging, the crash archive, generation dumps kept for offline
// inspection, and the shared-directory protocol used to exchange elite
// chromosomes with peer instances of the fuzzer.
package campaign

import (
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/snappy"

	"github.com/duskwave/genoma/internal/chromosome"
	"github.com/duskwave/genoma/internal/population"
)

// Workspace is one campaign's on-disk state, rooted at Dir.
type Workspace struct {
	Dir string

	logFile *os.File

	// emitted and ingested track, by shared filename, which peer-
	// exchange entries this instance has already written or read, so
	// repeat epochs do not reprocess the same file. This bookkeeping
	// lives only in memory for the life of the process.
	emitted  map[string]bool
	ingested map[string]bool
}

// New creates (or reopens) the workspace rooted at dir, with seeds/,
// staging/, crashes/, and generations/ subdirectories, and tees log
// output to a log.txt file inside dir.
func New(dir string) (*Workspace, error) {
	for _, sub := range []string{"seeds", "staging", "crashes", "generations"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("campaign: creating %s: %w", sub, err)
		}
	}
	logFile, err := os.OpenFile(filepath.Join(dir, "log.txt"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("campaign: opening log.txt: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, logFile))

	return &Workspace{
		Dir:      dir,
		logFile:  logFile,
		emitted:  make(map[string]bool),
		ingested: make(map[string]bool),
	}, nil
}

// Close releases the workspace's log file.
func (w *Workspace) Close() error {
	return w.logFile.Close()
}

// StagingDir holds per-run input files and named pipes.
func (w *Workspace) StagingDir() string { return filepath.Join(w.Dir, "staging") }

// SeedsDir holds the copied initial population.
func (w *Workspace) SeedsDir() string { return filepath.Join(w.Dir, "seeds") }

// CrashDir holds chromosomes that crashed the target.
func (w *Workspace) CrashDir() string { return filepath.Join(w.Dir, "crashes") }

// GenerationsDir holds per-epoch dumps of elite chromosomes, written when
// configuration requests KeepGenerations.
func (w *Workspace) GenerationsDir() string { return filepath.Join(w.Dir, "generations") }

// CopySeeds copies every regular file in src into the workspace's seed
// directory and returns the copied paths.
func (w *Workspace) CopySeeds(src string) ([]string, error) {
	entries, err := ioutil.ReadDir(src)
	if err != nil {
		return nil, fmt.Errorf("campaign: reading seed directory %s: %w", src, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := ioutil.ReadFile(filepath.Join(src, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("campaign: reading seed %s: %w", e.Name(), err)
		}
		dst := filepath.Join(w.SeedsDir(), e.Name())
		if err := ioutil.WriteFile(dst, data, 0o644); err != nil {
			return nil, fmt.Errorf("campaign: staging seed %s: %w", e.Name(), err)
		}
		paths = append(paths, dst)
	}
	return paths, nil
}

// atomicWrite writes data to path by writing a sibling temp file and
// renaming it into place, so a peer reading the shared directory never
// observes a partially written file.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := ioutil.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// RecordCrash dumps c to the crash archive, keyed by uid.
func (w *Workspace) RecordCrash(c *chromosome.Chromosome) error {
	blob, err := c.Dumps()
	if err != nil {
		return fmt.Errorf("campaign: dumping crashed chromosome %d: %w", c.UID, err)
	}
	path := filepath.Join(w.CrashDir(), fmt.Sprintf("%d", c.UID))
	return atomicWrite(path, blob)
}

// DumpGeneration writes every chromosome in g to a per-epoch directory
// under GenerationsDir, for offline inspection by cmd/lineage.
func (w *Workspace) DumpGeneration(g *population.Generation) error {
	chroms, err := g.GetAll()
	if err != nil {
		return fmt.Errorf("campaign: listing generation %d: %w", g.Epoch, err)
	}
	dir := filepath.Join(w.GenerationsDir(), fmt.Sprintf("%d", g.Epoch))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("campaign: creating generation %d dump dir: %w", g.Epoch, err)
	}
	for _, c := range chroms {
		blob, err := c.Dumps()
		if err != nil {
			return fmt.Errorf("campaign: dumping chromosome %d: %w", c.UID, err)
		}
		if err := atomicWrite(filepath.Join(dir, fmt.Sprintf("%d.chrom", c.UID)), blob); err != nil {
			return fmt.Errorf("campaign: writing chromosome %d: %w", c.UID, err)
		}
	}
	return nil
}

// EmitElite writes snappy-compressed side-channel dumps of chroms into
// shared, skipping any this instance has already emitted. A blank shared
// disables peer exchange entirely.
func (w *Workspace) EmitElite(shared string, chroms []*chromosome.Chromosome) error {
	if shared == "" {
		return nil
	}
	if err := os.MkdirAll(shared, 0o755); err != nil {
		return fmt.Errorf("campaign: creating shared directory: %w", err)
	}
	for _, c := range chroms {
		name := fmt.Sprintf("%d.chrom", c.UID)
		if w.emitted[name] {
			continue
		}
		blob, err := c.Dumps()
		if err != nil {
			return fmt.Errorf("campaign: dumping elite chromosome %d: %w", c.UID, err)
		}
		compressed := snappy.Encode(nil, blob)
		if err := atomicWrite(filepath.Join(shared, name), compressed); err != nil {
			return fmt.Errorf("campaign: emitting elite chromosome %d: %w", c.UID, err)
		}
		w.emitted[name] = true
		w.ingested[name] = true
	}
	return nil
}

// IngestElite reads every entry in shared this instance has neither
// emitted nor already ingested, decompresses and decodes it, and returns
// the resulting chromosomes. A blank shared disables peer exchange
// entirely.
func (w *Workspace) IngestElite(shared string) ([]*chromosome.Chromosome, error) {
	if shared == "" {
		return nil, nil
	}
	entries, err := ioutil.ReadDir(shared)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("campaign: reading shared directory: %w", err)
	}
	var out []*chromosome.Chromosome
	for _, e := range entries {
		if e.IsDir() || w.ingested[e.Name()] || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		data, err := ioutil.ReadFile(filepath.Join(shared, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("campaign: reading shared entry %s: %w", e.Name(), err)
		}
		raw, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("campaign: decompressing shared entry %s: %w", e.Name(), err)
		}
		c, err := chromosome.Loads(raw)
		if err != nil {
			return nil, fmt.Errorf("campaign: decoding shared entry %s: %w", e.Name(), err)
		}
		out = append(out, c)
		w.ingested[e.Name()] = true
	}
	return out, nil
}
