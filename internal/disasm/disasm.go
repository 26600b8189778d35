// Package disasm drives the two external collaborators the tracer
// harness depends on: a disassembler that turns a target module into a
// sectioned basic-block dump, and a coverage instrumentation tool that
// runs the target and reports the basic blocks it executed over a named
// pipe. The disassembler's command line is built from a struct-tagged
// option record via github.com/biogo/external; the instrumentation
// tool's command line comes from the Harness's Command template. The
// instrumentation run is watched by a one-shot timer that cooperatively signals the tool to
// flush and exit rather than killing it.
package disasm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/biogo/external"

	"github.com/duskwave/genoma/internal/blockcache"
	"github.com/duskwave/genoma/internal/chromosome"
	"github.com/duskwave/genoma/internal/ferrors"
	"github.com/duskwave/genoma/internal/trace"
)

// Disassembler produces the textual basic-block dump for one module.
type Disassembler interface {
	Dump(ctx context.Context, module, workDir string) (io.ReadCloser, error)
}

// Factory builds a Disassembler bound to the binary at path.
type Factory func(path string) Disassembler

var (
	mu       sync.Mutex
	registry = make(map[string]Factory)
)

// RegisterDisassembler adds a named disassembler factory to the
// registry. It panics if name is already registered.
func RegisterDisassembler(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("disasm: disassembler %q already registered", name))
	}
	registry[name] = f
}

// LookupDisassembler returns the factory registered under name.
func LookupDisassembler(name string) (Factory, error) {
	mu.Lock()
	defer mu.Unlock()
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("disasm: no disassembler registered for %q", name)
	}
	return f, nil
}

func init() {
	RegisterDisassembler("external", func(path string) Disassembler { return &externalDisassembler{bin: path} })
}

// dumpArgs is the struct-tagged command line for the external
// disassembler, in the style of blast.MakeDB/blast.Nucleic.
type dumpArgs struct {
	Cmd    string `buildarg:"{{.}}"`
	Module string `buildarg:"-m{{split}}{{.}}"`
	Out    string `buildarg:"-o{{split}}{{.}}"`
}

// dumpArgsFields mirrors dumpArgs' fields (and their buildarg tags) under
// a distinct type so it can satisfy external.CommandBuilder's BuildCommand()
// signature without colliding with dumpArgs' own context-aware BuildCommand.
type dumpArgsFields dumpArgs

func (dumpArgsFields) BuildCommand() (*exec.Cmd, error) { return nil, nil }

func (a dumpArgs) BuildCommand(ctx context.Context) (*exec.Cmd, error) {
	cl := external.Must(external.Build(dumpArgsFields(a)))
	return exec.CommandContext(ctx, cl[0], cl[1:]...), nil
}

// externalDisassembler shells out to a configured disassembler binary,
// one process per module, writing its dump to a file in workDir.
type externalDisassembler struct {
	bin string
}

func (d *externalDisassembler) Dump(ctx context.Context, module, workDir string) (io.ReadCloser, error) {
	out := filepath.Join(workDir, filepath.Base(module)+".dump")
	cmd, err := dumpArgs{Cmd: d.bin, Module: module, Out: out}.BuildCommand(ctx)
	if err != nil {
		return nil, fmt.Errorf("disasm: building command: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("disasm: running %s on %s: %w: %s", d.bin, module, err, stderr.String())
	}
	f, err := os.Open(out)
	if err != nil {
		return nil, fmt.Errorf("disasm: opening dump %s: %w", out, err)
	}
	return f, nil
}

// flushSignal is sent to the instrumentation subprocess when the
// watchdog fires. The instrumentation tool is expected to observe it,
// dump its accumulated trace, and exit on its own; this driver never
// kills the process.
const flushSignal = syscall.SIGUSR1

// Watchdog arms a one-shot timer that cooperatively signals a subprocess
// to finish early. It is safe to Disarm concurrently with the timer
// firing: whichever happens first wins, and the loser is a no-op.
type Watchdog struct {
	timer *time.Timer
	mu    sync.Mutex
	done  bool
}

// Arm schedules the watchdog to signal cmd's process after timeout, if
// it has not already exited (guarded against cmd.Process being nil,
// which would indicate the process never started).
func Arm(timeout time.Duration, cmd *exec.Cmd) *Watchdog {
	w := &Watchdog{}
	w.timer = time.AfterFunc(timeout, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.done {
			return
		}
		w.done = true
		if cmd.Process != nil {
			// An ESRCH here means the process already exited; the
			// watchdog and a natural exit raced and exit won, which is
			// the expected no-op outcome, not an error worth surfacing.
			_ = cmd.Process.Signal(flushSignal)
		}
	})
	return w
}

// Disarm cancels the watchdog if it has not already fired.
func (w *Watchdog) Disarm() {
	w.timer.Stop()
	w.mu.Lock()
	w.done = true
	w.mu.Unlock()
}

// Harness orchestrates one analysis run: writing a chromosome's
// serialized bytes to a staging file, creating a named pipe, launching
// the target under the coverage-instrumentation driver, and parsing the
// binary trace it reports.
type Harness struct {
	// Command is the shell template with one %s for the staging file
	// path, naming the coverage-instrumentation driver and the target.
	Command string
	// Whitelist holds the absolute paths of the modules to instrument.
	Whitelist []string
	// Timeout bounds one analysis run; the watchdog fires after it
	// elapses.
	Timeout time.Duration

	// WorkDir holds staging files and named pipes for the life of the
	// campaign.
	WorkDir string

	// Caches holds one BlockCache per whitelisted module, keyed by base
	// filename, populated by Setup.
	Caches map[string]*blockcache.Cache
}

// NewHarness returns a Harness ready for Setup.
func NewHarness(command string, whitelist []string, timeout time.Duration, workDir string) *Harness {
	return &Harness{
		Command:   command,
		Whitelist: whitelist,
		Timeout:   timeout,
		WorkDir:   workDir,
		Caches:    make(map[string]*blockcache.Cache, len(whitelist)),
	}
}

// Setup disassembles every whitelisted module with the named
// disassembler and ingests its basic-block dump into h.Caches.
func (h *Harness) Setup(disassembler, disassemblerPath string) error {
	factory, err := LookupDisassembler(disassembler)
	if err != nil {
		return ferrors.Wrap(ferrors.Configuration, err)
	}
	d := factory(disassemblerPath)
	ctx := context.Background()
	for _, module := range h.Whitelist {
		rc, err := d.Dump(ctx, module, h.WorkDir)
		if err != nil {
			return ferrors.Wrap(ferrors.Configuration, err)
		}
		cache := blockcache.New()
		err = cache.ParseDump(rc)
		rc.Close()
		if err != nil {
			return ferrors.Wrap(ferrors.Configuration, fmt.Errorf("disasm: parsing dump for %s: %w", module, err))
		}
		h.Caches[filepath.Base(module)] = cache
	}
	return nil
}

// Analyze serializes c via s, runs it through the coverage
// instrumentation driver, and returns the resulting Trace. A nil error
// with HasCrashed true means the run completed but the target crashed.
// An empty Command template yields a configuration error; every other
// returned error is an analysis error the caller may recover from by
// dropping the chromosome.
func (h *Harness) Analyze(c *chromosome.Chromosome, s chromosome.Serializer) (*trace.Trace, error) {
	data, err := c.Serialize(s)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Analysis, fmt.Errorf("serializing chromosome %d: %w", c.UID, err))
	}

	stagingPath := filepath.Join(h.WorkDir, fmt.Sprintf("%d.input", c.UID))
	if err := ioutil.WriteFile(stagingPath, data, 0o644); err != nil {
		return nil, ferrors.Wrap(ferrors.Analysis, fmt.Errorf("writing staging file: %w", err))
	}
	defer os.Remove(stagingPath)

	pipePath := filepath.Join(h.WorkDir, fmt.Sprintf("%d.pipe", c.UID))
	if err := syscall.Mkfifo(pipePath, 0o600); err != nil {
		return nil, ferrors.Wrap(ferrors.Analysis, fmt.Errorf("creating trace pipe: %w", err))
	}
	defer os.Remove(pipePath)

	line := fmt.Sprintf(h.Command, stagingPath)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, ferrors.Wrap(ferrors.Configuration, fmt.Errorf("empty Command template"))
	}
	args := append(append([]string(nil), fields[1:]...), pipePath)
	args = append(args, h.Whitelist...)
	cmd := exec.Command(fields[0], args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, ferrors.Wrap(ferrors.Analysis, fmt.Errorf("starting target: %w", err))
	}

	watchdog := Arm(h.Timeout, cmd)
	defer watchdog.Disarm()

	// Opening for read blocks until the instrumentation driver opens
	// its write end, matching a FIFO's rendezvous semantics.
	pipe, err := os.OpenFile(pipePath, os.O_RDONLY, 0)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, ferrors.Wrap(ferrors.Analysis, fmt.Errorf("opening trace pipe: %w", err))
	}
	t, readErr := trace.ReadFrame(bufio.NewReader(pipe), h.Caches)
	pipe.Close()

	if err := cmd.Wait(); err != nil {
		if readErr != nil {
			log.Printf("disasm: target exited with error after trace read failure: %v", err)
		}
	}
	if readErr != nil {
		return nil, readErr
	}
	return t, nil
}
