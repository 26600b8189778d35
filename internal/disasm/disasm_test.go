package disasm

import (
	"context"
	"io"
	"io/ioutil"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDisassemblerDuplicatePanics(t *testing.T) {
	RegisterDisassembler("test-dup", func(string) Disassembler { return nil })
	assert.Panics(t, func() {
		RegisterDisassembler("test-dup", func(string) Disassembler { return nil })
	})
}

func TestLookupDisassemblerUnknown(t *testing.T) {
	_, err := LookupDisassembler("no-such-disassembler")
	assert.Error(t, err)
}

func TestLookupDisassemblerExternalIsRegistered(t *testing.T) {
	f, err := LookupDisassembler("external")
	require.NoError(t, err)
	require.NotNil(t, f("/bin/true"))
}

func TestDumpArgsBuildCommand(t *testing.T) {
	cmd, err := dumpArgs{Cmd: "disas", Module: "/bin/target", Out: "/tmp/out.dump"}.BuildCommand(context.Background())
	require.NoError(t, err)
	line := strings.Join(cmd.Args, " ")
	assert.Contains(t, line, "disas")
	assert.Contains(t, line, "/bin/target")
	assert.Contains(t, line, "/tmp/out.dump")
}

func TestWatchdogDisarmBeforeFireIsNoop(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()

	w := Arm(time.Hour, cmd)
	w.Disarm()
	// Disarming never panics and a second Disarm is safe.
	w.Disarm()
}

func TestWatchdogNilProcessNeverPanics(t *testing.T) {
	cmd := &exec.Cmd{}
	w := Arm(time.Millisecond, cmd)
	time.Sleep(10 * time.Millisecond)
	w.Disarm()
}

// fakeDisassembler returns a fixed dump for Setup to ingest, exercising
// the registry indirection without shelling out to a real binary.
type fakeDisassembler struct {
	dump string
}

func (f *fakeDisassembler) Dump(ctx context.Context, module, workDir string) (io.ReadCloser, error) {
	return ioutil.NopCloser(strings.NewReader(f.dump)), nil
}

func TestHarnessSetupPopulatesCaches(t *testing.T) {
	RegisterDisassembler("test-fake", func(string) Disassembler {
		return &fakeDisassembler{dump: "##BBLS##\n0x0,0x10,f1\n0x10,0x20,f2\n"}
	})

	h := NewHarness("target %s", []string{"/bin/target"}, time.Second, t.TempDir())
	require.NoError(t, h.Setup("test-fake", ""))

	cache, ok := h.Caches["target"]
	require.True(t, ok)
	assert.Equal(t, 2, cache.Count())
}

func TestHarnessSetupUnknownDisassemblerErrors(t *testing.T) {
	h := NewHarness("target %s", []string{"/bin/target"}, time.Second, t.TempDir())
	err := h.Setup("no-such-disassembler", "")
	assert.Error(t, err)
}
