// Package mutate implements the canonical byte-level operators that act
// on a single gene's payload. Every mutator is total: given data too
// short for the operation it requests, it returns data unchanged rather
// than panicking, so a fuzzing run never dies because a randomly chosen
// gene happened to be small.
package mutate

import (
	"bytes"
	"fmt"
	"math/rand"
	"regexp"
	"sort"
	"sync"

	"github.com/duskwave/genoma/internal/gene"
)

var (
	mu       sync.Mutex
	registry = make(map[string]gene.Mutator)
)

// Register adds a named mutator to the registry. It panics if name is
// already registered.
func Register(name string, m gene.Mutator) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("mutate: mutator %q already registered", name))
	}
	registry[name] = m
}

// Lookup returns the mutator registered under name.
func Lookup(name string) (gene.Mutator, error) {
	mu.Lock()
	defer mu.Unlock()
	m, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("mutate: no mutator registered for %q", name)
	}
	return m, nil
}

func init() {
	Register("RandomByte", RandomByte{})
	Register("AddRandomData", AddRandomData{})
	Register("RemoveByte", RemoveByte{})
	Register("DuplicateByte", DuplicateByte{})
	Register("ByteNullifier", ByteNullifier{})
	Register("SetHighBitFromByte", SetHighBitFromByte{})
	Register("IncreaseByOne", IncreaseByOne{})
	Register("DecreaseByOne", DecreaseByOne{})
	Register("ProgressiveIncrease", ProgressiveIncrease{})
	Register("ProgressiveDecrease", ProgressiveDecrease{})
	Register("SwapByte", SwapByte{})
	Register("SwapWord", SwapWord{})
	Register("SwapDword", SwapDword{})
	Register("RemoveLines", RemoveLines{})
	Register("RepeatLine", RepeatLine{})
	Register("SwapLines", SwapLines{})
	Register("SwapAdjacentLines", SwapAdjacentLines{})
	Register("QuotedTextualNumber", QuotedTextualNumber{})
	Register("Purge", Purge{})
	Register("Null", Null{})
}

// RandomByte overwrites n random positions with random bytes.
type RandomByte struct{}

func (RandomByte) Mutate(data []byte, n int) []byte {
	if len(data) < 2 {
		return data
	}
	fuzzed := append([]byte(nil), data...)
	for i := 0; i < n; i++ {
		fuzzed[rand.Intn(len(fuzzed))] = byte(rand.Intn(0x100))
	}
	return fuzzed
}

// AddRandomData inserts n random bytes at a random offset.
type AddRandomData struct{}

func (AddRandomData) Mutate(data []byte, n int) []byte {
	if n < 0 {
		n = 0
	}
	additional := make([]byte, n)
	for i := range additional {
		additional[i] = byte(rand.Intn(0x100))
	}
	index := rand.Intn(len(data) + 1)
	out := make([]byte, 0, len(data)+n)
	out = append(out, data[:index]...)
	out = append(out, additional...)
	out = append(out, data[index:]...)
	return out
}

// RemoveByte removes one byte at a random offset.
type RemoveByte struct{}

func (RemoveByte) Mutate(data []byte, _ int) []byte {
	if len(data) == 0 {
		return data
	}
	index := rand.Intn(len(data))
	out := make([]byte, 0, len(data)-1)
	out = append(out, data[:index]...)
	out = append(out, data[index+1:]...)
	return out
}

// DuplicateByte duplicates one byte at a random offset.
//
// When n is smaller than len(data), howmany grows to len(data); each of
// those iterations rebuilds its candidate from the input rather than
// the previous iteration's result, so only the last iteration's single
// duplication survives and the net effect is indistinguishable from
// running the operator once no matter how large howmany grows. The
// intended semantics of the growth are unclear; the loop is kept as is
// rather than changed to a cumulative duplication.
type DuplicateByte struct{}

func (DuplicateByte) Mutate(data []byte, n int) []byte {
	if len(data) == 0 {
		return data
	}
	howmany := n
	if len(data) > howmany {
		howmany = len(data)
	}
	var fuzzed []byte
	for i := 0; i < howmany; i++ {
		index := rand.Intn(len(data))
		b := data[index]
		out := make([]byte, 0, len(data)+1)
		out = append(out, data[:index]...)
		out = append(out, b)
		out = append(out, data[index:]...)
		fuzzed = out
	}
	return fuzzed
}

// ByteNullifier replaces one byte with 0x00.
type ByteNullifier struct{}

func (ByteNullifier) Mutate(data []byte, _ int) []byte {
	if len(data) == 0 {
		return data
	}
	index := rand.Intn(len(data))
	fuzzed := append([]byte(nil), data...)
	fuzzed[index] = 0x00
	return fuzzed
}

// SetHighBitFromByte ORs 0x80 into one random byte.
type SetHighBitFromByte struct{}

func (SetHighBitFromByte) Mutate(data []byte, _ int) []byte {
	if len(data) == 0 {
		return data
	}
	index := rand.Intn(len(data))
	fuzzed := append([]byte(nil), data...)
	fuzzed[index] |= 0x80
	return fuzzed
}

// IncreaseByOne adds one to n random bytes, wrapping 0xFF to 0x00.
type IncreaseByOne struct{}

func (IncreaseByOne) Mutate(data []byte, n int) []byte {
	if len(data) == 0 {
		return data
	}
	howmany := n
	if len(data) < howmany {
		howmany = rand.Intn(len(data)) + 1
	}
	fuzzed := append([]byte(nil), data...)
	for i := 0; i < howmany; i++ {
		index := rand.Intn(len(fuzzed))
		if fuzzed[index] != 0xFF {
			fuzzed[index]++
		} else {
			fuzzed[index] = 0x00
		}
	}
	return fuzzed
}

// DecreaseByOne subtracts one from n random bytes, wrapping 0x00 to
// 0xFF. When len(data) < n, howmany is redrawn in [0, len(data)-1];
// the redraw can land on zero, making the mutator a no-op for that
// call.
type DecreaseByOne struct{}

func (DecreaseByOne) Mutate(data []byte, n int) []byte {
	if len(data) == 0 {
		return data
	}
	howmany := n
	if len(data) < howmany {
		howmany = rand.Intn(len(data))
	}
	fuzzed := append([]byte(nil), data...)
	for i := 0; i < howmany; i++ {
		index := rand.Intn(len(fuzzed))
		if fuzzed[index] != 0x00 {
			fuzzed[index]--
		} else {
			fuzzed[index] = 0xFF
		}
	}
	return fuzzed
}

// ProgressiveIncrease adds i to the i-th byte of a contiguous n-byte
// window, wrapping past 0xFF by subtracting 0xFF from the sum instead of
// masking to a byte.
type ProgressiveIncrease struct{}

func (ProgressiveIncrease) Mutate(data []byte, n int) []byte {
	if n <= 0 || len(data) < n {
		return data
	}
	index := rand.Intn(len(data) - n + 1)
	fuzzed := append([]byte(nil), data...)
	for addend := 0; addend < n; addend++ {
		curr := index + addend
		v := int(fuzzed[curr]) + addend
		if v > 0xFF {
			v -= 0xFF
		}
		fuzzed[curr] = byte(v)
	}
	return fuzzed
}

// ProgressiveDecrease subtracts i from the i-th byte of a contiguous
// n-byte window; when the subtrahend exceeds the byte's value the result
// is subtrahend-minus-value rather than a wrapped negative.
type ProgressiveDecrease struct{}

func (ProgressiveDecrease) Mutate(data []byte, n int) []byte {
	if n <= 0 || len(data) < n {
		return data
	}
	index := rand.Intn(len(data) - n + 1)
	fuzzed := append([]byte(nil), data...)
	for sub := 0; sub < n; sub++ {
		curr := index + sub
		v := int(fuzzed[curr])
		if v >= sub {
			fuzzed[curr] = byte(v - sub)
		} else {
			fuzzed[curr] = byte(sub - v)
		}
	}
	return fuzzed
}

func swapSpan(data []byte, width int) []byte {
	if len(data) < width*2 {
		return data
	}
	rnd1 := rand.Intn(len(data) - width + 1)
	var rnd2 int
	switch {
	case rnd1 >= width:
		rnd2 = rand.Intn(rnd1 - width + 1)
	case rnd1+width <= len(data)-width:
		rnd2 = rnd1 + width + rand.Intn(len(data)-width-(rnd1+width)+1)
	default:
		return data
	}
	minR, maxR := rnd1, rnd2
	if minR > maxR {
		minR, maxR = maxR, minR
	}
	out := append([]byte(nil), data...)
	span1 := append([]byte(nil), out[minR:minR+width]...)
	span2 := append([]byte(nil), out[maxR:maxR+width]...)
	copy(out[minR:minR+width], span2)
	copy(out[maxR:maxR+width], span1)
	return out
}

// SwapByte swaps two non-overlapping single bytes at random positions.
type SwapByte struct{}

func (SwapByte) Mutate(data []byte, _ int) []byte { return swapSpan(data, 1) }

// SwapWord swaps two non-overlapping 2-byte spans at random positions.
type SwapWord struct{}

func (SwapWord) Mutate(data []byte, _ int) []byte { return swapSpan(data, 2) }

// SwapDword swaps two non-overlapping 4-byte spans at random positions.
type SwapDword struct{}

func (SwapDword) Mutate(data []byte, _ int) []byte { return swapSpan(data, 4) }

// RemoveLines deletes n randomly chosen lines. If data has fewer lines
// than n, the result is empty.
type RemoveLines struct{}

func (RemoveLines) Mutate(data []byte, n int) []byte {
	lines := bytes.Split(data, []byte("\n"))
	if len(lines) < n {
		return []byte{}
	}
	for i := 0; i < n; i++ {
		idx := rand.Intn(len(lines))
		lines = append(lines[:idx], lines[idx+1:]...)
	}
	return bytes.Join(lines, []byte("\n"))
}

// RepeatLine duplicates one randomly chosen line n times in place.
type RepeatLine struct{}

func (RepeatLine) Mutate(data []byte, n int) []byte {
	lines := bytes.Split(data, []byte("\n"))
	if len(lines) < 1 {
		return data
	}
	index := rand.Intn(len(lines))
	target := lines[index]
	for i := 0; i < n; i++ {
		out := make([][]byte, 0, len(lines)+1)
		out = append(out, lines[:index]...)
		out = append(out, target)
		out = append(out, lines[index:]...)
		lines = out
	}
	return bytes.Join(lines, []byte("\n"))
}

// SwapLines swaps two lines, both chosen from the lines before the last.
type SwapLines struct{}

func (SwapLines) Mutate(data []byte, _ int) []byte {
	lines := bytes.Split(data, []byte("\n"))
	if len(lines) < 2 {
		return data
	}
	i1 := rand.Intn(len(lines) - 1)
	i2 := rand.Intn(len(lines) - 1)
	lines[i1], lines[i2] = lines[i2], lines[i1]
	return bytes.Join(lines, []byte("\n"))
}

// SwapAdjacentLines swaps n randomly chosen adjacent line pairs.
type SwapAdjacentLines struct{}

func (SwapAdjacentLines) Mutate(data []byte, n int) []byte {
	lines := bytes.Split(data, []byte("\n"))
	if len(lines) < 3 {
		return data
	}
	for i := 0; i < n; i++ {
		idx := rand.Intn(len(lines) - 1)
		lines[idx], lines[idx+1] = lines[idx+1], lines[idx]
	}
	return bytes.Join(lines, []byte("\n"))
}

var quotedNumber = regexp.MustCompile(`"[0-9]+"`)

// QuotedTextualNumber replaces up to n quoted decimal numbers with a
// random uint32, processed right-to-left so that earlier match offsets
// stay valid as later ones are rewritten.
type QuotedTextualNumber struct{}

func (QuotedTextualNumber) Mutate(data []byte, n int) []byte {
	matches := quotedNumber.FindAllIndex(data, -1)
	if len(matches) == 0 || n == 0 {
		return data
	}
	if len(matches) < n {
		n = len(matches)
	}

	chosen := append([][]int(nil), matches...)
	rand.Shuffle(len(chosen), func(i, j int) { chosen[i], chosen[j] = chosen[j], chosen[i] })
	chosen = chosen[:n]
	sort.Slice(chosen, func(i, j int) bool { return chosen[i][0] > chosen[j][0] })

	fuzzed := append([]byte(nil), data...)
	for _, span := range chosen {
		replacement := []byte(fmt.Sprintf("\"%d\"", rand.Uint32()))
		out := make([]byte, 0, len(fuzzed)-span[1]+span[0]+len(replacement))
		out = append(out, fuzzed[:span[0]]...)
		out = append(out, replacement...)
		out = append(out, fuzzed[span[1]:]...)
		fuzzed = out
	}
	return fuzzed
}

// Purge deletes everything.
type Purge struct{}

func (Purge) Mutate(_ []byte, _ int) []byte { return []byte{} }

// Null does nothing.
type Null struct{}

func (Null) Mutate(data []byte, _ int) []byte { return data }
