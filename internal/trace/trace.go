// Package trace models the coverage observed from one instrumented run
// and the binary pipe framing used to transport it from the coverage
// driver.
package trace

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/duskwave/genoma/internal/blockcache"
	"github.com/duskwave/genoma/internal/ferrors"
)

// normalExit is the bbl_offset value accompanying the termination
// sentinel that marks a clean run; any other value marks a crash.
const normalExit = 0xC

// terminator is the image_index sentinel that ends the trace stream.
const terminator = ^uint64(0)

// Trace holds the set of basic blocks hit per image during one run.
type Trace struct {
	Images     []string
	hit        map[string]map[int]struct{}
	total      int
	HasCrashed bool
}

// New returns an empty Trace.
func New() *Trace {
	return &Trace{hit: make(map[string]map[int]struct{})}
}

// AddImage registers img if it is not already known.
func (t *Trace) AddImage(img string) {
	if _, ok := t.hit[img]; ok {
		return
	}
	t.Images = append(t.Images, img)
	t.hit[img] = make(map[int]struct{})
}

// AddBBL records a hit at offset bbl within img, registering img first if
// necessary.
func (t *Trace) AddBBL(img string, bbl int) {
	t.AddImage(img)
	if _, ok := t.hit[img][bbl]; ok {
		return
	}
	t.hit[img][bbl] = struct{}{}
	t.total++
}

// Total is the count of basic-block events recorded, with multiplicity
// across images but not per individual repeated hit within an image.
func (t *Trace) Total() int {
	return t.total
}

// UniqueTotal is the sum, over all images, of the number of distinct
// basic blocks hit.
func (t *Trace) UniqueTotal() int {
	n := 0
	for _, s := range t.hit {
		n += len(s)
	}
	return n
}

// Set returns the set of offsets hit within img.
func (t *Trace) Set(img string) map[int]struct{} {
	return t.hit[img]
}

// Update merges other into t, unioning images and per-image sets and
// accumulating totals. It does not alter t.HasCrashed.
func (t *Trace) Update(other *Trace) {
	for _, img := range other.Images {
		t.AddImage(img)
		for bbl := range other.hit[img] {
			if _, ok := t.hit[img][bbl]; !ok {
				t.hit[img][bbl] = struct{}{}
				t.total++
			}
		}
	}
}

// DifferencePerImage returns, for every image in t, the set of offsets
// hit in t but not in other. t and other must share the same image set;
// images unknown to other are treated as having an empty set there.
func (t *Trace) DifferencePerImage(other *Trace) map[string]map[int]struct{} {
	diff := make(map[string]map[int]struct{}, len(t.Images))
	for _, img := range t.Images {
		d := make(map[int]struct{})
		others := other.hit[img]
		for bbl := range t.hit[img] {
			if _, ok := others[bbl]; !ok {
				d[bbl] = struct{}{}
			}
		}
		diff[img] = d
	}
	return diff
}

// Distance returns the fraction of t's hit blocks that other did not
// hit: 0 when t's coverage is a subset of other's, 1 when disjoint.
// Note the asymmetry: blocks only other hit do not count against t.
func (t *Trace) Distance(other *Trace) float64 {
	unique := t.UniqueTotal()
	if unique == 0 {
		return 0
	}
	diff := 0
	for _, s := range t.DifferencePerImage(other) {
		diff += len(s)
	}
	return float64(diff) / float64(unique)
}

// WriteFrame encodes t per the pipe-framed binary trace protocol and
// writes it to w.
func (t *Trace) WriteFrame(w io.Writer) error {
	if len(t.Images) > 0xFF {
		return fmt.Errorf("trace: too many images: %d", len(t.Images))
	}
	if err := binary.Write(w, binary.BigEndian, uint8(len(t.Images))); err != nil {
		return err
	}
	for _, img := range t.Images {
		if len(img) > 0xFFFF {
			return fmt.Errorf("trace: image name too long: %q", img)
		}
		if err := binary.Write(w, binary.LittleEndian, uint16(len(img))); err != nil {
			return err
		}
		if _, err := io.WriteString(w, img); err != nil {
			return err
		}
	}
	for idx, img := range t.Images {
		for bbl := range t.hit[img] {
			if err := binary.Write(w, binary.LittleEndian, uint64(idx)); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, uint64(bbl)); err != nil {
				return err
			}
		}
	}
	if err := binary.Write(w, binary.LittleEndian, terminator); err != nil {
		return err
	}
	exit := uint64(normalExit)
	if t.HasCrashed {
		exit = normalExit + 1
	}
	return binary.Write(w, binary.LittleEndian, exit)
}

// ReadFrame decodes a pipe-framed binary trace stream from r, looking up
// each recorded (image, offset) pair against caches (keyed by image name)
// to resolve it to a containing canonical block. Records that miss the
// cache (instrumentation observed an address outside the disassembler's
// view) are silently dropped, per protocol.
func ReadFrame(r io.Reader, caches map[string]*blockcache.Cache) (*Trace, error) {
	br := bufio.NewReader(r)
	var nimg uint8
	if err := binary.Read(br, binary.BigEndian, &nimg); err != nil {
		return nil, ferrors.Wrap(ferrors.Analysis, fmt.Errorf("reading image count: %w", err))
	}

	t := New()
	images := make([]string, nimg)
	for i := range images {
		var nameLen uint16
		if err := binary.Read(br, binary.LittleEndian, &nameLen); err != nil {
			return nil, ferrors.Wrap(ferrors.Analysis, fmt.Errorf("reading image name length: %w", err))
		}
		buf := make([]byte, nameLen)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, ferrors.Wrap(ferrors.Analysis, fmt.Errorf("reading image name: %w", err))
		}
		images[i] = string(buf)
		t.AddImage(images[i])
	}

	for {
		var idx uint64
		if err := binary.Read(br, binary.LittleEndian, &idx); err != nil {
			return nil, ferrors.Wrap(ferrors.Analysis, fmt.Errorf("reading image index: %w", err))
		}
		var offset uint64
		if err := binary.Read(br, binary.LittleEndian, &offset); err != nil {
			return nil, ferrors.Wrap(ferrors.Analysis, fmt.Errorf("reading bbl offset: %w", err))
		}
		if idx == terminator {
			t.HasCrashed = offset != normalExit
			return t, nil
		}
		if int(idx) >= len(images) {
			return nil, ferrors.New(ferrors.Analysis, fmt.Sprintf("trace: image index %d out of range", idx))
		}
		img := images[idx]
		cache, ok := caches[img]
		if !ok {
			continue
		}
		if b, ok := cache.Lookup(int(offset)); ok {
			t.AddBBL(img, b.Start)
		}
	}
}
