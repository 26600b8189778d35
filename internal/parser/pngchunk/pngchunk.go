// Package pngchunk implements the chunk-based image format parser plugin:
// a concrete Deserializer/Serializer pair for PNG-like files, each chunk
// becoming one root gene, with the compressed image data stream held
// decompressed in memory so mutation targets the logical stream rather
// than its compressed bytes.
package pngchunk

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"io"
	"io/ioutil"
	"os"

	"github.com/duskwave/genoma/internal/chromosome"
	"github.com/duskwave/genoma/internal/gene"
	"github.com/duskwave/genoma/internal/parser"
)

// Name is the registry name this plugin is installed under.
const Name = "PNG"

var signature = []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a}

type rawChunk struct {
	name string
	data []byte
}

// ChunkTag is the format-specific metadata carried by every chunk gene.
type ChunkTag struct {
	Name string // four-character chunk type, e.g. "IDAT", "IEND"
}

func init() {
	// ChunkTag travels through the gob-encoded chromosome side channel
	// as a gene.Tag (an interface{}); gob requires concrete types used
	// behind an interface to be registered before they can be decoded.
	gob.Register(ChunkTag{})
	parser.Register(Name, parser.Plugin{
		Deserializer: Deserializer{},
		Serializer:   Serializer{},
		Rehydrate: func(g *gene.Gene) {
			if tag, ok := g.Tag.(ChunkTag); ok {
				g.Equal = sameChunkType(tag)
			}
		},
	})
}

// Deserializer reads a chunk-based image file into a gene tree: one
// anomaly-marked root gene holding the raw signature, followed by one
// root gene per chunk.
type Deserializer struct{}

func (Deserializer) Deserialize(path string) ([]*gene.Gene, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pngchunk: %w", err)
	}
	defer f.Close()

	sig := make([]byte, len(signature))
	if _, err := io.ReadFull(f, sig); err != nil {
		return nil, fmt.Errorf("pngchunk: reading signature: %w", err)
	}
	if !bytes.Equal(sig, signature) {
		return nil, fmt.Errorf("pngchunk: bad signature")
	}

	var chunks []rawChunk
	for {
		var lengthBuf [4]byte
		_, err := io.ReadFull(f, lengthBuf[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("pngchunk: reading chunk length: %w", err)
		}
		length := binary.BigEndian.Uint32(lengthBuf[:])

		var nameBuf [4]byte
		if _, err := io.ReadFull(f, nameBuf[:]); err != nil {
			return nil, fmt.Errorf("pngchunk: reading chunk name: %w", err)
		}

		data := make([]byte, length)
		if _, err := io.ReadFull(f, data); err != nil {
			return nil, fmt.Errorf("pngchunk: reading chunk data: %w", err)
		}

		var crcBuf [4]byte
		if _, err := io.ReadFull(f, crcBuf[:]); err != nil {
			return nil, fmt.Errorf("pngchunk: reading chunk crc: %w", err)
		}

		chunks = append(chunks, rawChunk{name: string(nameBuf[:]), data: data})
	}

	idat := idatIndices(chunks)
	if len(idat) > 0 {
		var compressed bytes.Buffer
		for _, i := range idat {
			compressed.Write(chunks[i].data)
		}
		zr, err := zlib.NewReader(&compressed)
		if err != nil {
			return nil, fmt.Errorf("pngchunk: opening compressed stream: %w", err)
		}
		inflated, err := ioutil.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("pngchunk: inflating compressed stream: %w", err)
		}
		zr.Close()
		redistribute(inflated, chunks, idat, func(i int, b []byte) { chunks[i].data = b })
	}

	roots := make([]*gene.Gene, 0, len(chunks)+1)
	sigGene := gene.New(append([]byte(nil), signature...))
	// Corrupting the signature makes every downstream chunk unreachable
	// by any verifier, so the signature gene is never a mutation or
	// recombination target.
	sigGene.MarkAnomaly()
	roots = append(roots, sigGene)
	for _, c := range chunks {
		g := gene.New(c.data)
		tag := ChunkTag{Name: c.name}
		g.Tag = tag
		g.Equal = sameChunkType(tag)
		roots = append(roots, g)
	}
	return roots, nil
}

// sameChunkType returns an Equal predicate matching PNGGene.is_equal:
// two chunks are interchangeable if they share a type tag and neither is
// the trailer chunk (IEND), which is a sentinel with no payload to swap.
func sameChunkType(tag ChunkTag) func(*gene.Gene) bool {
	return func(other *gene.Gene) bool {
		if tag.Name == "IEND" {
			return false
		}
		ot, ok := other.Tag.(ChunkTag)
		return ok && ot.Name == tag.Name
	}
}

func idatIndices(chunks []rawChunk) []int {
	var idx []int
	for i, c := range chunks {
		if c.name == "IDAT" {
			idx = append(idx, i)
		}
	}
	return idx
}

// redistribute splits data evenly across the chunks named by idx, the
// same "ceil(len/count) per chunk, remainder to the last" scheme used on
// both sides of the original deflate/inflate round trip so that
// deserialize and serialize agree on chunk boundaries even though the
// compressed size changes on every serialize.
func redistribute(data []byte, chunks []rawChunk, idx []int, set func(int, []byte)) {
	n := len(idx)
	if n == 0 {
		return
	}
	chunkLen := (len(data) + n - 1) / n
	for i, c := range idx {
		start := i * chunkLen
		if start > len(data) {
			start = len(data)
		}
		end := start + chunkLen
		if c == idx[len(idx)-1] || end > len(data) {
			end = len(data)
		}
		set(c, data[start:end])
	}
}

// Serializer renders a gene tree produced by Deserializer back into
// chunk-format bytes, re-deflating the logical image data stream and
// re-chunking it across the original IDAT gene count, recomputing each
// chunk's length and CRC.
type Serializer struct{}

func (Serializer) Serialize(roots []*gene.Gene) ([]byte, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("pngchunk: no genes to serialize")
	}
	var buf bytes.Buffer
	buf.Write(roots[0].Serialize())

	chunkGenes := roots[1:]
	var idat []int
	for i, g := range chunkGenes {
		if tag, ok := g.Tag.(ChunkTag); ok && tag.Name == "IDAT" {
			idat = append(idat, i)
		}
	}

	data := make([][]byte, len(chunkGenes))
	for i, g := range chunkGenes {
		data[i] = g.Serialize()
	}
	if len(idat) > 0 {
		var stream bytes.Buffer
		for _, i := range idat {
			stream.Write(data[i])
		}
		var compressed bytes.Buffer
		zw := zlib.NewWriter(&compressed)
		if _, err := zw.Write(stream.Bytes()); err != nil {
			return nil, fmt.Errorf("pngchunk: deflating image stream: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("pngchunk: deflating image stream: %w", err)
		}
		redistributeSlices(compressed.Bytes(), idat, data)
	}

	for i, g := range chunkGenes {
		tag, _ := g.Tag.(ChunkTag)
		payload := data[i]

		var lengthBuf [4]byte
		binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(payload)))
		buf.Write(lengthBuf[:])

		name := []byte(tag.Name)
		buf.Write(name)
		buf.Write(payload)

		crc := crc32.NewIEEE()
		crc.Write(name)
		crc.Write(payload)
		var crcBuf [4]byte
		binary.BigEndian.PutUint32(crcBuf[:], crc.Sum32())
		buf.Write(crcBuf[:])
	}
	return buf.Bytes(), nil
}

func redistributeSlices(data []byte, idx []int, data2 [][]byte) {
	n := len(idx)
	if n == 0 {
		return
	}
	chunkLen := (len(data) + n - 1) / n
	for i, c := range idx {
		start := i * chunkLen
		if start > len(data) {
			start = len(data)
		}
		end := start + chunkLen
		if c == idx[len(idx)-1] || end > len(data) {
			end = len(data)
		}
		data2[c] = data[start:end]
	}
}

var _ chromosome.Serializer = Serializer{}
