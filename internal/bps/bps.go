// Package bps implements the Bead Population Store: a chunked, dense
// on-disk tensor of bead coordinates across the whole structure
// population, published by atomic rename-over so a reader never
// observes a half-written chunk.
//
// The write-temp-then-rename publish discipline and the
// chunk-files-plus-manifest layout follow the same shard-index pattern
// a sharded genomic record store would use, reworked here into a
// chunked coordinate tensor: structures are grouped into chunks of
// ChunkSize, each chunk a self-contained file plus a checksum, and a
// single manifest lists every published chunk.
package bps

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"math"
	"os"
	"path/filepath"

	"github.com/grailbio/base/file"
	"github.com/klauspost/compress/zstd"
	"github.com/minio/highwayhash"

	baseerrors "github.com/grailbio/base/errors"

	"github.com/alberlab/igm3d/internal/restraint"
)

// checksumKey is the fixed 32-byte HighwayHash key used for chunk
// corruption detection. It is not a secret: the checksum only needs
// to catch truncation and bit-rot on shared scratch storage, not
// resist a deliberate adversary.
var checksumKey = make([]byte, 32)

// Manifest describes a published population: its shape and the
// chunks that make it up.
//
// Violation/Summary/ConfigData are the scalar violation score, the
// JSON summary blob, and the JSON config snapshot published alongside
// `coordinates`; the modeling engine's reduce step (package model) is
// the only writer.
type Manifest struct {
	NumStructures int         `json:"num_structures"`
	NumBeads      int         `json:"num_beads"`
	ChunkSize     int         `json:"chunk_size"`
	Chunks        []ChunkInfo `json:"chunks"`
	Violation     float64     `json:"violation,omitempty"`
	Summary       string      `json:"summary,omitempty"`
	ConfigData    string      `json:"config_data,omitempty"`
}

// ChunkInfo records one chunk's placement and integrity digest.
type ChunkInfo struct {
	Index      int    `json:"index"`
	FirstStruc int    `json:"first_structure"`
	NumStruc   int    `json:"num_structures"`
	File       string `json:"file"`
	Checksum   string `json:"checksum"` // hex HighwayHash-128 of the compressed chunk bytes
}

// Store manages the chunk files and manifest under Dir.
type Store struct {
	Dir       string
	NumBeads  int
	ChunkSize int
}

// New builds a Store. chunkSize is the number of structures grouped
// into a single chunk file, a tuning knob; a value <= 0 defaults to
// 64.
func New(dir string, numBeads, chunkSize int) *Store {
	if chunkSize <= 0 {
		chunkSize = 64
	}
	return &Store{Dir: dir, NumBeads: numBeads, ChunkSize: chunkSize}
}

func (s *Store) chunkPath(index int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("chunk-%05d.bps", index))
}

func (s *Store) manifestPath() string {
	return filepath.Join(s.Dir, "manifest.json")
}

// WriteChunk compresses and publishes the coordinates of a contiguous
// run of structures [firstStruc, firstStruc+len(coords)) as chunk
// chunkIndex. Publish is atomic: the chunk is written to a temp file
// in Dir and then renamed into place, so a concurrent reader either
// sees the old absence of the file or the complete new one.
func (s *Store) WriteChunk(ctx context.Context, chunkIndex, firstStruc int, coords [][]restraint.Vec3) (ChunkInfo, error) {
	raw, err := encodeCoords(coords, s.NumBeads)
	if err != nil {
		return ChunkInfo{}, err
	}
	compressed, err := compress(raw)
	if err != nil {
		return ChunkInfo{}, err
	}
	sum, err := checksum(compressed)
	if err != nil {
		return ChunkInfo{}, err
	}

	final := s.chunkPath(chunkIndex)
	tmp := final + ".tmp"
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return ChunkInfo{}, baseerrors.E(err, "bps: mkdir", s.Dir)
	}
	out, err := file.Create(ctx, tmp)
	if err != nil {
		return ChunkInfo{}, baseerrors.E(err, "bps: create chunk tmp file", tmp)
	}
	if _, err := out.Writer(ctx).Write(compressed); err != nil {
		_ = out.Close(ctx)
		return ChunkInfo{}, baseerrors.E(err, "bps: write chunk", tmp)
	}
	if err := out.Close(ctx); err != nil {
		return ChunkInfo{}, baseerrors.E(err, "bps: close chunk tmp file", tmp)
	}
	if err := os.Rename(tmp, final); err != nil {
		return ChunkInfo{}, baseerrors.E(err, "bps: publish chunk", final)
	}

	return ChunkInfo{
		Index:      chunkIndex,
		FirstStruc: firstStruc,
		NumStruc:   len(coords),
		File:       filepath.Base(final),
		Checksum:   fmt.Sprintf("%x", sum),
	}, nil
}

// ReadChunk loads and verifies one previously published chunk.
func (s *Store) ReadChunk(ctx context.Context, info ChunkInfo) (coords [][]restraint.Vec3, err error) {
	path := filepath.Join(s.Dir, info.File)
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, baseerrors.E(err, "bps: open chunk", path)
	}
	defer file.CloseAndReport(ctx, in, &err)

	compressed, err := ioutil.ReadAll(in.Reader(ctx))
	if err != nil {
		return nil, baseerrors.E(err, "bps: read chunk", path)
	}
	sum, err := checksum(compressed)
	if err != nil {
		return nil, err
	}
	if fmt.Sprintf("%x", sum) != info.Checksum {
		return nil, baseerrors.E(fmt.Errorf("checksum mismatch: manifest says %s, file hashes to %x", info.Checksum, sum), "bps: corrupt chunk", path)
	}
	raw, err := decompress(compressed)
	if err != nil {
		return nil, err
	}
	return decodeCoords(raw, info.NumStruc, s.NumBeads)
}

// ReadStructure returns one structure's bead coordinates by random
// access: it locates the chunk that contains structID in m.Chunks,
// reads (and checksum-verifies) just that chunk, and slices out the
// single structure's row, without the caller needing to know the chunk
// layout.
func (s *Store) ReadStructure(ctx context.Context, m Manifest, structID int) ([]restraint.Vec3, error) {
	for _, info := range m.Chunks {
		if structID < info.FirstStruc || structID >= info.FirstStruc+info.NumStruc {
			continue
		}
		coords, err := s.ReadChunk(ctx, info)
		if err != nil {
			return nil, err
		}
		return coords[structID-info.FirstStruc], nil
	}
	return nil, baseerrors.E(fmt.Sprintf("bps: structure %d not found in manifest (%d structures across %d chunks)",
		structID, m.NumStructures, len(m.Chunks)))
}

// PublishManifest atomically (write-tmp, rename) writes the manifest
// describing chunks. Called once after every chunk in a generation
// has been written, so a reader never sees a manifest that references
// a chunk file that doesn't exist yet.
func (s *Store) PublishManifest(ctx context.Context, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return baseerrors.E(err, "bps: marshal manifest")
	}
	final := s.manifestPath()
	tmp := final + ".tmp"
	if err := ioutil.WriteFile(tmp, data, 0o644); err != nil {
		return baseerrors.E(err, "bps: write manifest tmp file", tmp)
	}
	if err := os.Rename(tmp, final); err != nil {
		return baseerrors.E(err, "bps: publish manifest", final)
	}
	return nil
}

// ReadManifest loads the currently published manifest.
func (s *Store) ReadManifest(ctx context.Context) (Manifest, error) {
	var m Manifest
	data, err := ioutil.ReadFile(s.manifestPath())
	if err != nil {
		return m, baseerrors.E(err, "bps: read manifest", s.manifestPath())
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, baseerrors.E(err, "bps: unmarshal manifest")
	}
	return m, nil
}

func checksum(data []byte) ([]byte, error) {
	h, err := highwayhash.New128(checksumKey)
	if err != nil {
		return nil, baseerrors.E(err, "bps: init highwayhash")
	}
	if _, err := h.Write(data); err != nil {
		return nil, baseerrors.E(err, "bps: hash chunk")
	}
	return h.Sum(nil), nil
}

func compress(raw []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, baseerrors.E(err, "bps: init zstd writer")
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

func decompress(compressed []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, baseerrors.E(err, "bps: init zstd reader")
	}
	defer dec.Close()
	out, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, baseerrors.E(err, "bps: decompress chunk")
	}
	return out, nil
}

// encodeCoords lays out coords[structure][bead][0..2] as a flat
// little-endian float64 array, row-major by structure then bead.
func encodeCoords(coords [][]restraint.Vec3, numBeads int) ([]byte, error) {
	buf := make([]byte, 0, len(coords)*numBeads*3*8)
	tmp := make([]byte, 8)
	for si, struc := range coords {
		if len(struc) != numBeads {
			return nil, fmt.Errorf("bps: structure %d has %d beads, want %d", si, len(struc), numBeads)
		}
		for _, p := range struc {
			for _, v := range p {
				binary.LittleEndian.PutUint64(tmp, math.Float64bits(v))
				buf = append(buf, tmp...)
			}
		}
	}
	return buf, nil
}

func decodeCoords(raw []byte, numStruc, numBeads int) ([][]restraint.Vec3, error) {
	want := numStruc * numBeads * 3 * 8
	if len(raw) != want {
		return nil, fmt.Errorf("bps: decoded chunk has %d bytes, want %d", len(raw), want)
	}
	out := make([][]restraint.Vec3, numStruc)
	off := 0
	for si := range out {
		beads := make([]restraint.Vec3, numBeads)
		for bi := range beads {
			x := math.Float64frombits(binary.LittleEndian.Uint64(raw[off:]))
			y := math.Float64frombits(binary.LittleEndian.Uint64(raw[off+8:]))
			z := math.Float64frombits(binary.LittleEndian.Uint64(raw[off+16:]))
			beads[bi] = restraint.Vec3{x, y, z}
			off += 24
		}
		out[si] = beads
	}
	return out, nil
}
