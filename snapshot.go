package partmesh

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/partmesh/partmesh/pkg/tensor"
)

// Partition snapshots are the stable serialization between the external
// partitioner and a booting server: one file per partition holding the node
// list, the edge list, and any preloaded feature tables, zstd-compressed
// with fixed-width little-endian fields inside.
const (
	snapshotMagic   uint32 = 0x504d5331 // "PMS1"
	snapshotVersion uint16 = 1

	// snapAllocCap bounds any single up-front decode allocation; a corrupt
	// length field then fails on a short read instead of exhausting memory.
	snapAllocCap = 1 << 20
)

// FeatureSnapshot is one serialized feature table.
type FeatureSnapshot struct {
	Domain Domain
	Name   string
	DType  tensor.DType
	Shape  []int
	Rows   uint64
	Data   []byte
}

// WriteSnapshot serializes a partition and its feature tables.
func WriteSnapshot(w io.Writer, spec *PartitionSpec, feats []FeatureSnapshot) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}

	sw := &snapWriter{w: enc}
	sw.u32(snapshotMagic)
	sw.u16(snapshotVersion)
	sw.u32(uint32(spec.ID))

	sw.u64(uint64(len(spec.Nodes)))
	for _, g := range spec.Nodes {
		sw.u64(uint64(g))
	}
	sw.u64(uint64(len(spec.Edges)))
	for _, e := range spec.Edges {
		sw.u64(uint64(e.Global))
		sw.u64(uint64(e.Src))
		sw.u64(uint64(e.Dst))
	}

	sw.u32(uint32(len(feats)))
	for _, f := range feats {
		sw.u8(uint8(f.Domain))
		sw.str(f.Name)
		sw.u8(uint8(f.DType))
		sw.u8(uint8(len(f.Shape)))
		for _, d := range f.Shape {
			sw.u32(uint32(d))
		}
		sw.u64(f.Rows)
		sw.raw(f.Data)
	}
	if sw.err != nil {
		enc.Close()
		return sw.err
	}
	return enc.Close()
}

// WriteSnapshotFile writes the snapshot atomically via a temp file rename.
func WriteSnapshotFile(path string, spec *PartitionSpec, feats []FeatureSnapshot) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".partmesh-snapshot-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := WriteSnapshot(tmp, spec, feats); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadSnapshot deserializes one partition snapshot.
func ReadSnapshot(r io.Reader) (*PartitionSpec, []FeatureSnapshot, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, nil, err
	}
	defer dec.Close()

	sr := &snapReader{r: dec}
	if magic := sr.u32(); magic != snapshotMagic {
		return nil, nil, fmt.Errorf("%w: bad snapshot magic 0x%08x", ErrMalformedFrame, magic)
	}
	if ver := sr.u16(); ver != snapshotVersion {
		return nil, nil, fmt.Errorf("%w: unsupported snapshot version %d", ErrMalformedFrame, ver)
	}

	spec := &PartitionSpec{ID: PartitionID(sr.u32())}
	nNodes := sr.u64()
	spec.Nodes = make([]GlobalID, 0, min(nNodes, snapAllocCap/8))
	for i := uint64(0); i < nNodes && sr.err == nil; i++ {
		spec.Nodes = append(spec.Nodes, GlobalID(sr.u64()))
	}
	nEdges := sr.u64()
	spec.Edges = make([]EdgeAssignment, 0, min(nEdges, snapAllocCap/24))
	for i := uint64(0); i < nEdges && sr.err == nil; i++ {
		spec.Edges = append(spec.Edges, EdgeAssignment{
			Global: GlobalID(sr.u64()),
			Src:    LocalID(sr.u64()),
			Dst:    LocalID(sr.u64()),
		})
	}

	nFeats := sr.u32()
	feats := make([]FeatureSnapshot, 0, min(nFeats, 1024))
	for i := uint32(0); i < nFeats && sr.err == nil; i++ {
		f := FeatureSnapshot{
			Domain: Domain(sr.u8()),
			Name:   sr.str(),
			DType:  tensor.DType(sr.u8()),
		}
		f.Shape = make([]int, sr.u8())
		for j := range f.Shape {
			f.Shape[j] = int(sr.u32())
		}
		f.Rows = sr.u64()
		rowBytes := uint64(tensor.NumElements(f.Shape) * f.DType.Size())
		if rowBytes != 0 && f.Rows > math.MaxUint64/rowBytes {
			sr.err = fmt.Errorf("feature %q row count %d overflows", f.Name, f.Rows)
			break
		}
		f.Data = sr.raw(f.Rows * rowBytes)
		feats = append(feats, f)
	}
	if sr.err != nil {
		return nil, nil, fmt.Errorf("partmesh: corrupt snapshot: %w", sr.err)
	}
	return spec, feats, nil
}

// ReadSnapshotFile loads a snapshot from disk.
func ReadSnapshotFile(path string) (*PartitionSpec, []FeatureSnapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return ReadSnapshot(f)
}

// SnapshotFeatures serializes every table of a feature store.
func SnapshotFeatures(fs *FeatureStore) []FeatureSnapshot {
	var out []FeatureSnapshot
	fs.each(func(t *FeatureTable) {
		out = append(out, FeatureSnapshot{
			Domain: t.domain,
			Name:   t.name,
			DType:  t.dtype,
			Shape:  t.Shape(),
			Rows:   t.rows,
			Data:   append([]byte(nil), t.data...),
		})
	})
	return out
}

// RestoreFeatures loads serialized tables into a store.
func RestoreFeatures(fs *FeatureStore, feats []FeatureSnapshot) error {
	for _, f := range feats {
		t, err := fs.CreateTable(f.Domain, f.Name, f.DType, f.Shape, f.Rows)
		if err != nil {
			return err
		}
		if len(f.Data) != len(t.data) {
			return fmt.Errorf("%w: table %q payload is %d bytes, want %d",
				ErrShapeMismatch, f.Name, len(f.Data), len(t.data))
		}
		copy(t.data, f.Data)
	}
	return nil
}

type snapWriter struct {
	w       io.Writer
	scratch [8]byte
	err     error
}

func (sw *snapWriter) raw(b []byte) {
	if sw.err != nil {
		return
	}
	_, sw.err = sw.w.Write(b)
}

func (sw *snapWriter) u8(v uint8) {
	sw.scratch[0] = v
	sw.raw(sw.scratch[:1])
}

func (sw *snapWriter) u16(v uint16) {
	binary.LittleEndian.PutUint16(sw.scratch[:], v)
	sw.raw(sw.scratch[:2])
}

func (sw *snapWriter) u32(v uint32) {
	binary.LittleEndian.PutUint32(sw.scratch[:], v)
	sw.raw(sw.scratch[:4])
}

func (sw *snapWriter) u64(v uint64) {
	binary.LittleEndian.PutUint64(sw.scratch[:], v)
	sw.raw(sw.scratch[:8])
}

func (sw *snapWriter) str(s string) {
	sw.u16(uint16(len(s)))
	sw.raw([]byte(s))
}

type snapReader struct {
	r       io.Reader
	scratch [8]byte
	err     error
}

// raw reads n bytes, growing the buffer in bounded chunks: the declared
// length is untrusted, so a lying prefix hits a short read before the
// allocation catches up with it.
func (sr *snapReader) raw(n uint64) []byte {
	if sr.err != nil {
		return nil
	}
	buf := make([]byte, 0, min(n, snapAllocCap))
	for got := uint64(0); got < n; {
		step := min(n-got, snapAllocCap)
		buf = append(buf, make([]byte, step)...)
		if _, sr.err = io.ReadFull(sr.r, buf[got:]); sr.err != nil {
			return nil
		}
		got += step
	}
	return buf
}

func (sr *snapReader) read(n int) []byte {
	if sr.err != nil {
		clear(sr.scratch[:])
		return sr.scratch[:n]
	}
	_, sr.err = io.ReadFull(sr.r, sr.scratch[:n])
	return sr.scratch[:n]
}

func (sr *snapReader) u8() uint8 { return sr.read(1)[0] }

func (sr *snapReader) u16() uint16 { return binary.LittleEndian.Uint16(sr.read(2)) }

func (sr *snapReader) u32() uint32 { return binary.LittleEndian.Uint32(sr.read(4)) }

func (sr *snapReader) u64() uint64 { return binary.LittleEndian.Uint64(sr.read(8)) }

func (sr *snapReader) str() string { return string(sr.raw(uint64(sr.u16()))) }
