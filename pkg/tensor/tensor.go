// Package tensor defines the typed, flat byte buffers that partmesh moves
// over the wire and stores in feature tables.
//
// A Buffer is an element type tag plus raw little-endian bytes. It carries no
// shape on its own; shape is a property of the feature table (or of the
// response layout) that produced it.
package tensor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// DType tags the element type of a Buffer.
type DType uint8

const (
	Invalid DType = iota
	Uint8
	Int32
	Int64
	Uint64
	Float32
	Float64
)

var (
	ErrDTypeMismatch = errors.New("tensor: buffer dtype mismatch")
	ErrOutOfRange    = errors.New("tensor: element index out of range")
)

// Size returns the byte width of one element, or 0 for an invalid tag.
func (dt DType) Size() int {
	switch dt {
	case Uint8:
		return 1
	case Int32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	default:
		return 0
	}
}

func (dt DType) String() string {
	switch dt {
	case Uint8:
		return "uint8"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint64:
		return "uint64"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return fmt.Sprintf("invalid(%d)", uint8(dt))
	}
}

// Valid reports whether dt is one of the known element types.
func (dt DType) Valid() bool {
	return dt.Size() != 0
}

// Buffer is a flat sequence of elements of a single type, encoded
// little-endian.
type Buffer struct {
	DType DType
	Data  []byte
}

// Len returns the element count.
func (b Buffer) Len() int {
	sz := b.DType.Size()
	if sz == 0 {
		return 0
	}
	return len(b.Data) / sz
}

// Aligned reports whether the byte length is a whole number of elements.
func (b Buffer) Aligned() bool {
	sz := b.DType.Size()
	return sz != 0 && len(b.Data)%sz == 0
}

func FromBytes(v []byte) Buffer {
	return Buffer{DType: Uint8, Data: v}
}

func FromUint64s(v []uint64) Buffer {
	data := make([]byte, 8*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(data[8*i:], x)
	}
	return Buffer{DType: Uint64, Data: data}
}

func FromInt64s(v []int64) Buffer {
	data := make([]byte, 8*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(data[8*i:], uint64(x))
	}
	return Buffer{DType: Int64, Data: data}
}

func FromInt32s(v []int32) Buffer {
	data := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(data[4*i:], uint32(x))
	}
	return Buffer{DType: Int32, Data: data}
}

func FromFloat32s(v []float32) Buffer {
	data := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(x))
	}
	return Buffer{DType: Float32, Data: data}
}

func FromFloat64s(v []float64) Buffer {
	data := make([]byte, 8*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(data[8*i:], math.Float64bits(x))
	}
	return Buffer{DType: Float64, Data: data}
}

// Uint64s decodes the buffer as a uint64 vector.
func (b Buffer) Uint64s() ([]uint64, error) {
	if b.DType != Uint64 {
		return nil, fmt.Errorf("%w: want uint64, got %s", ErrDTypeMismatch, b.DType)
	}
	out := make([]uint64, b.Len())
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(b.Data[8*i:])
	}
	return out, nil
}

// Int64s decodes the buffer as an int64 vector.
func (b Buffer) Int64s() ([]int64, error) {
	if b.DType != Int64 {
		return nil, fmt.Errorf("%w: want int64, got %s", ErrDTypeMismatch, b.DType)
	}
	out := make([]int64, b.Len())
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(b.Data[8*i:]))
	}
	return out, nil
}

// Float32s decodes the buffer as a float32 vector.
func (b Buffer) Float32s() ([]float32, error) {
	if b.DType != Float32 {
		return nil, fmt.Errorf("%w: want float32, got %s", ErrDTypeMismatch, b.DType)
	}
	out := make([]float32, b.Len())
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b.Data[4*i:]))
	}
	return out, nil
}

// Float64s decodes the buffer as a float64 vector, converting from float32
// if that is the stored type. Integer buffers are rejected.
func (b Buffer) Float64s() ([]float64, error) {
	switch b.DType {
	case Float64:
		out := make([]float64, b.Len())
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b.Data[8*i:]))
		}
		return out, nil
	case Float32:
		out := make([]float64, b.Len())
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b.Data[4*i:])))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: want float32 or float64, got %s", ErrDTypeMismatch, b.DType)
	}
}

// Element reads one float64-converted element without materializing the whole
// vector. Used for weight lookups on hot sampling paths.
func (b Buffer) Element(i int) (float64, error) {
	if sz := b.DType.Size(); sz == 0 || i < 0 || (i+1)*sz > len(b.Data) {
		return 0, fmt.Errorf("%w: element %d of %d bytes", ErrOutOfRange, i, len(b.Data))
	}
	switch b.DType {
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b.Data[8*i:])), nil
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b.Data[4*i:]))), nil
	case Int64:
		return float64(int64(binary.LittleEndian.Uint64(b.Data[8*i:]))), nil
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(b.Data[4*i:]))), nil
	case Uint64:
		return float64(binary.LittleEndian.Uint64(b.Data[8*i:])), nil
	case Uint8:
		return float64(b.Data[i]), nil
	default:
		return 0, fmt.Errorf("%w: invalid dtype", ErrDTypeMismatch)
	}
}

// NumElements returns the product of a row shape.
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// SameShape reports whether two row shapes are identical.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
