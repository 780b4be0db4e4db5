package tensor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuffer_Roundtrip(t *testing.T) {
	buf := FromFloat32s([]float32{1.5, -2.25, 0})
	require.Equal(t, Float32, buf.DType)
	require.Equal(t, 3, buf.Len())
	require.True(t, buf.Aligned())

	back, err := buf.Float32s()
	require.NoError(t, err)
	require.Equal(t, []float32{1.5, -2.25, 0}, back)

	_, err = buf.Uint64s()
	require.ErrorIs(t, err, ErrDTypeMismatch)
}

func TestBuffer_Float64sWidens(t *testing.T) {
	buf := FromFloat32s([]float32{0.5, 2})
	wide, err := buf.Float64s()
	require.NoError(t, err)
	require.Equal(t, []float64{0.5, 2}, wide)
}

func TestBuffer_Element(t *testing.T) {
	cases := []struct {
		name string
		buf  Buffer
		want float64
	}{
		{"uint64", FromUint64s([]uint64{7, 11}), 11},
		{"int64", FromInt64s([]int64{-3, 9}), 9},
		{"int32", FromInt32s([]int32{1, -4}), -4},
		{"float32", FromFloat32s([]float32{0, 2.5}), 2.5},
		{"float64", FromFloat64s([]float64{0, 3.25}), 3.25},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.buf.Element(1)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}

	_, err := FromUint64s([]uint64{1}).Element(5)
	require.Error(t, err)
}

func TestBuffer_Aligned(t *testing.T) {
	buf := Buffer{DType: Int64, Data: make([]byte, 12)}
	require.False(t, buf.Aligned())
	require.True(t, FromBytes([]byte{1, 2, 3}).Aligned())
}

func TestDType_Size(t *testing.T) {
	require.Equal(t, 1, Uint8.Size())
	require.Equal(t, 4, Int32.Size())
	require.Equal(t, 8, Float64.Size())
	require.False(t, Invalid.Valid())
	require.False(t, DType(200).Valid())
}

func TestNumElements(t *testing.T) {
	require.Equal(t, 1, NumElements(nil))
	require.Equal(t, 12, NumElements([]int{3, 4}))
	require.True(t, SameShape([]int{2, 3}, []int{2, 3}))
	require.False(t, SameShape([]int{2, 3}, []int{3, 2}))
	require.False(t, SameShape([]int{2}, []int{2, 1}))
}
