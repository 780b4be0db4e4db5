package partmesh

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// A small diamond plus a parallel edge and an isolated node:
//
//	0 -> 1 (e0), 0 -> 2 (e1), 1 -> 3 (e2), 2 -> 3 (e3), 0 -> 1 (e4), 4 isolated
func diamondSpec() *PartitionSpec {
	return &PartitionSpec{
		ID:    0,
		Nodes: []GlobalID{0, 1, 2, 3, 4},
		Edges: []EdgeAssignment{
			{Global: 0, Src: 0, Dst: 1},
			{Global: 1, Src: 0, Dst: 2},
			{Global: 2, Src: 1, Dst: 3},
			{Global: 3, Src: 2, Dst: 3},
			{Global: 4, Src: 0, Dst: 1},
		},
	}
}

func TestBuildLocalGraph_Adjacency(t *testing.T) {
	g, err := BuildLocalGraph(diamondSpec())
	require.NoError(t, err)
	require.Equal(t, uint64(5), g.NumNodes())

	dsts, eids, err := g.OutNeighbors(0)
	require.NoError(t, err)
	require.Equal(t, []LocalID{1, 2, 1}, dsts, "out-list must follow edge insertion order")
	require.Equal(t, []LocalID{0, 1, 4}, eids)

	srcs, eids, err := g.InNeighbors(3)
	require.NoError(t, err)
	require.Equal(t, []LocalID{1, 2}, srcs)
	require.Equal(t, []LocalID{2, 3}, eids)

	dsts, eids, err = g.OutNeighbors(4)
	require.NoError(t, err)
	require.Empty(t, dsts)
	require.Empty(t, eids)
}

func TestBuildLocalGraph_Degrees(t *testing.T) {
	g, err := BuildLocalGraph(diamondSpec())
	require.NoError(t, err)

	wantOut := []uint64{3, 1, 1, 0, 0}
	wantIn := []uint64{0, 2, 1, 2, 0}
	var outSum, inSum uint64
	for u := LocalID(0); uint64(u) < g.NumNodes(); u++ {
		out, err := g.OutDegree(u)
		require.NoError(t, err)
		in, err := g.InDegree(u)
		require.NoError(t, err)
		require.Equal(t, wantOut[u], out, "out-degree of node %d", u)
		require.Equal(t, wantIn[u], in, "in-degree of node %d", u)
		outSum += out
		inSum += in
	}
	require.Equal(t, outSum, inSum)
	require.Equal(t, uint64(5), outSum)
}

func TestBuildLocalGraph_Errors(t *testing.T) {
	_, err := BuildLocalGraph(&PartitionSpec{
		Nodes: []GlobalID{0},
		Edges: []EdgeAssignment{{Global: 0, Src: 0, Dst: 9}},
	})
	require.ErrorIs(t, err, ErrOutOfRange)

	g, err := BuildLocalGraph(diamondSpec())
	require.NoError(t, err)
	_, _, err = g.OutNeighbors(5)
	require.ErrorIs(t, err, ErrOutOfRange)
	_, _, err = g.InNeighbors(99)
	require.ErrorIs(t, err, ErrOutOfRange)
	_, err = g.OutDegree(5)
	require.ErrorIs(t, err, ErrOutOfRange)
}
