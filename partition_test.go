package partmesh

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// shardedSpecs scatters totalNodes node ids and per-node edges across parts
// partitions deterministically. Ids are shuffled so local order never matches
// global order.
func shardedSpecs(t *testing.T, parts, totalNodes, degree int, seed int64) []PartitionSpec {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))

	nodeOrder := rng.Perm(totalNodes)
	specs := make([]PartitionSpec, parts)
	for p := range specs {
		specs[p].ID = PartitionID(p)
	}
	for i, g := range nodeOrder {
		p := i % parts
		specs[p].Nodes = append(specs[p].Nodes, GlobalID(g))
	}

	edgeOrder := rng.Perm(totalNodes * degree)
	next := 0
	for p := range specs {
		n := len(specs[p].Nodes)
		for u := 0; u < n; u++ {
			for d := 0; d < degree; d++ {
				specs[p].Edges = append(specs[p].Edges, EdgeAssignment{
					Global: GlobalID(edgeOrder[next]),
					Src:    LocalID(u),
					Dst:    LocalID(rng.Intn(n)),
				})
				next++
			}
		}
	}
	return specs
}

func TestPartitionBook_RoundtripEveryNode(t *testing.T) {
	specs := shardedSpecs(t, 4, 103, 3, 7)
	book, err := BuildPartitionBook(specs)
	require.NoError(t, err)

	require.Equal(t, uint32(4), book.NumPartitions())
	require.Equal(t, uint64(103), book.NumNodes())

	for g := GlobalID(0); g < GlobalID(book.NumNodes()); g++ {
		p, l, err := book.LocateNode(g)
		require.NoError(t, err)
		back, err := book.NodeGlobalID(p, l)
		require.NoError(t, err)
		require.Equal(t, g, back, "node %d did not survive the round-trip", g)
	}
	for g := GlobalID(0); g < GlobalID(book.NumEdges()); g++ {
		p, l, err := book.LocateEdge(g)
		require.NoError(t, err)
		back, err := book.EdgeGlobalID(p, l)
		require.NoError(t, err)
		require.Equal(t, g, back, "edge %d did not survive the round-trip", g)
	}

	var nodes, edges uint64
	for p := PartitionID(0); uint32(p) < book.NumPartitions(); p++ {
		nodes += book.PartitionNodes(p)
		edges += book.PartitionEdges(p)
	}
	require.Equal(t, book.NumNodes(), nodes)
	require.Equal(t, book.NumEdges(), edges)
}

func TestPartitionBook_LocalIDMatchesSpecOrder(t *testing.T) {
	specs := shardedSpecs(t, 3, 30, 2, 99)
	book, err := BuildPartitionBook(specs)
	require.NoError(t, err)

	for _, spec := range specs {
		for local, g := range spec.Nodes {
			p, l, err := book.LocateNode(g)
			require.NoError(t, err)
			require.Equal(t, spec.ID, p)
			require.Equal(t, LocalID(local), l)
		}
	}
}

func TestPartitionBook_OutOfRange(t *testing.T) {
	book, err := BuildPartitionBook(shardedSpecs(t, 2, 10, 1, 1))
	require.NoError(t, err)

	_, _, err = book.LocateNode(10)
	require.ErrorIs(t, err, ErrOutOfRange)
	_, _, err = book.LocateEdge(GlobalID(book.NumEdges()))
	require.ErrorIs(t, err, ErrOutOfRange)
	_, err = book.NodeGlobalID(5, 0)
	require.ErrorIs(t, err, ErrOutOfRange)
	_, err = book.EdgeGlobalID(0, LocalID(book.PartitionEdges(0)))
	require.ErrorIs(t, err, ErrOutOfRange)
	require.Zero(t, book.PartitionNodes(9))
}

func TestBuildPartitionBook_RejectsBadAssignments(t *testing.T) {
	cases := []struct {
		name  string
		specs []PartitionSpec
	}{
		{"empty", nil},
		{"duplicate partition id", []PartitionSpec{
			{ID: 0, Nodes: []GlobalID{0}},
			{ID: 0, Nodes: []GlobalID{1}},
		}},
		{"sparse partition ids", []PartitionSpec{
			{ID: 0, Nodes: []GlobalID{0}},
			{ID: 2, Nodes: []GlobalID{1}},
		}},
		{"node assigned twice", []PartitionSpec{
			{ID: 0, Nodes: []GlobalID{0, 0}},
			{ID: 1, Nodes: []GlobalID{}},
		}},
		{"node id out of dense range", []PartitionSpec{
			{ID: 0, Nodes: []GlobalID{0, 5}},
		}},
		{"edge endpoint outside partition", []PartitionSpec{
			{ID: 0, Nodes: []GlobalID{0}, Edges: []EdgeAssignment{
				{Global: 0, Src: 0, Dst: 3},
			}},
		}},
		{"edge assigned twice", []PartitionSpec{
			{ID: 0, Nodes: []GlobalID{0, 1}, Edges: []EdgeAssignment{
				{Global: 0, Src: 0, Dst: 1},
				{Global: 0, Src: 1, Dst: 0},
			}},
		}},
		{"edge id out of dense range", []PartitionSpec{
			{ID: 0, Nodes: []GlobalID{0}, Edges: []EdgeAssignment{
				{Global: 7, Src: 0, Dst: 0},
			}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := BuildPartitionBook(tc.specs)
			require.ErrorIs(t, err, ErrBadAssignment)
		})
	}
}
