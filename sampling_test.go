package partmesh

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/partmesh/partmesh/pkg/tensor"
)

// starFixture builds a one-partition book, graph and store around a star:
// node 0 points at nodes 1..n-1, every other node is a sink.
func starFixture(t *testing.T, n int) (*PartitionBook, LocalGraph, *FeatureStore) {
	t.Helper()
	spec := PartitionSpec{ID: 0}
	for i := 0; i < n; i++ {
		spec.Nodes = append(spec.Nodes, GlobalID(i))
	}
	for i := 1; i < n; i++ {
		spec.Edges = append(spec.Edges, EdgeAssignment{
			Global: GlobalID(i - 1),
			Src:    0,
			Dst:    LocalID(i),
		})
	}
	book, err := BuildPartitionBook([]PartitionSpec{spec})
	require.NoError(t, err)
	graph, err := BuildLocalGraph(&spec)
	require.NoError(t, err)
	return book, graph, NewFeatureStore()
}

func TestSampleNeighbors_FullSetWhenFanoutCovers(t *testing.T) {
	book, graph, store := starFixture(t, 6)
	s := NewSampler(0, graph, book, store, 1)

	// 5 neighbors, fanout 8 without replacement: exact neighbor set, in order
	res, err := s.SampleNeighbors([]LocalID{0}, 8, false, "")
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 5}, res.Offsets)
	require.Equal(t, []GlobalID{1, 2, 3, 4, 5}, res.Nodes)
	require.Equal(t, []GlobalID{0, 1, 2, 3, 4}, res.Edges)
}

func TestSampleNeighbors_WithoutReplacementDistinct(t *testing.T) {
	book, graph, store := starFixture(t, 21)
	s := NewSampler(0, graph, book, store, 42)

	for trial := 0; trial < 50; trial++ {
		res, err := s.SampleNeighbors([]LocalID{0}, 7, false, "")
		require.NoError(t, err)
		nodes, edges := res.Seed(0)
		require.Len(t, nodes, 7)
		require.Len(t, edges, 7)

		seen := make(map[GlobalID]bool)
		for i, ng := range nodes {
			require.False(t, seen[ng], "node %d drawn twice", ng)
			seen[ng] = true
			// the star wires edge i-1 to node i
			require.Equal(t, GlobalID(ng-1), edges[i], "edge does not match its endpoint")
			require.GreaterOrEqual(t, uint64(ng), uint64(1))
			require.LessOrEqual(t, uint64(ng), uint64(20))
		}
	}
}

func TestSampleNeighbors_SinksAndZeroFanout(t *testing.T) {
	book, graph, store := starFixture(t, 4)
	s := NewSampler(0, graph, book, store, 1)

	res, err := s.SampleNeighbors([]LocalID{1, 0, 2}, 0, false, "")
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 0, 0, 0}, res.Offsets)
	require.Empty(t, res.Nodes)

	// sinks produce empty ranges even with replacement
	res, err = s.SampleNeighbors([]LocalID{1, 0}, 3, true, "")
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 0, 3}, res.Offsets)
	nodes, _ := res.Seed(1)
	require.Len(t, nodes, 3)
}

func TestSampleNeighbors_Deterministic(t *testing.T) {
	book, graph, store := starFixture(t, 50)

	a := NewSampler(0, graph, book, store, 1234)
	b := NewSampler(0, graph, book, store, 1234)
	for i := 0; i < 10; i++ {
		ra, err := a.SampleNeighbors([]LocalID{0}, 5, true, "")
		require.NoError(t, err)
		rb, err := b.SampleNeighbors([]LocalID{0}, 5, true, "")
		require.NoError(t, err)
		require.Equal(t, ra, rb)
	}
}

func TestSampleNeighbors_WeightedFrequency(t *testing.T) {
	book, graph, store := starFixture(t, 4) // neighbors 1, 2, 3
	_, err := store.CreateTable(EdgeDomain, "w", tensor.Float64, []int{1}, book.PartitionEdges(0))
	require.NoError(t, err)
	tbl, err := store.Table(EdgeDomain, "w")
	require.NoError(t, err)
	// edge 0 -> node 1 dominates, edge 2 -> node 3 is never drawable
	require.NoError(t, tbl.Push([]LocalID{0, 1, 2}, tensor.FromFloat64s([]float64{9, 1, 0})))

	s := NewSampler(0, graph, book, store, 7)
	counts := make(map[GlobalID]int)
	const draws = 3000
	res, err := s.SampleNeighbors([]LocalID{0}, draws, true, "w")
	require.NoError(t, err)
	nodes, _ := res.Seed(0)
	require.Len(t, nodes, draws)
	for _, ng := range nodes {
		counts[ng]++
	}

	require.Zero(t, counts[3], "zero-weight edge was drawn")
	ratio := float64(counts[1]) / float64(draws)
	require.InDelta(t, 0.9, ratio, 0.03, "weight-9 edge drawn %d of %d", counts[1], draws)
}

func TestSampleNeighbors_WeightedWithoutReplacement(t *testing.T) {
	book, graph, store := starFixture(t, 5) // neighbors 1..4
	_, err := store.CreateTable(EdgeDomain, "w", tensor.Float32, []int{1}, book.PartitionEdges(0))
	require.NoError(t, err)
	tbl, err := store.Table(EdgeDomain, "w")
	require.NoError(t, err)
	require.NoError(t, tbl.Push([]LocalID{0, 1, 2, 3}, tensor.FromFloat32s([]float32{1, 5, 3, 2})))

	s := NewSampler(0, graph, book, store, 99)
	for trial := 0; trial < 30; trial++ {
		res, err := s.SampleNeighbors([]LocalID{0}, 3, false, "w")
		require.NoError(t, err)
		nodes, _ := res.Seed(0)
		require.Len(t, nodes, 3)
		seen := make(map[GlobalID]bool)
		for _, ng := range nodes {
			require.False(t, seen[ng])
			seen[ng] = true
		}
	}
}

func TestSampleNeighbors_Errors(t *testing.T) {
	book, graph, store := starFixture(t, 4)
	s := NewSampler(0, graph, book, store, 1)

	_, err := s.SampleNeighbors([]LocalID{0}, -1, false, "")
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = s.SampleNeighbors([]LocalID{99}, 2, false, "")
	require.ErrorIs(t, err, ErrOutOfRange)

	_, err = s.SampleNeighbors([]LocalID{0}, 2, true, "missing")
	require.ErrorIs(t, err, ErrUnknownFeature)

	_, err = store.CreateTable(EdgeDomain, "neg", tensor.Float64, []int{1}, book.PartitionEdges(0))
	require.NoError(t, err)
	tbl, err := store.Table(EdgeDomain, "neg")
	require.NoError(t, err)
	require.NoError(t, tbl.Push([]LocalID{0}, tensor.FromFloat64s([]float64{-1})))
	_, err = s.SampleNeighbors([]LocalID{0}, 2, true, "neg")
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestRandomWalk_Shape(t *testing.T) {
	// a 4-cycle: every walk can always continue
	spec := PartitionSpec{
		ID:    0,
		Nodes: []GlobalID{0, 1, 2, 3},
		Edges: []EdgeAssignment{
			{Global: 0, Src: 0, Dst: 1},
			{Global: 1, Src: 1, Dst: 2},
			{Global: 2, Src: 2, Dst: 3},
			{Global: 3, Src: 3, Dst: 0},
		},
	}
	book, err := BuildPartitionBook([]PartitionSpec{spec})
	require.NoError(t, err)
	graph, err := BuildLocalGraph(&spec)
	require.NoError(t, err)
	s := NewSampler(0, graph, book, NewFeatureStore(), 5)

	walks, err := s.RandomWalk([]LocalID{0, 2}, 6, 0, "")
	require.NoError(t, err)
	require.Len(t, walks, 2)
	for wi, walk := range walks {
		require.Len(t, walk, 7)
		for step := 1; step < len(walk); step++ {
			// each hop follows the cycle
			require.Equal(t, (walk[step-1]+1)%4, walk[step], "walk %d step %d", wi, step)
		}
	}
}

func TestRandomWalk_PadsAfterSink(t *testing.T) {
	book, graph, store := starFixture(t, 3)
	s := NewSampler(0, graph, book, store, 5)

	// from the hub: one hop to a sink, then NullID padding
	walks, err := s.RandomWalk([]LocalID{0, 1}, 4, 0, "")
	require.NoError(t, err)

	hub := walks[0]
	require.Equal(t, GlobalID(0), hub[0])
	require.Contains(t, []GlobalID{1, 2}, hub[1])
	require.Equal(t, []GlobalID{NullID, NullID, NullID}, hub[2:])

	sink := walks[1]
	require.Equal(t, GlobalID(1), sink[0])
	require.Equal(t, []GlobalID{NullID, NullID, NullID, NullID}, sink[1:])
}

func TestRandomWalk_TerminationEventuallyFires(t *testing.T) {
	spec := PartitionSpec{
		ID:    0,
		Nodes: []GlobalID{0},
		Edges: []EdgeAssignment{{Global: 0, Src: 0, Dst: 0}},
	}
	book, err := BuildPartitionBook([]PartitionSpec{spec})
	require.NoError(t, err)
	graph, err := BuildLocalGraph(&spec)
	require.NoError(t, err)
	s := NewSampler(0, graph, book, NewFeatureStore(), 11)

	walks, err := s.RandomWalk([]LocalID{0}, 50, 0.9, "")
	require.NoError(t, err)
	require.Equal(t, NullID, walks[0][50], "0.9 termination never fired in 50 steps")

	_, err = s.RandomWalk([]LocalID{0}, 5, 1.5, "")
	require.ErrorIs(t, err, ErrInvalidCfg)
	_, err = s.RandomWalk([]LocalID{0}, -1, 0, "")
	require.ErrorIs(t, err, ErrInvalidCfg)
}

func TestDrawHelpers(t *testing.T) {
	s := NewSampler(0, nil, nil, nil, 3)

	t.Run("replacement covers range", func(t *testing.T) {
		picks := drawWithReplacement(s.rng, 4, 100, nil)
		require.Len(t, picks, 100)
		for _, p := range picks {
			require.GreaterOrEqual(t, p, 0)
			require.Less(t, p, 4)
		}
	})

	t.Run("without replacement clamps to n", func(t *testing.T) {
		picks := drawWithoutReplacement(s.rng, 3, 10, nil)
		require.ElementsMatch(t, []int{0, 1, 2}, picks)
	})

	t.Run("weighted without replacement exhausts weight", func(t *testing.T) {
		// only two positive weights for three requested picks: the uniform
		// fallback must fill in the rest without repeating
		picks := drawWithoutReplacement(s.rng, 4, 3, []float64{0, 3, 0, 1})
		require.Len(t, picks, 3)
		seen := make(map[int]bool)
		for _, p := range picks {
			require.False(t, seen[p])
			seen[p] = true
		}
	})

	t.Run("cumulative search", func(t *testing.T) {
		cum := []float64{1, 3, 6}
		require.Equal(t, 0, searchCum(cum, 0.5))
		require.Equal(t, 1, searchCum(cum, 1))
		require.Equal(t, 1, searchCum(cum, 2.9))
		require.Equal(t, 2, searchCum(cum, 5.9))
	})
}
