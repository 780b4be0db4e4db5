package partmesh

import "fmt"

// LocalGraph exposes the adjacency structure of one partition. It is built
// once at load time and read-only during serving, so concurrent handlers
// share it without locking.
type LocalGraph interface {
	NumNodes() uint64
	OutDegree(u LocalID) (uint64, error)
	InDegree(u LocalID) (uint64, error)
	// OutNeighbors returns the destinations and edge local ids of u's
	// outgoing edges, ordered by edge insertion. The returned slices alias
	// internal storage and must not be mutated.
	OutNeighbors(u LocalID) ([]LocalID, []LocalID, error)
	InNeighbors(u LocalID) ([]LocalID, []LocalID, error)
}

// csrGraph stores both adjacency directions in compressed sparse rows.
type csrGraph struct {
	numNodes uint64

	outOff   []uint64
	outDst   []LocalID
	outEdges []LocalID

	inOff   []uint64
	inSrc   []LocalID
	inEdges []LocalID
}

var _ LocalGraph = (*csrGraph)(nil)

// BuildLocalGraph packs a partition's edge list into CSR form. Edge order
// within a node's out-list follows the edge list order, which keeps
// neighbor positions stable across reloads of the same spec.
func BuildLocalGraph(spec *PartitionSpec) (LocalGraph, error) {
	n := uint64(len(spec.Nodes))
	g := &csrGraph{
		numNodes: n,
		outOff:   make([]uint64, n+1),
		outDst:   make([]LocalID, len(spec.Edges)),
		outEdges: make([]LocalID, len(spec.Edges)),
		inOff:    make([]uint64, n+1),
		inSrc:    make([]LocalID, len(spec.Edges)),
		inEdges:  make([]LocalID, len(spec.Edges)),
	}

	for _, e := range spec.Edges {
		if uint64(e.Src) >= n || uint64(e.Dst) >= n {
			return nil, fmt.Errorf("%w: edge (%d -> %d) in a %d-node partition",
				ErrOutOfRange, e.Src, e.Dst, n)
		}
		g.outOff[e.Src+1]++
		g.inOff[e.Dst+1]++
	}
	for i := uint64(1); i <= n; i++ {
		g.outOff[i] += g.outOff[i-1]
		g.inOff[i] += g.inOff[i-1]
	}

	outCursor := make([]uint64, n)
	inCursor := make([]uint64, n)
	for local, e := range spec.Edges {
		o := g.outOff[e.Src] + outCursor[e.Src]
		g.outDst[o] = e.Dst
		g.outEdges[o] = LocalID(local)
		outCursor[e.Src]++

		i := g.inOff[e.Dst] + inCursor[e.Dst]
		g.inSrc[i] = e.Src
		g.inEdges[i] = LocalID(local)
		inCursor[e.Dst]++
	}
	return g, nil
}

func (g *csrGraph) NumNodes() uint64 { return g.numNodes }

func (g *csrGraph) OutDegree(u LocalID) (uint64, error) {
	if uint64(u) >= g.numNodes {
		return 0, fmt.Errorf("%w: node %d of %d", ErrOutOfRange, u, g.numNodes)
	}
	return g.outOff[u+1] - g.outOff[u], nil
}

func (g *csrGraph) InDegree(u LocalID) (uint64, error) {
	if uint64(u) >= g.numNodes {
		return 0, fmt.Errorf("%w: node %d of %d", ErrOutOfRange, u, g.numNodes)
	}
	return g.inOff[u+1] - g.inOff[u], nil
}

func (g *csrGraph) OutNeighbors(u LocalID) ([]LocalID, []LocalID, error) {
	if uint64(u) >= g.numNodes {
		return nil, nil, fmt.Errorf("%w: node %d of %d", ErrOutOfRange, u, g.numNodes)
	}
	lo, hi := g.outOff[u], g.outOff[u+1]
	return g.outDst[lo:hi], g.outEdges[lo:hi], nil
}

func (g *csrGraph) InNeighbors(u LocalID) ([]LocalID, []LocalID, error) {
	if uint64(u) >= g.numNodes {
		return nil, nil, fmt.Errorf("%w: node %d of %d", ErrOutOfRange, u, g.numNodes)
	}
	lo, hi := g.inOff[u], g.inOff[u+1]
	return g.inSrc[lo:hi], g.inEdges[lo:hi], nil
}
