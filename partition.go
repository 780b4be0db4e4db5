package partmesh

import (
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// GlobalID identifies a node or edge in the unpartitioned graph. Ids are
// dense and never reused.
type GlobalID uint64

// LocalID identifies a node or edge within one partition; dense per
// partition, assigned when the partition is built.
type LocalID uint64

// PartitionID names one partition, one per server.
type PartitionID uint32

// NullID pads truncated random walks.
const NullID GlobalID = math.MaxUint64

// EdgeAssignment is one edge of the partitioner's output: the edge's global
// id plus its endpoints as local ids within the owning partition.
type EdgeAssignment struct {
	Global GlobalID
	Src    LocalID
	Dst    LocalID
}

// PartitionSpec is what the external partitioner hands over for one
// partition: the ordered node list (local id = position) and the edge list
// (edge local id = position).
type PartitionSpec struct {
	ID    PartitionID
	Nodes []GlobalID
	Edges []EdgeAssignment
}

// PartitionBook is the immutable-after-load bijection between global ids and
// (partition, local id) pairs, for nodes and edges separately. Every request
// handler shares one instance without synchronization.
type PartitionBook struct {
	parts uint32

	nodePart   []uint32
	nodeLocal  []uint64
	nodeGlobal [][]GlobalID

	edgePart   []uint32
	edgeLocal  []uint64
	edgeGlobal [][]GlobalID
}

// BuildPartitionBook validates the partitioner's output and builds the
// direct-indexed lookup tables. It fails if any global id is assigned twice,
// left unassigned, or if an edge references a node outside its partition.
func BuildPartitionBook(specs []PartitionSpec) (*PartitionBook, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: no partitions", ErrBadAssignment)
	}

	seenParts := roaring64.New()
	var totalNodes, totalEdges uint64
	for _, spec := range specs {
		if seenParts.Contains(uint64(spec.ID)) {
			return nil, fmt.Errorf("%w: partition %d declared twice", ErrBadAssignment, spec.ID)
		}
		seenParts.Add(uint64(spec.ID))
		totalNodes += uint64(len(spec.Nodes))
		totalEdges += uint64(len(spec.Edges))
	}
	parts := uint64(len(specs))
	if seenParts.Maximum() != parts-1 {
		return nil, fmt.Errorf("%w: partition ids are not dense", ErrBadAssignment)
	}

	pb := &PartitionBook{
		parts:      uint32(parts),
		nodePart:   make([]uint32, totalNodes),
		nodeLocal:  make([]uint64, totalNodes),
		nodeGlobal: make([][]GlobalID, parts),
		edgePart:   make([]uint32, totalEdges),
		edgeLocal:  make([]uint64, totalEdges),
		edgeGlobal: make([][]GlobalID, parts),
	}

	seenNodes := roaring64.New()
	seenEdges := roaring64.New()
	for _, spec := range specs {
		for local, g := range spec.Nodes {
			if uint64(g) >= totalNodes {
				return nil, fmt.Errorf("%w: node id %d outside dense range [0,%d)",
					ErrBadAssignment, g, totalNodes)
			}
			if seenNodes.Contains(uint64(g)) {
				return nil, fmt.Errorf("%w: node id %d assigned twice", ErrBadAssignment, g)
			}
			seenNodes.Add(uint64(g))
			pb.nodePart[g] = uint32(spec.ID)
			pb.nodeLocal[g] = uint64(local)
		}
		nodes := make([]GlobalID, len(spec.Nodes))
		copy(nodes, spec.Nodes)
		pb.nodeGlobal[spec.ID] = nodes

		edges := make([]GlobalID, len(spec.Edges))
		for local, e := range spec.Edges {
			if uint64(e.Global) >= totalEdges {
				return nil, fmt.Errorf("%w: edge id %d outside dense range [0,%d)",
					ErrBadAssignment, e.Global, totalEdges)
			}
			if seenEdges.Contains(uint64(e.Global)) {
				return nil, fmt.Errorf("%w: edge id %d assigned twice", ErrBadAssignment, e.Global)
			}
			seenEdges.Add(uint64(e.Global))
			if uint64(e.Src) >= uint64(len(spec.Nodes)) || uint64(e.Dst) >= uint64(len(spec.Nodes)) {
				return nil, fmt.Errorf("%w: edge %d references node outside partition %d",
					ErrBadAssignment, e.Global, spec.ID)
			}
			pb.edgePart[e.Global] = uint32(spec.ID)
			pb.edgeLocal[e.Global] = uint64(local)
			edges[local] = e.Global
		}
		pb.edgeGlobal[spec.ID] = edges
	}

	// The per-partition checks above rule out duplicates and overflow, so a
	// full bitmap means every id was assigned exactly once.
	if seenNodes.GetCardinality() != totalNodes {
		return nil, fmt.Errorf("%w: %d of %d node ids unassigned",
			ErrBadAssignment, totalNodes-seenNodes.GetCardinality(), totalNodes)
	}
	if seenEdges.GetCardinality() != totalEdges {
		return nil, fmt.Errorf("%w: %d of %d edge ids unassigned",
			ErrBadAssignment, totalEdges-seenEdges.GetCardinality(), totalEdges)
	}
	return pb, nil
}

// NumPartitions returns the fixed partition count.
func (pb *PartitionBook) NumPartitions() uint32 { return pb.parts }

// NumNodes returns the total node count across partitions.
func (pb *PartitionBook) NumNodes() uint64 { return uint64(len(pb.nodePart)) }

// NumEdges returns the total edge count across partitions.
func (pb *PartitionBook) NumEdges() uint64 { return uint64(len(pb.edgePart)) }

// PartitionEdges returns how many edges partition p owns.
func (pb *PartitionBook) PartitionEdges(p PartitionID) uint64 {
	if uint32(p) >= pb.parts {
		return 0
	}
	return uint64(len(pb.edgeGlobal[p]))
}

// PartitionNodes returns how many nodes partition p owns.
func (pb *PartitionBook) PartitionNodes(p PartitionID) uint64 {
	if uint32(p) >= pb.parts {
		return 0
	}
	return uint64(len(pb.nodeGlobal[p]))
}

// LocateNode maps a global node id to its owning partition and local id.
func (pb *PartitionBook) LocateNode(g GlobalID) (PartitionID, LocalID, error) {
	if uint64(g) >= uint64(len(pb.nodePart)) {
		return 0, 0, fmt.Errorf("%w: node %d of %d", ErrOutOfRange, g, len(pb.nodePart))
	}
	return PartitionID(pb.nodePart[g]), LocalID(pb.nodeLocal[g]), nil
}

// NodePartition returns only the owning partition of a global node id.
func (pb *PartitionBook) NodePartition(g GlobalID) (PartitionID, error) {
	p, _, err := pb.LocateNode(g)
	return p, err
}

// NodeGlobalID inverts LocateNode.
func (pb *PartitionBook) NodeGlobalID(p PartitionID, l LocalID) (GlobalID, error) {
	if uint32(p) >= pb.parts || uint64(l) >= uint64(len(pb.nodeGlobal[p])) {
		return 0, fmt.Errorf("%w: node (%d,%d)", ErrOutOfRange, p, l)
	}
	return pb.nodeGlobal[p][l], nil
}

// LocateEdge maps a global edge id to its owning partition and local id.
func (pb *PartitionBook) LocateEdge(g GlobalID) (PartitionID, LocalID, error) {
	if uint64(g) >= uint64(len(pb.edgePart)) {
		return 0, 0, fmt.Errorf("%w: edge %d of %d", ErrOutOfRange, g, len(pb.edgePart))
	}
	return PartitionID(pb.edgePart[g]), LocalID(pb.edgeLocal[g]), nil
}

// EdgeGlobalID inverts LocateEdge.
func (pb *PartitionBook) EdgeGlobalID(p PartitionID, l LocalID) (GlobalID, error) {
	if uint32(p) >= pb.parts || uint64(l) >= uint64(len(pb.edgeGlobal[p])) {
		return 0, fmt.Errorf("%w: edge (%d,%d)", ErrOutOfRange, p, l)
	}
	return pb.edgeGlobal[p][l], nil
}
