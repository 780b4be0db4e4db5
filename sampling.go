package partmesh

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/partmesh/partmesh/pkg/tensor"
)

// NeighborSample is the result of sampling the out-neighborhoods of a batch
// of seeds: Offsets[i]:Offsets[i+1] delimits seed i's picks inside Nodes and
// Edges, which are already translated to global id space.
type NeighborSample struct {
	Offsets []uint64
	Nodes   []GlobalID
	Edges   []GlobalID
}

// Seed returns the picks for seed i.
func (ns *NeighborSample) Seed(i int) (nodes, edges []GlobalID) {
	lo, hi := ns.Offsets[i], ns.Offsets[i+1]
	return ns.Nodes[lo:hi], ns.Edges[lo:hi]
}

// Sampler answers sampling requests against one partition's local graph.
// The RNG is shared and mutex-guarded: with a fixed seed and requests
// arriving one at a time, results are reproducible.
type Sampler struct {
	part  PartitionID
	graph LocalGraph
	book  *PartitionBook
	store *FeatureStore

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSampler builds a sampler. A zero seed derives one from the clock;
// fixing the seed makes single-threaded serving deterministic.
func NewSampler(part PartitionID, graph LocalGraph, book *PartitionBook, store *FeatureStore, seed int64) *Sampler {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Sampler{
		part:  part,
		graph: graph,
		book:  book,
		store: store,
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// edgeWeights reads the weight row of every edge in eids. Best-effort with
// respect to concurrent pushes: rows are read one by one under their stripe
// locks, the set is not isolated.
func (s *Sampler) edgeWeights(feature string, eids []LocalID) ([]float64, error) {
	t, err := s.store.Table(EdgeDomain, feature)
	if err != nil {
		return nil, err
	}
	w := make([]float64, len(eids))
	for i, id := range eids {
		v, err := t.weightAt(id)
		if err != nil {
			return nil, err
		}
		if v < 0 {
			return nil, fmt.Errorf("%w: negative weight %g in table %q", ErrShapeMismatch, v, feature)
		}
		w[i] = v
	}
	return w, nil
}

// SampleNeighbors draws up to fanout out-neighbors per seed. When fanout
// covers the whole neighborhood and draws are without replacement, the full
// neighbor set is returned with no RNG involved. weightFeature names an edge
// feature to bias draws, empty for uniform.
func (s *Sampler) SampleNeighbors(seeds []LocalID, fanout int, withReplacement bool, weightFeature string) (*NeighborSample, error) {
	if fanout < 0 {
		return nil, fmt.Errorf("%w: negative fanout", ErrInvalidCfg)
	}

	out := &NeighborSample{Offsets: make([]uint64, 1, len(seeds)+1)}
	for _, seed := range seeds {
		dsts, eids, err := s.graph.OutNeighbors(seed)
		if err != nil {
			return nil, err
		}

		var picks []int
		switch {
		case len(dsts) == 0 || fanout == 0:
			// nothing to draw
		case !withReplacement && fanout >= len(dsts):
			picks = make([]int, len(dsts))
			for i := range picks {
				picks[i] = i
			}
		default:
			var weights []float64
			if weightFeature != "" {
				if weights, err = s.edgeWeights(weightFeature, eids); err != nil {
					return nil, err
				}
			}
			s.mu.Lock()
			if withReplacement {
				picks = drawWithReplacement(s.rng, len(dsts), fanout, weights)
			} else {
				picks = drawWithoutReplacement(s.rng, len(dsts), fanout, weights)
			}
			s.mu.Unlock()
		}

		for _, i := range picks {
			ng, err := s.book.NodeGlobalID(s.part, dsts[i])
			if err != nil {
				return nil, err
			}
			eg, err := s.book.EdgeGlobalID(s.part, eids[i])
			if err != nil {
				return nil, err
			}
			out.Nodes = append(out.Nodes, ng)
			out.Edges = append(out.Edges, eg)
		}
		out.Offsets = append(out.Offsets, uint64(len(out.Nodes)))
	}
	return out, nil
}

// RandomWalk walks walkLength steps from every seed. Each row of the result
// has walkLength+1 global ids starting at the seed; once a walk hits a
// zero-out-degree node or a termination draw fires, the remainder is padded
// with NullID.
func (s *Sampler) RandomWalk(seeds []LocalID, walkLength int, terminationProb float64, weightFeature string) ([][]GlobalID, error) {
	if walkLength < 0 {
		return nil, fmt.Errorf("%w: negative walk length", ErrInvalidCfg)
	}
	if terminationProb < 0 || terminationProb >= 1 {
		return nil, fmt.Errorf("%w: termination probability %g outside [0,1)", ErrInvalidCfg, terminationProb)
	}

	walks := make([][]GlobalID, len(seeds))
	for wi, seed := range seeds {
		walk := make([]GlobalID, walkLength+1)
		start, err := s.book.NodeGlobalID(s.part, seed)
		if err != nil {
			return nil, err
		}
		walk[0] = start

		cur := seed
		step := 1
		for ; step <= walkLength; step++ {
			dsts, eids, err := s.graph.OutNeighbors(cur)
			if err != nil {
				return nil, err
			}
			if len(dsts) == 0 {
				break
			}

			s.mu.Lock()
			terminated := terminationProb > 0 && s.rng.Float64() < terminationProb
			s.mu.Unlock()
			if terminated {
				break
			}

			var pick int
			if weightFeature != "" {
				weights, err := s.edgeWeights(weightFeature, eids)
				if err != nil {
					return nil, err
				}
				s.mu.Lock()
				pick = drawWithReplacement(s.rng, len(dsts), 1, weights)[0]
				s.mu.Unlock()
			} else {
				s.mu.Lock()
				pick = s.rng.Intn(len(dsts))
				s.mu.Unlock()
			}

			cur = dsts[pick]
			if walk[step], err = s.book.NodeGlobalID(s.part, cur); err != nil {
				return nil, err
			}
		}
		for ; step <= walkLength; step++ {
			walk[step] = NullID
		}
		walks[wi] = walk
	}
	return walks, nil
}

// drawWithReplacement draws fanout independent indices in [0,n), optionally
// weighted by a cumulative-sum inversion.
func drawWithReplacement(rng *rand.Rand, n, fanout int, weights []float64) []int {
	picks := make([]int, fanout)
	if weights == nil {
		for i := range picks {
			picks[i] = rng.Intn(n)
		}
		return picks
	}

	cum := make([]float64, n)
	total := 0.0
	for i, w := range weights {
		total += w
		cum[i] = total
	}
	for i := range picks {
		if total <= 0 {
			picks[i] = rng.Intn(n)
			continue
		}
		picks[i] = searchCum(cum, rng.Float64()*total)
	}
	return picks
}

// drawWithoutReplacement draws fanout distinct indices in [0,n). Uniform
// draws use a partial Fisher-Yates pass; weighted draws renormalize after
// zeroing each selected weight.
func drawWithoutReplacement(rng *rand.Rand, n, fanout int, weights []float64) []int {
	if fanout > n {
		fanout = n
	}

	if weights == nil {
		perm := make([]int, n)
		for i := range perm {
			perm[i] = i
		}
		for i := 0; i < fanout; i++ {
			j := i + rng.Intn(n-i)
			perm[i], perm[j] = perm[j], perm[i]
		}
		return perm[:fanout]
	}

	w := append([]float64(nil), weights...)
	total := 0.0
	for _, x := range w {
		total += x
	}
	picks := make([]int, 0, fanout)
	for len(picks) < fanout {
		if total <= 0 {
			// remaining weight exhausted, fall back to uniform over the rest
			for i := 0; i < n && len(picks) < fanout; i++ {
				if w[i] >= 0 {
					picks = append(picks, i)
				}
			}
			break
		}
		r := rng.Float64() * total
		acc := 0.0
		chosen := -1
		for i, x := range w {
			if x < 0 {
				continue
			}
			acc += x
			if r < acc {
				chosen = i
				break
			}
		}
		if chosen == -1 {
			// float accumulation undershoot, take the last eligible index
			for i := n - 1; i >= 0; i-- {
				if w[i] >= 0 {
					chosen = i
					break
				}
			}
		}
		picks = append(picks, chosen)
		total -= w[chosen]
		w[chosen] = -1
	}
	return picks
}

func searchCum(cum []float64, r float64) int {
	lo, hi := 0, len(cum)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if cum[mid] <= r {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// samplingService is the server half of the sampling protocol.
//
// SampleNeighbors request: [seeds]u64, [fanout, withReplacement]u64,
// weight-feature name bytes. Response: [offsets]u64, [nodes]u64, [edges]u64.
//
// RandomWalk request: [seeds]u64, [walkLength]u64, [terminationProb]f64,
// weight-feature name bytes. Response: flattened [len(seeds) x
// (walkLength+1)]u64 walk matrix.
type samplingService struct {
	sampler *Sampler
}

func (s *samplingService) register(d *Dispatcher) {
	d.Register(SvcSampleNeighbors, s.handleSampleNeighbors)
	d.Register(SvcRandomWalk, s.handleRandomWalk)
}

func localIDs(buf tensor.Buffer) ([]LocalID, error) {
	raw, err := buf.Uint64s()
	if err != nil {
		return nil, fmt.Errorf("%w: bad id buffer", ErrBadResponse)
	}
	ids := make([]LocalID, len(raw))
	for i, v := range raw {
		ids[i] = LocalID(v)
	}
	return ids, nil
}

func globalsToU64(ids []GlobalID) []uint64 {
	out := make([]uint64, len(ids))
	for i, id := range ids {
		out[i] = uint64(id)
	}
	return out
}

func (s *samplingService) handleSampleNeighbors(_ context.Context, req *Request) ([]tensor.Buffer, error) {
	if len(req.Buffers) != 3 {
		return nil, fmt.Errorf("%w: sample wants 3 buffers, got %d", ErrBadResponse, len(req.Buffers))
	}
	seeds, err := localIDs(req.Buffers[0])
	if err != nil {
		return nil, err
	}
	opts, err := req.Buffers[1].Uint64s()
	if err != nil || len(opts) != 2 {
		return nil, fmt.Errorf("%w: bad sample options buffer", ErrBadResponse)
	}
	weightFeature := string(req.Buffers[2].Data)

	res, err := s.sampler.SampleNeighbors(seeds, int(opts[0]), opts[1] != 0, weightFeature)
	if err != nil {
		return nil, err
	}
	return []tensor.Buffer{
		tensor.FromUint64s(res.Offsets),
		tensor.FromUint64s(globalsToU64(res.Nodes)),
		tensor.FromUint64s(globalsToU64(res.Edges)),
	}, nil
}

func (s *samplingService) handleRandomWalk(_ context.Context, req *Request) ([]tensor.Buffer, error) {
	if len(req.Buffers) != 4 {
		return nil, fmt.Errorf("%w: walk wants 4 buffers, got %d", ErrBadResponse, len(req.Buffers))
	}
	seeds, err := localIDs(req.Buffers[0])
	if err != nil {
		return nil, err
	}
	lenBuf, err := req.Buffers[1].Uint64s()
	if err != nil || len(lenBuf) != 1 {
		return nil, fmt.Errorf("%w: bad walk length buffer", ErrBadResponse)
	}
	probBuf, err := req.Buffers[2].Float64s()
	if err != nil || len(probBuf) != 1 {
		return nil, fmt.Errorf("%w: bad termination buffer", ErrBadResponse)
	}
	weightFeature := string(req.Buffers[3].Data)

	walks, err := s.sampler.RandomWalk(seeds, int(lenBuf[0]), probBuf[0], weightFeature)
	if err != nil {
		return nil, err
	}
	flat := make([]uint64, 0, len(walks)*(int(lenBuf[0])+1))
	for _, walk := range walks {
		flat = append(flat, globalsToU64(walk)...)
	}
	return []tensor.Buffer{tensor.FromUint64s(flat)}, nil
}
