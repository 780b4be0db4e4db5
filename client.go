package partmesh

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"golang.org/x/sync/errgroup"

	"github.com/partmesh/partmesh/pkg/tensor"
)

// Client issues feature and sampling requests in global id space. It holds
// one connection per partition server, translates global ids through the
// partition book, fans the per-partition requests out in parallel, and
// reassembles responses in request order.
type Client struct {
	cfg    config
	logger *slog.Logger
	msink  metrics.MetricSink

	id    uint32
	book  *PartitionBook
	addrs []string

	tr   *Transport
	disp *Dispatcher

	slots []*connSlot
}

type connSlot struct {
	mu   chan struct{} // 1-token semaphore so redials honor the context
	conn *Conn
}

// NewClient connects to every partition server listed in addrs (indexed by
// partition id) and runs the startup handshake with each. The client id must
// be unique across the whole group and must not collide with the partition
// ids the servers use.
func NewClient(ctx context.Context, id uint32, book *PartitionBook, addrs []string, opts ...Option) (*Client, error) {
	if uint32(len(addrs)) != book.NumPartitions() {
		return nil, fmt.Errorf("%w: %d addresses for %d partitions",
			ErrInvalidCfg, len(addrs), book.NumPartitions())
	}
	if id < book.NumPartitions() {
		return nil, fmt.Errorf("%w: client id %d collides with partition ids", ErrInvalidCfg, id)
	}

	c := &Client{
		cfg:   defaultConfig(),
		id:    id,
		book:  book,
		addrs: append([]string(nil), addrs...),
	}
	for _, opt := range opts {
		if err := opt(&c.cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if c.cfg.logHandler != nil {
		c.logger = slog.New(c.cfg.logHandler)
	} else {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With(LabelPeerID.L(id))
	if c.cfg.msink == nil {
		c.cfg.msink = metrics.Default()
	}
	c.msink = c.cfg.msink

	c.disp = NewDispatcher(&DispatcherConfig{
		LocalID:      id,
		Workers:      c.cfg.workers,
		TaskDepth:    c.cfg.taskDepth,
		LogHandler:   c.cfg.logHandler,
		MetricSink:   c.msink,
		MetricLabels: c.cfg.metricLabels,
	})

	trCfg := c.cfg.trCfg
	trCfg.LocalID = id
	trCfg.Role = RoleClient
	trCfg.Partitions = book.NumPartitions()
	trCfg.BlockWhenFull = true
	tr, err := NewTransport(&trCfg)
	if err != nil {
		c.disp.Shutdown()
		return nil, err
	}
	tr.SetHandler(c.disp.OnMessage, c.onConnLost)
	c.tr = tr

	c.slots = make([]*connSlot, len(addrs))
	for i := range c.slots {
		c.slots[i] = &connSlot{mu: make(chan struct{}, 1)}
	}

	// Establish every connection up front; a server that is down now is a
	// startup error, not something to paper over with redials.
	g, gctx := errgroup.WithContext(ctx)
	for p := range addrs {
		g.Go(func() error {
			_, err := c.conn(gctx, PartitionID(p))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) onConnLost(lost *Conn, cause error) {
	c.disp.FailConn(lost, cause)
	for _, slot := range c.slots {
		select {
		case slot.mu <- struct{}{}:
			if slot.conn == lost {
				slot.conn = nil
			}
			<-slot.mu
		default:
			// slot busy dialing; it will observe the closed conn itself
		}
	}
}

// conn returns the live connection to partition p, redialing a bounded
// number of times with backoff when the previous one was lost.
func (c *Client) conn(ctx context.Context, p PartitionID) (*Conn, error) {
	slot := c.slots[p]
	select {
	case slot.mu <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-slot.mu }()

	if slot.conn != nil && slot.conn.Err() == nil {
		return slot.conn, nil
	}
	if slot.conn != nil {
		slot.conn = nil
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.redialAttempts; attempt++ {
		if attempt > 0 {
			c.msink.IncrCounterWithLabels(MetricConnRedialCount, 1.0,
				append(c.cfg.metricLabels, LabelPartition.M(fmt.Sprint(uint32(p)))))
			select {
			case <-time.After(c.cfg.redialBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		conn, err := c.tr.Dial(ctx, c.addrs[p])
		if err == nil {
			slot.conn = conn
			return conn, nil
		}
		lastErr = err
		c.logger.Warn("dial failed", LabelPartition.L(uint32(p)),
			"attempt", attempt, "error", err)
	}
	return nil, fmt.Errorf("%w: partition %d unreachable: %w", ErrConnLost, p, lastErr)
}

func (c *Client) call(ctx context.Context, p PartitionID, svc ServiceID, payload []tensor.Buffer) ([]tensor.Buffer, error) {
	conn, err := c.conn(ctx, p)
	if err != nil {
		return nil, err
	}
	return c.disp.Call(ctx, conn, svc, payload, c.cfg.callTimeout)
}

// locate resolves ids of one domain through the partition book.
func (c *Client) locate(domain Domain, g GlobalID) (PartitionID, LocalID, error) {
	switch domain {
	case NodeDomain:
		return c.book.LocateNode(g)
	case EdgeDomain:
		return c.book.LocateEdge(g)
	default:
		return 0, 0, fmt.Errorf("%w: invalid feature domain", ErrInvalidCfg)
	}
}

// partitionBatch is one partition's share of a global-id request, with the
// original positions so responses can be reassembled in request order.
type partitionBatch struct {
	locals []LocalID
	posns  []int
}

func (c *Client) groupByPartition(domain Domain, ids []GlobalID) (map[PartitionID]*partitionBatch, error) {
	groups := make(map[PartitionID]*partitionBatch)
	for pos, id := range ids {
		p, local, err := c.locate(domain, id)
		if err != nil {
			return nil, err
		}
		b := groups[p]
		if b == nil {
			b = &partitionBatch{}
			groups[p] = b
		}
		b.locals = append(b.locals, local)
		b.posns = append(b.posns, pos)
	}
	return groups, nil
}

// PullFeatures reads the named feature for the given global ids, returning
// one row buffer per id in request order. Safe to retry.
func (c *Client) PullFeatures(ctx context.Context, domain Domain, name string, ids []GlobalID) ([]tensor.Buffer, error) {
	groups, err := c.groupByPartition(domain, ids)
	if err != nil {
		return nil, err
	}

	rows := make([]tensor.Buffer, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for p, batch := range groups {
		g.Go(func() error {
			resp, err := c.call(gctx, p, SvcFeaturePull, encodeFeatureAddr(domain, name, batch.locals))
			if err != nil {
				return err
			}
			if len(resp) != 1 {
				return fmt.Errorf("%w: pull returned %d buffers", ErrBadResponse, len(resp))
			}
			data := resp[0].Data
			if len(batch.locals) == 0 || len(data)%len(batch.locals) != 0 {
				return fmt.Errorf("%w: pull rows do not divide evenly", ErrBadResponse)
			}
			rowBytes := len(data) / len(batch.locals)
			for i, pos := range batch.posns {
				rows[pos] = tensor.Buffer{
					DType: resp[0].DType,
					Data:  data[i*rowBytes : (i+1)*rowBytes],
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

// PushFeatures writes full-replacement rows for the given global ids. rows
// must hold exactly len(ids) rows of the table's dtype, concatenated in id
// order. Full replacement is what makes a retried push safe.
func (c *Client) PushFeatures(ctx context.Context, domain Domain, name string, ids []GlobalID, rows tensor.Buffer) error {
	if len(ids) == 0 {
		return nil
	}
	if len(rows.Data)%len(ids) != 0 {
		return fmt.Errorf("%w: %d bytes for %d ids", ErrCountMismatch, len(rows.Data), len(ids))
	}
	rowBytes := len(rows.Data) / len(ids)

	groups, err := c.groupByPartition(domain, ids)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for p, batch := range groups {
		g.Go(func() error {
			data := make([]byte, 0, len(batch.posns)*rowBytes)
			for _, pos := range batch.posns {
				data = append(data, rows.Data[pos*rowBytes:(pos+1)*rowBytes]...)
			}
			payload := append(
				encodeFeatureAddr(domain, name, batch.locals),
				tensor.Buffer{DType: rows.DType, Data: data},
			)
			_, err := c.call(gctx, p, SvcFeaturePush, payload)
			return err
		})
	}
	return g.Wait()
}

// Neighborhood is one seed's sampled neighbors in global id space.
type Neighborhood struct {
	Seed  GlobalID
	Nodes []GlobalID
	Edges []GlobalID
}

// SampleNeighbors draws up to fanout out-neighbors for every seed, routing
// each seed to the partition owning it. weightFeature names an edge feature
// to bias the draws, empty for uniform. Safe to retry.
func (c *Client) SampleNeighbors(ctx context.Context, seeds []GlobalID, fanout int, withReplacement bool, weightFeature string) ([]Neighborhood, error) {
	groups, err := c.groupByPartition(NodeDomain, seeds)
	if err != nil {
		return nil, err
	}

	out := make([]Neighborhood, len(seeds))
	for i, s := range seeds {
		out[i].Seed = s
	}

	withRepl := uint64(0)
	if withReplacement {
		withRepl = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	for p, batch := range groups {
		g.Go(func() error {
			raw := make([]uint64, len(batch.locals))
			for i, l := range batch.locals {
				raw[i] = uint64(l)
			}
			resp, err := c.call(gctx, p, SvcSampleNeighbors, []tensor.Buffer{
				tensor.FromUint64s(raw),
				tensor.FromUint64s([]uint64{uint64(fanout), withRepl}),
				tensor.FromBytes([]byte(weightFeature)),
			})
			if err != nil {
				return err
			}
			if len(resp) != 3 {
				return fmt.Errorf("%w: sample returned %d buffers", ErrBadResponse, len(resp))
			}
			offsets, err := resp[0].Uint64s()
			if err != nil || len(offsets) != len(batch.locals)+1 {
				return fmt.Errorf("%w: bad sample offsets", ErrBadResponse)
			}
			nodes, err := resp[1].Uint64s()
			if err != nil {
				return fmt.Errorf("%w: bad sampled nodes", ErrBadResponse)
			}
			edges, err := resp[2].Uint64s()
			if err != nil || len(edges) != len(nodes) {
				return fmt.Errorf("%w: bad sampled edges", ErrBadResponse)
			}
			for i, pos := range batch.posns {
				lo, hi := offsets[i], offsets[i+1]
				if hi > uint64(len(nodes)) || lo > hi {
					return fmt.Errorf("%w: sample offsets out of bounds", ErrBadResponse)
				}
				nb := &out[pos]
				nb.Nodes = make([]GlobalID, 0, hi-lo)
				nb.Edges = make([]GlobalID, 0, hi-lo)
				for j := lo; j < hi; j++ {
					nb.Nodes = append(nb.Nodes, GlobalID(nodes[j]))
					nb.Edges = append(nb.Edges, GlobalID(edges[j]))
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// RandomWalk walks walkLength steps from every seed on the partition owning
// it. Every returned row has walkLength+1 ids starting at the seed, padded
// with NullID past termination.
func (c *Client) RandomWalk(ctx context.Context, seeds []GlobalID, walkLength int, terminationProb float64, weightFeature string) ([][]GlobalID, error) {
	groups, err := c.groupByPartition(NodeDomain, seeds)
	if err != nil {
		return nil, err
	}

	walks := make([][]GlobalID, len(seeds))
	g, gctx := errgroup.WithContext(ctx)
	for p, batch := range groups {
		g.Go(func() error {
			raw := make([]uint64, len(batch.locals))
			for i, l := range batch.locals {
				raw[i] = uint64(l)
			}
			resp, err := c.call(gctx, p, SvcRandomWalk, []tensor.Buffer{
				tensor.FromUint64s(raw),
				tensor.FromUint64s([]uint64{uint64(walkLength)}),
				tensor.FromFloat64s([]float64{terminationProb}),
				tensor.FromBytes([]byte(weightFeature)),
			})
			if err != nil {
				return err
			}
			if len(resp) != 1 {
				return fmt.Errorf("%w: walk returned %d buffers", ErrBadResponse, len(resp))
			}
			flat, err := resp[0].Uint64s()
			if err != nil || len(flat) != len(batch.locals)*(walkLength+1) {
				return fmt.Errorf("%w: bad walk matrix", ErrBadResponse)
			}
			stride := walkLength + 1
			for i, pos := range batch.posns {
				walk := make([]GlobalID, stride)
				for j := 0; j < stride; j++ {
					walk[j] = GlobalID(flat[i*stride+j])
				}
				walks[pos] = walk
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return walks, nil
}

// Barrier blocks until groupSize participants have entered the named
// rendezvous on the partition-0 server. Used at startup and shutdown, never
// on the request hot path; the wait is bounded by ctx, not the call timeout.
func (c *Client) Barrier(ctx context.Context, name string, groupSize int) error {
	timeout := time.Duration(0)
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	} else {
		timeout = 5 * time.Minute
	}
	conn, err := c.conn(ctx, 0)
	if err != nil {
		return err
	}
	_, err = c.disp.Call(ctx, conn, SvcBarrier, []tensor.Buffer{
		tensor.FromBytes([]byte(name)),
		tensor.FromUint64s([]uint64{uint64(groupSize)}),
	}, timeout)
	return err
}

// Close tears down every connection; in-flight calls resolve with
// ErrShutdown.
func (c *Client) Close() error {
	err := c.tr.Shutdown()
	c.disp.Shutdown()
	return err
}
