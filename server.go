package partmesh

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-metrics"

	"github.com/partmesh/partmesh/pkg/tensor"
)

// Server hosts one partition: its local graph, its feature tables, and the
// service handlers answering feature and sampling requests against them.
// Sender ids of servers are their partition ids; client ids live above the
// partition count.
type Server struct {
	cfg    config
	logger *slog.Logger
	msink  metrics.MetricSink

	part  PartitionID
	book  *PartitionBook
	graph LocalGraph
	store *FeatureStore

	sampler *Sampler
	barrier *barrierService

	tr   *Transport
	disp *Dispatcher
}

// NewServer builds the partition's in-memory state from the partitioner's
// output, binds the transport, and starts serving. Feature tables can be
// created afterwards with CreateFeature, before clients are let in.
func NewServer(book *PartitionBook, spec *PartitionSpec, opts ...Option) (*Server, error) {
	if uint32(spec.ID) >= book.NumPartitions() {
		return nil, fmt.Errorf("%w: partition %d of %d", ErrOutOfRange, spec.ID, book.NumPartitions())
	}
	if uint64(len(spec.Nodes)) != book.PartitionNodes(spec.ID) {
		return nil, fmt.Errorf("%w: spec and book disagree on partition %d size",
			ErrBadAssignment, spec.ID)
	}

	s := &Server{
		cfg:  defaultConfig(),
		part: spec.ID,
		book: book,
	}
	for _, opt := range opts {
		if err := opt(&s.cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if s.cfg.logHandler != nil {
		s.logger = slog.New(s.cfg.logHandler)
	} else {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(LabelPartition.L(uint32(spec.ID)))
	if s.cfg.msink == nil {
		s.cfg.msink = metrics.Default()
	}
	s.msink = s.cfg.msink

	graph, err := BuildLocalGraph(spec)
	if err != nil {
		return nil, err
	}
	s.graph = graph
	s.store = NewFeatureStore()
	s.sampler = NewSampler(spec.ID, graph, book, s.store, s.cfg.samplerSeed)
	s.barrier = newBarrierService(s.logger, s.msink)

	s.disp = NewDispatcher(&DispatcherConfig{
		LocalID:      uint32(spec.ID),
		Workers:      s.cfg.workers,
		TaskDepth:    s.cfg.taskDepth,
		LogHandler:   s.cfg.logHandler,
		MetricSink:   s.msink,
		MetricLabels: s.cfg.metricLabels,
	})
	(&featureService{store: s.store}).register(s.disp)
	(&samplingService{sampler: s.sampler}).register(s.disp)
	s.barrier.register(s.disp)

	trCfg := s.cfg.trCfg
	trCfg.LocalID = uint32(spec.ID)
	trCfg.Role = RoleServer
	trCfg.Partition = uint32(spec.ID)
	trCfg.Partitions = book.NumPartitions()
	trCfg.BlockWhenFull = false
	tr, err := NewTransport(&trCfg)
	if err != nil {
		s.disp.Shutdown()
		return nil, err
	}
	tr.SetHandler(s.disp.OnMessage, func(c *Conn, cause error) {
		s.disp.FailConn(c, cause)
	})
	s.tr = tr

	s.logger.Info("partition server up",
		"addr", tr.LocalAddr(),
		"nodes", graph.NumNodes(),
		"edges", len(spec.Edges))
	return s, nil
}

// NewServerFromSnapshot boots a server from a partition snapshot file,
// restoring the feature tables it carries.
func NewServerFromSnapshot(book *PartitionBook, path string, opts ...Option) (*Server, error) {
	spec, feats, err := ReadSnapshotFile(path)
	if err != nil {
		return nil, err
	}
	s, err := NewServer(book, spec, opts...)
	if err != nil {
		return nil, err
	}
	if err := RestoreFeatures(s.store, feats); err != nil {
		s.Shutdown()
		return nil, err
	}
	return s, nil
}

// WriteSnapshot persists the partition and its current feature tables to
// path, atomically. The produced file boots an identical server through
// NewServerFromSnapshot.
func (s *Server) WriteSnapshot(path string) error {
	spec, err := s.snapshotSpec()
	if err != nil {
		return err
	}
	return WriteSnapshotFile(path, spec, SnapshotFeatures(s.store))
}

// snapshotSpec reassembles the partitioner's output for this partition from
// the book and the adjacency structure.
func (s *Server) snapshotSpec() (*PartitionSpec, error) {
	spec := &PartitionSpec{
		ID:    s.part,
		Nodes: append([]GlobalID(nil), s.book.nodeGlobal[s.part]...),
		Edges: make([]EdgeAssignment, s.book.PartitionEdges(s.part)),
	}
	for u := LocalID(0); uint64(u) < s.graph.NumNodes(); u++ {
		dsts, eids, err := s.graph.OutNeighbors(u)
		if err != nil {
			return nil, err
		}
		for i, eid := range eids {
			g, err := s.book.EdgeGlobalID(s.part, eid)
			if err != nil {
				return nil, err
			}
			spec.Edges[eid] = EdgeAssignment{Global: g, Src: u, Dst: dsts[i]}
		}
	}
	return spec, nil
}

// Barrier enters the named rendezvous hosted by this server, counting the
// process itself toward the group. Clients rendezvous on the partition-0
// server, so a mixed client/server group gathers there.
func (s *Server) Barrier(ctx context.Context, name string, groupSize int) error {
	if groupSize <= 0 {
		return fmt.Errorf("%w: barrier group size %d", ErrInvalidCfg, groupSize)
	}
	done := make(chan error, 1)
	req := &Request{
		Sender:  uint32(s.part),
		Service: SvcBarrier,
		Buffers: []tensor.Buffer{
			tensor.FromBytes([]byte(name)),
			tensor.FromUint64s([]uint64{uint64(groupSize)}),
		},
	}
	s.barrier.handleEnter(req, func(_ []tensor.Buffer, err error) {
		done <- err
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Partition returns the partition this server owns.
func (s *Server) Partition() PartitionID { return s.part }

// Addr returns the transport's dial address.
func (s *Server) Addr() string { return s.tr.LocalAddr() }

// Port returns the transport's bound UDP port.
func (s *Server) Port() int { return s.tr.LocalPort() }

// Features exposes the partition's feature store for loading and local use.
func (s *Server) Features() *FeatureStore { return s.store }

// Graph exposes the partition's read-only adjacency structure.
func (s *Server) Graph() LocalGraph { return s.graph }

// CreateFeature allocates a zeroed feature table sized to this partition:
// one row per local node or per local edge depending on the domain.
func (s *Server) CreateFeature(domain Domain, name string, dtype tensor.DType, shape []int) (*FeatureTable, error) {
	var rows uint64
	switch domain {
	case NodeDomain:
		rows = s.graph.NumNodes()
	case EdgeDomain:
		rows = s.book.PartitionEdges(s.part)
	default:
		return nil, fmt.Errorf("%w: invalid feature domain", ErrInvalidCfg)
	}
	return s.store.CreateTable(domain, name, dtype, shape, rows)
}

// RegisterHandler installs an additional service handler; ids below
// SvcUserBase are reserved for the built-in services.
func (s *Server) RegisterHandler(svc ServiceID, h Handler) error {
	if svc < SvcUserBase {
		return fmt.Errorf("%w: service ids below %d are reserved", ErrInvalidCfg, SvcUserBase)
	}
	s.disp.Register(svc, h)
	return nil
}

// Shutdown stops serving and tears down every connection. In-flight
// requests on the peers resolve with ErrConnLost or ErrShutdown.
func (s *Server) Shutdown() error {
	err := s.tr.Shutdown()
	s.disp.Shutdown()
	s.logger.Info("partition server down")
	return err
}
