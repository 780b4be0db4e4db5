package partmesh

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"

	"github.com/partmesh/partmesh/internal/selfsigned"
	"github.com/partmesh/partmesh/pkg/tensor"
)

type testCluster struct {
	ca      *selfsigned.Authority
	book    *PartitionBook
	specs   []PartitionSpec
	servers []*Server
	addrs   []string
}

// newTestCluster starts one in-process server per partition over loopback
// QUIC with throwaway mTLS credentials. Servers are torn down with the test.
func newTestCluster(t *testing.T, parts, nodesPerPart, degree int, opts ...Option) *testCluster {
	t.Helper()
	tc := &testCluster{
		specs: shardedSpecs(t, parts, parts*nodesPerPart, degree, 7),
	}
	book, err := BuildPartitionBook(tc.specs)
	require.NoError(t, err)
	tc.book = book

	tc.ca, err = selfsigned.NewAuthority()
	require.NoError(t, err)

	for i := range tc.specs {
		tlsConf, err := tc.ca.Issue(fmt.Sprintf("server-%d", i))
		require.NoError(t, err)
		srvOpts := append([]Option{
			WithTLSConfig(tlsConf),
			WithListenOn("127.0.0.1", 0),
			WithMetricSink(&metrics.BlackholeSink{}),
			WithSamplerSeed(1000 + int64(i)),
		}, opts...)
		srv, err := NewServer(book, &tc.specs[i], srvOpts...)
		require.NoError(t, err)
		t.Cleanup(func() { srv.Shutdown() })
		tc.servers = append(tc.servers, srv)
		tc.addrs = append(tc.addrs, srv.Addr())
	}
	return tc
}

func (tc *testCluster) client(t *testing.T, id uint32, opts ...Option) *Client {
	t.Helper()
	tlsConf, err := tc.ca.Issue(fmt.Sprintf("client-%d", id))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cl, err := NewClient(ctx, id, tc.book, tc.addrs, append([]Option{
		WithTLSConfig(tlsConf),
		WithMetricSink(&metrics.BlackholeSink{}),
	}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })
	return cl
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// outNeighborSet resolves a global seed's out-neighborhood to global id space
// straight from the partition specs, bypassing the servers.
func (tc *testCluster) outNeighborSet(t *testing.T, seed GlobalID) map[GlobalID]bool {
	t.Helper()
	p, local, err := tc.book.LocateNode(seed)
	require.NoError(t, err)
	set := make(map[GlobalID]bool)
	for _, e := range tc.specs[p].Edges {
		if e.Src == local {
			g, err := tc.book.NodeGlobalID(p, e.Dst)
			require.NoError(t, err)
			set[g] = true
		}
	}
	return set
}

func TestCluster_PullPushRoundtrip(t *testing.T) {
	tc := newTestCluster(t, 4, 25, 3)
	for _, srv := range tc.servers {
		_, err := srv.CreateFeature(NodeDomain, "emb", tensor.Float32, []int{2})
		require.NoError(t, err)
	}
	cl := tc.client(t, 4)
	ctx := testCtx(t)

	// ids deliberately span several partitions and repeat one id
	ids := []GlobalID{0, 99, 17, 42, 17}
	rows := make([]float32, 0, 2*len(ids))
	for i := range ids {
		rows = append(rows, float32(ids[i]), float32(i))
	}
	require.NoError(t, cl.PushFeatures(ctx, NodeDomain, "emb", ids, tensor.FromFloat32s(rows)))

	got, err := cl.PullFeatures(ctx, NodeDomain, "emb", ids)
	require.NoError(t, err)
	require.Len(t, got, len(ids))
	for i, row := range got {
		vals, err := row.Float32s()
		require.NoError(t, err)
		require.Len(t, vals, 2)
		require.Equal(t, float32(ids[i]), vals[0], "row %d came back out of order", i)
	}

	// untouched ids still read as zeros
	got, err = cl.PullFeatures(ctx, NodeDomain, "emb", []GlobalID{1})
	require.NoError(t, err)
	vals, err := got[0].Float32s()
	require.NoError(t, err)
	require.Equal(t, []float32{0, 0}, vals)
}

func TestCluster_FeatureErrorsCrossTheWire(t *testing.T) {
	tc := newTestCluster(t, 2, 10, 2)
	for _, srv := range tc.servers {
		_, err := srv.CreateFeature(NodeDomain, "emb", tensor.Float32, []int{2})
		require.NoError(t, err)
	}
	cl := tc.client(t, 2)
	ctx := testCtx(t)

	_, err := cl.PullFeatures(ctx, NodeDomain, "nope", []GlobalID{0})
	require.ErrorIs(t, err, ErrUnknownFeature)

	err = cl.PushFeatures(ctx, NodeDomain, "emb", []GlobalID{0}, tensor.FromFloat64s([]float64{1, 2}))
	require.ErrorIs(t, err, ErrShapeMismatch)

	_, err = cl.PullFeatures(ctx, NodeDomain, "emb", []GlobalID{999})
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestCluster_SampleNeighbors(t *testing.T) {
	tc := newTestCluster(t, 4, 25, 8)
	cl := tc.client(t, 4)
	ctx := testCtx(t)

	seeds := []GlobalID{3, 77, 50, 12, 98, 31, 64, 7, 55, 20}
	hoods, err := cl.SampleNeighbors(ctx, seeds, 5, false, "")
	require.NoError(t, err)
	require.Len(t, hoods, len(seeds))

	for i, h := range hoods {
		require.Equal(t, seeds[i], h.Seed, "neighborhood %d out of order", i)
		neighbors := tc.outNeighborSet(t, h.Seed)
		// every node has out-degree 8, so a fanout-5 draw always fills up
		require.Len(t, h.Nodes, 5)
		require.Len(t, h.Edges, 5)
		for j, n := range h.Nodes {
			require.True(t, neighbors[n], "sampled %d is not an out-neighbor of %d", n, h.Seed)
			// the edge must terminate at the node it was returned with
			p, el, err := tc.book.LocateEdge(h.Edges[j])
			require.NoError(t, err)
			dst, err := tc.book.NodeGlobalID(p, tc.specs[p].Edges[el].Dst)
			require.NoError(t, err)
			require.Equal(t, n, dst)
		}
	}
}

func TestCluster_RandomWalk(t *testing.T) {
	tc := newTestCluster(t, 3, 20, 4)
	cl := tc.client(t, 3)
	ctx := testCtx(t)

	seeds := []GlobalID{5, 41, 20}
	const steps = 8
	walks, err := cl.RandomWalk(ctx, seeds, steps, 0.2, "")
	require.NoError(t, err)
	require.Len(t, walks, len(seeds))

	for i, walk := range walks {
		require.Len(t, walk, steps+1)
		require.Equal(t, seeds[i], walk[0])
		seedPart, _, err := tc.book.LocateNode(seeds[i])
		require.NoError(t, err)
		padded := false
		for _, g := range walk[1:] {
			if g == NullID {
				padded = true
				continue
			}
			require.False(t, padded, "live id after NullID padding began")
			p, _, err := tc.book.LocateNode(g)
			require.NoError(t, err)
			require.Equal(t, seedPart, p, "walk left its partition")
		}
	}
}

func TestCluster_SamplingDeterministicAcrossRuns(t *testing.T) {
	run := func() []Neighborhood {
		tc := newTestCluster(t, 2, 15, 4)
		cl := tc.client(t, 2)
		hoods, err := cl.SampleNeighbors(testCtx(t), []GlobalID{0, 20, 7}, 2, true, "")
		require.NoError(t, err)
		return hoods
	}
	require.Equal(t, run(), run())
}

func TestCluster_WeightedSamplingOverTheWire(t *testing.T) {
	tc := newTestCluster(t, 2, 10, 3)
	for _, srv := range tc.servers {
		tbl, err := srv.CreateFeature(EdgeDomain, "w", tensor.Float64, []int{1})
		require.NoError(t, err)
		ones := make([]float64, tbl.Rows())
		ids := make([]LocalID, tbl.Rows())
		for i := range ones {
			ones[i] = 1
			ids[i] = LocalID(i)
		}
		require.NoError(t, tbl.Push(ids, tensor.FromFloat64s(ones)))
	}
	cl := tc.client(t, 2)

	hoods, err := cl.SampleNeighbors(testCtx(t), []GlobalID{0, 11}, 2, true, "w")
	require.NoError(t, err)
	for _, h := range hoods {
		require.Len(t, h.Nodes, 2)
	}

	_, err = cl.SampleNeighbors(testCtx(t), []GlobalID{0}, 2, true, "missing")
	require.ErrorIs(t, err, ErrUnknownFeature)
}

func TestCluster_Barrier(t *testing.T) {
	tc := newTestCluster(t, 2, 10, 2)
	a := tc.client(t, 2)
	b := tc.client(t, 3)
	ctx := testCtx(t)

	require.NoError(t, a.Barrier(ctx, "solo", 1))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, cl := range []*Client{a, b} {
		wg.Add(1)
		go func(i int, cl *Client) {
			defer wg.Done()
			errs[i] = cl.Barrier(ctx, "pair", 2)
		}(i, cl)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
}

func TestCluster_ServerJoinsBarrier(t *testing.T) {
	tc := newTestCluster(t, 1, 10, 2)
	srv := tc.servers[0]
	cl := tc.client(t, 1)
	ctx := testCtx(t)

	require.ErrorIs(t, srv.Barrier(ctx, "bad", 0), ErrInvalidCfg)

	// the hosting server and one client rendezvous in the same group
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Barrier(ctx, "mixed", 2) }()
	require.NoError(t, cl.Barrier(ctx, "mixed", 2))
	require.NoError(t, <-srvErr)
}

func TestCluster_UserHandlers(t *testing.T) {
	tc := newTestCluster(t, 1, 10, 2)
	srv := tc.servers[0]

	require.ErrorIs(t, srv.RegisterHandler(SvcFeaturePull, nil), ErrInvalidCfg)

	echo := SvcUserBase
	require.NoError(t, srv.RegisterHandler(echo, func(_ context.Context, req *Request) ([]tensor.Buffer, error) {
		return req.Buffers, nil
	}))

	cl := tc.client(t, 1)
	ctx := testCtx(t)

	payload := []tensor.Buffer{tensor.FromUint64s([]uint64{7, 8, 9})}
	resp, err := cl.call(ctx, 0, echo, payload)
	require.NoError(t, err)
	require.Equal(t, payload, resp)

	_, err = cl.call(ctx, 0, echo+1, nil)
	require.ErrorIs(t, err, ErrUnknownService)
}

func TestCluster_CallTimeoutAndLateResponse(t *testing.T) {
	tc := newTestCluster(t, 1, 10, 2)
	srv := tc.servers[0]

	release := make(chan struct{})
	slow := SvcUserBase
	require.NoError(t, srv.RegisterHandler(slow, func(_ context.Context, _ *Request) ([]tensor.Buffer, error) {
		<-release
		return nil, nil
	}))

	cl := tc.client(t, 1, WithCallTimeout(150*time.Millisecond))
	ctx := testCtx(t)

	start := time.Now()
	_, err := cl.call(ctx, 0, slow, nil)
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), 5*time.Second)

	// let the response arrive after its call expired: it must be discarded
	// without disturbing the next request on the same connection
	close(release)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, cl.Barrier(ctx, "still-alive", 1))
}

func TestCluster_InFlightCallFailsOnConnLoss(t *testing.T) {
	tc := newTestCluster(t, 1, 10, 2)
	srv := tc.servers[0]

	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	stuck := SvcUserBase
	require.NoError(t, srv.RegisterHandler(stuck, func(_ context.Context, _ *Request) ([]tensor.Buffer, error) {
		close(entered)
		<-release
		return nil, nil
	}))

	cl := tc.client(t, 1)
	ctx := testCtx(t)

	done := make(chan error, 1)
	go func() {
		_, err := cl.call(ctx, 0, stuck, nil)
		done <- err
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached the handler")
	}

	// sever while the call is parked: the caller must resolve with the
	// connection loss, not hang until its timeout
	conns := srv.tr.Conns()
	require.Len(t, conns, 1)
	conns[0].Close()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrConnLost)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight call did not resolve after the connection was lost")
	}
}

func TestCluster_RedialAfterConnLoss(t *testing.T) {
	tc := newTestCluster(t, 1, 10, 2)
	cl := tc.client(t, 1)
	ctx := testCtx(t)

	require.NoError(t, cl.Barrier(ctx, "before", 1))

	// sever from the server side; the client must notice and redial
	conns := tc.servers[0].tr.Conns()
	require.Len(t, conns, 1)
	conns[0].Close()

	slot := cl.slots[0]
	require.Eventually(t, func() bool {
		select {
		case slot.mu <- struct{}{}:
			conn := slot.conn
			<-slot.mu
			return conn == nil || conn.Err() != nil
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, cl.Barrier(ctx, "after", 1))
}

func TestCluster_SnapshotBoot(t *testing.T) {
	tc := newTestCluster(t, 1, 12, 2)
	srv := tc.servers[0]
	_, err := srv.CreateFeature(NodeDomain, "emb", tensor.Float32, []int{2})
	require.NoError(t, err)

	cl := tc.client(t, 1)
	ctx := testCtx(t)
	ids := []GlobalID{0, 5, 11}
	require.NoError(t, cl.PushFeatures(ctx, NodeDomain, "emb", ids,
		tensor.FromFloat32s([]float32{1, 2, 3, 4, 5, 6})))

	path := filepath.Join(t.TempDir(), "part-0.snap")
	require.NoError(t, srv.WriteSnapshot(path))
	require.NoError(t, cl.Close())
	require.NoError(t, srv.Shutdown())

	tlsConf, err := tc.ca.Issue("server-0-reborn")
	require.NoError(t, err)
	reborn, err := NewServerFromSnapshot(tc.book, path,
		WithTLSConfig(tlsConf),
		WithListenOn("127.0.0.1", 0),
		WithMetricSink(&metrics.BlackholeSink{}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { reborn.Shutdown() })

	tc.addrs[0] = reborn.Addr()
	cl2 := tc.client(t, 1)
	got, err := cl2.PullFeatures(testCtx(t), NodeDomain, "emb", ids)
	require.NoError(t, err)
	for i, row := range got {
		vals, err := row.Float32s()
		require.NoError(t, err)
		require.Equal(t, []float32{float32(2*i + 1), float32(2*i + 2)}, vals)
	}
}

func TestCluster_ShapeMismatchRejected(t *testing.T) {
	tc := newTestCluster(t, 3, 10, 2)

	// a client configured for a 2-partition world must be turned away
	smallBook, err := BuildPartitionBook(shardedSpecs(t, 2, 20, 2, 3))
	require.NoError(t, err)
	tlsConf, err := tc.ca.Issue("confused-client")
	require.NoError(t, err)

	ctx := testCtx(t)
	_, err = NewClient(ctx, 9, smallBook, tc.addrs[:2],
		WithTLSConfig(tlsConf),
		WithMetricSink(&metrics.BlackholeSink{}),
	)
	require.ErrorIs(t, err, ErrClusterShape)
}

func TestNewClient_Validation(t *testing.T) {
	book, err := BuildPartitionBook(shardedSpecs(t, 2, 10, 1, 1))
	require.NoError(t, err)
	ctx := testCtx(t)

	_, err = NewClient(ctx, 5, book, []string{"127.0.0.1:1"})
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = NewClient(ctx, 1, book, []string{"127.0.0.1:1", "127.0.0.1:2"})
	require.ErrorIs(t, err, ErrInvalidCfg)
}

func TestNewServer_Validation(t *testing.T) {
	specs := shardedSpecs(t, 2, 10, 1, 1)
	book, err := BuildPartitionBook(specs)
	require.NoError(t, err)

	badSpec := PartitionSpec{ID: 5}
	_, err = NewServer(book, &badSpec)
	require.ErrorIs(t, err, ErrOutOfRange)

	shrunk := PartitionSpec{ID: 0, Nodes: specs[0].Nodes[:1]}
	_, err = NewServer(book, &shrunk)
	require.ErrorIs(t, err, ErrBadAssignment)

	_, err = NewServer(book, &specs[0]) // no TLS config
	require.ErrorIs(t, err, ErrNoTLSConfig)
}
