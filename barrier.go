package partmesh

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-metrics"

	"github.com/partmesh/partmesh/pkg/tensor"
)

// barrierService coordinates named rendezvous points. It runs on the
// partition-0 server. Requests park until the whole group has arrived, then
// every waiter is released at once; the handler is deferred so no worker
// goroutine blocks while parked.
//
// Request payload: name bytes, [groupSize]u64. Every participant must name
// the same group size. Response payload: empty.
type barrierService struct {
	logger *slog.Logger
	msink  metrics.MetricSink

	mu     sync.Mutex
	groups map[string]*barrierGroup
}

type barrierGroup struct {
	expected int
	waiters  []func([]tensor.Buffer, error)
}

func newBarrierService(logger *slog.Logger, msink metrics.MetricSink) *barrierService {
	return &barrierService{
		logger: logger,
		msink:  msink,
		groups: make(map[string]*barrierGroup),
	}
}

func (b *barrierService) register(d *Dispatcher) {
	d.RegisterDeferred(SvcBarrier, b.handleEnter)
}

func (b *barrierService) handleEnter(req *Request, respond func([]tensor.Buffer, error)) {
	if len(req.Buffers) != 2 {
		respond(nil, fmt.Errorf("%w: barrier wants 2 buffers, got %d", ErrBadResponse, len(req.Buffers)))
		return
	}
	name := string(req.Buffers[0].Data)
	sizeBuf, err := req.Buffers[1].Uint64s()
	if err != nil || len(sizeBuf) != 1 || sizeBuf[0] == 0 {
		respond(nil, fmt.Errorf("%w: bad barrier group size", ErrBadResponse))
		return
	}
	expected := int(sizeBuf[0])

	b.mu.Lock()
	g, ok := b.groups[name]
	if !ok {
		g = &barrierGroup{expected: expected}
		b.groups[name] = g
	}
	if g.expected != expected {
		b.mu.Unlock()
		respond(nil, fmt.Errorf("%w: barrier %q group size disagreement (%d vs %d)",
			ErrInvalidCfg, name, expected, g.expected))
		return
	}
	g.waiters = append(g.waiters, respond)
	arrived := len(g.waiters)
	b.msink.SetGauge(MetricBarrierWaiters, float32(arrived))
	if arrived < g.expected {
		b.mu.Unlock()
		b.logger.Debug("barrier waiter parked", "barrier", name,
			"arrived", arrived, "expected", g.expected)
		return
	}
	delete(b.groups, name)
	waiters := g.waiters
	b.mu.Unlock()

	b.logger.Debug("barrier released", "barrier", name, "participants", len(waiters))
	for _, release := range waiters {
		release(nil, nil)
	}
}
