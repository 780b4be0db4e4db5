package partmesh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/trees/binaryheap"
	"github.com/hashicorp/go-metrics"

	"github.com/partmesh/partmesh/pkg/tensor"
)

const (
	defaultCallTimeout = 30 * time.Second
	defaultWorkers     = 16
	defaultTaskDepth   = 1024
)

// Request is a decoded inbound request handed to a service handler.
type Request struct {
	Sender  uint32
	Service ServiceID
	Buffers []tensor.Buffer
}

// Handler serves one request on a worker-pool goroutine and returns the
// response payload. Returned sentinel errors (ErrOutOfRange and friends)
// travel to the caller as wire statuses; anything else becomes
// StatusInternal. Handlers must not issue further remote calls while holding
// the pool goroutine.
type Handler func(ctx context.Context, req *Request) ([]tensor.Buffer, error)

// DeferredHandler serves requests whose response is produced later, such as
// a barrier that replies only once the whole group has arrived. respond must
// be called exactly once; it is safe to call from any goroutine.
type DeferredHandler func(req *Request, respond func([]tensor.Buffer, error))

type callResult struct {
	msg *Message
	err error
}

// pendingCall correlates an in-flight request with its eventual response.
type pendingCall struct {
	seq      uint64
	deadline time.Time
	conn     *Conn
	done     chan callResult
}

// Dispatcher owns request/response correlation on the client path and the
// service registry plus worker pool on the server path. One instance serves
// one process; both clients and servers run one (servers also issue barrier
// calls through it).
type Dispatcher struct {
	logger  *slog.Logger
	msink   metrics.MetricSink
	mlabels []metrics.Label
	localID uint32

	seq atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*pendingCall
	expiry  *binaryheap.Heap
	wake    chan struct{}

	handlersMu sync.RWMutex
	handlers   map[ServiceID]DeferredHandler

	pool *workerPool

	baseCtx   context.Context
	cancel    context.CancelFunc
	stopOnce  sync.Once
	sweeperWg sync.WaitGroup
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	LocalID      uint32
	Workers      int
	TaskDepth    int
	LogHandler   slog.Handler
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
}

func NewDispatcher(cfg *DispatcherConfig) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	taskDepth := cfg.TaskDepth
	if taskDepth <= 0 {
		taskDepth = defaultTaskDepth
	}

	d := &Dispatcher{
		msink:   cfg.MetricSink,
		mlabels: cfg.MetricLabels,
		localID: cfg.LocalID,
		pending: make(map[uint64]*pendingCall),
		expiry: binaryheap.NewWith(func(a, b interface{}) int {
			da := a.(*pendingCall).deadline
			db := b.(*pendingCall).deadline
			switch {
			case da.Before(db):
				return -1
			case da.After(db):
				return 1
			default:
				return 0
			}
		}),
		wake:     make(chan struct{}, 1),
		handlers: make(map[ServiceID]DeferredHandler),
		pool:     newWorkerPool(workers, taskDepth),
	}
	if cfg.LogHandler == nil {
		d.logger = slog.Default()
	} else {
		d.logger = slog.New(cfg.LogHandler)
	}
	if d.msink == nil {
		d.msink = metrics.Default()
	}
	d.baseCtx, d.cancel = context.WithCancel(context.Background())

	d.sweeperWg.Add(1)
	go d.sweepExpired()
	return d
}

// Register installs a synchronous handler for a service id. Registration
// happens at startup, before any peer connects.
func (d *Dispatcher) Register(svc ServiceID, h Handler) {
	d.RegisterDeferred(svc, func(req *Request, respond func([]tensor.Buffer, error)) {
		respond(h(d.baseCtx, req))
	})
}

// RegisterDeferred installs a handler that may respond after returning.
func (d *Dispatcher) RegisterDeferred(svc ServiceID, h DeferredHandler) {
	d.handlersMu.Lock()
	d.handlers[svc] = h
	d.handlersMu.Unlock()
}

// Call sends a request to the peer behind conn and blocks the calling
// goroutine until the response arrives, the timeout elapses, the context is
// cancelled, or the connection is lost. There is no automatic retry at this
// layer. Never call from a connection or worker-pool goroutine.
func (d *Dispatcher) Call(ctx context.Context, conn *Conn, svc ServiceID, payload []tensor.Buffer, timeout time.Duration) ([]tensor.Buffer, error) {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	seq := d.seq.Add(1)
	pc := &pendingCall{
		seq:      seq,
		deadline: time.Now().Add(timeout),
		conn:     conn,
		done:     make(chan callResult, 1),
	}

	d.mu.Lock()
	d.pending[seq] = pc
	d.expiry.Push(pc)
	d.mu.Unlock()
	d.kickSweeper()

	msg := &Message{
		Sender:   d.localID,
		Receiver: conn.PeerID(),
		Service:  svc,
		Seq:      seq,
		Request:  true,
		Buffers:  payload,
	}

	start := time.Now()
	svcLabels := append(d.mlabels, LabelService.M(svc.String()))
	d.msink.IncrCounterWithLabels(MetricCallCount, 1.0, svcLabels)

	if err := conn.Send(ctx, msg); err != nil {
		d.forget(seq)
		d.msink.IncrCounterWithLabels(MetricCallErrorCount, 1.0, svcLabels)
		return nil, err
	}

	select {
	case res := <-pc.done:
		if res.err != nil {
			d.msink.IncrCounterWithLabels(MetricCallErrorCount, 1.0, svcLabels)
			return nil, res.err
		}
		d.msink.AddSampleWithLabels(MetricCallLatencyMs,
			float32(time.Since(start).Milliseconds()), svcLabels)
		return res.msg.Buffers, nil
	case <-ctx.Done():
		d.forget(seq)
		return nil, ctx.Err()
	}
}

// forget drops a pending call without completing it; used on cancellation and
// send failure. The heap entry is left behind and skipped lazily.
func (d *Dispatcher) forget(seq uint64) {
	d.mu.Lock()
	delete(d.pending, seq)
	d.mu.Unlock()
}

func (d *Dispatcher) kickSweeper() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// sweepExpired resolves pending calls whose deadline has passed with
// ErrTimeout. Entries already completed or forgotten are skipped: the map is
// the source of truth, the heap only orders deadlines.
func (d *Dispatcher) sweepExpired() {
	defer d.sweeperWg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		d.mu.Lock()
		wait := time.Hour
		now := time.Now()
		for {
			top, ok := d.expiry.Peek()
			if !ok {
				break
			}
			pc := top.(*pendingCall)
			if live, stillPending := d.pending[pc.seq]; !stillPending || live != pc {
				d.expiry.Pop()
				continue
			}
			if until := pc.deadline.Sub(now); until > 0 {
				wait = until
				break
			}
			d.expiry.Pop()
			delete(d.pending, pc.seq)
			pc.done <- callResult{err: ErrTimeout}
			d.msink.IncrCounterWithLabels(MetricCallTimeoutCount, 1.0, d.mlabels)
		}
		d.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
		case <-d.wake:
		case <-d.baseCtx.Done():
			return
		}
	}
}

// OnMessage is the transport callback: it routes requests to handlers (on
// the worker pool) and responses to their pending call. It runs on the
// connection reader goroutine and never blocks.
func (d *Dispatcher) OnMessage(c *Conn, m *Message) {
	if m.Request {
		d.serveRequest(c, m)
		return
	}

	d.mu.Lock()
	pc, ok := d.pending[m.Seq]
	if ok {
		delete(d.pending, m.Seq)
	}
	d.mu.Unlock()

	if !ok {
		// Expired or cancelled before the response came back; discard.
		d.msink.IncrCounterWithLabels(MetricLateResponseCount, 1.0, d.mlabels)
		d.logger.Debug("discarding response with no pending request", "seq", m.Seq)
		return
	}

	if err := m.Status.Err(); err != nil {
		if m.Detail != "" {
			err = fmt.Errorf("%w: %s", err, m.Detail)
		}
		pc.done <- callResult{err: err}
		return
	}
	pc.done <- callResult{msg: m}
}

func (d *Dispatcher) serveRequest(c *Conn, m *Message) {
	d.handlersMu.RLock()
	h, ok := d.handlers[m.Service]
	d.handlersMu.RUnlock()

	if !ok {
		d.logger.Warn("request for unknown service",
			LabelService.L(uint32(m.Service)), LabelPeerID.L(c.PeerID()))
		d.respond(c, m, nil, ErrUnknownService)
		return
	}

	req := &Request{Sender: m.Sender, Service: m.Service, Buffers: m.Buffers}
	submitted := d.pool.trySubmit(func() {
		d.msink.IncrCounterWithLabels(MetricHandlerCount, 1.0,
			append(d.mlabels, LabelService.M(m.Service.String())))
		var once sync.Once
		h(req, func(payload []tensor.Buffer, err error) {
			once.Do(func() {
				d.respond(c, m, payload, err)
			})
		})
	})
	if !submitted {
		d.msink.IncrCounterWithLabels(MetricHandlerRejectOver, 1.0, d.mlabels)
		d.respond(c, m, nil, ErrQueueFull)
	}
}

func (d *Dispatcher) respond(c *Conn, req *Message, payload []tensor.Buffer, err error) {
	resp := &Message{
		Sender:   d.localID,
		Receiver: req.Sender,
		Service:  req.Service,
		Seq:      req.Seq,
		Status:   statusOf(err),
		Buffers:  payload,
	}
	if err != nil {
		resp.Detail = err.Error()
		resp.Buffers = nil
	}
	if serr := c.Send(d.baseCtx, resp); serr != nil {
		d.logger.Warn("failed to send response",
			"seq", req.Seq, LabelPeerID.L(c.PeerID()), "error", serr)
	}
}

// FailConn resolves every pending call in flight on the lost connection.
func (d *Dispatcher) FailConn(c *Conn, cause error) {
	d.mu.Lock()
	var failed []*pendingCall
	for seq, pc := range d.pending {
		if pc.conn == c {
			delete(d.pending, seq)
			failed = append(failed, pc)
		}
	}
	d.mu.Unlock()

	for _, pc := range failed {
		pc.done <- callResult{err: cause}
	}
	if len(failed) > 0 {
		d.logger.Debug("failed in-flight requests on lost connection",
			"count", len(failed), LabelPeerID.L(c.PeerID()))
	}
}

// Shutdown stops the sweeper and the worker pool and fails whatever is still
// pending with ErrShutdown.
func (d *Dispatcher) Shutdown() {
	d.stopOnce.Do(func() {
		d.cancel()
		d.sweeperWg.Wait()
		d.pool.shutdown()

		d.mu.Lock()
		for seq, pc := range d.pending {
			delete(d.pending, seq)
			pc.done <- callResult{err: ErrShutdown}
		}
		d.mu.Unlock()
	})
}

func (s ServiceID) String() string {
	switch s {
	case svcControl:
		return "control"
	case SvcFeaturePull:
		return "feature_pull"
	case SvcFeaturePush:
		return "feature_push"
	case SvcSampleNeighbors:
		return "sample_neighbors"
	case SvcRandomWalk:
		return "random_walk"
	case SvcBarrier:
		return "barrier"
	default:
		return fmt.Sprintf("service_%d", uint32(s))
	}
}

// workerPool executes service handlers on a fixed set of goroutines so the
// connection reader goroutines stay dedicated to I/O.
type workerPool struct {
	tasks chan func()
	stop  chan struct{}
	wg    sync.WaitGroup
}

func newWorkerPool(workers, depth int) *workerPool {
	p := &workerPool{
		tasks: make(chan func(), depth),
		stop:  make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

func (p *workerPool) run() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			task()
		case <-p.stop:
			return
		}
	}
}

// trySubmit reports false when the task queue is full; the caller answers
// the peer with an overload status instead of blocking the reader.
func (p *workerPool) trySubmit(task func()) bool {
	select {
	case p.tasks <- task:
		return true
	case <-p.stop:
		return false
	default:
		return false
	}
}

func (p *workerPool) shutdown() {
	close(p.stop)
	p.wg.Wait()
}
