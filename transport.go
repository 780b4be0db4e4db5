package partmesh

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"

	"github.com/partmesh/partmesh/pkg/tensor"
)

const defaultUDPBufferSize int = 1 << 21

// Role distinguishes the two ends of a connection.
type Role uint8

const (
	RoleClient Role = iota + 1
	RoleServer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "unknown"
	}
}

// TransportConfig configures the point-to-point message transport.
type TransportConfig struct {
	// BindAddr and BindPort are where the transport listens. Clients may
	// leave BindPort zero to get an ephemeral port.
	BindAddr string
	BindPort int

	// TLSConfig must be set; peers authenticate with mTLS.
	TLSConfig *tls.Config

	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize fails startup if the kernel doesn't allocate what we
	// asked. When false, the request is halved until it fits.
	EnforceBufferSize bool

	// DialTimeout bounds connection and handshake establishment.
	DialTimeout time.Duration

	// QueueDepth bounds the outbound queue of every connection.
	QueueDepth int

	// BlockWhenFull selects the backpressure policy when an outbound queue
	// is full: block the sender (clients) or drop and report ErrQueueFull
	// (servers, which must not hold memory for overloaded peers).
	BlockWhenFull bool

	// LocalID identifies this process in message headers.
	LocalID uint32

	// Role of this process; RoleServer transports accept inbound
	// connections, RoleClient transports only dial.
	Role Role

	// Partition served by this process when Role is RoleServer.
	Partition uint32

	// Partitions is the fixed cluster-wide partition count; the handshake
	// rejects peers that disagree.
	Partitions uint32

	// MetricLabels to add to every metric emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Transport owns the QUIC endpoint of one process and every connection
// established through it. Each Conn is a persistent bidirectional byte
// stream carrying framed messages; decoded messages are handed to the
// handler installed with SetHandler.
type Transport struct {
	cfg    *TransportConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	// graceful termination asked, do not spam connection errors in logs
	gracefulTerm atomic.Bool

	onMessage  func(*Conn, *Message)
	onConnLost func(*Conn, error)

	connsLock sync.RWMutex
	conns     map[uint32]*Conn

	wg sync.WaitGroup

	quicConf *quic.Config

	// QUIC layer
	tr *quic.Transport
	ln *quic.Listener

	// UDP layer
	udpLn *net.UDPConn
}

// NewTransport binds the UDP socket and, for servers, starts accepting
// connections. SetHandler must be called before the first Dial or before
// any peer connects.
func NewTransport(cfg *TransportConfig) (t *Transport, err error) {
	if cfg.TLSConfig == nil {
		return nil, ErrNoTLSConfig
	}
	if cfg.Role != RoleClient && cfg.Role != RoleServer {
		return nil, fmt.Errorf("%w: missing role", ErrInvalidCfg)
	}

	t = &Transport{
		cfg:   cfg,
		conns: make(map[uint32]*Conn),
	}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}
	t.logger = t.logger.With("role", cfg.Role.String(), LabelPeerID.L(cfg.LocalID))

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}

	defer func() {
		if err != nil {
			t.Shutdown()
		}
	}()

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}

	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: cfg.BindPort})
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}
	if err := t.negotiateBufferSize(requested); err != nil {
		return nil, err
	}

	t.tr = &quic.Transport{
		Conn: udpLn,
	}
	t.quicConf = &quic.Config{
		Versions:       []quic.Version{quic.Version2, quic.Version1},
		MaxIdleTimeout: 1 * time.Minute,
	}

	if cfg.Role == RoleServer {
		ln, err := t.tr.Listen(cfg.TLSConfig, t.quicConf)
		if err != nil {
			return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
		}
		t.ln = ln
		t.wg.Add(1)
		go t.acceptLoop()
	}
	return t, nil
}

// SetHandler installs the callbacks invoked for every decoded inbound message
// and for every lost connection. Callbacks run on the connection's reader
// goroutine and must not block; service work belongs on a worker pool.
func (t *Transport) SetHandler(onMessage func(*Conn, *Message), onConnLost func(*Conn, error)) {
	t.onMessage = onMessage
	t.onConnLost = onConnLost
}

// LocalAddr returns the bound UDP address, usable as a dial target.
func (t *Transport) LocalAddr() string {
	return t.udpLn.LocalAddr().String()
}

// LocalPort returns the bound UDP port.
func (t *Transport) LocalPort() int {
	udp, ok := t.udpLn.LocalAddr().(*net.UDPAddr)
	if !ok {
		panic("transport: UDP listener has non-UDP local address " + t.udpLn.LocalAddr().String())
	}
	return udp.Port
}

func (t *Transport) negotiateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := t.udpLn.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				return fmt.Errorf("transport: could not allocate udp buffer: %w", err)
			}
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		return nil
	}
	return fmt.Errorf("transport: could not allocate udp buffer")
}

// Dial establishes a connection and runs the handshake. The returned Conn is
// registered and serviced until it is closed or lost.
func (t *Transport) Dial(ctx context.Context, addr string) (*Conn, error) {
	if t.gracefulTerm.Load() {
		return nil, ErrShutdown
	}
	if t.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.DialTimeout)
		defer cancel()
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid address %q: %w", addr, err)
	}

	sess, err := t.tr.Dial(ctx, udpAddr, t.cfg.TLSConfig, t.quicConf)
	if err != nil {
		t.msink.IncrCounterWithLabels(MetricConnErrorCount, 1.0,
			append(t.cfg.MetricLabels, LabelPeerAddr.M(addr)))
		return nil, fmt.Errorf("%w: %w", ErrConnLost, err)
	}

	stream, err := sess.OpenStreamSync(ctx)
	if err != nil {
		qerrHandshake.Close(sess, "cannot open stream")
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	hello := &Message{
		Sender:  t.cfg.LocalID,
		Service: svcControl,
		Request: true,
		Buffers: []tensor.Buffer{tensor.FromUint64s([]uint64{
			uint64(t.cfg.Role),
			uint64(t.cfg.Partition),
			uint64(t.cfg.Partitions),
		})},
	}
	frame, err := encodeMessage(nil, hello)
	if err != nil {
		panic(err) // static frame, cannot fail
	}
	if _, err := stream.Write(frame); err != nil {
		qerrHandshake.Close(sess, "cannot send hello")
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	welcome, leftover, err := readHandshake(ctx, stream)
	if err != nil {
		qerrHandshake.Close(sess, "no welcome")
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if welcome.Status != StatusOK {
		qerrHandshake.Close(sess, "rejected")
		if welcome.Detail == "cluster shape mismatch" {
			return nil, ErrClusterShape
		}
		return nil, fmt.Errorf("%w: peer rejected us: %s", ErrHandshake, welcome.Detail)
	}
	peerRole, peerPart, peerParts, err := parsePeerInfo(welcome)
	if err != nil {
		qerrHandshake.Close(sess, "bad welcome payload")
		return nil, err
	}
	if peerParts != uint64(t.cfg.Partitions) {
		qerrHandshake.Close(sess, "cluster shape mismatch")
		return nil, ErrClusterShape
	}

	conn := t.newConn(sess, stream, welcome.Sender, Role(peerRole), uint32(peerPart), leftover)
	t.logger.Debug("connection established",
		LabelPeerAddr.L(addr),
		LabelPeerID.L(conn.peerID),
		LabelPartition.L(conn.peerPartition))
	return conn, nil
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		sess, err := t.ln.Accept(context.Background())
		if err != nil {
			if !t.gracefulTerm.Load() {
				t.logger.Warn("unexpected QUIC listener closure", "error", err)
			}
			return
		}
		t.wg.Add(1)
		go t.handleInbound(sess)
	}
}

func (t *Transport) handleInbound(sess quic.Connection) {
	defer t.wg.Done()

	ctx := context.Background()
	if t.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.DialTimeout)
		defer cancel()
	}

	remote := sess.RemoteAddr().String()
	mLabels := append(t.cfg.MetricLabels, LabelPeerAddr.M(remote))

	stream, err := sess.AcceptStream(ctx)
	if err != nil {
		t.msink.IncrCounterWithLabels(MetricConnErrorCount, 1.0,
			append(mLabels, LabelError.M("no_stream")))
		qerrHandshake.Close(sess, "no handshake stream")
		return
	}

	hello, leftover, err := readHandshake(ctx, stream)
	if err != nil {
		t.msink.IncrCounterWithLabels(MetricConnErrorCount, 1.0,
			append(mLabels, LabelError.M("bad_hello")))
		qerrProtocol.Close(sess, "malformed hello")
		return
	}
	if hello.Service != svcControl || !hello.Request {
		qerrProtocol.Close(sess, "first frame is not a hello")
		return
	}
	peerRole, peerPart, peerParts, err := parsePeerInfo(hello)
	if err != nil {
		qerrProtocol.Close(sess, "bad hello payload")
		return
	}

	welcome := &Message{
		Sender:   t.cfg.LocalID,
		Receiver: hello.Sender,
		Service:  svcControl,
		Buffers: []tensor.Buffer{tensor.FromUint64s([]uint64{
			uint64(t.cfg.Role),
			uint64(t.cfg.Partition),
			uint64(t.cfg.Partitions),
		})},
	}
	if peerParts != uint64(t.cfg.Partitions) {
		welcome.Status = StatusInternal
		welcome.Detail = "cluster shape mismatch"
	}

	frame, err := encodeMessage(nil, welcome)
	if err != nil {
		panic(err) // static frame, cannot fail
	}
	if _, err := stream.Write(frame); err != nil {
		qerrHandshake.Close(sess, "cannot send welcome")
		return
	}
	if welcome.Status != StatusOK {
		qerrHandshake.Close(sess, welcome.Detail)
		return
	}

	conn := t.newConn(sess, stream, hello.Sender, Role(peerRole), uint32(peerPart), leftover)
	t.msink.IncrCounterWithLabels(MetricConnEstCount, 1.0, mLabels)
	t.logger.Debug("accepted connection",
		LabelPeerAddr.L(remote),
		LabelPeerID.L(conn.peerID),
		"peer_role", conn.peerRole.String())
}

func parsePeerInfo(m *Message) (role, partition, partitions uint64, err error) {
	if len(m.Buffers) != 1 {
		return 0, 0, 0, fmt.Errorf("%w: want 1 info buffer, got %d", ErrHandshake, len(m.Buffers))
	}
	info, err := m.Buffers[0].Uint64s()
	if err != nil || len(info) != 3 {
		return 0, 0, 0, fmt.Errorf("%w: bad info buffer", ErrHandshake)
	}
	return info[0], info[1], info[2], nil
}

// readHandshake reads exactly one message from the stream, returning any
// bytes read past the end of the frame so they can seed the reader loop.
func readHandshake(ctx context.Context, stream quic.Stream) (*Message, []byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		stream.SetReadDeadline(dl)
		defer stream.SetReadDeadline(time.Time{})
	}

	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := stream.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			msg, consumed, derr := decodeMessage(buf)
			if derr != nil {
				return nil, nil, derr
			}
			if msg != nil {
				return msg, buf[consumed:], nil
			}
		}
		if err != nil {
			return nil, nil, err
		}
	}
}

// Conns snapshots the live connections.
func (t *Transport) Conns() []*Conn {
	t.connsLock.RLock()
	defer t.connsLock.RUnlock()
	out := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	return out
}

func (t *Transport) register(c *Conn) {
	t.connsLock.Lock()
	if old, ok := t.conns[c.peerID]; ok && old != c {
		t.logger.Warn("peer id reconnected, superseding previous connection",
			LabelPeerID.L(c.peerID))
		go old.teardown(ErrConnLost)
	}
	t.conns[c.peerID] = c
	t.connsLock.Unlock()
}

func (t *Transport) unregister(c *Conn) {
	t.connsLock.Lock()
	if cur, ok := t.conns[c.peerID]; ok && cur == c {
		delete(t.conns, c.peerID)
	}
	t.connsLock.Unlock()
}

// Shutdown tears down every connection and the listener. Safe to call twice.
func (t *Transport) Shutdown() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		return nil
	}

	t.connsLock.Lock()
	conns := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.connsLock.Unlock()
	for _, c := range conns {
		c.teardown(ErrShutdown)
	}

	if t.ln != nil {
		t.ln.Close()
	}
	if t.tr != nil {
		t.tr.Close()
	}
	if t.udpLn != nil {
		t.udpLn.Close()
	}
	t.wg.Wait()
	return nil
}

func labelsForPeer(base []metrics.Label, peerID uint32) []metrics.Label {
	return append(base, LabelPeerID.M(strconv.FormatUint(uint64(peerID), 10)))
}
