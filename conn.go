package partmesh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/quic-go/quic-go"
)

const defaultQueueDepth = 256

// readChunkSize is how much we pull off the stream per read. Frames larger
// than this are reassembled across reads in the connection's buffer.
const readChunkSize = 64 << 10

// Conn is the persistent bidirectional channel bound to one (client, server)
// pair. It owns a bounded outbound queue drained by a writer goroutine and an
// inbound reassembly buffer consumed by a reader goroutine; both terminate
// when the connection is torn down.
type Conn struct {
	t      *Transport
	logger *slog.Logger

	peerID        uint32
	peerRole      Role
	peerPartition uint32
	remote        string

	sess   quic.Connection
	stream quic.Stream

	out chan []byte

	closeOnce sync.Once
	closedCh  chan struct{}

	errMu    sync.Mutex
	closeErr error
}

func (t *Transport) newConn(sess quic.Connection, stream quic.Stream, peerID uint32, peerRole Role, peerPartition uint32, leftover []byte) *Conn {
	depth := t.cfg.QueueDepth
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	c := &Conn{
		t:             t,
		peerID:        peerID,
		peerRole:      peerRole,
		peerPartition: peerPartition,
		remote:        sess.RemoteAddr().String(),
		sess:          sess,
		stream:        stream,
		out:           make(chan []byte, depth),
		closedCh:      make(chan struct{}),
	}
	c.logger = t.logger.With(LabelPeerID.L(peerID), LabelPeerAddr.L(c.remote))

	t.register(c)
	t.wg.Add(2)
	go c.writeLoop()
	go c.readLoop(leftover)
	return c
}

// PeerID returns the process id the peer announced in the handshake.
func (c *Conn) PeerID() uint32 { return c.peerID }

// PeerRole returns the peer's announced role.
func (c *Conn) PeerRole() Role { return c.peerRole }

// PeerPartition returns the partition the peer serves; only meaningful when
// PeerRole is RoleServer.
func (c *Conn) PeerPartition() uint32 { return c.peerPartition }

// RemoteAddr returns the peer's address.
func (c *Conn) RemoteAddr() string { return c.remote }

// Closed returns a channel closed when the connection is gone.
func (c *Conn) Closed() <-chan struct{} { return c.closedCh }

// Err returns the reason the connection was torn down, nil while live.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.closeErr
}

// Send frames the message and enqueues it. The backpressure policy when the
// queue is full follows the transport config: block until there is room (and
// the context allows) or drop with ErrQueueFull.
func (c *Conn) Send(ctx context.Context, m *Message) error {
	frame, err := encodeMessage(nil, m)
	if err != nil {
		return err
	}

	if c.t.cfg.BlockWhenFull {
		select {
		case c.out <- frame:
		case <-c.closedCh:
			return c.lostErr()
		case <-ctx.Done():
			return ctx.Err()
		}
	} else {
		select {
		case c.out <- frame:
		case <-c.closedCh:
			return c.lostErr()
		default:
			c.t.msink.IncrCounterWithLabels(MetricMsgOutDropCount, 1.0,
				labelsForPeer(c.t.cfg.MetricLabels, c.peerID))
			return ErrQueueFull
		}
	}

	c.t.msink.IncrCounterWithLabels(MetricMsgOutCount, 1.0, c.t.cfg.MetricLabels)
	c.t.msink.IncrCounterWithLabels(MetricMsgOutBytes, float32(len(frame)), c.t.cfg.MetricLabels)
	return nil
}

func (c *Conn) lostErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrConnLost
}

func (c *Conn) writeLoop() {
	defer c.t.wg.Done()
	for {
		select {
		case frame := <-c.out:
			if _, err := c.stream.Write(frame); err != nil {
				c.teardown(fmt.Errorf("%w: %w", ErrConnLost, err))
				return
			}
		case <-c.closedCh:
			return
		}
	}
}

func (c *Conn) readLoop(leftover []byte) {
	defer c.t.wg.Done()

	buf := leftover
	chunk := make([]byte, readChunkSize)
	for {
		// Drain every complete frame already buffered before reading more;
		// decodeMessage never reprocesses consumed bytes.
		for {
			msg, consumed, err := decodeMessage(buf)
			if err != nil {
				c.logger.Error("protocol violation, closing connection", "error", err)
				qerrProtocol.Close(c.sess, err.Error())
				c.teardown(fmt.Errorf("%w: %w", ErrConnLost, err))
				return
			}
			if msg == nil {
				break
			}
			buf = buf[consumed:]
			c.t.msink.IncrCounterWithLabels(MetricMsgInCount, 1.0, c.t.cfg.MetricLabels)
			c.t.msink.IncrCounterWithLabels(MetricMsgInBytes, float32(consumed), c.t.cfg.MetricLabels)
			if onMessage := c.t.onMessage; onMessage != nil {
				onMessage(c, msg)
			}
		}
		if len(buf) == 0 {
			buf = nil
		}

		n, err := c.stream.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if c.t.gracefulTerm.Load() || errors.Is(err, io.EOF) {
				c.teardown(ErrShutdown)
			} else {
				c.teardown(fmt.Errorf("%w: %w", ErrConnLost, err))
			}
			return
		}
	}
}

// Close tears the connection down deliberately, without surfacing an error
// to in-flight requests beyond ErrShutdown.
func (c *Conn) Close() error {
	c.teardown(ErrShutdown)
	return nil
}

func (c *Conn) teardown(cause error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = cause
		c.errMu.Unlock()
		close(c.closedCh)

		c.stream.CancelRead(qerrStreamClosed)
		c.stream.CancelWrite(qerrStreamClosed)
		if errors.Is(cause, ErrShutdown) {
			qerrShutdown.Close(c.sess, "closing")
		} else {
			qerrInternal.Close(c.sess, "connection abandoned")
			c.t.msink.IncrCounterWithLabels(MetricConnErrorCount, 1.0,
				labelsForPeer(c.t.cfg.MetricLabels, c.peerID))
		}

		c.t.unregister(c)
		if onLost := c.t.onConnLost; onLost != nil {
			onLost(c, cause)
		}
	})
}
