package partmesh

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

type config struct {
	trCfg TransportConfig

	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	callTimeout    time.Duration
	redialAttempts int
	redialBackoff  time.Duration
	workers        int
	taskDepth      int
	samplerSeed    int64
}

func defaultConfig() config {
	return config{
		callTimeout:    defaultCallTimeout,
		redialAttempts: 3,
		redialBackoff:  250 * time.Millisecond,
	}
}

// Option to pass to NewServer or NewClient.
type Option func(*config) error

// WithListenOn specifies the UDP interface the transport binds. Clients may
// skip this and get an ephemeral port.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		c.trCfg.BindAddr = addr
		c.trCfg.BindPort = port
		return nil
	}
}

// WithTLSConfig sets the `tls.Config` used by the transport. Peers
// authenticate with mTLS; there is no insecure mode.
func WithTLSConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.trCfg.TLSConfig = tlsConf.Clone()
		return nil
	}
}

// WithLogHandler specifies which `slog.Handler` to use.
func WithLogHandler(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.trCfg.LogHandler = handler
		return nil
	}
}

// WithMetricSink chooses where transport and dispatcher metrics go.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		c.trCfg.MetricSink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to every metric emitted.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		c.trCfg.MetricLabels = labels
		return nil
	}
}

// WithDialTimeout bounds connection establishment and handshake.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		c.trCfg.DialTimeout = timeout
		return nil
	}
}

// WithCallTimeout sets the default per-request deadline. Expired calls
// resolve with ErrTimeout; retrying is the caller's decision.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return fmt.Errorf("%w: call timeout must be positive", ErrInvalidCfg)
		}
		c.callTimeout = timeout
		return nil
	}
}

// WithRedial bounds how hard a client tries to re-establish a lost
// connection before reporting it lost to callers.
func WithRedial(attempts int, backoff time.Duration) Option {
	return func(c *config) error {
		if attempts < 0 {
			return fmt.Errorf("%w: negative redial attempts", ErrInvalidCfg)
		}
		c.redialAttempts = attempts
		c.redialBackoff = backoff
		return nil
	}
}

// WithWorkerPool sizes the handler worker pool and its task queue.
func WithWorkerPool(workers, queueDepth int) Option {
	return func(c *config) error {
		if workers < 0 || queueDepth < 0 {
			return fmt.Errorf("%w: negative worker pool sizing", ErrInvalidCfg)
		}
		c.workers = workers
		c.taskDepth = queueDepth
		return nil
	}
}

// WithQueueDepth bounds each connection's outbound queue.
func WithQueueDepth(depth int) Option {
	return func(c *config) error {
		if depth <= 0 {
			return fmt.Errorf("%w: queue depth must be positive", ErrInvalidCfg)
		}
		c.trCfg.QueueDepth = depth
		return nil
	}
}

// WithUDPBufferSize requests a UDP kernel buffer size; when enforce is set,
// startup fails if the kernel refuses.
func WithUDPBufferSize(size int, enforce bool) Option {
	return func(c *config) error {
		c.trCfg.BufferSize = size
		c.trCfg.EnforceBufferSize = enforce
		return nil
	}
}

// WithSamplerSeed fixes the sampling RNG seed. With a fixed seed and a
// single in-flight request at a time, sampling is reproducible; zero keeps
// the clock-derived default.
func WithSamplerSeed(seed int64) Option {
	return func(c *config) error {
		c.samplerSeed = seed
		return nil
	}
}
