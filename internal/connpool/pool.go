// Package connpool maintains a fixed-size pool of authenticated brokerage
// gateway sessions. Handles are fungible: callers acquire any healthy
// session, and the pool owns liveness probing, reconnection with exponential
// backoff, and background heartbeats.
package connpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"stockHftBot/internal/metrics"
	"stockHftBot/internal/ports"
)

// Config holds the pool's sizing and reconnection policy.
type Config struct {
	Size                 int           // number of sessions kept open
	AcquireTimeout       time.Duration // upper bound on Acquire, including reconnects
	HeartbeatInterval    time.Duration // idle-session probe period
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int // per reconnect sequence; 0 means a single dial
}

// Handle is one pooled gateway session. It must be returned via Release
// exactly once; a handle the caller observed failing should be flagged with
// MarkBroken before release so the pool repairs it off the hot path.
type Handle struct {
	id     int
	conn   ports.BrokerConn
	broken bool
}

// Conn exposes the underlying gateway session.
func (h *Handle) Conn() ports.BrokerConn { return h.conn }

// MarkBroken flags the session as unusable. The pool will reconnect it in
// the background instead of handing it to the next caller.
func (h *Handle) MarkBroken() { h.broken = true }

// Pool is a bounded set of interchangeable gateway sessions.
type Pool struct {
	cfg    Config
	dialer ports.BrokerDialer
	logger ports.Logger

	idle chan *Handle

	mu     sync.Mutex
	broken []*Handle
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New dials the configured number of sessions and starts the heartbeat loop.
// Sessions that fail the initial dial are parked for background repair; at
// least one session must come up or the pool refuses to start.
func New(ctx context.Context, cfg Config, dialer ports.BrokerDialer, logger ports.Logger) (*Pool, error) {
	if dialer == nil {
		return nil, fmt.Errorf("dialer cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", cfg.Size)
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}

	p := &Pool{
		cfg:    cfg,
		dialer: dialer,
		logger: logger,
		idle:   make(chan *Handle, cfg.Size),
		done:   make(chan struct{}),
	}

	healthy := 0
	for i := 0; i < cfg.Size; i++ {
		h := &Handle{id: i}
		conn, err := dialer.Dial(ctx)
		if err != nil {
			logger.Warn(ctx, "Initial gateway dial failed, deferring to heartbeat",
				map[string]interface{}{"handle": i, "error": err.Error()})
			h.broken = true
			p.broken = append(p.broken, h)
			continue
		}
		h.conn = conn
		p.idle <- h
		healthy++
	}
	if healthy == 0 {
		return nil, fmt.Errorf("%w: none of %d sessions could be established", ports.ErrConnectionFailed, cfg.Size)
	}
	metrics.SetPoolIdle(healthy)

	p.wg.Add(1)
	go p.heartbeatLoop()

	return p, nil
}

// Acquire returns a healthy session, probing liveness on the way out. A dead
// session is reconnected inline; if reconnection fails within the acquire
// budget the handle is parked and the next idle one is tried. Acquire blocks
// at most AcquireTimeout.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ports.ErrPoolClosed
		}
		p.mu.Unlock()

		var h *Handle
		select {
		case h = <-p.idle:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ports.ErrPoolExhausted, ctx.Err())
		}
		metrics.SetPoolIdle(len(p.idle))

		if err := h.conn.Ping(ctx); err == nil {
			return h, nil
		}

		p.logger.Warn(ctx, "Pooled session failed liveness probe, reconnecting",
			map[string]interface{}{"handle": h.id})
		if err := p.reconnect(ctx, h); err != nil {
			p.park(h)
			// Another idle session may still be healthy; keep trying until
			// the acquire budget runs out.
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: reconnect failed: %v", ports.ErrConnectionUnavailable, err)
			default:
			}
			if len(p.idle) == 0 {
				return nil, fmt.Errorf("%w: reconnect failed: %v", ports.ErrConnectionUnavailable, err)
			}
			continue
		}
		return h, nil
	}
}

// Release returns a handle to the pool. Handles flagged broken are parked
// for background repair instead of being reused.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		if h.conn != nil {
			_ = h.conn.Close()
		}
		return
	}
	if h.broken {
		p.park(h)
		return
	}
	p.idle <- h
	metrics.SetPoolIdle(len(p.idle))
}

// park moves a dead handle to the broken list for the heartbeat loop.
func (p *Pool) park(h *Handle) {
	if h.conn != nil {
		_ = h.conn.Close()
		h.conn = nil
	}
	h.broken = true
	p.mu.Lock()
	p.broken = append(p.broken, h)
	p.mu.Unlock()
}

// reconnect re-dials a session with exponential backoff, bounded by the
// attempt limit and the caller's context.
func (p *Pool) reconnect(ctx context.Context, h *Handle) error {
	if h.conn != nil {
		_ = h.conn.Close()
		h.conn = nil
	}

	b := &backoff.Backoff{
		Min:    p.cfg.ReconnectBaseDelay,
		Max:    p.cfg.ReconnectMaxDelay,
		Factor: 2,
		Jitter: true,
	}
	attempts := p.cfg.MaxReconnectAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		conn, err := p.dialer.Dial(ctx)
		if err == nil {
			h.conn = conn
			h.broken = false
			metrics.CountPoolReconnect()
			p.logger.Info(ctx, "Gateway session re-established",
				map[string]interface{}{"handle": h.id, "attempts": i + 1})
			return nil
		}
		lastErr = err
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ports.ErrConnectionFailed, ctx.Err())
		case <-p.done:
			return ports.ErrPoolClosed
		}
	}
	return fmt.Errorf("%w: %d attempts: %v", ports.ErrConnectionFailed, attempts, lastErr)
}

// heartbeatLoop periodically repairs parked sessions and probes idle ones so
// dead connections are found before a caller needs them.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.repairBroken()
			p.probeIdle()
		}
	}
}

func (p *Pool) repairBroken() {
	p.mu.Lock()
	parked := p.broken
	p.broken = nil
	p.mu.Unlock()

	for _, h := range parked {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AcquireTimeout)
		err := p.reconnect(ctx, h)
		cancel()
		if err != nil {
			p.mu.Lock()
			p.broken = append(p.broken, h)
			p.mu.Unlock()
			continue
		}
		p.idle <- h
	}
	metrics.SetPoolIdle(len(p.idle))
}

func (p *Pool) probeIdle() {
	// Probe only the sessions idle right now; busy ones are validated on
	// their next Acquire.
	n := len(p.idle)
	for i := 0; i < n; i++ {
		var h *Handle
		select {
		case h = <-p.idle:
		default:
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AcquireTimeout)
		if err := h.conn.Ping(ctx); err != nil {
			p.logger.Warn(ctx, "Idle session failed heartbeat probe",
				map[string]interface{}{"handle": h.id})
			if rerr := p.reconnect(ctx, h); rerr != nil {
				cancel()
				p.park(h)
				continue
			}
		}
		cancel()
		p.idle <- h
	}
	metrics.SetPoolIdle(len(p.idle))
}

// IdleCount returns the number of sessions available right now.
func (p *Pool) IdleCount() int { return len(p.idle) }

// BrokenCount returns the number of sessions awaiting repair.
func (p *Pool) BrokenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.broken)
}

// Shutdown stops the heartbeat loop and closes every pooled session.
// Handles still held by callers are closed when released.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()

	for {
		select {
		case h := <-p.idle:
			if h.conn != nil {
				_ = h.conn.Close()
			}
		default:
			metrics.SetPoolIdle(0)
			return
		}
	}
}
