// Package publisher implements the agent-side delivery pipeline: sign
// every envelope, attempt or enqueue delivery depending on the configured
// mode, and run a background drain loop that empties the WAL as the bus
// becomes reachable again.
package publisher

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Ap3pp3rs94/telemetry-core/internal/wal"
	"github.com/Ap3pp3rs94/telemetry-core/pkg/ack"
	"github.com/Ap3pp3rs94/telemetry-core/pkg/canonical"
	"github.com/Ap3pp3rs94/telemetry-core/pkg/config"
	"github.com/Ap3pp3rs94/telemetry-core/pkg/telemetry"
)

// Outcome is the terminal fate of one call to Publish.
type Outcome int

const (
	Acked Outcome = iota
	Queued
	Dropped
	Overflowed
)

func (o Outcome) String() string {
	switch o {
	case Acked:
		return "acked"
	case Queued:
		return "queued"
	case Dropped:
		return "dropped"
	case Overflowed:
		return "overflowed"
	default:
		return "unknown"
	}
}

// Sender is the transport dependency a Publisher attempts direct sends
// through. *Client satisfies it; tests substitute a fake.
type Sender interface {
	Publish(ctx context.Context, env canonical.Envelope) (ack.Ack, error)
}

var errRateLimited = fmt.Errorf("publisher: rate limited")

// Publisher is one agent identity's delivery pipeline: exactly one WAL file
// and exactly one in-flight send at a time — the same envelope is never
// sent concurrently on two RPCs from the same agent.
type Publisher struct {
	wal        *wal.WAL
	sender     Sender
	privateKey ed25519.PrivateKey
	mode       config.PublishMode
	limiter    *RateLimiter
	metrics    *telemetry.Metrics
	logger     *telemetry.Logger

	publishDeadline time.Duration
	retryMaxMs      int
	maxBacklogBytes int64
	readinessFrac   float64

	sendMu sync.Mutex // serializes direct sends and drain sends

	closed atomic.Bool

	reportedDrops atomic.Int64 // WAL overflow drops already added to WALOverflowDrop

	readyMu           sync.Mutex
	lastDrainRPCError bool
}

// New builds a Publisher. w, sender, and sk must already be constructed;
// Publisher owns none of their lifecycles except that Shutdown closes w.
func New(w *wal.WAL, sender Sender, sk ed25519.PrivateKey, cfg config.AgentConfig, metrics *telemetry.Metrics, logger *telemetry.Logger) *Publisher {
	if logger == nil {
		logger = telemetry.Nop
	}
	return &Publisher{
		wal:             w,
		sender:          sender,
		privateKey:      sk,
		mode:            cfg.Mode,
		limiter:         NewRateLimiter(cfg.SendRatePerSec),
		metrics:         metrics,
		logger:          logger,
		publishDeadline: time.Duration(cfg.PublishDeadlineMs) * time.Millisecond,
		retryMaxMs:      cfg.RetryMaxMs,
		maxBacklogBytes: cfg.MaxBacklogBytes,
		readinessFrac:   cfg.ReadinessThreshold,
	}
}

// Publish signs unsigned, then either attempts a direct send or enqueues it
// to the WAL depending on the configured mode.
func (p *Publisher) Publish(ctx context.Context, unsigned canonical.Envelope) (Outcome, error) {
	if p.closed.Load() {
		return Dropped, fmt.Errorf("publisher: shut down")
	}
	signed, err := canonical.Sign(unsigned, p.privateKey)
	if err != nil {
		return Dropped, fmt.Errorf("publisher: sign: %w", err)
	}
	raw, err := signed.Marshal()
	if err != nil || len(raw) > canonical.MaxEnvelopeBytes {
		p.logger.Warn("dropping oversize envelope pre-wal", map[string]any{"idempotency_key": signed.IdempotencyKey})
		return Dropped, nil
	}

	if p.mode == config.ModeWALFirst {
		return p.enqueue(ctx, signed)
	}
	return p.direct(ctx, signed)
}

func (p *Publisher) direct(ctx context.Context, signed canonical.Envelope) (Outcome, error) {
	if !p.limiter.Allow() {
		// Rate-limited sends are never dropped: enqueue instead.
		return p.enqueue(ctx, signed)
	}
	p.sendMu.Lock()
	a, err := p.sendOnce(ctx, signed)
	p.sendMu.Unlock()
	if err != nil {
		return p.enqueue(ctx, signed)
	}
	switch a.Status {
	case ack.OK:
		if p.metrics != nil {
			p.metrics.PublishOK.Inc()
		}
		return Acked, nil
	case ack.RETRY:
		if p.metrics != nil {
			p.metrics.PublishRetry.Inc()
		}
		return p.enqueue(ctx, signed)
	default: // INVALID, UNAUTHORIZED
		p.countPoison(a.Status)
		p.logger.Warn("dropping poison envelope", map[string]any{
			"idempotency_key": signed.IdempotencyKey, "status": a.Status.String(), "reason": a.Reason,
		})
		return Dropped, nil
	}
}

func (p *Publisher) sendOnce(ctx context.Context, env canonical.Envelope) (ack.Ack, error) {
	if p.metrics != nil {
		p.metrics.PublishAttempted.WithLabelValues(string(p.mode)).Inc()
	}
	start := time.Now()
	sendCtx := ctx
	var cancel context.CancelFunc
	if p.publishDeadline > 0 {
		sendCtx, cancel = context.WithTimeout(ctx, p.publishDeadline)
		defer cancel()
	}
	a, err := p.sender.Publish(sendCtx, env)
	if p.metrics != nil {
		p.metrics.PublishLatency.Observe(time.Since(start).Seconds())
	}
	return a, err
}

func (p *Publisher) enqueue(ctx context.Context, signed canonical.Envelope) (Outcome, error) {
	out, err := p.wal.Append(ctx, signed)
	if err != nil {
		fields := map[string]any{"idempotency_key": signed.IdempotencyKey, "err": err.Error()}
		if code, ok := wal.CodeOf(err); ok {
			fields["code"] = string(code)
		}
		p.logger.Warn("wal append failed", fields)
		return Dropped, fmt.Errorf("publisher: wal append: %w", err)
	}
	if p.metrics != nil {
		if backlog, berr := p.wal.BacklogBytes(ctx); berr == nil {
			p.metrics.WALBacklogBytes.Set(float64(backlog))
		}
		// Count every evicted row, not just appends whose own row overflowed.
		drops := p.wal.OverflowDrops()
		for {
			prev := p.reportedDrops.Load()
			if drops <= prev {
				break
			}
			if p.reportedDrops.CompareAndSwap(prev, drops) {
				p.metrics.WALOverflowDrop.Add(float64(drops - prev))
				break
			}
		}
	}
	switch out {
	case wal.Overflow:
		return Overflowed, nil
	default: // Stored or Duplicate
		return Queued, nil
	}
}

func (p *Publisher) countPoison(status ack.Status) {
	if p.metrics == nil {
		return
	}
	switch status {
	case ack.INVALID:
		p.metrics.PublishInvalid.Inc()
	case ack.UNAUTHORIZED:
		p.metrics.PublishUnauthorized.Inc()
	}
}

// DrainLoop runs until ctx is cancelled, repeatedly calling wal.Drain
// whenever the backlog is non-empty, sleeping with jitter between batches.
// batchLimit bounds each call to wal.Drain.
func (p *Publisher) DrainLoop(ctx context.Context, batchLimit int) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		backlog, err := p.wal.BacklogBytes(ctx)
		if err != nil {
			return
		}
		if backlog == 0 {
			attempt = 0
			if !sleepCtx(ctx, idleSleep()) {
				return
			}
			continue
		}
		sawRetry, err := p.drainOnce(ctx, batchLimit)
		p.readyMu.Lock()
		p.lastDrainRPCError = err != nil
		p.readyMu.Unlock()
		if err != nil || sawRetry {
			attempt++
			if !sleepCtx(ctx, backoffWithJitter(attempt, p.retryMaxMs)) {
				return
			}
			continue
		}
		attempt = 0
		if !sleepCtx(ctx, idleSleep()) {
			return
		}
	}
}

func (p *Publisher) drainOnce(ctx context.Context, batchLimit int) (sawRetry bool, err error) {
	var rpcErr error
	_, derr := p.wal.Drain(ctx, func(ctx context.Context, env canonical.Envelope) (ack.Ack, error) {
		if !p.limiter.Allow() {
			return ack.Ack{}, errRateLimited
		}
		p.sendMu.Lock()
		a, serr := p.sendOnce(ctx, env)
		p.sendMu.Unlock()
		if serr != nil {
			rpcErr = serr
			return ack.Ack{}, serr
		}
		switch a.Status {
		case ack.OK:
			if p.metrics != nil {
				p.metrics.PublishOK.Inc()
			}
		case ack.RETRY:
			sawRetry = true
			if p.metrics != nil {
				p.metrics.PublishRetry.Inc()
			}
		default:
			p.countPoison(a.Status)
		}
		return a, nil
	}, batchLimit)
	if derr != nil {
		return sawRetry, derr
	}
	if backlog, berr := p.wal.BacklogBytes(ctx); berr == nil && p.metrics != nil {
		p.metrics.WALBacklogBytes.Set(float64(backlog))
	}
	// wal.Drain swallows transport errors; surface them so Ready sees them.
	return sawRetry, rpcErr
}

// Ready reports the readiness contract: the last drain did not end in an
// RPC error AND the current backlog is under readiness_threshold fraction
// of max_backlog_bytes.
func (p *Publisher) Ready(ctx context.Context) (bool, string) {
	p.readyMu.Lock()
	rpcErr := p.lastDrainRPCError
	p.readyMu.Unlock()
	if rpcErr {
		return false, "last drain ended in rpc error"
	}
	if p.maxBacklogBytes <= 0 {
		return true, ""
	}
	backlog, err := p.wal.BacklogBytes(ctx)
	if err != nil {
		return false, "wal unavailable"
	}
	threshold := float64(p.maxBacklogBytes) * p.readinessFrac
	if float64(backlog) >= threshold {
		return false, "backlog above readiness threshold"
	}
	return true, ""
}

// Shutdown stops accepting new envelopes and closes the WAL. It does not
// cancel an in-flight RPC; callers are expected to have already cancelled
// the context passed to DrainLoop and to have let Publish callers finish
// any in-flight RPC before the WAL is closed underneath them.
func (p *Publisher) Shutdown() error {
	p.closed.Store(true)
	return p.wal.Close()
}

func idleSleep() time.Duration {
	return time.Duration(100+rand.Intn(900)) * time.Millisecond
}

func backoffWithJitter(attempt int, retryMaxMs int) time.Duration {
	if retryMaxMs <= 0 {
		retryMaxMs = 30000
	}
	base := 100 << uint(minInt(attempt, 16))
	if base > retryMaxMs {
		base = retryMaxMs
	}
	return time.Duration(rand.Intn(base+1)) * time.Millisecond
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
