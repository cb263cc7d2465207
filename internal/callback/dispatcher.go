package callback

import (
	"context"
	"jobflow/pkg/backoff"
	"jobflow/pkg/circuitbreaker"
	"jobflow/pkg/cloudevent"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const deliveryTimeout = 30 * time.Second

// MetricsRecorder is an optional sink for dispatcher metrics.
type MetricsRecorder interface {
	RecordCallbackDelivered(ctx context.Context, eventType string, durationSeconds float64)
	RecordCallbackFailed(ctx context.Context, eventType string)
	RecordCallbackDropped(ctx context.Context, eventType, reason string)
	RecordCallbackRequeued(ctx context.Context)
	RecordCallbackQueueSize(ctx context.Context, size int64)
}

// Dispatcher delivers job lifecycle events to one endpoint from a worker pool.
// Publishing never blocks: a full buffer drops the event, and an event already
// pending for the same job is not queued twice.
type Dispatcher struct {
	queue   chan *delivery
	sender  *cloudevent.Sender
	breaker *circuitbreaker.Breaker
	limiter *rate.Limiter // nil when unlimited
	cfg     Config
	logger  *slog.Logger
	metrics MetricsRecorder

	pendingMu sync.Mutex
	pending   map[string]struct{}

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	duplicates   atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// New starts a dispatcher. metrics may be nil.
func New(cfg Config, metrics MetricsRecorder) *Dispatcher {
	cfg = cfg.withDefaults()
	logger := slog.With("component", "callback")

	d := &Dispatcher{
		queue:    make(chan *delivery, cfg.BufferSize),
		sender:   cloudevent.NewSender(cfg.HTTPTimeout),
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		pending:  make(map[string]struct{}),
		shutdown: make(chan struct{}),
	}
	d.breaker = circuitbreaker.New(circuitbreaker.Config{
		Threshold: defaultBreakerThreshold,
		Cooldown:  cfg.Cooldown,
		OnStateChange: func(from, to circuitbreaker.State) {
			logger.Info("Callback circuit changed", "from", from.String(), "to", to.String())
		},
	})
	if cfg.Rate > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), max(1, int(cfg.Rate)))
	}

	for range cfg.Workers {
		d.wg.Go(d.worker)
	}
	if metrics != nil {
		go d.reportQueueSize()
	}

	logger.Info("Callback dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize, "enabled", cfg.URL != "")
	return d
}

// Publish queues a job event for delivery. It is a no-op when no endpoint is
// configured; queueing failures are logged and never reach the caller.
func (d *Dispatcher) Publish(ctx context.Context, event *cloudevent.CloudEvent) {
	if d.cfg.URL == "" {
		return
	}
	dl := newDelivery(ctx, event)
	if err := d.enqueue(dl); err == ErrClosed {
		d.logger.Warn("Callback published after shutdown", dl.logArgs()...)
	}
}

func (d *Dispatcher) enqueue(dl *delivery) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if !d.claim(dl) {
		d.duplicates.Add(1)
		d.logger.Info("Callback already pending for job", dl.logArgs()...)
		return ErrDuplicate
	}

	select {
	case d.queue <- dl:
		d.queued.Add(1)
		return nil
	default:
		d.drop(dl, "buffer full")
		return ErrBufferFull
	}
}

// claim marks dl's job event pending, reporting false if it already was.
func (d *Dispatcher) claim(dl *delivery) bool {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	if _, ok := d.pending[dl.key()]; ok {
		return false
	}
	d.pending[dl.key()] = struct{}{}
	return true
}

func (d *Dispatcher) release(dl *delivery) {
	d.pendingMu.Lock()
	delete(d.pending, dl.key())
	d.pendingMu.Unlock()
}

// Stats returns current dispatcher statistics.
func (d *Dispatcher) Stats() Stats {
	d.pendingMu.Lock()
	pending := len(d.pending)
	d.pendingMu.Unlock()
	return Stats{
		QueueDepth:   len(d.queue),
		Pending:      pending,
		Queued:       d.queued.Load(),
		Delivered:    d.delivered.Load(),
		Failed:       d.failed.Load(),
		Dropped:      d.dropped.Load(),
		Duplicates:   d.duplicates.Load(),
		Requeued:     d.requeued.Load(),
		RetriesTotal: d.retriesTotal.Load(),
		Circuit:      d.breaker.State().String(),
	}
}

// Close stops accepting events and waits, up to ctx's deadline, for the
// workers to drain the queue.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}
	d.logger.Info("Callback dispatcher shutting down", "queued", len(d.queue))
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Callback dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Callback dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

func (d *Dispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordCallbackQueueSize(context.Background(), int64(len(d.queue)))
		}
	}
}

func (d *Dispatcher) worker() {
	for {
		select {
		case <-d.shutdown:
			d.drainQueue()
			return
		case dl := <-d.queue:
			d.deliver(dl)
		}
	}
}

func (d *Dispatcher) drainQueue() {
	for {
		select {
		case dl := <-d.queue:
			d.deliver(dl)
		default:
			return
		}
	}
}

// deliver sends dl under the span of the transition that produced it.
func (d *Dispatcher) deliver(dl *delivery) {
	if !d.breaker.Allow() {
		d.requeue(dl)
		return
	}

	ctx := trace.ContextWithSpanContext(context.Background(), dl.span)
	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	start := time.Now()
	err := d.sendWithRetry(ctx, dl)
	d.release(dl)
	if err != nil {
		d.breaker.RecordFailure()
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordCallbackFailed(ctx, dl.event.Type)
		}
		d.logger.Warn("Callback delivery failed", dl.logArgs("error", err)...)
		return
	}

	d.breaker.RecordSuccess()
	d.delivered.Add(1)
	elapsed := time.Since(start)
	if d.metrics != nil {
		d.metrics.RecordCallbackDelivered(ctx, dl.event.Type, elapsed.Seconds())
	}
	d.logger.Debug("Callback delivered", dl.logArgs("duration", elapsed)...)
}

// requeue puts dl back after the cooldown while the endpoint's circuit is open.
func (d *Dispatcher) requeue(dl *delivery) {
	if dl.requeues >= defaultMaxRequeues {
		d.drop(dl, "max requeues reached")
		return
	}

	dl.requeues++
	d.requeued.Add(1)
	if d.metrics != nil {
		d.metrics.RecordCallbackRequeued(context.Background())
	}

	go func() {
		select {
		case <-d.shutdown:
			d.drop(dl, "shutdown while circuit open")
			return
		case <-time.After(d.cfg.Cooldown):
		}

		select {
		case d.queue <- dl:
			d.logger.Debug("Callback requeued", dl.logArgs("requeues", dl.requeues)...)
		case <-d.shutdown:
			d.drop(dl, "shutdown while circuit open")
		default:
			d.drop(dl, "buffer full on requeue")
		}
	}()
}

func (d *Dispatcher) drop(dl *delivery, reason string) {
	d.release(dl)
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordCallbackDropped(context.Background(), dl.event.Type, reason)
	}
	d.logger.Warn("Callback dropped", dl.logArgs("reason", reason)...)
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, dl *delivery) error {
	attempt := 0
	return backoff.Retry(ctx, defaultMaxRetries+1, &d.cfg.Backoff, func(ctx context.Context) error {
		if attempt > 0 {
			d.retriesTotal.Add(1)
		}
		attempt++
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return backoff.Stop(err)
			}
		}
		err := d.sender.Send(ctx, d.cfg.URL, dl.event, d.cfg.SigningKey)
		if cloudevent.IsClientError(err) {
			return backoff.Stop(err)
		}
		return err
	})
}
