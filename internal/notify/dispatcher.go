package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	appotel "github.com/basket/taskherald/internal/otel"
	"github.com/basket/taskherald/internal/store"
)

// Config holds the dependencies and tuning for the dispatcher.
type Config struct {
	Store     *store.Store
	Selector  *store.WorkSelector
	Deliverer *Deliverer
	Logger    *slog.Logger
	Metrics   *appotel.Metrics
	Tracer    trace.Tracer // optional; nil disables cycle spans

	PollInterval     time.Duration // defaults to 5s if zero
	BatchLimit       int           // per-kind drain limit per cycle; defaults to 10
	LegacySendToUser bool          // drive the SEND_TO_USER parking status
}

// Dispatcher polls the store for outstanding notifications and processes them
// kind by kind, in a fixed order, up to the batch limit per kind. Errors are
// logged and never kill the loop; crash safety comes from the claim lease and
// the ledger, not from this goroutine staying alive.
type Dispatcher struct {
	store     *store.Store
	selector  *store.WorkSelector
	deliverer *Deliverer
	logger    *slog.Logger
	metrics   *appotel.Metrics
	tracer    trace.Tracer

	pollInterval     time.Duration
	batchLimit       int
	legacySendToUser bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher from the config.
func NewDispatcher(cfg Config) *Dispatcher {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	batch := cfg.BatchLimit
	if batch < 1 {
		batch = 10
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:            cfg.Store,
		selector:         cfg.Selector,
		deliverer:        cfg.Deliverer,
		logger:           logger,
		metrics:          cfg.Metrics,
		tracer:           cfg.Tracer,
		pollInterval:     interval,
		batchLimit:       batch,
		legacySendToUser: cfg.LegacySendToUser,
	}
}

// Start begins the polling loop in a background goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.loop(ctx)
	d.logger.Info("notify dispatcher started",
		"poll_interval", d.pollInterval, "batch_limit", d.batchLimit,
		"legacy_send_to_user", d.legacySendToUser)
}

// Stop cancels the loop and waits for the in-flight cycle to finish.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("notify dispatcher stopped")
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	// First cycle immediately, then on each tick.
	d.Cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Cycle(ctx)
		}
	}
}

// Cycle runs one full pass over all message kinds. Exported so tests and
// tooling can drive the dispatcher without the ticker.
func (d *Dispatcher) Cycle(ctx context.Context) {
	start := time.Now()
	if d.tracer != nil {
		var span trace.Span
		ctx, span = appotel.StartSpan(ctx, d.tracer, "notify.cycle")
		defer span.End()
	}

	kinds := []struct {
		name string
		fn   func(context.Context) (bool, error)
	}{
		{store.MessageKindWaitingUser, d.processWaitingUser},
		{store.MessageKindCodegen, d.processCodegen},
		{store.MessageKindReviewNeeded, d.processNeedsReview},
		{store.MessageKindFinal, d.processDone},
		{store.MessageKindFailed, d.processFailed},
		{store.MessageKindStopped, d.processStopped},
		{store.MessageKindLLMRequeue, d.processLLMRequeue},
	}
	if d.legacySendToUser {
		kinds = append(kinds, struct {
			name string
			fn   func(context.Context) (bool, error)
		}{store.MessageKindSendToUser, d.processSendToUser})
	}

	for _, kind := range kinds {
		if ctx.Err() != nil {
			return
		}
		processed := d.drain(ctx, kind.name, kind.fn)
		if processed > 0 {
			d.logger.Info("processed notifications", "message_kind", kind.name, "count", processed)
		}
	}

	if d.metrics != nil {
		d.metrics.CycleDuration.Record(ctx, time.Since(start).Seconds())
	}
}

// drain processes tasks of one kind until the batch limit, an empty queue, or
// an error. A lost claim is not an error: another worker won the row, move on
// to the next candidate.
func (d *Dispatcher) drain(ctx context.Context, kind string, fn func(context.Context) (bool, error)) int {
	processed := 0
	for i := 0; i < d.batchLimit; i++ {
		handled, err := fn(ctx)
		if errors.Is(err, store.ErrClaimLost) {
			if d.metrics != nil {
				d.metrics.ClaimConflicts.Add(ctx, 1)
			}
			d.logger.Debug("work claim lost", "message_kind", kind)
			continue
		}
		if err != nil {
			d.logger.Error("notification processing failed", "message_kind", kind, "error", err)
			break
		}
		if !handled {
			break
		}
		processed++
	}
	return processed
}
