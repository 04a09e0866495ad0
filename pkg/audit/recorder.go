package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"helios-hq/portcullis/pkg/quota"
	"helios-hq/portcullis/pkg/quota/store"
)

// Recorder writes events asynchronously so the decision path never
// waits on audit I/O. It satisfies both the engine's and the renewal
// scheduler's event sinks.
type Recorder struct {
	store *SQLiteStore
	clock store.Clock

	events       chan *Event
	done         chan struct{}
	dropped      atomic.Int64
	writeTimeout time.Duration

	wg       sync.WaitGroup
	stopOnce sync.Once
	logger   *slog.Logger
}

// RecorderConfig contains configuration for the recorder.
type RecorderConfig struct {
	// Store is the backing event store. Required.
	Store *SQLiteStore

	// Clock supplies event timestamps. Default: store.SystemClock.
	Clock store.Clock

	// Buffer is the size of the async event channel.
	// Default: 1000
	Buffer int

	// WriteTimeout bounds each storage write.
	// Default: 5 seconds
	WriteTimeout time.Duration
}

// NewRecorder creates and starts an async recorder.
func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1000
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = store.SystemClock()
	}

	r := &Recorder{
		store:        cfg.Store,
		clock:        cfg.Clock,
		events:       make(chan *Event, cfg.Buffer),
		done:         make(chan struct{}),
		writeTimeout: cfg.WriteTimeout,
		logger:       slog.Default().With("component", "audit.recorder"),
	}

	r.wg.Add(1)
	go r.writeLoop()

	return r
}

// RecordDecision implements quota.EventSink.
func (r *Recorder) RecordDecision(apiKeyID string, d *quota.Decision) {
	r.enqueue(&Event{
		APIKeyID:  apiKeyID,
		Kind:      KindDecision,
		Tier:      d.Tier,
		Allowed:   d.Allowed,
		UsedAddOn: d.UsedAddOn,
		Reason:    d.DenialReason,
	})
}

// RecordPurchase implements quota.EventSink.
func (r *Recorder) RecordPurchase(grant *store.AddOnGrant, amountUSD float64) {
	r.enqueue(&Event{
		APIKeyID:  grant.APIKeyID,
		Kind:      KindPurchase,
		Package:   grant.Package,
		GrantID:   grant.ID,
		AmountUSD: amountUSD,
	})
}

// RecordRenewal implements renewal.EventSink.
func (r *Recorder) RecordRenewal(predecessor, successor *store.AddOnGrant) {
	r.enqueue(&Event{
		APIKeyID: successor.APIKeyID,
		Kind:     KindRenewal,
		Package:  successor.Package,
		GrantID:  successor.ID,
	})
}

// Dropped returns the number of events discarded because the buffer was
// full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops the recorder and drains buffered events to storage. The
// event channel itself is never closed, so producers racing Close can
// still record safely; their events are dropped and counted.
func (r *Recorder) Close() error {
	r.stopOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
	return nil
}

// enqueue stamps the event and hands it to the writer without blocking.
func (r *Recorder) enqueue(e *Event) {
	e.ID = uuid.NewString()
	e.Timestamp = r.clock.Now()

	select {
	case <-r.done:
		// Shutting down: the writer may already be gone.
		r.dropped.Add(1)
		return
	default:
	}

	select {
	case r.events <- e:
	default:
		// Full buffer: drop rather than stall the decision path.
		r.dropped.Add(1)
	}
}

// writeLoop drains the event channel into storage.
func (r *Recorder) writeLoop() {
	defer r.wg.Done()

	for {
		select {
		case e := <-r.events:
			r.write(e)
		case <-r.done:
			// Drain whatever is buffered before exiting.
			for {
				select {
				case e := <-r.events:
					r.write(e)
				default:
					return
				}
			}
		}
	}
}

// write stores a single event with a bounded timeout.
func (r *Recorder) write(e *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()

	if err := r.store.Insert(ctx, e); err != nil {
		r.logger.Error("failed to write audit event",
			"kind", e.Kind,
			"api_key_id", e.APIKeyID,
			"error", err,
		)
	}
}
