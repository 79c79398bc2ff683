package messagelog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/gearbot/msglog/internal/domain/entity"
	"github.com/gearbot/msglog/internal/domain/repository"
	apperrors "github.com/gearbot/msglog/pkg/errors"
	"github.com/gearbot/msglog/pkg/safego"
)

// Flush defaults
const (
	DefaultFlushInterval = 30 * time.Second
	DefaultFlushTimeout  = 60 * time.Second
	defaultTickInterval  = time.Second
)

// Recorder receives flush telemetry. Implementations must be safe for
// concurrent use.
type Recorder interface {
	ObserveInsert(admitted bool)
	ObserveFlush(res FlushResult)
	SetBuffered(pending int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveInsert(bool)       {}
func (nopRecorder) ObserveFlush(FlushResult) {}
func (nopRecorder) SetBuffered(int)          {}

// FlusherConfig configures a Flusher.
type FlusherConfig struct {
	// Interval is the minimum time between unforced flushes.
	Interval time.Duration
	// Timeout bounds a single store call.
	Timeout time.Duration
	// Tick is how often the background loop asks for an unforced flush.
	// Defaults to one second, or Interval when that is shorter.
	Tick time.Duration
}

// FlushResult describes one flush execution.
type FlushResult struct {
	ID         string        `json:"id,omitempty"`
	Skipped    bool          `json:"skipped"`
	Captured   int           `json:"captured"`
	Inserted   int           `json:"inserted"`
	Excluded   []uint64      `json:"excluded,omitempty"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration"`
	FinishedAt time.Time     `json:"finished_at"`
	Err        error         `json:"-"`
}

// Flusher moves buffered records into the store, on a timer or when the
// buffer reports it is full.
//
// Persistence is at-most-once: a batch that fails with anything other than a
// duplicate-key conflict is logged and dropped, never re-queued.
type Flusher struct {
	buffer   *Buffer
	store    repository.MessageStore
	logger   *zap.Logger
	recorder Recorder

	interval atomic.Int64
	timeout  time.Duration
	tick     time.Duration
	now      func() time.Time

	group     singleflight.Group
	mu        sync.Mutex
	lastFlush time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewFlusher creates a flush coordinator for buffer and store.
func NewFlusher(buffer *Buffer, store repository.MessageStore, cfg FlusherConfig, logger *zap.Logger) *Flusher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultFlushTimeout
	}
	f := &Flusher{
		buffer:   buffer,
		store:    store,
		logger:   logger.With(zap.String("component", "message-flusher")),
		recorder: nopRecorder{},
		timeout:  cfg.Timeout,
		tick:     cfg.Tick,
		now:      time.Now,
	}
	f.SetInterval(cfg.Interval)
	if f.tick <= 0 {
		f.tick = defaultTickInterval
		if iv := f.Interval(); iv < f.tick {
			f.tick = iv
		}
	}
	f.lastFlush = f.now()
	return f
}

// SetRecorder installs a telemetry sink. Call before Start.
func (f *Flusher) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	f.recorder = r
}

// SetInterval updates the unforced flush interval. Safe to call at any time.
func (f *Flusher) SetInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultFlushInterval
	}
	f.interval.Store(int64(d))
}

// Interval returns the unforced flush interval.
func (f *Flusher) Interval() time.Duration {
	return time.Duration(f.interval.Load())
}

// LastFlush returns when the last flush loop completed.
func (f *Flusher) LastFlush() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastFlush
}

// Flush writes the buffered records to the store.
//
// An unforced flush is skipped unless the interval has elapsed since the last
// completed flush. Only one flush executes at a time; callers arriving while
// one is running share its result. The store calls are not cancelled by ctx:
// once a batch has been captured it is written to completion. ctx only bounds
// how long the caller waits.
func (f *Flusher) Flush(ctx context.Context, force bool) (FlushResult, error) {
	if !force && f.now().Sub(f.LastFlush()) < f.Interval() {
		return FlushResult{Skipped: true}, nil
	}

	ch := f.group.DoChan("flush", func() (interface{}, error) {
		res := f.run(context.WithoutCancel(ctx))
		return res, res.Err
	})

	select {
	case r := <-ch:
		return r.Val.(FlushResult), r.Err
	case <-ctx.Done():
		return FlushResult{}, ctx.Err()
	}
}

func (f *Flusher) run(ctx context.Context) FlushResult {
	started := f.now()
	batch := f.buffer.rotate()
	defer f.buffer.release()

	res := FlushResult{
		ID:       uuid.NewString(),
		Captured: len(batch),
	}
	f.recorder.SetBuffered(f.buffer.Len())

	if len(batch) == 0 {
		f.finish(&res, started)
		return res
	}

	log := f.logger.With(
		zap.String("flush_id", res.ID),
		zap.Int("batch_size", len(batch)),
	)

	remaining := batch
	var orphans []repository.OrphanAttachment

	for len(remaining) > 0 {
		res.Attempts++
		err := f.insert(ctx, remaining, orphans)
		if err == nil {
			res.Inserted = len(remaining)
			orphans = nil
			break
		}

		dup, ok := apperrors.AsDuplicateKey(err)
		if !ok {
			res.Err = apperrors.NewStoreFailureError("bulk insert failed", err)
			break
		}
		idx := indexOf(remaining, dup.ID)
		if dup.ID == 0 || idx < 0 {
			res.Err = apperrors.NewStoreFailureError(
				fmt.Sprintf("duplicate key conflict on id %d cannot be isolated", dup.ID), err)
			break
		}

		rec := remaining[idx]
		res.Excluded = append(res.Excluded, rec.ID)
		for _, a := range rec.Attachments {
			orphans = append(orphans, repository.OrphanAttachment{MessageID: rec.ID, Attachment: a})
		}
		remaining = without(remaining, idx)

		log.Debug("Excluded duplicate message from batch",
			zap.Uint64("message_id", rec.ID),
			zap.Int("remaining", len(remaining)),
		)
	}

	// Every record was a duplicate; their attachments still need writing.
	if res.Err == nil && len(orphans) > 0 {
		res.Attempts++
		if err := f.insert(ctx, nil, orphans); err != nil {
			res.Err = apperrors.NewStoreFailureError("orphan attachment insert failed", err)
		}
	}

	if res.Err != nil {
		log.Error("Message flush failed, batch dropped",
			zap.Int("attempts", res.Attempts),
			zap.Int("excluded", len(res.Excluded)),
			zap.Error(res.Err),
		)
		res.Duration = f.now().Sub(started)
		res.FinishedAt = f.now()
		f.recorder.ObserveFlush(res)
		return res
	}

	f.finish(&res, started)
	log.Info("Messages flushed",
		zap.Int("inserted", res.Inserted),
		zap.Int("excluded", len(res.Excluded)),
		zap.Int("attempts", res.Attempts),
		zap.Duration("duration", res.Duration),
	)
	return res
}

func (f *Flusher) insert(ctx context.Context, records []*entity.Record, orphans []repository.OrphanAttachment) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return f.store.InsertBatch(ctx, records, orphans)
}

func (f *Flusher) finish(res *FlushResult, started time.Time) {
	now := f.now()
	res.Duration = now.Sub(started)
	res.FinishedAt = now

	f.mu.Lock()
	f.lastFlush = now
	f.mu.Unlock()

	f.recorder.ObserveFlush(*res)
}

// Start launches the background loop. It flushes when the interval elapses or
// the buffer signals it is full. Start is a no-op after the first call.
func (f *Flusher) Start(ctx context.Context) {
	f.startOnce.Do(func() {
		ctx, f.cancel = context.WithCancel(ctx)
		safego.GoTracked(&f.wg, f.logger, "message-flush-loop", func() {
			f.loop(ctx)
		})
		f.logger.Info("Message flusher started",
			zap.Duration("interval", f.Interval()),
			zap.Int("size_threshold", f.buffer.Threshold()),
		)
	})
}

func (f *Flusher) loop(ctx context.Context) {
	ticker := time.NewTicker(f.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.flushInBackground(ctx, false)
		case <-f.buffer.Full():
			f.flushInBackground(ctx, true)
		}
	}
}

func (f *Flusher) flushInBackground(ctx context.Context, force bool) {
	// The loop's own context must not abandon an in-flight flush on Stop.
	if _, err := f.Flush(context.WithoutCancel(ctx), force); err != nil {
		f.logger.Debug("Background flush finished with error",
			zap.Bool("forced", force),
			zap.Error(err),
		)
	}
}

// Stop ends the background loop, waits for any in-flight flush and then
// flushes whatever is still buffered. ctx bounds the wait.
func (f *Flusher) Stop(ctx context.Context) error {
	var err error
	f.stopOnce.Do(func() {
		if f.cancel != nil {
			f.cancel()
		}

		done := make(chan struct{})
		go func() {
			f.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("waiting for flush loop: %w", ctx.Err())
			return
		}

		if _, ferr := f.Flush(ctx, true); ferr != nil {
			err = fmt.Errorf("final flush: %w", ferr)
		}
		f.logger.Info("Message flusher stopped")
	})
	return err
}

func indexOf(records []*entity.Record, id uint64) int {
	for i, r := range records {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func without(records []*entity.Record, idx int) []*entity.Record {
	out := make([]*entity.Record, 0, len(records)-1)
	out = append(out, records[:idx]...)
	return append(out, records[idx+1:]...)
}
