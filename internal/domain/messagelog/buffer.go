package messagelog

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gearbot/msglog/internal/domain/entity"
)

// DefaultFlushSizeThreshold is the pending size at which a forced flush is requested.
const DefaultFlushSizeThreshold = 1000

// Buffer holds admitted records until they are persisted.
//
// Records live in one of two slots: pending (admitted since the last rotation)
// or inflight (captured by the flush that is currently writing them). Both are
// visible to readers, so a record is queryable from admission until its flush
// has finished and the store can answer for it.
//
// Admitted ids are tracked in a tagged pair of generations. recent collects
// ids admitted since the last rotation, previous holds the generation before
// that. A redelivered event is suppressed while its id is in either set, which
// covers roughly two flush intervals and keeps memory bounded.
type Buffer struct {
	mu       sync.RWMutex
	pending  map[uint64]*entity.Record
	inflight map[uint64]*entity.Record
	gens     [2]map[uint64]struct{}
	cur      int // index of recent in gens

	threshold atomic.Int64
	full      chan struct{}
}

// BufferStats is a point-in-time view of the buffer.
type BufferStats struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Recent   int `json:"recent_ids"`
	Previous int `json:"previous_ids"`
}

// NewBuffer creates an empty buffer. threshold <= 0 selects the default.
func NewBuffer(threshold int) *Buffer {
	b := &Buffer{
		pending:  make(map[uint64]*entity.Record),
		inflight: make(map[uint64]*entity.Record),
		gens:     [2]map[uint64]struct{}{make(map[uint64]struct{}), make(map[uint64]struct{})},
		full:     make(chan struct{}, 1),
	}
	b.SetThreshold(threshold)
	return b
}

// SetThreshold updates the size trigger. Safe to call at any time.
func (b *Buffer) SetThreshold(threshold int) {
	if threshold <= 0 {
		threshold = DefaultFlushSizeThreshold
	}
	b.threshold.Store(int64(threshold))
}

// Threshold returns the current size trigger.
func (b *Buffer) Threshold() int {
	return int(b.threshold.Load())
}

// Full is signalled (without blocking the inserter) when pending reaches the
// size threshold. At most one signal is queued.
func (b *Buffer) Full() <-chan struct{} {
	return b.full
}

// Insert admits a normalized record.
//
// If the id was admitted within the current or previous generation the call is
// a no-op: it returns the buffered copy when one is still held, otherwise the
// input, and false. Insert never fails.
func (b *Buffer) Insert(r *entity.Record) (*entity.Record, bool) {
	b.mu.Lock()
	if b.seenLocked(r.ID) {
		known := b.lookupLocked(r.ID)
		b.mu.Unlock()
		if known != nil {
			return known.Clone(), false
		}
		return r, false
	}

	b.pending[r.ID] = r.Clone()
	b.gens[b.cur][r.ID] = struct{}{}
	size := len(b.pending)
	b.mu.Unlock()

	if size >= b.Threshold() {
		select {
		case b.full <- struct{}{}:
		default:
		}
	}
	return r, true
}

// Get returns a buffered record by id.
func (b *Buffer) Get(id uint64) (*entity.Record, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if r := b.lookupLocked(id); r != nil {
		return r.Clone(), true
	}
	return nil, false
}

// ByChannel returns buffered records posted in a channel, ordered by id.
func (b *Buffer) ByChannel(channelID uint64) []*entity.Record {
	return b.scan(func(r *entity.Record) bool {
		return r.ChannelID == channelID
	})
}

// ByUserInGuild returns buffered records authored by a user in a guild, ordered by id.
func (b *Buffer) ByUserInGuild(userID, guildID uint64) []*entity.Record {
	return b.scan(func(r *entity.Record) bool {
		return r.AuthorID == userID && r.GuildID == guildID
	})
}

// Len returns the number of pending records.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pending)
}

// Stats returns slot and generation sizes.
func (b *Buffer) Stats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BufferStats{
		Pending:  len(b.pending),
		InFlight: len(b.inflight),
		Recent:   len(b.gens[b.cur]),
		Previous: len(b.gens[1-b.cur]),
	}
}

// rotate is the flush critical section. It moves pending into the inflight
// slot, demotes recent to previous and starts a fresh recent generation.
// Inserts that happen after rotate land in the new pending map.
//
// Callers must call release once the captured batch has been written (or
// abandoned). Only one rotation may be outstanding at a time.
func (b *Buffer) rotate() []*entity.Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	batch := make([]*entity.Record, 0, len(b.pending))
	for _, r := range b.pending {
		batch = append(batch, r)
	}
	sortByID(batch)

	b.inflight = b.pending
	b.pending = make(map[uint64]*entity.Record)

	b.cur = 1 - b.cur
	b.gens[b.cur] = make(map[uint64]struct{})

	return batch
}

// release drops the inflight slot after a flush finished.
func (b *Buffer) release() {
	b.mu.Lock()
	b.inflight = make(map[uint64]*entity.Record)
	b.mu.Unlock()
}

func (b *Buffer) seenLocked(id uint64) bool {
	if _, ok := b.gens[0][id]; ok {
		return true
	}
	_, ok := b.gens[1][id]
	return ok
}

// lookupLocked prefers pending over inflight; pending is the newer slot.
func (b *Buffer) lookupLocked(id uint64) *entity.Record {
	if r, ok := b.pending[id]; ok {
		return r
	}
	return b.inflight[id]
}

func (b *Buffer) scan(match func(*entity.Record) bool) []*entity.Record {
	b.mu.RLock()
	out := make([]*entity.Record, 0)
	for _, r := range b.pending {
		if match(r) {
			out = append(out, r.Clone())
		}
	}
	for id, r := range b.inflight {
		if _, shadowed := b.pending[id]; shadowed {
			continue
		}
		if match(r) {
			out = append(out, r.Clone())
		}
	}
	b.mu.RUnlock()

	sortByID(out)
	return out
}

func sortByID(records []*entity.Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].ID < records[j].ID
	})
}
