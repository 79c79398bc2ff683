package messagelog

import (
	"context"

	"go.uber.org/zap"

	"github.com/gearbot/msglog/internal/domain/entity"
	"github.com/gearbot/msglog/internal/domain/repository"
	apperrors "github.com/gearbot/msglog/pkg/errors"
)

// Query answers reads against buffered and stored records.
//
// The buffer is consulted first. A record leaves the buffer only after its
// flush finished, so reading buffer-then-store never misses it. Query methods
// never fail: store errors are logged and the buffered part is returned.
type Query struct {
	buffer *Buffer
	store  repository.MessageStore
	logger *zap.Logger
}

// NewQuery creates a query façade. store may be nil for buffer-only lookups.
func NewQuery(buffer *Buffer, store repository.MessageStore, logger *zap.Logger) *Query {
	return &Query{
		buffer: buffer,
		store:  store,
		logger: logger.With(zap.String("component", "message-query")),
	}
}

// Lookup finds a record by id.
func (q *Query) Lookup(ctx context.Context, id uint64) (*entity.Record, bool) {
	if r, ok := q.buffer.Get(id); ok {
		return r, true
	}
	if q.store == nil {
		return nil, false
	}

	r, err := q.store.FindByID(ctx, id)
	if err != nil {
		if !apperrors.IsNotFound(err) {
			q.logger.Warn("Stored message lookup failed", zap.Uint64("message_id", id), zap.Error(err))
		}
		return nil, false
	}
	return r, true
}

// LookupInGuild finds a record by id that was posted in guildID. Records from
// other guilds are reported as absent.
func (q *Query) LookupInGuild(ctx context.Context, guildID, id uint64) (*entity.Record, bool) {
	r, ok := q.Lookup(ctx, id)
	if !ok || r.GuildID != guildID {
		return nil, false
	}
	return r, true
}

// ListForChannel lists records posted in a channel, ordered by id.
func (q *Query) ListForChannel(ctx context.Context, channelID uint64) []*entity.Record {
	buffered := q.buffer.ByChannel(channelID)
	if q.store == nil {
		return buffered
	}

	stored, err := q.store.FindByChannel(ctx, channelID)
	if err != nil {
		q.logger.Warn("Stored channel listing failed", zap.Uint64("channel_id", channelID), zap.Error(err))
		return buffered
	}
	return merge(buffered, stored)
}

// ListForUserInGuild lists records by a user in a guild, ordered by id.
func (q *Query) ListForUserInGuild(ctx context.Context, userID, guildID uint64) []*entity.Record {
	buffered := q.buffer.ByUserInGuild(userID, guildID)
	if q.store == nil {
		return buffered
	}

	stored, err := q.store.FindByUserInGuild(ctx, userID, guildID)
	if err != nil {
		q.logger.Warn("Stored user listing failed",
			zap.Uint64("user_id", userID),
			zap.Uint64("guild_id", guildID),
			zap.Error(err),
		)
		return buffered
	}
	return merge(buffered, stored)
}

// merge unions two id-sorted lists; buffered wins on id collision.
func merge(buffered, stored []*entity.Record) []*entity.Record {
	seen := make(map[uint64]struct{}, len(buffered))
	out := make([]*entity.Record, 0, len(buffered)+len(stored))
	for _, r := range buffered {
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	for _, r := range stored {
		if _, dup := seen[r.ID]; dup {
			continue
		}
		out = append(out, r)
	}
	sortByID(out)
	return out
}
