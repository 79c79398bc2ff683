package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gearbot/msglog/internal/domain/entity"
	"github.com/gearbot/msglog/internal/domain/repository"
	"github.com/gearbot/msglog/pkg/errors"
)

// MemoryMessageStore 内存实现的消息存储（用于开发/测试）
//
// It mirrors the relational store's semantics: a batch is all-or-nothing, a
// message id conflict is reported as a duplicate key and attachment conflicts
// are ignored.
type MemoryMessageStore struct {
	mu       sync.RWMutex
	messages map[uint64]*entity.Record
	// 频道ID到消息ID列表的映射
	channelMessages map[uint64][]uint64
	attachments     map[uint64]struct{}
}

// NewMemoryMessageStore 创建内存消息存储
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		messages:        make(map[uint64]*entity.Record),
		channelMessages: make(map[uint64][]uint64),
		attachments:     make(map[uint64]struct{}),
	}
}

var _ repository.MessageStore = (*MemoryMessageStore)(nil)

// InsertBatch 批量写入消息
func (s *MemoryMessageStore) InsertBatch(ctx context.Context, records []*entity.Record, orphans []repository.OrphanAttachment) error {
	if err := ctx.Err(); err != nil {
		return errors.NewStoreFailureError("insert aborted", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var conflict uint64
	for _, r := range records {
		if _, ok := s.messages[r.ID]; ok && (conflict == 0 || r.ID < conflict) {
			conflict = r.ID
		}
	}
	if conflict != 0 {
		return errors.NewDuplicateKeyError(conflict, fmt.Errorf("message %d already stored", conflict))
	}
	for _, o := range orphans {
		if _, ok := s.messages[o.MessageID]; !ok {
			return errors.NewStoreFailureError(
				fmt.Sprintf("attachment %d references unknown message %d", o.Attachment.ID, o.MessageID), nil)
		}
	}

	for _, r := range records {
		stored := r.Clone()
		s.messages[r.ID] = stored
		s.channelMessages[r.ChannelID] = append(s.channelMessages[r.ChannelID], r.ID)
		for _, a := range r.Attachments {
			s.attachments[a.ID] = struct{}{}
		}
	}
	for _, o := range orphans {
		if _, ok := s.attachments[o.Attachment.ID]; ok {
			continue
		}
		s.attachments[o.Attachment.ID] = struct{}{}
		parent := s.messages[o.MessageID]
		parent.Attachments = append(parent.Attachments, o.Attachment)
	}
	return nil
}

// FindByID 根据ID查找消息
func (s *MemoryMessageStore) FindByID(ctx context.Context, id uint64) (*entity.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.messages[id]
	if !ok {
		return nil, errors.NewNotFoundError("message not found")
	}
	return r.Clone(), nil
}

// FindByChannel 查找频道内的消息
func (s *MemoryMessageStore) FindByChannel(ctx context.Context, channelID uint64) ([]*entity.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.channelMessages[channelID]
	out := make([]*entity.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.messages[id].Clone())
	}
	sortRecords(out)
	return out, nil
}

// FindByUserInGuild 查找用户在服务器内的消息
func (s *MemoryMessageStore) FindByUserInGuild(ctx context.Context, userID, guildID uint64) ([]*entity.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*entity.Record, 0)
	for _, r := range s.messages {
		if r.AuthorID == userID && r.GuildID == guildID {
			out = append(out, r.Clone())
		}
	}
	sortRecords(out)
	return out, nil
}

// Count 统计消息数量
func (s *MemoryMessageStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.messages)), nil
}

func sortRecords(records []*entity.Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
}
