package messagelog

import (
	"context"
	"errors"
	"sync"

	"github.com/gearbot/msglog/internal/domain/entity"
	"github.com/gearbot/msglog/internal/domain/repository"
	apperrors "github.com/gearbot/msglog/pkg/errors"
)

// fakeStore is an in-memory MessageStore with failure injection.
type fakeStore struct {
	mu          sync.Mutex
	rows        map[uint64]*entity.Record
	attachments map[uint64]uint64 // attachment id -> message id
	inserted    map[uint64]int    // message id -> times written
	calls       int

	failWith     error
	dupWithoutID bool
	findErr      error

	block   chan struct{}
	started chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:        make(map[uint64]*entity.Record),
		attachments: make(map[uint64]uint64),
		inserted:    make(map[uint64]int),
	}
}

func (s *fakeStore) seed(records ...*entity.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.rows[r.ID] = r.Clone()
	}
}

func (s *fakeStore) InsertBatch(ctx context.Context, records []*entity.Record, orphans []repository.OrphanAttachment) error {
	s.mu.Lock()
	s.calls++
	block, started := s.block, s.started
	s.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		<-block
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return s.failWith
	}
	for _, r := range records {
		if _, exists := s.rows[r.ID]; exists {
			id := r.ID
			if s.dupWithoutID {
				id = 0
			}
			return apperrors.NewDuplicateKeyError(id, errors.New("UNIQUE constraint failed: logged_messages.id"))
		}
	}
	for _, o := range orphans {
		if _, exists := s.rows[o.MessageID]; !exists {
			return errors.New("FOREIGN KEY constraint failed")
		}
	}

	for _, r := range records {
		s.rows[r.ID] = r.Clone()
		s.inserted[r.ID]++
		for _, a := range r.Attachments {
			s.attachments[a.ID] = r.ID
		}
	}
	for _, o := range orphans {
		s.attachments[o.Attachment.ID] = o.MessageID
	}
	return nil
}

func (s *fakeStore) FindByID(ctx context.Context, id uint64) (*entity.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	r, ok := s.rows[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("message not found")
	}
	return r.Clone(), nil
}

func (s *fakeStore) FindByChannel(ctx context.Context, channelID uint64) ([]*entity.Record, error) {
	return s.filter(func(r *entity.Record) bool { return r.ChannelID == channelID })
}

func (s *fakeStore) FindByUserInGuild(ctx context.Context, userID, guildID uint64) ([]*entity.Record, error) {
	return s.filter(func(r *entity.Record) bool { return r.AuthorID == userID && r.GuildID == guildID })
}

func (s *fakeStore) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.rows)), nil
}

func (s *fakeStore) filter(match func(*entity.Record) bool) ([]*entity.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	out := make([]*entity.Record, 0)
	for _, r := range s.rows {
		if match(r) {
			out = append(out, r.Clone())
		}
	}
	sortByID(out)
	return out, nil
}

func (s *fakeStore) has(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[id]
	return ok
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *fakeStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func record(id, channelID uint64) *entity.Record {
	return &entity.Record{
		ID:        id,
		Content:   "hello",
		AuthorID:  10,
		ChannelID: channelID,
		GuildID:   1,
	}
}
