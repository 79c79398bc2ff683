package persistence

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gearbot/msglog/internal/domain/entity"
	"github.com/gearbot/msglog/internal/domain/repository"
	"github.com/gearbot/msglog/internal/infrastructure/persistence/models"
	apperrors "github.com/gearbot/msglog/pkg/errors"
)

// defaultInsertChunk keeps a multi-row INSERT under sqlite's bound-variable limit.
const defaultInsertChunk = 500

// GormMessageStore GORM 实现的消息存储
type GormMessageStore struct {
	db    *gorm.DB
	chunk int
}

// NewGormMessageStore 创建 GORM 消息存储
func NewGormMessageStore(db *gorm.DB) *GormMessageStore {
	return &GormMessageStore{
		db:    db,
		chunk: defaultInsertChunk,
	}
}

var _ repository.MessageStore = (*GormMessageStore)(nil)

// InsertBatch 在单个事务内写入消息与附件
func (s *GormMessageStore) InsertBatch(ctx context.Context, records []*entity.Record, orphans []repository.OrphanAttachment) error {
	if len(records) == 0 && len(orphans) == 0 {
		return nil
	}

	messages, attachments := toModels(records, orphans)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(messages) > 0 {
			if err := tx.Omit(clause.Associations).CreateInBatches(messages, s.chunk).Error; err != nil {
				return err
			}
		}
		if len(attachments) > 0 {
			// 附件可能在之前的批次中已写入
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(attachments, s.chunk).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		return nil
	}

	dup, ok := classifyDuplicateKey(err)
	if !ok {
		return apperrors.NewStoreFailureError("failed to insert message batch", err)
	}
	if dup.ID != 0 {
		return dup
	}

	// 驱动未给出冲突的键, 查询已存在的最小ID
	id, lookupErr := s.firstExisting(ctx, records)
	if lookupErr != nil || id == 0 {
		return dup
	}
	return apperrors.NewDuplicateKeyError(id, err)
}

func (s *GormMessageStore) firstExisting(ctx context.Context, records []*entity.Record) (uint64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	ids := make([]uint64, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}

	var found []uint64
	err := s.db.WithContext(ctx).
		Model(&models.LoggedMessageModel{}).
		Where("id IN ?", ids).
		Order("id asc").
		Limit(1).
		Pluck("id", &found).Error
	if err != nil || len(found) == 0 {
		return 0, err
	}
	return found[0], nil
}

// FindByID 根据ID查找消息
func (s *GormMessageStore) FindByID(ctx context.Context, id uint64) (*entity.Record, error) {
	var model models.LoggedMessageModel
	err := s.db.WithContext(ctx).
		Preload("Attachments", orderByID).
		First(&model, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFoundError("message not found")
		}
		return nil, apperrors.NewStoreFailureError("failed to find message", err)
	}
	return toEntity(&model), nil
}

// FindByChannel 查找频道内的消息, 按ID升序
func (s *GormMessageStore) FindByChannel(ctx context.Context, channelID uint64) ([]*entity.Record, error) {
	return s.find(ctx, "channel_id = ?", channelID)
}

// FindByUserInGuild 查找用户在服务器内的消息, 按ID升序
func (s *GormMessageStore) FindByUserInGuild(ctx context.Context, userID, guildID uint64) ([]*entity.Record, error) {
	return s.find(ctx, "author_id = ? AND guild_id = ?", userID, guildID)
}

// Count 统计消息数量
func (s *GormMessageStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.LoggedMessageModel{}).Count(&count).Error; err != nil {
		return 0, apperrors.NewStoreFailureError("failed to count messages", err)
	}
	return count, nil
}

func (s *GormMessageStore) find(ctx context.Context, query string, args ...interface{}) ([]*entity.Record, error) {
	var rows []models.LoggedMessageModel
	err := s.db.WithContext(ctx).
		Preload("Attachments", orderByID).
		Where(query, args...).
		Order("id asc").
		Find(&rows).Error
	if err != nil {
		return nil, apperrors.NewStoreFailureError("failed to list messages", err)
	}

	records := make([]*entity.Record, 0, len(rows))
	for i := range rows {
		records = append(records, toEntity(&rows[i]))
	}
	return records, nil
}

func orderByID(db *gorm.DB) *gorm.DB {
	return db.Order("id asc")
}

func toModels(records []*entity.Record, orphans []repository.OrphanAttachment) ([]*models.LoggedMessageModel, []*models.LoggedAttachmentModel) {
	messages := make([]*models.LoggedMessageModel, 0, len(records))
	var attachments []*models.LoggedAttachmentModel

	for _, r := range records {
		messages = append(messages, &models.LoggedMessageModel{
			ID:        r.ID,
			Content:   r.Content,
			AuthorID:  r.AuthorID,
			ChannelID: r.ChannelID,
			GuildID:   r.GuildID,
			Type:      r.Type,
			Pinned:    r.Pinned,
			ReplyTo:   r.ReplyTo,
		})
		for _, a := range r.Attachments {
			attachments = append(attachments, attachmentModel(r.ID, a))
		}
	}
	for _, o := range orphans {
		attachments = append(attachments, attachmentModel(o.MessageID, o.Attachment))
	}
	return messages, attachments
}

func attachmentModel(messageID uint64, a entity.Attachment) *models.LoggedAttachmentModel {
	return &models.LoggedAttachmentModel{
		ID:        a.ID,
		Filename:  a.Filename,
		IsImage:   a.IsImage,
		MessageID: messageID,
	}
}

func toEntity(m *models.LoggedMessageModel) *entity.Record {
	r := &entity.Record{
		ID:        m.ID,
		Content:   m.Content,
		AuthorID:  m.AuthorID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		Type:      m.Type,
		Pinned:    m.Pinned,
		ReplyTo:   m.ReplyTo,
	}
	if len(m.Attachments) > 0 {
		r.Attachments = make([]entity.Attachment, 0, len(m.Attachments))
		for _, a := range m.Attachments {
			r.Attachments = append(r.Attachments, entity.Attachment{
				ID:       a.ID,
				Filename: a.Filename,
				IsImage:  a.IsImage,
			})
		}
	}
	return r
}
