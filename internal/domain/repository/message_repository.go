package repository

import (
	"context"

	"github.com/gearbot/msglog/internal/domain/entity"
)

// MessageStore 消息持久化存储接口
type MessageStore interface {
	// InsertBatch 批量写入消息及其附件
	//
	// The whole call is one unit of work. A primary-key conflict on a message row
	// must be reported as *errors.DuplicateKeyError so callers can exclude the id
	// and retry. orphans are attachments whose parent row already exists; they
	// are inserted without their message row. Attachment conflicts are ignored.
	InsertBatch(ctx context.Context, records []*entity.Record, orphans []OrphanAttachment) error

	// FindByID 根据ID查找消息
	FindByID(ctx context.Context, id uint64) (*entity.Record, error)

	// FindByChannel 查找频道内的消息
	FindByChannel(ctx context.Context, channelID uint64) ([]*entity.Record, error)

	// FindByUserInGuild 查找用户在服务器内的消息
	FindByUserInGuild(ctx context.Context, userID, guildID uint64) ([]*entity.Record, error)

	// Count 统计已持久化的消息数量
	Count(ctx context.Context) (int64, error)
}

// OrphanAttachment 父消息已存在时单独写入的附件
type OrphanAttachment struct {
	MessageID  uint64
	Attachment entity.Attachment
}
