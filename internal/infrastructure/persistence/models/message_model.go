package models

import "time"

// LoggedMessageModel 已记录消息的数据库模型
type LoggedMessageModel struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement:false"`
	Content     string `gorm:"size:2000;not null"`
	AuthorID    uint64 `gorm:"index;not null"`
	ChannelID   uint64 `gorm:"index;not null"`
	GuildID     uint64 `gorm:"index;not null"`
	Type        *int
	Pinned      bool    `gorm:"not null;default:false"`
	ReplyTo     *uint64 `gorm:"column:reply_to"`
	CreatedAt   time.Time
	Attachments []LoggedAttachmentModel `gorm:"foreignKey:MessageID;constraint:OnDelete:CASCADE"`
}

// TableName 指定表名
func (LoggedMessageModel) TableName() string {
	return "logged_messages"
}

// LoggedAttachmentModel 消息附件的数据库模型
type LoggedAttachmentModel struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement:false"`
	Filename  string `gorm:"size:100;not null"`
	IsImage   bool   `gorm:"not null;default:false"`
	MessageID uint64 `gorm:"index;not null"`
}

// TableName 指定表名
func (LoggedAttachmentModel) TableName() string {
	return "logged_attachments"
}
