package entity

// MessageType 消息类型 (网关枚举值)
type MessageType int

// MessageTypeDefault is the gateway's plain-message type. It is stored as NULL.
const MessageTypeDefault MessageType = 0

// Attachment 消息附件元数据
type Attachment struct {
	ID       uint64 `json:"id"`
	Filename string `json:"filename"`
	IsImage  bool   `json:"is_image"`
}

// Record 日志消息记录
//
// A Record is built once by the normalizer and never mutated after it has been
// admitted into the write buffer. Attachments are owned by the record.
type Record struct {
	ID          uint64       `json:"id"`
	Content     string       `json:"content"`
	AuthorID    uint64       `json:"author_id"`
	ChannelID   uint64       `json:"channel_id"`
	GuildID     uint64       `json:"guild_id"`
	Type        *int         `json:"type"`
	Pinned      bool         `json:"pinned"`
	ReplyTo     *uint64      `json:"reply_to,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Clone 返回记录的深拷贝
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Type != nil {
		t := *r.Type
		c.Type = &t
	}
	if r.ReplyTo != nil {
		id := *r.ReplyTo
		c.ReplyTo = &id
	}
	if r.Attachments != nil {
		c.Attachments = make([]Attachment, len(r.Attachments))
		copy(c.Attachments, r.Attachments)
	}
	return &c
}
