package messagelog

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gearbot/msglog/internal/domain/entity"
	apperrors "github.com/gearbot/msglog/pkg/errors"
)

// Column limits of the logged_messages / logged_attachments tables.
const (
	maxContentRunes  = 2000
	maxFilenameRunes = 100
)

// Snowflake is a gateway identifier. The gateway encodes snowflakes as JSON
// strings; plain numbers are accepted too.
type Snowflake uint64

// UnmarshalJSON accepts "123", 123 and null.
func (s *Snowflake) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = 0
		return nil
	}
	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	}
	if raw == "" {
		*s = 0
		return nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return err
	}
	*s = Snowflake(v)
	return nil
}

// MarshalJSON encodes the snowflake as a string.
func (s Snowflake) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatUint(uint64(s), 10))), nil
}

// RawEvent is a message-create or message-edit event as delivered by the
// gateway bridge.
type RawEvent struct {
	ID          Snowflake       `json:"id"`
	Content     string          `json:"content"`
	AuthorID    Snowflake       `json:"author_id"`
	ChannelID   Snowflake       `json:"channel_id"`
	GuildID     Snowflake       `json:"guild_id"`
	Type        int             `json:"type"`
	Pinned      bool            `json:"pinned"`
	Reference   *RawReference   `json:"message_reference,omitempty"`
	Attachments []RawAttachment `json:"attachments,omitempty"`
}

// RawReference points at the message being replied to.
type RawReference struct {
	MessageID Snowflake `json:"message_id"`
	ChannelID Snowflake `json:"channel_id"`
}

// RawAttachment is the attachment metadata carried by an event. Width is nil
// for non-media files.
type RawAttachment struct {
	ID       Snowflake `json:"id"`
	Filename string    `json:"filename"`
	Width    *int      `json:"width,omitempty"`
}

// Normalize converts a raw event into the canonical record shape.
//
// It performs no I/O. Events missing identity fields are rejected with a
// MALFORMED_EVENT error; everything else is passed through best-effort.
func Normalize(ev RawEvent) (*entity.Record, error) {
	switch {
	case ev.ID == 0:
		return nil, apperrors.NewMalformedEventError("event has no message id", entity.ErrInvalidMessageID)
	case ev.ChannelID == 0:
		return nil, apperrors.NewMalformedEventError("event has no channel id", entity.ErrInvalidChannelID)
	case ev.GuildID == 0:
		return nil, apperrors.NewMalformedEventError("event has no guild id", entity.ErrInvalidGuildID)
	case ev.AuthorID == 0:
		return nil, apperrors.NewMalformedEventError("event has no author id", entity.ErrInvalidAuthorID)
	}

	record := &entity.Record{
		ID:        uint64(ev.ID),
		Content:   clean(ev.Content, maxContentRunes),
		AuthorID:  uint64(ev.AuthorID),
		ChannelID: uint64(ev.ChannelID),
		GuildID:   uint64(ev.GuildID),
		Pinned:    ev.Pinned,
	}

	if entity.MessageType(ev.Type) != entity.MessageTypeDefault {
		t := ev.Type
		record.Type = &t
	}

	// Cross-channel references (forwards, crossposts) are not replies.
	if ref := ev.Reference; ref != nil && ref.MessageID != 0 && ref.ChannelID == ev.ChannelID {
		replyTo := uint64(ref.MessageID)
		record.ReplyTo = &replyTo
	}

	if len(ev.Attachments) > 0 {
		record.Attachments = make([]entity.Attachment, 0, len(ev.Attachments))
		for _, a := range ev.Attachments {
			if a.ID == 0 {
				continue
			}
			record.Attachments = append(record.Attachments, entity.Attachment{
				ID:       uint64(a.ID),
				Filename: clean(a.Filename, maxFilenameRunes),
				IsImage:  a.Width != nil && *a.Width != 0,
			})
		}
	}

	return record, nil
}

// clean drops NUL bytes, which postgres text columns reject, and truncates to
// the column limit.
func clean(s string, limit int) string {
	return truncateRunes(strings.ReplaceAll(s, "\x00", ""), limit)
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
