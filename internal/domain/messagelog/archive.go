package messagelog

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gearbot/msglog/internal/domain/entity"
)

// snowflakeEpoch is 2015-01-01T00:00:00Z in unix milliseconds.
const snowflakeEpoch = 1420070400000

const archiveTimeLayout = "2006-01-02 15:04:05.000000-07:00"

// CreatedAt returns the creation time encoded in a snowflake.
func CreatedAt(id uint64) time.Time {
	return time.UnixMilli(int64(id>>22) + snowflakeEpoch).UTC()
}

// WriteArchive 将消息写成纯文本归档, 每条一行, 按ID升序且去重
//
//	<created_at> <guild> - <channel> - <id> | <author> | <content>[ | In reply to <link>] | <attachment urls>
func WriteArchive(w io.Writer, records []*entity.Record) error {
	seen := make(map[uint64]struct{}, len(records))
	ordered := make([]*entity.Record, 0, len(records))
	for _, r := range records {
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		ordered = append(ordered, r)
	}
	sortByID(ordered)

	bw := bufio.NewWriter(w)
	for _, r := range ordered {
		reply := ""
		if r.ReplyTo != nil {
			reply = fmt.Sprintf(" | In reply to https://discord.com/channels/%d/%d/%d", r.GuildID, r.ChannelID, *r.ReplyTo)
		}
		fmt.Fprintf(bw, "%s %d - %d - %d | %d | %s%s | %s\r\n",
			CreatedAt(r.ID).Format(archiveTimeLayout),
			r.GuildID, r.ChannelID, r.ID,
			r.AuthorID,
			r.Content, reply,
			attachmentURLs(r),
		)
	}
	return bw.Flush()
}

func attachmentURLs(r *entity.Record) string {
	urls := make([]string, 0, len(r.Attachments))
	for _, a := range r.Attachments {
		urls = append(urls, fmt.Sprintf("https://media.discordapp.net/attachments/%d/%d/%s", r.ChannelID, a.ID, a.Filename))
	}
	return strings.Join(urls, ", ")
}
