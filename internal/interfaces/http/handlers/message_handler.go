package handlers

import (
	"bytes"
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gearbot/msglog/internal/domain/entity"
	"github.com/gearbot/msglog/internal/domain/messagelog"
	apperrors "github.com/gearbot/msglog/pkg/errors"
)

// Ingestor logs a single gateway event.
type Ingestor interface {
	Execute(ctx context.Context, ev messagelog.RawEvent) (*entity.Record, bool, error)
}

// MessageHandler serves message ingest and lookups.
type MessageHandler struct {
	ingestor Ingestor
	query    *messagelog.Query
	logger   *zap.Logger
}

func NewMessageHandler(ingestor Ingestor, query *messagelog.Query, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{
		ingestor: ingestor,
		query:    query,
		logger:   logger,
	}
}

// AttachmentResponse 附件
type AttachmentResponse struct {
	ID       uint64 `json:"id,string"`
	Filename string `json:"filename"`
	IsImage  bool   `json:"is_image"`
}

// MessageResponse 消息. Snowflakes are encoded as strings.
type MessageResponse struct {
	ID          uint64               `json:"id,string"`
	Content     string               `json:"content"`
	AuthorID    uint64               `json:"author_id,string"`
	ChannelID   uint64               `json:"channel_id,string"`
	GuildID     uint64               `json:"guild_id,string"`
	Type        *int                 `json:"type"`
	Pinned      bool                 `json:"pinned"`
	ReplyTo     *string              `json:"reply_to"`
	Attachments []AttachmentResponse `json:"attachments"`
}

type ListMessagesResponse struct {
	Messages []MessageResponse `json:"messages"`
	Count    int               `json:"count"`
}

type IngestResponse struct {
	ID       string `json:"id"`
	Admitted bool   `json:"admitted"`
}

// IngestEvent handles POST /api/v1/events.
func (h *MessageHandler) IngestEvent(c *gin.Context) {
	var ev messagelog.RawEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	record, admitted, err := h.ingestor.Execute(c.Request.Context(), ev)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, IngestResponse{
		ID:       formatID(record.ID),
		Admitted: admitted,
	})
}

// GetMessage handles GET /api/v1/messages/:id.
func (h *MessageHandler) GetMessage(c *gin.Context) {
	id, ok := parseSnowflake(c, "id")
	if !ok {
		return
	}

	record, found := h.query.Lookup(c.Request.Context(), id)
	if !found {
		writeError(c, apperrors.NewNotFoundError("message not found"))
		return
	}
	c.JSON(http.StatusOK, toResponse(record))
}

// ListChannelMessages handles GET /api/v1/channels/:channel_id/messages.
func (h *MessageHandler) ListChannelMessages(c *gin.Context) {
	channelID, ok := parseSnowflake(c, "channel_id")
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toListResponse(h.query.ListForChannel(c.Request.Context(), channelID)))
}

// ListUserMessages handles GET /api/v1/guilds/:guild_id/users/:user_id/messages.
func (h *MessageHandler) ListUserMessages(c *gin.Context) {
	guildID, ok := parseSnowflake(c, "guild_id")
	if !ok {
		return
	}
	userID, ok := parseSnowflake(c, "user_id")
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toListResponse(h.query.ListForUserInGuild(c.Request.Context(), userID, guildID)))
}

// GetGuildMessage handles GET /api/v1/guilds/:guild_id/messages/:id.
func (h *MessageHandler) GetGuildMessage(c *gin.Context) {
	guildID, ok := parseSnowflake(c, "guild_id")
	if !ok {
		return
	}
	id, ok := parseSnowflake(c, "id")
	if !ok {
		return
	}

	record, found := h.query.LookupInGuild(c.Request.Context(), guildID, id)
	if !found {
		writeError(c, apperrors.NewNotFoundError("message not found in guild"))
		return
	}
	c.JSON(http.StatusOK, toResponse(record))
}

// ArchiveChannelMessages handles GET /api/v1/channels/:channel_id/messages/archive.
func (h *MessageHandler) ArchiveChannelMessages(c *gin.Context) {
	channelID, ok := parseSnowflake(c, "channel_id")
	if !ok {
		return
	}
	h.writeArchive(c, h.query.ListForChannel(c.Request.Context(), channelID))
}

// ArchiveUserMessages handles GET /api/v1/guilds/:guild_id/users/:user_id/messages/archive.
func (h *MessageHandler) ArchiveUserMessages(c *gin.Context) {
	guildID, ok := parseSnowflake(c, "guild_id")
	if !ok {
		return
	}
	userID, ok := parseSnowflake(c, "user_id")
	if !ok {
		return
	}
	h.writeArchive(c, h.query.ListForUserInGuild(c.Request.Context(), userID, guildID))
}

// writeArchive 以附件形式返回纯文本归档
func (h *MessageHandler) writeArchive(c *gin.Context, records []*entity.Record) {
	if len(records) == 0 {
		writeError(c, apperrors.NewNotFoundError("no logged messages"))
		return
	}

	var buf bytes.Buffer
	if err := messagelog.WriteArchive(&buf, records); err != nil {
		h.logger.Error("Failed to render message archive", zap.Int("count", len(records)), zap.Error(err))
		writeError(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="message_archive.txt"`)
	c.Header("X-Message-Count", strconv.Itoa(len(records)))
	c.Data(http.StatusOK, "text/plain; charset=utf-8", buf.Bytes())
}

func parseSnowflake(c *gin.Context, param string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(param), 10, 64)
	if err != nil || id == 0 {
		writeError(c, apperrors.NewInvalidInputError("invalid "+param+": "+c.Param(param)))
		return 0, false
	}
	return id, true
}

// writeError maps application error codes to HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperrors.IsInvalidInput(err), apperrors.IsMalformedEvent(err):
		status = http.StatusBadRequest
	case apperrors.IsNotFound(err):
		status = http.StatusNotFound
	case apperrors.IsStoreFailure(err):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func toResponse(r *entity.Record) MessageResponse {
	resp := MessageResponse{
		ID:          r.ID,
		Content:     r.Content,
		AuthorID:    r.AuthorID,
		ChannelID:   r.ChannelID,
		GuildID:     r.GuildID,
		Type:        r.Type,
		Pinned:      r.Pinned,
		Attachments: make([]AttachmentResponse, 0, len(r.Attachments)),
	}
	if r.ReplyTo != nil {
		s := formatID(*r.ReplyTo)
		resp.ReplyTo = &s
	}
	for _, a := range r.Attachments {
		resp.Attachments = append(resp.Attachments, AttachmentResponse{
			ID:       a.ID,
			Filename: a.Filename,
			IsImage:  a.IsImage,
		})
	}
	return resp
}

func toListResponse(records []*entity.Record) ListMessagesResponse {
	resp := ListMessagesResponse{
		Messages: make([]MessageResponse, 0, len(records)),
		Count:    len(records),
	}
	for _, r := range records {
		resp.Messages = append(resp.Messages, toResponse(r))
	}
	return resp
}

func formatID(id uint64) string {
	return strconv.FormatUint(id, 10)
}
