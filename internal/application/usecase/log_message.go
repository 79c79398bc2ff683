package usecase

import (
	"context"

	"go.uber.org/zap"

	"github.com/gearbot/msglog/internal/domain/entity"
	"github.com/gearbot/msglog/internal/domain/messagelog"
)

// LogMessageUseCase records incoming message events.
// Events are normalized and admitted into the write buffer; persistence
// happens later on the flusher's schedule.
type LogMessageUseCase struct {
	buffer   *messagelog.Buffer
	recorder messagelog.Recorder
	logger   *zap.Logger
}

// NewLogMessageUseCase creates a message logging use-case.
// recorder may be nil.
func NewLogMessageUseCase(buffer *messagelog.Buffer, recorder messagelog.Recorder, logger *zap.Logger) *LogMessageUseCase {
	return &LogMessageUseCase{
		buffer:   buffer,
		recorder: recorder,
		logger:   logger.With(zap.String("component", "log-message")),
	}
}

// Execute normalizes ev and buffers the result.
//
// It returns the buffered record and whether it was newly admitted. A
// redelivered event returns the record already buffered with admitted=false.
// Only malformed events produce an error.
func (uc *LogMessageUseCase) Execute(ctx context.Context, ev messagelog.RawEvent) (*entity.Record, bool, error) {
	record, err := messagelog.Normalize(ev)
	if err != nil {
		uc.logger.Warn("Rejected malformed message event",
			zap.Uint64("message_id", uint64(ev.ID)),
			zap.Error(err),
		)
		return nil, false, err
	}

	stored, admitted := uc.buffer.Insert(record)
	if uc.recorder != nil {
		uc.recorder.ObserveInsert(admitted)
		uc.recorder.SetBuffered(uc.buffer.Len())
	}

	if !admitted {
		uc.logger.Debug("Duplicate message event suppressed", zap.Uint64("message_id", record.ID))
		return stored, false, nil
	}

	uc.logger.Debug("Message buffered",
		zap.Uint64("message_id", record.ID),
		zap.Uint64("channel_id", record.ChannelID),
		zap.Int("attachments", len(record.Attachments)),
	)
	return stored, true, nil
}
