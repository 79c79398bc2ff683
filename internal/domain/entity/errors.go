package entity

import "errors"

var (
	// Message errors
	ErrInvalidMessageID = errors.New("invalid message id")
	ErrInvalidChannelID = errors.New("invalid channel id")
	ErrInvalidGuildID   = errors.New("invalid guild id")
	ErrInvalidAuthorID  = errors.New("invalid author id")
)
