package errors

import (
	"errors"
	"fmt"
)

// ErrorCode 错误码类型
type ErrorCode string

const (
	CodeInvalidInput   ErrorCode = "INVALID_INPUT"
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeDuplicateKey   ErrorCode = "DUPLICATE_KEY"
	CodeMalformedEvent ErrorCode = "MALFORMED_EVENT"
	CodeStoreFailure   ErrorCode = "STORE_FAILURE"
)

// AppError 应用错误
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 实现 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// DuplicateKeyError 主键冲突错误，携带冲突的消息ID
//
// ID is zero when the driver reported a conflict without naming the key.
type DuplicateKeyError struct {
	ID  uint64
	Err error
}

// Error 实现 error 接口
func (e *DuplicateKeyError) Error() string {
	if e.ID == 0 {
		return fmt.Sprintf("[%s] duplicate primary key: %v", CodeDuplicateKey, e.Err)
	}
	return fmt.Sprintf("[%s] duplicate primary key %d: %v", CodeDuplicateKey, e.ID, e.Err)
}

// Unwrap 实现 errors.Unwrap
func (e *DuplicateKeyError) Unwrap() error {
	return e.Err
}

// NewInvalidInputError 创建无效输入错误
func NewInvalidInputError(message string) *AppError {
	return &AppError{
		Code:    CodeInvalidInput,
		Message: message,
	}
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: message,
	}
}

// NewMalformedEventError 创建畸形事件错误
func NewMalformedEventError(message string, cause error) *AppError {
	return &AppError{
		Code:    CodeMalformedEvent,
		Message: message,
		Err:     cause,
	}
}

// NewStoreFailureError 创建存储失败错误
func NewStoreFailureError(message string, cause error) *AppError {
	return &AppError{
		Code:    CodeStoreFailure,
		Message: message,
		Err:     cause,
	}
}

// NewDuplicateKeyError 创建主键冲突错误
func NewDuplicateKeyError(id uint64, cause error) *DuplicateKeyError {
	return &DuplicateKeyError{ID: id, Err: cause}
}

// IsNotFound 判断是否为未找到错误
func IsNotFound(err error) bool {
	return hasCode(err, CodeNotFound)
}

// IsInvalidInput 判断是否为无效输入错误
func IsInvalidInput(err error) bool {
	return hasCode(err, CodeInvalidInput)
}

// IsMalformedEvent 判断是否为畸形事件错误
func IsMalformedEvent(err error) bool {
	return hasCode(err, CodeMalformedEvent)
}

// IsStoreFailure 判断是否为存储失败错误
func IsStoreFailure(err error) bool {
	return hasCode(err, CodeStoreFailure)
}

// AsDuplicateKey 提取主键冲突错误
func AsDuplicateKey(err error) (*DuplicateKeyError, bool) {
	var dup *DuplicateKeyError
	if errors.As(err, &dup) {
		return dup, true
	}
	return nil, false
}

func hasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
