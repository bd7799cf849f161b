package solix

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedFrame 帧结构错误（长度不符、字段越界、前导码错误）
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownFieldType 已登记字段的线上类型与登记不符
	ErrUnknownFieldType = errors.New("unknown field type")
	// ErrInvalidField 编码时字段不合法
	ErrInvalidField = errors.New("invalid field")
)

// DecodeError 解码错误，Kind 为上面的哨兵错误之一
type DecodeError struct {
	Kind   error
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v at offset %d: %s", e.Kind, e.Offset, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Kind }

func malformed(offset int, format string, args ...interface{}) error {
	return &DecodeError{Kind: ErrMalformedFrame, Offset: offset, Reason: fmt.Sprintf(format, args...)}
}
