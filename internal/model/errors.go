package model

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTicket      = errors.New("票据无效")
	ErrTicketTypeMismatch = errors.New("票据类型不匹配")
)

// 票据无效的原因
const (
	ReasonNotFound  = "not_found"
	ReasonExpired   = "expired"
	ReasonPredicate = "predicate"
)

// InvalidTicketError 票据不存在、已过期或不满足条件
type InvalidTicketError struct {
	ID     string
	Reason string
}

// NewInvalidTicketError 创建票据无效错误
func NewInvalidTicketError(id, reason string) *InvalidTicketError {
	return &InvalidTicketError{ID: id, Reason: reason}
}

func (e *InvalidTicketError) Error() string {
	return fmt.Sprintf("票据无效: %s (%s)", e.ID, e.Reason)
}

func (e *InvalidTicketError) Unwrap() error {
	return ErrInvalidTicket
}

// TypeMismatchError 存储的票据类型与期望不一致
type TypeMismatchError struct {
	ID       string
	Expected Kind
	Actual   Kind
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("票据类型不匹配: %s 期望 %s, 实际 %s", e.ID, e.Expected, e.Actual)
}

func (e *TypeMismatchError) Unwrap() error {
	return ErrTicketTypeMismatch
}
