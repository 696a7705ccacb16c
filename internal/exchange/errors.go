package exchange

import (
	"errors"
	"fmt"
	"time"
)

// 错误分类：是否可重试决定了 retry 包是否再次尝试。
//
//	可重试：TimeoutError / ConnectionError / SignatureError
//	不可重试：RejectionError 及其子类 InsufficientFundsError / InvalidNonceError / OrderNotFoundError
//
// SignatureError 归为可重试（视为一次性的认证/连接抖动），这是沿用下来的行为，
// 如果交易所对签名错误是确定性的，重试只会浪费两次请求。

// TimeoutError 请求超时
type TimeoutError struct {
	Adapter string
	Op      string
	After   time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s: %s timed out", e.Adapter, e.Op)
	if e.After > 0 {
		msg += fmt.Sprintf(" after %s", e.After)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ConnectionError 传输层失败（连接拒绝、5xx、断线等）
type ConnectionError struct {
	Adapter string
	Op      string
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s connection failed", e.Adapter, e.Op)
	}
	return fmt.Sprintf("%s: %s connection failed: %v", e.Adapter, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SignatureError 交易所拒绝签名
type SignatureError struct {
	Adapter string
	Reason  string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("%s: signature rejected: %s", e.Adapter, e.Reason)
}

// RejectionError 业务拒绝（不可重试）
type RejectionError struct {
	Adapter string
	Code    string
	Reason  string
}

func (e *RejectionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: order rejected (%s): %s", e.Adapter, e.Code, e.Reason)
	}
	return fmt.Sprintf("%s: order rejected: %s", e.Adapter, e.Reason)
}

// InsufficientFundsError 余额不足
type InsufficientFundsError struct {
	RejectionError
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("%s: insufficient funds: %s", e.Adapter, e.Reason)
}

func (e *InsufficientFundsError) Unwrap() error { return &e.RejectionError }

// InvalidNonceError 防重放 nonce 校验失败
type InvalidNonceError struct {
	RejectionError
	Nonce uint64
}

func (e *InvalidNonceError) Error() string {
	return fmt.Sprintf("%s: invalid nonce %d: %s", e.Adapter, e.Nonce, e.Reason)
}

func (e *InvalidNonceError) Unwrap() error { return &e.RejectionError }

// OrderNotFoundError 订单不存在或已是终态
type OrderNotFoundError struct {
	RejectionError
	OrderID string
}

func (e *OrderNotFoundError) Error() string {
	return fmt.Sprintf("%s: order %s not found: %s", e.Adapter, e.OrderID, e.Reason)
}

func (e *OrderNotFoundError) Unwrap() error { return &e.RejectionError }

// NewRejection 构造通用业务拒绝
func NewRejection(adapter, code, reason string) error {
	return &RejectionError{Adapter: adapter, Code: code, Reason: reason}
}

// NewInsufficientFunds 构造余额不足错误
func NewInsufficientFunds(adapter, reason string) error {
	return &InsufficientFundsError{RejectionError{Adapter: adapter, Code: "insufficient_funds", Reason: reason}}
}

// NewInvalidNonce 构造 nonce 错误
func NewInvalidNonce(adapter string, nonce uint64, reason string) error {
	return &InvalidNonceError{RejectionError: RejectionError{Adapter: adapter, Code: "invalid_nonce", Reason: reason}, Nonce: nonce}
}

// NewOrderNotFound 构造订单不存在错误
func NewOrderNotFound(adapter, orderID, reason string) error {
	return &OrderNotFoundError{RejectionError: RejectionError{Adapter: adapter, Code: "order_not_found", Reason: reason}, OrderID: orderID}
}

// IsRetryable 唯一的“是否重试”判定点。分类之外的错误一律不可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		te *TimeoutError
		ce *ConnectionError
		se *SignatureError
	)
	return errors.As(err, &te) || errors.As(err, &ce) || errors.As(err, &se)
}

// IsRejection 是否业务拒绝（含全部子类）
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}

// Kind 返回错误分类名称，用于日志、记录与告警
func Kind(err error) string {
	var (
		te  *TimeoutError
		ce  *ConnectionError
		se  *SignatureError
		ife *InsufficientFundsError
		ine *InvalidNonceError
		onf *OrderNotFoundError
		re  *RejectionError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &te):
		return "timeout"
	case errors.As(err, &ce):
		return "connection"
	case errors.As(err, &se):
		return "signature"
	case errors.As(err, &ife):
		return "insufficient_funds"
	case errors.As(err, &ine):
		return "invalid_nonce"
	case errors.As(err, &onf):
		return "order_not_found"
	case errors.As(err, &re):
		return "rejection"
	default:
		return "unknown"
	}
}
