// Package apperr 定义桥接服务的错误分类。
//
// 核心层只返回带 Kind 的 *Error，HTTP 状态码的映射留在最外层完成。
package apperr

import (
	"errors"
	"fmt"
)

// Kind 表示错误类别。
type Kind string

const (
	// KindUnknown 表示未分类错误。
	KindUnknown Kind = ""
	// KindValidation 表示入站信号不完整或格式错误，属于调用方问题。
	KindValidation Kind = "validation"
	// KindAuth 表示凭证交换失败，通常是配置问题。
	KindAuth Kind = "auth"
	// KindBroker 表示券商返回了非 2xx 响应。
	KindBroker Kind = "broker"
	// KindTimeout 表示券商调用超过固定时限。
	KindTimeout Kind = "timeout"
)

// Error 是带类别的错误变体。Broker 类错误携带券商原始状态码与响应体。
type Error struct {
	Kind    Kind
	Message string
	Status  int
	Body    []byte
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindBroker && e.Err != nil:
		return fmt.Sprintf("broker: %s (status %d): %v", e.Message, e.Status, e.Err)
	case e.Kind == KindBroker:
		return fmt.Sprintf("broker: status %d: %s", e.Status, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation 创建入站信号校验错误。
func Validation(reason string) *Error {
	return &Error{Kind: KindValidation, Message: reason}
}

// Auth 创建凭证错误，cause 可为空。
func Auth(message string, cause error) *Error {
	return &Error{Kind: KindAuth, Message: message, Err: cause}
}

// Broker 创建券商响应错误，body 原样保留。
func Broker(status int, body []byte) *Error {
	return &Error{Kind: KindBroker, Message: "unexpected broker response", Status: status, Body: body}
}

// MalformedResponse 表示券商返回 2xx 但响应体无法解析。
func MalformedResponse(status int, body []byte, cause error) *Error {
	return &Error{Kind: KindBroker, Message: "malformed broker response", Status: status, Body: body, Err: cause}
}

// Timeout 创建超时错误。
func Timeout(operation string, cause error) *Error {
	return &Error{Kind: KindTimeout, Message: operation, Err: cause}
}

// KindOf 返回错误链中第一个 *Error 的类别。
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindUnknown
}

// Is 判断错误链中是否存在指定类别的 *Error。
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
