package monitor

import (
	"encoding/json"
	"time"

	"tv-bridge/internal/broker"
	"tv-bridge/internal/execution"
	"tv-bridge/internal/signal"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventSignal   EventType = "signal"
	EventOrder    EventType = "order"
	EventFlatten  EventType = "flatten"
	EventRejected EventType = "rejected"
	EventError    EventType = "error"
)

// ParseEventType 解析查询参数中的事件类型，空串表示不过滤。
func ParseEventType(s string) (EventType, bool) {
	switch t := EventType(s); t {
	case "", EventSignal, EventOrder, EventFlatten, EventRejected, EventError:
		return t, true
	default:
		return "", false
	}
}

// Event 封装通用监控事件。
type Event struct {
	ID        int64       `json:"id"`
	Type      EventType   `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// SignalPayload 记录规范化后的信号。
type SignalPayload struct {
	Signal signal.Signal `json:"signal"`
}

// ExecutionPayload 记录路由结果，下单与平仓共用。
type ExecutionPayload struct {
	Outcome   execution.Outcome    `json:"outcome"`
	Symbol    string               `json:"symbol"`
	Submitted bool                 `json:"submitted"`
	Position  int64                `json:"position,omitempty"`
	Order     *broker.OrderRequest `json:"order,omitempty"`
	Placed    json.RawMessage      `json:"placed,omitempty"`
}

// RejectedPayload 记录无法规范化的载荷。
type RejectedPayload struct {
	Reason string `json:"reason"`
	Body   string `json:"body"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Kind    string                 `json:"kind,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}
