package execution

import (
	"time"

	"tv-bridge/internal/broker"
	"tv-bridge/internal/signal"
)

// Outcome 描述一次路由的处理结果。
type Outcome string

const (
	OutcomePlaced          Outcome = "placed"
	OutcomeFlattened       Outcome = "flattened"
	OutcomeAlreadyFlat     Outcome = "already_flat"
	OutcomeFlattenDisabled Outcome = "flatten_disabled"
)

// Options 控制下单参数。
type Options struct {
	AccountID      int64
	AccountSpec    string
	TimeInForce    string
	FlattenEnabled bool
}

// Result 为执行结果摘要。Order/Placed 仅在实际下单时填充。
type Result struct {
	Signal        signal.Signal
	Outcome       Outcome
	Order         *broker.OrderRequest
	Placed        broker.OrderResult
	Position      int64
	ExecutionTime time.Time
}

// Submitted 判断本次路由是否向券商提交了订单。
func (r Result) Submitted() bool {
	return r.Order != nil
}
