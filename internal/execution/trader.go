package execution

import (
	"context"

	"tv-bridge/internal/signal"
)

// Trader 抽象信号执行接口，方便在 HTTP 层替换为模拟实现。
type Trader interface {
	Route(ctx context.Context, sig signal.Signal) (Result, error)
}

var _ Trader = (*Router)(nil)
