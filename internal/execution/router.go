package execution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"tv-bridge/internal/apperr"
	"tv-bridge/internal/broker"
	"tv-bridge/internal/metrics"
	"tv-bridge/internal/signal"
)

type orderPlacer interface {
	PlaceOrder(ctx context.Context, order broker.OrderRequest) (broker.OrderResult, error)
	ListPositions(ctx context.Context) ([]broker.NetPosition, error)
}

var _ orderPlacer = (*broker.Client)(nil)

// Router 将规范化信号转换为券商市价单。
type Router struct {
	client orderPlacer
	logger *zap.Logger
	opts   Options
	now    func() time.Time
}

// NewRouter 创建路由器。
func NewRouter(client orderPlacer, opts Options, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		client: client,
		logger: logger,
		opts:   opts,
		now:    time.Now,
	}
}

// Route 执行一条信号：Buy/Sell 直接下单，Flat 查询净持仓后下反向单。
func (r *Router) Route(ctx context.Context, sig signal.Signal) (Result, error) {
	result := Result{
		Signal:        sig,
		ExecutionTime: r.now().UTC(),
	}

	switch sig.Side {
	case signal.SideBuy, signal.SideSell:
		if sig.Quantity <= 0 {
			return result, apperr.Validation("missing/invalid quantity")
		}
		order := buildOrderRequest(sig.Symbol, broker.Action(sig.Side), sig.Quantity, r.opts)
		return r.submit(ctx, result, order, OutcomePlaced)
	case signal.SideFlat:
		return r.flatten(ctx, result)
	default:
		return result, fmt.Errorf("execution: 不支持的信号方向 %q", sig.Side)
	}
}

func (r *Router) flatten(ctx context.Context, result Result) (Result, error) {
	symbol := result.Signal.Symbol
	if !r.opts.FlattenEnabled {
		r.logger.Info("平仓已关闭，忽略 Flat 信号", zap.String("symbol", symbol))
		result.Outcome = OutcomeFlattenDisabled
		return result, nil
	}

	positions, err := r.client.ListPositions(ctx)
	if err != nil {
		return result, fmt.Errorf("execution: 查询持仓失败: %w", err)
	}

	// 查询与下单之间持仓可能被其他成交改变，这里不做对账。
	net := findNetPosition(positions, r.opts.AccountID, symbol)
	result.Position = net

	order, ok := offsettingOrder(symbol, net, r.opts)
	if !ok {
		r.logger.Info("已无持仓，无需平仓", zap.String("symbol", symbol))
		result.Outcome = OutcomeAlreadyFlat
		return result, nil
	}

	r.logger.Info("平仓下反向单",
		zap.String("symbol", symbol),
		zap.Int64("net_position", net),
		zap.String("action", string(order.Action)),
		zap.Int64("quantity", order.OrderQty),
	)
	return r.submit(ctx, result, order, OutcomeFlattened)
}

func (r *Router) submit(ctx context.Context, result Result, order broker.OrderRequest, outcome Outcome) (Result, error) {
	placed, err := r.client.PlaceOrder(ctx, order)
	if err != nil {
		r.logger.Warn("下单失败",
			zap.String("symbol", order.Symbol),
			zap.String("action", string(order.Action)),
			zap.Int64("quantity", order.OrderQty),
			zap.Error(err),
		)
		return result, fmt.Errorf("execution: 下单失败: %w", err)
	}

	metrics.OrdersTotal.WithLabelValues(string(order.Action)).Inc()
	result.Order = &order
	result.Placed = placed
	result.Outcome = outcome
	return result, nil
}

// findNetPosition 返回配置账户下首个同名合约的净持仓，未找到视为 0。
// 未携带 accountId 的条目视为属于当前账户。
func findNetPosition(positions []broker.NetPosition, accountID int64, symbol string) int64 {
	for _, p := range positions {
		if p.AccountID != 0 && accountID != 0 && p.AccountID != accountID {
			continue
		}
		if strings.EqualFold(p.Symbol, symbol) {
			return p.SignedQuantity
		}
	}
	return 0
}

// offsettingOrder 计算把净持仓归零的市价单，持仓为 0 时返回 false。
func offsettingOrder(symbol string, net int64, opts Options) (broker.OrderRequest, bool) {
	switch {
	case net > 0:
		return buildOrderRequest(symbol, broker.ActionSell, net, opts), true
	case net < 0:
		return buildOrderRequest(symbol, broker.ActionBuy, -net, opts), true
	default:
		return broker.OrderRequest{}, false
	}
}

func buildOrderRequest(symbol string, action broker.Action, qty int64, opts Options) broker.OrderRequest {
	return broker.OrderRequest{
		AccountID:   opts.AccountID,
		AccountSpec: opts.AccountSpec,
		Action:      action,
		Symbol:      symbol,
		OrderType:   broker.OrderTypeMarket,
		OrderQty:    qty,
		TimeInForce: opts.TimeInForce,
		IsAutomated: true,
	}
}
