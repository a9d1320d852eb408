//go:build integration
// +build integration

package execution

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"tv-bridge/internal/broker"
	"tv-bridge/internal/config"
	"tv-bridge/internal/signal"
)

func TestRouterIntegration_TradovateDemoOpenAndFlatten(t *testing.T) {
	configPath := os.Getenv("TV_BRIDGE_CONFIG")
	cfg, err := config.Load(configPath, os.Getenv("TV_BRIDGE_ENV_FILE"))
	if err != nil {
		t.Skipf("加载配置失败，跳过: %v", err)
	}
	if cfg.Tradovate.Environment != "demo" {
		t.Skip("tradovate.environment 不是 demo，出于安全考虑跳过真实下单测试")
	}
	symbol := os.Getenv("TV_BRIDGE_IT_SYMBOL")
	if symbol == "" {
		t.Skip("未设置 TV_BRIDGE_IT_SYMBOL，跳过测试")
	}

	logger := zap.NewNop()
	baseURL := cfg.Tradovate.ResolvedBaseURL()
	cache := broker.NewCredentialCache(baseURL, broker.Credentials{
		ClientID:     cfg.Tradovate.ClientID,
		ClientSecret: cfg.Tradovate.ClientSecret,
		Username:     cfg.Tradovate.Username,
		Password:     cfg.Tradovate.Password,
		AppID:        cfg.Tradovate.AppID,
		AppVersion:   cfg.Tradovate.AppVersion,
	}, broker.CacheOptions{
		Timeout:      cfg.Tradovate.Timeout,
		SafetyMargin: cfg.Tradovate.TokenSafetyMargin,
	}, logger)
	client := broker.NewClient(baseURL, cache, broker.ClientOptions{Timeout: cfg.Tradovate.Timeout}, logger)

	router := NewRouter(client, Options{
		AccountID:      cfg.Tradovate.AccountID,
		AccountSpec:    cfg.Tradovate.AccountSpec,
		TimeInForce:    cfg.Execution.TimeInForce,
		FlattenEnabled: true,
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	opened, err := router.Route(ctx, signal.Signal{Symbol: symbol, Side: signal.SideBuy, Quantity: 1})
	if err != nil {
		t.Fatalf("开仓失败: %v", err)
	}
	t.Logf("开仓回执: %s", opened.Placed)

	// 等待成交回报进入持仓。
	time.Sleep(2 * time.Second)

	flat, err := router.Route(ctx, signal.Signal{Symbol: symbol, Side: signal.SideFlat})
	if err != nil {
		t.Fatalf("平仓失败: %v", err)
	}
	t.Logf("平仓结果: outcome=%s position=%d placed=%s", flat.Outcome, flat.Position, flat.Placed)
}
