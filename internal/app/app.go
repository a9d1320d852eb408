package app

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"tv-bridge/internal/broker"
	"tv-bridge/internal/config"
	"tv-bridge/internal/execution"
	"tv-bridge/internal/monitor"
	"tv-bridge/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:    cfg,
		logger: logger,
	}
}

// Run 组装券商客户端与路由器，并阻塞运行 webhook 服务直到 ctx 结束。
func (a *App) Run(ctx context.Context) error {
	tv := a.cfg.Tradovate
	baseURL := tv.ResolvedBaseURL()

	a.logger.Info("桥接服务已初始化",
		zap.String("environment", tv.Environment),
		zap.String("base_url", baseURL),
		zap.Int64("account_id", tv.AccountID),
		zap.Bool("flatten_enabled", a.cfg.Execution.FlattenEnabled),
	)
	if !tv.HasUserCredentials() && (tv.Username != "" || tv.Password != "") {
		a.logger.Warn("用户名与密码只配置了一项，令牌请求将不携带用户凭证")
	}

	handler, cleanup, err := a.buildHandler(ctx, baseURL)
	if err != nil {
		return err
	}
	defer cleanup()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}
	return serve(ctx, srv, a.cfg.Server.ShutdownTimeout, a.logger)
}

func (a *App) buildHandler(ctx context.Context, baseURL string) (http.Handler, func(), error) {
	tv := a.cfg.Tradovate

	cache := broker.NewCredentialCache(baseURL, broker.Credentials{
		ClientID:     tv.ClientID,
		ClientSecret: tv.ClientSecret,
		Username:     tv.Username,
		Password:     tv.Password,
		AppID:        tv.AppID,
		AppVersion:   tv.AppVersion,
	}, broker.CacheOptions{
		Timeout:      tv.Timeout,
		SafetyMargin: tv.TokenSafetyMargin,
	}, a.logger.Named("credentials"))

	client := broker.NewClient(baseURL, cache, broker.ClientOptions{Timeout: tv.Timeout}, a.logger.Named("broker"))

	router := execution.NewRouter(client, execution.Options{
		AccountID:      tv.AccountID,
		AccountSpec:    tv.AccountSpec,
		TimeInForce:    a.cfg.Execution.TimeInForce,
		FlattenEnabled: a.cfg.Execution.FlattenEnabled,
	}, a.logger.Named("execution"))

	deps := routerDeps{
		AppName:      a.cfg.App.Name,
		Environment:  tv.Environment,
		MaxBodyBytes: a.cfg.Server.MaxBodyBytes,
		Trader:       router,
		Logger:       a.logger.Named("http"),
	}

	cleanup := func() {}
	if a.cfg.Monitor.Enabled {
		st, err := store.NewMemory(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("初始化事件存储失败: %w", err)
		}
		events, err := monitor.NewService(ctx, st, a.cfg.Monitor.MaxEvents, a.logger.Named("monitor"))
		if err != nil {
			_ = st.Close()
			return nil, nil, fmt.Errorf("初始化事件日志失败: %w", err)
		}
		deps.Events = events
		cleanup = func() {
			if err := st.Close(); err != nil {
				a.logger.Warn("关闭事件存储失败", zap.Error(err))
			}
		}
	}

	return newRouter(deps), cleanup, nil
}
