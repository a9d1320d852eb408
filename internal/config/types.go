package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/multierr"
)

const (
	// EnvironmentDemo 对应 Tradovate 模拟盘。
	EnvironmentDemo = "demo"
	// EnvironmentLive 对应 Tradovate 实盘。
	EnvironmentLive = "live"

	apiVersionPath = "/v1"
	demoBaseURL    = "https://demo.tradovateapi.com" + apiVersionPath
	liveBaseURL    = "https://live.tradovateapi.com" + apiVersionPath

	minBrokerTimeout = 10 * time.Second
	maxBrokerTimeout = 20 * time.Second
	minSafetyMargin  = 15 * time.Second
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Tradovate TradovateConfig `mapstructure:"tradovate"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig 描述 webhook 监听参数。
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

// TradovateConfig 描述券商连接与凭证。
type TradovateConfig struct {
	Environment       string        `mapstructure:"environment"`
	BaseURL           string        `mapstructure:"base_url"`
	ClientID          string        `mapstructure:"client_id"`
	ClientSecret      string        `mapstructure:"client_secret"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	AppID             string        `mapstructure:"app_id"`
	AppVersion        string        `mapstructure:"app_version"`
	AccountID         int64         `mapstructure:"account_id"`
	AccountSpec       string        `mapstructure:"account_spec"`
	Timeout           time.Duration `mapstructure:"timeout"`
	TokenSafetyMargin time.Duration `mapstructure:"token_safety_margin"`
}

// HasUserCredentials 仅当用户名与密码同时存在时返回 true。
func (c TradovateConfig) HasUserCredentials() bool {
	return c.Username != "" && c.Password != ""
}

var versionSegment = regexp.MustCompile(`^v\d+$`)

// ResolvedBaseURL 返回实际使用的 API 根地址，未显式配置时按环境推导。
// 显式地址的路径里没有版本段（如 https://demo.tradovateapi.com）时补上 /v1。
func (c TradovateConfig) ResolvedBaseURL() string {
	if base := strings.TrimSpace(c.BaseURL); base != "" {
		return withAPIVersion(strings.TrimRight(base, "/"))
	}
	switch strings.ToLower(c.Environment) {
	case EnvironmentLive:
		return liveBaseURL
	case EnvironmentDemo:
		return demoBaseURL
	default:
		return ""
	}
}

func withAPIVersion(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return base
	}
	for _, seg := range strings.Split(u.Path, "/") {
		if versionSegment.MatchString(seg) {
			return base
		}
	}
	return base + apiVersionPath
}

// ExecutionConfig 控制下单行为。
type ExecutionConfig struct {
	FlattenEnabled bool   `mapstructure:"flatten_enabled"`
	TimeInForce    string `mapstructure:"time_in_force"`
}

// MonitorConfig 控制内存事件日志。
type MonitorConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	MaxEvents int  `mapstructure:"max_events"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

var validTimeInForce = map[string]struct{}{
	"":    {},
	"Day": {},
	"GTC": {},
	"IOC": {},
	"FOK": {},
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Name == "" {
		err = multierr.Append(err, errors.New("app.name 不能为空"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		err = multierr.Append(err, errors.New("server.port 必须位于[1,65535]"))
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		err = multierr.Append(err, errors.New("server 读写超时必须为正"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		err = multierr.Append(err, errors.New("server.shutdown_timeout 必须大于0"))
	}
	if c.Server.MaxBodyBytes <= 0 {
		err = multierr.Append(err, errors.New("server.max_body_bytes 必须大于0"))
	}

	env := strings.ToLower(c.Tradovate.Environment)
	if env != EnvironmentDemo && env != EnvironmentLive {
		err = multierr.Append(err, fmt.Errorf("tradovate.environment 只能为 demo 或 live，当前为 %q", c.Tradovate.Environment))
	}
	if base := c.Tradovate.ResolvedBaseURL(); base == "" {
		err = multierr.Append(err, errors.New("tradovate.base_url 不能为空"))
	} else if u, parseErr := url.Parse(base); parseErr != nil || u.Scheme == "" || u.Host == "" {
		err = multierr.Append(err, fmt.Errorf("tradovate.base_url 不是合法地址: %q", base))
	}
	if c.Tradovate.ClientID == "" {
		err = multierr.Append(err, errors.New("tradovate.client_id 不能为空"))
	}
	if c.Tradovate.ClientSecret == "" {
		err = multierr.Append(err, errors.New("tradovate.client_secret 不能为空"))
	}
	if c.Tradovate.AppID == "" {
		err = multierr.Append(err, errors.New("tradovate.app_id 不能为空"))
	}
	if c.Tradovate.AppVersion == "" {
		err = multierr.Append(err, errors.New("tradovate.app_version 不能为空"))
	}
	if c.Tradovate.AccountID <= 0 {
		err = multierr.Append(err, errors.New("tradovate.account_id 必须大于0"))
	}
	if c.Tradovate.Timeout < minBrokerTimeout || c.Tradovate.Timeout > maxBrokerTimeout {
		err = multierr.Append(err, fmt.Errorf("tradovate.timeout 必须位于[%s,%s]", minBrokerTimeout, maxBrokerTimeout))
	}
	if c.Tradovate.TokenSafetyMargin < minSafetyMargin {
		err = multierr.Append(err, fmt.Errorf("tradovate.token_safety_margin 不能小于 %s", minSafetyMargin))
	}

	if _, ok := validTimeInForce[c.Execution.TimeInForce]; !ok {
		err = multierr.Append(err, fmt.Errorf("execution.time_in_force 取值非法: %s", c.Execution.TimeInForce))
	}

	if c.Monitor.Enabled && c.Monitor.MaxEvents <= 0 {
		err = multierr.Append(err, errors.New("monitor.max_events 必须大于0"))
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
