package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	defaultEnvFile    = ".env"
)

// Load 先加载 .env，再读取可选的配置文件并结合环境变量返回 Config。
//
// 环境变量不带前缀，键名中的 "." 替换为 "_"，因此 TRADOVATE_CLIENT_ID
// 对应 tradovate.client_id；PORT 额外绑定到 server.port。
func Load(path, envFile string) (*Config, error) {
	if err := loadDotenv(envFile); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("server.port", "SERVER_PORT", "PORT"); err != nil {
		return nil, fmt.Errorf("绑定环境变量失败: %w", err)
	}

	setDefaults(v)

	configPath, err := resolveConfigPath(path)
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// 显式指定的 .env 必须存在；默认路径缺失时静默跳过。
func loadDotenv(envFile string) error {
	explicit := envFile != ""
	if !explicit {
		envFile = defaultEnvFile
	}

	err := godotenv.Load(envFile)
	if err == nil {
		return nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("加载环境文件 %q 失败: %w", envFile, err)
}

func resolveConfigPath(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return path, nil
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return defaultConfigPath, nil
	}
	return "", nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "tv-bridge")
	v.SetDefault("app.environment", "development")

	v.SetDefault("server.port", 3000)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("server.max_body_bytes", 64<<10)

	v.SetDefault("tradovate.environment", EnvironmentDemo)
	v.SetDefault("tradovate.base_url", "")
	v.SetDefault("tradovate.client_id", "")
	v.SetDefault("tradovate.client_secret", "")
	v.SetDefault("tradovate.username", "")
	v.SetDefault("tradovate.password", "")
	v.SetDefault("tradovate.app_id", "tv-bridge")
	v.SetDefault("tradovate.app_version", "1.0.0")
	v.SetDefault("tradovate.account_id", 0)
	v.SetDefault("tradovate.account_spec", "")
	v.SetDefault("tradovate.timeout", "10s")
	v.SetDefault("tradovate.token_safety_margin", "30s")

	v.SetDefault("execution.flatten_enabled", true)
	v.SetDefault("execution.time_in_force", "")

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.max_events", 1000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
