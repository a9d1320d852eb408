package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tv-bridge/internal/apperr"
	"tv-bridge/internal/metrics"
)

const (
	refreshKey           = "access-token"
	defaultSafetyMargin  = 30 * time.Second
	defaultTokenTimeout  = 10 * time.Second
	maxTokenResponseSize = 1 << 20
)

// Credentials 描述换取访问令牌所需的凭证。Username 与 Password 同时存在时才会发送。
type Credentials struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	AppID        string
	AppVersion   string
}

// HTTPDoer 抽象 *http.Client，便于测试替换。
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CacheOptions 控制令牌缓存行为。
type CacheOptions struct {
	HTTPClient   HTTPDoer
	Timeout      time.Duration
	SafetyMargin time.Duration
	Now          func() time.Time
}

// CredentialCache 持有当前访问令牌并在临近过期或被强制时刷新。
//
// 读路径无锁；并发刷新通过 singleflight 合并为一次请求。
type CredentialCache struct {
	endpoint string
	creds    Credentials
	client   HTTPDoer
	timeout  time.Duration
	margin   time.Duration
	now      func() time.Time
	logger   *zap.Logger

	current atomic.Pointer[AccessToken]
	group   singleflight.Group
}

// NewCredentialCache 创建令牌缓存，baseURL 为券商 API 根地址。
func NewCredentialCache(baseURL string, creds Credentials, opts CacheOptions, logger *zap.Logger) *CredentialCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTokenTimeout
	}
	if opts.SafetyMargin <= 0 {
		opts.SafetyMargin = defaultSafetyMargin
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &CredentialCache{
		endpoint: strings.TrimRight(baseURL, "/") + PathAccessToken,
		creds:    creds,
		client:   opts.HTTPClient,
		timeout:  opts.Timeout,
		margin:   opts.SafetyMargin,
		now:      opts.Now,
		logger:   logger,
	}
}

// Token 返回可用令牌。forceRefresh 为 false 且缓存令牌未进入安全边际时不发起网络请求。
func (c *CredentialCache) Token(ctx context.Context, forceRefresh bool) (AccessToken, error) {
	if !forceRefresh {
		if tok := c.current.Load(); tok != nil && tok.usableAt(c.now(), c.margin) {
			return *tok, nil
		}
	}

	v, err, shared := c.group.Do(refreshKey, func() (interface{}, error) {
		return c.refresh(ctx)
	})
	if err != nil {
		return AccessToken{}, err
	}
	if shared {
		c.logger.Debug("复用并发中的令牌刷新结果")
	}
	return v.(AccessToken), nil
}

// Invalidate 丢弃缓存令牌，下一次 Token 调用必然刷新。
func (c *CredentialCache) Invalidate() {
	c.current.Store(nil)
}

type tokenRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	AppID        string `json:"appId"`
	AppVersion   string `json:"appVersion"`
	Name         string `json:"name,omitempty"`
	Password     string `json:"password,omitempty"`
}

type tokenResponse struct {
	AccessToken    string      `json:"accessToken"`
	ExpirationTime string      `json:"expirationTime"`
	ExpiresIn      json.Number `json:"expiresIn"`
	ErrorText      string      `json:"errorText"`
}

func (c *CredentialCache) refresh(ctx context.Context) (AccessToken, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	tok, err := c.fetch(ctx)
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues("error").Inc()
		c.logger.Warn("刷新访问令牌失败", zap.Error(err))
		return AccessToken{}, err
	}

	c.current.Store(&tok)
	metrics.TokenRefreshesTotal.WithLabelValues("ok").Inc()
	c.logger.Info("访问令牌已刷新",
		zap.Time("expires_at", tok.ExpiresAt),
		zap.Bool("user_credentials", c.hasUserCredentials()),
	)
	return tok, nil
}

func (c *CredentialCache) fetch(ctx context.Context) (AccessToken, error) {
	payload := tokenRequest{
		ClientID:     c.creds.ClientID,
		ClientSecret: c.creds.ClientSecret,
		AppID:        c.creds.AppID,
		AppVersion:   c.creds.AppVersion,
	}
	if c.hasUserCredentials() {
		payload.Name = c.creds.Username
		payload.Password = c.creds.Password
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return AccessToken{}, apperr.Auth("encode token request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return AccessToken{}, apperr.Auth("build token request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	res, err := c.client.Do(req)
	if err != nil {
		metrics.ObserveBrokerCall(PathAccessToken, 0, time.Since(start))
		return AccessToken{}, apperr.Auth("token request failed", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxTokenResponseSize))
	metrics.ObserveBrokerCall(PathAccessToken, res.StatusCode, time.Since(start))
	if err != nil {
		return AccessToken{}, apperr.Auth("read token response", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return AccessToken{}, apperr.Auth("token request rejected",
			fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(raw))))
	}

	var parsed tokenResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return AccessToken{}, apperr.Auth("bad token response", err)
	}
	if parsed.AccessToken == "" {
		if parsed.ErrorText != "" {
			return AccessToken{}, apperr.Auth("bad token response: "+parsed.ErrorText, nil)
		}
		return AccessToken{}, apperr.Auth("bad token response", nil)
	}

	expiresAt, err := parsed.expiry(c.now())
	if err != nil {
		return AccessToken{}, apperr.Auth("bad token response", err)
	}

	return AccessToken{Value: parsed.AccessToken, ExpiresAt: expiresAt}, nil
}

// expiry 优先使用绝对时间 expirationTime，其次是相对秒数 expiresIn。
func (r tokenResponse) expiry(now time.Time) (time.Time, error) {
	if r.ExpirationTime != "" {
		ts, err := time.Parse(time.RFC3339, r.ExpirationTime)
		if err != nil {
			return time.Time{}, fmt.Errorf("expirationTime 格式错误: %w", err)
		}
		return ts, nil
	}

	if r.ExpiresIn != "" {
		secs, err := r.ExpiresIn.Float64()
		if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) || secs <= 0 {
			return time.Time{}, fmt.Errorf("expiresIn 取值非法: %s", r.ExpiresIn)
		}
		return now.Add(time.Duration(secs * float64(time.Second))), nil
	}

	return time.Time{}, errors.New("缺少 expirationTime/expiresIn")
}

func (c *CredentialCache) hasUserCredentials() bool {
	return c.creds.Username != "" && c.creds.Password != ""
}
