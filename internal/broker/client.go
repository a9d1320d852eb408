package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"tv-bridge/internal/apperr"
	"tv-bridge/internal/metrics"
)

const (
	defaultCallTimeout = 10 * time.Second
	maxResponseSize    = 4 << 20
)

// TokenSource 提供访问令牌，forceRefresh 为 true 时必须重新签发。
// Invalidate 丢弃券商已拒绝的缓存令牌。
type TokenSource interface {
	Token(ctx context.Context, forceRefresh bool) (AccessToken, error)
	Invalidate()
}

var _ TokenSource = (*CredentialCache)(nil)

// ClientOptions 控制券商客户端。
type ClientOptions struct {
	HTTPClient HTTPDoer
	Timeout    time.Duration
}

// Client 负责带鉴权地调用券商 REST 接口，并实现 401 后刷新令牌重试一次的策略。
type Client struct {
	baseURL string
	tokens  TokenSource
	http    HTTPDoer
	timeout time.Duration
	logger  *zap.Logger
}

// NewClient 构造券商客户端。
func NewClient(baseURL string, tokens TokenSource, opts ClientOptions, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultCallTimeout
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http:    opts.HTTPClient,
		timeout: opts.Timeout,
		logger:  logger,
	}
}

// attempt 是重试状态机的两个状态，只允许 initial -> refreshed 一次迁移。
type attempt int

const (
	attemptInitial attempt = iota
	attemptRefreshed
)

func (a attempt) String() string {
	if a == attemptRefreshed {
		return "post_refresh_retry"
	}
	return "initial"
}

// Send 发起一次鉴权调用。body 非空时编码为 JSON。
//
// 调用方的取消信号不会传递到券商请求，每次尝试只受固定超时约束。
func (c *Client) Send(ctx context.Context, method, path string, body any) (Response, error) {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return Response{}, fmt.Errorf("broker: 编码请求失败: %w", err)
		}
		payload = encoded
	}

	ctx = context.WithoutCancel(ctx)

	state := attemptInitial
	for {
		token, err := c.tokens.Token(ctx, state == attemptRefreshed)
		if err != nil {
			return Response{}, err
		}

		resp, err := c.do(ctx, method, path, payload, token)
		if err != nil {
			return Response{}, err
		}

		if resp.StatusCode == http.StatusUnauthorized && state == attemptInitial {
			c.logger.Warn("券商返回401，刷新令牌后重试",
				zap.String("method", method),
				zap.String("path", path),
			)
			state = attemptRefreshed
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized {
			// 新签发的令牌同样被拒绝，不再缓存。
			c.tokens.Invalidate()
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			c.logger.Error("券商调用失败",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("status", resp.StatusCode),
				zap.Stringer("attempt", state),
				zap.ByteString("body", resp.Body),
			)
			return Response{}, apperr.Broker(resp.StatusCode, resp.Body)
		}

		if state == attemptRefreshed {
			c.logger.Info("刷新令牌后重试成功",
				zap.String("method", method),
				zap.String("path", path),
			)
		}
		return resp, nil
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, token AccessToken) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return Response{}, fmt.Errorf("broker: 构造请求失败: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.Value)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveBrokerCall(path, 0, time.Since(start))
		return Response{}, c.classify(method, path, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseSize))
	latency := time.Since(start)
	metrics.ObserveBrokerCall(path, res.StatusCode, latency)
	if err != nil {
		return Response{}, c.classify(method, path, err)
	}

	c.logger.Debug("券商调用完成",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", res.StatusCode),
		zap.Duration("latency", latency),
	)

	return Response{StatusCode: res.StatusCode, Body: raw}, nil
}

func (c *Client) classify(method, path string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		c.logger.Error("券商调用超时",
			zap.String("method", method),
			zap.String("path", path),
			zap.Duration("timeout", c.timeout),
		)
		return apperr.Timeout(method+" "+path, err)
	}
	return fmt.Errorf("broker: %s %s 调用失败: %w", method, path, err)
}

// positionEntry 的数量字段既可能是数字也可能是数字字符串。
type positionEntry struct {
	AccountID   int64       `json:"accountId"`
	Symbol      string      `json:"symbol"`
	NetPos      json.Number `json:"netPos"`
	NetPosition json.Number `json:"netPosition"`
}

func (e positionEntry) quantity() (int64, error) {
	raw := e.NetPos
	if raw == "" {
		raw = e.NetPosition
	}
	if raw == "" {
		return 0, nil
	}
	qty, err := raw.Float64()
	if err != nil {
		return 0, fmt.Errorf("netPos 取值非法: %s", raw)
	}
	return int64(qty), nil
}

// ListPositions 拉取当前全部持仓，netPos 与 netPosition 两种字段均可识别。
func (c *Client) ListPositions(ctx context.Context) ([]NetPosition, error) {
	resp, err := c.Send(ctx, http.MethodGet, PathPositionList, nil)
	if err != nil {
		return nil, err
	}

	var entries []positionEntry
	if err := json.Unmarshal(resp.Body, &entries); err != nil {
		return nil, apperr.MalformedResponse(resp.StatusCode, resp.Body, err)
	}

	positions := make([]NetPosition, 0, len(entries))
	for _, entry := range entries {
		qty, err := entry.quantity()
		if err != nil {
			return nil, apperr.MalformedResponse(resp.StatusCode, resp.Body, err)
		}
		positions = append(positions, NetPosition{
			AccountID:      entry.AccountID,
			Symbol:         strings.TrimSpace(entry.Symbol),
			SignedQuantity: qty,
		})
	}

	return positions, nil
}

type orderAck struct {
	OrderID       int64  `json:"orderId"`
	FailureReason string `json:"failureReason"`
	FailureText   string `json:"failureText"`
}

// PlaceOrder 提交订单，返回券商原始回执。
func (c *Client) PlaceOrder(ctx context.Context, order OrderRequest) (OrderResult, error) {
	resp, err := c.Send(ctx, http.MethodPost, PathPlaceOrder, order)
	if err != nil {
		return nil, err
	}

	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return OrderResult("null"), nil
	}
	if !json.Valid(resp.Body) {
		quoted, _ := json.Marshal(string(resp.Body))
		return OrderResult(quoted), nil
	}

	var ack orderAck
	if json.Unmarshal(resp.Body, &ack) == nil && ack.FailureReason != "" && ack.OrderID == 0 {
		c.logger.Warn("券商回执包含拒单原因",
			zap.String("symbol", order.Symbol),
			zap.String("failure_reason", ack.FailureReason),
			zap.String("failure_text", ack.FailureText),
		)
	}

	return OrderResult(resp.Body), nil
}
