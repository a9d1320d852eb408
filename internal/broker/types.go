package broker

import (
	"encoding/json"
	"time"
)

const (
	// PathAccessToken 为令牌签发接口。
	PathAccessToken = "/auth/accessToken"
	// PathPlaceOrder 为下单接口。
	PathPlaceOrder = "/order/placeOrder"
	// PathPositionList 为持仓列表接口。
	PathPositionList = "/position/list"

	// OrderTypeMarket 为市价单类型。
	OrderTypeMarket = "Market"
)

// AccessToken 表示券商签发的访问令牌。
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

// usableAt 要求令牌距离过期仍大于安全边际。
func (t AccessToken) usableAt(now time.Time, margin time.Duration) bool {
	return t.Value != "" && t.ExpiresAt.Sub(now) > margin
}

// Action 表示下单方向，取值与券商接口一致。
type Action string

const (
	ActionBuy  Action = "Buy"
	ActionSell Action = "Sell"
)

// OrderRequest 为发送给券商的完整下单请求。
type OrderRequest struct {
	AccountID   int64  `json:"accountId"`
	AccountSpec string `json:"accountSpec,omitempty"`
	Action      Action `json:"action"`
	Symbol      string `json:"symbol"`
	OrderType   string `json:"orderType"`
	OrderQty    int64  `json:"orderQty"`
	TimeInForce string `json:"timeInForce,omitempty"`
	IsAutomated bool   `json:"isAutomated"`
}

// OrderResult 为券商返回的下单回执，原样透传。
type OrderResult = json.RawMessage

// NetPosition 表示某合约的净持仓，正数为多头，负数为空头。
type NetPosition struct {
	AccountID      int64  `json:"accountId,omitempty"`
	Symbol         string `json:"symbol"`
	SignedQuantity int64  `json:"signedQuantity"`
}

// Response 为一次成功券商调用的原始响应。
type Response struct {
	StatusCode int
	Body       []byte
}
