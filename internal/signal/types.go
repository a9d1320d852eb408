// Package signal 将各种形态的 webhook 载荷规范化为统一的交易信号。
package signal

// Side 表示规范化后的交易方向。
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
	SideFlat Side = "Flat"
)

// sideAliases 将入站方向字段（小写）映射到规范方向，未列出的取值视为无法识别。
var sideAliases = map[string]Side{
	"buy":   SideBuy,
	"long":  SideBuy,
	"sell":  SideSell,
	"short": SideSell,
	"flat":  SideFlat,
	"exit":  SideFlat,
	"close": SideFlat,
}

// Signal 为校验通过的规范化信号。Buy/Sell 时 Quantity > 0，Flat 时恒为 0。
type Signal struct {
	Symbol   string `json:"symbol"`
	Side     Side   `json:"side"`
	Quantity int64  `json:"quantity"`
}

// IsFlat 判断是否为平仓信号。
func (s Signal) IsFlat() bool {
	return s.Side == SideFlat
}
