package signal

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"tv-bridge/internal/apperr"
)

const (
	reasonMissingSymbolOrSide = "missing symbol or side"
	reasonInvalidQuantity     = "missing/invalid quantity"

	// nestedMessageField 用于承载二次编码的信号，常见于把 JSON 包进 message 的告警平台。
	nestedMessageField = "message"
)

var (
	maxQuantity = decimal.NewFromInt(math.MaxInt32)
	utf8BOM     = []byte("\xef\xbb\xbf")
)

// extractor 是一个具名字段提取器，按别名优先级返回第一个存在的取值。
type extractor struct {
	name    string
	aliases []string
}

var (
	symbolField   = extractor{name: "symbol", aliases: []string{"symbol", "ticker"}}
	sideField     = extractor{name: "side", aliases: []string{"side", "action", "signal"}}
	quantityField = extractor{name: "quantity", aliases: []string{"qty", "quantity"}}
)

// text 返回第一个非空文本取值，数字按原样转成文本。
func (e extractor) text(payload map[string]any) string {
	for _, key := range e.aliases {
		if s := textValue(payload[key]); s != "" {
			return s
		}
	}
	return ""
}

// value 返回第一个非 null 的原始取值。
func (e extractor) value(payload map[string]any) (any, bool) {
	for _, key := range e.aliases {
		if v, ok := payload[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func textValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

// Normalize 将原始 webhook 载荷解析为规范信号，无法确定必填字段时返回 validation 类错误。
func Normalize(raw []byte) (Signal, error) {
	payload := unwrapMessage(decodePayload(raw))

	symbol := strings.ToUpper(symbolField.text(payload))
	side, ok := sideAliases[strings.ToLower(sideField.text(payload))]
	if symbol == "" || !ok {
		return Signal{}, apperr.Validation(reasonMissingSymbolOrSide)
	}

	if side == SideFlat {
		return Signal{Symbol: symbol, Side: SideFlat}, nil
	}

	v, present := quantityField.value(payload)
	if !present {
		return Signal{}, apperr.Validation(reasonInvalidQuantity)
	}
	qty, err := parseQuantity(v)
	if err != nil {
		return Signal{}, apperr.Validation(reasonInvalidQuantity)
	}

	return Signal{Symbol: symbol, Side: side, Quantity: qty}, nil
}

// decodePayload 宽松解析：非 JSON 文本视为无字段载荷，JSON 字符串字面量再解析一次。
func decodePayload(raw []byte) map[string]any {
	v, ok := decodeJSON(raw)
	if !ok {
		return nil
	}
	if text, isText := v.(string); isText {
		if v, ok = decodeJSON([]byte(text)); !ok {
			return nil
		}
	}
	obj, _ := v.(map[string]any)
	return obj
}

// unwrapMessage 在 message 字段能解析为对象时改用内层对象。
func unwrapMessage(payload map[string]any) map[string]any {
	text, ok := payload[nestedMessageField].(string)
	if !ok {
		return payload
	}
	inner, ok := decodeJSON([]byte(text))
	if !ok {
		return payload
	}
	if obj, isObj := inner.(map[string]any); isObj {
		return obj
	}
	return payload
}

// decodeJSON 解析单个 JSON 值，开头的 UTF-8 BOM 会被忽略。
func decodeJSON(data []byte) (any, bool) {
	data = bytes.TrimPrefix(data, utf8BOM)
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, false
	}
	return v, true
}

// parseQuantity 接受数字或数字字符串，截断为整数后必须位于 [1, MaxInt32]。
func parseQuantity(v any) (int64, error) {
	var text string
	switch t := v.(type) {
	case json.Number:
		text = t.String()
	case string:
		text = strings.TrimSpace(t)
	default:
		return 0, errors.New("quantity 不是数字")
	}

	d, err := decimal.NewFromString(text)
	if err != nil {
		return 0, err
	}

	whole := d.Truncate(0)
	if !whole.IsPositive() || whole.GreaterThan(maxQuantity) {
		return 0, errors.New("quantity 超出范围")
	}
	return whole.IntPart(), nil
}
