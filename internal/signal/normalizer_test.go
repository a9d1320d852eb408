package signal

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"tv-bridge/internal/apperr"
)

func TestNormalize_SideAliases(t *testing.T) {
	cases := map[string]Side{
		"buy":   SideBuy,
		"LONG":  SideBuy,
		"Sell":  SideSell,
		"short": SideSell,
		"FLAT":  SideFlat,
		"exit":  SideFlat,
		"Close": SideFlat,
	}

	for alias, want := range cases {
		t.Run(alias, func(t *testing.T) {
			raw := `{"symbol":"es","side":"` + alias + `","qty":1}`
			sig, err := Normalize([]byte(raw))
			if err != nil {
				t.Fatalf("Normalize returned error: %v", err)
			}
			if sig.Side != want {
				t.Errorf("alias %s: got %s want %s", alias, sig.Side, want)
			}
		})
	}
}

func TestNormalize_FieldAliasesInPriorityOrder(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Signal
	}{
		{"ticker and action", `{"ticker":" nq ","action":"short","qty":3}`, Signal{Symbol: "NQ", Side: SideSell, Quantity: 3}},
		{"signal field", `{"symbol":"cl","signal":"long","quantity":"2"}`, Signal{Symbol: "CL", Side: SideBuy, Quantity: 2}},
		{"symbol wins over ticker", `{"symbol":"ES","ticker":"NQ","side":"buy","qty":1}`, Signal{Symbol: "ES", Side: SideBuy, Quantity: 1}},
		{"side wins over action", `{"symbol":"ES","side":"sell","action":"buy","qty":1}`, Signal{Symbol: "ES", Side: SideSell, Quantity: 1}},
		{"empty symbol falls through", `{"symbol":"","ticker":"MES","side":"buy","qty":1}`, Signal{Symbol: "MES", Side: SideBuy, Quantity: 1}},
		{"truncates fraction", `{"symbol":"ES","side":"buy","qty":2.9}`, Signal{Symbol: "ES", Side: SideBuy, Quantity: 2}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig, err := Normalize([]byte(tc.raw))
			if err != nil {
				t.Fatalf("Normalize returned error: %v", err)
			}
			if sig != tc.want {
				t.Errorf("got %+v want %+v", sig, tc.want)
			}
		})
	}
}

func TestNormalize_MissingSymbolOrSide(t *testing.T) {
	cases := []string{
		`{"side":"buy","qty":1}`,
		`{"symbol":"ES","qty":1}`,
		`{"symbol":"ES","side":"hold","qty":1}`,
		`{"symbol":"  ","side":"buy","qty":1}`,
		`buy ES 1`,
		``,
		`[1,2,3]`,
		`{"symbol":"ES","side":"buy","qty":1} trailing`,
	}

	for _, raw := range cases {
		_, err := Normalize([]byte(raw))
		assertValidation(t, raw, err, "missing symbol or side")
	}
}

func TestNormalize_InvalidQuantityForDirectionalSides(t *testing.T) {
	cases := []string{
		`{"symbol":"ES","side":"buy"}`,
		`{"symbol":"ES","side":"buy","qty":null}`,
		`{"symbol":"ES","side":"buy","qty":0}`,
		`{"symbol":"ES","side":"sell","qty":-2}`,
		`{"symbol":"ES","side":"sell","qty":0.5}`,
		`{"symbol":"ES","side":"buy","qty":"abc"}`,
		`{"symbol":"ES","side":"buy","qty":"NaN"}`,
		`{"symbol":"ES","side":"buy","qty":true}`,
		`{"symbol":"ES","side":"buy","qty":1e12}`,
	}

	for _, raw := range cases {
		_, err := Normalize([]byte(raw))
		assertValidation(t, raw, err, "missing/invalid quantity")
	}
}

func TestNormalize_FlatForcesZeroQuantity(t *testing.T) {
	for _, raw := range []string{
		`{"symbol":"ES","side":"flat","qty":7}`,
		`{"symbol":"ES","side":"close"}`,
		`{"symbol":"ES","side":"exit","qty":"garbage"}`,
	} {
		sig, err := Normalize([]byte(raw))
		if err != nil {
			t.Fatalf("%s: Normalize returned error: %v", raw, err)
		}
		if sig.Side != SideFlat || sig.Quantity != 0 || !sig.IsFlat() {
			t.Errorf("%s: expected flat with zero quantity, got %+v", raw, sig)
		}
	}
}

func TestNormalize_DoubleEncodedMatchesInner(t *testing.T) {
	inner := `{"ticker":"ES","action":"long","qty":2}`
	outer, err := json.Marshal(map[string]string{"message": inner})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	wrapped, err := Normalize(outer)
	if err != nil {
		t.Fatalf("Normalize(outer) returned error: %v", err)
	}
	direct, err := Normalize([]byte(inner))
	if err != nil {
		t.Fatalf("Normalize(inner) returned error: %v", err)
	}

	want := Signal{Symbol: "ES", Side: SideBuy, Quantity: 2}
	if wrapped != want || direct != want {
		t.Fatalf("expected %+v for both, got wrapped=%+v direct=%+v", want, wrapped, direct)
	}
}

func TestNormalize_TextWrappedJSON(t *testing.T) {
	// text/plain 发送方把整个 JSON 作为字符串字面量提交。
	raw, _ := json.Marshal(`{"symbol":"mnq","side":"sell","qty":4}`)
	sig, err := Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize returned error: %v", err)
	}
	if sig != (Signal{Symbol: "MNQ", Side: SideSell, Quantity: 4}) {
		t.Errorf("unexpected signal %+v", sig)
	}
}

func TestNormalize_MessageThatIsNotJSONIsIgnored(t *testing.T) {
	raw := `{"message":"strategy fired","symbol":"ES","side":"buy","qty":1}`
	sig, err := Normalize([]byte(raw))
	if err != nil {
		t.Fatalf("Normalize returned error: %v", err)
	}
	if sig.Symbol != "ES" || sig.Side != SideBuy {
		t.Errorf("expected outer payload to be used, got %+v", sig)
	}

	raw = `{"message":"[1,2]","symbol":"ES","side":"sell","qty":1}`
	sig, err = Normalize([]byte(raw))
	if err != nil || sig.Side != SideSell {
		t.Errorf("non-object message must not replace payload: %+v %v", sig, err)
	}
}

func assertValidation(t *testing.T, raw string, err error, reason string) {
	t.Helper()
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Kind != apperr.KindValidation {
		t.Errorf("%q: expected validation error, got %v", raw, err)
		return
	}
	if !strings.Contains(appErr.Message, reason) {
		t.Errorf("%q: expected reason %q, got %q", raw, reason, appErr.Message)
	}
}

func TestNormalize_LeadingByteOrderMark(t *testing.T) {
	want := Signal{Symbol: "ES", Side: SideBuy, Quantity: 1}
	cases := map[string]string{
		"body":         "\ufeff{\"symbol\":\"ES\",\"side\":\"buy\",\"qty\":1}",
		"text wrapped": "\ufeff\"{\\\"symbol\\\":\\\"ES\\\",\\\"side\\\":\\\"buy\\\",\\\"qty\\\":1}\"",
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			sig, err := Normalize([]byte(raw))
			if err != nil {
				t.Fatalf("Normalize returned error: %v", err)
			}
			if sig != want {
				t.Errorf("got %+v want %+v", sig, want)
			}
		})
	}
}
