package monitor

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"tv-bridge/internal/apperr"
	"tv-bridge/internal/broker"
	"tv-bridge/internal/execution"
	"tv-bridge/internal/signal"
	"tv-bridge/internal/store"
)

func newTestService(t *testing.T, maxEvents int) *Service {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewMemory(ctx)
	if err != nil {
		t.Fatalf("NewMemory returned error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	svc, err := NewService(ctx, st, maxEvents, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}
	return svc
}

func TestNewService_RequiresStore(t *testing.T) {
	if _, err := NewService(context.Background(), nil, 10, nil); err == nil {
		t.Fatalf("expected error for nil store")
	}
}

func TestRecordAndListEvents(t *testing.T) {
	svc := newTestService(t, 100)
	ctx := context.Background()

	sig := signal.Signal{Symbol: "ESZ4", Side: signal.SideBuy, Quantity: 2}
	svc.RecordSignal(ctx, "req-1", sig)
	svc.RecordExecution(ctx, "req-1", execution.Result{
		Signal:  sig,
		Outcome: execution.OutcomePlaced,
		Order:   &broker.OrderRequest{Symbol: "ESZ4", Action: broker.ActionBuy, OrderQty: 2},
		Placed:  broker.OrderResult(`{"orderId":7}`),
	})
	svc.RecordExecution(ctx, "req-2", execution.Result{
		Signal:  signal.Signal{Symbol: "NQZ4", Side: signal.SideFlat},
		Outcome: execution.OutcomeAlreadyFlat,
	})
	svc.RecordRejected(ctx, "req-3", "missing symbol or side", []byte(`{"foo":1}`))
	svc.RecordError(ctx, "req-4", "下单失败", apperr.Broker(400, []byte("bad")), map[string]interface{}{"symbol": "ESZ4"})

	all, err := svc.ListEvents(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	wantTypes := []EventType{EventError, EventRejected, EventFlatten, EventOrder, EventSignal}
	if len(all) != len(wantTypes) {
		t.Fatalf("expected %d events, got %d", len(wantTypes), len(all))
	}
	for i, typ := range wantTypes {
		if all[i].Type != typ {
			t.Errorf("event %d: expected type %s, got %s", i, typ, all[i].Type)
		}
		if all[i].Timestamp.IsZero() {
			t.Errorf("event %d: expected timestamp", i)
		}
	}

	orders, err := svc.ListEvents(ctx, EventOrder, 10)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(orders) != 1 || orders[0].RequestID != "req-1" {
		t.Fatalf("expected single order event for req-1, got %+v", orders)
	}
	var payload ExecutionPayload
	if err := json.Unmarshal(orders[0].Payload.(json.RawMessage), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Outcome != execution.OutcomePlaced || !payload.Submitted || string(payload.Placed) != `{"orderId":7}` {
		t.Errorf("unexpected order payload %+v", payload)
	}

	flattens, err := svc.ListEvents(ctx, EventFlatten, 10)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	var flatPayload ExecutionPayload
	if err := json.Unmarshal(flattens[0].Payload.(json.RawMessage), &flatPayload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if flatPayload.Outcome != execution.OutcomeAlreadyFlat || flatPayload.Submitted || flatPayload.Order != nil {
		t.Errorf("expected already_flat without submission, got %+v", flatPayload)
	}

	errorsOnly, err := svc.ListEvents(ctx, EventError, 10)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	var errPayload ErrorPayload
	if err := json.Unmarshal(errorsOnly[0].Payload.(json.RawMessage), &errPayload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if errPayload.Kind != string(apperr.KindBroker) {
		t.Errorf("expected broker kind, got %q", errPayload.Kind)
	}
}

func TestRecord_PrunesToMaxEvents(t *testing.T) {
	svc := newTestService(t, 3)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		svc.RecordSignal(ctx, "req", signal.Signal{Symbol: "ES", Side: signal.SideFlat})
	}

	events, err := svc.ListEvents(ctx, "", 100)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected journal bounded to 3 events, got %d", len(events))
	}
	if events[0].ID != 7 || events[2].ID != 5 {
		t.Errorf("expected newest events 7..5 to survive, got ids %d..%d", events[0].ID, events[2].ID)
	}
}

func TestListEvents_Limit(t *testing.T) {
	svc := newTestService(t, 0)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		svc.RecordRejected(ctx, "", "missing symbol or side", nil)
	}

	events, err := svc.ListEvents(ctx, EventRejected, 2)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}

func TestRecord_FailureIsLoggedNotReturned(t *testing.T) {
	svc := newTestService(t, 10)
	_ = svc.db.Close()

	// 写入失败只记录日志。
	svc.RecordSignal(context.Background(), "req", signal.Signal{Symbol: "ES", Side: signal.SideFlat})

	if err := svc.Record(context.Background(), Event{Type: EventSignal}); err == nil {
		t.Fatalf("expected Record to surface the closed database")
	}
}

func TestRecord_UnencodablePayload(t *testing.T) {
	svc := newTestService(t, 10)
	err := svc.Record(context.Background(), Event{Type: EventError, Payload: make(chan int)})
	if err == nil || !strings.Contains(err.Error(), "序列化") {
		t.Fatalf("expected marshal error, got %v", err)
	}
}

func TestExcerpt(t *testing.T) {
	long := strings.Repeat("界", maxBodyExcerpt)
	got := excerpt([]byte(long))
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("expected truncation marker")
	}
	if len(got) > maxBodyExcerpt+len("…") {
		t.Errorf("excerpt too long: %d", len(got))
	}
	if excerpt([]byte("short")) != "short" {
		t.Errorf("short bodies must be kept verbatim")
	}
}

func TestParseEventType(t *testing.T) {
	if typ, ok := ParseEventType("flatten"); !ok || typ != EventFlatten {
		t.Errorf("expected flatten, got %s %v", typ, ok)
	}
	if _, ok := ParseEventType("market_snapshot"); ok {
		t.Errorf("unknown type must be rejected")
	}
	if typ, ok := ParseEventType(""); !ok || typ != "" {
		t.Errorf("empty type means no filter")
	}
}
