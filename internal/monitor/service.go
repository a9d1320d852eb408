package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"tv-bridge/internal/apperr"
	"tv-bridge/internal/execution"
	"tv-bridge/internal/signal"
	"tv-bridge/internal/store"
)

const (
	defaultListLimit = 100
	// maxBodyExcerpt 限制 rejected 事件中保存的原始载荷长度。
	maxBodyExcerpt = 2048
)

// Service 负责记录与检索桥接事件。
type Service struct {
	db        *sql.DB
	logger    *zap.Logger
	maxEvents int
	now       func() time.Time
}

// NewService 初始化监控服务，创建所需表结构。maxEvents <= 0 表示不裁剪。
func NewService(ctx context.Context, store *store.Store, maxEvents int, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:        store.DB(),
		logger:    logger,
		maxEvents: maxEvents,
		now:       time.Now,
	}

	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema(ctx context.Context) error {
	stmt := `
CREATE TABLE IF NOT EXISTS bridge_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	request_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bridge_events_type ON bridge_events(event_type);
`
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件，并把表裁剪到 maxEvents 条以内。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO bridge_events (event_type, request_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		string(event.Type), event.RequestID, string(payload), event.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	if s.maxEvents > 0 {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM bridge_events WHERE id <= (SELECT id FROM bridge_events ORDER BY id DESC LIMIT 1 OFFSET ?)`,
			s.maxEvents,
		); err != nil {
			return fmt.Errorf("monitor: 裁剪事件失败: %w", err)
		}
	}

	return nil
}

func (s *Service) record(ctx context.Context, event Event, msg string) {
	if err := s.Record(ctx, event); err != nil {
		s.logger.Warn(msg, zap.String("request_id", event.RequestID), zap.Error(err))
	}
}

// RecordSignal 记录规范化后的信号。
func (s *Service) RecordSignal(ctx context.Context, requestID string, sig signal.Signal) {
	s.record(ctx, Event{
		Type:      EventSignal,
		RequestID: requestID,
		Payload:   SignalPayload{Signal: sig},
	}, "记录信号事件失败")
}

// RecordExecution 记录路由结果：直接下单记为 order，Flat 信号记为 flatten。
func (s *Service) RecordExecution(ctx context.Context, requestID string, result execution.Result) {
	typ := EventOrder
	if result.Signal.IsFlat() {
		typ = EventFlatten
	}
	s.record(ctx, Event{
		Type:      typ,
		RequestID: requestID,
		Payload: ExecutionPayload{
			Outcome:   result.Outcome,
			Symbol:    result.Signal.Symbol,
			Submitted: result.Submitted(),
			Position:  result.Position,
			Order:     result.Order,
			Placed:    result.Placed,
		},
	}, "记录执行事件失败")
}

// RecordRejected 记录校验失败的载荷，原文只保留前 maxBodyExcerpt 字节。
func (s *Service) RecordRejected(ctx context.Context, requestID, reason string, body []byte) {
	s.record(ctx, Event{
		Type:      EventRejected,
		RequestID: requestID,
		Payload:   RejectedPayload{Reason: reason, Body: excerpt(body)},
	}, "记录拒绝事件失败")
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, requestID, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Error:   err.Error(),
		Kind:    string(apperr.KindOf(err)),
		Context: ctxMap,
	}
	s.record(ctx, Event{
		Type:      EventError,
		RequestID: requestID,
		Payload:   payload,
	}, "记录异常事件失败")
}

// ListEvents 按类型检索最近事件，新事件在前。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT id, event_type, request_id, payload, created_at FROM bridge_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			id        int64
			typ       string
			requestID string
			payload   string
			created   string
		)
		if scanErr := rows.Scan(&id, &typ, &requestID, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, _ := time.Parse(time.RFC3339Nano, created)

		events = append(events, Event{
			ID:        id,
			Type:      EventType(typ),
			RequestID: requestID,
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}

func excerpt(body []byte) string {
	if len(body) <= maxBodyExcerpt {
		return string(body)
	}
	return strings.ToValidUTF8(string(body[:maxBodyExcerpt]), "") + "…"
}
