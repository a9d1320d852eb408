package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tv-bridge/internal/apperr"
	"tv-bridge/internal/execution"
	"tv-bridge/internal/metrics"
	"tv-bridge/internal/monitor"
	"tv-bridge/internal/signal"
)

const (
	defaultEventLimit = 200
	maxEventLimit     = 1000

	headerRequestID = "X-Request-Id"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// routerDeps 汇总 HTTP 层依赖。Events 为空时不注册 /events。
type routerDeps struct {
	AppName      string
	Environment  string
	MaxBodyBytes int64
	Trader       execution.Trader
	Events       *monitor.Service
	Logger       *zap.Logger
}

func newRouter(d routerDeps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(withRequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{OK: true, App: d.AppName, Environment: d.Environment}, d.Logger)
	})
	r.Post("/webhook", (&webhookHandler{
		trader:  d.Trader,
		events:  d.Events,
		maxBody: d.MaxBodyBytes,
		logger:  d.Logger,
	}).ServeHTTP)
	if d.Events != nil {
		r.Get("/events", eventsHandler(d.Events, d.Logger))
	}
	r.Handle("/metrics", metrics.Handler())

	return r
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set(headerRequestID, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}

type healthResponse struct {
	OK          bool   `json:"ok"`
	App         string `json:"app"`
	Environment string `json:"environment"`
}

type flatDetail struct {
	OK       bool              `json:"ok"`
	Outcome  execution.Outcome `json:"outcome"`
	Info     string            `json:"info,omitempty"`
	Position int64             `json:"position"`
	Result   json.RawMessage   `json:"result,omitempty"`
}

type webhookResponse struct {
	OK     bool            `json:"ok"`
	Action string          `json:"action,omitempty"`
	Detail *flatDetail     `json:"detail,omitempty"`
	Placed json.RawMessage `json:"placed,omitempty"`
}

type errorResponse struct {
	OK        bool   `json:"ok"`
	Error     any    `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type webhookHandler struct {
	trader  execution.Trader
	events  *monitor.Service
	maxBody int64
	logger  *zap.Logger
}

func (h *webhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := requestID(r)
	logger := h.logger.With(zap.String("request_id", id))
	// 客户端断开后仍要完成事件记录。
	journalCtx := context.WithoutCancel(r.Context())

	body, err := h.readBody(w, r)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues("rejected").Inc()
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		logger.Warn("读取 webhook 请求体失败", zap.Error(err))
		writeJSON(w, status, errorResponse{Error: err.Error(), RequestID: id}, logger)
		return
	}

	sig, err := signal.Normalize(body)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues("rejected").Inc()
		logger.Warn("webhook 载荷无效", zap.Error(err), zap.Int("bytes", len(body)))
		if h.events != nil {
			h.events.RecordRejected(journalCtx, id, errorMessage(err), body)
		}
		h.writeError(w, id, err, logger)
		return
	}

	logger.Info("收到交易信号",
		zap.String("symbol", sig.Symbol),
		zap.String("side", string(sig.Side)),
		zap.Int64("quantity", sig.Quantity),
	)
	if h.events != nil {
		h.events.RecordSignal(journalCtx, id, sig)
	}

	start := time.Now()
	result, err := h.trader.Route(r.Context(), sig)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues("failed").Inc()
		logger.Error("信号执行失败",
			zap.String("symbol", sig.Symbol),
			zap.String("side", string(sig.Side)),
			zap.String("kind", string(apperr.KindOf(err))),
			zap.Duration("latency", time.Since(start)),
			zap.Error(err),
		)
		if h.events != nil {
			h.events.RecordError(journalCtx, id, "信号执行失败", err, map[string]interface{}{
				"symbol":   sig.Symbol,
				"side":     string(sig.Side),
				"quantity": sig.Quantity,
			})
		}
		h.writeError(w, id, err, logger)
		return
	}

	metrics.WebhooksTotal.WithLabelValues(string(result.Outcome)).Inc()
	logger.Info("信号执行完成",
		zap.String("symbol", sig.Symbol),
		zap.String("outcome", string(result.Outcome)),
		zap.Bool("submitted", result.Submitted()),
		zap.Duration("latency", time.Since(start)),
	)
	if h.events != nil {
		h.events.RecordExecution(journalCtx, id, result)
	}

	writeJSON(w, http.StatusOK, buildWebhookResponse(result), logger)
}

func (h *webhookHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	reader := r.Body
	if h.maxBody > 0 {
		reader = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func (h *webhookHandler) writeError(w http.ResponseWriter, id string, err error, logger *zap.Logger) {
	writeJSON(w, statusFor(err), errorResponse{Error: errorDetail(err), RequestID: id}, logger)
}

func buildWebhookResponse(result execution.Result) webhookResponse {
	if !result.Signal.IsFlat() {
		return webhookResponse{OK: true, Placed: json.RawMessage(result.Placed)}
	}

	detail := &flatDetail{OK: true, Outcome: result.Outcome, Position: result.Position}
	switch result.Outcome {
	case execution.OutcomeAlreadyFlat:
		detail.Info = "Already flat"
	case execution.OutcomeFlattenDisabled:
		detail.Info = "Flatten disabled"
	default:
		detail.Result = json.RawMessage(result.Placed)
	}
	return webhookResponse{OK: true, Action: "flat", Detail: detail}
}

// statusFor 将错误类别映射为 HTTP 状态码。
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAuth, apperr.KindBroker:
		return http.StatusBadGateway
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// errorDetail 优先返回券商原始响应体，JSON 原样嵌入，其余按文本返回。
func errorDetail(err error) any {
	var appErr *apperr.Error
	if errors.As(err, &appErr) && len(appErr.Body) > 0 {
		if json.Valid(appErr.Body) {
			return json.RawMessage(appErr.Body)
		}
		return string(appErr.Body)
	}
	return errorMessage(err)
}

func errorMessage(err error) string {
	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.Kind == apperr.KindValidation {
		return appErr.Message
	}
	return err.Error()
}

func eventsHandler(svc *monitor.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := defaultEventLimit
		if qs := q.Get("limit"); qs != "" {
			if v, err := strconv.Atoi(qs); err == nil && v > 0 {
				if v > maxEventLimit {
					v = maxEventLimit
				}
				limit = v
			}
		}

		eventType, ok := monitor.ParseEventType(strings.ToLower(strings.TrimSpace(q.Get("type"))))
		if !ok {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown event type", RequestID: requestID(r)}, logger)
			return
		}

		events, err := svc.ListEvents(r.Context(), eventType, limit)
		if err != nil {
			logger.Warn("查询监控事件失败", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error(), RequestID: requestID(r)}, logger)
			return
		}
		writeJSON(w, http.StatusOK, events, logger)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("写入响应失败", zap.Error(err))
	}
}

// serve 启动 HTTP 服务并阻塞到 ctx 结束，随后在 shutdownTimeout 内优雅关闭。
func serve(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("webhook 服务已启动", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("webhook 服务异常: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("关闭 webhook 服务失败: %w", err)
	}
	logger.Info("webhook 服务已停止")
	return nil
}
