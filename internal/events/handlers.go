package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/medrex/opd-queue/internal/httpx"
	"github.com/medrex/opd-queue/pkg/config"
	"github.com/medrex/opd-queue/pkg/interfaces"
	"github.com/medrex/opd-queue/pkg/logger"
	"github.com/medrex/opd-queue/pkg/monitoring"
	"github.com/medrex/opd-queue/pkg/types"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// Handler serves push subscriptions over SSE and WebSocket
type Handler struct {
	broker    interfaces.EventBroker
	logger    *logger.Logger
	metrics   *monitoring.MetricsCollector
	heartbeat time.Duration
	retry     time.Duration
	upgrader  websocket.Upgrader
}

// NewHandler creates the subscription handler. allowedOrigins gates
// WebSocket upgrades; "*" admits any origin.
func NewHandler(broker interfaces.EventBroker, cfg config.EventsConfig, allowedOrigins []string, log *logger.Logger, metrics *monitoring.MetricsCollector) *Handler {
	heartbeat := time.Duration(cfg.HeartbeatSeconds) * time.Second
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}
	retry := time.Duration(cfg.PollIntervalSeconds) * time.Second
	if retry <= 0 {
		retry = 2 * time.Second
	}

	return &Handler{
		broker:    broker,
		logger:    log,
		metrics:   metrics,
		heartbeat: heartbeat,
		retry:     retry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// RegisterRoutes mounts the subscription endpoints
func (h *Handler) RegisterRoutes(api *mux.Router) {
	api.HandleFunc("/events", h.streamHandler).Methods("GET")
	api.HandleFunc("/events/ws", h.websocketHandler).Methods("GET")
}

// PollInterval is the fallback polling period advertised to clients
func (h *Handler) PollInterval() time.Duration {
	return h.retry
}

// streamHandler serves a text/event-stream of matching events
func (h *Handler) streamHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.WriteError(w, types.NewInternalError(types.ErrCodeInternalError, "streaming unsupported", nil))
		return
	}

	filter, err := parseFilter(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	ctx := r.Context()
	events, err := h.broker.Subscribe(ctx, filter)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	h.metrics.AddSubscriber("sse", 1)
	defer h.metrics.AddSubscriber("sse", -1)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "retry: %d\n\n", h.retry.Milliseconds())
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.WithContext(ctx).WithError(err).Error("Failed to encode event")
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

// websocketHandler pushes matching events as JSON text frames
func (h *Handler) websocketHandler(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.logger.WithContext(r.Context()).WithError(err).Debug("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := h.broker.Subscribe(ctx, filter)
	if err != nil {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "broker unavailable"))
		return
	}

	h.metrics.AddSubscriber("websocket", 1)
	defer h.metrics.AddSubscriber("websocket", -1)

	// The read pump only services control frames and notices disconnects.
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// parseFilter reads doctorId, patientId and a comma-separated types list
func parseFilter(r *http.Request) (types.EventFilter, error) {
	q := r.URL.Query()
	filter := types.EventFilter{
		DoctorID:  q.Get("doctorId"),
		PatientID: q.Get("patientId"),
	}

	if raw := q.Get("types"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			t := types.EventType(strings.TrimSpace(part))
			if t == "" {
				continue
			}
			if !knownEventType(t) {
				return filter, types.NewValidationError(types.ErrCodeInvalidInput, fmt.Sprintf("unknown event type %q", t), nil)
			}
			filter.Types = append(filter.Types, t)
		}
	}

	return filter, nil
}

func knownEventType(t types.EventType) bool {
	switch t {
	case types.EventTokenIssued, types.EventTokenStatusChanged,
		types.EventAppointmentCreated, types.EventAppointmentUpdated, types.EventAppointmentDeleted,
		types.EventHistoryAdded:
		return true
	}
	return false
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}
