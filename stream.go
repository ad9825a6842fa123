package vigil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamConfig configures the live alert stream.
type StreamConfig struct {
	// BufferSize is the channel buffer size per subscription
	BufferSize int
	// PingInterval is how often to ping clients
	PingInterval time.Duration
	// WriteTimeout for WebSocket writes
	WriteTimeout time.Duration
}

// DefaultStreamConfig returns default stream configuration.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		BufferSize:   64,
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// AlertSubscription is an active alert stream subscription.
type AlertSubscription struct {
	ID          string
	Metric      string
	MinSeverity Severity
	ch          chan AlertPayload
	done        chan struct{}
	closed      bool
	mu          sync.Mutex
	created     time.Time
}

// C returns the channel delivering matching alerts.
func (s *AlertSubscription) C() <-chan AlertPayload {
	return s.ch
}

// Close closes the subscription.
func (s *AlertSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}

// AlertStreamHub fans detected alerts out to in-process subscribers and
// WebSocket clients. It implements AlertSink, so it can be wired directly
// into the detector, typically alongside other sinks via FanoutSink.
type AlertStreamHub struct {
	config StreamConfig
	mu     sync.RWMutex
	subs   map[string]*AlertSubscription
	nextID uint64
}

// NewAlertStreamHub creates an alert stream hub.
func NewAlertStreamHub(cfg StreamConfig) *AlertStreamHub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &AlertStreamHub{
		config: cfg,
		subs:   make(map[string]*AlertSubscription),
	}
}

// Subscribe creates a subscription. metric filters to one metric's alerts
// ("" matches all, and always matches compound alerts). minSeverity filters
// out alerts below that severity ("" keeps everything).
func (h *AlertStreamHub) Subscribe(metric string, minSeverity Severity) *AlertSubscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &AlertSubscription{
		ID:          fmt.Sprintf("sub-%d", h.nextID),
		Metric:      metric,
		MinSeverity: minSeverity,
		ch:          make(chan AlertPayload, h.config.BufferSize),
		done:        make(chan struct{}),
		created:     time.Now(),
	}
	h.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription.
func (h *AlertStreamHub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()

	if ok {
		sub.Close()
	}
}

// SendAlert implements AlertSink by publishing to all matching subscribers.
func (h *AlertStreamHub) SendAlert(ctx context.Context, alert AlertPayload) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !h.matches(sub, alert) {
			continue
		}
		select {
		case sub.ch <- alert:
		default:
			// Buffer full, drop for this subscriber
		}
	}
	return nil
}

func (h *AlertStreamHub) matches(sub *AlertSubscription, alert AlertPayload) bool {
	if sub.Metric != "" && alert.Anomaly != nil && alert.Anomaly.Metric != sub.Metric {
		return false
	}
	if sub.MinSeverity != "" && severityRank(alert.Severity) < severityRank(sub.MinSeverity) {
		return false
	}
	return true
}

// Count returns the number of active subscriptions.
func (h *AlertStreamHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// WebSocket handling

var alertUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// alertStreamMessage is the JSON frame format for WebSocket clients.
type alertStreamMessage struct {
	Type  string        `json:"type"`
	SubID string        `json:"sub_id,omitempty"`
	Alert *AlertPayload `json:"alert,omitempty"`
	Error string        `json:"error,omitempty"`
}

// WebSocketHandler returns an HTTP handler streaming alerts over WebSocket.
// Query parameters: metric filters to one metric, min_severity filters out
// alerts below that severity.
func (h *AlertStreamHub) WebSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := alertUpgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer func() { _ = conn.Close() }()

		metric := r.URL.Query().Get("metric")
		minSeverity := Severity(r.URL.Query().Get("min_severity"))

		sub := h.Subscribe(metric, minSeverity)
		defer h.Unsubscribe(sub.ID)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Drain client frames to detect close
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		hello, _ := json.Marshal(alertStreamMessage{Type: "subscribed", SubID: sub.ID})
		_ = conn.WriteMessage(websocket.TextMessage, hello)

		ping := time.NewTicker(h.config.PingInterval)
		defer ping.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case alert, ok := <-sub.ch:
				if !ok {
					return
				}
				msg, _ := json.Marshal(alertStreamMessage{
					Type:  "alert",
					SubID: sub.ID,
					Alert: &alert,
				})
				_ = conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}
	}
}

// CloseAll terminates every active subscription.
func (h *AlertStreamHub) CloseAll() {
	h.mu.Lock()
	subs := make([]*AlertSubscription, 0, len(h.subs))
	for id, sub := range h.subs {
		subs = append(subs, sub)
		delete(h.subs, id)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}
