package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"treewatch/internal/event"
	"treewatch/internal/logging"
	"treewatch/internal/router"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const eventsPerMinuteLimit = 600

// EventsHandler streams routed mutations to websocket clients. Clients may
// narrow the stream by sending {"subscribe": ["added", ...]}; the initial
// subscription covers every allowed event.
type EventsHandler struct {
	Bus            *event.Bus[router.Mutation]
	Logger         *logging.Logger
	AuthToken      string
	AllowedOrigins []string
	AllowedEvents  []router.EventType
}

type eventSubscribeMessage struct {
	Subscribe []string `json:"subscribe"`
}

type mutationPayload struct {
	Event     string    `json:"event"`
	Node      string    `json:"node"`
	Path      string    `json:"path"`
	Attr      string    `json:"attr,omitempty"`
	OldValue  string    `json:"old_value,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type eventFilter struct {
	mutex sync.RWMutex
	types map[router.EventType]struct{}
}

func newEventFilter(allowed map[router.EventType]struct{}) *eventFilter {
	types := make(map[router.EventType]struct{}, len(allowed))
	for eventType := range allowed {
		types[eventType] = struct{}{}
	}
	return &eventFilter{types: types}
}

func (filter *eventFilter) Allows(eventType router.EventType) bool {
	if filter == nil {
		return true
	}
	filter.mutex.RLock()
	defer filter.mutex.RUnlock()
	if len(filter.types) == 0 {
		return false
	}
	_, ok := filter.types[eventType]
	return ok
}

func (filter *eventFilter) Set(subscriptions []string, allowed map[router.EventType]struct{}) {
	if filter == nil {
		return
	}
	types := make(map[router.EventType]struct{})
	for _, value := range subscriptions {
		eventType, ok := router.ParseEventType(value)
		if !ok {
			continue
		}
		if _, permitted := allowed[eventType]; permitted {
			types[eventType] = struct{}{}
		}
	}
	filter.mutex.Lock()
	filter.types = types
	filter.mutex.Unlock()
}

type rateLimiter struct {
	mutex       sync.Mutex
	count       int
	windowStart time.Time
}

func (limiter *rateLimiter) Allow(now time.Time) bool {
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()

	if limiter.windowStart.IsZero() || now.Sub(limiter.windowStart) >= time.Minute {
		limiter.windowStart = now
		limiter.count = 0
	}
	if limiter.count >= eventsPerMinuteLimit {
		return false
	}
	limiter.count++
	return true
}

func (h *EventsHandler) allowedSet() map[router.EventType]struct{} {
	events := h.AllowedEvents
	if len(events) == 0 {
		events = router.EventTypes()
	}
	allowed := make(map[router.EventType]struct{}, len(events))
	for _, eventType := range events {
		allowed[eventType] = struct{}{}
	}
	return allowed
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireWSToken(w, r, h.AuthToken, h.Logger) {
		return
	}
	if h.Bus == nil {
		http.Error(w, "event bus unavailable", http.StatusInternalServerError)
		return
	}

	allowed := h.allowedSet()
	filter := newEventFilter(allowed)
	limiter := &rateLimiter{}

	conn, err := upgradeWebSocket(w, r, h.AllowedOrigins)
	if err != nil {
		logWSError(h.Logger, r, wsError{
			Status:  http.StatusBadRequest,
			Message: "websocket upgrade failed",
			Err:     err,
		})
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	logger := h.Logger
	if logger != nil {
		logger = logger.With(map[string]string{"conn_id": connID})
		logger.Debug("event stream opened", map[string]string{
			"remote_addr": r.RemoteAddr,
		})
	}

	mutations, cancel := h.Bus.SubscribeFiltered(func(mutation router.Mutation) bool {
		_, ok := allowed[mutation.Event]
		return ok
	})
	defer cancel()

	loop := startWSWriteLoop(conn, mutations, func(mutation router.Mutation) (any, bool) {
		if !filter.Allows(mutation.Event) {
			return nil, false
		}
		if !limiter.Allow(time.Now()) {
			return nil, false
		}
		return mutationPayload{
			Event:     string(mutation.Event),
			Node:      mutation.Node.Name(),
			Path:      mutation.Node.Path(),
			Attr:      mutation.Attr,
			OldValue:  mutation.OldValue,
			Timestamp: time.Now().UTC(),
		}, true
	})
	defer loop.Stop()

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if logger != nil {
				logger.Debug("event stream closed", nil)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var payload eventSubscribeMessage
		if err := json.Unmarshal(msg, &payload); err != nil {
			continue
		}
		filter.Set(payload.Subscribe, allowed)
	}
}
