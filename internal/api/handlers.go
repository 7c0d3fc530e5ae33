package api

import (
	"encoding/json"
	"net/http"
	"time"

	"treewatch/internal/event"
	"treewatch/internal/logging"
	"treewatch/internal/metrics"
	"treewatch/internal/router"
	"treewatch/internal/tree"
	"treewatch/internal/version"
)

// MetricsHandler serves the Prometheus text exposition.
type MetricsHandler struct {
	Registry *metrics.Registry
}

func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = h.Registry.WritePrometheus(w)
}

// StatusHandler serves a JSON snapshot of the daemon.
type StatusHandler struct {
	Router   *router.Router
	Document *tree.Document
	Registry *metrics.Registry
	Started  time.Time
}

type statusPayload struct {
	Version  version.Info         `json:"version"`
	Uptime   string               `json:"uptime"`
	Nodes    int                  `json:"nodes"`
	Watchers []router.WatcherInfo `json:"watchers"`
	Counters metrics.Snapshot     `json:"counters"`
}

func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload := statusPayload{
		Version:  version.GetInfo(),
		Uptime:   time.Since(h.Started).Round(time.Second).String(),
		Nodes:    h.Document.NodeCount(),
		Watchers: h.Router.Watchers(),
		Counters: h.Registry.Snapshot(),
	}
	if payload.Watchers == nil {
		payload.Watchers = []router.WatcherInfo{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// HandlerOptions wires the HTTP surface together.
type HandlerOptions struct {
	Bus            *event.Bus[router.Mutation]
	Router         *router.Router
	Document       *tree.Document
	Registry       *metrics.Registry
	Logger         *logging.Logger
	AuthToken      string
	AllowedOrigins []string
	AllowedEvents  []router.EventType
}

// Handler assembles the daemon's HTTP mux.
func Handler(options HandlerOptions) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/events", &EventsHandler{
		Bus:            options.Bus,
		Logger:         options.Logger,
		AuthToken:      options.AuthToken,
		AllowedOrigins: options.AllowedOrigins,
		AllowedEvents:  options.AllowedEvents,
	})
	mux.Handle("/metrics", &MetricsHandler{Registry: options.Registry})
	mux.Handle("/status", &StatusHandler{
		Router:   options.Router,
		Document: options.Document,
		Registry: options.Registry,
		Started:  time.Now(),
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
