// This file is to handle things such as metrics/health/topology, etc

package webapi

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/couchbase/replset-gateway/replset/membership"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TopologySource provides the description served at /topology.
type TopologySource interface {
	Description() *membership.TopologyDescription
}

type WebServerOptions struct {
	Logger        *zap.Logger
	LogLevel      *zap.AtomicLevel
	ListenAddress string
}

type WebServer struct {
	logger        *zap.Logger
	logLevel      *zap.AtomicLevel
	listenAddress string
	httpServer    *http.Server

	lock           sync.Mutex
	isHealthy      bool
	topologySource TopologySource
}

func newWebServer(opts WebServerOptions) *WebServer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WebServer{
		logger:        logger,
		logLevel:      opts.LogLevel,
		listenAddress: opts.ListenAddress,
	}
}

func (w *WebServer) writeJSON(rw http.ResponseWriter, status int, val any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)

	err := json.NewEncoder(rw).Encode(val)
	if err != nil {
		w.logger.Debug("failed to write json response", zap.Error(err))
	}
}

func (w *WebServer) handleRoot(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(http.StatusOK)
	_, err := rw.Write([]byte("Welcome to the replica set gateway internal webapi"))
	if err != nil {
		w.logger.Debug("failed to write generic root response", zap.Error(err))
	}
}

func (w *WebServer) handleHealth(rw http.ResponseWriter, r *http.Request) {
	w.lock.Lock()
	isHealthy := w.isHealthy
	w.lock.Unlock()

	if !isHealthy {
		w.writeJSON(rw, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}

	w.writeJSON(rw, http.StatusOK, map[string]string{"status": "healthy"})
}

func (w *WebServer) handleTopology(rw http.ResponseWriter, r *http.Request) {
	w.lock.Lock()
	source := w.topologySource
	w.lock.Unlock()

	var desc *membership.TopologyDescription
	if source != nil {
		desc = source.Description()
	}
	if desc == nil {
		w.writeJSON(rw, http.StatusServiceUnavailable, map[string]string{"error": "no topology available"})
		return
	}

	w.writeJSON(rw, http.StatusOK, desc)
}

type logLevelJSON struct {
	Level string `json:"level"`
}

func (w *WebServer) handleGetLogLevel(rw http.ResponseWriter, r *http.Request) {
	if w.logLevel == nil {
		w.writeJSON(rw, http.StatusNotFound, map[string]string{"error": "log level is not adjustable"})
		return
	}

	w.writeJSON(rw, http.StatusOK, logLevelJSON{Level: w.logLevel.Level().String()})
}

func (w *WebServer) handlePutLogLevel(rw http.ResponseWriter, r *http.Request) {
	if w.logLevel == nil {
		w.writeJSON(rw, http.StatusNotFound, map[string]string{"error": "log level is not adjustable"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1024))
	if err != nil {
		w.writeJSON(rw, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var req logLevelJSON
	err = json.Unmarshal(body, &req)
	if err != nil {
		w.writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	level, err := zapcore.ParseLevel(req.Level)
	if err != nil {
		w.writeJSON(rw, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	w.logLevel.SetLevel(level)
	w.logger.Info("updated log level", zap.String("newLevel", level.String()))

	w.writeJSON(rw, http.StatusOK, logLevelJSON{Level: level.String()})
}

func (w *WebServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", w.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/topology", w.handleTopology).Methods(http.MethodGet)
	r.HandleFunc("/log-level", w.handleGetLogLevel).Methods(http.MethodGet)
	r.HandleFunc("/log-level", w.handlePutLogLevel).Methods(http.MethodPut)
	r.HandleFunc("/", w.handleRoot)

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPut},
	})

	return otelhttp.NewHandler(c.Handler(r), "webapi")
}

func (w *WebServer) ListenAndServe() error {
	w.httpServer = &http.Server{
		Handler:      w.Handler(),
		Addr:         w.listenAddress,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return w.httpServer.ListenAndServe()
}

func (w *WebServer) markHealthy() {
	w.lock.Lock()
	w.isHealthy = true
	w.lock.Unlock()
}

func (w *WebServer) setTopologySource(source TopologySource) {
	w.lock.Lock()
	w.topologySource = source
	w.lock.Unlock()
}

var globalWebLock sync.Mutex
var globalWebServer *WebServer = nil

func InitializeWebServer(opts WebServerOptions) {
	globalWebLock.Lock()
	if globalWebServer != nil {
		globalWebLock.Unlock()
		return
	}

	globalWebServer = newWebServer(opts)
	globalWebLock.Unlock()
	go func() {
		err := globalWebServer.ListenAndServe()
		if err != nil {
			opts.Logger.Error("Failed to listen and serve web server", zap.Error(err))
		}
	}()
}

func MarkSystemHealthy() {
	globalWebLock.Lock()
	defer globalWebLock.Unlock()

	if globalWebServer != nil {
		globalWebServer.markHealthy()
	}
}

// SetTopologySource sets what is served at /topology.
func SetTopologySource(source TopologySource) {
	globalWebLock.Lock()
	defer globalWebLock.Unlock()

	if globalWebServer != nil {
		globalWebServer.setTopologySource(source)
	}
}
