// Package admin serves the HTTP query surface of a running coordinator:
// device listing, capability lookup, LED actuation, disconnects, status and a
// websocket stream of bus events.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/linkd/internal/arbiter"
	"github.com/srg/linkd/internal/coordinator"
	"github.com/srg/linkd/internal/eventbus"
	"github.com/srg/linkd/internal/linkerr"
	"github.com/srg/linkd/internal/node"
	"github.com/srg/linkd/internal/radio"
	"github.com/srg/linkd/internal/status"
	"github.com/srg/linkd/internal/tracing"
	"github.com/srg/linkd/pkg/config"
	"go.opentelemetry.io/otel/attribute"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	prefix = "/linking-device"

	// clientBuffer is the number of events queued per websocket client before the oldest are dropped
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

// DeviceInfo is one entry of getDevices
type DeviceInfo struct {
	Name     string  `json:"name"`
	RSSI     int     `json:"rssi"`
	Distance float64 `json:"distance"`
	// SinceLastBeacon is in seconds
	SinceLastBeacon float64 `json:"sinceLastBeacon"`
}

// NodeStatus is one node entry of the status response
type NodeStatus struct {
	Name   string        `json:"name"`
	Status status.Status `json:"status"`
}

// StatusResponse is the body of the status endpoint
type StatusResponse struct {
	Arbiter   arbiter.Snapshot `json:"arbiter"`
	Devices   int              `json:"devices"`
	Nodes     []NodeStatus     `json:"nodes"`
	Clients   int32            `json:"clients"`
	Published uint64           `json:"published"`
}

// Server is the admin HTTP server
type Server struct {
	coord  *coordinator.Coordinator
	cfg    config.AdminConfig
	nodes  []node.Node
	logger *logrus.Logger

	mux     *http.ServeMux
	httpSrv *http.Server
	clients atomic.Int32
}

// New creates the admin server. nodes are only used for status reporting.
func New(coord *coordinator.Coordinator, nodes []node.Node) *Server {
	s := &Server{
		coord:  coord,
		cfg:    coord.Config().Admin,
		nodes:  nodes,
		logger: coord.Logger(),
		mux:    http.NewServeMux(),
	}

	s.route("GET "+prefix+"/getDevices", s.handleGetDevices)
	s.route("GET "+prefix+"/getServices/{localName}", s.handleGetServices)
	s.route("GET "+prefix+"/getServices/{$}", s.handleGetServices)
	s.route("GET "+prefix+"/disconnect/{localName}", s.handleDisconnect)
	s.route("GET "+prefix+"/disconnect/{$}", s.handleDisconnect)
	s.route("GET "+prefix+"/turnOnLed/{localName}", s.handleTurnOnLed)
	s.route("GET "+prefix+"/turnOnLed/{$}", s.handleTurnOnLed)
	s.route("GET "+prefix+"/status", s.handleStatus)
	s.mux.HandleFunc("GET "+prefix+"/events", s.handleEvents)
	return s
}

// Handler exposes the routes, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Clients is the number of connected event stream clients
func (s *Server) Clients() int {
	return int(s.clients.Load())
}

// Start serves on the configured address until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("admin listen: %w", err)
	}
	s.httpSrv = &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}

	s.logger.WithField("addr", listener.Addr().String()).Info("Admin server started")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.WithField("error", err).Warn("Admin server shutdown failed")
		}
	}()

	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin serve: %w", err)
	}
	return nil
}

func (s *Server) route(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracing.StartSpan(r.Context(), "admin "+pattern,
			attribute.String("http.target", r.URL.RequestURI()))
		defer span.End()

		start := time.Now()
		h(w, r.WithContext(ctx))
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("Admin request")
	})
}

// GET /linking-device/getDevices[?forceScan=true]
func (s *Server) handleGetDevices(w http.ResponseWriter, r *http.Request) {
	if forceScan(r) && s.coord.Arbiter().Snapshot().State != arbiter.Scanning {
		if err := s.coord.Discovery().Sweep(r.Context(), s.cfg.SweepDuration); err != nil {
			s.logger.WithField("error", err).Error("getDevices: scan failed")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	recs := s.coord.Registry().List()
	if len(recs) == 0 {
		s.logger.Info("getDevices: no device found")
		http.Error(w, "No device found. Please scan again later.", http.StatusNotFound)
		return
	}

	out := make([]DeviceInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, DeviceInfo{
			Name:            rec.Name,
			RSSI:            rec.RSSI,
			Distance:        rec.Distance,
			SinceLastBeacon: rec.SinceLastSeen().Seconds(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /linking-device/getServices/{localName}
func (s *Server) handleGetServices(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("localName")
	if name == "" {
		s.logger.Warn("getServices: no localName specified")
		http.Error(w, "No device name.", http.StatusBadRequest)
		return
	}

	if rec, ok := s.coord.Registry().Get(name); ok && len(rec.Capabilities) > 0 {
		writeJSON(w, http.StatusOK, rec.CapabilityNames())
		return
	}

	rec, err := s.coord.Connections().Connect(r.Context(), name, 0)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"device": name,
			"error":  err,
		}).Warn("getServices: failed to connect")
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.logger.WithFields(logrus.Fields{
		"device":   name,
		"services": rec.CapabilityNames(),
	}).Debug("getServices")
	writeJSON(w, http.StatusOK, rec.CapabilityNames())
}

// GET /linking-device/disconnect/{localName}
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("localName")
	if name == "" {
		s.logger.Warn("disconnect: no localName specified")
		http.Error(w, "No device name.", http.StatusBadRequest)
		return
	}

	if err := s.coord.Connections().Disconnect(r.Context(), name); err != nil {
		s.logger.WithFields(logrus.Fields{
			"device": name,
			"error":  err,
		}).Warn("disconnect: failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GET /linking-device/turnOnLed/{localName}?color=&pattern=
func (s *Server) handleTurnOnLed(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("localName")
	if name == "" {
		s.logger.Warn("turnOnLed: no localName specified")
		http.Error(w, "No device name.", http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	color, pattern := q.Get("color"), q.Get("pattern")

	if rec, ok := s.coord.Registry().Get(name); ok && len(rec.Capabilities) > 0 {
		if _, ok := rec.Capabilities[node.LEDCapability]; !ok {
			s.logger.WithField("device", name).Warn("turnOnLed: no led service")
			http.Error(w, "The device has no led service.", http.StatusNotFound)
			return
		}
	}

	h, err := s.coord.DeviceLock(name).Acquire(r.Context(), s.coord.LockTimeout())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer h.Release()

	rec, err := s.coord.Connections().Connect(r.Context(), name, 0)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"device": name,
			"error":  err,
		}).Warn("turnOnLed: failed to connect")
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if _, ok := rec.Capabilities[node.LEDCapability]; !ok {
		s.logger.WithField("device", name).Warn("turnOnLed: no led service")
		http.Error(w, "The device has no led service.", http.StatusNotFound)
		return
	}

	res, err := s.coord.Connections().Invoke(r.Context(), name, node.LEDCapability, radio.Command{
		Op:     radio.OpTurnOn,
		Params: map[string]any{"color": color, "pattern": pattern},
	})
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"device": name,
			"error":  err,
		}).Warn("led turnOn failed")
		code := http.StatusInternalServerError
		if errors.Is(err, linkerr.ErrNotConnected) {
			code = http.StatusNotFound
		}
		http.Error(w, err.Error(), code)
		return
	}
	if res.Code != 0 {
		msg := fmt.Sprintf("Failed to turn on LED. resultCode: %d: %s", res.Code, res.Text)
		s.logger.WithField("device", name).Warn(msg)
		http.Error(w, msg, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GET /linking-device/status
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Arbiter:   s.coord.Arbiter().Snapshot(),
		Devices:   s.coord.Registry().Len(),
		Nodes:     make([]NodeStatus, 0, len(s.nodes)),
		Clients:   s.clients.Load(),
		Published: s.coord.Bus().Metrics().Published.Load(),
	}
	for _, n := range s.nodes {
		resp.Nodes = append(resp.Nodes, NodeStatus{Name: n.Name(), Status: n.Status()})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /linking-device/events[?topic=...]
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	topics := make(map[eventbus.Topic]bool)
	for _, t := range r.URL.Query()["topic"] {
		topics[eventbus.Topic(t)] = true
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.WithField("error", err).Warn("Websocket accept failed")
		return
	}

	queue := newRingChannel[eventbus.Event](clientBuffer)
	unsubscribe := s.coord.Bus().SubscribeAll(func(ev eventbus.Event) {
		if len(topics) > 0 && !topics[ev.Topic] {
			return
		}
		if queue.Send(ev) {
			s.logger.WithField("topic", ev.Topic).Debug("Dropped event for slow client")
		}
	})
	s.clients.Add(1)
	s.logger.WithField("remote", r.RemoteAddr).Info("Event client connected")

	defer func() {
		unsubscribe()
		queue.Close()
		s.clients.Add(-1)
		ws.Close(websocket.StatusNormalClosure, "")
		s.logger.WithFields(logrus.Fields{
			"remote":  r.RemoteAddr,
			"dropped": queue.Overwritten(),
		}).Info("Event client disconnected")
	}()

	// The stream is one-way; CloseRead handles control frames and reports the client going away.
	ctx := ws.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-queue.C():
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, ws, ev)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func forceScan(r *http.Request) bool {
	v := r.URL.Query().Get("forceScan")
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err != nil || b
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
