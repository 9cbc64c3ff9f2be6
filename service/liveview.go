package service

import (
	"context"
	"encoding/json"
	"html/template"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/timzifer/sldsync/diagram"
	"github.com/timzifer/sldsync/loader"
	"github.com/timzifer/sldsync/patch"
	"github.com/timzifer/sldsync/reconcile"
	"github.com/timzifer/sldsync/scene"
)

const maxRequestBytes = 1 << 20

type liveViewServer struct {
	logger  zerolog.Logger
	service *Service
	server  *http.Server
	ln      net.Listener
}

type liveStatus struct {
	State       loader.State         `json:"state"`
	ID          diagram.Identifier   `json:"id,omitempty"`
	Error       string               `json:"error,omitempty"`
	LastUpdate  *time.Time           `json:"last_update,omitempty"`
	AutoRefresh bool                 `json:"auto_refresh"`
	Runtime     bool                 `json:"runtime"`
	Cached      []diagram.Identifier `json:"cached"`
}

type liveScene struct {
	Revision uint64 `json:"revision"`
	SVG      string `json:"svg"`
}

type liveReconcile struct {
	Removed   int    `json:"removed"`
	Inserted  int    `json:"inserted"`
	Updated   int    `json:"updated"`
	Mutations int    `json:"mutations"`
	Skipped   bool   `json:"skipped"`
	Error     string `json:"error,omitempty"`
}

type liveSceneState struct {
	Revision  uint64 `json:"revision"`
	Pending   int    `json:"pending"`
	Transform string `json:"transform,omitempty"`
}

type liveTelemetry struct {
	Highlighted int `json:"highlighted"`
	Throttled   int `json:"throttled"`
	Buffered    int `json:"buffered"`
}

type liveStateResponse struct {
	Loader    liveStatus     `json:"loader"`
	Scene     liveSceneState `json:"scene"`
	Reconcile liveReconcile  `json:"reconcile"`
	Telemetry liveTelemetry  `json:"telemetry"`
	Clients   int            `json:"clients"`
}

type loadRequest struct {
	ID string `json:"id"`
}

type autoRefreshRequest struct {
	Enabled *bool `json:"enabled"`
}

type telemetryResponse struct {
	Received int `json:"received"`
	Accepted int `json:"accepted"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func toLiveStatus(status loader.Status, cached []diagram.Identifier) liveStatus {
	out := liveStatus{
		State:       status.State,
		ID:          status.ID,
		LastUpdate:  timePtr(status.LastUpdate),
		AutoRefresh: status.AutoRefresh,
		Runtime:     status.Runtime,
		Cached:      cached,
	}
	if out.Cached == nil {
		out.Cached = []diagram.Identifier{}
	}
	if status.Err != nil {
		out.Error = status.Err.Error()
	}
	return out
}

func toLiveReconcile(report reconcile.Report, err error) liveReconcile {
	out := liveReconcile{
		Removed:   report.Removed,
		Inserted:  report.Inserted,
		Updated:   report.Updated,
		Mutations: report.Mutations,
		Skipped:   report.Skipped,
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

func newLiveViewServer(listen string, svc *Service, logger zerolog.Logger) (*liveViewServer, error) {
	mux := http.NewServeMux()
	server := &liveViewServer{logger: logger, service: svc}
	mux.HandleFunc("/", server.handleIndex)
	mux.HandleFunc("/api/state", server.handleState)
	mux.HandleFunc("/api/scene", server.handleScene)
	mux.HandleFunc("/api/load", server.handleLoad)
	mux.HandleFunc("/api/refresh", server.action(svc.loader.ManualRefresh))
	mux.HandleFunc("/api/retry", server.action(svc.loader.Retry))
	mux.HandleFunc("/api/cache/clear", server.action(svc.loader.ClearCache))
	mux.HandleFunc("/api/autorefresh", server.handleAutoRefresh)
	mux.HandleFunc("/api/viewport", server.handleViewport)
	mux.HandleFunc("/api/telemetry", server.handleTelemetry)
	mux.Handle("/ws", svc.hub)
	if svc.cfg.Metrics.Enabled && svc.opts.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(svc.opts.gatherer, promhttp.HandlerOpts{}))
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	server.server = srv
	server.ln = ln

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("live view server stopped")
		}
	}()

	logger.Info().Str("listen", ln.Addr().String()).Msg("live view started")
	return server, nil
}

func (s *liveViewServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := liveViewTemplate.Execute(w, nil); err != nil {
		s.logger.Error().Err(err).Msg("render live view page")
	}
}

func (s *liveViewServer) state() liveStateResponse {
	svc := s.service
	report, err := svc.reconciler.Last()
	throttled := 0
	if throttle := svc.patcher.Throttle(); throttle != nil {
		throttled = throttle.Pending()
	}
	return liveStateResponse{
		Loader: toLiveStatus(svc.loader.Status(), svc.loader.CachedIDs()),
		Scene: liveSceneState{
			Revision:  svc.scene.Revision(),
			Pending:   svc.scene.Pending(),
			Transform: svc.scene.Viewport().Transform(),
		},
		Reconcile: toLiveReconcile(report, err),
		Telemetry: liveTelemetry{
			Highlighted: len(svc.patcher.Highlighted()),
			Throttled:   throttled,
			Buffered:    len(svc.events),
		},
		Clients: svc.hub.Clients(),
	}
}

func (s *liveViewServer) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.state())
}

func (s *liveViewServer) handleScene(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	markup, err := s.service.scene.SVG()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	_, _ = io.WriteString(w, markup)
}

func (s *liveViewServer) handleLoad(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var req loadRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}
	s.service.loader.Load(diagram.Identifier(req.ID))
	s.writeJSON(w, http.StatusAccepted, toLiveStatus(s.service.loader.Status(), s.service.loader.CachedIDs()))
}

func (s *liveViewServer) action(fn func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn()
		s.writeJSON(w, http.StatusAccepted, toLiveStatus(s.service.loader.Status(), s.service.loader.CachedIDs()))
	}
}

func (s *liveViewServer) handleAutoRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var req autoRefreshRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Enabled == nil {
		http.Error(w, "enabled flag required", http.StatusBadRequest)
		return
	}
	if *req.Enabled {
		s.service.loader.EnableAutoRefresh()
	} else {
		s.service.loader.DisableAutoRefresh()
	}
	s.writeJSON(w, http.StatusOK, toLiveStatus(s.service.loader.Status(), s.service.loader.CachedIDs()))
}

func (s *liveViewServer) handleViewport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var t scene.Transform
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&t); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if t.Scale < 0 {
		http.Error(w, "scale must not be negative", http.StatusBadRequest)
		return
	}
	s.service.SetViewport(t)
	s.writeJSON(w, http.StatusOK, map[string]string{"transform": s.service.scene.Viewport().Transform()})
}

func (s *liveViewServer) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	events, err := patch.DecodeEvents(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp := telemetryResponse{Received: len(events)}
	for _, ev := range events {
		if s.service.Publish(ev) {
			resp.Accepted++
		}
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

func (s *liveViewServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("encode live view response")
	}
}

func (s *liveViewServer) close() {
	if s == nil || s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil && err != context.Canceled {
		s.logger.Error().Err(err).Msg("shutdown live view")
	}
}

var liveViewTemplate = template.Must(template.New("liveview").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>sldsync live view</title>
<style>
body { font-family: system-ui, sans-serif; margin: 0; background: #101418; color: #e6e6e6; }
header { display: flex; gap: 0.75rem; align-items: center; padding: 0.75rem 1rem; background: #1b2128; }
header input { background: #0d1114; color: inherit; border: 1px solid #333c45; padding: 0.3rem 0.5rem; }
header button { background: #2b3540; color: inherit; border: 0; padding: 0.35rem 0.8rem; cursor: pointer; }
#status { margin-left: auto; font-size: 0.85rem; }
#status.error { color: #ff7b72; }
#canvas { padding: 1rem; }
#canvas svg { width: 100%; height: calc(100vh - 6rem); background: #fff; }
.sld-telemetry-highlight { outline: 2px solid #f0b429; }
</style>
</head>
<body>
<header>
  <input id="diagram" placeholder="voltage level id">
  <button onclick="post('/api/load', {id: document.getElementById('diagram').value})">Load</button>
  <button onclick="post('/api/refresh')">Refresh</button>
  <button onclick="post('/api/retry')">Retry</button>
  <button onclick="post('/api/cache/clear')">Clear cache</button>
  <label><input type="checkbox" id="auto" onchange="post('/api/autorefresh', {enabled: this.checked})"> Auto refresh</label>
  <span id="status">connecting</span>
</header>
<div id="canvas"></div>
<script>
function post(path, body) {
  return fetch(path, {
    method: 'POST',
    headers: {'Content-Type': 'application/json'},
    body: body === undefined ? '{}' : JSON.stringify(body)
  });
}

function renderStatus(status) {
  const el = document.getElementById('status');
  let text = status.state;
  if (status.id) { text += ' · ' + status.id; }
  if (status.last_update) { text += ' · ' + new Date(status.last_update).toLocaleTimeString(); }
  if (status.error) { text += ' · ' + status.error; }
  el.textContent = text;
  el.className = status.error ? 'error' : '';
  document.getElementById('auto').checked = !!status.auto_refresh;
}

let revision = -1;
function renderScene(scene) {
  if (scene.revision === revision) { return; }
  revision = scene.revision;
  document.getElementById('canvas').innerHTML = scene.svg;
}

function connect() {
  const proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
  const ws = new WebSocket(proto + location.host + '/ws');
  ws.onmessage = (event) => {
    const msg = JSON.parse(event.data);
    if (msg.type === 'status') { renderStatus(msg.data); }
    if (msg.type === 'scene') { renderScene(msg.data); }
  };
  ws.onclose = () => {
    document.getElementById('status').textContent = 'disconnected';
    setTimeout(connect, 2000);
  };
}
connect();
</script>
</body>
</html>
`))
