package web

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/hhi/onbalansmarkt-bridge/internal"
	"github.com/hhi/onbalansmarkt-bridge/internal/clients"
	"github.com/hhi/onbalansmarkt-bridge/internal/events"
	"golang.org/x/crypto/acme/autocert"
)

type bridgeCore interface {
	Status() internal.Status
	SendNow(ctx context.Context) error
}

// Server exposes HTTP endpoints serving the HTML UI, a JSON status API, a
// manual send trigger and an SSE stream fed by the event bus.
type Server struct {
	Addr string
	Core bridgeCore
	Bus  *events.Bus
}

// NewServer creates a new web server instance.
func NewServer(addr string, core bridgeCore, bus *events.Bus) *Server {
	return &Server{Addr: addr, Core: core, Bus: bus}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/send", s.handleSend)
	return mux
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartWithAutoTLS runs an HTTPS server with automatic TLS certificates via ACME.
// It also starts an HTTP server on port 80 to handle ACME HTTP-01 challenges.
func (s *Server) StartWithAutoTLS(ctx context.Context, domains []string, cacheDir string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(domains) == 0 {
		return fmt.Errorf("no domains provided for automatic TLS")
	}
	if cacheDir == "" {
		cacheDir = "cert-cache"
	}

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	// HTTP server on port 80 for ACME challenges and HTTP->HTTPS redirects.
	httpSrv := &http.Server{
		Addr:              ":80",
		Handler:           manager.HTTPHandler(nil),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// HTTPS server serving the dashboard with automatic certificates.
	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12

	httpsSrv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         tlsConfig,
	}

	// shutdown both servers when context is cancelled.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("http (acme) server shutdown error: %v", err)
		}
		if err := httpsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("https server shutdown error: %v", err)
		}
	}()

	// start HTTP (ACME) server in the background.
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("http (acme) server error: %v", err)
		}
	}()

	if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, indexHTML)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.Core == nil {
		http.Error(w, "bridge core not available", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	if err := json.NewEncoder(w).Encode(s.Core.Status()); err != nil {
		log.Printf("status encode: %v", err)
	}
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.Core == nil {
		http.Error(w, "bridge core not available", http.StatusServiceUnavailable)
		return
	}

	err := s.Core.SendNow(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		log.Printf("manual send: %v", err)
		w.WriteHeader(sendErrorStatus(err))
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "sent"})
}

// sendErrorStatus maps delivery failures to HTTP status codes.
func sendErrorStatus(err error) int {
	switch {
	case errors.Is(err, internal.ErrNoMeasurement), errors.Is(err, internal.ErrNoCredential):
		return http.StatusConflict
	case errors.Is(err, clients.ErrRemoteRejected), errors.Is(err, clients.ErrRemoteUnexpectedFormat):
		return http.StatusBadGateway
	case errors.Is(err, clients.ErrRemoteUnreachable):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.Bus == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "event bus not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	// send a comment heartbeat every 20s so proxies keep connection
	heartbeat := time.NewTicker(20 * time.Second)
	defer heartbeat.Stop()

	sub := s.Bus.Subscribe()
	defer s.Bus.Unsubscribe(sub)

	writeFrame := func(name string, v any) {
		payload, err := json.Marshal(v)
		if err != nil {
			log.Printf("event stream marshal %s: %v", name, err)
			return
		}
		fmt.Fprintf(w, "event: %s\n", name)
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}

	// a freshly connected page gets the full picture before live events
	if s.Core != nil {
		writeFrame("status", s.Core.Status())
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-sub:
			if !open {
				return
			}
			switch {
			case ev.Metrics != nil:
				writeFrame("metrics", ev.Metrics)
			case ev.Display != nil:
				writeFrame("display", ev.Display)
			case ev.Ranking != nil:
				writeFrame("ranking", ev.Ranking)
			case ev.SendResult != nil:
				writeFrame("send_result", ev.SendResult)
			}
		}
	}
}

// Single-page dashboard showing the live measurement, leaderboard ranks and
// the send schedule, with a manual send button.
const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <title>Onbalansmarkt Bridge</title>
  <link rel="preconnect" href="https://fonts.googleapis.com">
  <link rel="preconnect" href="https://fonts.gstatic.com" crossorigin>
  <link href="https://fonts.googleapis.com/css2?family=Press+Start+2P&family=Space+Mono:wght@400;700&display=swap" rel="stylesheet">
  <style>
    :root {
      --bg:#ffffff;
      --ink:#111111;
      --ink-mid:#4d4d4d;
      --ink-soft:#9c9c9c;
      --panel:#f6f6f6;
      --ok:#1b9aaa;
      --bad:#d7263d;
    }
    * { box-sizing:border-box; }
    body {
      margin:0;
      min-height:100vh;
      display:flex;
      align-items:center;
      justify-content:center;
      padding:2rem;
      background:var(--bg);
      color:var(--ink);
      font-family:'Space Mono','JetBrains Mono',monospace;
    }
    body::before {
      content:'';
      position:fixed;
      inset:0;
      background:
        linear-gradient(90deg, rgba(0,0,0,.02) 1px, transparent 1px),
        linear-gradient(rgba(0,0,0,.02) 1px, transparent 1px);
      background-size:12px 12px;
      pointer-events:none;
    }
    #app {
      width:min(1100px, 96vw);
      background:var(--panel);
      border:3px solid var(--ink);
      padding:2rem;
      position:relative;
      box-shadow:12px 12px 0 rgba(0,0,0,.15);
      display:grid;
      grid-template-columns:1fr 320px;
      gap:2rem;
    }
    #app::after {
      content:'';
      position:absolute;
      inset:8px;
      border:1px dashed rgba(0,0,0,.15);
      pointer-events:none;
    }
    .main-content { display:flex; flex-direction:column; gap:1.5rem; }
    header { display:flex; justify-content:space-between; align-items:flex-start; gap:1rem; }
    .eyebrow {
      font-family:'Press Start 2P','Space Mono',monospace;
      font-size:.55rem;
      text-transform:uppercase;
      letter-spacing:.2em;
      margin:0;
    }
    .status {
      font-size:.65rem;
      text-transform:uppercase;
      letter-spacing:.1em;
      border:2px solid var(--ink);
      padding:.4rem .9rem;
      background:#ffffff;
      box-shadow:4px 4px 0 rgba(0,0,0,.15);
    }
    .pills { display:flex; flex-wrap:wrap; gap:.5rem; }
    .pill {
      font-size:.55rem;
      letter-spacing:.12em;
      text-transform:uppercase;
      padding:.35rem .7rem;
      border:2px solid var(--ink);
      background:#fefefe;
      color:var(--ink);
      box-shadow:4px 4px 0 rgba(0,0,0,.15);
    }
    .pill.muted { color:var(--ink-mid); border-color:var(--ink-mid); }
    .pill.warn { color:var(--bad); border-color:var(--bad); }
    .pill.hidden { display:none; }
    .metric-grid {
      display:grid;
      grid-template-columns:repeat(auto-fit, minmax(200px, 1fr));
      gap:1rem;
    }
    .metric {
      border:3px solid var(--ink);
      padding:1rem 1.2rem;
      background:#fff;
      box-shadow:6px 6px 0 rgba(0,0,0,.12);
    }
    .metric .label {
      font-size:.58rem;
      text-transform:uppercase;
      letter-spacing:.18em;
      color:var(--ink-mid);
    }
    .metric .value {
      margin-top:.7rem;
      font-size:1.5rem;
      font-weight:700;
      letter-spacing:.05em;
    }
    .sidebar { display:flex; flex-direction:column; gap:1.5rem; }
    .panel {
      border:3px solid var(--ink);
      padding:1.2rem;
      background:#fff;
      box-shadow:6px 6px 0 rgba(0,0,0,.12);
    }
    .panel-title {
      font-family:'Press Start 2P','Space Mono',monospace;
      font-size:.6rem;
      text-transform:uppercase;
      letter-spacing:.15em;
      margin:0 0 1rem 0;
      padding-bottom:.8rem;
      border-bottom:2px solid var(--ink);
    }
    .rank-row { display:flex; justify-content:space-between; font-size:.8rem; margin:.5rem 0; }
    .rank-row .rank { font-weight:700; }
    button#sendBtn {
      width:100%;
      font-family:'Space Mono',monospace;
      font-size:.75rem;
      font-weight:700;
      text-transform:uppercase;
      letter-spacing:.12em;
      padding:.8rem;
      border:3px solid var(--ink);
      background:var(--ink);
      color:#fff;
      cursor:pointer;
      box-shadow:4px 4px 0 rgba(0,0,0,.25);
    }
    button#sendBtn:disabled { opacity:.4; cursor:wait; }
    #sendLog {
      list-style:none;
      margin:1rem 0 0 0;
      padding:0;
      font-size:.62rem;
      max-height:220px;
      overflow-y:auto;
    }
    #sendLog li {
      padding:.45rem 0;
      border-bottom:1px dashed var(--ink-soft);
      line-height:1.4;
    }
    #sendLog .ok { color:var(--ok); font-weight:700; }
    #sendLog .fail { color:var(--bad); font-weight:700; }
    @media (max-width:760px) {
      body { padding:1rem; }
      #app { padding:1.2rem; grid-template-columns:1fr; }
      header { flex-direction:column; align-items:flex-start; }
    }
  </style>
</head>
<body>
  <div id="app">
    <div class="main-content">
      <header>
        <div>
          <p class="eyebrow">onbalansmarkt bridge</p>
        </div>
        <div id="sse-status" class="status">Connecting…</div>
      </header>
      <div class="pills">
        <span id="schedulePill" class="pill muted">schedule: …</span>
        <span id="countdownPill" class="pill">next send: …</span>
        <span id="modePill" class="pill muted hidden"></span>
        <span id="dryRunPill" class="pill warn hidden">dry run</span>
      </div>
      <section class="metric-grid">
        <div class="metric"><div class="label">Result today</div><div class="value" id="v-daily_earned">—</div></div>
        <div class="metric"><div class="label">Result total</div><div class="value" id="v-total_earned">—</div></div>
        <div class="metric"><div class="label">Charged today</div><div class="value" id="v-daily_charged">—</div></div>
        <div class="metric"><div class="label">Discharged today</div><div class="value" id="v-daily_discharged">—</div></div>
        <div class="metric"><div class="label">Battery</div><div class="value" id="v-battery_percentage">—</div></div>
        <div class="metric"><div class="label">Cycles</div><div class="value" id="v-cycle_count">—</div></div>
        <div class="metric"><div class="label">Load balancing</div><div class="value" id="v-load_balancing_active">—</div></div>
        <div class="metric"><div class="label">Last report</div><div class="value" id="v-last_report_at">—</div></div>
      </section>
    </div>
    <aside class="sidebar">
      <div class="panel">
        <h3 class="panel-title">Leaderboard</h3>
        <div class="rank-row"><span>Overall</span><span class="rank" id="v-overall_rank">—</span></div>
        <div class="rank-row"><span>Provider</span><span class="rank" id="v-provider_rank">—</span></div>
      </div>
      <div class="panel">
        <h3 class="panel-title">Manual send</h3>
        <button id="sendBtn">Send now</button>
        <ul id="sendLog"></ul>
      </div>
    </aside>
  </div>
<script>
const statusEl = document.getElementById('sse-status');
const schedulePill = document.getElementById('schedulePill');
const countdownPill = document.getElementById('countdownPill');
const modePill = document.getElementById('modePill');
const dryRunPill = document.getElementById('dryRunPill');
const sendBtn = document.getElementById('sendBtn');
const sendLog = document.getElementById('sendLog');
const MAX_LOG = 20;

const formatTs = (ts) => {
  if(!ts){ return '—'; }
  const date = new Date(ts);
  if(Number.isNaN(date.getTime())){ return '—'; }
  return date.toLocaleTimeString([], { hour12:false });
};

const renderers = {
  battery_percentage: (v) => v + '%',
  load_balancing_active: (v) => v === 'true' ? 'on' : 'off',
  last_report_at: (v) => formatTs(v),
  overall_rank: (v) => '#' + v,
  provider_rank: (v) => '#' + v
};

function setValue(name, value){
  if(name === 'countdown_minutes'){
    countdownPill.textContent = 'next send: ' + value + ' min';
    return;
  }
  const el = document.getElementById('v-' + name);
  if(!el){ return; }
  const render = renderers[name];
  el.textContent = render ? render(value) : value;
}

function applyStatus(s){
  if(s.send_enabled){
    schedulePill.textContent = 'schedule: every ' + s.interval_minutes + ' min from :' + String(s.start_minute).padStart(2, '0');
    schedulePill.classList.remove('muted');
    countdownPill.textContent = 'next send: ' + s.countdown_minutes + ' min';
  }else{
    schedulePill.textContent = 'schedule: off';
    schedulePill.classList.add('muted');
    countdownPill.textContent = 'next send: manual only';
  }
  if(s.trading_mode){
    modePill.textContent = 'mode: ' + s.trading_mode;
    modePill.classList.remove('hidden');
  }else{
    modePill.classList.add('hidden');
  }
  dryRunPill.classList.toggle('hidden', !s.dry_run);
  for(const [name, value] of Object.entries(s.values || {})){
    setValue(name, value);
  }
}

function applyMetrics(m){
  setValue('daily_earned', m.daily_earned);
  setValue('total_earned', m.total_earned);
  setValue('daily_charged', m.daily_charged);
  setValue('daily_discharged', m.daily_discharged);
  setValue('battery_percentage', m.battery_percentage);
  setValue('cycle_count', String(m.cycle_count));
  setValue('load_balancing_active', String(m.load_balancing_active));
}

function applyRanking(r){
  setValue('overall_rank', String(r.overall_rank));
  setValue('provider_rank', String(r.provider_rank));
}

function logSendResult(res){
  const li = document.createElement('li');
  const mark = document.createElement('span');
  mark.className = res.ok ? 'ok' : 'fail';
  mark.textContent = res.ok ? '[ok] ' : '[fail] ';
  li.appendChild(mark);
  let text = formatTs(res.at);
  if(res.manual){ text += ' manual'; }
  if(res.detail){ text += ' ' + res.detail; }
  li.appendChild(document.createTextNode(text));
  sendLog.insertBefore(li, sendLog.firstChild);
  while(sendLog.children.length > MAX_LOG){
    sendLog.removeChild(sendLog.lastChild);
  }
}

sendBtn.addEventListener('click', async () => {
  sendBtn.disabled = true;
  try{
    const resp = await fetch('/api/send', { method:'POST' });
    if(!resp.ok){
      const body = await resp.json().catch(() => ({}));
      logSendResult({ ok:false, at:new Date().toISOString(), manual:true, detail: body.error || ('HTTP ' + resp.status) });
    }
  }catch(err){
    logSendResult({ ok:false, at:new Date().toISOString(), manual:true, detail:String(err) });
  }finally{
    sendBtn.disabled = false;
  }
});

function connectSSE(){
  const source = new EventSource('/events');
  source.addEventListener('open', () => {
    statusEl.textContent = 'Status: live';
  });
  source.addEventListener('status', (event) => {
    try{ applyStatus(JSON.parse(event.data)); }catch(err){ console.error('status parse', err); }
  });
  source.addEventListener('metrics', (event) => {
    try{ applyMetrics(JSON.parse(event.data)); }catch(err){ console.error('metrics parse', err); }
  });
  source.addEventListener('display', (event) => {
    try{
      const d = JSON.parse(event.data);
      setValue(d.name, d.value);
    }catch(err){ console.error('display parse', err); }
  });
  source.addEventListener('ranking', (event) => {
    try{ applyRanking(JSON.parse(event.data)); }catch(err){ console.error('ranking parse', err); }
  });
  source.addEventListener('send_result', (event) => {
    try{ logSendResult(JSON.parse(event.data)); }catch(err){ console.error('send result parse', err); }
  });
  source.addEventListener('error', () => {
    statusEl.textContent = 'Reconnecting…';
    source.close();
    setTimeout(connectSSE, 2000);
  });
}

connectSSE();
</script>
</body>
</html>`
