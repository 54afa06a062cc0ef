package main

import (
	"context"
	"encoding/json"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-livechat/livechat/store"
)

const historyTimeout = 15 * time.Second

// historyLoader pages the active room's history into the store.
type historyLoader interface {
	LoadMessages(ctx context.Context) error
	LoadMoreMessages(ctx context.Context) error
}

// NewHandler builds the widget HTTP router: the parent page simulator, the
// bridge websocket and a small JSON API over the store.
func NewHandler(name string, st *store.Store, history historyLoader, bridge http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) { serveIndex(w, name) })
	r.Handle("/ws", bridge)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/api/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, st.State())
	})
	r.Post("/api/messages/load", historyHandler(st, history.LoadMessages))
	r.Post("/api/messages/more", historyHandler(st, history.LoadMoreMessages))
	return r
}

func historyHandler(st *store.Store, load func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), historyTimeout)
		defer cancel()
		if err := load(ctx); err != nil {
			log.Warn().Err(err).Msg("[view] load history")
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		s := st.State()
		writeJSON(w, http.StatusOK, struct {
			Messages       []store.Message `json:"messages"`
			NoMoreMessages bool            `json:"noMoreMessages"`
		}{s.Messages, s.NoMoreMessages})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("[view] encode response")
	}
}

func serveIndex(w http.ResponseWriter, name string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = indexTmpl.Execute(w, struct{ Name string }{Name: name})
}

var indexTmpl = template.Must(template.New("parent").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Livechat host page - {{.Name}}</title>
  <style>
    :root{ --bg:#0d1117; --panel:#111827; --border:#1f2937; --fg:#e5e7eb; --muted:#9ca3af; --accent:#ef4444 }
    *{ box-sizing:border-box }
    body{ margin:0; padding:24px; background:var(--bg); color:var(--fg); font-family: ui-sans-serif, system-ui, -apple-system, Segoe UI, Roboto, Helvetica, Arial }
    .wrap{ max-width:960px; margin:0 auto; display:grid; grid-template-columns: 320px 1fr; gap:16px }
    h1{ grid-column:1 / -1; margin:0 0 4px 0 }
    .panel{ border:1px solid var(--border); border-radius:10px; background:var(--panel); padding:12px }
    .panel h2{ font-size:14px; margin:0 0 8px 0; color:var(--muted) }
    label{ display:block; font-size:12px; color:var(--muted); margin-top:8px }
    input{ width:100%; background:transparent; border:1px solid var(--border); color:var(--fg); padding:6px 8px; border-radius:6px }
    button{ margin-top:8px; background:transparent; border:1px solid var(--border); color:var(--fg); padding:6px 10px; border-radius:6px; cursor:pointer }
    button:hover{ border-color:var(--accent) }
    pre{ margin:0; height:260px; overflow:auto; font-size:12px; white-space:pre-wrap; word-break:break-word }
    @media (max-width: 720px){ .wrap{ grid-template-columns:1fr } }
  </style>
</head>
<body>
  <div class="wrap">
    <h1>Livechat - {{.Name}}</h1>
    <div class="panel">
      <h2>guest</h2>
      <label for="name">name</label><input id="name" />
      <label for="email">email</label><input id="email" />
      <label for="dep">department</label><input id="dep" />
      <button id="register">registerGuest</button>
      <h2 style="margin-top:16px">widget</h2>
      <button data-fn="showWidget">showWidget</button>
      <button data-fn="hideWidget">hideWidget</button>
      <button data-fn="setExpanded" data-args="[true]">expand</button>
      <button data-fn="setExpanded" data-args="[false]">collapse</button>
      <button id="visit">pageVisited</button>
      <h2 style="margin-top:16px">history</h2>
      <button data-post="/api/messages/load">load</button>
      <button data-post="/api/messages/more">more</button>
    </div>
    <div class="panel">
      <h2>frames from widget</h2>
      <pre id="frames"></pre>
      <h2 style="margin-top:12px">state</h2>
      <pre id="state"></pre>
    </div>
  </div>
  <script>
    const SRC = 'rocketchat';
    const framesEl = document.getElementById('frames');
    const stateEl = document.getElementById('state');
    let ws;
    function connect(){
      const proto = location.protocol === 'https:' ? 'wss' : 'ws';
      ws = new WebSocket(proto + '://' + location.host + '/ws');
      ws.onmessage = (ev) => { framesEl.textContent = ev.data + '\n' + framesEl.textContent; };
      ws.onclose = () => setTimeout(connect, 1000);
    }
    function call(fn, args){
      if (!ws || ws.readyState !== 1) return;
      ws.send(JSON.stringify({ src: SRC, fn: fn, args: args || [] }));
      setTimeout(refresh, 200);
    }
    async function refresh(){
      try {
        const res = await fetch('/api/state');
        stateEl.textContent = JSON.stringify(await res.json(), null, 2);
      } catch (e) { stateEl.textContent = String(e); }
    }
    document.querySelectorAll('button[data-fn]').forEach((b) => {
      b.onclick = () => call(b.dataset.fn, b.dataset.args ? JSON.parse(b.dataset.args) : []);
    });
    document.querySelectorAll('button[data-post]').forEach((b) => {
      b.onclick = async () => { await fetch(b.dataset.post, { method: 'POST' }); refresh(); };
    });
    document.getElementById('register').onclick = () => call('registerGuest', [{
      name: document.getElementById('name').value,
      email: document.getElementById('email').value,
      department: document.getElementById('dep').value,
    }]);
    document.getElementById('visit').onclick = () => call('pageVisited', [{
      change: 'url', title: document.title, location: { href: location.href },
    }]);
    connect();
    refresh();
    setInterval(refresh, 5000);
  </script>
</body>
</html>`))
