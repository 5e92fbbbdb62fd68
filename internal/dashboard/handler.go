package dashboard

import (
	"context"
	"embed"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/coal/recaptchaedge/internal/jsonutil"
)

//go:embed static/dashboard.html
var staticFS embed.FS

// Prefix is where the dashboard is mounted on the admin listener.
const Prefix = "/_recaptcha"

// Handler returns an http.Handler that serves the dashboard routes under
// Prefix.
func Handler(hub *Hub) http.Handler {
	r := chi.NewRouter()
	Routes(r, hub)
	return r
}

// Routes registers the dashboard routes under Prefix on r.
func Routes(r chi.Router, hub *Hub) {
	r.Route(Prefix, func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			data, err := staticFS.ReadFile("static/dashboard.html")
			if err != nil {
				http.Error(w, "dashboard not found", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Write(data)
		})

		r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
			conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
				InsecureSkipVerify: true,
			})
			if err != nil {
				return
			}
			defer conn.CloseNow()

			hub.Register(r.Context(), conn)
			defer hub.Unregister(conn)

			// Client messages are discarded; the read loop only notices the
			// close.
			ctx := conn.CloseRead(r.Context())
			<-ctx.Done()
		})

		r.Get("/api/stats", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, hub.StatsSnapshot())
		})
		r.Get("/api/events", func(w http.ResponseWriter, r *http.Request) {
			limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
			if err != nil && r.URL.Query().Has("limit") {
				http.Error(w, "limit must be an integer", http.StatusBadRequest)
				return
			}
			writeJSON(w, hub.Events(limit, r.URL.Query().Get("disposition")))
		})
		r.Get("/api/policies", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, hub.Policies(r.Context()))
		})
		r.Post("/api/policies/refresh", func(w http.ResponseWriter, r *http.Request) {
			if err := hub.RefreshPolicies(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	jsonutil.NewEncoder(w).Encode(v)
}

// Run starts the periodic stats broadcast in background.
func Run(ctx context.Context, hub *Hub) {
	go hub.StartStatsBroadcast(ctx, 5*time.Second)
}
