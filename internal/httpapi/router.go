// Package httpapi serves the plain HTTP surface next to the WebSocket
// endpoint: health, Prometheus metrics, invite link management and queue
// statistics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/anonmeet/meet-server/internal/history"
	"github.com/anonmeet/meet-server/internal/link"
	"github.com/anonmeet/meet-server/internal/metrics"
	"github.com/anonmeet/meet-server/internal/queue"
	"github.com/anonmeet/meet-server/internal/session"
	"github.com/anonmeet/meet-server/internal/ws"
)

// maxExtend caps a single extend request.
const maxExtend = 7 * 24 * time.Hour

// Summarizer reports aggregate session history. history.Store implements it.
type Summarizer interface {
	Summarize(ctx context.Context, window time.Duration) (history.Summary, error)
}

// Dependencies are the services behind the routes. WS and History are
// optional.
type Dependencies struct {
	Instance string
	WS       *ws.Server
	Links    *link.Service
	Queue    queue.Store
	Sessions *session.Manager
	History  Summarizer

	// AllowedOrigins for cross-origin API calls; empty allows any origin.
	AllowedOrigins []string
}

// API holds the route handlers.
type API struct {
	deps Dependencies
}

// NewRouter builds the HTTP router.
func NewRouter(deps Dependencies) *chi.Mux {
	api := &API{deps: deps}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", api.Health)
	r.Handle("/metrics", metrics.Handler())
	if deps.WS != nil {
		r.Get("/ws", deps.WS.HandleUpgrade)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Logger)
		r.Use(middleware.Timeout(10 * time.Second))
		r.Use(corsMiddleware(deps.AllowedOrigins))

		r.Route("/links", func(r chi.Router) {
			r.Post("/", api.CreateLink)
			r.Get("/", api.ListLinks)
			r.Get("/{linkID}", api.GetLink)
			r.Delete("/{linkID}", api.DeleteLink)
			r.Post("/{linkID}/extend", api.ExtendLink)
		})
		r.Get("/queue/stats", api.QueueStats)
		r.Get("/history/summary", api.HistorySummary)
	})

	return r
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         600,
	}).Handler
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status        string `json:"status"`
	Instance      string `json:"instance"`
	Connections   int    `json:"connections"`
	Sessions      int    `json:"sessions"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

// Health reports liveness and a few gauges.
func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Instance: api.deps.Instance}
	if api.deps.WS != nil {
		resp.Connections = api.deps.WS.Connections().Count()
		resp.UptimeSeconds = int64(api.deps.WS.Uptime().Seconds())
	}
	if api.deps.Sessions != nil {
		n, err := api.deps.Sessions.ActiveCount(r.Context())
		if err != nil {
			log.Printf("[http] health: session count: %v", err)
			resp.Status = "degraded"
		}
		resp.Sessions = n
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateLinkRequest is the POST /api/links body.
type CreateLinkRequest struct {
	CreatorID string `json:"creatorId"`
	Reusable  bool   `json:"reusable"`
}

// LinkResponse describes a link and its shareable URL.
type LinkResponse struct {
	*link.Link
	URL string `json:"url"`
}

// CreateLink issues a link for creatorId.
func (api *API) CreateLink(w http.ResponseWriter, r *http.Request) {
	var req CreateLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CreatorID == "" {
		writeError(w, http.StatusBadRequest, "creatorId is required")
		return
	}

	l, err := api.deps.Links.Create(r.Context(), req.CreatorID, req.Reusable)
	if err != nil {
		log.Printf("[http] create link: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create link")
		return
	}
	writeJSON(w, http.StatusCreated, api.linkResponse(l))
}

// ListLinks returns the live links of ?creatorId=.
func (api *API) ListLinks(w http.ResponseWriter, r *http.Request) {
	creatorID := r.URL.Query().Get("creatorId")
	if creatorID == "" {
		writeError(w, http.StatusBadRequest, "creatorId is required")
		return
	}
	links, err := api.deps.Links.ListByCreator(r.Context(), creatorID)
	if err != nil {
		log.Printf("[http] list links: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list links")
		return
	}
	out := make([]LinkResponse, 0, len(links))
	for _, l := range links {
		out = append(out, api.linkResponse(l))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetLink returns a joinable link or 404.
func (api *API) GetLink(w http.ResponseWriter, r *http.Request) {
	l, err := api.deps.Links.Get(r.Context(), chi.URLParam(r, "linkID"))
	if err != nil {
		log.Printf("[http] get link: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load link")
		return
	}
	if l == nil {
		writeError(w, http.StatusNotFound, "link not found or expired")
		return
	}
	writeJSON(w, http.StatusOK, api.linkResponse(l))
}

// DeleteLink invalidates a link.
func (api *API) DeleteLink(w http.ResponseWriter, r *http.Request) {
	if err := api.deps.Links.Invalidate(r.Context(), chi.URLParam(r, "linkID")); err != nil {
		log.Printf("[http] delete link: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to delete link")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExtendLinkRequest is the POST /api/links/{id}/extend body.
type ExtendLinkRequest struct {
	Seconds int64 `json:"seconds"`
}

// ExtendLink pushes a link's expiry out.
func (api *API) ExtendLink(w http.ResponseWriter, r *http.Request) {
	var req ExtendLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	d := time.Duration(req.Seconds) * time.Second
	if d <= 0 || d > maxExtend {
		writeError(w, http.StatusBadRequest, "seconds must be between 1 and 604800")
		return
	}

	l, err := api.deps.Links.Extend(r.Context(), chi.URLParam(r, "linkID"), d)
	switch {
	case errors.Is(err, link.ErrLinkNotFound):
		writeError(w, http.StatusNotFound, "link not found or expired")
	case err != nil:
		log.Printf("[http] extend link: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to extend link")
	default:
		writeJSON(w, http.StatusOK, api.linkResponse(l))
	}
}

// QueueStats reports the waiting queue by region and category.
func (api *API) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := api.deps.Queue.Stats(r.Context())
	if err != nil {
		log.Printf("[http] queue stats: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load queue stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HistorySummary aggregates ended sessions over ?window= (default 24h).
func (api *API) HistorySummary(w http.ResponseWriter, r *http.Request) {
	if api.deps.History == nil {
		writeError(w, http.StatusNotFound, "session history is disabled")
		return
	}
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "window must be a positive duration")
			return
		}
		window = d
	}
	sum, err := api.deps.History.Summarize(r.Context(), window)
	if err != nil {
		log.Printf("[http] history summary: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to summarize history")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (api *API) linkResponse(l *link.Link) LinkResponse {
	return LinkResponse{Link: l, URL: api.deps.Links.URL(l.ID)}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[http] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
