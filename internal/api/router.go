package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"listgate/internal/config"
	"listgate/internal/listsync"
	"listgate/internal/middleware"
	"listgate/internal/rate"
	"listgate/internal/store"
	"listgate/internal/twitter"
	"listgate/internal/util"
	"listgate/internal/version"
	"listgate/internal/workflow"
)

type Handlers struct {
	cfg     config.Config
	st      *store.Store
	wf      *workflow.Workflow
	engine  *listsync.Engine
	tracker *rate.Tracker
	limiter *rate.Limiter
}

func NewRouter(cfg config.Config, st *store.Store, wf *workflow.Workflow, engine *listsync.Engine, tracker *rate.Tracker) http.Handler {
	h := &Handlers{
		cfg:     cfg,
		st:      st,
		wf:      wf,
		engine:  engine,
		tracker: tracker,
		limiter: rate.NewLimiter(),
	}
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.SecurityHeaders)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type"},
		}))
	}

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", h.Ready)
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, http.StatusOK, version.Current())
	})

	r.With(middleware.RateLimit(h.limiter, "submit", cfg.SubmitRateLimit, cfg.SubmitRateWindow(), cfg.TrustProxy)).
		Post("/submit", h.Submit)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/pending", h.Pending)
		r.Get("/members", h.Members)
		r.Get("/search", h.Search)
		r.Get("/sync-history", h.SyncHistory)
		r.Get("/stats", h.Stats)

		r.Post("/approve/{id}", h.Approve)
		r.Post("/reject/{id}", h.Reject)
		r.Post("/bulk-approve", h.BulkApprove)
		r.Post("/bulk-add", h.BulkAdd)
		r.Post("/remove/{id}", h.RemoveBySubmission)
		r.Post("/remove-member/{id}", h.RemoveMember)
		r.Post("/sync", h.Sync)
		r.Post("/check-rate-limit", h.CheckRateLimit)
	})

	return r
}

func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ready := map[string]any{
		"checked_at": time.Now().UTC().Format(time.RFC3339),
		"components": map[string]any{},
	}
	comps := ready["components"].(map[string]any)

	ok := true
	if err := h.st.Ping(r.Context()); err != nil {
		ok = false
		comps["database"] = map[string]any{"ok": false, "error": err.Error()}
	} else {
		comps["database"] = map[string]any{"ok": true}
	}

	snap := h.tracker.Snapshot()
	rl := map[string]any{"ok": !snap.Limited}
	if snap.Known {
		rl["remaining"] = snap.Remaining
		rl["limit"] = snap.Limit
		rl["reset"] = snap.ResetAt.UTC().Format(twitter.ResetTimeLayout)
	}
	comps["remote_rate_limit"] = rl

	if ok {
		ready["status"] = "ready"
		util.WriteJSON(w, http.StatusOK, ready)
		return
	}
	ready["status"] = "degraded"
	util.WriteJSON(w, http.StatusServiceUnavailable, ready)
}
