package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/elder-platform/elder/internal/store"
	"github.com/elder-platform/elder/internal/villageid"
)

// Redirect answers GET /r/{vid} with a 302 to the canonical resource
// path. The route is public: Village-IDs carry no secrets and resolve to
// nothing more than a path.
func (h *Handlers) Redirect(w http.ResponseWriter, r *http.Request) {
	vid := chi.URLParam(r, "vid")
	payload, err := h.Pipe.Read(r.Context(), func(ctx context.Context, rd store.Reader) (any, error) {
		return h.Villages.Resolve(ctx, rd, vid)
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	res := payload.(*villageid.Resolution)
	http.Redirect(w, r, res.RedirectURL, http.StatusFound)
}

// Lookup answers GET /lookup/{vid} with the resolution as JSON.
func (h *Handlers) Lookup(w http.ResponseWriter, r *http.Request) {
	vid := chi.URLParam(r, "vid")
	payload, err := h.Pipe.Read(r.Context(), func(ctx context.Context, rd store.Reader) (any, error) {
		return h.Villages.Resolve(ctx, rd, vid)
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payload)
}
