// Package handlers implements the HTTP handlers for the Elder core API.
// Every mutation flows through the Pipeline: validate, authorize, apply,
// audit, commit, invalidate. Handlers translate the error taxonomy into the
// wire format: {error, code, details?} with conflict reasons in
// details.reason.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/elder-platform/elder/internal/api/middleware"
	"github.com/elder-platform/elder/internal/config"
	"github.com/elder-platform/elder/internal/errs"
	"github.com/elder-platform/elder/internal/groups"
	"github.com/elder-platform/elder/internal/oncall"
	"github.com/elder-platform/elder/internal/pipeline"
	"github.com/elder-platform/elder/internal/store"
	"github.com/elder-platform/elder/internal/villageid"
	"github.com/elder-platform/elder/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Pipe     *pipeline.Pipeline
	Villages *villageid.Allocator
	OnCall   *oncall.Resolver
	Groups   *groups.Workflow
	Cfg      *config.Config
}

// New creates a Handlers instance with all dependencies.
func New(pipe *pipeline.Pipeline, villages *villageid.Allocator, oc *oncall.Resolver, gw *groups.Workflow, cfg *config.Config) *Handlers {
	return &Handlers{Pipe: pipe, Villages: villages, OnCall: oc, Groups: gw, Cfg: cfg}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondErr maps the error taxonomy onto HTTP statuses and the structured
// error body. Internal details never leak to the client.
func respondErr(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	// A raw deadline error from the store or a driver classifies the same
	// as an explicit traversal cancellation.
	if kind == errs.KindInternal && errors.Is(err, context.DeadlineExceeded) {
		kind = errs.KindDeadline
	}
	status := http.StatusInternalServerError
	switch kind {
	case errs.KindValidation:
		status = http.StatusBadRequest
	case errs.KindUnauthenticated:
		status = http.StatusUnauthorized
	case errs.KindForbidden:
		status = http.StatusForbidden
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindConflict:
		status = http.StatusConflict
	case errs.KindRateLimited:
		status = http.StatusTooManyRequests
	case errs.KindDeadline:
		status = http.StatusGatewayTimeout
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	body := map[string]any{"error": message, "code": string(kind)}

	details := map[string]any{}
	for k, v := range errs.DetailsOf(err) {
		details[k] = v
	}
	if reason := errs.ReasonOf(err); reason != "" {
		details["reason"] = reason
	}
	if len(details) > 0 {
		body["details"] = details
	}
	respondJSON(w, status, body)
}

// decode parses the JSON body into dst and validates its declared shape.
func (h *Handlers) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errs.Validation("invalid request body: %v", err)
	}
	return h.Pipe.CheckStruct(dst)
}

// pageParams parses page/per_page, applying the configured default and cap.
func (h *Handlers) pageParams(r *http.Request) (page, perPage int, p store.Pagination, err error) {
	page, perPage = 1, h.Cfg.Requests.PageSizeDefault
	q := r.URL.Query()
	if raw := q.Get("page"); raw != "" {
		page, err = strconv.Atoi(raw)
		if err != nil || page < 1 {
			return 0, 0, p, errs.Validation("page must be a positive integer")
		}
	}
	if raw := q.Get("per_page"); raw != "" {
		perPage, err = strconv.Atoi(raw)
		if err != nil || perPage < 1 {
			return 0, 0, p, errs.Validation("per_page must be a positive integer")
		}
	}
	if perPage > h.Cfg.Requests.PageSizeMax {
		return 0, 0, p, errs.Validation("per_page %d exceeds maximum %d", perPage, h.Cfg.Requests.PageSizeMax)
	}
	return page, perPage, store.Pagination{Offset: (page - 1) * perPage, Limit: perPage}, nil
}

// principal returns the authenticated identity or an Unauthenticated error.
func principal(r *http.Request) (*models.Identity, error) {
	p := middleware.GetPrincipal(r.Context())
	if p == nil {
		return nil, errs.Unauthenticated("no principal")
	}
	return p, nil
}

// pathID parses a numeric path parameter.
func pathID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.Validation("invalid id %q", raw)
	}
	return id, nil
}

// queryID parses an optional numeric query parameter, 0 when absent.
func queryID(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.Validation("invalid %s %q", name, raw)
	}
	return id, nil
}

func queryBool(r *http.Request, name string) bool {
	v := r.URL.Query().Get(name)
	return v == "true" || v == "1"
}
