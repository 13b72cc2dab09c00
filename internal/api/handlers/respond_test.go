package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/elder-platform/elder/internal/errs"
)

func TestRespondErrDeadline(t *testing.T) {
	rec := httptest.NewRecorder()
	respondErr(rec, errs.New(errs.KindDeadline, "impact traversal exceeded deadline"))

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusGatewayTimeout)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["code"] != string(errs.KindDeadline) {
		t.Fatalf("code = %v, want %q", body["code"], errs.KindDeadline)
	}
}

// A context.DeadlineExceeded that escaped without classification must still
// answer 504, not a masked 500.
func TestRespondErrBareDeadlineExceeded(t *testing.T) {
	rec := httptest.NewRecorder()
	respondErr(rec, fmt.Errorf("load entity: %w", context.DeadlineExceeded))

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusGatewayTimeout)
	}
}

func TestRespondErrMasksInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	respondErr(rec, errors.New("pool exhausted at 10.0.0.4:5432"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "internal error" {
		t.Fatalf("internal cause leaked: %v", body["error"])
	}
}
