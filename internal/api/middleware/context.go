package middleware

import (
	"context"

	"github.com/elder-platform/elder/pkg/models"
)

type contextKey string

const (
	// PrincipalKey is the context key for the authenticated identity.
	PrincipalKey contextKey = "principal"
	// RequestIDKey is the context key for the correlation id.
	RequestIDKey contextKey = "request_id"
)

// SetPrincipal stores the authenticated identity in the context.
func SetPrincipal(ctx context.Context, id *models.Identity) context.Context {
	return context.WithValue(ctx, PrincipalKey, id)
}

// GetPrincipal retrieves the authenticated identity, nil when anonymous.
func GetPrincipal(ctx context.Context) *models.Identity {
	if v, ok := ctx.Value(PrincipalKey).(*models.Identity); ok {
		return v
	}
	return nil
}

// SetRequestID stores the correlation id in the context.
func SetRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// GetRequestID retrieves the correlation id, "" when absent.
func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(RequestIDKey).(string); ok {
		return v
	}
	return ""
}
