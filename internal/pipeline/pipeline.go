// Package pipeline runs every request through the same sequence: validate,
// authorize, mutate inside one store transaction, audit, commit, then
// broadcast cache invalidations. Reads share the validate/authorize prefix
// and run against a consistent reader snapshot.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/elder-platform/elder/internal/audit"
	"github.com/elder-platform/elder/internal/authz"
	"github.com/elder-platform/elder/internal/cache"
	"github.com/elder-platform/elder/internal/errs"
	"github.com/elder-platform/elder/internal/graph"
	"github.com/elder-platform/elder/internal/store"
	"github.com/elder-platform/elder/pkg/models"
)

// Deps are the collaborators a Pipeline coordinates.
type Deps struct {
	Store       store.Store
	Authz       *authz.Authorizer
	Graph       *graph.Engine
	Audit       *audit.Log
	Invalidator *cache.Invalidator
}

// Pipeline executes reads and mutations with uniform semantics.
type Pipeline struct {
	deps     Deps
	validate *validator.Validate
}

// New builds a Pipeline and registers the graph engine as an invalidation
// listener for structural subjects.
func New(deps Deps) *Pipeline {
	p := &Pipeline{deps: deps, validate: validator.New(validator.WithRequiredStructEnabled())}
	if deps.Graph != nil && deps.Invalidator != nil {
		deps.Invalidator.Subscribe(cache.ListenerFunc(func(k cache.Key) {
			if k.Subject == cache.SubjectOrgTree || k.Subject == cache.SubjectEntityGraph {
				deps.Graph.Invalidate(k.TenantID)
			}
		}))
	}
	return p
}

// Authz exposes the authorizer for handler-level checks.
func (p *Pipeline) Authz() *authz.Authorizer { return p.deps.Authz }

// Graph exposes the graph engine for read queries.
func (p *Pipeline) Graph() *graph.Engine { return p.deps.Graph }

// Store exposes the underlying store.
func (p *Pipeline) Store() store.Store { return p.deps.Store }

// Audit exposes the audit log for direct queries.
func (p *Pipeline) Audit() *audit.Log { return p.deps.Audit }

// CheckStruct validates a decoded request payload against its declared
// shape and converts field failures into the validation error kind.
func (p *Pipeline) CheckStruct(v any) error {
	err := p.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if errors.As(err, &fields) && len(fields) > 0 {
		names := make([]string, 0, len(fields))
		for _, f := range fields {
			names = append(names, strings.ToLower(f.Field()))
		}
		ve := errs.Validation("invalid field(s): %s", strings.Join(names, ", "))
		ve.Details = map[string]any{"fields": names}
		return ve
	}
	return errs.Validation("invalid payload: %v", err)
}

// Request is the per-request context handed to mutation and read bodies:
// principal, correlation id and, for mutations, the open transaction and
// the invalidation batch.
type Request struct {
	Principal     *models.Identity
	CorrelationID string
	Tx            store.Tx
	batch         cache.Batch
}

// Invalidate queues a cache key for the post-commit broadcast.
func (r *Request) Invalidate(tenantID int64, subject cache.Subject) {
	r.batch.Add(tenantID, subject)
}

// Result describes a completed mutation for auditing and response shaping.
type Result struct {
	TenantID     int64
	Action       string
	ResourceType string
	ResourceID   int64
	Before       any
	After        any
	// NoOp marks a mutation that changed nothing; it commits without an
	// audit record.
	NoOp    bool
	Payload any
}

// Mutate runs fn inside one transaction following the mutation sequence.
// On success the transaction commits, exactly one audit record exists for
// the mutation, and queued invalidations are broadcast. On failure the
// transaction rolls back and the denial or error is audited separately.
func (p *Pipeline) Mutate(ctx context.Context, principal *models.Identity, fn func(ctx context.Context, req *Request) (*Result, error)) (any, error) {
	req := &Request{Principal: principal, CorrelationID: uuid.NewString()}

	tx, err := p.deps.Store.Begin(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, err, "begin transaction")
	}
	req.Tx = tx

	res, err := fn(ctx, req)
	if err != nil {
		_ = tx.Rollback(ctx)
		p.auditFailure(ctx, principal, req.CorrelationID, res, err)
		return nil, err
	}
	if res == nil {
		_ = tx.Rollback(ctx)
		return nil, errs.New(errs.KindInternal, "mutation produced no result")
	}

	if !res.NoOp {
		entry := audit.Entry{
			TenantID:      res.TenantID,
			Action:        res.Action,
			ResourceType:  res.ResourceType,
			ResourceID:    res.ResourceID,
			Before:        res.Before,
			After:         res.After,
			Outcome:       models.OutcomeSuccess,
			CorrelationID: req.CorrelationID,
		}
		if principal != nil {
			entry.PrincipalID = principal.ID
		}
		if err := p.deps.Audit.Record(ctx, tx, entry); err != nil {
			_ = tx.Rollback(ctx)
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, err, "commit")
	}
	// Broadcast strictly after commit so readers re-materialize committed
	// state, never the rolled-back kind.
	req.batch.Flush(p.deps.Invalidator)
	return res.Payload, nil
}

// auditFailure records denied and internal outcomes in their own
// transaction; the failed mutation's transaction is already gone.
func (p *Pipeline) auditFailure(ctx context.Context, principal *models.Identity, correlationID string, res *Result, cause error) {
	var outcome models.AuditOutcome
	switch errs.KindOf(cause) {
	case errs.KindForbidden, errs.KindUnauthenticated:
		outcome = models.OutcomeDenied
	case errs.KindInternal:
		outcome = models.OutcomeError
	default:
		return
	}

	entry := audit.Entry{
		Action:        "request.failed",
		Outcome:       outcome,
		CorrelationID: correlationID,
	}
	if principal != nil {
		entry.PrincipalID = principal.ID
		entry.TenantID = principal.TenantID
	}
	if res != nil {
		entry.TenantID = res.TenantID
		entry.Action = res.Action
		entry.ResourceType = res.ResourceType
		entry.ResourceID = res.ResourceID
	}
	if entry.TenantID == 0 {
		return
	}

	tx, err := p.deps.Store.Begin(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failure audit skipped: no transaction")
		return
	}
	if err := p.deps.Audit.Record(ctx, tx, entry); err != nil {
		_ = tx.Rollback(ctx)
		log.Warn().Err(err).Msg("failure audit skipped: append failed")
		return
	}
	if err := tx.Commit(ctx); err != nil {
		log.Warn().Err(err).Msg("failure audit skipped: commit failed")
	}
}

// Read runs fn against a consistent reader, retrying transient storage
// failures with bounded exponential backoff. Only idempotent reads go
// through here; mutations are never retried above the store.
func (p *Pipeline) Read(ctx context.Context, fn func(ctx context.Context, r store.Reader) (any, error)) (any, error) {
	var out any
	op := func() error {
		v, err := fn(ctx, p.deps.Store.Reader())
		if err != nil {
			if errs.IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = v
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
	), 3), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return out, nil
}
