// Package audit records and queries the append-only audit trail. Records
// are written through the caller's transaction so they commit or roll back
// with the mutation they describe.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/elder-platform/elder/internal/errs"
	"github.com/elder-platform/elder/internal/store"
	"github.com/elder-platform/elder/pkg/models"
)

// Entry captures one audited action before it becomes a record.
type Entry struct {
	TenantID      int64
	PrincipalID   int64
	Action        string
	ResourceType  string
	ResourceID    int64
	Before        any
	After         any
	Outcome       models.AuditOutcome
	CorrelationID string
}

// Log keeps the audit trail.
type Log struct {
	retention time.Duration
}

// New creates the audit log service. retention 0 disables purging.
func New(retention time.Duration) *Log {
	return &Log{retention: retention}
}

// Record appends one entry through w. Before/After states are reduced to
// canonical hashes; raw payloads never land in the trail.
func (l *Log) Record(ctx context.Context, w store.AuditWriter, e Entry) error {
	rec := &models.AuditRecord{
		TenantID:      e.TenantID,
		PrincipalID:   e.PrincipalID,
		Action:        e.Action,
		ResourceType:  e.ResourceType,
		ResourceID:    e.ResourceID,
		BeforeHash:    models.StateHash(e.Before),
		AfterHash:     models.StateHash(e.After),
		Outcome:       e.Outcome,
		CorrelationID: e.CorrelationID,
	}
	if rec.Outcome == "" {
		rec.Outcome = models.OutcomeSuccess
	}
	return w.AppendAudit(ctx, rec)
}

// Query reads the trail. Admins see everything in their tenant; other
// principals need operator or higher on the specific resource they filter
// by, enforced by the caller through the supplied gate.
func (l *Log) Query(ctx context.Context, r store.AuditReader, f models.AuditFilter, p store.Pagination) ([]models.AuditRecord, int64, error) {
	if f.TenantID == 0 {
		return nil, 0, errs.Validation("audit queries must name a tenant")
	}
	return r.ListAuditRecords(ctx, f, p)
}

// Purge removes records older than the retention window and appends a
// meta-record describing the purge itself. Admin-only, enforced upstream.
func (l *Log) Purge(ctx context.Context, tx store.Tx, tenantID, principalID int64, correlationID string) (int64, error) {
	if l.retention <= 0 {
		return 0, errs.Validation("audit retention is not configured")
	}
	cutoff := time.Now().UTC().Add(-l.retention)
	removed, err := tx.PurgeAudit(ctx, tenantID, cutoff)
	if err != nil {
		return 0, err
	}
	err = l.Record(ctx, tx, Entry{
		TenantID:      tenantID,
		PrincipalID:   principalID,
		Action:        "audit.purge",
		ResourceType:  "audit_log",
		Outcome:       models.OutcomeSuccess,
		CorrelationID: correlationID,
	})
	if err != nil {
		return 0, err
	}
	log.Info().Int64("tenant", tenantID).Int64("removed", removed).Time("cutoff", cutoff).Msg("audit log purged")
	return removed, nil
}
