// Package retention runs the background janitor that enforces data
// retention: audit records past the tenant retention window are archived
// and purged, and group access requests past their expiry are closed.
//
// Archive failures are fail-safe: records are NOT purged when archiving
// fails, so the next cycle retries them.
package retention

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/elder-platform/elder/internal/audit"
	"github.com/elder-platform/elder/internal/groups"
	"github.com/elder-platform/elder/internal/store"
	"github.com/elder-platform/elder/pkg/models"
)

// Archiver writes expiring audit records to durable cold storage before
// they are purged from the hot store.
type Archiver interface {
	Kind() string
	ArchiveAudit(ctx context.Context, tenant *models.Tenant, records []models.AuditRecord) (string, error)
}

// Janitor sweeps every tenant on a fixed interval.
type Janitor struct {
	store    store.Store
	audit    *audit.Log
	groups   *groups.Workflow
	interval time.Duration
	// auditRetention mirrors the audit log's purge window; records older
	// than now-auditRetention get archived this cycle.
	auditRetention time.Duration
	archiver       Archiver
}

// NewJanitor creates a janitor. interval is clamped to at least a minute;
// a nil archiver purges without archiving.
func NewJanitor(s store.Store, auditLog *audit.Log, gw *groups.Workflow, interval, auditRetention time.Duration, archiver Archiver) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	return &Janitor{
		store:          s,
		audit:          auditLog,
		groups:         gw,
		interval:       interval,
		auditRetention: auditRetention,
		archiver:       archiver,
	}
}

// Start blocks until ctx is canceled, running one sweep immediately and
// then one per interval.
func (j *Janitor) Start(ctx context.Context) {
	kind := "none"
	if j.archiver != nil {
		kind = j.archiver.Kind()
	}
	log.Info().Dur("interval", j.interval).Str("archiver", kind).Msg("retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("retention janitor stopped")
			return
		case <-ticker.C:
			j.runCycle(ctx)
		}
	}
}

func (j *Janitor) runCycle(ctx context.Context) {
	start := time.Now()
	tenants, _, err := j.store.Reader().ListTenants(ctx, store.Pagination{Limit: -1})
	if err != nil {
		log.Warn().Err(err).Msg("retention cycle skipped: list tenants failed")
		return
	}

	var purged, expired int64
	for i := range tenants {
		t := &tenants[i]
		p, e := j.processTenant(ctx, t)
		purged += p
		expired += int64(e)
	}
	if purged > 0 || expired > 0 {
		log.Info().
			Int64("audit_purged", purged).
			Int64("requests_expired", expired).
			Int("tenants", len(tenants)).
			Dur("elapsed", time.Since(start)).
			Msg("retention cycle complete")
	}
}

func (j *Janitor) processTenant(ctx context.Context, t *models.Tenant) (int64, int) {
	if j.auditRetention > 0 {
		if err := j.archiveExpiring(ctx, t); err != nil {
			log.Warn().Err(err).Int64("tenant", t.ID).Msg("audit archive failed; purge deferred")
			return 0, j.sweepRequests(ctx, t)
		}
	}

	var purged int64
	if j.auditRetention > 0 {
		tx, err := j.store.Begin(ctx)
		if err != nil {
			log.Warn().Err(err).Int64("tenant", t.ID).Msg("retention purge skipped")
			return 0, 0
		}
		purged, err = j.audit.Purge(ctx, tx, t.ID, 0, uuid.NewString())
		if err != nil {
			_ = tx.Rollback(ctx)
			log.Warn().Err(err).Int64("tenant", t.ID).Msg("audit purge failed")
		} else if err := tx.Commit(ctx); err != nil {
			log.Warn().Err(err).Int64("tenant", t.ID).Msg("audit purge commit failed")
			purged = 0
		}
	}
	return purged, j.sweepRequests(ctx, t)
}

func (j *Janitor) sweepRequests(ctx context.Context, t *models.Tenant) int {
	tx, err := j.store.Begin(ctx)
	if err != nil {
		log.Warn().Err(err).Int64("tenant", t.ID).Msg("request sweep skipped")
		return 0
	}
	n, err := j.groups.SweepExpired(ctx, tx, t.ID)
	if err != nil {
		_ = tx.Rollback(ctx)
		log.Warn().Err(err).Int64("tenant", t.ID).Msg("request sweep failed")
		return 0
	}
	if err := tx.Commit(ctx); err != nil {
		log.Warn().Err(err).Int64("tenant", t.ID).Msg("request sweep commit failed")
		return 0
	}
	return n
}

// archiveExpiring writes all records past the retention cutoff to the
// archiver. Reads happen outside the purge transaction; the purge cutoff
// is recomputed later, so a record archived twice is harmless while a
// record purged unarchived is not.
func (j *Janitor) archiveExpiring(ctx context.Context, t *models.Tenant) error {
	if j.archiver == nil {
		return nil
	}
	cutoff := time.Now().UTC().Add(-j.auditRetention)
	records, _, err := j.store.Reader().ListAuditRecords(ctx, models.AuditFilter{
		TenantID: t.ID,
		Until:    &cutoff,
	}, store.Pagination{Limit: -1})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	path, err := j.archiver.ArchiveAudit(ctx, t, records)
	if err != nil {
		return err
	}
	log.Debug().Str("path", path).Int("count", len(records)).Int64("tenant", t.ID).Msg("audit records archived")
	return nil
}
