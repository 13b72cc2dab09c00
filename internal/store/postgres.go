package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// pgQuerier is the slice of pgx shared by the pool and an open
// transaction, so every query method works in both contexts.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is the production Store backed by a pgx connection pool.
type PostgresStore struct {
	pool     *pgxpool.Pool
	retryMax uint64
}

var _ Store = (*PostgresStore)(nil)

// PostgresConfig carries the connection settings the store needs.
type PostgresConfig struct {
	URL             string
	MaxConnections  int32
	DeadlockRetries int
}

// NewPostgres connects, migrates the schema, and returns the store.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConnections > 0 {
		pc.MaxConns = cfg.MaxConnections
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s := &PostgresStore{pool: pool, retryMax: uint64(max(cfg.DeadlockRetries, 0))}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info().Int32("max_conns", pc.MaxConns).Msg("postgres store initialized")
	return s, nil
}

// Begin opens a transaction, retrying transient acquisition failures.
func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	var tx pgx.Tx
	op := func() error {
		t, err := s.pool.Begin(ctx)
		if err != nil {
			if retriablePg(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		tx = t
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(20*time.Millisecond),
		backoff.WithMaxInterval(500*time.Millisecond),
	), s.retryMax), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return &pgTx{pgSession: pgSession{q: tx}, tx: tx}, nil
}

// Reader serves auto-committed reads straight off the pool.
func (s *PostgresStore) Reader() Reader { return &pgSession{q: s.pool} }

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// pgSession implements Reader and Writer over any querier.
type pgSession struct {
	q pgQuerier
}

var _ Reader = (*pgSession)(nil)
var _ Writer = (*pgSession)(nil)

// pgTx wraps an open transaction.
type pgTx struct {
	pgSession
	tx pgx.Tx
}

var _ Tx = (*pgTx)(nil)

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return pgMap(err, "transaction", "commit")
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return pgMap(err, "transaction", "rollback")
	}
	return nil
}

func retriablePg(err error) bool {
	var pge *pgconn.PgError
	if errors.As(err, &pge) {
		switch pge.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	return false
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaDDL)
	return err
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS tenants (
	id            BIGSERIAL PRIMARY KEY,
	village_code  TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL UNIQUE,
	is_active     BOOLEAN NOT NULL DEFAULT TRUE,
	revision      BIGINT NOT NULL DEFAULT 1,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS organizations (
	id                BIGSERIAL PRIMARY KEY,
	village_id        TEXT NOT NULL UNIQUE,
	tenant_id         BIGINT NOT NULL REFERENCES tenants(id),
	parent_id         BIGINT REFERENCES organizations(id),
	name              TEXT NOT NULL,
	org_type          TEXT NOT NULL,
	owner_identity_id BIGINT NOT NULL,
	owner_group_id    BIGINT,
	ldap_dn           TEXT NOT NULL DEFAULT '',
	saml_group        TEXT NOT NULL DEFAULT '',
	revision          BIGINT NOT NULL DEFAULT 1,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_orgs_sibling_name
	ON organizations (tenant_id, COALESCE(parent_id, 0), name);
CREATE INDEX IF NOT EXISTS idx_orgs_tenant ON organizations (tenant_id);
CREATE INDEX IF NOT EXISTS idx_orgs_parent ON organizations (parent_id);

CREATE TABLE IF NOT EXISTS entities (
	id              BIGSERIAL PRIMARY KEY,
	village_id      TEXT NOT NULL UNIQUE,
	tenant_id       BIGINT NOT NULL REFERENCES tenants(id),
	organization_id BIGINT NOT NULL REFERENCES organizations(id),
	entity_type     TEXT NOT NULL,
	name            TEXT NOT NULL,
	attributes      JSONB NOT NULL DEFAULT '{}',
	tags            TEXT[] NOT NULL DEFAULT '{}',
	is_active       BOOLEAN NOT NULL DEFAULT TRUE,
	revision        BIGINT NOT NULL DEFAULT 1,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (organization_id, entity_type, name)
);
CREATE INDEX IF NOT EXISTS idx_entities_tenant ON entities (tenant_id);
CREATE INDEX IF NOT EXISTS idx_entities_org ON entities (organization_id);
CREATE INDEX IF NOT EXISTS idx_entities_tags ON entities USING GIN (tags);

CREATE TABLE IF NOT EXISTS dependencies (
	id               BIGSERIAL PRIMARY KEY,
	tenant_id        BIGINT NOT NULL REFERENCES tenants(id),
	source_entity_id BIGINT NOT NULL REFERENCES entities(id),
	target_entity_id BIGINT NOT NULL REFERENCES entities(id),
	dependency_type  TEXT NOT NULL,
	metadata         JSONB NOT NULL DEFAULT '{}',
	revision         BIGINT NOT NULL DEFAULT 1,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (source_entity_id, target_entity_id, dependency_type)
);
CREATE INDEX IF NOT EXISTS idx_deps_tenant ON dependencies (tenant_id);
CREATE INDEX IF NOT EXISTS idx_deps_source ON dependencies (source_entity_id);
CREATE INDEX IF NOT EXISTS idx_deps_target ON dependencies (target_entity_id);

CREATE TABLE IF NOT EXISTS identities (
	id                     BIGSERIAL PRIMARY KEY,
	village_id             TEXT NOT NULL UNIQUE,
	tenant_id              BIGINT NOT NULL REFERENCES tenants(id),
	username               TEXT NOT NULL,
	email                  TEXT NOT NULL DEFAULT '',
	identity_type          TEXT NOT NULL,
	auth_provider          TEXT NOT NULL DEFAULT 'internal',
	portal_role            TEXT NOT NULL DEFAULT 'viewer',
	is_active              BOOLEAN NOT NULL DEFAULT TRUE,
	mfa_enabled            BOOLEAN NOT NULL DEFAULT FALSE,
	credential_fingerprint TEXT NOT NULL DEFAULT '',
	credential_rotated_at  TIMESTAMPTZ,
	revision               BIGINT NOT NULL DEFAULT 1,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (tenant_id, username)
);

CREATE TABLE IF NOT EXISTS resource_roles (
	id          BIGSERIAL PRIMARY KEY,
	tenant_id   BIGINT NOT NULL REFERENCES tenants(id),
	identity_id BIGINT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
	scope_type  TEXT NOT NULL,
	scope_id    BIGINT NOT NULL,
	role        TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (identity_id, scope_type, scope_id)
);
CREATE INDEX IF NOT EXISTS idx_roles_scope ON resource_roles (scope_type, scope_id);

CREATE TABLE IF NOT EXISTS api_tokens (
	id           BIGSERIAL PRIMARY KEY,
	tenant_id    BIGINT NOT NULL REFERENCES tenants(id),
	identity_id  BIGINT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
	kind         TEXT NOT NULL,
	fingerprint  TEXT NOT NULL UNIQUE,
	name         TEXT NOT NULL DEFAULT '',
	expires_at   TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_used_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_tokens_identity ON api_tokens (identity_id);

CREATE TABLE IF NOT EXISTS issues (
	id              BIGSERIAL PRIMARY KEY,
	village_id      TEXT NOT NULL UNIQUE,
	tenant_id       BIGINT NOT NULL REFERENCES tenants(id),
	organization_id BIGINT REFERENCES organizations(id),
	project_id      BIGINT,
	milestone_id    BIGINT,
	title           TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'open',
	priority        INT NOT NULL DEFAULT 2,
	severity        TEXT NOT NULL DEFAULT '',
	assignee_id     BIGINT,
	is_incident     BOOLEAN NOT NULL DEFAULT FALSE,
	labels          TEXT[] NOT NULL DEFAULT '{}',
	entity_ids      BIGINT[] NOT NULL DEFAULT '{}',
	revision        BIGINT NOT NULL DEFAULT 1,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_issues_tenant ON issues (tenant_id);
CREATE INDEX IF NOT EXISTS idx_issues_entities ON issues USING GIN (entity_ids);

CREATE TABLE IF NOT EXISTS issue_comments (
	id         BIGSERIAL PRIMARY KEY,
	issue_id   BIGINT NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
	author_id  BIGINT NOT NULL,
	body       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_comments_issue ON issue_comments (issue_id);

CREATE TABLE IF NOT EXISTS oncall_rotations (
	id         BIGSERIAL PRIMARY KEY,
	tenant_id  BIGINT NOT NULL REFERENCES tenants(id),
	scope_type TEXT NOT NULL,
	scope_id   BIGINT NOT NULL,
	name       TEXT NOT NULL,
	priority   INT NOT NULL DEFAULT 0,
	revision   BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_rotations_scope ON oncall_rotations (tenant_id, scope_type, scope_id);

CREATE TABLE IF NOT EXISTS oncall_shifts (
	id          BIGSERIAL PRIMARY KEY,
	rotation_id BIGINT NOT NULL REFERENCES oncall_rotations(id) ON DELETE CASCADE,
	identity_id BIGINT NOT NULL,
	shift_start TIMESTAMPTZ NOT NULL,
	shift_end   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_shifts_rotation ON oncall_shifts (rotation_id);

CREATE TABLE IF NOT EXISTS oncall_overrides (
	id          BIGSERIAL PRIMARY KEY,
	tenant_id   BIGINT NOT NULL REFERENCES tenants(id),
	scope_type  TEXT NOT NULL,
	scope_id    BIGINT NOT NULL,
	identity_id BIGINT NOT NULL,
	override_start TIMESTAMPTZ NOT NULL,
	override_end   TIMESTAMPTZ NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_overrides_scope ON oncall_overrides (tenant_id, scope_type, scope_id);

CREATE TABLE IF NOT EXISTS groups (
	id                 BIGSERIAL PRIMARY KEY,
	village_id         TEXT NOT NULL UNIQUE,
	tenant_id          BIGINT NOT NULL REFERENCES tenants(id),
	name               TEXT NOT NULL,
	owner_identity_id  BIGINT NOT NULL,
	owner_ids          BIGINT[] NOT NULL DEFAULT '{}',
	approval_mode      TEXT NOT NULL DEFAULT 'any',
	approval_threshold INT NOT NULL DEFAULT 0,
	provider           TEXT NOT NULL DEFAULT 'internal',
	sync_enabled       BOOLEAN NOT NULL DEFAULT FALSE,
	revision           BIGINT NOT NULL DEFAULT 1,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (tenant_id, name)
);

CREATE TABLE IF NOT EXISTS group_members (
	group_id    BIGINT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
	identity_id BIGINT NOT NULL,
	expires_at  TIMESTAMPTZ,
	added_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (group_id, identity_id)
);

CREATE TABLE IF NOT EXISTS access_requests (
	id           BIGSERIAL PRIMARY KEY,
	tenant_id    BIGINT NOT NULL REFERENCES tenants(id),
	group_id     BIGINT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
	requester_id BIGINT NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	state        TEXT NOT NULL DEFAULT 'pending',
	expires_at   TIMESTAMPTZ,
	revision     BIGINT NOT NULL DEFAULT 1,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	decided_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_requests_group ON access_requests (group_id, state);

CREATE TABLE IF NOT EXISTS approval_records (
	request_id  BIGINT NOT NULL REFERENCES access_requests(id) ON DELETE CASCADE,
	approver_id BIGINT NOT NULL,
	decision    TEXT NOT NULL,
	comment     TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (request_id, approver_id)
);

CREATE TABLE IF NOT EXISTS audit_records (
	id             BIGSERIAL PRIMARY KEY,
	tenant_id      BIGINT NOT NULL,
	ts             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	principal_id   BIGINT NOT NULL DEFAULT 0,
	action         TEXT NOT NULL,
	resource_type  TEXT NOT NULL DEFAULT '',
	resource_id    BIGINT NOT NULL DEFAULT 0,
	before_hash    TEXT NOT NULL DEFAULT '',
	after_hash     TEXT NOT NULL DEFAULT '',
	outcome        TEXT NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_tenant_ts ON audit_records (tenant_id, ts);
CREATE INDEX IF NOT EXISTS idx_audit_resource ON audit_records (resource_type, resource_id);

CREATE TABLE IF NOT EXISTS milestones (
	id          BIGSERIAL PRIMARY KEY,
	village_id  TEXT NOT NULL UNIQUE,
	tenant_id   BIGINT NOT NULL REFERENCES tenants(id),
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	due_date    TIMESTAMPTZ,
	closed      BOOLEAN NOT NULL DEFAULT FALSE,
	revision    BIGINT NOT NULL DEFAULT 1,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (tenant_id, name)
);

CREATE TABLE IF NOT EXISTS projects (
	id              BIGSERIAL PRIMARY KEY,
	village_id      TEXT NOT NULL UNIQUE,
	tenant_id       BIGINT NOT NULL REFERENCES tenants(id),
	organization_id BIGINT REFERENCES organizations(id),
	name            TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	archived        BOOLEAN NOT NULL DEFAULT FALSE,
	revision        BIGINT NOT NULL DEFAULT 1,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (tenant_id, name)
);

CREATE TABLE IF NOT EXISTS village_lookup (
	village_id  TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	resource_id BIGINT NOT NULL,
	tenant_id   BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS village_counters (
	tenant_id BIGINT NOT NULL,
	org_id    BIGINT NOT NULL,
	counter   BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, org_id)
);
`
