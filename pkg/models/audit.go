package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// ── Audit trail ──────────────────────────────────────────────

// AuditOutcome classifies how an audited action ended.
type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "success"
	OutcomeDenied  AuditOutcome = "denied"
	OutcomeError   AuditOutcome = "error"
)

// AuditRecord is one append-only entry in the audit log. Records are
// written inside the same transaction as the mutation they describe, so a
// failed commit leaves no orphan record, and every committed mutation has
// exactly one success record under its correlation id.
type AuditRecord struct {
	ID            int64        `json:"id"`
	TenantID      int64        `json:"tenant_id"`
	Timestamp     time.Time    `json:"timestamp"`
	PrincipalID   int64        `json:"principal_id"`
	Action        string       `json:"action"`
	ResourceType  string       `json:"resource_type"`
	ResourceID    int64        `json:"resource_id"`
	BeforeHash    string       `json:"before_hash,omitempty"`
	AfterHash     string       `json:"after_hash,omitempty"`
	Outcome       AuditOutcome `json:"outcome"`
	CorrelationID string       `json:"correlation_id"`
}

// AuditFilter narrows audit log reads.
type AuditFilter struct {
	TenantID     int64
	PrincipalID  int64  // 0 = any
	ResourceType string // "" = any
	ResourceID   int64  // 0 = any
	Action       string // "" = any
	Since        *time.Time
	Until        *time.Time
}

// StateHash computes the canonical SHA-256 hash of a resource state for
// before/after audit hashing. A nil state hashes to "".
func StateHash(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
