// Package store — in-memory Store implementation.
// Used when DATABASE_URL is not set (local dev, tests). Transactions clone
// the current core and swap it in atomically on commit, so readers always
// observe a consistent snapshot and half-applied mutations are never
// visible.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/elder-platform/elder/pkg/models"
)

// memCore holds every table. A published core is immutable: transactions
// mutate a private clone and publish it on commit.
type memCore struct {
	nextID int64

	tenants    map[int64]*models.Tenant
	orgs       map[int64]*models.Organization
	entities   map[int64]*models.Entity
	deps       map[int64]*models.Dependency
	identities map[int64]*models.Identity
	roles      map[int64]*models.ResourceRole
	issues     map[int64]*models.Issue
	comments   map[int64][]*models.IssueComment // key: issue id
	rotations  map[int64]*models.OnCallRotation
	overrides  map[int64]*models.OnCallOverride
	groups     map[int64]*models.Group
	members    map[int64][]*models.GroupMember // key: group id
	requests   map[int64]*models.AccessRequest
	milestones map[int64]*models.Milestone
	projects   map[int64]*models.Project
	tokens     map[int64]*models.APIToken
	audits     []*models.AuditRecord
	counters   map[string]uint32                // key: tenant:org bucket
	lookups    map[string]*models.VillageLookup // key: village id (lowercase)
}

func newMemCore() *memCore {
	return &memCore{
		tenants:    make(map[int64]*models.Tenant),
		orgs:       make(map[int64]*models.Organization),
		entities:   make(map[int64]*models.Entity),
		deps:       make(map[int64]*models.Dependency),
		identities: make(map[int64]*models.Identity),
		roles:      make(map[int64]*models.ResourceRole),
		issues:     make(map[int64]*models.Issue),
		comments:   make(map[int64][]*models.IssueComment),
		rotations:  make(map[int64]*models.OnCallRotation),
		overrides:  make(map[int64]*models.OnCallOverride),
		groups:     make(map[int64]*models.Group),
		members:    make(map[int64][]*models.GroupMember),
		requests:   make(map[int64]*models.AccessRequest),
		milestones: make(map[int64]*models.Milestone),
		projects:   make(map[int64]*models.Project),
		tokens:     make(map[int64]*models.APIToken),
		counters:   make(map[string]uint32),
		lookups:    make(map[string]*models.VillageLookup),
	}
}

// MemoryStore implements Store with in-memory tables.
type MemoryStore struct {
	mu   sync.RWMutex // guards the core pointer swap
	txMu sync.Mutex   // serializes transactions
	core *memCore
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{core: newMemCore()}
}

// Reader returns a consistent read-only snapshot of the current state.
func (s *MemoryStore) Reader() Reader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.core
}

// Begin opens a transaction over a private clone of the current core.
// Transactions serialize; the clone is swapped in on Commit.
func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	s.txMu.Lock()
	s.mu.RLock()
	work := s.core.clone()
	s.mu.RUnlock()
	return &memTx{memCore: work, s: s}, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// memTx is a transaction: the embedded working core serves reads (seeing
// the transaction's own writes) and all Writer methods.
type memTx struct {
	*memCore
	s    *MemoryStore
	done bool
}

func (tx *memTx) Commit(ctx context.Context) error {
	if tx.done {
		return fmt.Errorf("transaction already finished")
	}
	tx.done = true
	tx.s.mu.Lock()
	tx.s.core = tx.memCore
	tx.s.mu.Unlock()
	tx.s.txMu.Unlock()
	return nil
}

func (tx *memTx) Rollback(ctx context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.s.txMu.Unlock()
	return nil
}

func (c *memCore) id() int64 {
	c.nextID++
	return c.nextID
}

func counterKey(tenantID, orgID int64) string {
	return fmt.Sprintf("%d:%d", tenantID, orgID)
}

func nowUTC() time.Time { return time.Now().UTC() }

// ── deep clone ───────────────────────────────────────────────

func (c *memCore) clone() *memCore {
	n := newMemCore()
	n.nextID = c.nextID
	for k, v := range c.tenants {
		n.tenants[k] = cloneTenant(v)
	}
	for k, v := range c.orgs {
		n.orgs[k] = cloneOrg(v)
	}
	for k, v := range c.entities {
		n.entities[k] = cloneEntity(v)
	}
	for k, v := range c.deps {
		n.deps[k] = cloneDep(v)
	}
	for k, v := range c.identities {
		n.identities[k] = cloneIdentity(v)
	}
	for k, v := range c.roles {
		cp := *v
		n.roles[k] = &cp
	}
	for k, v := range c.issues {
		n.issues[k] = cloneIssue(v)
	}
	for k, v := range c.comments {
		list := make([]*models.IssueComment, len(v))
		for i, cm := range v {
			cp := *cm
			list[i] = &cp
		}
		n.comments[k] = list
	}
	for k, v := range c.rotations {
		n.rotations[k] = cloneRotation(v)
	}
	for k, v := range c.overrides {
		cp := *v
		n.overrides[k] = &cp
	}
	for k, v := range c.groups {
		n.groups[k] = cloneGroup(v)
	}
	for k, v := range c.members {
		list := make([]*models.GroupMember, len(v))
		for i, m := range v {
			cp := *m
			list[i] = &cp
		}
		n.members[k] = list
	}
	for k, v := range c.requests {
		n.requests[k] = cloneRequest(v)
	}
	for k, v := range c.milestones {
		cp := *v
		n.milestones[k] = &cp
	}
	for k, v := range c.projects {
		cp := *v
		n.projects[k] = &cp
	}
	for k, v := range c.tokens {
		cp := *v
		n.tokens[k] = &cp
	}
	n.audits = make([]*models.AuditRecord, len(c.audits))
	for i, a := range c.audits {
		cp := *a
		n.audits[i] = &cp
	}
	for k, v := range c.counters {
		n.counters[k] = v
	}
	for k, v := range c.lookups {
		cp := *v
		n.lookups[k] = &cp
	}
	return n
}

func cloneTenant(t *models.Tenant) *models.Tenant {
	cp := *t
	return &cp
}

func cloneOrg(o *models.Organization) *models.Organization {
	cp := *o
	if o.ParentID != nil {
		p := *o.ParentID
		cp.ParentID = &p
	}
	if o.OwnerGroupID != nil {
		g := *o.OwnerGroupID
		cp.OwnerGroupID = &g
	}
	return &cp
}

func cloneEntity(e *models.Entity) *models.Entity {
	cp := *e
	if e.Attributes != nil {
		cp.Attributes = make(models.AttrMap, len(e.Attributes))
		for k, v := range e.Attributes {
			cp.Attributes[k] = v
		}
	}
	if e.Tags != nil {
		cp.Tags = append([]string(nil), e.Tags...)
	}
	return &cp
}

func cloneDep(d *models.Dependency) *models.Dependency {
	cp := *d
	if d.Metadata != nil {
		cp.Metadata = make(models.AttrMap, len(d.Metadata))
		for k, v := range d.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func cloneIdentity(i *models.Identity) *models.Identity {
	cp := *i
	if i.CredentialRotatedAt != nil {
		t := *i.CredentialRotatedAt
		cp.CredentialRotatedAt = &t
	}
	return &cp
}

func cloneIssue(i *models.Issue) *models.Issue {
	cp := *i
	if i.OrganizationID != nil {
		v := *i.OrganizationID
		cp.OrganizationID = &v
	}
	if i.ProjectID != nil {
		v := *i.ProjectID
		cp.ProjectID = &v
	}
	if i.MilestoneID != nil {
		v := *i.MilestoneID
		cp.MilestoneID = &v
	}
	if i.AssigneeID != nil {
		v := *i.AssigneeID
		cp.AssigneeID = &v
	}
	if i.Labels != nil {
		cp.Labels = append([]string(nil), i.Labels...)
	}
	if i.EntityIDs != nil {
		cp.EntityIDs = append([]int64(nil), i.EntityIDs...)
	}
	return &cp
}

func cloneRotation(r *models.OnCallRotation) *models.OnCallRotation {
	cp := *r
	cp.Shifts = append([]models.OnCallShift(nil), r.Shifts...)
	return &cp
}

func cloneGroup(g *models.Group) *models.Group {
	cp := *g
	cp.OwnerIDs = append([]int64(nil), g.OwnerIDs...)
	return &cp
}

func cloneRequest(r *models.AccessRequest) *models.AccessRequest {
	cp := *r
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		cp.ExpiresAt = &t
	}
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		cp.DecidedAt = &t
	}
	cp.Approvals = append([]models.ApprovalRecord(nil), r.Approvals...)
	return &cp
}
