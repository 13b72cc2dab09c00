package models

import "strconv"

// ── Village-ID lookup ────────────────────────────────────────

// ResourceKind names the kinds of objects a Village-ID can resolve to.
type ResourceKind string

const (
	KindTenant       ResourceKind = "tenant"
	KindOrganization ResourceKind = "organization"
	KindEntity       ResourceKind = "entity"
	KindIdentity     ResourceKind = "identity"
	KindIssue        ResourceKind = "issue"
	KindGroup        ResourceKind = "group"
	KindMilestone    ResourceKind = "milestone"
	KindProject      ResourceKind = "project"
)

// VillageLookup maps a Village-ID string to the object it was allocated
// for. Rows are written once at allocation and never change: an entity
// moved between organizations keeps its original Village-ID.
type VillageLookup struct {
	VillageID  string       `json:"village_id"`
	Kind       ResourceKind `json:"kind"`
	ResourceID int64        `json:"resource_id"`
	TenantID   int64        `json:"tenant_id"`
}

// RedirectPath returns the canonical user-facing path for the resource.
func (l *VillageLookup) RedirectPath() string {
	switch l.Kind {
	case KindTenant:
		return "/tenants/" + itoa(l.ResourceID)
	case KindOrganization:
		return "/organizations/" + itoa(l.ResourceID)
	case KindEntity:
		return "/entities/" + itoa(l.ResourceID)
	case KindIdentity:
		return "/identities/" + itoa(l.ResourceID)
	case KindIssue:
		return "/issues/" + itoa(l.ResourceID)
	case KindGroup:
		return "/groups/" + itoa(l.ResourceID)
	case KindMilestone:
		return "/milestones/" + itoa(l.ResourceID)
	case KindProject:
		return "/projects/" + itoa(l.ResourceID)
	}
	return "/lookup/" + l.VillageID
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
