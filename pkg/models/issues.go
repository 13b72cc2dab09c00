package models

import "time"

// ── Issue ────────────────────────────────────────────────────

type IssueStatus string

const (
	IssueOpen       IssueStatus = "open"
	IssueInProgress IssueStatus = "in_progress"
	IssueResolved   IssueStatus = "resolved"
	IssueClosed     IssueStatus = "closed"
	IssueReopened   IssueStatus = "reopened"
)

// ValidIssueStatus reports whether s is a known issue status.
func ValidIssueStatus(s IssueStatus) bool {
	switch s {
	case IssueOpen, IssueInProgress, IssueResolved, IssueClosed, IssueReopened:
		return true
	}
	return false
}

type IssuePriority int

const (
	PriorityCritical IssuePriority = 0
	PriorityHigh     IssuePriority = 1
	PriorityMedium   IssuePriority = 2
	PriorityLow      IssuePriority = 3
)

// Issue is a tracked item, optionally an incident, optionally scoped to an
// organization, linked to any number of entities. Comments are append-only
// children.
type Issue struct {
	ID             int64         `json:"id"`
	VillageID      string        `json:"village_id"`
	TenantID       int64         `json:"tenant_id"`
	OrganizationID *int64        `json:"organization_id,omitempty"`
	ProjectID      *int64        `json:"project_id,omitempty"`
	MilestoneID    *int64        `json:"milestone_id,omitempty"`
	Title          string        `json:"title"`
	Description    string        `json:"description,omitempty"`
	Status         IssueStatus   `json:"status"`
	Priority       IssuePriority `json:"priority"`
	Severity       string        `json:"severity,omitempty"`
	AssigneeID     *int64        `json:"assignee_id,omitempty"`
	IsIncident     bool          `json:"is_incident"`
	Labels         []string      `json:"labels,omitempty"`
	EntityIDs      []int64       `json:"entity_ids,omitempty"`
	Revision       int64         `json:"revision"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// IssueComment is an append-only child of an issue. Comments are never
// edited or deleted through the API.
type IssueComment struct {
	ID        int64     `json:"id"`
	IssueID   int64     `json:"issue_id"`
	AuthorID  int64     `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}
