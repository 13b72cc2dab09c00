// Package groups implements the membership access-request workflow: a small
// state machine (pending, approved, denied, expired, revoked) with owner
// approval aggregation in any, all or threshold mode.
package groups

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/elder-platform/elder/internal/errs"
	"github.com/elder-platform/elder/internal/store"
	"github.com/elder-platform/elder/pkg/models"
)

// SyncNotifier receives a signal whenever a sync-enabled, provider-linked
// group changes membership. The external directory collaborator consumes it.
type SyncNotifier interface {
	GroupSyncRequested(ctx context.Context, tenantID, groupID int64)
}

// NopNotifier discards sync signals.
type NopNotifier struct{}

func (NopNotifier) GroupSyncRequested(context.Context, int64, int64) {}

// Workflow drives access requests inside the caller's transaction.
type Workflow struct {
	notifier      SyncNotifier
	membershipTTL time.Duration // applied when a request has no expiry
	now           func() time.Time
}

// New creates a Workflow. membershipTTL 0 means approved memberships never
// expire unless the request carries its own expiry.
func New(notifier SyncNotifier, membershipTTL time.Duration) *Workflow {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Workflow{notifier: notifier, membershipTTL: membershipTTL, now: time.Now}
}

// Submit opens a pending request for requester to join the group. A
// requester with an existing membership or pending request is rejected.
func (w *Workflow) Submit(ctx context.Context, tx store.Tx, group *models.Group, requesterID int64, reason string, expiresAt *time.Time) (*models.AccessRequest, error) {
	members, err := tx.ListGroupMembers(ctx, group.ID)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if m.IdentityID == requesterID {
			return nil, errs.Conflict(errs.ReasonUnique, "identity %d is already a member of group %d", requesterID, group.ID)
		}
	}
	pending, _, err := tx.ListAccessRequests(ctx, group.ID, models.RequestPending, store.Pagination{Limit: -1})
	if err != nil {
		return nil, err
	}
	for _, p := range pending {
		if p.RequesterID == requesterID {
			return nil, errs.Conflict(errs.ReasonUnique, "identity %d already has a pending request for group %d", requesterID, group.ID)
		}
	}

	req := &models.AccessRequest{
		TenantID:    group.TenantID,
		GroupID:     group.ID,
		RequesterID: requesterID,
		Reason:      reason,
		State:       models.RequestPending,
		ExpiresAt:   expiresAt,
	}
	if err := tx.InsertAccessRequest(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Decide records one owner's decision and applies the group's aggregation
// rule. Approvals arriving after the request is already approved are
// recorded without changing state; any other decision on a settled request
// is rejected.
func (w *Workflow) Decide(ctx context.Context, tx store.Tx, group *models.Group, req *models.AccessRequest, approverID int64, decision models.Decision, comment string) (*models.AccessRequest, error) {
	if !group.IsOwner(approverID) {
		return nil, errs.Forbidden(errs.ReasonNoRoleOnScope, "identity %d does not own group %d", approverID, group.ID)
	}

	switch req.State {
	case models.RequestPending:
	case models.RequestApproved:
		if decision != models.DecisionApprove {
			return nil, errs.Conflict(errs.ReasonStaleRevision, "request %d is already approved", req.ID)
		}
	default:
		return nil, errs.Conflict(errs.ReasonStaleRevision, "request %d is already %s", req.ID, req.State)
	}

	if err := tx.UpsertApproval(ctx, &models.ApprovalRecord{
		RequestID:  req.ID,
		ApproverID: approverID,
		Decision:   decision,
		Comment:    comment,
	}); err != nil {
		return nil, err
	}
	fresh, err := tx.GetAccessRequest(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if fresh.State != models.RequestPending {
		return fresh, nil
	}

	next := w.aggregate(group, fresh)
	if next == models.RequestPending {
		return fresh, nil
	}

	fresh.State = next
	now := w.now().UTC()
	fresh.DecidedAt = &now
	if err := tx.UpdateAccessRequest(ctx, fresh); err != nil {
		return nil, err
	}

	if next == models.RequestApproved {
		if err := w.admit(ctx, tx, group, fresh); err != nil {
			return nil, err
		}
	}
	log.Info().
		Int64("request", fresh.ID).
		Int64("group", group.ID).
		Str("state", string(next)).
		Msg("access request decided")
	return fresh, nil
}

// aggregate applies the group's approval mode to the request's decision
// records and returns the resulting state.
func (w *Workflow) aggregate(group *models.Group, req *models.AccessRequest) models.RequestState {
	owners := ownerSet(group)
	approves, denies := 0, 0
	decided := map[int64]bool{}
	for _, a := range req.Approvals {
		if !owners[a.ApproverID] {
			continue
		}
		decided[a.ApproverID] = true
		if a.Decision == models.DecisionApprove {
			approves++
		} else {
			denies++
		}
	}

	switch group.ApprovalMode {
	case models.ApprovalAny:
		if denies > 0 {
			return models.RequestDenied
		}
		if approves > 0 {
			return models.RequestApproved
		}
	case models.ApprovalAll:
		if denies > 0 {
			return models.RequestDenied
		}
		if approves == len(owners) {
			return models.RequestApproved
		}
	case models.ApprovalThreshold:
		if approves >= group.ApprovalThreshold {
			return models.RequestApproved
		}
		// A deny settles the request once approval became arithmetically
		// impossible.
		undecided := len(owners) - len(decided)
		if denies > 0 && approves+undecided < group.ApprovalThreshold {
			return models.RequestDenied
		}
	}
	return models.RequestPending
}

// admit creates the membership row for an approved request and pings the
// directory sync when the group is provider-linked.
func (w *Workflow) admit(ctx context.Context, tx store.Tx, group *models.Group, req *models.AccessRequest) error {
	expiry := req.ExpiresAt
	if expiry == nil && w.membershipTTL > 0 {
		e := w.now().UTC().Add(w.membershipTTL)
		expiry = &e
	}
	if err := tx.AddGroupMember(ctx, &models.GroupMember{
		GroupID:    group.ID,
		IdentityID: req.RequesterID,
		ExpiresAt:  expiry,
	}); err != nil {
		return err
	}
	w.notifySync(ctx, group)
	return nil
}

// Revoke removes an approved membership and closes its request.
func (w *Workflow) Revoke(ctx context.Context, tx store.Tx, group *models.Group, req *models.AccessRequest) error {
	if req.State != models.RequestApproved {
		return errs.Conflict(errs.ReasonStaleRevision, "request %d is %s, only approved requests can be revoked", req.ID, req.State)
	}
	return w.close(ctx, tx, group, req, models.RequestRevoked)
}

// Expire settles a request whose expiry has passed: pending requests lapse,
// approved memberships are removed.
func (w *Workflow) Expire(ctx context.Context, tx store.Tx, group *models.Group, req *models.AccessRequest) error {
	switch req.State {
	case models.RequestPending, models.RequestApproved:
		return w.close(ctx, tx, group, req, models.RequestExpired)
	}
	return errs.Conflict(errs.ReasonStaleRevision, "request %d is already %s", req.ID, req.State)
}

func (w *Workflow) close(ctx context.Context, tx store.Tx, group *models.Group, req *models.AccessRequest, next models.RequestState) error {
	if req.State == models.RequestApproved {
		err := tx.RemoveGroupMember(ctx, group.ID, req.RequesterID)
		if err != nil && errs.KindOf(err) != errs.KindNotFound {
			return err
		}
		w.notifySync(ctx, group)
	}
	req.State = next
	now := w.now().UTC()
	req.DecidedAt = &now
	if err := tx.UpdateAccessRequest(ctx, req); err != nil {
		return err
	}
	log.Info().Int64("request", req.ID).Str("state", string(next)).Msg("access request closed")
	return nil
}

// SweepExpired settles every request of the tenant whose expiry has passed.
// It returns the number of requests closed.
func (w *Workflow) SweepExpired(ctx context.Context, tx store.Tx, tenantID int64) (int, error) {
	now := w.now().UTC()
	closed := 0
	groupList, _, err := tx.ListGroups(ctx, tenantID, store.Pagination{Limit: -1})
	if err != nil {
		return 0, err
	}
	for i := range groupList {
		g := &groupList[i]
		for _, state := range []models.RequestState{models.RequestPending, models.RequestApproved} {
			reqs, _, err := tx.ListAccessRequests(ctx, g.ID, state, store.Pagination{Limit: -1})
			if err != nil {
				return closed, err
			}
			for j := range reqs {
				r := &reqs[j]
				if r.ExpiresAt == nil || r.ExpiresAt.After(now) {
					continue
				}
				if err := w.Expire(ctx, tx, g, r); err != nil {
					return closed, err
				}
				closed++
			}
		}
	}
	return closed, nil
}

func (w *Workflow) notifySync(ctx context.Context, group *models.Group) {
	if group.Provider != models.ProviderInternal && group.SyncEnabled {
		w.notifier.GroupSyncRequested(ctx, group.TenantID, group.ID)
	}
}

func ownerSet(group *models.Group) map[int64]bool {
	owners := map[int64]bool{group.OwnerIdentityID: true}
	for _, id := range group.OwnerIDs {
		owners[id] = true
	}
	return owners
}
