// Package oncall resolves who is on call for a scope at an instant, and
// renders on-call timelines over a window.
//
// Resolution order: an override whose window contains the instant beats any
// rotation; among overlapping overrides the most recently created wins.
// Without an override, the shift containing the instant from the rotation
// with the smallest priority, then smallest id, wins.
package oncall

import (
	"context"
	"sort"
	"time"

	"github.com/elder-platform/elder/internal/errs"
	"github.com/elder-platform/elder/internal/store"
	"github.com/elder-platform/elder/pkg/models"
)

// Resolver answers on-call queries against a store reader.
type Resolver struct{}

// New creates a Resolver.
func New() *Resolver { return &Resolver{} }

// Current returns the identity on call for the scope at instant, or a
// NotFound error when nobody is.
func (r *Resolver) Current(ctx context.Context, rd store.Reader, tenantID int64, scopeType models.OnCallScope, scopeID int64, instant time.Time) (*models.OnCallResult, error) {
	if !models.ValidOnCallScope(scopeType) {
		return nil, errs.Validation("unknown on-call scope %q", scopeType)
	}

	overrides, err := rd.ListOverrides(ctx, tenantID, scopeType, scopeID)
	if err != nil {
		return nil, err
	}
	var winner *models.OnCallOverride
	for i := range overrides {
		o := &overrides[i]
		if !o.Contains(instant) {
			continue
		}
		if winner == nil || o.CreatedAt.After(winner.CreatedAt) ||
			(o.CreatedAt.Equal(winner.CreatedAt) && o.ID > winner.ID) {
			winner = o
		}
	}
	if winner != nil {
		return r.result(ctx, rd, winner.IdentityID, winner.Start, winner.End, true)
	}

	rotations, err := rd.ListRotations(ctx, tenantID, scopeType, scopeID)
	if err != nil {
		return nil, err
	}
	// ListRotations orders by (priority, id); the first containing shift
	// across that order is the answer.
	for i := range rotations {
		for j := range rotations[i].Shifts {
			s := &rotations[i].Shifts[j]
			if s.Contains(instant) {
				return r.result(ctx, rd, s.IdentityID, s.Start, s.End, false)
			}
		}
	}
	return nil, errs.NotFound("on-call coverage", scopeID)
}

func (r *Resolver) result(ctx context.Context, rd store.Reader, identityID int64, start, end time.Time, override bool) (*models.OnCallResult, error) {
	res := &models.OnCallResult{
		IdentityID: identityID,
		ShiftStart: start,
		ShiftEnd:   end,
		IsOverride: override,
	}
	id, err := rd.GetIdentity(ctx, identityID)
	if err == nil {
		res.IdentityName = id.Username
	} else if errs.KindOf(err) != errs.KindNotFound {
		return nil, err
	}
	return res, nil
}

// Timeline partitions [from, to) into segments, one per boundary-delimited
// region, each naming the identity on call or nil for a gap. Segments are
// time-ordered, non-overlapping, and their union equals the window.
func (r *Resolver) Timeline(ctx context.Context, rd store.Reader, tenantID int64, scopeType models.OnCallScope, scopeID int64, from, to time.Time) ([]models.OnCallSegment, error) {
	if !models.ValidOnCallScope(scopeType) {
		return nil, errs.Validation("unknown on-call scope %q", scopeType)
	}
	if !from.Before(to) {
		return nil, errs.Validation("timeline window must satisfy from < to")
	}

	overrides, err := rd.ListOverrides(ctx, tenantID, scopeType, scopeID)
	if err != nil {
		return nil, err
	}
	rotations, err := rd.ListRotations(ctx, tenantID, scopeType, scopeID)
	if err != nil {
		return nil, err
	}

	// Sweep every interval boundary that falls inside the window. Between
	// two adjacent boundaries the winning assignee is constant, so one
	// resolution per region suffices.
	boundarySet := map[time.Time]bool{from: true, to: true}
	clip := func(t time.Time) {
		if t.After(from) && t.Before(to) {
			boundarySet[t] = true
		}
	}
	for i := range overrides {
		clip(overrides[i].Start)
		clip(overrides[i].End)
	}
	for i := range rotations {
		for j := range rotations[i].Shifts {
			clip(rotations[i].Shifts[j].Start)
			clip(rotations[i].Shifts[j].End)
		}
	}
	boundaries := make([]time.Time, 0, len(boundarySet))
	for t := range boundarySet {
		boundaries = append(boundaries, t)
	}
	sort.Slice(boundaries, func(i, j int) bool { return boundaries[i].Before(boundaries[j]) })

	var segments []models.OnCallSegment
	for i := 0; i < len(boundaries)-1; i++ {
		lo, hi := boundaries[i], boundaries[i+1]
		seg := models.OnCallSegment{From: lo, To: hi}
		if id, override, ok := resolveAt(overrides, rotations, lo); ok {
			seg.IdentityID = &id
			seg.IsOverride = override
		}
		// Merge with the previous segment when the assignment is unchanged.
		if n := len(segments); n > 0 && sameAssignment(&segments[n-1], &seg) {
			segments[n-1].To = hi
			continue
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

// resolveAt applies the Current algorithm against pre-fetched rows.
func resolveAt(overrides []models.OnCallOverride, rotations []models.OnCallRotation, instant time.Time) (identityID int64, isOverride, ok bool) {
	var winner *models.OnCallOverride
	for i := range overrides {
		o := &overrides[i]
		if !o.Contains(instant) {
			continue
		}
		if winner == nil || o.CreatedAt.After(winner.CreatedAt) ||
			(o.CreatedAt.Equal(winner.CreatedAt) && o.ID > winner.ID) {
			winner = o
		}
	}
	if winner != nil {
		return winner.IdentityID, true, true
	}
	for i := range rotations {
		for j := range rotations[i].Shifts {
			if rotations[i].Shifts[j].Contains(instant) {
				return rotations[i].Shifts[j].IdentityID, false, true
			}
		}
	}
	return 0, false, false
}

func sameAssignment(a, b *models.OnCallSegment) bool {
	if a.IsOverride != b.IsOverride {
		return false
	}
	if (a.IdentityID == nil) != (b.IdentityID == nil) {
		return false
	}
	return a.IdentityID == nil || *a.IdentityID == *b.IdentityID
}
