// Package villageid mints and resolves Village-IDs, the stable hierarchical
// resource identifiers of form TTTT-OOOO-IIIIIIII (16 + 16 + 32 bits of
// hex). TTTT is the tenant code, OOOO the organization code within the
// tenant (0000 for tenant-level resources), and IIIIIIII a per-bucket
// monotonically increasing counter (00000000 for organization rows).
//
// Village-IDs are immutable after allocation: moving an entity between
// organizations does not change its ID.
package villageid

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/elder-platform/elder/internal/errs"
	"github.com/elder-platform/elder/internal/store"
	"github.com/elder-platform/elder/pkg/models"
)

// pattern matches a well-formed Village-ID, case-insensitive.
var pattern = regexp.MustCompile(`^[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{8}$`)

// Valid reports whether s is a well-formed Village-ID.
func Valid(s string) bool { return pattern.MatchString(s) }

// Normalize lowercases a well-formed Village-ID for storage and lookup.
func Normalize(s string) string { return strings.ToLower(s) }

// Format assembles a Village-ID from its three components.
func Format(tenantCode string, orgCode uint16, counter uint32) string {
	return fmt.Sprintf("%s-%04x-%08x", strings.ToLower(tenantCode), orgCode, counter)
}

// Parts splits a well-formed Village-ID into its components.
func Parts(vid string) (tenantCode string, orgCode uint16, counter uint32, err error) {
	if !Valid(vid) {
		return "", 0, 0, errs.Validation("malformed village id %q", vid)
	}
	vid = Normalize(vid)
	o, _ := strconv.ParseUint(vid[5:9], 16, 16)
	c, _ := strconv.ParseUint(vid[10:18], 16, 32)
	return vid[:4], uint16(o), uint32(c), nil
}

// Resolution is the answer to a Village-ID lookup.
type Resolution struct {
	Kind       models.ResourceKind `json:"kind"`
	ResourceID int64               `json:"id"`
	TenantID   int64               `json:"tenant_id"`
	// RedirectURL is the canonical user-facing path for the resource.
	RedirectURL string `json:"redirect_url"`
}

// Allocator mints Village-IDs inside a caller's transaction and resolves
// them against the lookup table.
type Allocator struct{}

// NewAllocator creates an Allocator.
func NewAllocator() *Allocator { return &Allocator{} }

// Allocate mints a fresh Village-ID for a resource of the given kind inside
// the caller's transaction. The counter row stays locked until the
// transaction finishes, so allocation is exactly-once per commit.
//
// org may be nil for tenant-level resources. For organization rows the
// counter component is fixed at zero and the org code is the organization's
// own position in the bucket.
func (a *Allocator) Allocate(ctx context.Context, tx store.Tx, kind models.ResourceKind, tenant *models.Tenant, org *models.Organization) (string, error) {
	if tenant == nil {
		return "", errs.Validation("tenant is required for village id allocation")
	}

	var orgCode uint16
	var orgID int64
	if org != nil {
		code, err := orgCodeOf(org)
		if err != nil {
			return "", err
		}
		orgCode = code
		orgID = org.ID
	}

	var vid string
	if kind == models.KindOrganization {
		// Organization rows take the next org code in the tenant bucket
		// and a zero counter.
		next, err := tx.NextVillageCounter(ctx, tenant.ID, 0)
		if err != nil {
			return "", err
		}
		if next > 0xffff {
			return "", errs.New(errs.KindInternal, "organization code space exhausted for tenant %d", tenant.ID)
		}
		vid = Format(tenant.VillageCode, uint16(next), 0)
	} else {
		next, err := tx.NextVillageCounter(ctx, tenant.ID, orgID)
		if err != nil {
			return "", err
		}
		vid = Format(tenant.VillageCode, orgCode, next)
	}

	return vid, nil
}

// Register records the allocation in the lookup table. Called after the
// resource row is inserted and its ID is known, still inside the same
// transaction.
func (a *Allocator) Register(ctx context.Context, tx store.Tx, vid string, kind models.ResourceKind, resourceID, tenantID int64) error {
	return tx.PutVillageLookup(ctx, &models.VillageLookup{
		VillageID:  Normalize(vid),
		Kind:       kind,
		ResourceID: resourceID,
		TenantID:   tenantID,
	})
}

// Resolve validates and resolves a Village-ID to its resource reference.
func (a *Allocator) Resolve(ctx context.Context, r store.Reader, vid string) (*Resolution, error) {
	if !Valid(vid) {
		return nil, errs.Validation("malformed village id %q", vid)
	}
	vid = Normalize(vid)

	// Reject unknown tenants distinctly from unknown resources.
	if _, err := r.GetTenantByCode(ctx, vid[:4]); err != nil {
		return nil, errs.New(errs.KindNotFound, "unknown tenant code %q", vid[:4])
	}

	l, err := r.GetVillageLookup(ctx, vid)
	if err != nil {
		return nil, err
	}
	return &Resolution{
		Kind:        l.Kind,
		ResourceID:  l.ResourceID,
		TenantID:    l.TenantID,
		RedirectURL: l.RedirectPath(),
	}, nil
}

// orgCodeOf extracts the OOOO component from an organization's own
// Village-ID.
func orgCodeOf(org *models.Organization) (uint16, error) {
	_, code, _, err := Parts(org.VillageID)
	if err != nil {
		return 0, errs.New(errs.KindInternal, "organization %d has malformed village id %q", org.ID, org.VillageID)
	}
	return code, nil
}
