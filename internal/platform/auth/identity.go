package auth

import (
	"context"

	"github.com/google/uuid"
)

// Roles understood by the API.
const (
	RoleSuperAdmin    = "super_admin"
	RoleFacilityAdmin = "facility_admin"
	RoleStaff         = "staff"
	RolePatient       = "patient"
)

func ValidRole(r string) bool {
	switch r {
	case RoleSuperAdmin, RoleFacilityAdmin, RoleStaff, RolePatient:
		return true
	}
	return false
}

// Identity is the authenticated caller. FacilityID is uuid.Nil for callers
// not bound to a facility (super admins).
type Identity struct {
	TenantID   uuid.UUID
	FacilityID uuid.UUID
	UserID     uuid.UUID
	Roles      []string
}

func (id Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role || r == RoleSuperAdmin {
			return true
		}
	}
	return false
}

func (id Identity) IsSuperAdmin() bool {
	for _, r := range id.Roles {
		if r == RoleSuperAdmin {
			return true
		}
	}
	return false
}

// CanAccessFacility reports whether the caller may act on facilityID.
func (id Identity) CanAccessFacility(facilityID uuid.UUID) bool {
	return id.IsSuperAdmin() || id.FacilityID == facilityID
}

type contextKey string

const identityKey contextKey = "identity"

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the caller identity and whether one was set.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

func UserIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := IdentityFromContext(ctx)
	return id.UserID
}

func RolesFromContext(ctx context.Context) []string {
	id, _ := IdentityFromContext(ctx)
	return id.Roles
}
