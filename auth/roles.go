package auth

import (
	"context"
	"fmt"

	"caseflow/dispute"
)

// DisputeGetter is the slice of the dispute repository role resolution needs.
type DisputeGetter interface {
	Get(ctx context.Context, disputeID string) (dispute.Dispute, error)
}

// RoleResolver maps an authenticated account to its role within a single
// dispute. Admin accounts carry the admin role everywhere; regular accounts
// are plaintiff or respondent only in disputes they are a party to.
type RoleResolver struct {
	users    Repository
	disputes DisputeGetter
}

func NewRoleResolver(users Repository, disputes DisputeGetter) *RoleResolver {
	return &RoleResolver{users: users, disputes: disputes}
}

// Resolve returns the caller's role in the dispute. A user who is neither a
// party nor an admin gets dispute.ErrUnauthorized.
func (r *RoleResolver) Resolve(ctx context.Context, userID, disputeID string) (dispute.Role, error) {
	user, err := r.users.GetUserByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("auth: resolve role: %w", err)
	}
	if user.Role == RoleAdmin {
		return dispute.RoleAdmin, nil
	}

	d, err := r.disputes.Get(ctx, disputeID)
	if err != nil {
		return "", err
	}
	role, ok := d.RoleOf(userID)
	if !ok {
		return "", dispute.ErrUnauthorized
	}
	return role, nil
}
