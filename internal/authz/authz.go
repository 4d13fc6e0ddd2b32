// Package authz decides whether an actor may see or mutate a card's
// hierarchy relation. Each side of a two-sided operation (a link between an
// epic and a child card) is resolved independently against the side's own
// board and project.
package authz

import "context"

// Actor is the authenticated user a decision is made for. It is always
// passed explicitly; there is no ambient request state.
type Actor struct {
	UserID  string
	IsAdmin bool
}

// Side is the card-side of a decision: the board the card sits on and the
// project owning that board.
type Side struct {
	BoardID               string
	ProjectID             string
	OwnerProjectManagerID *string
}

// Facts answers membership questions. Backed by the Postgres store in
// production and by fakes in tests.
type Facts interface {
	IsProjectManager(ctx context.Context, userID, projectID string) (bool, error)
	HasBoardMembership(ctx context.Context, boardID, userID string) (bool, error)
}

type Resolver struct {
	facts Facts
}

func NewResolver(facts Facts) *Resolver {
	return &Resolver{facts: facts}
}

// CanAccess reports whether the actor may touch the given side.
//
// The fallback order is: a global administrator is let through immediately,
// but only while the side's project has no designated private owner; then
// project managers of the owning project; then board members of the card's
// board. The resolver returns a plain boolean; the caller picks the error
// kind (not-found versus forbidden) appropriate to its context.
func (r *Resolver) CanAccess(ctx context.Context, actor Actor, side Side) (bool, error) {
	if actor.IsAdmin && side.OwnerProjectManagerID == nil {
		return true, nil
	}

	isManager, err := r.facts.IsProjectManager(ctx, actor.UserID, side.ProjectID)
	if err != nil {
		return false, err
	}
	if isManager {
		return true, nil
	}

	isMember, err := r.facts.HasBoardMembership(ctx, side.BoardID, actor.UserID)
	if err != nil {
		return false, err
	}
	return isMember, nil
}

// CanMutateLink reports whether the actor may change the hierarchy relation
// on the given side. Mutation currently requires the same facts as access;
// it is a separate entry point so the two can diverge without touching
// callers.
func (r *Resolver) CanMutateLink(ctx context.Context, actor Actor, side Side) (bool, error) {
	return r.CanAccess(ctx, actor, side)
}
