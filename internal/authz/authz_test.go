package authz

import (
	"context"
	"errors"
	"testing"
)

type fakeFacts struct {
	managers    map[string]bool // userID|projectID
	memberships map[string]bool // boardID|userID
	err         error
}

func (f *fakeFacts) IsProjectManager(_ context.Context, userID, projectID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.managers[userID+"|"+projectID], nil
}

func (f *fakeFacts) HasBoardMembership(_ context.Context, boardID, userID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.memberships[boardID+"|"+userID], nil
}

func owner(id string) *string { return &id }

func TestAdminBypassesChecksOnUnownedProject(t *testing.T) {
	resolver := NewResolver(&fakeFacts{})
	ok, err := resolver.CanAccess(context.Background(), Actor{UserID: "usr_admin", IsAdmin: true}, Side{
		BoardID:   "board_1",
		ProjectID: "proj_1",
	})
	if err != nil {
		t.Fatalf("CanAccess failed: %v", err)
	}
	if !ok {
		t.Error("expected admin to be granted on unowned project")
	}
}

func TestAdminDoesNotBypassOwnedProject(t *testing.T) {
	resolver := NewResolver(&fakeFacts{})
	ok, err := resolver.CanAccess(context.Background(), Actor{UserID: "usr_admin", IsAdmin: true}, Side{
		BoardID:               "board_1",
		ProjectID:             "proj_1",
		OwnerProjectManagerID: owner("pm_1"),
	})
	if err != nil {
		t.Fatalf("CanAccess failed: %v", err)
	}
	if ok {
		t.Error("expected admin without membership to be denied on owned project")
	}
}

func TestProjectManagerGranted(t *testing.T) {
	resolver := NewResolver(&fakeFacts{
		managers: map[string]bool{"usr_1|proj_1": true},
	})
	ok, err := resolver.CanAccess(context.Background(), Actor{UserID: "usr_1"}, Side{
		BoardID:               "board_1",
		ProjectID:             "proj_1",
		OwnerProjectManagerID: owner("pm_1"),
	})
	if err != nil {
		t.Fatalf("CanAccess failed: %v", err)
	}
	if !ok {
		t.Error("expected project manager to be granted")
	}
}

func TestBoardMemberGranted(t *testing.T) {
	resolver := NewResolver(&fakeFacts{
		memberships: map[string]bool{"board_1|usr_1": true},
	})
	ok, err := resolver.CanAccess(context.Background(), Actor{UserID: "usr_1"}, Side{
		BoardID:   "board_1",
		ProjectID: "proj_1",
	})
	if err != nil {
		t.Fatalf("CanAccess failed: %v", err)
	}
	if !ok {
		t.Error("expected board member to be granted")
	}
}

func TestOutsiderDenied(t *testing.T) {
	resolver := NewResolver(&fakeFacts{})
	ok, err := resolver.CanAccess(context.Background(), Actor{UserID: "usr_1"}, Side{
		BoardID:   "board_1",
		ProjectID: "proj_1",
	})
	if err != nil {
		t.Fatalf("CanAccess failed: %v", err)
	}
	if ok {
		t.Error("expected non-member non-manager to be denied")
	}
}

func TestFactsErrorPropagates(t *testing.T) {
	wantErr := errors.New("store down")
	resolver := NewResolver(&fakeFacts{err: wantErr})
	_, err := resolver.CanMutateLink(context.Background(), Actor{UserID: "usr_1"}, Side{
		BoardID:   "board_1",
		ProjectID: "proj_1",
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected store error to propagate, got %v", err)
	}
}
