package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"corkboard/api/internal/authz"
	"corkboard/api/internal/store"
)

// linkCodes carries the per-child-kind error vocabulary, so project- and
// story-linking share one engine while surfacing distinct codes.
type linkCodes struct {
	kind          string
	notFound      string
	invalidType   string
	alreadyLinked string
	notLinked     string
}

var projectCodes = linkCodes{
	kind:          store.CardTypeProject,
	notFound:      "PROJECT_NOT_FOUND",
	invalidType:   "INVALID_PROJECT_TYPE",
	alreadyLinked: "PROJECT_ALREADY_LINKED",
	notLinked:     "PROJECT_NOT_LINKED",
}

var storyCodes = linkCodes{
	kind:          store.CardTypeStory,
	notFound:      "STORY_NOT_FOUND",
	invalidType:   "INVALID_STORY_TYPE",
	alreadyLinked: "STORY_ALREADY_LINKED",
	notLinked:     "STORY_NOT_LINKED",
}

func sideOf(board store.Board, project store.Project) authz.Side {
	return authz.Side{
		BoardID:               board.ID,
		ProjectID:             project.ID,
		OwnerProjectManagerID: project.OwnerProjectManagerID,
	}
}

func cardPayload(card store.Card) map[string]any {
	payload := map[string]any{
		"id":             card.ID,
		"boardId":        card.BoardID,
		"type":           card.Type,
		"name":           card.Name,
		"description":    card.Description,
		"position":       card.Position,
		"dueDate":        card.DueDate,
		"isDueCompleted": card.IsDueCompleted,
		"stopwatch":      card.Stopwatch,
		"isCompleted":    card.IsCompleted,
		"parentCardId":   card.ParentCardID,
		"createdAt":      card.CreatedAt,
	}
	return payload
}

func cardListPayload(cards []store.Card) []map[string]any {
	items := make([]map[string]any, 0, len(cards))
	for _, card := range cards {
		items = append(items, cardPayload(card))
	}
	return items
}

// ---------------------------------------------------------------------------
// Query service

// ListBoardEpics returns every epic on the board annotated with its linked
// stories, storyCount and completedStoryCount. The roll-up is recomputed on
// every call.
//
// An actor without rights on the board gets BOARD_NOT_FOUND rather than a
// forbidden answer: the board's existence is not revealed.
func (s *Service) ListBoardEpics(ctx context.Context, session Session, boardID string) (map[string]any, error) {
	board, project, err := s.store.GetBoardPath(ctx, boardID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "BOARD_NOT_FOUND", "Board not found", nil)
	}
	if err != nil {
		return nil, err
	}

	allowed, err := s.authz.CanAccess(ctx, session.actor(), sideOf(board, project))
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, domainError(http.StatusNotFound, "BOARD_NOT_FOUND", "Board not found", nil)
	}

	epics, err := s.store.ListEpicsByBoard(ctx, board.ID)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(epics))
	for _, epic := range epics {
		stories, err := s.store.ListCardsByParentAndType(ctx, epic.ID, store.CardTypeStory)
		if err != nil {
			return nil, err
		}
		completed := 0
		for _, story := range stories {
			if story.IsCompleted {
				completed++
			}
		}
		item := cardPayload(epic)
		item["stories"] = cardListPayload(stories)
		item["storyCount"] = len(stories)
		item["completedStoryCount"] = completed
		items = append(items, item)
	}

	return map[string]any{"items": items}, nil
}

// ListEpicProjects returns the project cards linked to the epic. The check
// runs against the epic's side only; linked children may live on boards the
// actor is no member of. A denied actor gets EPIC_NOT_FOUND.
func (s *Service) ListEpicProjects(ctx context.Context, session Session, epicID string) (map[string]any, error) {
	path, err := s.store.GetCardPath(ctx, epicID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "EPIC_NOT_FOUND", "Epic not found", nil)
	}
	if err != nil {
		return nil, err
	}
	if path.Card.Type != store.CardTypeEpic {
		return nil, domainError(http.StatusNotFound, "EPIC_NOT_FOUND", "Epic not found", nil)
	}

	allowed, err := s.authz.CanAccess(ctx, session.actor(), sideOf(path.Board, path.Project))
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, domainError(http.StatusNotFound, "EPIC_NOT_FOUND", "Epic not found", nil)
	}

	projects, err := s.store.ListCardsByParentAndType(ctx, path.Card.ID, store.CardTypeProject)
	if err != nil {
		return nil, err
	}
	return map[string]any{"items": cardListPayload(projects)}, nil
}

// FilterByEpic returns the epic's children partitioned into projects and
// stories, each ordered by creation time. Unlike ListEpicProjects the epic's
// existence is confirmed before authorization, so a denied actor gets
// FORBIDDEN here, not a not-found.
func (s *Service) FilterByEpic(ctx context.Context, session Session, epicID string) (map[string]any, error) {
	path, err := s.store.GetCardPath(ctx, epicID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "EPIC_NOT_FOUND", "Epic not found", nil)
	}
	if err != nil {
		return nil, err
	}
	if path.Card.Type != store.CardTypeEpic {
		return nil, domainError(http.StatusNotFound, "EPIC_NOT_FOUND", "Epic not found", nil)
	}

	allowed, err := s.authz.CanAccess(ctx, session.actor(), sideOf(path.Board, path.Project))
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Access denied", nil)
	}

	projects, err := s.store.ListCardsByParentAndType(ctx, path.Card.ID, store.CardTypeProject)
	if err != nil {
		return nil, err
	}
	stories, err := s.store.ListCardsByParentAndType(ctx, path.Card.ID, store.CardTypeStory)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"epic": map[string]any{
			"id":          path.Card.ID,
			"name":        path.Card.Name,
			"description": path.Card.Description,
		},
		"cards": map[string]any{
			"projects": cardListPayload(projects),
			"stories":  cardListPayload(stories),
			"total":    len(projects) + len(stories),
		},
	}, nil
}

// ---------------------------------------------------------------------------
// Hierarchy mutation engine

func (s *Service) LinkProject(ctx context.Context, session Session, epicID, projectID string) (map[string]any, error) {
	return s.linkChild(ctx, session, epicID, projectID, projectCodes)
}

func (s *Service) LinkStory(ctx context.Context, session Session, epicID, storyID string) (map[string]any, error) {
	return s.linkChild(ctx, session, epicID, storyID, storyCodes)
}

// linkChild attaches a child card to an epic. Preconditions run strictly
// before the write: epic exists and is an epic, child exists, child has the
// expected type, child is not already linked, and the actor holds mutation
// rights on BOTH sides: a link spanning two boards requires rights on each.
func (s *Service) linkChild(ctx context.Context, session Session, epicID, childID string, codes linkCodes) (map[string]any, error) {
	epicPath, err := s.store.GetCardPath(ctx, epicID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "EPIC_NOT_FOUND", "Epic not found", nil)
	}
	if err != nil {
		return nil, err
	}
	if epicPath.Card.Type != store.CardTypeEpic {
		return nil, domainError(http.StatusNotFound, "EPIC_NOT_FOUND", "Epic not found", nil)
	}

	childPath, err := s.store.GetCardPath(ctx, childID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, codes.notFound, childLabel(codes)+" not found", nil)
	}
	if err != nil {
		return nil, err
	}
	if childPath.Card.Type != codes.kind {
		return nil, domainError(http.StatusUnprocessableEntity, codes.invalidType,
			fmt.Sprintf("Card must be of type %s to link to an epic", codes.kind), nil)
	}
	if childPath.Card.ParentCardID != nil {
		return nil, domainError(http.StatusConflict, codes.alreadyLinked,
			childLabel(codes)+" is already linked to an epic", nil)
	}

	// Both sides are authorized independently.
	actor := session.actor()
	for _, side := range []authz.Side{
		sideOf(epicPath.Board, epicPath.Project),
		sideOf(childPath.Board, childPath.Project),
	} {
		allowed, err := s.authz.CanMutateLink(ctx, actor, side)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, domainError(http.StatusForbidden, "NOT_ENOUGH_RIGHTS", "Not enough rights", nil)
		}
	}

	updated, err := s.store.LinkCardToParent(ctx, childPath.Card.ID, epicPath.Card.ID)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the race against a concurrent link.
		return nil, domainError(http.StatusConflict, codes.alreadyLinked,
			childLabel(codes)+" is already linked to an epic", nil)
	}
	if err != nil {
		return nil, err
	}

	s.notifier.CardUpdate([]string{epicPath.Board.ID, childPath.Board.ID}, cardPayload(updated))

	return map[string]any{"item": cardPayload(updated)}, nil
}

func (s *Service) UnlinkProject(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	return s.unlinkChild(ctx, session, projectID, projectCodes)
}

func (s *Service) UnlinkStory(ctx context.Context, session Session, storyID string) (map[string]any, error) {
	return s.unlinkChild(ctx, session, storyID, storyCodes)
}

// unlinkChild detaches a child card from its epic. Authorization runs
// against the child's side only; the epic's side is read to address its
// board afterwards but is deliberately not permission-gated. Detaching
// requires rights over what is being detached, nothing more.
func (s *Service) unlinkChild(ctx context.Context, session Session, childID string, codes linkCodes) (map[string]any, error) {
	childPath, err := s.store.GetCardPath(ctx, childID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, codes.notFound, childLabel(codes)+" not found", nil)
	}
	if err != nil {
		return nil, err
	}
	if childPath.Card.ParentCardID == nil {
		return nil, domainError(http.StatusUnprocessableEntity, codes.notLinked,
			childLabel(codes)+" is not linked to an epic", nil)
	}

	allowed, err := s.authz.CanMutateLink(ctx, session.actor(), sideOf(childPath.Board, childPath.Project))
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, domainError(http.StatusForbidden, "NOT_ENOUGH_RIGHTS", "Not enough rights", nil)
	}

	epic, err := s.store.GetCard(ctx, *childPath.Card.ParentCardID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	updated, err := s.store.UnlinkCard(ctx, childPath.Card.ID)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the race against a concurrent unlink (or the parent cascade).
		return nil, domainError(http.StatusUnprocessableEntity, codes.notLinked,
			childLabel(codes)+" is not linked to an epic", nil)
	}
	if err != nil {
		return nil, err
	}

	boards := []string{childPath.Board.ID}
	if epic.ID != "" {
		boards = append(boards, epic.BoardID)
	}
	s.notifier.CardUpdate(boards, cardPayload(updated))

	return map[string]any{"item": cardPayload(updated)}, nil
}

func childLabel(codes linkCodes) string {
	if codes.kind == store.CardTypeStory {
		return "Story"
	}
	return "Project"
}

// ---------------------------------------------------------------------------
// Epic update

const (
	maxEpicNameLength        = 1024
	maxEpicDescriptionLength = 1 << 20
)

// UpdateEpicInput distinguishes absent fields (nil RawMessage / nil pointer)
// from explicit JSON nulls for the nullable columns.
type UpdateEpicInput struct {
	Position       *float64        `json:"position"`
	Name           *string         `json:"name"`
	Description    json.RawMessage `json:"description"`
	DueDate        json.RawMessage `json:"dueDate"`
	IsDueCompleted *bool           `json:"isDueCompleted"`
	Stopwatch      json.RawMessage `json:"stopwatch"`
	IsCompleted    *bool           `json:"isCompleted"`
}

func (s *Service) UpdateEpic(ctx context.Context, session Session, epicID string, input UpdateEpicInput) (map[string]any, error) {
	path, err := s.store.GetCardPath(ctx, epicID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "EPIC_NOT_FOUND", "Epic not found", nil)
	}
	if err != nil {
		return nil, err
	}
	if path.Card.Type != store.CardTypeEpic {
		return nil, domainError(http.StatusNotFound, "EPIC_NOT_FOUND", "Epic not found", nil)
	}

	allowed, err := s.authz.CanMutateLink(ctx, session.actor(), sideOf(path.Board, path.Project))
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, domainError(http.StatusForbidden, "NOT_ENOUGH_RIGHTS", "Not enough rights", nil)
	}

	patch, err := epicPatch(input)
	if err != nil {
		return nil, err
	}

	updated, err := s.store.UpdateCard(ctx, path.Card.ID, patch)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "EPIC_NOT_FOUND", "Epic not found", nil)
	}
	if err != nil {
		return nil, err
	}

	s.notifier.CardUpdate([]string{path.Board.ID}, cardPayload(updated))

	return map[string]any{"item": cardPayload(updated)}, nil
}

func epicPatch(input UpdateEpicInput) (store.CardPatch, error) {
	var patch store.CardPatch

	if input.Position != nil {
		if *input.Position < 0 {
			return store.CardPatch{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "position must not be negative", nil)
		}
		patch.Position = input.Position
	}
	if input.Name != nil {
		if *input.Name == "" || len(*input.Name) > maxEpicNameLength {
			return store.CardPatch{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name must be 1-1024 characters", nil)
		}
		patch.Name = input.Name
	}

	if len(input.Description) > 0 {
		if isJSONNull(input.Description) {
			patch.ClearDescription = true
		} else {
			var description string
			if err := json.Unmarshal(input.Description, &description); err != nil {
				return store.CardPatch{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "description must be a string or null", nil)
			}
			if description == "" || len(description) > maxEpicDescriptionLength {
				return store.CardPatch{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "description must be a non-empty string of at most 1 MiB", nil)
			}
			patch.Description = &description
		}
	}

	if len(input.DueDate) > 0 {
		if isJSONNull(input.DueDate) {
			patch.ClearDueDate = true
		} else {
			var raw string
			if err := json.Unmarshal(input.DueDate, &raw); err != nil {
				return store.CardPatch{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "dueDate must be an RFC3339 timestamp or null", nil)
			}
			dueDate, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return store.CardPatch{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "dueDate must be an RFC3339 timestamp or null", nil)
			}
			patch.DueDate = &dueDate
		}
	}

	if input.IsDueCompleted != nil {
		patch.IsDueCompleted = input.IsDueCompleted
	}

	if len(input.Stopwatch) > 0 {
		if isJSONNull(input.Stopwatch) {
			patch.ClearStopwatch = true
		} else {
			var stopwatch store.Stopwatch
			if err := json.Unmarshal(input.Stopwatch, &stopwatch); err != nil {
				return store.CardPatch{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "stopwatch must be {startedAt, total} or null", nil)
			}
			if stopwatch.Total < 0 {
				return store.CardPatch{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "stopwatch total must not be negative", nil)
			}
			patch.Stopwatch = &stopwatch
		}
	}

	if input.IsCompleted != nil {
		patch.IsCompleted = input.IsCompleted
	}

	return patch, nil
}

func isJSONNull(raw json.RawMessage) bool {
	return string(raw) == "null"
}
