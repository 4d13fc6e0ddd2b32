package store

import "time"

type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	IsAdmin      bool
	CreatedAt    time.Time
}

type Project struct {
	ID   string
	Name string
	// OwnerProjectManagerID marks the project as privately owned. When set,
	// global administrators no longer bypass membership checks for it.
	OwnerProjectManagerID *string
	CreatedAt             time.Time
}

type Board struct {
	ID        string
	ProjectID string
	Name      string
	Position  float64
	CreatedAt time.Time
}

type BoardMembership struct {
	ID        string
	BoardID   string
	UserID    string
	Role      string
	CreatedAt time.Time
}

type ProjectManager struct {
	ID        string
	ProjectID string
	UserID    string
	CreatedAt time.Time
}

// Card types that participate in the epic hierarchy. The cards table also
// holds plain kanban cards whose type is none of these.
const (
	CardTypeEpic    = "epic"
	CardTypeProject = "project"
	CardTypeStory   = "story"
)

// Stopwatch is the structured timer state carried by a card. StartedAt is
// nil while the stopwatch is paused; Total accumulates elapsed seconds.
type Stopwatch struct {
	StartedAt *time.Time `json:"startedAt"`
	Total     int        `json:"total"`
}

type Card struct {
	ID             string
	BoardID        string
	Type           string
	Name           string
	Description    *string
	Position       float64
	DueDate        *time.Time
	IsDueCompleted bool
	Stopwatch      *Stopwatch
	IsCompleted    bool
	ParentCardID   *string
	CreatedAt      time.Time
}

// CardPath resolves a card together with its owning board and project,
// which every authorization decision needs.
type CardPath struct {
	Card    Card
	Board   Board
	Project Project
}

// CardPatch lists the epic fields an update may touch. Pointer fields are
// applied when non-nil; the Clear flags set the column to NULL (the wire
// format distinguishes "absent" from "explicit null").
type CardPatch struct {
	Position         *float64
	Name             *string
	Description      *string
	ClearDescription bool
	DueDate          *time.Time
	ClearDueDate     bool
	IsDueCompleted   *bool
	Stopwatch        *Stopwatch
	ClearStopwatch   bool
	IsCompleted      *bool
}
