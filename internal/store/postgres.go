package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash, is_admin)
		VALUES ($1, $2, LOWER($3), $4, $5)
	`, user.ID, user.Name, user.Email, user.PasswordHash, user.IsAdmin)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, is_admin, created_at
		FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.IsAdmin, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, is_admin, created_at
		FROM users WHERE email=LOWER($1)
	`, email).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.IsAdmin, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// ---------------------------------------------------------------------------
// Refresh sessions and access-token revocation (Postgres fallback when Redis
// is not configured)

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.name, u.email, u.is_admin
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Name, &user.Email, &user.IsAdmin)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ---------------------------------------------------------------------------
// Membership facts

func (s *PostgresStore) IsProjectManager(ctx context.Context, userID, projectID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM project_managers WHERE user_id=$1 AND project_id=$2)
	`, userID, projectID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check project manager: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) HasBoardMembership(ctx context.Context, boardID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM board_memberships WHERE board_id=$1 AND user_id=$2)
	`, boardID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check board membership: %w", err)
	}
	return exists, nil
}

// ---------------------------------------------------------------------------
// Boards and projects

func (s *PostgresStore) GetBoardPath(ctx context.Context, boardID string) (Board, Project, error) {
	const query = `
		SELECT b.id, b.project_id, b.name, b.position, b.created_at,
			p.id, p.name, p.owner_project_manager_id, p.created_at
		FROM boards b
		JOIN projects p ON p.id = b.project_id
		WHERE b.id = $1
	`
	var board Board
	var project Project
	err := s.db.QueryRowContext(ctx, query, boardID).Scan(
		&board.ID, &board.ProjectID, &board.Name, &board.Position, &board.CreatedAt,
		&project.ID, &project.Name, &project.OwnerProjectManagerID, &project.CreatedAt,
	)
	if err != nil {
		return Board{}, Project{}, err
	}
	return board, project, nil
}

// ---------------------------------------------------------------------------
// Cards

const cardColumns = `id, board_id, type, name, description, position, due_date, is_due_completed, stopwatch, is_completed, parent_card_id, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(row rowScanner) (Card, error) {
	var card Card
	var stopwatch []byte
	err := row.Scan(
		&card.ID, &card.BoardID, &card.Type, &card.Name, &card.Description,
		&card.Position, &card.DueDate, &card.IsDueCompleted, &stopwatch,
		&card.IsCompleted, &card.ParentCardID, &card.CreatedAt,
	)
	if err != nil {
		return Card{}, err
	}
	if len(stopwatch) > 0 {
		var sw Stopwatch
		if err := json.Unmarshal(stopwatch, &sw); err != nil {
			return Card{}, fmt.Errorf("decode stopwatch: %w", err)
		}
		card.Stopwatch = &sw
	}
	return card, nil
}

func (s *PostgresStore) GetCard(ctx context.Context, cardID string) (Card, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id=$1`, cardID)
	return scanCard(row)
}

// GetCardPath resolves a card with its owning board and project in one
// round trip. Returns sql.ErrNoRows when any link of the path is missing.
func (s *PostgresStore) GetCardPath(ctx context.Context, cardID string) (CardPath, error) {
	const query = `
		SELECT c.id, c.board_id, c.type, c.name, c.description, c.position,
			c.due_date, c.is_due_completed, c.stopwatch, c.is_completed,
			c.parent_card_id, c.created_at,
			b.id, b.project_id, b.name, b.position, b.created_at,
			p.id, p.name, p.owner_project_manager_id, p.created_at
		FROM cards c
		JOIN boards b ON b.id = c.board_id
		JOIN projects p ON p.id = b.project_id
		WHERE c.id = $1
	`
	var path CardPath
	var stopwatch []byte
	err := s.db.QueryRowContext(ctx, query, cardID).Scan(
		&path.Card.ID, &path.Card.BoardID, &path.Card.Type, &path.Card.Name,
		&path.Card.Description, &path.Card.Position, &path.Card.DueDate,
		&path.Card.IsDueCompleted, &stopwatch, &path.Card.IsCompleted,
		&path.Card.ParentCardID, &path.Card.CreatedAt,
		&path.Board.ID, &path.Board.ProjectID, &path.Board.Name, &path.Board.Position, &path.Board.CreatedAt,
		&path.Project.ID, &path.Project.Name, &path.Project.OwnerProjectManagerID, &path.Project.CreatedAt,
	)
	if err != nil {
		return CardPath{}, err
	}
	if len(stopwatch) > 0 {
		var sw Stopwatch
		if err := json.Unmarshal(stopwatch, &sw); err != nil {
			return CardPath{}, fmt.Errorf("decode stopwatch: %w", err)
		}
		path.Card.Stopwatch = &sw
	}
	return path, nil
}

func (s *PostgresStore) ListCardsByParentAndType(ctx context.Context, parentCardID, cardType string) ([]Card, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cardColumns+`
		FROM cards
		WHERE parent_card_id=$1 AND type=$2
		ORDER BY created_at ASC
	`, parentCardID, cardType)
	if err != nil {
		return nil, fmt.Errorf("list cards by parent: %w", err)
	}
	defer rows.Close()

	items := make([]Card, 0)
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		items = append(items, card)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cards: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListEpicsByBoard(ctx context.Context, boardID string) ([]Card, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cardColumns+`
		FROM cards
		WHERE board_id=$1 AND type=$2
		ORDER BY position ASC, created_at ASC
	`, boardID, CardTypeEpic)
	if err != nil {
		return nil, fmt.Errorf("list epics: %w", err)
	}
	defer rows.Close()

	items := make([]Card, 0)
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan epic: %w", err)
		}
		items = append(items, card)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate epics: %w", err)
	}
	return items, nil
}

// LinkCardToParent sets parent_card_id with a compare-and-set on the current
// NULL state, so two concurrent link calls cannot both succeed. Returns
// sql.ErrNoRows when the card is gone or already linked.
func (s *PostgresStore) LinkCardToParent(ctx context.Context, cardID, parentCardID string) (Card, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE cards SET parent_card_id=$2
		WHERE id=$1 AND parent_card_id IS NULL
		RETURNING `+cardColumns, cardID, parentCardID)
	return scanCard(row)
}

// UnlinkCard clears parent_card_id, guarded the same way as LinkCardToParent.
func (s *PostgresStore) UnlinkCard(ctx context.Context, cardID string) (Card, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE cards SET parent_card_id=NULL
		WHERE id=$1 AND parent_card_id IS NOT NULL
		RETURNING `+cardColumns, cardID)
	return scanCard(row)
}

// UpdateCard applies a partial update and returns the updated card. An empty
// patch reads the card back unchanged.
func (s *PostgresStore) UpdateCard(ctx context.Context, cardID string, patch CardPatch) (Card, error) {
	sets := make([]string, 0, 8)
	args := []any{cardID}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d", column, len(args)))
	}

	if patch.Position != nil {
		add("position", *patch.Position)
	}
	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.ClearDescription {
		sets = append(sets, "description=NULL")
	} else if patch.Description != nil {
		add("description", *patch.Description)
	}
	if patch.ClearDueDate {
		sets = append(sets, "due_date=NULL")
	} else if patch.DueDate != nil {
		add("due_date", *patch.DueDate)
	}
	if patch.IsDueCompleted != nil {
		add("is_due_completed", *patch.IsDueCompleted)
	}
	if patch.ClearStopwatch {
		sets = append(sets, "stopwatch=NULL")
	} else if patch.Stopwatch != nil {
		encoded, err := json.Marshal(patch.Stopwatch)
		if err != nil {
			return Card{}, fmt.Errorf("encode stopwatch: %w", err)
		}
		add("stopwatch", encoded)
	}
	if patch.IsCompleted != nil {
		add("is_completed", *patch.IsCompleted)
	}

	if len(sets) == 0 {
		return s.GetCard(ctx, cardID)
	}

	query := fmt.Sprintf(`UPDATE cards SET %s WHERE id=$1 RETURNING %s`, strings.Join(sets, ", "), cardColumns)
	card, err := scanCard(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Card{}, err
		}
		return Card{}, fmt.Errorf("update card: %w", err)
	}
	return card, nil
}
