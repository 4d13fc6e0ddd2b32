package app

import (
	"context"
	"time"

	"corkboard/api/internal/auth"
	"corkboard/api/internal/authpw"
	"corkboard/api/internal/authz"
	"corkboard/api/internal/config"
	"corkboard/api/internal/store"
	"corkboard/api/internal/util"
)

// Session is the resolved actor of a request. It is passed explicitly to
// every service call that makes an authorization decision.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	IsAdmin      bool
	JTI          string
	ExpiresAt    time.Time
}

func (s Session) actor() authz.Actor {
	return authz.Actor{UserID: s.UserID, IsAdmin: s.IsAdmin}
}

// dataStore is the persistence surface the service needs. Implemented by
// store.PostgresStore; faked in tests.
type dataStore interface {
	// users
	CreateUser(ctx context.Context, user store.User) error
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)

	// access-token revocation
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)

	// membership facts (authz.Facts)
	IsProjectManager(ctx context.Context, userID, projectID string) (bool, error)
	HasBoardMembership(ctx context.Context, boardID, userID string) (bool, error)

	// boards and cards
	GetBoardPath(ctx context.Context, boardID string) (store.Board, store.Project, error)
	GetCard(ctx context.Context, cardID string) (store.Card, error)
	GetCardPath(ctx context.Context, cardID string) (store.CardPath, error)
	ListCardsByParentAndType(ctx context.Context, parentCardID, cardType string) ([]store.Card, error)
	ListEpicsByBoard(ctx context.Context, boardID string) ([]store.Card, error)
	LinkCardToParent(ctx context.Context, cardID, parentCardID string) (store.Card, error)
	UnlinkCard(ctx context.Context, cardID string) (store.Card, error)
	UpdateCard(ctx context.Context, cardID string, patch store.CardPatch) (store.Card, error)

	// refresh sessions (Postgres fallback)
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error

	Ping(ctx context.Context) error
}

// SessionStore abstracts refresh-token storage so Redis and the Postgres
// fallback are interchangeable.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// Notifier fans out change events after a successful mutation.
type Notifier interface {
	CardUpdate(boardIDs []string, card any)
}

type noopNotifier struct{}

func (noopNotifier) CardUpdate([]string, any) {}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions SessionStore
	authz    *authz.Resolver
	notifier Notifier
	authpw   *authpw.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore, notifier Notifier) *Service {
	service := newService(cfg, dataStore, notifier)
	service.sessions = pgSessions{store: dataStore}
	return service
}

// NewWithSessionStore uses an external (Redis) refresh-token store instead
// of the Postgres fallback.
func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions SessionStore, notifier Notifier) *Service {
	service := newService(cfg, dataStore, notifier)
	service.sessions = sessions
	return service
}

func newService(cfg config.Config, dataStore *store.PostgresStore, notifier Notifier) *Service {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		authz:    authz.NewResolver(dataStore),
		notifier: notifier,
		authpw:   authpw.NewService(dataStore),
	}
}

// pgSessions adapts the dataStore refresh-session methods to the
// SessionStore interface (only the user id is persisted; lookup joins
// the users table).
type pgSessions struct {
	store dataStore
}

func (p pgSessions) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	return p.store.SaveRefreshSession(ctx, tokenHash, user.ID, expiresAt)
}

func (p pgSessions) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	return p.store.LookupRefreshSession(ctx, tokenHash)
}

func (p pgSessions) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	return p.store.RevokeRefreshSession(ctx, tokenHash)
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// CreateSession issues an access token and a refresh token for the user.
func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	// Rotate: the presented refresh token is single-use.
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.Name,
		Admin: user.IsAdmin,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Name,
		IsAdmin:      user.IsAdmin,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Name,
		IsAdmin:   user.IsAdmin,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}
