package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"approvalflow/api/internal/auth"
	"approvalflow/api/internal/store"
	"approvalflow/api/internal/util"
)

// Session is the authenticated caller attached to every request.
type Session struct {
	UserID   string
	UserName string
	JTI      string
	Exp      int64
}

// TokenPair is what login and refresh hand back to the client.
type TokenPair struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	UserID       string    `json:"userId"`
	UserName     string    `json:"userName"`
}

// Login signs a user in by display name, creating the user on first login.
func (s *Service) Login(ctx context.Context, name string) (TokenPair, error) {
	if name == "" {
		return TokenPair{}, validationError("Name is required", nil)
	}
	user, err := s.store.EnsureUserByName(ctx, name)
	if err != nil {
		return TokenPair{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh exchanges a refresh token for a new token pair. The old refresh
// token is revoked so each token is single use.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	if refreshToken == "" {
		return TokenPair{}, forbiddenError("Refresh token is required")
	}
	hash := auth.HashToken([]byte(s.cfg.JWTSecret), refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, hash)
	if err != nil {
		return TokenPair{}, forbiddenError("Invalid refresh token")
	}
	if err := s.sessions.RevokeRefreshSession(ctx, hash); err != nil {
		return TokenPair{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return TokenPair{}, forbiddenError("Invalid refresh token")
	}
	return s.issueSession(ctx, user)
}

// Logout revokes both halves of the session.
func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if refreshToken != "" {
		hash := auth.HashToken([]byte(s.cfg.JWTSecret), refreshToken)
		if err := s.sessions.RevokeRefreshSession(ctx, hash); err != nil {
			return err
		}
	}
	return s.store.RevokeAccessToken(ctx, session.JTI, time.Unix(session.Exp, 0))
}

// SessionFromToken validates an access token and checks it was not revoked.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			return Session{}, forbiddenError("Token expired")
		}
		return Session{}, forbiddenError("Invalid token")
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, forbiddenError("Token revoked")
	}
	return Session{UserID: claims.Sub, UserName: claims.Name, JTI: claims.JTI, Exp: claims.Exp}, nil
}

func (s *Service) issueSession(ctx context.Context, user store.User) (TokenPair, error) {
	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	accessToken, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  util.NewID("jti"),
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue access token: %w", err)
	}

	refreshToken := util.NewID("rft")
	hash := auth.HashToken([]byte(s.cfg.JWTSecret), refreshToken)
	if err := s.sessions.SaveRefreshSession(ctx, hash, user.ID, time.Now().Add(s.cfg.RefreshTTL)); err != nil {
		return TokenPair{}, fmt.Errorf("save refresh session: %w", err)
	}

	return TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
		UserID:       user.ID,
		UserName:     user.DisplayName,
	}, nil
}
