package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mahmoudgadmostafa/al-madrasa/internal/auth"
	"github.com/mahmoudgadmostafa/al-madrasa/internal/crypto"
	"github.com/mahmoudgadmostafa/al-madrasa/internal/model"
	"github.com/mahmoudgadmostafa/al-madrasa/internal/store"
)

type loginRequest struct {
	Identifier string `json:"identifier" validate:"required"`
	Password   string `json:"password" validate:"required"`
}

type loginResponse struct {
	Token        string            `json:"token"`
	RefreshToken string            `json:"refreshToken"`
	ExpiresIn    int64             `json:"expiresIn"`
	Route        string            `json:"route"`
	User         model.UserProfile `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	_, result, err := s.registry.Login(r.Context(), req.Identifier, req.Password)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	token, err := s.issueAccessToken(result.User)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	refreshToken, err := s.issueRefreshSession(r, result.User.UID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:        token,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.cfg.Auth.AccessTokenTTL.Seconds()),
		Route:        result.Route,
		User:         result.User,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	hash := crypto.HashToken(req.RefreshToken)
	doc, err := s.store.Get(r.Context(), model.CollectionRefreshSessions, hash)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_refresh_token")
		return
	}
	var rs model.RefreshSession
	if err := model.FromDoc(doc.Data, &rs); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_refresh_token")
		return
	}
	now := time.Now().UTC()
	if rs.RevokedAt != nil || now.After(rs.ExpiresAt.Time) {
		writeError(w, http.StatusUnauthorized, "invalid_refresh_token")
		return
	}

	profile, err := s.loadProfile(r.Context(), rs.UID)
	if err != nil {
		// No role-bearing profile anymore: burn the session.
		_ = s.revokeRefreshSession(r.Context(), hash)
		writeError(w, http.StatusUnauthorized, "session_expired")
		return
	}

	token, err := s.issueAccessToken(profile)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	// Rotate: the presented token is revoked and replaced atomically.
	newToken, err := crypto.NewRefreshToken()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	newDoc, err := model.ToDoc(s.newRefreshSession(r, rs.UID))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	revoked := model.Now()
	ops := []store.Op{
		store.MergeOp(model.CollectionRefreshSessions, hash, map[string]any{"revokedAt": revoked}),
		store.SetOp(model.CollectionRefreshSessions, crypto.HashToken(newToken), newDoc),
	}
	if err := s.store.Batch(r.Context(), ops); err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:        token,
		RefreshToken: newToken,
		ExpiresIn:    int64(s.cfg.Auth.AccessTokenTTL.Seconds()),
		Route:        profile.LandingRoute(),
		User:         profile,
	})
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	var req logoutRequest
	// The body is optional; a bare logout still clears the session.
	_ = decodeJSON(r, &req)
	if req.RefreshToken != "" {
		if err := s.revokeRefreshSession(r.Context(), crypto.HashToken(req.RefreshToken)); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.writeDomainError(w, err)
			return
		}
	}
	if err := s.registry.Logout(r.Context(), claims.UserID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	// The bearer token itself dies with the session.
	s.revokeAccessTokens(r.Context(), claims.UserID)
	w.WriteHeader(http.StatusNoContent)
}

type meResponse struct {
	State string            `json:"state"`
	Route string            `json:"route"`
	User  model.UserProfile `json:"user"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	profile, err := s.viewer(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		State: "authenticated",
		Route: profile.LandingRoute(),
		User:  profile,
	})
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	var partial map[string]any
	if err := decodeJSON(r, &partial); err != nil || len(partial) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	// Identity-bearing fields never change through this endpoint.
	for _, field := range []string{"uid", "role", "email", "createdAt"} {
		delete(partial, field)
	}
	if len(partial) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	if mgr, ok := s.registry.Get(claims.UserID); ok {
		if err := mgr.UpdateProfile(r.Context(), partial); err != nil {
			s.writeDomainError(w, err)
			return
		}
	} else if err := s.store.Set(r.Context(), model.CollectionUsers, claims.UserID, partial, true); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type updateEmailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

func (s *Server) handleUpdateEmail(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	var req updateEmailRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_email")
		return
	}

	if mgr, ok := s.registry.Get(claims.UserID); ok {
		if err := mgr.UpdateEmail(r.Context(), req.Email); err != nil {
			s.writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	// No live session: the provider freshness check fails and forces a
	// fresh login, which is exactly the sensitive-operation contract.
	if err := s.provider.UpdateEmail(r.Context(), claims.UserID, req.Email); err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.store.Set(r.Context(), model.CollectionUsers, claims.UserID, map[string]any{"email": req.Email}, true); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type updatePasswordRequest struct {
	Password string `json:"password" validate:"required,min=6"`
}

func (s *Server) handleUpdatePassword(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	var req updatePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "weak_password")
		return
	}

	var err error
	if mgr, ok := s.registry.Get(claims.UserID); ok {
		err = mgr.UpdatePassword(r.Context(), req.Password)
	} else {
		err = s.provider.UpdatePassword(r.Context(), claims.UserID, req.Password)
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Token helpers

func (s *Server) issueAccessToken(profile model.UserProfile) (string, error) {
	return auth.NewAccessToken(s.cfg.Auth.JWTSecret, s.cfg.Auth.JWTIssuer, s.cfg.Auth.AccessTokenTTL, auth.Claims{
		UserID:  profile.UID,
		Role:    profile.Role,
		StageID: profile.StageID,
	})
}

func (s *Server) newRefreshSession(r *http.Request, uid string) model.RefreshSession {
	now := model.Now()
	return model.RefreshSession{
		UID:       uid,
		CreatedAt: now,
		ExpiresAt: model.NewTime(now.Add(s.cfg.Auth.RefreshTokenTTL)),
		UserAgent: r.UserAgent(),
		IPAddress: r.RemoteAddr,
	}
}

func (s *Server) issueRefreshSession(r *http.Request, uid string) (string, error) {
	token, err := crypto.NewRefreshToken()
	if err != nil {
		return "", err
	}
	doc, err := model.ToDoc(s.newRefreshSession(r, uid))
	if err != nil {
		return "", err
	}
	if err := s.store.Set(r.Context(), model.CollectionRefreshSessions, crypto.HashToken(token), doc, false); err != nil {
		return "", err
	}
	return token, nil
}

func (s *Server) revokeRefreshSession(ctx context.Context, hash string) error {
	if _, err := s.store.Get(ctx, model.CollectionRefreshSessions, hash); err != nil {
		return err
	}
	return s.store.Set(ctx, model.CollectionRefreshSessions, hash, map[string]any{"revokedAt": model.Now()}, true)
}

func (s *Server) loadProfile(ctx context.Context, uid string) (model.UserProfile, error) {
	doc, err := s.store.Get(ctx, model.CollectionUsers, uid)
	if err != nil {
		return model.UserProfile{}, err
	}
	var profile model.UserProfile
	if err := model.FromDoc(doc.Data, &profile); err != nil {
		return model.UserProfile{}, err
	}
	profile.UID = uid
	if !profile.HasRole() {
		return model.UserProfile{}, errors.New("profile has no role")
	}
	return profile, nil
}
