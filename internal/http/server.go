package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mahmoudgadmostafa/al-madrasa/internal/auth"
	"github.com/mahmoudgadmostafa/al-madrasa/internal/chat"
	"github.com/mahmoudgadmostafa/al-madrasa/internal/config"
	"github.com/mahmoudgadmostafa/al-madrasa/internal/identity"
	"github.com/mahmoudgadmostafa/al-madrasa/internal/logger"
	"github.com/mahmoudgadmostafa/al-madrasa/internal/model"
	"github.com/mahmoudgadmostafa/al-madrasa/internal/notify"
	"github.com/mahmoudgadmostafa/al-madrasa/internal/session"
	"github.com/mahmoudgadmostafa/al-madrasa/internal/store"
)

type Server struct {
	cfg      config.Config
	log      *logger.Logger
	store    store.Store
	provider identity.Provider
	registry *session.Registry
	revoker  auth.Revoker
	notify   *notify.Service
	chats    *chat.Service
	validate *validator.Validate
}

func NewServer(cfg config.Config, log *logger.Logger, st store.Store, provider identity.Provider, registry *session.Registry, revoker auth.Revoker, notifySvc *notify.Service, chatSvc *chat.Service) *Server {
	return &Server{
		cfg:      cfg,
		log:      log,
		store:    st,
		provider: provider,
		registry: registry,
		revoker:  revoker,
		notify:   notifySvc,
		chats:    chatSvc,
		validate: validator.New(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/refresh", s.handleRefresh)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/auth/logout", s.handleLogout)
		r.Get("/auth/me", s.handleMe)
		r.Patch("/auth/profile", s.handleUpdateProfile)
		r.Put("/auth/email", s.handleUpdateEmail)
		r.Put("/auth/password", s.handleUpdatePassword)

		r.Get("/notifications", s.handleListNotifications)
		r.Get("/notifications/stream", s.handleStreamNotifications)
		r.Post("/notifications", s.handleSendNotification)
		r.Post("/notifications/{notificationId}/read", s.handleMarkNotificationRead)
		r.Post("/notifications/read-all", s.handleMarkAllNotificationsRead)
		r.With(s.requireAdmin).Delete("/notifications/{notificationId}", s.handleDeleteNotification)

		r.Get("/chats", s.handleListChats)
		r.Get("/chats/stream", s.handleStreamChats)
		r.Post("/chats", s.handleCreateChat)
		r.Get("/chats/{chatId}", s.handleOpenChat)
		r.Get("/chats/{chatId}/messages", s.handleListMessages)
		r.Get("/chats/{chatId}/messages/stream", s.handleStreamMessages)
		r.Post("/chats/{chatId}/messages", s.handleSendMessage)
		r.Post("/chats/{chatId}/read", s.handleMarkChatRead)
		r.With(s.requireAdmin).Patch("/chats/{chatId}/messages/{messageId}", s.handleEditMessage)
		r.With(s.requireAdmin).Delete("/chats/{chatId}/messages/{messageId}", s.handleDeleteMessage)
		r.With(s.requireAdmin).Delete("/chats/{chatId}", s.handleDeleteChat)

		r.Get("/settings", s.handleGetSettings)
		r.With(s.requireAdmin).Put("/settings", s.handlePutSettings)
		r.Get("/curriculum/{stageId}", s.handleGetCurriculum)
		r.With(s.requireAdmin).Put("/curriculum/{stageId}", s.handlePutCurriculum)
		r.Get("/subjects", s.handleListSubjects)
		r.With(s.requireAdmin).Post("/subjects", s.handleCreateSubject)
		r.With(s.requireAdmin).Delete("/subjects/{subjectId}", s.handleDeleteSubject)
		r.Get("/subject-assignments", s.handleListSubjectAssignments)
		r.With(s.requireAdmin).Post("/subject-assignments", s.handleCreateSubjectAssignment)
		r.With(s.requireAdmin).Delete("/subject-assignments/{assignmentId}", s.handleDeleteSubjectAssignment)
		r.Get("/classrooms", s.handleListClassrooms)
		r.Post("/classrooms", s.handleCreateClassroom)
		r.Put("/classrooms/{classroomId}", s.handleUpdateClassroom)
		r.Delete("/classrooms/{classroomId}", s.handleDeleteClassroom)

		r.With(s.requireAdmin).Post("/admin/users", s.handleCreateUser)
		r.With(s.requireAdmin).Get("/admin/users", s.handleListUsers)
		r.With(s.requireAdmin).Patch("/admin/users/{userId}", s.handleUpdateUser)
		r.With(s.requireAdmin).Delete("/admin/users/{userId}", s.handleDeleteUser)
	})

	return r
}

// Auth

type claimsKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := auth.ParseToken(s.cfg.Auth.JWTSecret, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		// Logout and defensive sign-out land the uid on the revocation
		// list; tokens issued before that moment are dead regardless of
		// their remaining lifetime.
		if claims.IssuedAt != nil {
			revoked, err := s.revoker.Revoked(r.Context(), claims.UserID, claims.IssuedAt.Time)
			if err != nil {
				s.log.Error("revocation check failed", "uid", claims.UserID, "error", err)
			} else if revoked {
				writeError(w, http.StatusUnauthorized, "session_expired")
				return
			}
		}
		// A live session manager that resolved to unauthenticated (role
		// removed, profile deleted) overrides a still-valid token.
		if mgr, ok := s.registry.Get(claims.UserID); ok {
			if snap := mgr.Snapshot(); snap.State == session.StateUnauthenticated {
				s.registry.Evict(claims.UserID)
				s.revokeAccessTokens(r.Context(), claims.UserID)
				writeError(w, http.StatusUnauthorized, "session_expired")
				return
			}
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

// revokeAccessTokens puts uid on the revocation list so outstanding
// access tokens stop working before their natural expiry.
func (s *Server) revokeAccessTokens(ctx context.Context, uid string) {
	if err := s.revoker.Revoke(ctx, uid); err != nil {
		s.log.Error("revoke access tokens", "uid", uid, "error", err)
	}
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFromContext(r.Context())
		if claims == nil {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		if claims.Role != model.RoleAdmin {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// viewer resolves the request's full profile: from the live session
// manager when one exists, from the store otherwise (tokens outlive
// server restarts).
func (s *Server) viewer(r *http.Request) (model.UserProfile, error) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		return model.UserProfile{}, session.ErrNotAuthenticated
	}
	if mgr, ok := s.registry.Get(claims.UserID); ok {
		if snap := mgr.Snapshot(); snap.User != nil {
			return *snap.User, nil
		}
	}
	doc, err := s.store.Get(r.Context(), model.CollectionUsers, claims.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.UserProfile{}, session.ErrSessionInvalid
		}
		return model.UserProfile{}, err
	}
	var profile model.UserProfile
	if err := model.FromDoc(doc.Data, &profile); err != nil {
		return model.UserProfile{}, err
	}
	profile.UID = claims.UserID
	if !profile.HasRole() {
		return model.UserProfile{}, session.ErrSessionInvalid
	}
	return profile, nil
}

// writeDomainError maps service errors onto the wire taxonomy.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, chat.ErrNotParticipant):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, chat.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "empty_message")
	case errors.Is(err, notify.ErrInvalidNotification):
		writeError(w, http.StatusBadRequest, "invalid_request")
	case errors.Is(err, identity.ErrRequiresRecentLogin):
		writeError(w, http.StatusForbidden, "requires_recent_login")
	case errors.Is(err, identity.ErrEmailInUse):
		writeError(w, http.StatusConflict, "email_in_use")
	case errors.Is(err, session.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
	case errors.Is(err, session.ErrSessionInvalid):
		writeError(w, http.StatusUnauthorized, "session_expired")
	case errors.Is(err, session.ErrNotAuthenticated):
		writeError(w, http.StatusUnauthorized, "missing_token")
	default:
		s.log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error")
	}
}

// Helpers

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
