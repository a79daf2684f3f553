package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mahmoudgadmostafa/al-madrasa/internal/model"
)

type notificationResponse struct {
	ID string `json:"id"`
	model.Notification
}

type notificationFeedResponse struct {
	Notifications []notificationResponse `json:"notifications"`
	UnreadCount   int                    `json:"unreadCount"`
}

func mapNotifications(ns []model.Notification) []notificationResponse {
	out := make([]notificationResponse, 0, len(ns))
	for _, n := range ns {
		out = append(out, notificationResponse{ID: n.ID, Notification: n})
	}
	return out
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	viewer, err := s.viewer(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	snap, err := s.notify.List(r.Context(), viewer)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, notificationFeedResponse{
		Notifications: mapNotifications(snap.Notifications),
		UnreadCount:   snap.UnreadCount,
	})
}

func (s *Server) handleStreamNotifications(w http.ResponseWriter, r *http.Request) {
	viewer, err := s.viewer(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	feed, stop, err := s.notify.Subscribe(r.Context(), viewer)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	streamSSE(w, r, feed, stop)
}

type sendNotificationRequest struct {
	Title      string   `json:"title" validate:"required"`
	Message    string   `json:"message" validate:"required"`
	Recipients []string `json:"recipients" validate:"required,min=1"`
}

func (s *Server) handleSendNotification(w http.ResponseWriter, r *http.Request) {
	viewer, err := s.viewer(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	// Students receive notifications; they do not publish them.
	if viewer.Role != model.RoleAdmin && viewer.Role != model.RoleTeacher {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req sendNotificationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	n, err := s.notify.Send(r.Context(), viewer, req.Title, req.Message, req.Recipients)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, notificationResponse{ID: n.ID, Notification: n})
}

func (s *Server) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if err := s.notify.MarkRead(r.Context(), chi.URLParam(r, "notificationId"), claims.UserID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	viewer, err := s.viewer(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	marked, err := s.notify.MarkAllRead(r.Context(), viewer)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked": marked})
}

func (s *Server) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	if err := s.notify.Delete(r.Context(), chi.URLParam(r, "notificationId")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
