package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mahmoudgadmostafa/al-madrasa/internal/model"
)

type chatResponse struct {
	ID string `json:"id"`
	model.Chat
}

type chatListResponse struct {
	Chats       []chatResponse `json:"chats"`
	UnreadCount int            `json:"unreadCount"`
}

type messageResponse struct {
	ID string `json:"id"`
	model.Message
}

func mapChats(cs []model.Chat) []chatResponse {
	out := make([]chatResponse, 0, len(cs))
	for _, c := range cs {
		out = append(out, chatResponse{ID: c.ID, Chat: c})
	}
	return out
}

func mapMessages(ms []model.Message) []messageResponse {
	out := make([]messageResponse, 0, len(ms))
	for _, m := range ms {
		out = append(out, messageResponse{ID: m.ID, Message: m})
	}
	return out
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	viewer, err := s.viewer(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	snap, err := s.chats.ListChats(r.Context(), viewer)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatListResponse{
		Chats:       mapChats(snap.Chats),
		UnreadCount: snap.UnreadCount,
	})
}

func (s *Server) handleStreamChats(w http.ResponseWriter, r *http.Request) {
	viewer, err := s.viewer(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	feed, stop, err := s.chats.SubscribeChats(r.Context(), viewer)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	streamSSE(w, r, feed, stop)
}

type createChatRequest struct {
	ParticipantID string `json:"participantId" validate:"required"`
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	viewer, err := s.viewer(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	var req createChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.validate.Struct(req); err != nil || req.ParticipantID == viewer.UID {
		writeError(w, http.StatusBadRequest, "invalid_participant")
		return
	}

	other, err := s.loadProfile(r.Context(), req.ParticipantID)
	if err != nil {
		writeError(w, http.StatusNotFound, "user_not_found")
		return
	}

	c, err := s.chats.CreateOrReuseChat(r.Context(), viewer, other)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{ID: c.ID, Chat: c})
}

type openChatResponse struct {
	Chat     chatResponse      `json:"chat"`
	Messages []messageResponse `json:"messages"`
}

func (s *Server) handleOpenChat(w http.ResponseWriter, r *http.Request) {
	viewer, err := s.viewer(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	c, msgs, err := s.chats.OpenChat(r.Context(), viewer, chi.URLParam(r, "chatId"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, openChatResponse{
		Chat:     chatResponse{ID: c.ID, Chat: c},
		Messages: mapMessages(msgs),
	})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	viewer, err := s.viewer(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	msgs, err := s.chats.Messages(r.Context(), viewer, chi.URLParam(r, "chatId"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapMessages(msgs))
}

func (s *Server) handleStreamMessages(w http.ResponseWriter, r *http.Request) {
	viewer, err := s.viewer(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	feed, stop, err := s.chats.SubscribeMessages(r.Context(), viewer, chi.URLParam(r, "chatId"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	streamSSE(w, r, feed, stop)
}

type sendMessageRequest struct {
	Text string `json:"text" validate:"required"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	viewer, err := s.viewer(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	m, err := s.chats.SendMessage(r.Context(), viewer, chi.URLParam(r, "chatId"), req.Text)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, messageResponse{ID: m.ID, Message: m})
}

func (s *Server) handleMarkChatRead(w http.ResponseWriter, r *http.Request) {
	viewer, err := s.viewer(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.chats.MarkChatRead(r.Context(), viewer, chi.URLParam(r, "chatId")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type editMessageRequest struct {
	Text string `json:"text" validate:"required"`
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	var req editMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.chats.EditMessage(r.Context(), chi.URLParam(r, "chatId"), chi.URLParam(r, "messageId"), req.Text); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := s.chats.DeleteMessage(r.Context(), chi.URLParam(r, "chatId"), chi.URLParam(r, "messageId")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if err := s.chats.DeleteChat(r.Context(), chi.URLParam(r, "chatId")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
