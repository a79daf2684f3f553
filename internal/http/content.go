package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mahmoudgadmostafa/al-madrasa/internal/identity"
	"github.com/mahmoudgadmostafa/al-madrasa/internal/model"
	"github.com/mahmoudgadmostafa/al-madrasa/internal/session"
	"github.com/mahmoudgadmostafa/al-madrasa/internal/store"
)

// Settings

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.Get(r.Context(), model.CollectionSystemConfig, model.SettingsDocID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusOK, model.SchoolSettings{})
			return
		}
		s.writeDomainError(w, err)
		return
	}
	var settings model.SchoolSettings
	if err := model.FromDoc(doc.Data, &settings); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var settings model.SchoolSettings
	if err := decodeJSON(r, &settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if settings.SchoolName == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	doc, err := model.ToDoc(settings)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.store.Set(r.Context(), model.CollectionSystemConfig, model.SettingsDocID, doc, false); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Curriculum

func (s *Server) handleGetCurriculum(w http.ResponseWriter, r *http.Request) {
	stageID := chi.URLParam(r, "stageId")
	doc, err := s.store.Get(r.Context(), model.CollectionCurriculum, stageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusOK, model.Curriculum{StageID: stageID})
			return
		}
		s.writeDomainError(w, err)
		return
	}
	var curriculum model.Curriculum
	if err := model.FromDoc(doc.Data, &curriculum); err != nil {
		s.writeDomainError(w, err)
		return
	}
	curriculum.StageID = stageID
	writeJSON(w, http.StatusOK, curriculum)
}

func (s *Server) handlePutCurriculum(w http.ResponseWriter, r *http.Request) {
	var curriculum model.Curriculum
	if err := decodeJSON(r, &curriculum); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	doc, err := model.ToDoc(curriculum)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.store.Set(r.Context(), model.CollectionCurriculum, chi.URLParam(r, "stageId"), doc, false); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Subjects

type subjectResponse struct {
	ID string `json:"id"`
	model.Subject
}

func (s *Server) handleListSubjects(w http.ResponseWriter, r *http.Request) {
	docs, err := s.store.Find(r.Context(), store.Query{
		Collection: model.CollectionSubjects,
		OrderBy:    "name",
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]subjectResponse, 0, len(docs))
	for _, doc := range docs {
		var subject model.Subject
		if err := model.FromDoc(doc.Data, &subject); err != nil {
			continue
		}
		out = append(out, subjectResponse{ID: doc.ID, Subject: subject})
	}
	writeJSON(w, http.StatusOK, out)
}

type createSubjectRequest struct {
	Name string `json:"name" validate:"required"`
}

func (s *Server) handleCreateSubject(w http.ResponseWriter, r *http.Request) {
	var req createSubjectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	id := uuid.NewString()
	doc, err := model.ToDoc(model.Subject{Name: req.Name})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.store.Set(r.Context(), model.CollectionSubjects, id, doc, false); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, subjectResponse{ID: id, Subject: model.Subject{Name: req.Name}})
}

func (s *Server) handleDeleteSubject(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), model.CollectionSubjects, chi.URLParam(r, "subjectId")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Subject assignments

type assignmentResponse struct {
	ID string `json:"id"`
	model.SubjectAssignment
}

func (s *Server) handleListSubjectAssignments(w http.ResponseWriter, r *http.Request) {
	q := store.Query{Collection: model.CollectionSubjectAssignments}
	if teacherID := r.URL.Query().Get("teacherId"); teacherID != "" {
		q.Filters = append(q.Filters, store.Filter{Field: "teacherId", Op: store.OpEqual, Value: teacherID})
	}
	if stageID := r.URL.Query().Get("stageId"); stageID != "" {
		q.Filters = append(q.Filters, store.Filter{Field: "stageId", Op: store.OpEqual, Value: stageID})
	}
	docs, err := s.store.Find(r.Context(), q)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]assignmentResponse, 0, len(docs))
	for _, doc := range docs {
		var assignment model.SubjectAssignment
		if err := model.FromDoc(doc.Data, &assignment); err != nil {
			continue
		}
		out = append(out, assignmentResponse{ID: doc.ID, SubjectAssignment: assignment})
	}
	writeJSON(w, http.StatusOK, out)
}

type createAssignmentRequest struct {
	SubjectID string `json:"subjectId" validate:"required"`
	TeacherID string `json:"teacherId" validate:"required"`
	StageID   string `json:"stageId" validate:"required"`
}

func (s *Server) handleCreateSubjectAssignment(w http.ResponseWriter, r *http.Request) {
	var req createAssignmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	teacher, err := s.loadProfile(r.Context(), req.TeacherID)
	if err != nil || teacher.Role != model.RoleTeacher {
		writeError(w, http.StatusNotFound, "teacher_not_found")
		return
	}
	id := uuid.NewString()
	assignment := model.SubjectAssignment{
		SubjectID: req.SubjectID,
		TeacherID: req.TeacherID,
		StageID:   req.StageID,
	}
	doc, err := model.ToDoc(assignment)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.store.Set(r.Context(), model.CollectionSubjectAssignments, id, doc, false); err != nil {
		s.writeDomainError(w, err)
		return
	}
	assignment.ID = id
	writeJSON(w, http.StatusCreated, assignmentResponse{ID: id, SubjectAssignment: assignment})
}

func (s *Server) handleDeleteSubjectAssignment(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), model.CollectionSubjectAssignments, chi.URLParam(r, "assignmentId")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Online classrooms

type classroomResponse struct {
	ID string `json:"id"`
	model.OnlineClassroom
}

func (s *Server) handleListClassrooms(w http.ResponseWriter, r *http.Request) {
	viewer, err := s.viewer(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	q := store.Query{Collection: model.CollectionOnlineClassrooms, OrderBy: "name"}
	stageID := r.URL.Query().Get("stageId")
	// Students only ever see their own stage's classrooms.
	if viewer.Role == model.RoleStudent {
		stageID = viewer.StageID
	}
	if stageID != "" {
		q.Filters = append(q.Filters, store.Filter{Field: "stageId", Op: store.OpEqual, Value: stageID})
	}
	docs, err := s.store.Find(r.Context(), q)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]classroomResponse, 0, len(docs))
	for _, doc := range docs {
		var classroom model.OnlineClassroom
		if err := model.FromDoc(doc.Data, &classroom); err != nil {
			continue
		}
		out = append(out, classroomResponse{ID: doc.ID, OnlineClassroom: classroom})
	}
	writeJSON(w, http.StatusOK, out)
}

type classroomRequest struct {
	Name    string `json:"name" validate:"required"`
	URL     string `json:"url" validate:"required,url"`
	StageID string `json:"stageId" validate:"required"`
}

func (s *Server) handleCreateClassroom(w http.ResponseWriter, r *http.Request) {
	viewer, err := s.viewer(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if viewer.Role == model.RoleStudent {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	var req classroomRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	id := uuid.NewString()
	classroom := model.OnlineClassroom{Name: req.Name, URL: req.URL, StageID: req.StageID}
	doc, err := model.ToDoc(classroom)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.store.Set(r.Context(), model.CollectionOnlineClassrooms, id, doc, false); err != nil {
		s.writeDomainError(w, err)
		return
	}
	classroom.ID = id
	writeJSON(w, http.StatusCreated, classroomResponse{ID: id, OnlineClassroom: classroom})
}

func (s *Server) handleUpdateClassroom(w http.ResponseWriter, r *http.Request) {
	viewer, err := s.viewer(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if viewer.Role == model.RoleStudent {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	id := chi.URLParam(r, "classroomId")
	if _, err := s.store.Get(r.Context(), model.CollectionOnlineClassrooms, id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	var req classroomRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	doc, err := model.ToDoc(model.OnlineClassroom{Name: req.Name, URL: req.URL, StageID: req.StageID})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.store.Set(r.Context(), model.CollectionOnlineClassrooms, id, doc, false); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteClassroom(w http.ResponseWriter, r *http.Request) {
	viewer, err := s.viewer(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if viewer.Role == model.RoleStudent {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err := s.store.Delete(r.Context(), model.CollectionOnlineClassrooms, chi.URLParam(r, "classroomId")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Admin user provisioning

type createUserRequest struct {
	Name      string `json:"name" validate:"required"`
	Role      string `json:"role" validate:"required,oneof=admin teacher student"`
	Password  string `json:"password" validate:"required,min=6"`
	Email     string `json:"email" validate:"omitempty,email"`
	LoginCode string `json:"loginCode"`
	Phone     string `json:"phone"`
	Username  string `json:"username"`

	StageID string `json:"stageId"`
	Grade   string `json:"grade"`

	AssignedStages []string `json:"assignedStages"`
	Subjects       []string `json:"subjects"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	// Students log in with a short code; everyone gets a credential in
	// the configured domain when no explicit email is supplied.
	email := req.Email
	if email == "" {
		if req.LoginCode == "" {
			writeError(w, http.StatusBadRequest, "missing_login_code")
			return
		}
		email = session.NormalizeIdentifier(req.LoginCode, s.cfg.Auth.EmailDomain)
	}

	uid := uuid.NewString()
	if err := s.provider.CreateUser(r.Context(), uid, email, req.Password); err != nil {
		s.writeDomainError(w, err)
		return
	}

	profile := model.UserProfile{
		UID:            uid,
		Name:           req.Name,
		Email:          email,
		LoginCode:      req.LoginCode,
		Username:       req.Username,
		Phone:          req.Phone,
		Role:           req.Role,
		CreatedAt:      model.Now(),
		StageID:        req.StageID,
		Grade:          req.Grade,
		AssignedStages: req.AssignedStages,
		Subjects:       req.Subjects,
	}
	doc, err := model.ToDoc(profile)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.store.Set(r.Context(), model.CollectionUsers, uid, doc, false); err != nil {
		// Keep credentials and profiles in step: roll the credential
		// back rather than leaving a roleless login behind.
		_ = s.provider.DeleteUser(r.Context(), uid)
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	q := store.Query{Collection: model.CollectionUsers, OrderBy: "name"}
	if role := r.URL.Query().Get("role"); role != "" {
		if !model.ValidRole(role) {
			writeError(w, http.StatusBadRequest, "invalid_role")
			return
		}
		q.Filters = append(q.Filters, store.Filter{Field: "role", Op: store.OpEqual, Value: role})
	}
	if stageID := r.URL.Query().Get("stageId"); stageID != "" {
		q.Filters = append(q.Filters, store.Filter{Field: "stageId", Op: store.OpEqual, Value: stageID})
	}
	docs, err := s.store.Find(r.Context(), q)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]model.UserProfile, 0, len(docs))
	for _, doc := range docs {
		var profile model.UserProfile
		if err := model.FromDoc(doc.Data, &profile); err != nil {
			continue
		}
		profile.UID = doc.ID
		out = append(out, profile)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "userId")
	patch := map[string]any{}
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	// Identity-owned and immutable fields never change through here.
	// Email moves through the credential provider; role edits land in a
	// live profile watch and re-resolve the session in place.
	for _, field := range []string{"uid", "email", "createdAt"} {
		delete(patch, field)
	}
	if role, ok := patch["role"].(string); ok && !model.ValidRole(role) {
		writeError(w, http.StatusBadRequest, "invalid_role")
		return
	}
	if len(patch) == 0 {
		writeError(w, http.StatusBadRequest, "empty_update")
		return
	}
	if _, err := s.store.Get(r.Context(), model.CollectionUsers, uid); err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.store.Set(r.Context(), model.CollectionUsers, uid, patch, true); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	uid := chi.URLParam(r, "userId")
	if claims != nil && claims.UserID == uid {
		writeError(w, http.StatusBadRequest, "cannot_delete_self")
		return
	}
	if _, err := s.store.Get(r.Context(), model.CollectionUsers, uid); err != nil {
		s.writeDomainError(w, err)
		return
	}
	// Deleting the credential fires the session-changed event; a live
	// session manager for this user tears itself down from it. The
	// profile removal then propagates through any profile watches.
	if err := s.provider.DeleteUser(r.Context(), uid); err != nil && !errors.Is(err, identity.ErrNotFound) {
		s.writeDomainError(w, err)
		return
	}
	if err := s.store.Delete(r.Context(), model.CollectionUsers, uid); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.registry.Evict(uid)
	s.revokeAccessTokens(r.Context(), uid)

	// Best effort: a hash-keyed scan; refresh sessions also die on
	// their next use because the profile is gone.
	if err := s.revokeRefreshSessionsFor(r.Context(), uid); err != nil {
		s.log.Error("revoke refresh sessions", "uid", uid, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) revokeRefreshSessionsFor(ctx context.Context, uid string) error {
	docs, err := s.store.Find(ctx, store.Query{
		Collection: model.CollectionRefreshSessions,
		Filters:    []store.Filter{{Field: "uid", Op: store.OpEqual, Value: uid}},
	})
	if err != nil {
		return err
	}
	ops := make([]store.Op, 0, len(docs))
	for _, doc := range docs {
		ops = append(ops, store.DeleteOp(model.CollectionRefreshSessions, doc.ID))
	}
	if len(ops) == 0 {
		return nil
	}
	return s.store.Batch(ctx, ops)
}
