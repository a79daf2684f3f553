package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

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

type testEnv struct {
	handler  http.Handler
	store    *store.Memory
	provider *identity.MemoryProvider
	registry *session.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Config{}
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.JWTIssuer = "al-madrasa-test"
	cfg.Auth.AccessTokenTTL = 15 * time.Minute
	cfg.Auth.RefreshTokenTTL = 24 * time.Hour
	cfg.Auth.EmailDomain = "al-madrasa.app"
	cfg.Auth.ResolveTimeout = 2 * time.Second
	cfg.Auth.RecentLoginWindow = 5 * time.Minute

	log := logger.New(8)
	st := store.NewMemory()
	provider := identity.NewMemoryProvider(cfg.Auth.RecentLoginWindow)
	registry := session.NewRegistry(context.Background(), func() *session.Manager {
		return session.NewManager(provider, st, log, session.Config{
			EmailDomain:    cfg.Auth.EmailDomain,
			ResolveTimeout: cfg.Auth.ResolveTimeout,
		})
	})
	t.Cleanup(registry.Close)

	revoker := auth.NewMemoryRevoker(cfg.Auth.AccessTokenTTL)
	server := NewServer(cfg, log, st, provider, registry, revoker, notify.NewService(st, log), chat.NewService(st, log))
	return &testEnv{
		handler:  server.Router(),
		store:    st,
		provider: provider,
		registry: registry,
	}
}

func (e *testEnv) seedUser(t *testing.T, uid, email, password string, profile model.UserProfile) {
	t.Helper()
	ctx := context.Background()
	if err := e.provider.CreateUser(ctx, uid, email, password); err != nil {
		t.Fatalf("create credential: %v", err)
	}
	profile.UID = uid
	profile.Email = email
	doc, err := model.ToDoc(profile)
	if err != nil {
		t.Fatalf("profile doc: %v", err)
	}
	if err := e.store.Set(ctx, model.CollectionUsers, uid, doc, false); err != nil {
		t.Fatalf("seed profile: %v", err)
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(t *testing.T, identifier, password string) loginResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"identifier": identifier,
		"password":   password,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", identifier, rec.Code, rec.Body.String())
	}
	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("login response: %v", err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %s: %v", rec.Body.String(), err)
	}
	return out
}

func seedSchool(t *testing.T, e *testEnv) {
	t.Helper()
	e.seedUser(t, "u-admin", "amal@al-madrasa.app", "admin-pass", model.UserProfile{
		Name: "Amal", Role: model.RoleAdmin,
	})
	e.seedUser(t, "u-teacher", "tarek@al-madrasa.app", "teacher-pass", model.UserProfile{
		Name: "Tarek", Role: model.RoleTeacher, AssignedStages: []string{"stage-3"},
	})
	e.seedUser(t, "u-student", "st100@al-madrasa.app", "student-pass", model.UserProfile{
		Name: "Sara", Role: model.RoleStudent, LoginCode: "st100", StageID: "stage-3", Grade: "3",
	})
}

func TestLoginAndMe(t *testing.T) {
	e := newTestEnv(t)
	seedSchool(t, e)

	// Students log in with their short code; the domain gets appended.
	resp := e.login(t, "st100", "student-pass")
	if resp.Route != "/student" {
		t.Fatalf("expected /student route, got %s", resp.Route)
	}
	if resp.User.UID != "u-student" || resp.User.Role != model.RoleStudent {
		t.Fatalf("unexpected user: %+v", resp.User)
	}
	if resp.Token == "" || resp.RefreshToken == "" {
		t.Fatalf("expected tokens in response")
	}

	rec := e.do(t, http.MethodGet, "/auth/me", resp.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("me: status %d", rec.Code)
	}
	me := decodeBody[meResponse](t, rec)
	if me.User.Name != "Sara" || me.State != "authenticated" {
		t.Fatalf("unexpected me response: %+v", me)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	e := newTestEnv(t)
	seedSchool(t, e)

	rec := e.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"identifier": "st100", "password": "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = e.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"identifier": "nobody", "password": "whatever",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown user, got %d", rec.Code)
	}
	rec = e.do(t, http.MethodPost, "/auth/login", "", map[string]string{"identifier": "st100"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing password, got %d", rec.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	e := newTestEnv(t)
	seedSchool(t, e)

	rec := e.do(t, http.MethodGet, "/notifications", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	rec = e.do(t, http.MethodGet, "/notifications", "not-a-jwt", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with garbage token, got %d", rec.Code)
	}
}

func TestRefreshRotation(t *testing.T) {
	e := newTestEnv(t)
	seedSchool(t, e)
	login := e.login(t, "st100", "student-pass")

	rec := e.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{
		"refreshToken": login.RefreshToken,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh: status %d body %s", rec.Code, rec.Body.String())
	}
	refreshed := decodeBody[loginResponse](t, rec)
	if refreshed.RefreshToken == login.RefreshToken {
		t.Fatalf("refresh token was not rotated")
	}
	if refreshed.User.UID != "u-student" {
		t.Fatalf("unexpected user after refresh: %+v", refreshed.User)
	}

	// The old token is burned.
	rec = e.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{
		"refreshToken": login.RefreshToken,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 replaying old refresh token, got %d", rec.Code)
	}
	// The rotated one works.
	rec = e.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{
		"refreshToken": refreshed.RefreshToken,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("rotated refresh: status %d", rec.Code)
	}
}

func TestLogoutRevokesRefreshToken(t *testing.T) {
	e := newTestEnv(t)
	seedSchool(t, e)
	login := e.login(t, "st100", "student-pass")

	rec := e.do(t, http.MethodPost, "/auth/logout", login.Token, map[string]string{
		"refreshToken": login.RefreshToken,
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout: status %d", rec.Code)
	}
	rec = e.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{
		"refreshToken": login.RefreshToken,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rec.Code)
	}
	if _, ok := e.registry.Get("u-student"); ok {
		t.Fatalf("manager still registered after logout")
	}
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	e := newTestEnv(t)
	seedSchool(t, e)
	login := e.login(t, "st100", "student-pass")

	rec := e.do(t, http.MethodPost, "/auth/logout", login.Token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout: status %d", rec.Code)
	}

	// The bearer is dead immediately, not at its natural expiry.
	rec = e.do(t, http.MethodGet, "/auth/me", login.Token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 reading with a logged-out token, got %d", rec.Code)
	}
	rec = e.do(t, http.MethodPatch, "/auth/profile", login.Token, map[string]string{
		"phone": "0111222333",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 writing with a logged-out token, got %d", rec.Code)
	}
	doc, err := e.store.Get(context.Background(), model.CollectionUsers, "u-student")
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if doc.Data["phone"] == "0111222333" {
		t.Fatalf("write landed after logout")
	}

	// A fresh login issues a working token again. Issue times carry
	// second precision, so step past the revocation second first.
	time.Sleep(1100 * time.Millisecond)
	relogin := e.login(t, "st100", "student-pass")
	rec = e.do(t, http.MethodGet, "/auth/me", relogin.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected fresh token to work, got %d", rec.Code)
	}
}

func TestNotificationFlow(t *testing.T) {
	e := newTestEnv(t)
	seedSchool(t, e)
	admin := e.login(t, "amal", "admin-pass")
	student := e.login(t, "st100", "student-pass")
	teacher := e.login(t, "tarek", "teacher-pass")

	rec := e.do(t, http.MethodPost, "/notifications", admin.Token, map[string]any{
		"title": "Exam schedule", "message": "Published.", "recipients": []string{"stage-3"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("send: status %d body %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[notificationResponse](t, rec)

	rec = e.do(t, http.MethodGet, "/notifications", student.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status %d", rec.Code)
	}
	feed := decodeBody[notificationFeedResponse](t, rec)
	if feed.UnreadCount != 1 || len(feed.Notifications) != 1 {
		t.Fatalf("expected one unread, got %+v", feed)
	}

	// The teacher is not in the stage-3 recipient window.
	rec = e.do(t, http.MethodGet, "/notifications", teacher.Token, nil)
	if feed := decodeBody[notificationFeedResponse](t, rec); len(feed.Notifications) != 0 {
		t.Fatalf("teacher should not see stage notification: %+v", feed)
	}

	rec = e.do(t, http.MethodPost, "/notifications/"+created.ID+"/read", student.Token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("mark read: status %d", rec.Code)
	}
	rec = e.do(t, http.MethodGet, "/notifications", student.Token, nil)
	if feed := decodeBody[notificationFeedResponse](t, rec); feed.UnreadCount != 0 {
		t.Fatalf("expected zero unread after read, got %d", feed.UnreadCount)
	}

	// Students cannot publish.
	rec = e.do(t, http.MethodPost, "/notifications", student.Token, map[string]any{
		"title": "x", "message": "y", "recipients": []string{"all"},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for student send, got %d", rec.Code)
	}
	// Deletion is admin only.
	rec = e.do(t, http.MethodDelete, "/notifications/"+created.ID, teacher.Token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for teacher delete, got %d", rec.Code)
	}
	rec = e.do(t, http.MethodDelete, "/notifications/"+created.ID, admin.Token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("admin delete: status %d", rec.Code)
	}
}

func TestMarkAllNotificationsRead(t *testing.T) {
	e := newTestEnv(t)
	seedSchool(t, e)
	admin := e.login(t, "amal", "admin-pass")
	student := e.login(t, "st100", "student-pass")

	for i := 0; i < 3; i++ {
		rec := e.do(t, http.MethodPost, "/notifications", admin.Token, map[string]any{
			"title": fmt.Sprintf("n%d", i), "message": "m", "recipients": []string{"all"},
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("send %d: status %d", i, rec.Code)
		}
	}

	rec := e.do(t, http.MethodPost, "/notifications/read-all", student.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("read-all: status %d", rec.Code)
	}
	result := decodeBody[map[string]int](t, rec)
	if result["marked"] != 3 {
		t.Fatalf("expected 3 marked, got %d", result["marked"])
	}
	rec = e.do(t, http.MethodPost, "/notifications/read-all", student.Token, nil)
	if result := decodeBody[map[string]int](t, rec); result["marked"] != 0 {
		t.Fatalf("expected 0 marked on second pass, got %d", result["marked"])
	}
}

func TestChatFlow(t *testing.T) {
	e := newTestEnv(t)
	seedSchool(t, e)
	teacher := e.login(t, "tarek", "teacher-pass")
	student := e.login(t, "st100", "student-pass")
	admin := e.login(t, "amal", "admin-pass")

	rec := e.do(t, http.MethodPost, "/chats", teacher.Token, map[string]string{
		"participantId": "u-student",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create chat: status %d body %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[chatResponse](t, rec)

	// Creating again reuses the same chat.
	rec = e.do(t, http.MethodPost, "/chats", student.Token, map[string]string{
		"participantId": "u-teacher",
	})
	if reused := decodeBody[chatResponse](t, rec); reused.ID != created.ID {
		t.Fatalf("expected reuse of chat %s, got %s", created.ID, reused.ID)
	}

	rec = e.do(t, http.MethodPost, "/chats/"+created.ID+"/messages", teacher.Token, map[string]string{
		"text": "Homework is posted",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("send message: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = e.do(t, http.MethodGet, "/chats", student.Token, nil)
	list := decodeBody[chatListResponse](t, rec)
	if list.UnreadCount != 1 {
		t.Fatalf("expected 1 unread chat, got %d", list.UnreadCount)
	}

	// Opening marks the chat read and returns ordered history.
	rec = e.do(t, http.MethodGet, "/chats/"+created.ID, student.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("open chat: status %d", rec.Code)
	}
	opened := decodeBody[openChatResponse](t, rec)
	if len(opened.Messages) != 1 || opened.Messages[0].Text != "Homework is posted" {
		t.Fatalf("unexpected messages: %+v", opened.Messages)
	}
	rec = e.do(t, http.MethodGet, "/chats", student.Token, nil)
	if list := decodeBody[chatListResponse](t, rec); list.UnreadCount != 0 {
		t.Fatalf("expected 0 unread after open, got %d", list.UnreadCount)
	}

	rec = e.do(t, http.MethodGet, "/chats/"+created.ID+"/messages", teacher.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list messages: status %d", rec.Code)
	}
	if msgs := decodeBody[[]messageResponse](t, rec); len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}

	// Admins see every chat without being a participant.
	rec = e.do(t, http.MethodGet, "/chats", admin.Token, nil)
	if list := decodeBody[chatListResponse](t, rec); len(list.Chats) != 1 {
		t.Fatalf("admin should see the chat: %+v", list)
	}

	// Unknown chat is a 404, not a crash.
	rec = e.do(t, http.MethodGet, "/chats/ghost", student.Token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown chat, got %d", rec.Code)
	}
}

func TestChatModerationIsAdminOnly(t *testing.T) {
	e := newTestEnv(t)
	seedSchool(t, e)
	teacher := e.login(t, "tarek", "teacher-pass")
	admin := e.login(t, "amal", "admin-pass")

	rec := e.do(t, http.MethodPost, "/chats", teacher.Token, map[string]string{"participantId": "u-student"})
	created := decodeBody[chatResponse](t, rec)
	rec = e.do(t, http.MethodPost, "/chats/"+created.ID+"/messages", teacher.Token, map[string]string{"text": "typo"})
	msg := decodeBody[messageResponse](t, rec)

	rec = e.do(t, http.MethodPatch, "/chats/"+created.ID+"/messages/"+msg.ID, teacher.Token, map[string]string{"text": "fixed"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for teacher edit, got %d", rec.Code)
	}
	rec = e.do(t, http.MethodPatch, "/chats/"+created.ID+"/messages/"+msg.ID, admin.Token, map[string]string{"text": "fixed"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("admin edit: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = e.do(t, http.MethodDelete, "/chats/"+created.ID, admin.Token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("admin delete chat: status %d", rec.Code)
	}
	rec = e.do(t, http.MethodGet, "/chats/"+created.ID, teacher.Token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestAdminProvisionsUsers(t *testing.T) {
	e := newTestEnv(t)
	seedSchool(t, e)
	admin := e.login(t, "amal", "admin-pass")

	rec := e.do(t, http.MethodPost, "/admin/users", admin.Token, map[string]any{
		"name": "Nora", "role": "student", "password": "secret-1",
		"loginCode": "st200", "stageId": "stage-2", "grade": "2",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create user: status %d body %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[model.UserProfile](t, rec)
	if created.Email != "st200@al-madrasa.app" {
		t.Fatalf("expected synthesized email, got %s", created.Email)
	}

	// The provisioned student can log in with the short code.
	login := e.login(t, "st200", "secret-1")
	if login.User.Name != "Nora" || login.Route != "/student" {
		t.Fatalf("unexpected provisioned login: %+v", login)
	}

	rec = e.do(t, http.MethodPatch, "/admin/users/"+created.UID, admin.Token, map[string]string{
		"grade": "3",
		"uid":   "hijack", // stripped, never updatable
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("update user: status %d body %s", rec.Code, rec.Body.String())
	}
	doc, err := e.store.Get(context.Background(), model.CollectionUsers, created.UID)
	if err != nil {
		t.Fatalf("get updated user: %v", err)
	}
	if doc.Data["grade"] != "3" {
		t.Fatalf("grade not updated: %v", doc.Data["grade"])
	}

	rec = e.do(t, http.MethodGet, "/admin/users?role=student", admin.Token, nil)
	users := decodeBody[[]model.UserProfile](t, rec)
	if len(users) != 2 {
		t.Fatalf("expected 2 students, got %d", len(users))
	}

	rec = e.do(t, http.MethodDelete, "/admin/users/"+created.UID, admin.Token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete user: status %d", rec.Code)
	}
	rec = e.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"identifier": "st200", "password": "secret-1",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after user deletion, got %d", rec.Code)
	}
}

func TestAdminRoutesRejectNonAdmins(t *testing.T) {
	e := newTestEnv(t)
	seedSchool(t, e)
	student := e.login(t, "st100", "student-pass")

	cases := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/admin/users"},
		{http.MethodGet, "/admin/users"},
		{http.MethodPut, "/settings"},
		{http.MethodPost, "/subjects"},
		{http.MethodPut, "/curriculum/stage-3"},
	}
	for _, tc := range cases {
		rec := e.do(t, tc.method, tc.path, student.Token, map[string]string{})
		if rec.Code != http.StatusForbidden {
			t.Fatalf("%s %s: expected 403, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestSettingsAndCurriculum(t *testing.T) {
	e := newTestEnv(t)
	seedSchool(t, e)
	admin := e.login(t, "amal", "admin-pass")
	student := e.login(t, "st100", "student-pass")

	// Empty defaults before anything is configured.
	rec := e.do(t, http.MethodGet, "/settings", student.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get empty settings: status %d", rec.Code)
	}

	rec = e.do(t, http.MethodPut, "/settings", admin.Token, model.SchoolSettings{
		SchoolName:   "Al Madrasa",
		AcademicYear: "2026/2027",
		EducationalStages: []model.Stage{
			{ID: "stage-3", Name: "Third Stage"},
		},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("put settings: status %d body %s", rec.Code, rec.Body.String())
	}
	rec = e.do(t, http.MethodGet, "/settings", student.Token, nil)
	settings := decodeBody[model.SchoolSettings](t, rec)
	if settings.SchoolName != "Al Madrasa" || len(settings.EducationalStages) != 1 {
		t.Fatalf("unexpected settings: %+v", settings)
	}

	rec = e.do(t, http.MethodPut, "/curriculum/stage-3", admin.Token, model.Curriculum{
		SemesterOne: []model.CurriculumSubject{{ID: "math", Name: "Mathematics"}},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("put curriculum: status %d", rec.Code)
	}
	rec = e.do(t, http.MethodGet, "/curriculum/stage-3", student.Token, nil)
	curriculum := decodeBody[model.Curriculum](t, rec)
	if len(curriculum.SemesterOne) != 1 || curriculum.SemesterOne[0].Name != "Mathematics" {
		t.Fatalf("unexpected curriculum: %+v", curriculum)
	}
}

func TestClassroomStageScoping(t *testing.T) {
	e := newTestEnv(t)
	seedSchool(t, e)
	teacher := e.login(t, "tarek", "teacher-pass")
	student := e.login(t, "st100", "student-pass")

	for _, stage := range []string{"stage-2", "stage-3"} {
		rec := e.do(t, http.MethodPost, "/classrooms", teacher.Token, map[string]string{
			"name": "Room " + stage, "url": "https://meet.example.com/" + stage, "stageId": stage,
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("create classroom: status %d body %s", rec.Code, rec.Body.String())
		}
	}

	// Students only see their own stage regardless of the query.
	rec := e.do(t, http.MethodGet, "/classrooms?stageId=stage-2", student.Token, nil)
	rooms := decodeBody[[]classroomResponse](t, rec)
	if len(rooms) != 1 || rooms[0].StageID != "stage-3" {
		t.Fatalf("unexpected classrooms for student: %+v", rooms)
	}

	rec = e.do(t, http.MethodPost, "/classrooms", student.Token, map[string]string{
		"name": "x", "url": "https://x", "stageId": "stage-3",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for student create, got %d", rec.Code)
	}
}

func TestUpdateProfileEndpoint(t *testing.T) {
	e := newTestEnv(t)
	seedSchool(t, e)
	student := e.login(t, "st100", "student-pass")

	rec := e.do(t, http.MethodPatch, "/auth/profile", student.Token, map[string]string{
		"phone": "0100200300",
		"role":  "admin", // silently dropped, never updatable here
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("update profile: status %d body %s", rec.Code, rec.Body.String())
	}

	doc, err := e.store.Get(context.Background(), model.CollectionUsers, "u-student")
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if doc.Data["phone"] != "0100200300" {
		t.Fatalf("phone not updated: %v", doc.Data["phone"])
	}
	if doc.Data["role"] != model.RoleStudent {
		t.Fatalf("role must not change via profile update: %v", doc.Data["role"])
	}
}

func TestHealthAndMetrics(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: status %d", rec.Code)
	}
	rec = e.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: status %d", rec.Code)
	}
}
