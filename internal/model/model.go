package model

// Collection names mirror the persisted document layout.
const (
	CollectionUsers              = "users"
	CollectionSystemConfig       = "system_config"
	CollectionNotifications      = "notifications"
	CollectionChats              = "chats"
	CollectionCurriculum         = "curriculum"
	CollectionSubjects           = "subjects"
	CollectionSubjectAssignments = "subject_assignments"
	CollectionOnlineClassrooms   = "online_classrooms"
	CollectionRefreshSessions    = "refresh_sessions"

	SettingsDocID = "school_system_settings"

	// RecipientAll targets every user regardless of role or stage.
	RecipientAll = "all"
)

// MessagesCollection returns the message sub-collection path for a chat.
func MessagesCollection(chatID string) string {
	return CollectionChats + "/" + chatID + "/messages"
}

const (
	RoleAdmin   = "admin"
	RoleTeacher = "teacher"
	RoleStudent = "student"
)

// ValidRole reports whether role is one of the three known roles.
func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleTeacher, RoleStudent:
		return true
	}
	return false
}
