package model

// UserProfile is the users/{uid} document. Role-dependent fields stay
// empty for the other roles.
type UserProfile struct {
	UID       string `json:"uid"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	LoginCode string `json:"loginCode,omitempty"`
	Username  string `json:"username,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Role      string `json:"role"`
	CreatedAt Time   `json:"createdAt"`

	// Student fields.
	StageID        string   `json:"stageId,omitempty"`
	Grade          string   `json:"grade,omitempty"`
	ActiveSubjects []string `json:"activeSubjects,omitempty"`

	// Teacher fields.
	AssignedStages []string `json:"assignedStages,omitempty"`
	Subjects       []string `json:"subjects,omitempty"`
}

// HasRole reports whether the profile carries a resolved role. A
// profile without one is never considered authenticated.
func (p UserProfile) HasRole() bool {
	return ValidRole(p.Role)
}

// LandingRoute is the role-specific route reported after login.
func (p UserProfile) LandingRoute() string {
	switch p.Role {
	case RoleAdmin:
		return "/admin"
	case RoleTeacher:
		return "/teacher"
	default:
		return "/student"
	}
}

// Groups returns the recipient groups the profile belongs to: "all",
// the role, and the stage id when present.
func (p UserProfile) Groups() []string {
	groups := []string{RecipientAll, p.Role}
	if p.StageID != "" {
		groups = append(groups, p.StageID)
	}
	return groups
}
