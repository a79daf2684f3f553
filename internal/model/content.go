package model

// Stage is one educational stage in the school settings.
type Stage struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SemesterRange bounds one semester of the academic year.
type SemesterRange struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// SchoolSettings is the system_config/school_system_settings document.
type SchoolSettings struct {
	SchoolName        string        `json:"schoolName"`
	AcademicYear      string        `json:"academicYear,omitempty"`
	EducationalStages []Stage       `json:"educationalStages,omitempty"`
	SemesterSystem    string        `json:"semesterSystem,omitempty"`
	SemesterOne       SemesterRange `json:"semesterOne,omitempty"`
	SemesterTwo       SemesterRange `json:"semesterTwo,omitempty"`
}

// Subject is a subjects/{id} document.
type Subject struct {
	ID   string `json:"-"`
	Name string `json:"name"`
}

// SubjectAssignment links a teacher to a subject within a stage.
type SubjectAssignment struct {
	ID        string `json:"-"`
	SubjectID string `json:"subjectId"`
	TeacherID string `json:"teacherId"`
	StageID   string `json:"stageId"`
}

// CurriculumSubject is one subject entry inside a curriculum document.
type CurriculumSubject struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Curriculum is the curriculum/{stageId} document, keyed by semester.
type Curriculum struct {
	StageID     string              `json:"-"`
	SemesterOne []CurriculumSubject `json:"semesterOne,omitempty"`
	SemesterTwo []CurriculumSubject `json:"semesterTwo,omitempty"`
}

// OnlineClassroom is an online_classrooms/{id} document.
type OnlineClassroom struct {
	ID      string `json:"-"`
	Name    string `json:"name"`
	URL     string `json:"url"`
	StageID string `json:"stageId"`
}

// RefreshSession is a refresh_sessions/{tokenHash} document. The raw
// token never touches the store.
type RefreshSession struct {
	UID       string `json:"uid"`
	CreatedAt Time   `json:"createdAt"`
	ExpiresAt Time   `json:"expiresAt"`
	RevokedAt *Time  `json:"revokedAt,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
}
