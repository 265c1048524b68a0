package courses

import "time"

// Course is a durable course record owned by one teacher.
type Course struct {
	CourseID    string    `gorm:"column:course_id;primaryKey;size:190;not null" json:"course_id"`
	Title       string    `gorm:"column:title;size:255;not null" json:"title"`
	Description string    `gorm:"column:description;type:text;not null;default:''" json:"description"`
	TeacherID   string    `gorm:"column:teacher_id;size:190;not null;index" json:"teacher_id"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (Course) TableName() string {
	return "courses"
}

// Enrollment links one student to one course.
type Enrollment struct {
	CourseID  string    `gorm:"column:course_id;primaryKey;size:190;not null" json:"course_id"`
	StudentID string    `gorm:"column:student_id;primaryKey;size:190;not null;index" json:"student_id"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Enrollment) TableName() string {
	return "course_enrollments"
}

// Assignment is a durable assignment record within a course.
type Assignment struct {
	AssignmentID string    `gorm:"column:assignment_id;primaryKey;size:190;not null" json:"assignment_id"`
	CourseID     string    `gorm:"column:course_id;size:190;not null;index" json:"course_id"`
	Title        string    `gorm:"column:title;size:255;not null" json:"title"`
	Description  string    `gorm:"column:description;type:text;not null;default:''" json:"description"`
	DueAtSeconds int64     `gorm:"column:due_at_s;not null;default:0" json:"due_at_s"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Assignment) TableName() string {
	return "assignments"
}

// Submission is one student's answer to an assignment, optionally graded.
type Submission struct {
	SubmissionID    string    `gorm:"column:submission_id;primaryKey;size:190;not null" json:"submission_id"`
	AssignmentID    string    `gorm:"column:assignment_id;size:190;not null;index:idx_submissions_assignment_student,priority:1" json:"assignment_id"`
	StudentID       string    `gorm:"column:student_id;size:190;not null;index:idx_submissions_assignment_student,priority:2" json:"student_id"`
	ContentJSON     string    `gorm:"column:content_json;type:text;not null;default:''" json:"content_json"`
	Grade           *float64  `gorm:"column:grade" json:"grade,omitempty"`
	GradedBy        string    `gorm:"column:graded_by;size:190;not null;default:''" json:"graded_by,omitempty"`
	GradedAtSeconds *int64    `gorm:"column:graded_at_s" json:"graded_at_s,omitempty"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Submission) TableName() string {
	return "submissions"
}
