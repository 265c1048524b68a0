package courses

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/madankalyan2211/aarambh-lms/internal/notify"
)

var (
	ErrCourseNotFound     = errors.New("courses: course not found")
	ErrAssignmentNotFound = errors.New("courses: assignment not found")
	ErrSubmissionNotFound = errors.New("courses: submission not found")
)

// IDProvider issues identifiers for new records.
type IDProvider interface {
	NewID() (string, error)
}

// Notifier is the slice of the fan-out engine the course service depends on.
type Notifier interface {
	Notify(ctx context.Context, input notify.Input) (notify.Notification, error)
}

// ServiceConfig describes the dependencies of the course service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Notifier   Notifier
	Logger     *zap.Logger
}

// Service manages courses, enrollments, assignments and submissions, and
// raises notifications for assignment lifecycle events.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	notifier   Notifier
	logger     *zap.Logger
}

// NewService constructs the course service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("courses: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("courses: id provider required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		notifier:   cfg.Notifier,
		logger:     logger,
	}, nil
}

// CreateCourseInput describes a new course.
type CreateCourseInput struct {
	Title       string
	Description string
	TeacherID   string
}

// CreateCourse stores a new course owned by the teacher.
func (s *Service) CreateCourse(ctx context.Context, input CreateCourseInput) (Course, error) {
	if input.Title == "" || input.TeacherID == "" {
		return Course{}, fmt.Errorf("courses: title and teacher are required")
	}
	courseID, err := s.idProvider.NewID()
	if err != nil {
		return Course{}, fmt.Errorf("courses: generate id: %w", err)
	}
	course := Course{
		CourseID:    courseID,
		Title:       input.Title,
		Description: input.Description,
		TeacherID:   input.TeacherID,
	}
	if err := s.db.WithContext(ctx).Create(&course).Error; err != nil {
		return Course{}, err
	}
	return course, nil
}

// ListCourses returns every course, newest first.
func (s *Service) ListCourses(ctx context.Context) ([]Course, error) {
	var stored []Course
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&stored).Error; err != nil {
		return nil, err
	}
	return stored, nil
}

// GetCourse loads one course.
func (s *Service) GetCourse(ctx context.Context, courseID string) (Course, error) {
	var course Course
	err := s.db.WithContext(ctx).Where("course_id = ?", courseID).First(&course).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Course{}, ErrCourseNotFound
	}
	if err != nil {
		return Course{}, err
	}
	return course, nil
}

// EnrollStudent links the student to the course. Enrolling twice is a no-op.
func (s *Service) EnrollStudent(ctx context.Context, courseID, studentID string) error {
	if _, err := s.GetCourse(ctx, courseID); err != nil {
		return err
	}
	enrollment := Enrollment{CourseID: courseID, StudentID: studentID}
	err := s.db.WithContext(ctx).Create(&enrollment).Error
	if err != nil && isUniqueViolation(err) {
		return nil
	}
	return err
}

// EnrolledStudents lists the student identifiers enrolled in the course.
func (s *Service) EnrolledStudents(ctx context.Context, courseID string) ([]string, error) {
	var studentIDs []string
	err := s.db.WithContext(ctx).
		Model(&Enrollment{}).
		Where("course_id = ?", courseID).
		Order("student_id ASC").
		Pluck("student_id", &studentIDs).Error
	if err != nil {
		return nil, err
	}
	return studentIDs, nil
}

// CreateAssignmentInput describes a new assignment.
type CreateAssignmentInput struct {
	CourseID     string
	Title        string
	Description  string
	DueAtSeconds int64
	CreatedBy    string
}

// CreateAssignment stores the assignment and notifies every enrolled student.
// Notification failures are logged; the assignment itself is already durable.
func (s *Service) CreateAssignment(ctx context.Context, input CreateAssignmentInput) (Assignment, error) {
	course, err := s.GetCourse(ctx, input.CourseID)
	if err != nil {
		return Assignment{}, err
	}
	if input.Title == "" {
		return Assignment{}, fmt.Errorf("courses: assignment title is required")
	}
	assignmentID, err := s.idProvider.NewID()
	if err != nil {
		return Assignment{}, fmt.Errorf("courses: generate id: %w", err)
	}
	assignment := Assignment{
		AssignmentID: assignmentID,
		CourseID:     course.CourseID,
		Title:        input.Title,
		Description:  input.Description,
		DueAtSeconds: input.DueAtSeconds,
	}
	if err := s.db.WithContext(ctx).Create(&assignment).Error; err != nil {
		return Assignment{}, err
	}

	s.notifyEnrolled(ctx, course, assignment, input.CreatedBy)
	return assignment, nil
}

// SubmitInput describes a student submission.
type SubmitInput struct {
	AssignmentID string
	StudentID    string
	ContentJSON  string
}

// Submit stores the student's answer for the assignment.
func (s *Service) Submit(ctx context.Context, input SubmitInput) (Submission, error) {
	var assignment Assignment
	err := s.db.WithContext(ctx).
		Where("assignment_id = ?", input.AssignmentID).
		First(&assignment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Submission{}, ErrAssignmentNotFound
	}
	if err != nil {
		return Submission{}, err
	}

	submissionID, err := s.idProvider.NewID()
	if err != nil {
		return Submission{}, fmt.Errorf("courses: generate id: %w", err)
	}
	submission := Submission{
		SubmissionID: submissionID,
		AssignmentID: assignment.AssignmentID,
		StudentID:    input.StudentID,
		ContentJSON:  input.ContentJSON,
	}
	if err := s.db.WithContext(ctx).Create(&submission).Error; err != nil {
		return Submission{}, err
	}
	return submission, nil
}

// GradeInput describes a grading action by a teacher.
type GradeInput struct {
	SubmissionID string
	Grade        float64
	GradedBy     string
}

// Grade records the grade and notifies the student.
func (s *Service) Grade(ctx context.Context, input GradeInput) (Submission, error) {
	var submission Submission
	err := s.db.WithContext(ctx).
		Where("submission_id = ?", input.SubmissionID).
		First(&submission).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Submission{}, ErrSubmissionNotFound
	}
	if err != nil {
		return Submission{}, err
	}

	gradedAt := s.clock().UTC().Unix()
	result := s.db.WithContext(ctx).
		Model(&Submission{}).
		Where("submission_id = ?", input.SubmissionID).
		Updates(map[string]interface{}{
			"grade":       input.Grade,
			"graded_by":   input.GradedBy,
			"graded_at_s": gradedAt,
		})
	if result.Error != nil {
		return Submission{}, result.Error
	}
	submission.Grade = &input.Grade
	submission.GradedBy = input.GradedBy
	submission.GradedAtSeconds = &gradedAt

	var assignment Assignment
	if err := s.db.WithContext(ctx).
		Where("assignment_id = ?", submission.AssignmentID).
		First(&assignment).Error; err == nil && s.notifier != nil {
		if _, notifyErr := s.notifier.Notify(ctx, notify.Input{
			RecipientID:         submission.StudentID,
			SenderID:            input.GradedBy,
			Type:                notify.TypeAssignmentGraded,
			Title:               "Assignment graded",
			Message:             fmt.Sprintf("Your submission for %q was graded", assignment.Title),
			RelatedCourseID:     assignment.CourseID,
			RelatedAssignmentID: assignment.AssignmentID,
			Priority:            notify.PriorityHigh,
		}); notifyErr != nil {
			s.logger.Warn("grade notification failed",
				zap.String("submission_id", submission.SubmissionID),
				zap.String("student_id", submission.StudentID),
				zap.Error(notifyErr))
		}
	}

	return submission, nil
}

func (s *Service) notifyEnrolled(ctx context.Context, course Course, assignment Assignment, createdBy string) {
	if s.notifier == nil {
		return
	}
	studentIDs, err := s.EnrolledStudents(ctx, course.CourseID)
	if err != nil {
		s.logger.Warn("enrollment lookup failed",
			zap.String("course_id", course.CourseID),
			zap.Error(err))
		return
	}
	for _, studentID := range studentIDs {
		if _, err := s.notifier.Notify(ctx, notify.Input{
			RecipientID:         studentID,
			SenderID:            createdBy,
			Type:                notify.TypeAssignmentCreated,
			Title:               "New assignment",
			Message:             fmt.Sprintf("%q was posted in %q", assignment.Title, course.Title),
			RelatedCourseID:     course.CourseID,
			RelatedAssignmentID: assignment.AssignmentID,
			Priority:            notify.PriorityNormal,
		}); err != nil {
			s.logger.Warn("assignment notification failed",
				zap.String("course_id", course.CourseID),
				zap.String("student_id", studentID),
				zap.Error(err))
		}
	}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// The sqlite driver does not translate constraint errors for GORM.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
