package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/madankalyan2211/aarambh-lms/internal/courses"
	"github.com/madankalyan2211/aarambh-lms/internal/mail"
	"github.com/madankalyan2211/aarambh-lms/internal/notify"
	"github.com/madankalyan2211/aarambh-lms/internal/otp"
	"github.com/madankalyan2211/aarambh-lms/internal/presence"
	"github.com/madankalyan2211/aarambh-lms/internal/realtime"
	"github.com/madankalyan2211/aarambh-lms/internal/users"
)

const userIDContextKey = "aarambh_user_id"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingCodeStore     = errors.New("code store dependency required")
	errMissingUserService   = errors.New("user service dependency required")
	errMissingNotifyService = errors.New("notification service dependency required")
	errMissingCourseService = errors.New("course service dependency required")
	errMissingHub           = errors.New("realtime hub dependency required")
	errMissingPresence      = errors.New("presence registry dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// SessionTokenManager issues and validates session JWTs.
type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, userID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// CodePolicy carries the externally supplied verification-code settings.
type CodePolicy struct {
	Length int
	TTL    time.Duration
}

// Dependencies wires the HTTP layer to the domain services.
type Dependencies struct {
	TokenManager  SessionTokenManager
	Codes         *otp.Store
	Users         *users.Service
	Notifications *notify.Service
	Courses       *courses.Service
	Hub           *realtime.Hub
	Presence      *presence.Registry
	Mailer        mail.Sender
	CodePolicy    CodePolicy
	Logger        *zap.Logger
}

// NewHTTPHandler constructs the gin router for the API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Codes == nil {
		return nil, errMissingCodeStore
	}
	if deps.Users == nil {
		return nil, errMissingUserService
	}
	if deps.Notifications == nil {
		return nil, errMissingNotifyService
	}
	if deps.Courses == nil {
		return nil, errMissingCourseService
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.Presence == nil {
		return nil, errMissingPresence
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	mailer := deps.Mailer
	if mailer == nil {
		mailer = mail.NewConsoleSender(logger)
	}
	policy := deps.CodePolicy
	if policy.Length <= 0 {
		policy.Length = otp.DefaultCodeLength
	}
	if policy.TTL <= 0 {
		policy.TTL = otp.DefaultTTL
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:        deps.TokenManager,
		codes:         deps.Codes,
		users:         deps.Users,
		notifications: deps.Notifications,
		courses:       deps.Courses,
		hub:           deps.Hub,
		presence:      deps.Presence,
		mailer:        mailer,
		policy:        policy,
		logger:        logger,
	}

	router.POST("/auth/request-code", handler.handleRequestCode)
	router.POST("/auth/verify-code", handler.handleVerifyCode)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/events/stream", handler.handleEventStream)
	protected.GET("/notifications", handler.handleListNotifications)
	protected.GET("/notifications/unread-count", handler.handleUnreadCount)
	protected.POST("/notifications", handler.handleCreateNotification)
	protected.POST("/notifications/:id/read", handler.handleMarkRead)
	protected.POST("/notifications/read-all", handler.handleMarkAllRead)
	protected.POST("/courses", handler.handleCreateCourse)
	protected.GET("/courses", handler.handleListCourses)
	protected.POST("/courses/:id/enroll", handler.handleEnroll)
	protected.POST("/courses/:id/assignments", handler.handleCreateAssignment)
	protected.POST("/assignments/:id/submissions", handler.handleSubmit)
	protected.POST("/submissions/:id/grade", handler.handleGrade)

	return router, nil
}

type httpHandler struct {
	tokens        SessionTokenManager
	codes         *otp.Store
	users         *users.Service
	notifications *notify.Service
	courses       *courses.Service
	hub           *realtime.Hub
	presence      *presence.Registry
	mailer        mail.Sender
	policy        CodePolicy
	logger        *zap.Logger
}

type requestCodePayload struct {
	Email string `json:"email"`
}

type requestCodeResponse struct {
	ExpiresInMinutes int `json:"expires_in_minutes"`
}

func (h *httpHandler) handleRequestCode(c *gin.Context) {
	var request requestCodePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Email) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	code, err := h.codes.Issue(request.Email, h.policy.Length, h.policy.TTL)
	if err != nil {
		h.logger.Error("verification code issuance failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "code_issue_failed"})
		return
	}
	if err := h.mailer.SendVerificationCode(c.Request.Context(), request.Email, code, h.policy.TTL); err != nil {
		h.logger.Error("verification mail delivery failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "code_delivery_failed"})
		return
	}

	c.JSON(http.StatusOK, requestCodeResponse{ExpiresInMinutes: int(h.policy.TTL.Minutes())})
}

type verifyCodePayload struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type verifyCodeResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
}

func (h *httpHandler) handleVerifyCode(c *gin.Context) {
	var request verifyCodePayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.Email) == "" || strings.TrimSpace(request.Code) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.codes.Verify(request.Email, strings.TrimSpace(request.Code)); err != nil {
		h.respondVerifyFailure(c, err)
		return
	}

	account, err := h.users.ResolveByEmail(c.Request.Context(), request.Email)
	if err != nil {
		h.logger.Error("account resolution failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account_resolution_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), account.UserID)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, verifyCodeResponse{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		UserID:      account.UserID,
	})
}

func (h *httpHandler) respondVerifyFailure(c *gin.Context, err error) {
	var mismatch *otp.MismatchError
	switch {
	case errors.Is(err, otp.ErrNoActiveCode):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "code_not_found"})
	case errors.Is(err, otp.ErrCodeExpired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "code_expired"})
	case errors.Is(err, otp.ErrTooManyAttempts):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too_many_attempts"})
	case errors.As(err, &mismatch):
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":              "code_mismatch",
			"attempts_remaining": mismatch.AttemptsRemaining,
		})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	}
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	stored, err := h.notifications.ListForRecipient(c.Request.Context(), userID, 50)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": stored})
}

func (h *httpHandler) handleUnreadCount(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	count, err := h.notifications.UnreadCount(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to count unread notifications", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "count_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": count})
}

type createNotificationPayload struct {
	RecipientID string `json:"recipient_id"`
	Type        string `json:"type"`
	Title       string `json:"title"`
	Message     string `json:"message"`
	Priority    string `json:"priority"`
	ActionURL   string `json:"action_url"`
}

func (h *httpHandler) handleCreateNotification(c *gin.Context) {
	var request createNotificationPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		request.RecipientID == "" || request.Title == "" || request.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	stored, err := h.notifications.Notify(c.Request.Context(), notify.Input{
		RecipientID: request.RecipientID,
		SenderID:    c.GetString(userIDContextKey),
		Type:        notify.NotificationType(request.Type),
		Title:       request.Title,
		Message:     request.Message,
		Priority:    notify.Priority(request.Priority),
		ActionURL:   request.ActionURL,
	})
	if err != nil {
		if errors.Is(err, notify.ErrInvalidNotificationType) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_type"})
			return
		}
		h.logger.Error("failed to create notification", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusCreated, stored)
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	stored, err := h.notifications.MarkRead(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"))
	if err != nil {
		if errors.Is(err, notify.ErrNotificationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		h.logger.Error("failed to mark notification read", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mark_read_failed"})
		return
	}
	c.JSON(http.StatusOK, stored)
}

func (h *httpHandler) handleMarkAllRead(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if err := h.notifications.MarkAllRead(c.Request.Context(), userID); err != nil {
		h.logger.Error("failed to mark all notifications read", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mark_all_read_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": 0})
}

type createCoursePayload struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (h *httpHandler) handleCreateCourse(c *gin.Context) {
	var request createCoursePayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	course, err := h.courses.CreateCourse(c.Request.Context(), courses.CreateCourseInput{
		Title:       request.Title,
		Description: request.Description,
		TeacherID:   c.GetString(userIDContextKey),
	})
	if err != nil {
		h.logger.Error("failed to create course", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusCreated, course)
}

func (h *httpHandler) handleListCourses(c *gin.Context) {
	stored, err := h.courses.ListCourses(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list courses", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"courses": stored})
}

type enrollPayload struct {
	StudentID string `json:"student_id"`
}

func (h *httpHandler) handleEnroll(c *gin.Context) {
	var request enrollPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	studentID := request.StudentID
	if studentID == "" {
		studentID = c.GetString(userIDContextKey)
	}
	if err := h.courses.EnrollStudent(c.Request.Context(), c.Param("id"), studentID); err != nil {
		if errors.Is(err, courses.ErrCourseNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "course_not_found"})
			return
		}
		h.logger.Error("failed to enroll student", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enroll_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enrolled": true})
}

type createAssignmentPayload struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	DueAtSeconds int64  `json:"due_at_s"`
}

func (h *httpHandler) handleCreateAssignment(c *gin.Context) {
	var request createAssignmentPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	assignment, err := h.courses.CreateAssignment(c.Request.Context(), courses.CreateAssignmentInput{
		CourseID:     c.Param("id"),
		Title:        request.Title,
		Description:  request.Description,
		DueAtSeconds: request.DueAtSeconds,
		CreatedBy:    c.GetString(userIDContextKey),
	})
	if err != nil {
		if errors.Is(err, courses.ErrCourseNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "course_not_found"})
			return
		}
		h.logger.Error("failed to create assignment", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusCreated, assignment)
}

type submitPayload struct {
	ContentJSON string `json:"content_json"`
}

func (h *httpHandler) handleSubmit(c *gin.Context) {
	var request submitPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	submission, err := h.courses.Submit(c.Request.Context(), courses.SubmitInput{
		AssignmentID: c.Param("id"),
		StudentID:    c.GetString(userIDContextKey),
		ContentJSON:  request.ContentJSON,
	})
	if err != nil {
		if errors.Is(err, courses.ErrAssignmentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "assignment_not_found"})
			return
		}
		h.logger.Error("failed to store submission", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "submit_failed"})
		return
	}
	c.JSON(http.StatusCreated, submission)
}

type gradePayload struct {
	Grade float64 `json:"grade"`
}

func (h *httpHandler) handleGrade(c *gin.Context) {
	var request gradePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	submission, err := h.courses.Grade(c.Request.Context(), courses.GradeInput{
		SubmissionID: c.Param("id"),
		Grade:        request.Grade,
		GradedBy:     c.GetString(userIDContextKey),
	})
	if err != nil {
		if errors.Is(err, courses.ErrSubmissionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "submission_not_found"})
			return
		}
		h.logger.Error("failed to grade submission", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "grade_failed"})
		return
	}
	c.JSON(http.StatusOK, submission)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

// bearerToken extracts the session token from the Authorization header, with
// an access_token query fallback for the EventSource stream (browsers cannot
// set headers there).
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		if token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")); token != "" {
			return token
		}
	}
	return strings.TrimSpace(c.Query("access_token"))
}
