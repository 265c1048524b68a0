package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/madankalyan2211/aarambh-lms/internal/presence"
	"github.com/madankalyan2211/aarambh-lms/internal/realtime"
	"github.com/madankalyan2211/aarambh-lms/internal/watch"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingRecipient  = errors.New("recipient identifier is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew  = "notify.service.new"
	opNotify      = "notify.create"
	opMarkRead    = "notify.mark_read"
	opMarkAllRead = "notify.mark_all_read"
	opUnreadCount = "notify.unread_count"
	opList        = "notify.list"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ErrNotificationNotFound indicates the notification id names no stored record.
var ErrNotificationNotFound = errors.New("notify: notification not found")

// Broadcaster fans an event out to every connected delivery channel.
type Broadcaster interface {
	BroadcastAll(event string, payload any)
}

// ServiceConfig describes the dependencies of the fan-out engine.
type ServiceConfig struct {
	Database    *gorm.DB
	Presence    *presence.Registry
	Broadcaster Broadcaster
	Clock       func() time.Time
	IDProvider  IDProvider
	Logger      *zap.Logger
}

// Service persists notifications, maintains unread counters, and routes
// best-effort delivery through the presence registry. Push failures are
// logged, never propagated: the durable write alone decides the outcome of
// every operation.
type Service struct {
	db          *gorm.DB
	presence    *presence.Registry
	broadcaster Broadcaster
	clock       func() time.Time
	idProvider  IDProvider
	logger      *zap.Logger
}

// NewService constructs the fan-out engine.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:          cfg.Database,
		presence:    cfg.Presence,
		broadcaster: cfg.Broadcaster,
		clock:       clock,
		idProvider:  cfg.IDProvider,
		logger:      logger,
	}, nil
}

// Input describes a notification to create and deliver.
type Input struct {
	RecipientID         string
	SenderID            string
	Type                NotificationType
	Title               string
	Message             string
	RelatedCourseID     string
	RelatedAssignmentID string
	Priority            Priority
	ActionURL           string
}

// UnreadCountPayload is pushed over the recipient's channel after any
// mutation that changes the unread counter.
type UnreadCountPayload struct {
	RecipientID string `json:"recipient_id"`
	Unread      int64  `json:"unread"`
}

// Notify durably stores the notification and pushes it, plus the recomputed
// unread counter, to the recipient when online. A failed push never fails the
// caller: persistence succeeded, the client catches up on next sync.
func (s *Service) Notify(ctx context.Context, input Input) (Notification, error) {
	if input.RecipientID == "" {
		return Notification{}, newServiceError(opNotify, "missing_recipient", errMissingRecipient)
	}
	notificationType, err := ParseNotificationType(string(input.Type))
	if err != nil {
		return Notification{}, newServiceError(opNotify, "invalid_type", err)
	}
	priority, err := ParsePriority(string(input.Priority))
	if err != nil {
		return Notification{}, newServiceError(opNotify, "invalid_priority", err)
	}
	notificationID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opNotify, "id_generation_failed", err, zap.String("recipient_id", input.RecipientID))
		return Notification{}, newServiceError(opNotify, "id_generation_failed", err)
	}

	stored := Notification{
		NotificationID:      notificationID,
		RecipientID:         input.RecipientID,
		SenderID:            input.SenderID,
		Type:                notificationType,
		Title:               input.Title,
		Message:             input.Message,
		RelatedCourseID:     input.RelatedCourseID,
		RelatedAssignmentID: input.RelatedAssignmentID,
		IsRead:              false,
		Priority:            priority,
		ActionURL:           input.ActionURL,
		CreatedAtSeconds:    s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&stored).Error; err != nil {
		s.logError(opNotify, "insert_failed", err, zap.String("recipient_id", input.RecipientID))
		return Notification{}, newServiceError(opNotify, "insert_failed", err)
	}

	s.pushNotification(stored)
	s.pushUnreadCount(ctx, stored.RecipientID)

	return stored, nil
}

// MarkRead transitions the recipient's notification to read and records the
// timestamp. Marking an already read notification is a no-op success. The
// lookup and the update are both scoped to the recipient, so a caller naming
// a foreign notification id gets not-found and mutates nothing.
func (s *Service) MarkRead(ctx context.Context, recipientID, notificationID string) (Notification, error) {
	if recipientID == "" {
		return Notification{}, newServiceError(opMarkRead, "missing_recipient", errMissingRecipient)
	}
	var stored Notification
	err := s.db.WithContext(ctx).
		Where("notification_id = ? AND recipient_id = ?", notificationID, recipientID).
		Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Notification{}, newServiceError(opMarkRead, "not_found", ErrNotificationNotFound)
	}
	if err != nil {
		s.logError(opMarkRead, "select_failed", err, zap.String("notification_id", notificationID))
		return Notification{}, newServiceError(opMarkRead, "select_failed", err)
	}
	if stored.IsRead {
		return stored, nil
	}

	readAt := s.clock().UTC().Unix()
	// Guard the update on is_read so the transition stays monotonic under
	// concurrent mark calls.
	result := s.db.WithContext(ctx).
		Model(&Notification{}).
		Where("notification_id = ? AND recipient_id = ? AND is_read = ?", notificationID, recipientID, false).
		Updates(map[string]interface{}{"is_read": true, "read_at_s": readAt})
	if result.Error != nil {
		s.logError(opMarkRead, "update_failed", result.Error, zap.String("notification_id", notificationID))
		return Notification{}, newServiceError(opMarkRead, "update_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		stored.IsRead = true
		stored.ReadAtSeconds = &readAt
	}

	s.pushUnreadCount(ctx, stored.RecipientID)
	return stored, nil
}

// MarkAllRead transitions every unread notification for the recipient to read
// in one logical operation.
func (s *Service) MarkAllRead(ctx context.Context, recipientID string) error {
	if recipientID == "" {
		return newServiceError(opMarkAllRead, "missing_recipient", errMissingRecipient)
	}
	readAt := s.clock().UTC().Unix()
	err := s.db.WithContext(ctx).
		Model(&Notification{}).
		Where("recipient_id = ? AND is_read = ?", recipientID, false).
		Updates(map[string]interface{}{"is_read": true, "read_at_s": readAt}).Error
	if err != nil {
		s.logError(opMarkAllRead, "update_failed", err, zap.String("recipient_id", recipientID))
		return newServiceError(opMarkAllRead, "update_failed", err)
	}

	s.pushUnreadCount(ctx, recipientID)
	return nil
}

// UnreadCount returns the number of unread notifications for the recipient.
func (s *Service) UnreadCount(ctx context.Context, recipientID string) (int64, error) {
	if recipientID == "" {
		return 0, newServiceError(opUnreadCount, "missing_recipient", errMissingRecipient)
	}
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Notification{}).
		Where("recipient_id = ? AND is_read = ?", recipientID, false).
		Count(&count).Error
	if err != nil {
		s.logError(opUnreadCount, "count_failed", err, zap.String("recipient_id", recipientID))
		return 0, newServiceError(opUnreadCount, "count_failed", err)
	}
	return count, nil
}

// ListForRecipient returns the recipient's notifications, newest first.
func (s *Service) ListForRecipient(ctx context.Context, recipientID string, limit int) ([]Notification, error) {
	if recipientID == "" {
		return nil, newServiceError(opList, "missing_recipient", errMissingRecipient)
	}
	if limit <= 0 {
		limit = 50
	}
	var notifications []Notification
	err := s.db.WithContext(ctx).
		Where("recipient_id = ?", recipientID).
		Order("created_at_s DESC").
		Limit(limit).
		Find(&notifications).Error
	if err != nil {
		s.logError(opList, "query_failed", err, zap.String("recipient_id", recipientID))
		return nil, newServiceError(opList, "query_failed", err)
	}
	return notifications, nil
}

// DataChangedPayload is the generic broadcast emitted for every observed
// mutation so clients can invalidate caches.
type DataChangedPayload struct {
	Collection string    `json:"collection"`
	Operation  string    `json:"operation"`
	RecordID   string    `json:"record_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// HandleChange consumes one change event from the mutation watcher. Every
// event becomes a broadcast; a notification insert additionally becomes a
// targeted push when the recipient is online. Duplicate events are tolerated.
func (s *Service) HandleChange(event watch.ChangeEvent) {
	if s.broadcaster != nil {
		s.broadcaster.BroadcastAll(realtime.EventDataChanged, DataChangedPayload{
			Collection: event.Collection,
			Operation:  string(event.Operation),
			RecordID:   event.RecordID,
			Timestamp:  event.Timestamp,
		})
	}

	if event.Collection != watch.CollectionNotifications || event.Operation != watch.OperationInsert {
		return
	}
	if len(event.Snapshot) == 0 {
		return
	}
	var inserted Notification
	if err := json.Unmarshal(event.Snapshot, &inserted); err != nil {
		s.logger.Warn("notification snapshot decode failed",
			zap.String("record_id", event.RecordID),
			zap.Error(err))
		return
	}
	s.pushNotification(inserted)
}

func (s *Service) pushNotification(notification Notification) {
	if s.presence == nil || notification.RecipientID == "" {
		return
	}
	channel, online := s.presence.Lookup(notification.RecipientID)
	if !online {
		return
	}
	if err := channel.Emit(realtime.EventNotification, notification); err != nil {
		s.logger.Warn("notification delivery failed",
			zap.String("recipient_id", notification.RecipientID),
			zap.String("notification_id", notification.NotificationID),
			zap.Error(err))
	}
}

func (s *Service) pushUnreadCount(ctx context.Context, recipientID string) {
	if s.presence == nil || recipientID == "" {
		return
	}
	channel, online := s.presence.Lookup(recipientID)
	if !online {
		return
	}
	count, err := s.UnreadCount(ctx, recipientID)
	if err != nil {
		s.logger.Warn("unread count recompute failed",
			zap.String("recipient_id", recipientID),
			zap.Error(err))
		return
	}
	if err := channel.Emit(realtime.EventUnreadCount, UnreadCountPayload{RecipientID: recipientID, Unread: count}); err != nil {
		s.logger.Warn("unread count delivery failed",
			zap.String("recipient_id", recipientID),
			zap.Error(err))
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("notification service error", attrs...)
}
