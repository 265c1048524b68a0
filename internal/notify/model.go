package notify

import (
	"errors"
	"fmt"
	"strings"
)

// NotificationType enumerates the notification kinds the engine delivers.
type NotificationType string

const (
	TypeAssignmentCreated NotificationType = "assignment_created"
	TypeAssignmentGraded  NotificationType = "assignment_graded"
	TypeDiscussionReply   NotificationType = "discussion_reply"
	TypeAnnouncement      NotificationType = "announcement"
	TypeDirectMessage     NotificationType = "direct_message"
	TypeSystem            NotificationType = "system"
)

// Priority orders notifications for client-side presentation.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ErrInvalidNotificationType indicates an unrecognized notification type.
var ErrInvalidNotificationType = errors.New("notify: invalid notification type")

// ParseNotificationType validates raw input against the enumerated types.
func ParseNotificationType(raw string) (NotificationType, error) {
	switch NotificationType(strings.ToLower(strings.TrimSpace(raw))) {
	case TypeAssignmentCreated:
		return TypeAssignmentCreated, nil
	case TypeAssignmentGraded:
		return TypeAssignmentGraded, nil
	case TypeDiscussionReply:
		return TypeDiscussionReply, nil
	case TypeAnnouncement:
		return TypeAnnouncement, nil
	case TypeDirectMessage:
		return TypeDirectMessage, nil
	case TypeSystem:
		return TypeSystem, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidNotificationType, raw)
	}
}

// ParsePriority validates raw input, defaulting empty input to normal.
func ParsePriority(raw string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(raw))) {
	case PriorityLow:
		return PriorityLow, nil
	case PriorityNormal, "":
		return PriorityNormal, nil
	case PriorityHigh:
		return PriorityHigh, nil
	default:
		return "", fmt.Errorf("notify: invalid priority %q", raw)
	}
}

// Notification is the durable record fanned out to a recipient. Once created,
// IsRead transitions false to true exactly once; there is no un-read path and
// no deletion path in this engine.
type Notification struct {
	NotificationID      string           `gorm:"column:notification_id;primaryKey;size:190;not null" json:"notification_id"`
	RecipientID         string           `gorm:"column:recipient_id;size:190;not null;index:idx_notifications_recipient_read,priority:1;index:idx_notifications_recipient_created,priority:1" json:"recipient_id"`
	SenderID            string           `gorm:"column:sender_id;size:190;not null;default:''" json:"sender_id,omitempty"`
	Type                NotificationType `gorm:"column:type;size:64;not null" json:"type"`
	Title               string           `gorm:"column:title;size:255;not null" json:"title"`
	Message             string           `gorm:"column:message;type:text;not null" json:"message"`
	RelatedCourseID     string           `gorm:"column:related_course_id;size:190;not null;default:''" json:"related_course_id,omitempty"`
	RelatedAssignmentID string           `gorm:"column:related_assignment_id;size:190;not null;default:''" json:"related_assignment_id,omitempty"`
	IsRead              bool             `gorm:"column:is_read;not null;default:false;index:idx_notifications_recipient_read,priority:2" json:"is_read"`
	ReadAtSeconds       *int64           `gorm:"column:read_at_s" json:"read_at_s,omitempty"`
	Priority            Priority         `gorm:"column:priority;size:16;not null;default:'normal'" json:"priority"`
	ActionURL           string           `gorm:"column:action_url;size:512;not null;default:''" json:"action_url,omitempty"`
	CreatedAtSeconds    int64            `gorm:"column:created_at_s;not null;index:idx_notifications_recipient_created,priority:2" json:"created_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}
