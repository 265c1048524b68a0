package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/madankalyan2211/aarambh-lms/internal/presence"
	"github.com/madankalyan2211/aarambh-lms/internal/realtime"
	"github.com/madankalyan2211/aarambh-lms/internal/watch"
)

type staticIDGenerator struct {
	prefix string
	index  int
}

func (g *staticIDGenerator) NewID() (string, error) {
	g.index++
	return fmt.Sprintf("%s-%d", g.prefix, g.index), nil
}

type recordedEmit struct {
	event   string
	payload any
}

type recordingChannel struct {
	mu     sync.Mutex
	emits  []recordedEmit
	broken bool
}

func (c *recordingChannel) Emit(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		return errors.New("send failed")
	}
	c.emits = append(c.emits, recordedEmit{event: event, payload: payload})
	return nil
}

func (c *recordingChannel) emitted() []recordedEmit {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := make([]recordedEmit, len(c.emits))
	copy(copied, c.emits)
	return copied
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []recordedEmit
}

func (b *recordingBroadcaster) BroadcastAll(event string, payload any) {
	b.mu.Lock()
	b.events = append(b.events, recordedEmit{event: event, payload: payload})
	b.mu.Unlock()
}

func newTestService(t *testing.T) (*Service, *presence.Registry, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&Notification{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	registry := presence.NewRegistry()
	service, err := NewService(ServiceConfig{
		Database:   db,
		Presence:   registry,
		Clock:      func() time.Time { return time.Unix(1700000000, 0) },
		IDProvider: &staticIDGenerator{prefix: "ntf"},
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service, registry, db
}

func TestNotifyPersistsForOfflineRecipientWithoutPush(t *testing.T) {
	service, _, db := newTestService(t)

	stored, err := service.Notify(context.Background(), Input{
		RecipientID: "u1",
		Type:        TypeAnnouncement,
		Title:       "T",
		Message:     "M",
	})
	if err != nil {
		t.Fatalf("unexpected notify error: %v", err)
	}
	if stored.IsRead {
		t.Fatalf("expected new notification to be unread")
	}
	if stored.Priority != PriorityNormal {
		t.Fatalf("expected default priority normal, got %s", stored.Priority)
	}

	var persisted Notification
	if err := db.First(&persisted).Error; err != nil {
		t.Fatalf("failed to load stored notification: %v", err)
	}
	if persisted.RecipientID != "u1" || persisted.IsRead {
		t.Fatalf("unexpected stored notification: %#v", persisted)
	}

	count, err := service.UnreadCount(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected unread count error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected unread count 1, got %d", count)
	}
}

func TestNotifyPushesNotificationAndCountToOnlineRecipient(t *testing.T) {
	service, registry, _ := newTestService(t)
	channel := &recordingChannel{}
	registry.Connect("u1", channel)

	if _, err := service.Notify(context.Background(), Input{
		RecipientID: "u1",
		SenderID:    "teacher-1",
		Type:        TypeAssignmentGraded,
		Title:       "Graded",
		Message:     "Your submission was graded",
		Priority:    PriorityHigh,
	}); err != nil {
		t.Fatalf("unexpected notify error: %v", err)
	}

	emits := channel.emitted()
	if len(emits) != 2 {
		t.Fatalf("expected notification and unread-count pushes, got %d", len(emits))
	}
	if emits[0].event != realtime.EventNotification {
		t.Fatalf("expected notification event first, got %s", emits[0].event)
	}
	pushed, ok := emits[0].payload.(Notification)
	if !ok {
		t.Fatalf("unexpected notification payload type %T", emits[0].payload)
	}
	if pushed.Type != TypeAssignmentGraded || pushed.SenderID != "teacher-1" {
		t.Fatalf("unexpected pushed notification: %#v", pushed)
	}
	if emits[1].event != realtime.EventUnreadCount {
		t.Fatalf("expected unread-count event second, got %s", emits[1].event)
	}
	counter, ok := emits[1].payload.(UnreadCountPayload)
	if !ok {
		t.Fatalf("unexpected counter payload type %T", emits[1].payload)
	}
	if counter.Unread != 1 {
		t.Fatalf("expected unread counter 1, got %d", counter.Unread)
	}
}

func TestNotifySucceedsWhenDeliveryFails(t *testing.T) {
	service, registry, _ := newTestService(t)
	registry.Connect("u1", &recordingChannel{broken: true})

	stored, err := service.Notify(context.Background(), Input{
		RecipientID: "u1",
		Type:        TypeSystem,
		Title:       "T",
		Message:     "M",
	})
	if err != nil {
		t.Fatalf("delivery failure must not fail the caller: %v", err)
	}

	count, err := service.UnreadCount(context.Background(), stored.RecipientID)
	if err != nil {
		t.Fatalf("unexpected unread count error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected persisted notification despite failed push, got count %d", count)
	}
}

func TestNotifyRejectsUnknownType(t *testing.T) {
	service, _, _ := newTestService(t)

	_, err := service.Notify(context.Background(), Input{
		RecipientID: "u1",
		Type:        "carrier_pigeon",
		Title:       "T",
		Message:     "M",
	})
	if !errors.Is(err, ErrInvalidNotificationType) {
		t.Fatalf("expected ErrInvalidNotificationType, got %v", err)
	}
}

func TestUnreadCountTracksReadTransitions(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	var first Notification
	for index := 0; index < 3; index++ {
		stored, err := service.Notify(ctx, Input{
			RecipientID: "u1",
			Type:        TypeAnnouncement,
			Title:       "T",
			Message:     "M",
		})
		if err != nil {
			t.Fatalf("unexpected notify error: %v", err)
		}
		if index == 0 {
			first = stored
		}
	}

	count, err := service.UnreadCount(ctx, "u1")
	if err != nil || count != 3 {
		t.Fatalf("expected unread count 3, got %d (err %v)", count, err)
	}

	marked, err := service.MarkRead(ctx, "u1", first.NotificationID)
	if err != nil {
		t.Fatalf("unexpected mark read error: %v", err)
	}
	if !marked.IsRead || marked.ReadAtSeconds == nil {
		t.Fatalf("expected notification marked read with timestamp: %#v", marked)
	}

	count, err = service.UnreadCount(ctx, "u1")
	if err != nil || count != 2 {
		t.Fatalf("expected unread count 2 after single mark, got %d (err %v)", count, err)
	}

	// Marking an already read notification is a no-op success.
	again, err := service.MarkRead(ctx, "u1", first.NotificationID)
	if err != nil {
		t.Fatalf("expected idempotent mark read, got %v", err)
	}
	if !again.IsRead {
		t.Fatalf("expected notification to stay read")
	}
	count, err = service.UnreadCount(ctx, "u1")
	if err != nil || count != 2 {
		t.Fatalf("expected unread count unchanged, got %d (err %v)", count, err)
	}

	if err := service.MarkAllRead(ctx, "u1"); err != nil {
		t.Fatalf("unexpected mark all read error: %v", err)
	}
	count, err = service.UnreadCount(ctx, "u1")
	if err != nil || count != 0 {
		t.Fatalf("expected unread count 0 after mark all, got %d (err %v)", count, err)
	}
}

func TestMarkReadUnknownNotificationFails(t *testing.T) {
	service, _, _ := newTestService(t)

	_, err := service.MarkRead(context.Background(), "u1", "missing")
	if !errors.Is(err, ErrNotificationNotFound) {
		t.Fatalf("expected ErrNotificationNotFound, got %v", err)
	}
}

func TestMarkReadIsScopedToTheRecipient(t *testing.T) {
	service, _, db := newTestService(t)
	ctx := context.Background()

	stored, err := service.Notify(ctx, Input{
		RecipientID: "victim",
		Type:        TypeAnnouncement,
		Title:       "T",
		Message:     "M",
	})
	if err != nil {
		t.Fatalf("unexpected notify error: %v", err)
	}

	_, err = service.MarkRead(ctx, "attacker", stored.NotificationID)
	if !errors.Is(err, ErrNotificationNotFound) {
		t.Fatalf("expected ErrNotificationNotFound for foreign recipient, got %v", err)
	}

	var reloaded Notification
	if err := db.Where("notification_id = ?", stored.NotificationID).Take(&reloaded).Error; err != nil {
		t.Fatalf("failed to reload notification: %v", err)
	}
	if reloaded.IsRead || reloaded.ReadAtSeconds != nil {
		t.Fatalf("foreign mark read mutated the record: %#v", reloaded)
	}

	count, err := service.UnreadCount(ctx, "victim")
	if err != nil || count != 1 {
		t.Fatalf("expected unread count 1 for the recipient, got %d (err %v)", count, err)
	}
}

func TestHandleChangeBroadcastsEveryEvent(t *testing.T) {
	service, _, _ := newTestService(t)
	broadcaster := &recordingBroadcaster{}
	service.broadcaster = broadcaster

	service.HandleChange(watch.ChangeEvent{
		Collection: watch.CollectionCourses,
		Operation:  watch.OperationUpdate,
		RecordID:   "course-1",
		Timestamp:  time.Unix(1700000000, 0).UTC(),
	})

	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	if len(broadcaster.events) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(broadcaster.events))
	}
	if broadcaster.events[0].event != realtime.EventDataChanged {
		t.Fatalf("expected data-changed broadcast, got %s", broadcaster.events[0].event)
	}
	payload, ok := broadcaster.events[0].payload.(DataChangedPayload)
	if !ok {
		t.Fatalf("unexpected broadcast payload type %T", broadcaster.events[0].payload)
	}
	if payload.Collection != watch.CollectionCourses || payload.Operation != string(watch.OperationUpdate) {
		t.Fatalf("unexpected broadcast payload: %#v", payload)
	}
}

func TestHandleChangePushesNotificationInsertToOnlineRecipient(t *testing.T) {
	service, registry, _ := newTestService(t)
	channel := &recordingChannel{}
	registry.Connect("u1", channel)

	snapshot, err := json.Marshal(Notification{
		NotificationID: "ntf-raw",
		RecipientID:    "u1",
		Type:           TypeDiscussionReply,
		Title:          "Reply",
		Message:        "Someone replied",
	})
	if err != nil {
		t.Fatalf("failed to marshal snapshot: %v", err)
	}

	service.HandleChange(watch.ChangeEvent{
		Collection: watch.CollectionNotifications,
		Operation:  watch.OperationInsert,
		RecordID:   "ntf-raw",
		Snapshot:   snapshot,
		Timestamp:  time.Unix(1700000000, 0).UTC(),
	})

	emits := channel.emitted()
	if len(emits) != 1 {
		t.Fatalf("expected one targeted push, got %d", len(emits))
	}
	if emits[0].event != realtime.EventNotification {
		t.Fatalf("expected notification event, got %s", emits[0].event)
	}
}

func TestHandleChangeIgnoresNonNotificationInserts(t *testing.T) {
	service, registry, _ := newTestService(t)
	channel := &recordingChannel{}
	registry.Connect("u1", channel)

	service.HandleChange(watch.ChangeEvent{
		Collection: watch.CollectionAssignments,
		Operation:  watch.OperationInsert,
		RecordID:   "assignment-1",
		Timestamp:  time.Unix(1700000000, 0).UTC(),
	})

	if len(channel.emitted()) != 0 {
		t.Fatalf("expected no targeted push for assignment insert")
	}
}
