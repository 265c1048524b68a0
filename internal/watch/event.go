package watch

import (
	"encoding/json"
	"time"
)

// ChangeOperation enumerates the mutation kinds observed on a collection.
type ChangeOperation string

const (
	// OperationInsert marks a newly created record.
	OperationInsert ChangeOperation = "insert"
	// OperationUpdate marks a mutation of one or more existing records.
	OperationUpdate ChangeOperation = "update"
	// OperationDelete marks a removal of one or more existing records.
	OperationDelete ChangeOperation = "delete"
)

// Watched collection names. Only mutations against these tables are captured.
const (
	CollectionUsers         = "users"
	CollectionCourses       = "courses"
	CollectionAssignments   = "assignments"
	CollectionNotifications = "notifications"
)

// WatchedCollections lists every collection the watcher subscribes to.
func WatchedCollections() []string {
	return []string{
		CollectionUsers,
		CollectionCourses,
		CollectionAssignments,
		CollectionNotifications,
	}
}

// ChangeEvent is the normalized, transient representation of one observed
// mutation. Snapshot is populated for inserts only.
type ChangeEvent struct {
	Collection string
	Operation  ChangeOperation
	RecordID   string
	Snapshot   json.RawMessage
	Timestamp  time.Time
}
