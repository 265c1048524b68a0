package watch

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"gorm.io/gorm"
)

// ChangeRecord is one captured mutation, appended in commit order. It acts as
// the durable change feed the watcher subscriptions tail.
type ChangeRecord struct {
	Sequence          int64           `gorm:"column:seq;primaryKey;autoIncrement"`
	Collection        string          `gorm:"column:collection;size:64;not null;index:idx_change_log_collection_seq,priority:1"`
	Operation         ChangeOperation `gorm:"column:op;size:16;not null"`
	RecordID          string          `gorm:"column:record_id;size:190;not null;default:''"`
	SnapshotJSON      string          `gorm:"column:snapshot_json;type:text;not null;default:''"`
	OccurredAtSeconds int64           `gorm:"column:occurred_at_s;not null;index:idx_change_log_collection_seq,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (ChangeRecord) TableName() string {
	return "change_log"
}

type recorder struct {
	clock   func() time.Time
	watched map[string]bool
}

// RegisterRecorder hooks insert/update/delete callbacks into the GORM session
// so every mutation against a watched collection appends a ChangeRecord in the
// same transaction as the mutation itself.
func RegisterRecorder(db *gorm.DB, clock func() time.Time) error {
	if db == nil {
		return fmt.Errorf("watch: database handle is required")
	}
	if clock == nil {
		clock = time.Now
	}
	watched := make(map[string]bool)
	for _, collection := range WatchedCollections() {
		watched[collection] = true
	}
	capture := &recorder{clock: clock, watched: watched}

	if err := db.Callback().Create().After("gorm:create").Register("aarambh:capture_insert", capture.afterCreate); err != nil {
		return fmt.Errorf("watch: register create callback: %w", err)
	}
	if err := db.Callback().Update().After("gorm:update").Register("aarambh:capture_update", capture.afterUpdate); err != nil {
		return fmt.Errorf("watch: register update callback: %w", err)
	}
	if err := db.Callback().Delete().After("gorm:delete").Register("aarambh:capture_delete", capture.afterDelete); err != nil {
		return fmt.Errorf("watch: register delete callback: %w", err)
	}
	return nil
}

func (r *recorder) afterCreate(tx *gorm.DB) {
	r.capture(tx, OperationInsert)
}

func (r *recorder) afterUpdate(tx *gorm.DB) {
	r.capture(tx, OperationUpdate)
}

func (r *recorder) afterDelete(tx *gorm.DB) {
	r.capture(tx, OperationDelete)
}

func (r *recorder) capture(tx *gorm.DB, operation ChangeOperation) {
	if tx.Error != nil || tx.Statement == nil {
		return
	}
	collection := tx.Statement.Table
	if !r.watched[collection] {
		return
	}
	if operation != OperationInsert && tx.RowsAffected == 0 {
		return
	}

	record := ChangeRecord{
		Collection:        collection,
		Operation:         operation,
		RecordID:          primaryKeyValue(tx),
		OccurredAtSeconds: r.clock().UTC().Unix(),
	}
	if operation == OperationInsert {
		record.SnapshotJSON = snapshotJSON(tx)
	}

	session := tx.Session(&gorm.Session{NewDB: true, SkipHooks: true})
	if err := session.Create(&record).Error; err != nil {
		// Surface the failure on the originating statement so the enclosing
		// transaction rolls back rather than losing the change feed entry.
		_ = tx.AddError(fmt.Errorf("watch: append change record: %w", err))
	}
}

// primaryKeyValue extracts the affected record identifier when the statement
// carries a model instance with its primary key set. Multi-row statements
// (e.g. a bulk mark-all-read) yield an empty identifier; the event still names
// the collection and operation.
func primaryKeyValue(tx *gorm.DB) string {
	statementSchema := tx.Statement.Schema
	if statementSchema == nil || statementSchema.PrioritizedPrimaryField == nil {
		return ""
	}
	reflectValue := tx.Statement.ReflectValue
	switch reflectValue.Kind() {
	case reflect.Slice, reflect.Array:
		if reflectValue.Len() != 1 {
			return ""
		}
		reflectValue = reflect.Indirect(reflectValue.Index(0))
	case reflect.Struct:
	default:
		return ""
	}
	value, isZero := statementSchema.PrioritizedPrimaryField.ValueOf(tx.Statement.Context, reflectValue)
	if isZero {
		return ""
	}
	return fmt.Sprintf("%v", value)
}

func snapshotJSON(tx *gorm.DB) string {
	dest := tx.Statement.Dest
	if dest == nil {
		return ""
	}
	encoded, err := json.Marshal(dest)
	if err != nil {
		return ""
	}
	return string(encoded)
}
