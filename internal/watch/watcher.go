package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultMaxBackoff   = 30 * time.Second
	pollBatchSize       = 100
)

var (
	errMissingDatabase = errors.New("watch: database handle is required")
	errMissingHandler  = errors.New("watch: change handler is required")
)

// Handler consumes change events. It is invoked from the subscription
// goroutine of the event's collection, in sequence order for that collection.
// Delivery is at-least-once; handlers must tolerate duplicates.
type Handler func(ChangeEvent)

// WatcherConfig describes the dependencies for the mutation watcher.
type WatcherConfig struct {
	Database     *gorm.DB
	Collections  []string
	Handler      Handler
	PollInterval time.Duration
	MaxBackoff   time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Watcher tails the change log with one independent subscription per watched
// collection. A failing subscription logs and restarts with backoff without
// affecting the others.
type Watcher struct {
	db           *gorm.DB
	collections  []string
	handler      Handler
	pollInterval time.Duration
	maxBackoff   time.Duration
	clock        func() time.Time
	logger       *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher constructs a Watcher applying defaults for unset configuration.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Handler == nil {
		return nil, errMissingHandler
	}
	collections := cfg.Collections
	if len(collections) == 0 {
		collections = WatchedCollections()
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		db:           cfg.Database,
		collections:  collections,
		handler:      cfg.Handler,
		pollInterval: pollInterval,
		maxBackoff:   maxBackoff,
		clock:        clock,
		logger:       logger,
	}, nil
}

// Start launches one subscription goroutine per collection. Each begins at
// the current tail of the change log, so only mutations after Start are
// observed.
func (w *Watcher) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	for _, collection := range w.collections {
		w.wg.Add(1)
		go w.runSubscription(runCtx, collection)
	}
}

// Close stops every subscription and waits for the goroutines to exit.
func (w *Watcher) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Watcher) runSubscription(ctx context.Context, collection string) {
	defer w.wg.Done()

	cursor, err := w.tailSequence(ctx, collection)
	for err != nil {
		w.logger.Error("change subscription failed to resolve cursor",
			zap.String("collection", collection),
			zap.Error(err))
		if !w.sleep(ctx, w.pollInterval) {
			return
		}
		cursor, err = w.tailSequence(ctx, collection)
	}

	delay := w.pollInterval
	for {
		if !w.sleep(ctx, delay) {
			return
		}
		records, pollErr := w.poll(ctx, collection, cursor)
		if pollErr != nil {
			// Restartable subscription error: log and back off, never crash.
			w.logger.Error("change subscription poll failed",
				zap.String("collection", collection),
				zap.Int64("cursor", cursor),
				zap.Error(pollErr))
			delay = w.nextBackoff(delay)
			continue
		}
		delay = w.pollInterval
		for _, record := range records {
			w.handler(toEvent(record))
			cursor = record.Sequence
		}
	}
}

func (w *Watcher) poll(ctx context.Context, collection string, cursor int64) ([]ChangeRecord, error) {
	var records []ChangeRecord
	err := w.db.WithContext(ctx).
		Where("collection = ? AND seq > ?", collection, cursor).
		Order("seq ASC").
		Limit(pollBatchSize).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("poll change log: %w", err)
	}
	return records, nil
}

func (w *Watcher) tailSequence(ctx context.Context, collection string) (int64, error) {
	var tail int64
	err := w.db.WithContext(ctx).
		Model(&ChangeRecord{}).
		Where("collection = ?", collection).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&tail).Error
	if err != nil {
		return 0, fmt.Errorf("resolve change log tail: %w", err)
	}
	return tail, nil
}

func (w *Watcher) nextBackoff(current time.Duration) time.Duration {
	doubled := current * 2
	if doubled > w.maxBackoff {
		return w.maxBackoff
	}
	if doubled < w.pollInterval {
		return w.pollInterval
	}
	return doubled
}

func (w *Watcher) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func toEvent(record ChangeRecord) ChangeEvent {
	var snapshot json.RawMessage
	if record.SnapshotJSON != "" {
		snapshot = json.RawMessage(record.SnapshotJSON)
	}
	return ChangeEvent{
		Collection: record.Collection,
		Operation:  record.Operation,
		RecordID:   record.RecordID,
		Snapshot:   snapshot,
		Timestamp:  time.Unix(record.OccurredAtSeconds, 0).UTC(),
	}
}
