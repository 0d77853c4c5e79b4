// Package changelog is an append-only, totally ordered record of accepted
// scribble mutations with consumer-group delivery semantics: competing
// consumers, redelivery of unacknowledged entries, explicit acknowledgment.
package changelog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultClaimTimeout = time.Minute
	defaultPollInterval = 100 * time.Millisecond

	opLogNew      = "changelog.new"
	opAppend      = "changelog.append"
	opOpenGroup   = "changelog.open_group"
	opReadBatch   = "changelog.read_batch"
	opAcknowledge = "changelog.acknowledge"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingGroup    = errors.New("consumer group name is required")
	errMissingConsumer = errors.New("consumer id is required")
)

// LogError carries an operation-scoped failure code around its cause.
type LogError struct {
	code string
	err  error
}

func (e *LogError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *LogError) Unwrap() error { return e.err }

func newLogError(operation, reason string, cause error) error {
	return &LogError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Config bundles the log's dependencies.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	// ClaimTimeout is how long a delivered entry may stay unacknowledged
	// before another consumer in the group may claim it.
	ClaimTimeout time.Duration
	// PollInterval bounds how often a blocking ReadBatch re-checks the log.
	PollInterval time.Duration
}

// Log provides append and consumer-group read access to the change stream.
type Log struct {
	db           *gorm.DB
	clock        func() time.Time
	logger       *zap.Logger
	claimTimeout time.Duration
	pollInterval time.Duration
}

// New constructs a Log.
func New(cfg Config) (*Log, error) {
	if cfg.Database == nil {
		return nil, newLogError(opLogNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	claimTimeout := cfg.ClaimTimeout
	if claimTimeout <= 0 {
		claimTimeout = defaultClaimTimeout
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Log{
		db:           cfg.Database,
		clock:        clock,
		logger:       logger,
		claimTimeout: claimTimeout,
		pollInterval: pollInterval,
	}, nil
}

// Append writes a record and returns its assigned position. The position is
// strictly increasing across all appends and durable once returned.
func (l *Log) Append(ctx context.Context, record Record) (int64, error) {
	return l.AppendIn(l.db.WithContext(ctx), record)
}

// AppendIn appends inside the caller's transaction so a cache mutation and
// its log entry commit together.
func (l *Log) AppendIn(tx *gorm.DB, record Record) (int64, error) {
	row := changeRow{
		UserID:       record.UserID,
		SID:          record.SID,
		Op:           record.Op,
		Version:      record.Version,
		AppendedAtMS: l.clock().UnixMilli(),
	}
	if err := tx.Create(&row).Error; err != nil {
		l.logger.Error("change append failed", zap.String("operation", opAppend), zap.Error(err))
		return 0, newLogError(opAppend, "insert_failed", err)
	}
	return row.Position, nil
}

// OpenConsumerGroup registers a consumer group. Opening a group that already
// exists is a no-op. A new group starts at position zero and is delivered
// every retained entry.
func (l *Log) OpenConsumerGroup(ctx context.Context, groupName string) error {
	if groupName == "" {
		return newLogError(opOpenGroup, "missing_group", errMissingGroup)
	}
	row := groupRow{Name: groupName, CreatedAtMS: l.clock().UnixMilli()}
	err := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		l.logger.Error("consumer group open failed",
			zap.String("operation", opOpenGroup),
			zap.String("group", groupName),
			zap.Error(err))
		return newLogError(opOpenGroup, "insert_failed", err)
	}
	return nil
}

// ReadBatch delivers up to maxCount entries to the named consumer: first any
// entries whose previous delivery went unacknowledged past the claim
// timeout, then entries the group has never seen. It blocks up to
// blockTimeout when nothing is available, then returns an empty batch.
func (l *Log) ReadBatch(ctx context.Context, groupName, consumerID string, maxCount int, blockTimeout time.Duration) ([]Entry, error) {
	if groupName == "" {
		return nil, newLogError(opReadBatch, "missing_group", errMissingGroup)
	}
	if consumerID == "" {
		return nil, newLogError(opReadBatch, "missing_consumer", errMissingConsumer)
	}
	if maxCount <= 0 {
		return nil, nil
	}

	deadline := l.clock().Add(blockTimeout)
	for {
		entries, err := l.fetchBatch(ctx, groupName, consumerID, maxCount)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			return entries, nil
		}
		remaining := deadline.Sub(l.clock())
		if remaining <= 0 {
			return nil, nil
		}
		wait := l.pollInterval
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Log) fetchBatch(ctx context.Context, groupName, consumerID string, maxCount int) ([]Entry, error) {
	var entries []Entry
	now := l.clock().UnixMilli()
	staleBefore := now - l.claimTimeout.Milliseconds()

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var group groupRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("name = ?", groupName).
			Take(&group).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newLogError(opReadBatch, "unknown_group", errMissingGroup)
			}
			return newLogError(opReadBatch, "group_select_failed", err)
		}

		// Claim stale pending entries first so an entry orphaned by a dead
		// consumer is redelivered before new work.
		var stale []deliveryRow
		if err := tx.Where("group_name = ? AND acked = ? AND delivered_at_ms < ?", groupName, false, staleBefore).
			Order("position ASC").
			Limit(maxCount).
			Find(&stale).Error; err != nil {
			return newLogError(opReadBatch, "pending_select_failed", err)
		}
		for _, pending := range stale {
			updates := map[string]any{
				"consumer":        consumerID,
				"delivered_at_ms": now,
				"delivery_count":  pending.DeliveryCount + 1,
			}
			if err := tx.Model(&deliveryRow{}).
				Where("group_name = ? AND position = ?", groupName, pending.Position).
				Updates(updates).Error; err != nil {
				return newLogError(opReadBatch, "claim_failed", err)
			}
			var row changeRow
			if err := tx.Where("position = ?", pending.Position).Take(&row).Error; err != nil {
				return newLogError(opReadBatch, "record_select_failed", err)
			}
			entries = append(entries, entryFromRow(row))
		}

		remaining := maxCount - len(entries)
		if remaining <= 0 {
			return nil
		}

		var fresh []changeRow
		if err := tx.Where("position > ?", group.LastDeliveredPosition).
			Order("position ASC").
			Limit(remaining).
			Find(&fresh).Error; err != nil {
			return newLogError(opReadBatch, "record_select_failed", err)
		}
		for _, row := range fresh {
			delivery := deliveryRow{
				GroupName:     groupName,
				Position:      row.Position,
				Consumer:      consumerID,
				DeliveredAtMS: now,
				DeliveryCount: 1,
			}
			if err := tx.Create(&delivery).Error; err != nil {
				return newLogError(opReadBatch, "delivery_insert_failed", err)
			}
			entries = append(entries, entryFromRow(row))
		}
		if len(fresh) > 0 {
			cursor := fresh[len(fresh)-1].Position
			if err := tx.Model(&groupRow{}).
				Where("name = ?", groupName).
				Update("last_delivered_position", cursor).Error; err != nil {
				return newLogError(opReadBatch, "cursor_update_failed", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Acknowledge marks an entry durably processed for the group so it is never
// redelivered.
func (l *Log) Acknowledge(ctx context.Context, groupName string, entryID int64) error {
	if groupName == "" {
		return newLogError(opAcknowledge, "missing_group", errMissingGroup)
	}
	err := l.db.WithContext(ctx).Model(&deliveryRow{}).
		Where("group_name = ? AND position = ?", groupName, entryID).
		Update("acked", true).Error
	if err != nil {
		l.logger.Error("acknowledge failed",
			zap.String("operation", opAcknowledge),
			zap.String("group", groupName),
			zap.Int64("position", entryID),
			zap.Error(err))
		return newLogError(opAcknowledge, "update_failed", err)
	}
	return nil
}

// PendingCount reports how many delivered entries remain unacknowledged for
// the group.
func (l *Log) PendingCount(ctx context.Context, groupName string) (int64, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&deliveryRow{}).
		Where("group_name = ? AND acked = ?", groupName, false).
		Count(&count).Error
	if err != nil {
		return 0, newLogError(opReadBatch, "pending_count_failed", err)
	}
	return count, nil
}

func entryFromRow(row changeRow) Entry {
	return Entry{
		ID: row.Position,
		Record: Record{
			UserID:  row.UserID,
			SID:     row.SID,
			Op:      row.Op,
			Version: row.Version,
		},
	}
}
