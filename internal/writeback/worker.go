// Package writeback drains the change log and flushes cached scribbles to
// the durable store. Delivery is at-least-once: a record is acknowledged
// only after its flush succeeds, and the store's upsert-by-name writes make
// redelivered flushes harmless. Each flush reads the scribble's current
// cache state, so a burst of edits coalesces into one durable write.
package writeback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scribbler-labs/scribbler/backend/internal/changelog"
	"github.com/scribbler-labs/scribbler/backend/internal/drive"
	"github.com/scribbler-labs/scribbler/backend/internal/keyspace"
	"github.com/scribbler-labs/scribbler/backend/internal/scribble"
)

const (
	// GroupName is the consumer group all write-back workers join.
	GroupName = "drive-writer"
	// DefaultAppFolderName is the remote folder holding all scribbles.
	DefaultAppFolderName = "Scribbler"

	defaultBatchSize    = 25
	defaultBlockTimeout = 5 * time.Second
)

var (
	errMissingCache     = errors.New("writeback: cache is required")
	errMissingChangeLog = errors.New("writeback: change log is required")
	errMissingStore     = errors.New("writeback: durable store is required")
	errMissingSessions  = errors.New("writeback: session provider is required")
)

// CredentialResolver yields the access credential for a user's durable-store
// calls.
type CredentialResolver interface {
	ResolveAccessCredential(ctx context.Context, userID string) (drive.Credential, error)
}

// WorkerConfig bundles the worker's dependencies.
type WorkerConfig struct {
	Cache         *scribble.Cache
	ChangeLog     *changelog.Log
	Store         drive.DurableStore
	Sessions      CredentialResolver
	Logger        *zap.Logger
	ConsumerID    string
	BatchSize     int
	BlockTimeout  time.Duration
	AppFolderName string
}

// Worker is the long-running change-log consumer.
type Worker struct {
	cache         *scribble.Cache
	log           *changelog.Log
	store         drive.DurableStore
	sessions      CredentialResolver
	logger        *zap.Logger
	consumerID    string
	batchSize     int
	blockTimeout  time.Duration
	appFolderName string
}

// NewWorker constructs a Worker with a stable consumer id.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	if cfg.ChangeLog == nil {
		return nil, errMissingChangeLog
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Sessions == nil {
		return nil, errMissingSessions
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	consumerID := cfg.ConsumerID
	if consumerID == "" {
		consumerID = "writer-" + uuid.NewString()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	blockTimeout := cfg.BlockTimeout
	if blockTimeout <= 0 {
		blockTimeout = defaultBlockTimeout
	}
	appFolderName := cfg.AppFolderName
	if appFolderName == "" {
		appFolderName = DefaultAppFolderName
	}
	return &Worker{
		cache:         cfg.Cache,
		log:           cfg.ChangeLog,
		store:         cfg.Store,
		sessions:      cfg.Sessions,
		logger:        logger,
		consumerID:    consumerID,
		batchSize:     batchSize,
		blockTimeout:  blockTimeout,
		appFolderName: appFolderName,
	}, nil
}

// Run consumes the change log until the context is cancelled. A failing
// record is logged and left unacknowledged so it is redelivered later; the
// loop itself never stops on a per-record failure.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.log.OpenConsumerGroup(ctx, GroupName); err != nil {
		return err
	}
	w.logger.Info("write-back worker started",
		zap.String("consumer", w.consumerID),
		zap.String("group", GroupName))

	for {
		if err := w.RunCycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				w.logger.Info("write-back worker stopping", zap.String("consumer", w.consumerID))
				return nil
			}
			w.logger.Error("write-back cycle failed", zap.Error(err))
		}
	}
}

// RunCycle performs one poll-and-process pass: a blocking batch read, then a
// flush-and-acknowledge attempt per delivered record.
func (w *Worker) RunCycle(ctx context.Context) error {
	entries, err := w.log.ReadBatch(ctx, GroupName, w.consumerID, w.batchSize, w.blockTimeout)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.processEntry(ctx, entry); err != nil {
			// Left unacknowledged: the entry is redelivered on a later poll.
			w.logger.Warn("flush failed, leaving entry for redelivery",
				zap.Int64("position", entry.ID),
				zap.String("user_id", entry.Record.UserID),
				zap.String("sid", entry.Record.SID),
				zap.Error(err))
			continue
		}
		if err := w.log.Acknowledge(ctx, GroupName, entry.ID); err != nil {
			w.logger.Error("acknowledge failed",
				zap.Int64("position", entry.ID),
				zap.Error(err))
		}
	}
	return nil
}

func (w *Worker) processEntry(ctx context.Context, entry changelog.Entry) error {
	userID, err := scribble.NewUserID(entry.Record.UserID)
	if err != nil {
		return err
	}
	sid, err := scribble.NewSID(entry.Record.SID)
	if err != nil {
		return err
	}
	if err := w.flushScribble(ctx, userID, sid); err != nil {
		return err
	}
	w.logger.Debug("scribble flushed",
		zap.Int64("position", entry.ID),
		zap.String("sid", sid.String()),
		zap.Int64("log_version", entry.Record.Version))
	return nil
}

// flushScribble writes the scribble's current cache state to the durable
// store. The state may be newer than the change record that triggered the
// flush; flushing the latest is intentional last-writer-wins behavior.
func (w *Worker) flushScribble(ctx context.Context, userID scribble.UserID, sid scribble.SID) error {
	current, err := w.cache.Read(ctx, userID, sid)
	if err != nil {
		return err
	}
	if current.Name == "" {
		return fmt.Errorf("writeback: scribble %s has no name", sid)
	}

	credential, err := w.sessions.ResolveAccessCredential(ctx, userID.String())
	if err != nil {
		return err
	}

	appFolderID, err := w.store.EnsureFolder(ctx, credential, w.appFolderName, "")
	if err != nil {
		return err
	}
	folderID, err := w.store.EnsureFolder(ctx, credential, current.Name, appFolderID)
	if err != nil {
		return err
	}

	for _, part := range keyspace.ContentParts {
		content := scribble.Draft{JS: current.JS, CSS: current.CSS, HTML: current.HTML}.Part(part)
		if content == "" {
			continue
		}
		if _, err := w.store.WriteFile(ctx, credential, folderID, keyspace.PartFilenames[part], content); err != nil {
			return err
		}
	}
	return nil
}
