// Package scribble implements the authoritative fast-path store for
// scribbles: per-user id sets plus per-scribble metadata and three content
// parts, with optimistic-version conflict handling on update. Every accepted
// mutation appends to the change log in the same transaction.
package scribble

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/scribbler-labs/scribbler/backend/internal/changelog"
	"github.com/scribbler-labs/scribbler/backend/internal/keyspace"
)

var (
	// ErrNotFound indicates the referenced scribble does not exist.
	ErrNotFound = errors.New("scribble: not found")
	// ErrValidation indicates a required draft field is missing.
	ErrValidation = errors.New("scribble: invalid draft")
	// ErrInvariantViolation indicates the client claims a version ahead of
	// the authoritative cache, which no legal history can produce.
	ErrInvariantViolation = errors.New("scribble: client version ahead of cache")

	errMissingDatabase    = errors.New("database handle is required")
	errMissingChangeLog   = errors.New("change log is required")
	errMissingSIDProvider = errors.New("sid provider is required")
)

const (
	opCacheNew = "scribble.cache.new"
	opCreate   = "scribble.cache.create"
	opUpdate   = "scribble.cache.update"
	opRead     = "scribble.cache.read"
	opReadAll  = "scribble.cache.read_all"
	opImport   = "scribble.cache.import"
)

// CacheError carries an operation-scoped failure code around its cause.
type CacheError struct {
	code string
	err  error
}

func (e *CacheError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *CacheError) Unwrap() error { return e.err }

func newCacheError(operation, reason string, cause error) error {
	return &CacheError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// CacheConfig bundles the cache's dependencies.
type CacheConfig struct {
	Database    *gorm.DB
	ChangeLog   *changelog.Log
	Clock       func() time.Time
	SIDProvider SIDProvider
	Logger      *zap.Logger
}

// Cache is the versioned scribble store.
type Cache struct {
	db     *gorm.DB
	log    *changelog.Log
	clock  func() time.Time
	sids   SIDProvider
	logger *zap.Logger
}

// NewCache constructs a Cache.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Database == nil {
		return nil, newCacheError(opCacheNew, "missing_database", errMissingDatabase)
	}
	if cfg.ChangeLog == nil {
		return nil, newCacheError(opCacheNew, "missing_change_log", errMissingChangeLog)
	}
	if cfg.SIDProvider == nil {
		return nil, newCacheError(opCacheNew, "missing_sid_provider", errMissingSIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		db:     cfg.Database,
		log:    cfg.ChangeLog,
		clock:  clock,
		sids:   cfg.SIDProvider,
		logger: logger,
	}, nil
}

// Create stores a new scribble: all three parts with their digests, the
// metadata record, index membership and a create change record, committed
// together. Callers reusing a pre-assigned sid get the same stored state
// back; callers must not create the same logical document twice without one.
func (c *Cache) Create(ctx context.Context, userID UserID, draft Draft) (Scribble, error) {
	if draft.Name == "" {
		return Scribble{}, newCacheError(opCreate, "missing_name", ErrValidation)
	}

	sid := draft.SID
	if sid == "" {
		minted, err := c.sids.NewSID()
		if err != nil {
			c.logError(opCreate, "sid_generation_failed", err, userID.String(), "")
			return Scribble{}, newCacheError(opCreate, "sid_generation_failed", err)
		}
		sid = minted
	}
	version := draft.Version
	if version <= 0 {
		version = 1
	}

	now := c.clock().UnixMilli()
	stored := Scribble{
		SID:       sid,
		Name:      draft.Name,
		Version:   version,
		JS:        draft.JS,
		CSS:       draft.CSS,
		HTML:      draft.HTML,
		CreatedMS: now,
	}

	txErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := c.storeScribble(tx, userID, stored); err != nil {
			return err
		}
		record := changelog.Record{
			UserID:  userID.String(),
			SID:     sid,
			Op:      changelog.OperationCreate,
			Version: version,
		}
		if _, err := c.log.AppendIn(tx, record); err != nil {
			return newCacheError(opCreate, "change_append_failed", err)
		}
		return nil
	})
	if txErr != nil {
		c.logError(opCreate, "transaction_failed", txErr, userID.String(), sid)
		return Scribble{}, txErr
	}
	return stored, nil
}

// Exists checks metadata presence for the sid under the user.
func (c *Cache) Exists(ctx context.Context, userID UserID, sid SID) (bool, error) {
	var count int64
	err := c.db.WithContext(ctx).Model(&metaRow{}).
		Where("record_key = ?", keyspace.RecordKey(userID.String(), sid.String(), keyspace.PartMeta)).
		Count(&count).Error
	if err != nil {
		return false, newCacheError(opRead, "meta_count_failed", err)
	}
	return count > 0, nil
}

// Update applies a draft against the cached state. Outcomes, in order:
//
//   - Conflict (unless force): the client is behind the cache and some part
//     differs. The result carries the server's decoded content for the
//     dirty parts only; nothing is mutated.
//   - No-op: no part differs. The draft is returned unchanged with no
//     version bump and no change record.
//   - InvariantViolation: the client claims a version ahead of the cache.
//   - Apply: version becomes the cache's current version plus one (a forced
//     update increments from the cache's version, never the client's), all
//     three parts are rewritten, and an update change record is appended.
//
// The read-modify-write runs in one transaction with the metadata row
// locked, so two racing updates for the same sid serialize.
func (c *Cache) Update(ctx context.Context, userID UserID, draft Draft, force bool) (UpdateResult, error) {
	if draft.SID == "" || draft.Name == "" || draft.Version <= 0 {
		return UpdateResult{}, newCacheError(opUpdate, "missing_field", ErrValidation)
	}

	var result UpdateResult
	txErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var meta metaRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("record_key = ?", keyspace.RecordKey(userID.String(), draft.SID, keyspace.PartMeta)).
			Take(&meta).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newCacheError(opUpdate, "unknown_sid", ErrNotFound)
		}
		if err != nil {
			return newCacheError(opUpdate, "meta_select_failed", err)
		}

		cached, err := c.loadParts(tx, userID.String(), draft.SID)
		if err != nil {
			return err
		}

		states := evaluateParts(draft, cached)
		clientVersion := draft.Version
		serverVersion := meta.Version

		if !force && clientVersion < serverVersion && anyDirty(states) {
			conflict, err := buildConflict(states)
			if err != nil {
				return newCacheError(opUpdate, "conflict_decode_failed", err)
			}
			result = UpdateResult{
				Scribble: Scribble{
					SID:       draft.SID,
					Name:      draft.Name,
					Version:   draft.Version,
					JS:        draft.JS,
					CSS:       draft.CSS,
					HTML:      draft.HTML,
					CreatedMS: meta.CreatedMS,
					UpdatedMS: meta.UpdatedMS,
				},
				Conflict: conflict,
			}
			return nil
		}

		if !anyDirty(states) {
			result = UpdateResult{Scribble: Scribble{
				SID:       draft.SID,
				Name:      draft.Name,
				Version:   draft.Version,
				JS:        draft.JS,
				CSS:       draft.CSS,
				HTML:      draft.HTML,
				CreatedMS: meta.CreatedMS,
				UpdatedMS: meta.UpdatedMS,
			}}
			return nil
		}

		if clientVersion > serverVersion {
			return newCacheError(opUpdate, "client_ahead", ErrInvariantViolation)
		}

		finalVersion := serverVersion + 1
		now := c.clock().UnixMilli()

		// All three parts are rewritten, dirty or not, so every record
		// reflects the same version once the call returns.
		for _, state := range states {
			row := partRow{
				RecordKey: keyspace.RecordKey(userID.String(), draft.SID, state.part),
				UserID:    userID.String(),
				SID:       draft.SID,
				Part:      string(state.part),
				Hash:      state.digest,
				Encoded:   true,
				Content:   state.encoded,
			}
			if err := tx.Save(&row).Error; err != nil {
				return newCacheError(opUpdate, "part_save_failed", err)
			}
		}

		updates := map[string]any{
			"version":    finalVersion,
			"updated_ms": now,
			"name":       draft.Name,
		}
		if err := tx.Model(&metaRow{}).
			Where("record_key = ?", meta.RecordKey).
			Updates(updates).Error; err != nil {
			return newCacheError(opUpdate, "meta_update_failed", err)
		}

		record := changelog.Record{
			UserID:  userID.String(),
			SID:     draft.SID,
			Op:      changelog.OperationUpdate,
			Version: finalVersion,
		}
		if _, err := c.log.AppendIn(tx, record); err != nil {
			return newCacheError(opUpdate, "change_append_failed", err)
		}

		result = UpdateResult{Scribble: Scribble{
			SID:       draft.SID,
			Name:      draft.Name,
			Version:   finalVersion,
			JS:        draft.JS,
			CSS:       draft.CSS,
			HTML:      draft.HTML,
			CreatedMS: meta.CreatedMS,
			UpdatedMS: now,
		}}
		return nil
	})
	if txErr != nil {
		c.logError(opUpdate, "update_failed", txErr, userID.String(), draft.SID)
		return UpdateResult{}, txErr
	}
	return result, nil
}

// Read returns the scribble with all three parts decoded.
func (c *Cache) Read(ctx context.Context, userID UserID, sid SID) (Scribble, error) {
	var out Scribble
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scribble, err := c.readOne(tx, userID.String(), sid.String())
		if err != nil {
			return err
		}
		out = scribble
		return nil
	})
	if err != nil {
		return Scribble{}, err
	}
	return out, nil
}

// ReadAll resolves the user's index and reads every member. Order follows
// index membership, not insertion.
func (c *Cache) ReadAll(ctx context.Context, userID UserID) ([]Scribble, error) {
	var out []Scribble
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var members []indexRow
		if err := tx.Where("index_key = ?", keyspace.UserIndexKey(userID.String())).
			Find(&members).Error; err != nil {
			return newCacheError(opReadAll, "index_select_failed", err)
		}
		for _, member := range members {
			scribble, err := c.readOne(tx, userID.String(), member.SID)
			if err != nil {
				return err
			}
			out = append(out, scribble)
		}
		return nil
	})
	if err != nil {
		c.logError(opReadAll, "read_all_failed", err, userID.String(), "")
		return nil, err
	}
	return out, nil
}

// IndexSize reports how many scribbles the user's index holds. The backfill
// importer uses a zero count as its run-once guard.
func (c *Cache) IndexSize(ctx context.Context, userID UserID) (int64, error) {
	var count int64
	err := c.db.WithContext(ctx).Model(&indexRow{}).
		Where("index_key = ?", keyspace.UserIndexKey(userID.String())).
		Count(&count).Error
	if err != nil {
		return 0, newCacheError(opReadAll, "index_count_failed", err)
	}
	return count, nil
}

// Import writes a scribble that already exists remotely straight into the
// cache at version one, without a change record: no write-back is owed for
// freshly imported data. The four records and index membership commit
// together.
func (c *Cache) Import(ctx context.Context, userID UserID, draft Draft) (Scribble, error) {
	if draft.Name == "" || draft.SID == "" {
		return Scribble{}, newCacheError(opImport, "missing_field", ErrValidation)
	}
	stored := Scribble{
		SID:       draft.SID,
		Name:      draft.Name,
		Version:   1,
		JS:        draft.JS,
		CSS:       draft.CSS,
		HTML:      draft.HTML,
		CreatedMS: c.clock().UnixMilli(),
	}
	txErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return c.storeScribble(tx, userID, stored)
	})
	if txErr != nil {
		c.logError(opImport, "transaction_failed", txErr, userID.String(), draft.SID)
		return Scribble{}, txErr
	}
	return stored, nil
}

func (c *Cache) storeScribble(tx *gorm.DB, userID UserID, stored Scribble) error {
	states := evaluateParts(Draft{JS: stored.JS, CSS: stored.CSS, HTML: stored.HTML}, nil)
	for _, state := range states {
		row := partRow{
			RecordKey: keyspace.RecordKey(userID.String(), stored.SID, state.part),
			UserID:    userID.String(),
			SID:       stored.SID,
			Part:      string(state.part),
			Hash:      state.digest,
			Encoded:   true,
			Content:   state.encoded,
		}
		if err := tx.Save(&row).Error; err != nil {
			return newCacheError(opCreate, "part_save_failed", err)
		}
	}

	meta := metaRow{
		RecordKey: keyspace.RecordKey(userID.String(), stored.SID, keyspace.PartMeta),
		UserID:    userID.String(),
		SID:       stored.SID,
		Name:      stored.Name,
		Version:   stored.Version,
		CreatedMS: stored.CreatedMS,
		UpdatedMS: stored.UpdatedMS,
	}
	if err := tx.Save(&meta).Error; err != nil {
		return newCacheError(opCreate, "meta_save_failed", err)
	}

	member := indexRow{
		IndexKey: keyspace.UserIndexKey(userID.String()),
		SID:      stored.SID,
		UserID:   userID.String(),
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&member).Error; err != nil {
		return newCacheError(opCreate, "index_save_failed", err)
	}
	return nil
}

func (c *Cache) readOne(tx *gorm.DB, userID, sid string) (Scribble, error) {
	var meta metaRow
	err := tx.Where("record_key = ?", keyspace.RecordKey(userID, sid, keyspace.PartMeta)).
		Take(&meta).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Scribble{}, newCacheError(opRead, "unknown_sid", ErrNotFound)
	}
	if err != nil {
		return Scribble{}, newCacheError(opRead, "meta_select_failed", err)
	}

	cached, err := c.loadParts(tx, userID, sid)
	if err != nil {
		return Scribble{}, err
	}
	decoded := map[keyspace.Part]string{}
	for part, row := range cached {
		text, err := decodeRow(row)
		if err != nil {
			return Scribble{}, newCacheError(opRead, "part_decode_failed", err)
		}
		decoded[part] = text
	}
	return Scribble{
		SID:       meta.SID,
		Name:      meta.Name,
		Version:   meta.Version,
		JS:        decoded[keyspace.PartJS],
		CSS:       decoded[keyspace.PartCSS],
		HTML:      decoded[keyspace.PartHTML],
		CreatedMS: meta.CreatedMS,
		UpdatedMS: meta.UpdatedMS,
	}, nil
}

// loadParts returns the cached content rows by part name. Parts never
// written (a partial backfill import) are simply absent.
func (c *Cache) loadParts(tx *gorm.DB, userID, sid string) (map[keyspace.Part]*partRow, error) {
	var rows []partRow
	if err := tx.Where("user_id = ? AND sid = ?", userID, sid).
		Find(&rows).Error; err != nil {
		return nil, newCacheError(opRead, "part_select_failed", err)
	}
	byPart := map[keyspace.Part]*partRow{}
	for i := range rows {
		byPart[keyspace.Part(rows[i].Part)] = &rows[i]
	}
	return byPart, nil
}

func (c *Cache) logError(operation, reason string, err error, userID, sid string) {
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	if userID != "" {
		fields = append(fields, zap.String("user_id", userID))
	}
	if sid != "" {
		fields = append(fields, zap.String("sid", sid))
	}
	c.logger.Error("scribble cache error", fields...)
}
