package writeback

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/scribbler-labs/scribbler/backend/internal/drive"
	"github.com/scribbler-labs/scribbler/backend/internal/keyspace"
	"github.com/scribbler-labs/scribbler/backend/internal/scribble"
)

var errMissingSIDProvider = errors.New("writeback: sid provider is required")

// ImporterConfig bundles the backfill importer's dependencies.
type ImporterConfig struct {
	Cache         *scribble.Cache
	Store         drive.DurableStore
	Sessions      CredentialResolver
	SIDProvider   scribble.SIDProvider
	Logger        *zap.Logger
	AppFolderName string
}

// Importer reconciles a user's pre-existing remote scribbles into the cache.
// It runs at most once per user: a non-empty scribble index means the cache
// is already populated and the import is a no-op.
type Importer struct {
	cache         *scribble.Cache
	store         drive.DurableStore
	sessions      CredentialResolver
	sids          scribble.SIDProvider
	logger        *zap.Logger
	appFolderName string
}

// NewImporter constructs an Importer.
func NewImporter(cfg ImporterConfig) (*Importer, error) {
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Sessions == nil {
		return nil, errMissingSessions
	}
	if cfg.SIDProvider == nil {
		return nil, errMissingSIDProvider
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	appFolderName := cfg.AppFolderName
	if appFolderName == "" {
		appFolderName = DefaultAppFolderName
	}
	return &Importer{
		cache:         cfg.Cache,
		store:         cfg.Store,
		sessions:      cfg.Sessions,
		sids:          cfg.SIDProvider,
		logger:        logger,
		appFolderName: appFolderName,
	}, nil
}

// RunForUser imports the user's remote scribble folders into the cache when
// the user's index is empty. Each scribble lands in one cache transaction,
// so a crash partway leaves only whole scribbles behind. Folders missing
// some of the expected files import with those parts unset. Imported
// entries skip the change log: the data already lives remotely, so no
// write-back is owed.
func (i *Importer) RunForUser(ctx context.Context, userID scribble.UserID) error {
	size, err := i.cache.IndexSize(ctx, userID)
	if err != nil {
		return err
	}
	if size > 0 {
		return nil
	}

	credential, err := i.sessions.ResolveAccessCredential(ctx, userID.String())
	if err != nil {
		return err
	}
	appFolderID, err := i.store.EnsureFolder(ctx, credential, i.appFolderName, "")
	if err != nil {
		return err
	}
	folders, err := i.store.ListFolderChildren(ctx, credential, appFolderID, drive.ChildFilter{FoldersOnly: true})
	if err != nil {
		return err
	}

	imported := 0
	for _, folder := range folders {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := i.importFolder(ctx, credential, userID, folder); err != nil {
			// Best effort: one bad folder must not sink the rest.
			i.logger.Warn("backfill skipped folder",
				zap.String("user_id", userID.String()),
				zap.String("folder", folder.Name),
				zap.Error(err))
			continue
		}
		imported++
	}
	i.logger.Info("backfill finished",
		zap.String("user_id", userID.String()),
		zap.Int("folders", len(folders)),
		zap.Int("imported", imported))
	return nil
}

func (i *Importer) importFolder(ctx context.Context, credential drive.Credential, userID scribble.UserID, folder drive.File) error {
	expected := make([]string, 0, len(keyspace.ContentParts))
	for _, part := range keyspace.ContentParts {
		expected = append(expected, keyspace.PartFilenames[part])
	}
	children, err := i.store.ListFolderChildren(ctx, credential, folder.ID, drive.ChildFilter{Names: expected})
	if err != nil {
		return err
	}
	byName := make(map[string]string, len(children))
	for _, child := range children {
		byName[child.Name] = child.ID
	}

	draft := scribble.Draft{Name: folder.Name}
	for _, part := range keyspace.ContentParts {
		fileID, ok := byName[keyspace.PartFilenames[part]]
		if !ok {
			// Partial import: a missing file leaves its part unset.
			continue
		}
		content, err := i.store.ReadFile(ctx, credential, fileID)
		if err != nil {
			return err
		}
		switch part {
		case keyspace.PartJS:
			draft.JS = content
		case keyspace.PartCSS:
			draft.CSS = content
		case keyspace.PartHTML:
			draft.HTML = content
		}
	}

	sid, err := i.sids.NewSID()
	if err != nil {
		return err
	}
	draft.SID = sid
	_, err = i.cache.Import(ctx, userID, draft)
	return err
}
