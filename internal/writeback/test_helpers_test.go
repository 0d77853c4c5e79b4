package writeback

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/scribbler-labs/scribbler/backend/internal/changelog"
	"github.com/scribbler-labs/scribbler/backend/internal/drive"
	"github.com/scribbler-labs/scribbler/backend/internal/scribble"
	"github.com/scribbler-labs/scribbler/backend/internal/session"
)

type fixture struct {
	cache *scribble.Cache
	log   *changelog.Log
}

func newFixture(t *testing.T, claimTimeout time.Duration) fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:writeback_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	models := append(scribble.Models(), changelog.Models()...)
	models = append(models, session.Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate test schema: %v", err)
	}

	log, err := changelog.New(changelog.Config{
		Database:     db,
		ClaimTimeout: claimTimeout,
		PollInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to build change log: %v", err)
	}
	cache, err := scribble.NewCache(scribble.CacheConfig{
		Database:    db,
		ChangeLog:   log,
		SIDProvider: scribble.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build cache: %v", err)
	}
	return fixture{cache: cache, log: log}
}

type fakeSessions struct {
	credentials map[string]drive.Credential
	expired     bool
}

func (f *fakeSessions) ResolveAccessCredential(_ context.Context, userID string) (drive.Credential, error) {
	if f.expired {
		return drive.Credential{}, fmt.Errorf("%w: forced by test", session.ErrAuthExpired)
	}
	credential, ok := f.credentials[userID]
	if !ok {
		return drive.Credential{}, fmt.Errorf("%w: unknown user", session.ErrAuthExpired)
	}
	return credential, nil
}

type fakeFolder struct {
	id     string
	name   string
	parent string
	files  map[string]string // filename -> fileID
}

// fakeStore is an in-memory DurableStore with upsert-by-name writes and an
// optional count of forced write failures.
type fakeStore struct {
	mu         sync.Mutex
	folders    map[string]*fakeFolder
	contents   map[string]string // fileID -> text
	nextID     int
	failWrites int
	writeCalls int
	listCalls  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		folders:  map[string]*fakeFolder{},
		contents: map[string]string{},
	}
}

func (s *fakeStore) newID(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%d", prefix, s.nextID)
}

func (s *fakeStore) EnsureFolder(_ context.Context, _ drive.Credential, name, parentID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, folder := range s.folders {
		if folder.name == name && folder.parent == parentID {
			return folder.id, nil
		}
	}
	folder := &fakeFolder{
		id:     s.newID("folder"),
		name:   name,
		parent: parentID,
		files:  map[string]string{},
	}
	s.folders[folder.id] = folder
	return folder.id, nil
}

func (s *fakeStore) ListFolderChildren(_ context.Context, _ drive.Credential, folderID string, filter drive.ChildFilter) ([]drive.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	var out []drive.File
	if filter.FoldersOnly {
		for _, folder := range s.folders {
			if folder.parent == folderID {
				out = append(out, drive.File{ID: folder.id, Name: folder.name})
			}
		}
		return out, nil
	}
	folder, ok := s.folders[folderID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown folder %s", drive.ErrRemoteUnavailable, folderID)
	}
	for filename, fileID := range folder.files {
		if len(filter.Names) > 0 && !contains(filter.Names, filename) {
			continue
		}
		out = append(out, drive.File{ID: fileID, Name: filename})
	}
	return out, nil
}

func (s *fakeStore) ReadFile(_ context.Context, _ drive.Credential, fileID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.contents[fileID]
	if !ok {
		return "", fmt.Errorf("%w: unknown file %s", drive.ErrRemoteUnavailable, fileID)
	}
	return content, nil
}

func (s *fakeStore) WriteFile(_ context.Context, _ drive.Credential, folderID, filename, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeCalls++
	if s.failWrites > 0 {
		s.failWrites--
		return "", fmt.Errorf("%w: injected write failure", drive.ErrRemoteUnavailable)
	}
	folder, ok := s.folders[folderID]
	if !ok {
		return "", fmt.Errorf("%w: unknown folder %s", drive.ErrRemoteUnavailable, folderID)
	}
	fileID, ok := folder.files[filename]
	if !ok {
		fileID = s.newID("file")
		folder.files[filename] = fileID
	}
	s.contents[fileID] = text
	return fileID, nil
}

// addRemoteScribble seeds a scribble folder with part files, as a prior
// flush (or another device) would have left it.
func (s *fakeStore) addRemoteScribble(appFolderID, name string, files map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	folder := &fakeFolder{
		id:     s.newID("folder"),
		name:   name,
		parent: appFolderID,
		files:  map[string]string{},
	}
	s.folders[folder.id] = folder
	for filename, content := range files {
		fileID := s.newID("file")
		folder.files[filename] = fileID
		s.contents[fileID] = content
	}
}

func (s *fakeStore) fileContent(folderName, filename string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, folder := range s.folders {
		if folder.name != folderName {
			continue
		}
		fileID, ok := folder.files[filename]
		if !ok {
			return "", false
		}
		content, ok := s.contents[fileID]
		return content, ok
	}
	return "", false
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

func mustPendingCount(t *testing.T, log *changelog.Log, expected int64) {
	t.Helper()
	pending, err := log.PendingCount(context.Background(), GroupName)
	if err != nil {
		t.Fatalf("pending count failed: %v", err)
	}
	if pending != expected {
		t.Fatalf("expected %d pending entries, got %d", expected, pending)
	}
}
