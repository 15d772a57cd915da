package doc

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/syndtr/goleveldb/leveldb"
)

var scenePrefix = []byte("scene/")

// LevelStore is a Store backed by a local leveldb database. Scenes live under
// the "scene/" key prefix so the same database file can host other record
// families (the emergency backup store keeps its own prefix).
type LevelStore struct {
	db  *leveldb.DB
	now func() time.Time
}

// OpenLevelStore opens (or creates) a leveldb-backed store at path.
func OpenLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("doc: open leveldb at %s: %w", path, err)
	}
	return NewLevelStore(db), nil
}

// NewLevelStore wraps an already-open leveldb handle. The caller keeps
// ownership of the handle unless Close is used.
func NewLevelStore(db *leveldb.DB) *LevelStore {
	return &LevelStore{db: db, now: time.Now}
}

// Close closes the underlying database.
func (s *LevelStore) Close() error {
	return s.db.Close()
}

func sceneKey(sceneID string) []byte {
	return append(append([]byte(nil), scenePrefix...), sceneID...)
}

// Create inserts a new scene.
func (s *LevelStore) Create(_ context.Context, d Document) error {
	now := s.now().UnixMilli()
	d.CreatedAt = now
	d.UpdatedAt = now

	data, err := json.Marshal(&d)
	if err != nil {
		return fmt.Errorf("doc: encode scene %s: %w", d.SceneID, err)
	}
	if err := s.db.Put(sceneKey(d.SceneID), data, nil); err != nil {
		return fmt.Errorf("doc: write scene %s: %w", d.SceneID, err)
	}
	return nil
}

// Get returns the stored scene or ErrNotFound.
func (s *LevelStore) Get(_ context.Context, sceneID string) (*Document, error) {
	data, err := s.db.Get(sceneKey(sceneID), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("doc: read scene %s: %w", sceneID, err)
	}

	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("doc: decode scene %s: %w", sceneID, err)
	}
	return &d, nil
}

// Update applies a partial update to an existing scene.
func (s *LevelStore) Update(ctx context.Context, sceneID string, patch Patch) error {
	d, err := s.Get(ctx, sceneID)
	if err != nil {
		return err
	}

	if patch.Title != nil {
		d.Title = *patch.Title
	}
	if patch.Body != nil {
		d.Body = patch.Body
	}
	if patch.WordCount != nil {
		d.WordCount = *patch.WordCount
	}
	d.UpdatedAt = s.now().UnixMilli()

	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("doc: encode scene %s: %w", sceneID, err)
	}
	if err := s.db.Put(sceneKey(sceneID), data, nil); err != nil {
		return fmt.Errorf("doc: write scene %s: %w", sceneID, err)
	}
	return nil
}

// Delete removes a scene; absent scenes are ignored.
func (s *LevelStore) Delete(_ context.Context, sceneID string) error {
	if err := s.db.Delete(sceneKey(sceneID), nil); err != nil {
		return fmt.Errorf("doc: delete scene %s: %w", sceneID, err)
	}
	return nil
}
