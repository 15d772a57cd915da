package doc

import (
	"context"
	"sync"
	"time"

	"github.com/tiendc/go-deepcopy"
)

// MemStore is an in-memory Store used by tests and single-process embedding.
type MemStore struct {
	mu   sync.Mutex
	docs map[string]*Document
	now  func() time.Time
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		docs: make(map[string]*Document),
		now:  time.Now,
	}
}

// Create inserts a new scene.
func (s *MemStore) Create(_ context.Context, d Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()
	d.CreatedAt = now
	d.UpdatedAt = now

	stored := new(Document)
	if err := deepcopy.Copy(stored, &d); err != nil {
		return err
	}
	s.docs[d.SceneID] = stored
	return nil
}

// Get returns a copy of the stored scene or ErrNotFound.
func (s *MemStore) Get(_ context.Context, sceneID string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.docs[sceneID]
	if !ok {
		return nil, ErrNotFound
	}

	out := new(Document)
	if err := deepcopy.Copy(out, stored); err != nil {
		return nil, err
	}
	return out, nil
}

// Update applies a partial update or returns ErrNotFound.
func (s *MemStore) Update(_ context.Context, sceneID string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.docs[sceneID]
	if !ok {
		return ErrNotFound
	}

	if patch.Title != nil {
		stored.Title = *patch.Title
	}
	if patch.Body != nil {
		body := make(map[string]any, len(patch.Body))
		if err := deepcopy.Copy(&body, &patch.Body); err != nil {
			return err
		}
		stored.Body = body
	}
	if patch.WordCount != nil {
		stored.WordCount = *patch.WordCount
	}
	stored.UpdatedAt = s.now().UnixMilli()
	return nil
}

// Delete removes a scene; absent scenes are ignored.
func (s *MemStore) Delete(_ context.Context, sceneID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, sceneID)
	return nil
}
