// Package backup persists emergency snapshots written when a normal scene
// save fails. Records are durable, time-limited, and private to one instance;
// the editor offers them back to the user for restore on the next open.
package backup

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/tiendc/go-deepcopy"

	"github.com/a-velichko/draftcore/internal/doc"
)

// DefaultTTL is how long an emergency backup stays restorable.
const DefaultTTL = time.Hour

// Logger is the logging interface required by the store; *slog.Logger
// satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Record is one durable emergency backup.
type Record struct {
	ID        string       `json:"id"`
	SceneID   string       `json:"sceneId"`
	Content   doc.Snapshot `json:"content"`
	CreatedAt int64        `json:"createdAt"` // unix millis
	ExpiresAt int64        `json:"expiresAt"` // unix millis, always > CreatedAt
}

// Store keeps emergency backups in a leveldb database under the "bk/" key
// prefix. Keys are "bk/<sceneID>/<createdAt>/<id>", so a prefix scan over a
// scene yields its backups in creation order.
type Store struct {
	db     *leveldb.DB
	ttl    time.Duration
	now    func() time.Time
	logger Logger
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides how long a backup stays restorable. Non-positive values
// keep DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// Open opens (or creates) a backup store at path.
func Open(path string, logger Logger, opts ...Option) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("backup: open leveldb at %s: %w", path, err)
	}
	return New(db, logger, opts...)
}

// New wraps an already-open leveldb handle.
func New(db *leveldb.DB, logger Logger, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("backup: nil db")
	}
	if logger == nil {
		return nil, fmt.Errorf("backup: nil logger")
	}
	s := &Store{
		db:     db,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func scopePrefix(sceneID string) []byte {
	return []byte(fmt.Sprintf("bk/%s/", sceneID))
}

func recordKey(sceneID string, createdAt int64, id string) []byte {
	return []byte(fmt.Sprintf("bk/%s/%020d/%s", sceneID, createdAt, id))
}

// SaveBackup stores a serialization-safe clone of content. It never returns
// an error: the caller is already on a failure path and needs to alert the
// user whether or not the fallback write worked.
func (s *Store) SaveBackup(sceneID string, content doc.Snapshot) bool {
	cloned := doc.Snapshot{}
	if err := deepcopy.Copy(&cloned, &content); err != nil {
		s.logger.Error("emergency backup clone failed", "scene_id", sceneID, "error", err)
		return false
	}

	now := s.now()
	rec := Record{
		ID:        uuid.NewString(),
		SceneID:   sceneID,
		Content:   cloned,
		CreatedAt: now.UnixMilli(),
		ExpiresAt: now.Add(s.ttl).UnixMilli(),
	}

	data, err := json.Marshal(&rec)
	if err != nil {
		s.logger.Error("emergency backup encode failed", "scene_id", sceneID, "error", err)
		return false
	}
	if err := s.db.Put(recordKey(sceneID, rec.CreatedAt, rec.ID), data, nil); err != nil {
		s.logger.Error("emergency backup write failed", "scene_id", sceneID, "error", err)
		return false
	}

	s.logger.Info("emergency backup written",
		"scene_id", sceneID,
		"backup_id", rec.ID,
		"expires_at", rec.ExpiresAt,
	)
	return true
}

// Backup returns the newest non-expired backup for a scene, or nil.
func (s *Store) Backup(sceneID string) *Record {
	now := s.now().UnixMilli()

	it := s.db.NewIterator(util.BytesPrefix(scopePrefix(sceneID)), nil)
	defer it.Release()

	// Keys sort by creation time, so walk backwards for the newest survivor.
	for ok := it.Last(); ok; ok = it.Prev() {
		var rec Record
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			s.logger.Warn("undecodable backup record skipped", "scene_id", sceneID, "error", err)
			continue
		}
		if rec.ExpiresAt > now {
			return &rec
		}
	}
	return nil
}

// HasBackup reports whether a restorable backup exists for a scene.
func (s *Store) HasBackup(sceneID string) bool {
	return s.Backup(sceneID) != nil
}

// DeleteBackup removes every backup for a scene (restore and dismissal both
// discard the whole fallback history).
func (s *Store) DeleteBackup(sceneID string) error {
	it := s.db.NewIterator(util.BytesPrefix(scopePrefix(sceneID)), nil)
	defer it.Release()

	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("backup: scan scene %s: %w", sceneID, err)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("backup: delete scene %s: %w", sceneID, err)
	}
	return nil
}

// All returns every stored backup in key order (grouped by scene, oldest
// first), expired ones included. Used by inspection tooling.
func (s *Store) All() []Record {
	it := s.db.NewIterator(util.BytesPrefix([]byte("bk/")), nil)
	defer it.Release()

	var out []Record
	for it.Next() {
		var rec Record
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			s.logger.Warn("undecodable backup record skipped", "error", err)
			continue
		}
		out = append(out, rec)
	}
	if err := it.Error(); err != nil {
		s.logger.Warn("backup scan failed", "error", err)
	}
	return out
}

// CleanupExpired removes every expired backup and returns how many were
// deleted. It runs at instance startup and is idempotent.
func (s *Store) CleanupExpired() int {
	now := s.now().UnixMilli()

	it := s.db.NewIterator(util.BytesPrefix([]byte("bk/")), nil)
	defer it.Release()

	batch := new(leveldb.Batch)
	for it.Next() {
		var rec Record
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			// Undecodable rows are garbage too.
			batch.Delete(append([]byte(nil), it.Key()...))
			continue
		}
		if rec.ExpiresAt < now {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
	}
	if err := it.Error(); err != nil {
		s.logger.Warn("backup cleanup scan failed", "error", err)
		return 0
	}
	if batch.Len() == 0 {
		return 0
	}
	if err := s.db.Write(batch, nil); err != nil {
		s.logger.Warn("backup cleanup write failed", "error", err)
		return 0
	}
	return batch.Len()
}
