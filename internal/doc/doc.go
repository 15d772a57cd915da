// Package doc defines the persisted document store that the save pipeline
// writes to. A "scene" is the logical unit of editable content; saves for the
// same scene are serialized one level up by the saver package.
//
// The store is the per-machine embedded database shared by every open editor
// window. Callers must be able to tell a vanished scene apart from any other
// failure, so implementations return ErrNotFound (wrapable, errors.Is-able)
// when the scene does not exist.
package doc

import (
	"context"
	"errors"
)

// Snapshot is a serialization-safe capture of a scene's editable state.
// Body holds the rich-text node tree as plain maps and slices; it must not
// contain live references, channels, or functions.
type Snapshot struct {
	SceneID   string         `json:"sceneId"`
	Title     string         `json:"title"`
	Body      map[string]any `json:"body"`
	WordCount int            `json:"wordCount"`
	TakenAt   int64          `json:"takenAt"` // unix millis
}

// Document is a stored scene.
type Document struct {
	SceneID   string         `json:"sceneId"`
	Title     string         `json:"title"`
	Body      map[string]any `json:"body"`
	WordCount int            `json:"wordCount"`
	CreatedAt int64          `json:"createdAt"` // unix millis
	UpdatedAt int64          `json:"updatedAt"` // unix millis
}

// Patch is a partial update. Nil pointer fields and a nil Body are left
// untouched, which lets callers distinguish "not provided" from "set empty".
type Patch struct {
	Title     *string
	Body      map[string]any
	WordCount *int
}

// ErrNotFound is returned when the addressed scene does not exist.
// The saver treats an update failing with ErrNotFound as an expected race
// with deletion and swallows it.
var ErrNotFound = errors.New("doc: scene not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("doc: store closed")

// Store persists scenes. All methods must be safe for concurrent use.
type Store interface {
	// Create inserts a new scene. The stored CreatedAt/UpdatedAt are stamped
	// by the store.
	Create(ctx context.Context, d Document) error

	// Get returns the stored scene or ErrNotFound.
	Get(ctx context.Context, sceneID string) (*Document, error)

	// Update applies a partial update to an existing scene and bumps
	// UpdatedAt. Returns ErrNotFound if the scene does not exist.
	Update(ctx context.Context, sceneID string, patch Patch) error

	// Delete removes a scene. Deleting an absent scene is not an error.
	Delete(ctx context.Context, sceneID string) error
}
