package project

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/buildsync/buildsync/internal/telemetry/invariants"
)

// Status is the generation status of one file.
type Status string

const (
	// StatusPlanned indicates the file is expected but generation has not started.
	StatusPlanned Status = "planned"
	// StatusGenerating indicates the file is currently being generated.
	StatusGenerating Status = "generating"
	// StatusCompleted indicates generation finished and content is available.
	StatusCompleted Status = "completed"
	// StatusFailed indicates generation failed for this file.
	StatusFailed Status = "failed"
	// StatusSkipped indicates the file was intentionally skipped.
	StatusSkipped Status = "skipped"
)

// File is one project file keyed by path.
type File struct {
	Path        string
	Content     string
	Status      Status
	UpdatedAt   time.Time
	PendingSave bool
}

// Store holds one project's file set. Files are created by the manifest or by
// local edit and never deleted except on teardown. Reconciliation inserts are
// monotonic: an existing entry is never overwritten by the server.
type Store struct {
	projectID string
	title     string
	now       func() time.Time

	mu    sync.Mutex
	files map[string]*File
}

// NewStore creates an empty file store for one project.
func NewStore(projectID, title string) (*Store, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errors.New("project id must not be empty")
	}

	return &Store{
		projectID: projectID,
		title:     strings.TrimSpace(title),
		now:       time.Now,
		files:     make(map[string]*File),
	}, nil
}

// ProjectID returns the owning project id.
func (s *Store) ProjectID() string {
	if s == nil {
		return ""
	}
	return s.projectID
}

// Title returns the project title.
func (s *Store) Title() string {
	if s == nil {
		return ""
	}
	return s.title
}

// Insert adds a server-provided file if the path is not already present.
// Returns false without modifying anything when the path exists: local state
// wins over a stale completed record.
func (s *Store) Insert(ctx context.Context, path, content string, status Status) bool {
	if s == nil {
		return false
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.files[path]; exists {
		invariants.CheckMonotonicInsert(ctx, "project.store.insert", path, false)
		return false
	}
	s.files[path] = &File{
		Path:      path,
		Content:   content,
		Status:    status,
		UpdatedAt: s.now().UTC(),
	}
	return true
}

// Has reports whether a path exists locally.
func (s *Store) Has(path string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.files[strings.TrimSpace(path)]
	return exists
}

// Get returns a copy of one file entry.
func (s *Store) Get(path string) (File, bool) {
	if s == nil {
		return File{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	file, exists := s.files[strings.TrimSpace(path)]
	if !exists {
		return File{}, false
	}
	return *file, true
}

// Content returns the current content for a path.
func (s *Store) Content(path string) (string, bool) {
	file, exists := s.Get(path)
	if !exists {
		return "", false
	}
	return file.Content, true
}

// ApplyLocalEdit records a local content change, creating the entry when the
// path is new. The entry is marked pending-save until the scheduler confirms a
// successful remote write.
func (s *Store) ApplyLocalEdit(path, content string) {
	if s == nil {
		return
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, exists := s.files[path]
	if !exists {
		file = &File{Path: path, Status: StatusCompleted}
		s.files[path] = file
	}
	file.Content = content
	file.PendingSave = true
	file.UpdatedAt = s.now().UTC()
}

// MarkSaved clears the pending-save flag after a successful remote write.
func (s *Store) MarkSaved(path string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if file, exists := s.files[strings.TrimSpace(path)]; exists {
		file.PendingSave = false
	}
}

// SetStatus updates the generation status reported by the server for an
// already-present path.
func (s *Store) SetStatus(path string, status Status) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if file, exists := s.files[strings.TrimSpace(path)]; exists {
		file.Status = status
		file.UpdatedAt = s.now().UTC()
	}
}

// PendingPaths returns the sorted paths currently marked pending-save.
func (s *Store) PendingPaths() []string {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	paths := make([]string, 0)
	for path, file := range s.files {
		if file.PendingSave {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths
}

// Files returns a copy of all entries sorted by path.
func (s *Store) Files() []File {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]File, 0, len(s.files))
	for _, file := range s.files {
		out = append(out, *file)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Len returns the number of files held.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

// Teardown discards the whole file set; used on navigation away from the
// project.
func (s *Store) Teardown() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = make(map[string]*File)
}
