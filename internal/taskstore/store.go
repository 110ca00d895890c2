// Package taskstore is the local JSON task store used by the internal
// kanban backend. The whole store is one JSON document rewritten atomically
// (temp file + rename) under an flock(2) lock, so concurrent processes never
// observe a torn file.
package taskstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/fleetd/internal/models"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a task id is unknown.
var ErrNotFound = errors.New("task not found")

// CommentsKey is the meta key holding a task's comments.
const CommentsKey = "comments"

type document struct {
	Version int                     `json:"version"`
	Tasks   map[string]*models.Task `json:"tasks"`
}

// Store is a file-backed task store. It is safe for concurrent use within
// a process and across processes sharing the file.
type Store struct {
	path string
	lock string
	now  func() time.Time
	mu   sync.Mutex
}

// New creates a Store persisting to path. The file is created on first write.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create task store directory: %w", err)
	}
	return &Store{path: path, lock: path + ".lock", now: time.Now}, nil
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

func (s *Store) load() (*document, error) {
	doc := &document{Version: 1, Tasks: map[string]*models.Task{}}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read task store: %w", err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("decode task store: %w", err)
	}
	if doc.Tasks == nil {
		doc.Tasks = map[string]*models.Task{}
	}
	return doc, nil
}

func (s *Store) save(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// view runs fn against a consistent snapshot.
func (s *Store) view(fn func(doc *document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fl := newFileLock(s.lock)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	doc, err := s.load()
	if err != nil {
		return err
	}
	return fn(doc)
}

// update runs fn and persists the document if fn succeeds.
func (s *Store) update(fn func(doc *document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fl := newFileLock(s.lock)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.save(doc)
}

func clone(t *models.Task) *models.Task {
	data, _ := json.Marshal(t)
	var out models.Task
	_ = json.Unmarshal(data, &out)
	return &out
}

// Add stores a new task. A missing id is generated; a missing status is todo.
func (s *Store) Add(t models.Task) (*models.Task, error) {
	var out *models.Task
	err := s.update(func(doc *document) error {
		now := s.now().UTC()
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if _, exists := doc.Tasks[t.ID]; exists {
			return fmt.Errorf("task %s already exists", t.ID)
		}
		t.Status = models.NormalizeStatus(string(t.Status))
		t.CreatedAt = now
		t.UpdatedAt = now
		doc.Tasks[t.ID] = clone(&t)
		out = clone(&t)
		return nil
	})
	return out, err
}

// Get returns a task or ErrNotFound.
func (s *Store) Get(id string) (*models.Task, error) {
	var out *models.Task
	err := s.view(func(doc *document) error {
		t, ok := doc.Tasks[id]
		if !ok {
			return ErrNotFound
		}
		out = clone(t)
		return nil
	})
	return out, err
}

// List returns tasks ordered by creation time, optionally filtered by
// project and status. Empty filters match everything.
func (s *Store) List(projectID string, status models.TaskStatus) ([]models.Task, error) {
	var out []models.Task
	if status != "" {
		status = models.NormalizeStatus(string(status))
	}
	err := s.view(func(doc *document) error {
		for _, t := range doc.Tasks {
			if projectID != "" && t.ProjectID != "" && t.ProjectID != projectID {
				continue
			}
			// Files written by hand or older versions may hold aliases.
			if status != "" && models.NormalizeStatus(string(t.Status)) != status {
				continue
			}
			out = append(out, *clone(t))
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, err
}

// Update applies fn to the task and persists the result.
func (s *Store) Update(id string, fn func(t *models.Task)) (*models.Task, error) {
	var out *models.Task
	err := s.update(func(doc *document) error {
		t, ok := doc.Tasks[id]
		if !ok {
			return ErrNotFound
		}
		fn(t)
		t.ID = id
		t.UpdatedAt = s.now().UTC()
		out = clone(t)
		return nil
	})
	return out, err
}

// AddComment appends a comment to meta.comments.
func (s *Store) AddComment(id, author, body string) (*models.Comment, error) {
	c := models.Comment{ID: uuid.NewString(), Author: author, Body: body, CreatedAt: s.now().UTC()}
	_, err := s.Update(id, func(t *models.Task) {
		if t.Meta == nil {
			t.Meta = map[string]any{}
		}
		var list []any
		if existing, ok := t.Meta[CommentsKey].([]any); ok {
			list = existing
		}
		t.Meta[CommentsKey] = append(list, map[string]any{
			"id":        c.ID,
			"author":    c.Author,
			"body":      c.Body,
			"createdAt": c.CreatedAt.Format(time.RFC3339Nano),
		})
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Comments decodes meta.comments of t.
func Comments(t *models.Task) []models.Comment {
	if t == nil || t.Meta == nil {
		return nil
	}
	raw, ok := t.Meta[CommentsKey].([]any)
	if !ok {
		return nil
	}
	out := make([]models.Comment, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		c := models.Comment{}
		c.ID, _ = m["id"].(string)
		c.Author, _ = m["author"].(string)
		c.Body, _ = m["body"].(string)
		if ts, ok := m["createdAt"].(string); ok {
			c.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
		}
		out = append(out, c)
	}
	return out
}

// Remove deletes a task. It reports whether the task existed.
func (s *Store) Remove(id string) (bool, error) {
	removed := false
	err := s.update(func(doc *document) error {
		if _, ok := doc.Tasks[id]; ok {
			delete(doc.Tasks, id)
			removed = true
		}
		return nil
	})
	return removed, err
}
