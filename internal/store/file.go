package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/stepflow-io/stepflow/pkg/flow"
)

// FileDefinitionStore keeps one JSON file per workflow definition under a
// single directory, named <id>.json. The full set is cached in memory; the
// files exist so definitions survive restarts and can be edited or checked
// in by hand. Corrupt files are skipped at load time with a warning rather
// than failing startup.
type FileDefinitionStore struct {
	dir    string
	logger *slog.Logger

	mu   sync.RWMutex
	defs map[string]*flow.WorkflowDefinition
}

// NewFileDefinitionStore creates the directory if needed and loads every
// definition found in it.
func NewFileDefinitionStore(dir string, logger *slog.Logger) (*FileDefinitionStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, flow.NewError(flow.ErrCodeStore, "create workflow directory").WithCause(err)
	}

	s := &FileDefinitionStore{
		dir:    dir,
		logger: logger,
		defs:   make(map[string]*flow.WorkflowDefinition),
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

// loadAll reads every *.json file in the directory. Unreadable or invalid
// files are skipped so one bad definition cannot take the server down.
func (s *FileDefinitionStore) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return flow.NewError(flow.ErrCodeStore, "read workflow directory").WithCause(err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("skipping unreadable workflow file", "path", path, "error", err)
			continue
		}

		var def flow.WorkflowDefinition
		if err := json.Unmarshal(data, &def); err != nil {
			s.logger.Warn("skipping corrupt workflow file", "path", path, "error", err)
			continue
		}
		if def.ID == "" {
			s.logger.Warn("skipping workflow file without id", "path", path)
			continue
		}

		s.defs[def.ID] = &def
	}

	s.logger.Info("workflow definitions loaded", "count", len(s.defs), "dir", s.dir)
	return nil
}

// Save persists the definition to <id>.json and makes it immediately visible
// to Get, List, and Search. Writes go through a temp file and rename so a
// crash mid-write never leaves a truncated definition behind.
func (s *FileDefinitionStore) Save(ctx context.Context, def *flow.WorkflowDefinition) error {
	if def == nil || def.ID == "" {
		return flow.NewError(flow.ErrCodeValidation, "workflow definition requires an id")
	}
	if strings.ContainsAny(def.ID, `/\`) || def.ID == "." || def.ID == ".." {
		return flow.NewErrorf(flow.ErrCodeValidation, "workflow id %q is not a valid file name", def.ID)
	}

	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return flow.NewError(flow.ErrCodeStore, "marshal workflow definition").WithCause(err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pathFor(def.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return flow.NewError(flow.ErrCodeStore, "write workflow file").WithCause(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return flow.NewError(flow.ErrCodeStore, "rename workflow file").WithCause(err)
	}

	s.defs[def.ID] = def
	return nil
}

// Get returns the definition with the given id. The returned value is shared;
// callers must treat it as read-only.
func (s *FileDefinitionStore) Get(ctx context.Context, id string) (*flow.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.defs[id]
	if !ok {
		return nil, flow.NewErrorf(flow.ErrCodeNotFound, "workflow %q not found", id)
	}
	return def, nil
}

// Delete removes the definition and its file.
func (s *FileDefinitionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.defs[id]; !ok {
		return flow.NewErrorf(flow.ErrCodeNotFound, "workflow %q not found", id)
	}

	if err := os.Remove(s.pathFor(id)); err != nil && !os.IsNotExist(err) {
		return flow.NewError(flow.ErrCodeStore, "remove workflow file").WithCause(err)
	}
	delete(s.defs, id)
	return nil
}

// List returns all definitions ordered by id.
func (s *FileDefinitionStore) List(ctx context.Context) ([]*flow.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(s.defs), nil
}

// Search returns definitions whose id, name, description, or tags contain the
// query (case-insensitive). An empty query matches everything.
func (s *FileDefinitionStore) Search(ctx context.Context, query string) ([]*flow.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if query == "" {
		return s.sorted(s.defs), nil
	}

	q := strings.ToLower(query)
	matched := make(map[string]*flow.WorkflowDefinition)
	for id, def := range s.defs {
		if definitionMatches(def, q) {
			matched[id] = def
		}
	}
	return s.sorted(matched), nil
}

func definitionMatches(def *flow.WorkflowDefinition, q string) bool {
	if strings.Contains(strings.ToLower(def.ID), q) ||
		strings.Contains(strings.ToLower(def.Name), q) ||
		strings.Contains(strings.ToLower(def.Description), q) {
		return true
	}
	for _, tag := range def.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	return false
}

func (s *FileDefinitionStore) sorted(defs map[string]*flow.WorkflowDefinition) []*flow.WorkflowDefinition {
	out := make([]*flow.WorkflowDefinition, 0, len(defs))
	for _, def := range defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *FileDefinitionStore) pathFor(id string) string {
	return filepath.Join(s.dir, id+".json")
}

var _ DefinitionStore = (*FileDefinitionStore)(nil)
