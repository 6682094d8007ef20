package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/stepflow-io/stepflow/internal/isolation"
	"github.com/stepflow-io/stepflow/pkg/flow"
)

const defaultMaxReadSize = 50 * 1024 * 1024 // 50MB

// FSConfig configures the filesystem tools.
type FSConfig struct {
	Limits      isolation.ResourceLimits
	MaxReadSize int64
}

// FSTools returns the fs.read, fs.write, and fs.list tools.
func FSTools(cfg FSConfig) []Tool {
	if cfg.MaxReadSize <= 0 {
		cfg.MaxReadSize = defaultMaxReadSize
	}
	return []Tool{
		&fsReadTool{cfg: cfg},
		&fsWriteTool{cfg: cfg},
		&fsListTool{cfg: cfg},
	}
}

func absPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", flow.NewErrorf(flow.ErrCodeValidation, "invalid path %q: %v", path, err)
	}
	return abs, nil
}

// isBinary checks if data contains null bytes (binary detection heuristic).
func isBinary(data []byte) bool {
	check := data
	if len(check) > 8192 {
		check = check[:8192]
	}
	for _, b := range check {
		if b == 0 {
			return true
		}
	}
	return false
}

func entryMap(name, path string, info fs.FileInfo) map[string]any {
	return map[string]any{
		"name":       name,
		"path":       path,
		"size":       info.Size(),
		"modifiedAt": info.ModTime().UTC().Format(time.RFC3339),
		"isDir":      info.IsDir(),
	}
}

const fsReadInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "encoding": {"type": "string", "enum": ["text","base64","auto"], "default": "auto"}
  },
  "required": ["path"]
}`

const fsWriteInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "content": {"type": "string"},
    "createDirs": {"type": "boolean", "default": false},
    "mode": {"type": "integer"}
  },
  "required": ["path", "content"]
}`

const fsListInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "pattern": {"type": "string"},
    "recursive": {"type": "boolean", "default": false}
  },
  "required": ["path"]
}`

// --- fs.read ---

type fsReadTool struct{ cfg FSConfig }

func (t *fsReadTool) Name() string        { return "fs.read" }
func (t *fsReadTool) Description() string { return "Read the contents of a file" }

func (t *fsReadTool) Schema() ToolSchema {
	return ToolSchema{Input: json.RawMessage(fsReadInputSchema)}
}

func (t *fsReadTool) Invoke(_ context.Context, params map[string]any) (any, error) {
	if params == nil {
		params = map[string]any{}
	}
	rawPath := stringParam(params, "path", "")
	if rawPath == "" {
		return nil, flow.NewError(flow.ErrCodeValidation, "fs.read: missing required param 'path'")
	}
	enc := stringParam(params, "encoding", "auto")
	if enc != "text" && enc != "base64" && enc != "auto" {
		return nil, flow.NewErrorf(flow.ErrCodeValidation, "fs.read: invalid encoding %q", enc)
	}

	path, err := absPath(rawPath)
	if err != nil {
		return nil, err
	}
	if err := t.cfg.Limits.ValidatePath(path, isolation.AccessRead); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, flow.NewErrorf(flow.ErrCodeToolFailed, "fs.read: %v", err).WithCause(err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, t.cfg.MaxReadSize))
	if err != nil {
		return nil, flow.NewErrorf(flow.ErrCodeToolFailed, "fs.read: failed to read file: %v", err).WithCause(err)
	}

	if enc == "auto" {
		if isBinary(data) {
			enc = "base64"
		} else {
			enc = "text"
		}
	}
	var content string
	if enc == "base64" {
		content = base64.StdEncoding.EncodeToString(data)
	} else {
		content = string(data)
	}

	return map[string]any{
		"path":     path,
		"content":  content,
		"encoding": enc,
		"size":     len(data),
	}, nil
}

// --- fs.write ---

type fsWriteTool struct{ cfg FSConfig }

func (t *fsWriteTool) Name() string        { return "fs.write" }
func (t *fsWriteTool) Description() string { return "Write content to a file, creating or overwriting it" }

func (t *fsWriteTool) Schema() ToolSchema {
	return ToolSchema{Input: json.RawMessage(fsWriteInputSchema)}
}

func (t *fsWriteTool) Invoke(_ context.Context, params map[string]any) (any, error) {
	if params == nil {
		params = map[string]any{}
	}
	rawPath := stringParam(params, "path", "")
	if rawPath == "" {
		return nil, flow.NewError(flow.ErrCodeValidation, "fs.write: missing required param 'path'")
	}
	if _, ok := params["content"]; !ok {
		return nil, flow.NewError(flow.ErrCodeValidation, "fs.write: missing required param 'content'")
	}

	path, err := absPath(rawPath)
	if err != nil {
		return nil, err
	}
	if err := t.cfg.Limits.ValidatePath(path, isolation.AccessWrite); err != nil {
		return nil, err
	}

	content := stringParam(params, "content", "")
	fileMode := os.FileMode(intParam(params, "mode", 0o644))

	if boolParam(params, "createDirs", false) {
		dir := filepath.Dir(path)
		if err := t.cfg.Limits.ValidatePath(dir, isolation.AccessWrite); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, flow.NewErrorf(flow.ErrCodeToolFailed, "fs.write: failed to create directories: %v", err).WithCause(err)
		}
	}

	data := []byte(content)
	if err := os.WriteFile(path, data, fileMode); err != nil {
		return nil, flow.NewErrorf(flow.ErrCodeToolFailed, "fs.write: %v", err).WithCause(err)
	}

	return map[string]any{
		"path": path,
		"size": len(data),
	}, nil
}

// --- fs.list ---

type fsListTool struct{ cfg FSConfig }

func (t *fsListTool) Name() string { return "fs.list" }

func (t *fsListTool) Description() string {
	return "List files and directories in a path, optionally filtered by glob pattern"
}

func (t *fsListTool) Schema() ToolSchema {
	return ToolSchema{Input: json.RawMessage(fsListInputSchema)}
}

func (t *fsListTool) Invoke(_ context.Context, params map[string]any) (any, error) {
	if params == nil {
		params = map[string]any{}
	}
	rawPath := stringParam(params, "path", "")
	if rawPath == "" {
		return nil, flow.NewError(flow.ErrCodeValidation, "fs.list: missing required param 'path'")
	}

	path, err := absPath(rawPath)
	if err != nil {
		return nil, err
	}
	if err := t.cfg.Limits.ValidatePath(path, isolation.AccessRead); err != nil {
		return nil, err
	}

	pattern := stringParam(params, "pattern", "")
	recursive := boolParam(params, "recursive", false)

	var entries []map[string]any
	if recursive {
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if p == path {
				return nil
			}
			if pattern != "" {
				matched, matchErr := filepath.Match(pattern, d.Name())
				if matchErr != nil {
					return flow.NewErrorf(flow.ErrCodeValidation, "fs.list: invalid pattern %q: %v", pattern, matchErr)
				}
				if !matched {
					return nil
				}
			}
			info, infoErr := d.Info()
			if infoErr != nil {
				return infoErr
			}
			entries = append(entries, entryMap(d.Name(), p, info))
			return nil
		})
		if err != nil {
			return nil, flow.NewErrorf(flow.ErrCodeToolFailed, "fs.list: %v", err).WithCause(err)
		}
	} else if pattern != "" {
		matches, globErr := filepath.Glob(filepath.Join(path, pattern))
		if globErr != nil {
			return nil, flow.NewErrorf(flow.ErrCodeValidation, "fs.list: invalid pattern %q: %v", pattern, globErr)
		}
		for _, m := range matches {
			info, infoErr := os.Stat(m)
			if infoErr != nil {
				continue
			}
			entries = append(entries, entryMap(filepath.Base(m), m, info))
		}
	} else {
		dirEntries, readErr := os.ReadDir(path)
		if readErr != nil {
			return nil, flow.NewErrorf(flow.ErrCodeToolFailed, "fs.list: %v", readErr).WithCause(readErr)
		}
		for _, d := range dirEntries {
			info, infoErr := d.Info()
			if infoErr != nil {
				continue
			}
			entries = append(entries, entryMap(d.Name(), filepath.Join(path, d.Name()), info))
		}
	}

	if entries == nil {
		entries = []map[string]any{}
	}
	return map[string]any{
		"path":    path,
		"entries": entries,
		"count":   len(entries),
	}, nil
}
