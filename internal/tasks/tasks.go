// Package tasks loads the list of resources to fetch.
//
// A task list is a JSON or YAML sequence of entries, each naming a URL and
// a destination path:
//
//   - url: https://images.example.com/cover.jpg
//     path: out/images/cover.jpg
//     type: image
//
// The list may also be wrapped in a top-level "downloads" key. Every entry
// is validated before any of them is handed to the downloader.
package tasks

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/download"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/tor"
)

// Sentinel errors for errors.Is checks.
var (
	ErrNotFound          = errors.New("task list not found")
	ErrMissingURL        = errors.New("entry has no url")
	ErrMissingPath       = errors.New("entry has no path")
	ErrUnsupportedScheme = errors.New("only http and https URLs are supported")
	ErrMissingHost       = errors.New("url has no host")
	ErrDuplicatePath     = errors.New("destination path is used by more than one entry")
	ErrDuplicateKey      = errors.New("key is used by more than one entry")
	ErrOutsideBaseDir    = errors.New("destination escapes the output directory")
	ErrPartialCollision  = errors.New("destination is the partial file of another entry")
)

// Entry is one element of a task list file.
type Entry struct {
	URL  string `json:"url" yaml:"url"`
	Path string `json:"path" yaml:"path"`
	Key  string `json:"key,omitempty" yaml:"key,omitempty"`
	Type string `json:"type,omitempty" yaml:"type,omitempty"`
}

// EntryError reports the first invalid entry of a list.
type EntryError struct {
	Index int
	URL   string
	Err   error
}

// Error implements the error interface.
func (e *EntryError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("entry %d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("entry %d (%s): %v", e.Index, e.URL, e.Err)
}

// Unwrap returns the underlying error.
func (e *EntryError) Unwrap() error {
	return e.Err
}

// Format is the encoding of a task list.
type Format int

const (
	// FormatAuto picks JSON or YAML from the content.
	FormatAuto Format = iota
	// FormatJSON is a JSON array or object.
	FormatJSON
	// FormatYAML is a YAML sequence or mapping.
	FormatYAML
)

// Option configures loading.
type Option func(*loader)

type loader struct {
	baseDir string
	types   []string
}

// WithBaseDir resolves relative destination paths against dir and rejects
// destinations that would land outside it.
func WithBaseDir(dir string) Option {
	return func(l *loader) {
		l.baseDir = dir
	}
}

// WithTypes keeps only entries whose type is one of types. Entries without
// a type are kept only when types is empty.
func WithTypes(types ...string) Option {
	return func(l *loader) {
		for _, t := range types {
			if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
				l.types = append(l.types, t)
			}
		}
	}
}

// Load reads and validates the task list at path.
func Load(path string, opts ...Option) ([]download.Task, error) {
	data, err := os.ReadFile(path) //nolint:gosec // user-provided task list path is intentional
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}

	format := FormatAuto
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		format = FormatJSON
	case ".yaml", ".yml":
		format = FormatYAML
	}
	return Parse(data, format, opts...)
}

// Parse decodes and validates a task list.
func Parse(data []byte, format Format, opts ...Option) ([]download.Task, error) {
	l := &loader{}
	for _, opt := range opts {
		opt(l)
	}

	entries, err := decode(data, format)
	if err != nil {
		return nil, err
	}
	return l.build(entries)
}

// decode accepts either a bare list or a {"downloads": [...]} wrapper.
func decode(data []byte, format Format) ([]Entry, error) {
	if format == FormatAuto {
		format = FormatYAML
		if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{') {
			format = FormatJSON
		}
	}

	var wrapped struct {
		Downloads []Entry `json:"downloads" yaml:"downloads"`
	}
	var list []Entry

	switch format {
	case FormatJSON:
		if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
			if err := json.Unmarshal(data, &wrapped); err != nil {
				return nil, fmt.Errorf("failed to parse task list: %w", err)
			}
			return wrapped.Downloads, nil
		}
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("failed to parse task list: %w", err)
		}
		return list, nil
	default:
		var node yaml.Node
		if err := yaml.Unmarshal(data, &node); err != nil {
			return nil, fmt.Errorf("failed to parse task list: %w", err)
		}
		if len(node.Content) == 0 {
			return nil, nil
		}
		root := node.Content[0]
		if root.Kind == yaml.MappingNode {
			if err := root.Decode(&wrapped); err != nil {
				return nil, fmt.Errorf("failed to parse task list: %w", err)
			}
			return wrapped.Downloads, nil
		}
		if err := root.Decode(&list); err != nil {
			return nil, fmt.Errorf("failed to parse task list: %w", err)
		}
		return list, nil
	}
}

// build validates entries and converts them to download tasks.
func (l *loader) build(entries []Entry) ([]download.Task, error) {
	out := make([]download.Task, 0, len(entries))
	paths := make(map[string]int, len(entries))
	keys := make(map[string]int, len(entries))

	for i, e := range entries {
		if len(l.types) > 0 && !slices.Contains(l.types, strings.ToLower(e.Type)) {
			continue
		}

		task, err := l.toTask(e)
		if err != nil {
			return nil, &EntryError{Index: i, URL: e.URL, Err: err}
		}

		dest := comparablePath(task.Destination)
		if j, dup := paths[dest]; dup {
			return nil, &EntryError{Index: i, URL: e.URL, Err: fmt.Errorf("%w (entry %d)", ErrDuplicatePath, j)}
		}
		if j, clash := paths[dest+download.PartialSuffix]; clash {
			return nil, &EntryError{Index: i, URL: e.URL, Err: fmt.Errorf("%w (entry %d)", ErrPartialCollision, j)}
		}
		if base, ok := strings.CutSuffix(dest, download.PartialSuffix); ok {
			if j, clash := paths[base]; clash {
				return nil, &EntryError{Index: i, URL: e.URL, Err: fmt.Errorf("%w (entry %d)", ErrPartialCollision, j)}
			}
		}
		if j, dup := keys[task.Key]; dup {
			return nil, &EntryError{Index: i, URL: e.URL, Err: fmt.Errorf("%w (entry %d)", ErrDuplicateKey, j)}
		}
		paths[dest] = i
		keys[task.Key] = i
		out = append(out, task)
	}
	return out, nil
}

// comparablePath returns the absolute form of p when it can be resolved.
func comparablePath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// toTask validates a single entry.
func (l *loader) toTask(e Entry) (download.Task, error) {
	raw := strings.TrimSpace(e.URL)
	if raw == "" {
		return download.Task{}, ErrMissingURL
	}

	u, err := url.Parse(raw)
	if err != nil {
		return download.Task{}, err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return download.Task{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return download.Task{}, ErrMissingHost
	}
	if tor.IsOnionHost(host) {
		if err := tor.ValidateOnionHost(host); err != nil {
			return download.Task{}, err
		}
	}

	dest, err := l.resolvePath(e.Path)
	if err != nil {
		return download.Task{}, err
	}

	key := strings.TrimSpace(e.Key)
	if key == "" {
		key = raw
	}

	return download.Task{Key: key, URL: raw, Destination: dest}, nil
}

// resolvePath cleans p and anchors it to the base directory, if any.
func (l *loader) resolvePath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", ErrMissingPath
	}
	if l.baseDir == "" {
		return filepath.Clean(p), nil
	}

	base := filepath.Clean(l.baseDir)
	dest := p
	if !filepath.IsAbs(dest) {
		dest = filepath.Join(base, dest)
	}
	dest = filepath.Clean(dest)

	rel, err := filepath.Rel(base, dest)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == "." {
		return "", fmt.Errorf("%w: %s", ErrOutsideBaseDir, p)
	}
	return dest, nil
}
