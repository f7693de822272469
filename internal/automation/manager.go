//go:build !no_automation

package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// ErrScriptNotFound is returned when no script file has the requested id.
var ErrScriptNotFound = errors.New("script not found")

const metaPrefix = "-- {"

// validScriptID checks that a script ID is safe to use as a filename component.
func validScriptID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return false
	}
	return true
}

// Manager loads, saves and lists scripts in one directory.
type Manager struct {
	dir    string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewManager creates a script manager rooted at dir, creating it if needed.
func NewManager(dir string, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	return &Manager{dir: dir, logger: logger.With("component", "scripts")}, nil
}

// List returns every parseable script, sorted by id.
func (m *Manager) List() ([]*Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}

	scripts := make([]*Script, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lua") {
			continue
		}
		s, err := m.parseFile(filepath.Join(m.dir, e.Name()))
		if err != nil {
			m.logger.Warn("skipping unreadable script", "file", e.Name(), "err", err)
			continue
		}
		scripts = append(scripts, s)
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].ID < scripts[j].ID })
	return scripts, nil
}

// Get returns a single script by ID.
func (m *Manager) Get(id string) (*Script, error) {
	if !validScriptID(id) {
		return nil, fmt.Errorf("invalid script id %q: %w", id, ErrScriptNotFound)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.parseFile(filepath.Join(m.dir, id+".lua"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", id, ErrScriptNotFound)
	}
	return s, err
}

// Save writes a script to disk. A script without an ID gets one derived from
// its name, made unique within the directory. Code that does not compile is
// rejected with ErrInvalidScript and nothing is written.
func (m *Manager) Save(s *Script) (*Script, error) {
	if err := CheckSyntax(s.LuaCode); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		base := slugify(s.Meta.Name)
		if base == "" {
			base = "script"
		}
		s.ID = base
		for i := 1; ; i++ {
			if _, err := os.Stat(filepath.Join(m.dir, s.ID+".lua")); errors.Is(err, fs.ErrNotExist) {
				break
			}
			s.ID = fmt.Sprintf("%s_%d", base, i)
		}
	} else if !validScriptID(s.ID) {
		return nil, fmt.Errorf("invalid script id %q", s.ID)
	}

	s.FilePath = filepath.Join(m.dir, s.ID+".lua")
	tmp := s.FilePath + ".tmp"
	if err := os.WriteFile(tmp, []byte(serializeScript(s)), 0o644); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	if err := os.Rename(tmp, s.FilePath); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("write script: %w", err)
	}
	return s, nil
}

// Delete removes a script file by ID.
func (m *Manager) Delete(id string) error {
	if !validScriptID(id) {
		return fmt.Errorf("invalid script id %q: %w", id, ErrScriptNotFound)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	err := os.Remove(filepath.Join(m.dir, id+".lua"))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", id, ErrScriptNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete script: %w", err)
	}
	return nil
}

func (m *Manager) parseFile(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	s := &Script{
		ID:       strings.TrimSuffix(filepath.Base(path), ".lua"),
		FilePath: path,
	}

	first, rest, _ := strings.Cut(string(data), "\n")
	if strings.HasPrefix(first, metaPrefix) {
		if err := json.Unmarshal([]byte(strings.TrimPrefix(first, "-- ")), &s.Meta); err != nil {
			m.logger.Warn("script metadata parse error", "file", path, "err", err)
		}
	} else {
		// No header: the whole file is code and the script is disabled.
		rest = string(data)
	}
	if s.Meta.Name == "" {
		s.Meta.Name = s.ID
	}
	s.LuaCode = strings.TrimLeft(rest, "\n")
	return s, nil
}

// serializeScript renders the metadata header followed by the code.
func serializeScript(s *Script) string {
	var b strings.Builder
	meta, _ := json.Marshal(s.Meta)
	b.WriteString("-- ")
	b.Write(meta)
	b.WriteString("\n")
	if s.LuaCode != "" {
		b.WriteString("\n")
		b.WriteString(s.LuaCode)
		if !strings.HasSuffix(s.LuaCode, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugRe.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len(s) > 40 {
		s = s[:40]
	}
	return s
}
