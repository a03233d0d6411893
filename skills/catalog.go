// Package skills reads the skill catalog: one directory per skill, each
// holding a SKILL.md whose YAML front matter names and describes it. The
// body is returned on demand with the front matter stripped.
package skills

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrSkillNotFound is matched by every *NotFoundError.
var ErrSkillNotFound = errors.New("skill not found")

// NotFoundError reports an unknown skill together with the valid ids.
type NotFoundError struct {
	Name      string
	Available []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("skill '%s' not found. Available: %s", e.Name, strings.Join(e.Available, ", "))
}

func (e *NotFoundError) Is(target error) bool { return target == ErrSkillNotFound }

// Skill describes one catalog entry. Body is only set by Get and Resolve.
type Skill struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Dir         string `json:"dir"`
	Path        string `json:"path"`
	Body        string `json:"body,omitempty"`
}

type frontMatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Catalog lists skills below one directory. Listings are cached until
// Invalidate is called, normally by a Watcher.
type Catalog struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	cache []Skill

	version atomic.Int64
}

// NewCatalog creates a catalog rooted at dir.
func NewCatalog(dir string, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{dir: dir, logger: logger}
}

// Dir returns the catalog directory.
func (c *Catalog) Dir() string { return c.dir }

// Version changes every time the catalog is invalidated.
func (c *Catalog) Version() int64 { return c.version.Load() }

// Invalidate drops the cached listing.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.cache = nil
	c.mu.Unlock()
	c.version.Store(time.Now().UnixNano())
}

// List returns every skill sorted by id. A missing directory is an empty
// catalog.
func (c *Catalog) List() ([]Skill, error) {
	c.mu.RLock()
	if c.cache != nil {
		out := append([]Skill(nil), c.cache...)
		c.mu.RUnlock()
		return out, nil
	}
	c.mu.RUnlock()

	entries, err := os.ReadDir(c.dir)
	if errors.Is(err, os.ErrNotExist) {
		return []Skill{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	skills := make([]Skill, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		s, _, err := c.load(e.Name())
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				c.logger.Warn("skipping skill", "id", e.Name(), "error", err)
			}
			continue
		}
		skills = append(skills, s)
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].ID < skills[j].ID })

	c.mu.Lock()
	c.cache = skills
	c.mu.Unlock()
	c.logger.Debug("skill catalog loaded", "dir", c.dir, "count", len(skills))
	return append([]Skill(nil), skills...), nil
}

// IDs returns the ids of every skill.
func (c *Catalog) IDs() []string {
	skills, _ := c.List()
	ids := make([]string, len(skills))
	for i, s := range skills {
		ids[i] = s.ID
	}
	return ids
}

// Get returns a skill with its body by id.
func (c *Catalog) Get(id string) (*Skill, error) {
	if strings.ContainsAny(id, `/\`) || id == "" || id == "." || id == ".." {
		return nil, &NotFoundError{Name: id, Available: c.IDs()}
	}
	s, body, err := c.load(id)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &NotFoundError{Name: id, Available: c.IDs()}
	}
	if err != nil {
		return nil, err
	}
	s.Body = body
	return &s, nil
}

// Resolve finds a skill by id or by its declared name, both matched
// exactly, and returns it with its body.
func (c *Catalog) Resolve(nameOrID string) (*Skill, error) {
	skills, err := c.List()
	if err != nil {
		return nil, err
	}
	for _, s := range skills {
		if s.ID == nameOrID {
			return c.Get(s.ID)
		}
	}
	for _, s := range skills {
		if s.Name == nameOrID {
			return c.Get(s.ID)
		}
	}
	ids := make([]string, len(skills))
	for i, s := range skills {
		ids[i] = s.ID
	}
	return nil, &NotFoundError{Name: nameOrID, Available: ids}
}

// Summary renders one line per skill for the system prompt.
func (c *Catalog) Summary() string {
	skills, err := c.List()
	if err != nil || len(skills) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, s := range skills {
		fmt.Fprintf(&sb, "- **%s** (%s): %s\n", s.Name, s.ID, s.Description)
	}
	return sb.String()
}

func (c *Catalog) load(id string) (Skill, string, error) {
	dir := filepath.Join(c.dir, id)
	path := filepath.Join(dir, "SKILL.md")
	data, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, "", err
	}
	meta, body, err := parseFrontMatter(string(data))
	if err != nil {
		return Skill{}, "", fmt.Errorf("%s: %w", path, err)
	}
	s := Skill{
		ID:          id,
		Name:        strings.TrimSpace(meta.Name),
		Description: strings.TrimSpace(meta.Description),
		Dir:         dir,
		Path:        path,
	}
	if s.Name == "" {
		s.Name = id
	}
	body = strings.ReplaceAll(body, "{baseDir}", dir)
	return s, body, nil
}

// parseFrontMatter splits SKILL.md into its YAML header and body. A file
// without a header is all body.
func parseFrontMatter(content string) (frontMatter, string, error) {
	content = strings.TrimPrefix(content, "\uFEFF")
	content = strings.ReplaceAll(content, "\r\n", "\n")
	lines := strings.Split(content, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return frontMatter{}, content, nil
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return frontMatter{}, "", errors.New("missing closing front matter separator")
	}

	var meta frontMatter
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &meta); err != nil {
		return frontMatter{}, "", fmt.Errorf("decode front matter: %w", err)
	}
	body := strings.TrimPrefix(strings.Join(lines[end+1:], "\n"), "\n")
	return meta, body, nil
}
