// Package templates looks up prompt templates by (section, sub_section, category).
package templates

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/ashureev/draftsmith/internal/domain"
)

// ErrNotFound is returned when no template matches a lookup key.
var ErrNotFound = errors.New("prompt template not found")

// Store is the read-only template source used by stage executors.
type Store interface {
	Lookup(ctx context.Context, section, subSection, category string) (*domain.PromptTemplate, error)
}

type key struct {
	section, subSection, category string
}

// file is the on-disk YAML layout.
type file struct {
	Templates []domain.PromptTemplate `yaml:"templates"`
}

// Catalog is an immutable in-memory template set.
type Catalog struct {
	entries map[key]domain.PromptTemplate
}

// NewCatalog builds a catalog. Later templates with the same key replace earlier ones.
func NewCatalog(tmpls ...domain.PromptTemplate) (*Catalog, error) {
	c := &Catalog{entries: make(map[key]domain.PromptTemplate, len(tmpls))}
	for _, t := range tmpls {
		if t.Section == "" || t.SubSection == "" || t.Category == "" {
			return nil, fmt.Errorf("template %q/%q/%q: section, sub_section and category are required",
				t.Section, t.SubSection, t.Category)
		}
		if t.UserPromptTemplate == "" {
			return nil, fmt.Errorf("template %s/%s/%s: user_prompt_template is empty", t.Section, t.SubSection, t.Category)
		}
		c.entries[key{t.Section, t.SubSection, t.Category}] = t
	}
	return c, nil
}

// ParseYAML decodes a template file.
func ParseYAML(data []byte) ([]domain.PromptTemplate, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode template yaml: %w", err)
	}
	return f.Templates, nil
}

// LoadFS reads every file in fsys matching pattern (doublestar syntax, e.g. "**/*.yaml")
// in lexical order and builds a catalog from them.
func LoadFS(fsys fs.FS, pattern string) (*Catalog, error) {
	paths, err := doublestar.Glob(fsys, pattern)
	if err != nil {
		return nil, fmt.Errorf("glob templates %q: %w", pattern, err)
	}
	sort.Strings(paths)

	var all []domain.PromptTemplate
	for _, p := range paths {
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		tmpls, err := ParseYAML(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		all = append(all, tmpls...)
	}
	return NewCatalog(all...)
}

// Lookup returns a copy of the matching template.
func (c *Catalog) Lookup(_ context.Context, section, subSection, category string) (*domain.PromptTemplate, error) {
	t, ok := c.entries[key{section, subSection, category}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s/%s", ErrNotFound, section, subSection, category)
	}
	return &t, nil
}

// Len returns the number of templates.
func (c *Catalog) Len() int {
	return len(c.entries)
}

// Layered tries each store in order and returns the first match.
type Layered struct {
	stores []Store
}

// NewLayered creates a store that consults stores in order.
func NewLayered(stores ...Store) *Layered {
	return &Layered{stores: stores}
}

func (l *Layered) Lookup(ctx context.Context, section, subSection, category string) (*domain.PromptTemplate, error) {
	for _, s := range l.stores {
		t, err := s.Lookup(ctx, section, subSection, category)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s/%s/%s", ErrNotFound, section, subSection, category)
}

// swappable holds a catalog that can be replaced atomically on reload.
type swappable struct {
	mu  sync.RWMutex
	cur *Catalog
}

func (s *swappable) load() *Catalog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

func (s *swappable) store(c *Catalog) {
	s.mu.Lock()
	s.cur = c
	s.mu.Unlock()
}
