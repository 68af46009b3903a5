// Package catalog serves the per-class, per-subject chapter tables used by the router.
// Clean Architecture: adapter implementing ports.ChapterCatalog.
package catalog

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/0xcro3dile/coursetutor-go/internal/domain/entities"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/ports"
)

//go:embed curriculum.yaml
var builtin []byte

type subjectKey struct {
	classLevel int
	subject    string
}

type fileFormat struct {
	Subjects []struct {
		ClassLevel int                `yaml:"class_level"`
		Subject    string             `yaml:"subject"`
		Chapters   []entities.Chapter `yaml:"chapters"`
	} `yaml:"subjects"`
}

// Subject summarises one (class, subject) table.
type Subject struct {
	ClassLevel int    `json:"class_level"`
	Subject    string `json:"subject"`
	Chapters   int    `json:"chapters"`
}

// Catalog holds the built-in curriculum overlaid with an optional file.
// Groups in the file replace the built-in group for the same class and subject.
type Catalog struct {
	mu      sync.RWMutex
	tables  map[subjectKey][]entities.Chapter
	names   map[subjectKey]string
	version atomic.Uint64
	path    string
	logger  *zap.Logger
}

// New loads the built-in curriculum and, when path is set, the override file.
func New(path string, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Catalog{path: path, logger: logger}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the override file. On error the previous tables stay in place.
func (c *Catalog) Reload() error {
	tables, names, err := parse(builtin)
	if err != nil {
		return fmt.Errorf("built-in curriculum: %w", err)
	}
	if c.path != "" {
		data, err := os.ReadFile(c.path)
		if err != nil {
			return fmt.Errorf("reading curriculum %s: %w", c.path, err)
		}
		extra, extraNames, err := parse(data)
		if err != nil {
			return fmt.Errorf("curriculum %s: %w", c.path, err)
		}
		for k, v := range extra {
			tables[k] = v
			names[k] = extraNames[k]
		}
	}

	c.mu.Lock()
	c.tables, c.names = tables, names
	c.mu.Unlock()
	v := c.version.Add(1)

	c.logger.Info("curriculum loaded", zap.Int("subjects", len(tables)), zap.Uint64("version", v))
	return nil
}

// Chapters returns a copy of the chapters for (classLevel, subject), ordered by number.
func (c *Catalog) Chapters(classLevel int, subject string) []entities.Chapter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	chapters := c.tables[subjectKey{classLevel, entities.NormalizeSubject(subject)}]
	return append([]entities.Chapter(nil), chapters...)
}

// Version changes on every successful reload.
func (c *Catalog) Version() uint64 {
	return c.version.Load()
}

// Subjects lists the loaded tables ordered by class then subject.
func (c *Catalog) Subjects() []Subject {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Subject, 0, len(c.tables))
	for k, chapters := range c.tables {
		out = append(out, Subject{ClassLevel: k.classLevel, Subject: c.names[k], Chapters: len(chapters)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClassLevel != out[j].ClassLevel {
			return out[i].ClassLevel < out[j].ClassLevel
		}
		return out[i].Subject < out[j].Subject
	})
	return out
}

// Watch reloads the override file whenever it changes, until ctx ends.
func (c *Catalog) Watch(ctx context.Context, w ports.FileWatcher) error {
	if c.path == "" {
		return nil
	}
	abs, err := filepath.Abs(c.path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", c.path, err)
	}
	events, err := w.Watch(ctx, filepath.Dir(abs))
	if err != nil {
		return fmt.Errorf("watching %s: %w", c.path, err)
	}

	go func() {
		for ev := range events {
			if p, _ := filepath.Abs(ev.Path); p != abs || ev.Operation == ports.FileDeleted {
				continue
			}
			if err := c.Reload(); err != nil {
				c.logger.Warn("curriculum reload failed, keeping previous version", zap.Error(err))
			}
		}
	}()
	return nil
}

func parse(data []byte) (map[subjectKey][]entities.Chapter, map[subjectKey]string, error) {
	var f fileFormat
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.SetStrict(true)
	if err := dec.Decode(&f); err != nil {
		return nil, nil, fmt.Errorf("decoding yaml: %w", err)
	}

	tables := make(map[subjectKey][]entities.Chapter, len(f.Subjects))
	names := make(map[subjectKey]string, len(f.Subjects))
	for _, g := range f.Subjects {
		if g.ClassLevel <= 0 || strings.TrimSpace(g.Subject) == "" {
			return nil, nil, fmt.Errorf("subject group needs class_level and subject")
		}
		key := subjectKey{g.ClassLevel, entities.NormalizeSubject(g.Subject)}
		if _, dup := tables[key]; dup {
			return nil, nil, fmt.Errorf("duplicate group class %d %s", g.ClassLevel, g.Subject)
		}

		seen := make(map[int]bool, len(g.Chapters))
		chapters := make([]entities.Chapter, 0, len(g.Chapters))
		for _, ch := range g.Chapters {
			if ch.Number <= 0 || strings.TrimSpace(ch.Title) == "" {
				return nil, nil, fmt.Errorf("class %d %s: chapter needs a positive number and a title", g.ClassLevel, g.Subject)
			}
			if seen[ch.Number] {
				return nil, nil, fmt.Errorf("class %d %s: duplicate chapter %d", g.ClassLevel, g.Subject, ch.Number)
			}
			seen[ch.Number] = true
			ch.ClassLevel = g.ClassLevel
			ch.Subject = g.Subject
			chapters = append(chapters, ch)
		}
		sort.Slice(chapters, func(i, j int) bool { return chapters[i].Number < chapters[j].Number })
		tables[key] = chapters
		names[key] = g.Subject
	}
	return tables, names, nil
}
