// Package templates loads the prompt templates used by the extraction
// agents. Defaults are embedded; an optional override directory replaces
// same-named templates and is hot-reloaded while the daemon runs.
package templates

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/fsnotify/fsnotify"
)

//go:embed defaults/*.tmpl
var defaultFS embed.FS

// Template names.
const (
	OCRPage              = "ocr_page.tmpl"
	TitleAnalyze         = "title_analyze.tmpl"
	CorrespondentAnalyze = "correspondent_analyze.tmpl"
	DocumentTypeAnalyze  = "document_type_analyze.tmpl"
	TagsAnalyze          = "tags_analyze.tmpl"
	CustomFieldsAnalyze  = "custom_fields_analyze.tmpl"
	DocumentLinksAnalyze = "document_links_analyze.tmpl"
	Confirm              = "confirm.tmpl"
)

// Store holds the parsed template set. Render is safe for concurrent use
// with a running Watch.
type Store struct {
	overrideDir string

	mu  sync.RWMutex
	set *template.Template
}

// New parses the embedded defaults plus any overrides in dir. An empty dir
// means defaults only.
func New(dir string) (*Store, error) {
	set, err := parseSet(dir)
	if err != nil {
		return nil, err
	}
	return &Store{overrideDir: dir, set: set}, nil
}

// Render executes the named template.
func (s *Store) Render(name string, data any) (string, error) {
	s.mu.RLock()
	set := s.set
	s.mu.RUnlock()

	var sb strings.Builder
	if err := set.ExecuteTemplate(&sb, name, data); err != nil {
		return "", fmt.Errorf("rendering template %s: %w", name, err)
	}
	return sb.String(), nil
}

// Watch reloads the template set whenever a .tmpl file in the override
// directory changes. It returns immediately when no override directory is
// configured; otherwise the watcher runs until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	if s.overrideDir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating template watcher: %w", err)
	}
	if err := watcher.Add(s.overrideDir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", s.overrideDir, err)
	}
	go s.processEvents(ctx, watcher)
	return nil
}

func (s *Store) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != ".tmpl" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.reload(); err != nil {
				slog.Warn("template reload failed", "file", event.Name, "error", err)
				continue
			}
			slog.Info("templates reloaded", "file", event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("template watcher error", "error", err)
		}
	}
}

func (s *Store) reload() error {
	set, err := parseSet(s.overrideDir)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.set = set
	s.mu.Unlock()
	return nil
}

func parseSet(overrideDir string) (*template.Template, error) {
	set, err := template.ParseFS(defaultFS, "defaults/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parsing embedded templates: %w", err)
	}
	if overrideDir == "" {
		return set, nil
	}

	entries, err := os.ReadDir(overrideDir)
	if err != nil {
		return nil, fmt.Errorf("reading template override dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".tmpl" {
			paths = append(paths, filepath.Join(overrideDir, e.Name()))
		}
	}
	if len(paths) == 0 {
		return set, nil
	}

	set, err = set.ParseFiles(paths...)
	if err != nil {
		return nil, fmt.Errorf("parsing template overrides: %w", err)
	}
	return set, nil
}
