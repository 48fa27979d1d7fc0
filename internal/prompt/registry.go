package prompt

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

//go:embed templates/*.yaml
var defaultTemplates embed.FS

const reloadDebounce = 250 * time.Millisecond

// Registry holds the active template set. Files in the override directory
// replace embedded defaults by name. A reload that fails to parse keeps the
// previous set.
type Registry struct {
	dir       string
	logger    *slog.Logger
	templates atomic.Pointer[map[string]*Template]
}

func NewRegistry(dir string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Registry{dir: strings.TrimSpace(dir), logger: logger}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) Get(name string) (*Template, error) {
	tmpl, ok := (*r.templates.Load())[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	return tmpl, nil
}

func (r *Registry) Names() []string {
	set := *r.templates.Load()
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reload rebuilds the template set from the embedded defaults and the override directory.
func (r *Registry) Reload() error {
	set := map[string]*Template{}
	entries, err := defaultTemplates.ReadDir("templates")
	if err != nil {
		return fmt.Errorf("read embedded templates: %w", err)
	}
	for _, entry := range entries {
		data, err := defaultTemplates.ReadFile("templates/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read embedded template %s: %w", entry.Name(), err)
		}
		if err := mergeTemplates(set, entry.Name(), data); err != nil {
			return err
		}
	}
	defaults := len(set)

	overrides, err := r.overrideFiles()
	if err != nil {
		return err
	}
	for _, file := range overrides {
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read template file %s: %w", file, err)
		}
		if err := mergeTemplates(set, file, data); err != nil {
			return err
		}
	}

	r.templates.Store(&set)
	r.logger.Debug("prompt templates loaded",
		slog.Int("defaults", defaults),
		slog.Int("override_files", len(overrides)),
		slog.Int("templates", len(set)),
	)
	return nil
}

func mergeTemplates(set map[string]*Template, source string, data []byte) error {
	parsed, err := ParseTemplates(data)
	if err != nil {
		return fmt.Errorf("%s: %w", source, err)
	}
	for _, tmpl := range parsed {
		set[tmpl.Name] = tmpl
	}
	return nil
}

func (r *Registry) overrideFiles() ([]string, error) {
	if r.dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read template dir: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isTemplateFile(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(r.dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func isTemplateFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return (ext == ".yaml" || ext == ".yml") && !strings.HasPrefix(name, ".")
}

// Watch reloads the registry when template files in the override directory
// change, until ctx is done. Bursts of events are coalesced.
func (r *Registry) Watch(ctx context.Context) error {
	if r.dir == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create template watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("watch template dir: %w", err)
	}

	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isTemplateFile(filepath.Base(event.Name)) || event.Op == fsnotify.Chmod {
				continue
			}
			timer.Reset(reloadDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.WarnContext(ctx, "template watcher error", slog.Any("error", err))
		case <-timer.C:
			if err := r.Reload(); err != nil {
				r.logger.ErrorContext(ctx, "prompt template reload failed; keeping previous templates", slog.Any("error", err))
				continue
			}
			r.logger.InfoContext(ctx, "prompt templates reloaded", slog.String("dir", r.dir))
		}
	}
}
