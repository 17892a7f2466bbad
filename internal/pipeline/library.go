package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/tkodaira/pipeflow/internal/logutil"
)

// Library holds the workflow templates loaded from a directory and keeps them
// fresh while the daemon runs. A template file that fails to parse is skipped
// with a logged error; the previously loaded version, if any, stays in place.
type Library struct {
	dir    string
	logger *logutil.Logger

	mu        sync.RWMutex
	templates map[string]*WorkflowTemplate
}

func NewLibrary(dir string, logger *logutil.Logger) *Library {
	if logger == nil {
		logger = logutil.Discard()
	}
	return &Library{
		dir:       dir,
		logger:    logger.WithComponent("templates"),
		templates: make(map[string]*WorkflowTemplate),
	}
}

// Load scans the directory for *.yaml and *.yml template files.
func (l *Library) Load() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("read template directory: %w", err)
	}

	loaded := make(map[string]*WorkflowTemplate)
	for _, entry := range entries {
		if entry.IsDir() || !isTemplateFile(entry.Name()) {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		tpl, err := LoadTemplate(path)
		if err != nil {
			l.logger.Errorf("template_skipped file=%s error=%v", entry.Name(), err)
			continue
		}
		if _, dup := loaded[tpl.Name]; dup {
			l.logger.Errorf("template_skipped file=%s error=duplicate name %q", entry.Name(), tpl.Name)
			continue
		}
		loaded[tpl.Name] = tpl
	}

	l.mu.Lock()
	for name, tpl := range loaded {
		l.templates[name] = tpl
	}
	l.mu.Unlock()

	l.logger.Infof("templates_loaded dir=%s count=%d", l.dir, len(loaded))
	return nil
}

// Get returns the named template.
func (l *Library) Get(name string) (*WorkflowTemplate, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tpl, ok := l.templates[name]
	return tpl, ok
}

// Names lists loaded template names, sorted.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.templates))
	for name := range l.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Watch reloads the library whenever a template file changes, until ctx is
// cancelled.
func (l *Library) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch template directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isTemplateFile(filepath.Base(event.Name)) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			l.logger.Debugf("template_changed file=%s op=%s", filepath.Base(event.Name), event.Op)
			if err := l.Load(); err != nil {
				l.logger.Errorf("template_reload error=%v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Errorf("template_watch error=%v", err)
		}
	}
}

func isTemplateFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}
