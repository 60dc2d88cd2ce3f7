package services

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bananajs/banana/internal/cache"
	"github.com/bananajs/banana/internal/logger"
	"github.com/bananajs/banana/internal/models"
	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
)

// Directory names that are never watched, whatever the configuration says.
var alwaysExcluded = []string{"node_modules", ".git"}

const maxCoalesceEntries = 4096

// FileWatchBroadcaster turns filesystem changes under the watch roots into
// update events for every connected channel.
type FileWatchBroadcaster struct {
	broadcaster Broadcaster
	clock       *BuildClock
	baseDir     string
	coalesce    time.Duration

	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	roots       []string
	excludes    []glob.Glob
	recent      *cache.Seen
	failedRoots map[string]bool
	done        chan struct{}
	wg          sync.WaitGroup
	now         func() time.Time
}

// NewFileWatchBroadcaster creates a watcher reporting paths relative to
// baseDir. A coalesce window of zero reports every event.
func NewFileWatchBroadcaster(b Broadcaster, clock *BuildClock, baseDir string, coalesce time.Duration) *FileWatchBroadcaster {
	return &FileWatchBroadcaster{
		broadcaster: b,
		clock:       clock,
		baseDir:     baseDir,
		coalesce:    coalesce,
		recent:      cache.NewSeen(coalesce, maxCoalesceEntries),
		failedRoots: make(map[string]bool),
		now:         time.Now,
	}
}

// Start begins watching roots recursively. Roots that cannot be watched are
// logged once and skipped; the others keep working.
func (w *FileWatchBroadcaster) Start(roots []string, excludePatterns []string) error {
	excludes, err := compileExcludes(excludePatterns)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		_ = watcher.Close()
		return errors.New("file watcher already started")
	}
	w.watcher = watcher
	w.excludes = excludes
	w.done = make(chan struct{})
	w.roots = w.roots[:0]
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			abs = filepath.Clean(root)
		}
		w.roots = append(w.roots, abs)
	}
	watchRoots := append([]string(nil), w.roots...)
	w.mu.Unlock()

	watched := 0
	for _, root := range watchRoots {
		if err := w.addTree(root, root); err != nil {
			w.reportRootError(root, err)
			continue
		}
		watched++
	}
	logger.Infof("👀 Watching %d/%d roots for changes", watched, len(watchRoots))

	w.wg.Add(1)
	go w.loop(watcher, w.done)
	return nil
}

// Stop closes the underlying watcher and waits for the event loop to exit.
func (w *FileWatchBroadcaster) Stop() {
	w.mu.Lock()
	watcher, done := w.watcher, w.done
	w.watcher = nil
	w.mu.Unlock()

	if watcher == nil {
		return
	}
	close(done)
	_ = watcher.Close()
	w.wg.Wait()
}

func (w *FileWatchBroadcaster) loop(watcher *fsnotify.Watcher, done chan struct{}) {
	defer w.wg.Done()
	for {
		select {
		case <-done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("⚠️ File watcher error: %v", err)
		}
	}
}

func (w *FileWatchBroadcaster) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	root := w.rootFor(event.Name)
	if root == "" {
		return
	}
	if w.isExcluded(root, event.Name) {
		return
	}

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTreeWith(watcher, root, event.Name); err != nil {
				logger.Warnf("⚠️ Failed to watch new directory %s: %v", event.Name, err)
			}
			return
		}
	}

	if !w.shouldReport(event.Name) {
		return
	}

	file := w.displayPath(root, event.Name)
	ev := models.NewUpdate(file, w.clock.SinceBuildStart().Milliseconds())
	sent := w.broadcaster.Broadcast(ev)
	logger.Debugf("📝 %s %s → %d channels", event.Op, file, sent)
}

// shouldReport applies the coalescing window per file.
func (w *FileWatchBroadcaster) shouldReport(path string) bool {
	if w.coalesce <= 0 {
		return true
	}
	return !w.recent.Touch(path, w.now())
}

func (w *FileWatchBroadcaster) addTree(root, dir string) error {
	w.mu.Lock()
	watcher := w.watcher
	w.mu.Unlock()
	if watcher == nil {
		return errors.New("file watcher stopped")
	}
	return w.addTreeWith(watcher, root, dir)
}

func (w *FileWatchBroadcaster) addTreeWith(watcher *fsnotify.Watcher, root, dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == dir {
				return walkErr
			}
			w.reportRootError(root, walkErr)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.isExcluded(root, path) {
			return fs.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			if path == dir {
				return err
			}
			w.reportRootError(root, err)
			return fs.SkipDir
		}
		return nil
	})
}

// reportRootError logs a root's first failure only.
func (w *FileWatchBroadcaster) reportRootError(root string, err error) {
	w.mu.Lock()
	seen := w.failedRoots[root]
	w.failedRoots[root] = true
	w.mu.Unlock()

	if !seen {
		logger.Warnf("⚠️ Cannot watch %s: %v", root, err)
	}
}

func (w *FileWatchBroadcaster) rootFor(path string) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	best := ""
	for _, root := range w.roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			if len(root) > len(best) {
				best = root
			}
		}
	}
	return best
}

func (w *FileWatchBroadcaster) isExcluded(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		return false
	}

	segments := strings.Split(rel, "/")
	for _, seg := range segments {
		for _, name := range alwaysExcluded {
			if seg == name {
				return true
			}
		}
	}

	w.mu.Lock()
	excludes := w.excludes
	w.mu.Unlock()
	for _, g := range excludes {
		if g.Match(rel) {
			return true
		}
		for _, seg := range segments {
			if g.Match(seg) {
				return true
			}
		}
	}
	return false
}

// displayPath is relative to baseDir when the file lives under it, otherwise
// relative to its watch root.
func (w *FileWatchBroadcaster) displayPath(root, path string) string {
	if w.baseDir != "" {
		if base, err := filepath.Abs(w.baseDir); err == nil {
			if rel, err := filepath.Rel(base, path); err == nil && !strings.HasPrefix(rel, "..") {
				return filepath.ToSlash(rel)
			}
		}
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// Roots returns the absolute roots being watched.
func (w *FileWatchBroadcaster) Roots() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.roots...)
}

func compileExcludes(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		g, err := glob.Compile(strings.TrimSuffix(p, "/"), '/')
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}
