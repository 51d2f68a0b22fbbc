// Package activity observes filesystem activity across the plan file, the
// log directory, and the project source tree. The scheduler uses it to catch
// workers that are alive but silently stuck.
package activity

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ahenriksen/waypoint/internal/logging"
)

// Directories that churn without representing real progress.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"quarantine":   true,
}

// Probe reports the latest modification time across the tracked paths.
type Probe struct {
	PlanPath    string
	LogDir      string
	ProjectRoot string
	Logger      *logging.Logger

	mu   sync.Mutex
	last time.Time
}

func NewProbe(planPath, logDir, projectRoot string, logger *logging.Logger) *Probe {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Probe{
		PlanPath:    planPath,
		LogDir:      logDir,
		ProjectRoot: projectRoot,
		Logger:      logger,
		last:        time.Now(),
	}
}

// LatestActivity walks the tracked paths and returns the newest mtime seen.
func (p *Probe) LatestActivity() time.Time {
	var latest time.Time

	if info, err := os.Stat(p.PlanPath); err == nil && info.ModTime().After(latest) {
		latest = info.ModTime()
	}

	for _, root := range []string{p.LogDir, p.ProjectRoot} {
		if root == "" {
			continue
		}
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			if d.IsDir() {
				return nil
			}
			if info, err := d.Info(); err == nil && info.ModTime().After(latest) {
				latest = info.ModTime()
			}
			return nil
		})
	}
	return latest
}

// Watch installs fsnotify watches on the tracked directories and keeps a
// cheap last-activity timestamp current until ctx ends. fsnotify is not
// recursive, so the project root's immediate subdirectories are watched too;
// a full mtime walk (LatestActivity) remains the authoritative fallback.
func (p *Probe) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	add := func(dir string) {
		if dir == "" {
			return
		}
		if err := watcher.Add(dir); err != nil {
			p.Logger.Debugf("watch %s: %v", dir, err)
		}
	}

	add(filepath.Dir(p.PlanPath))
	add(p.LogDir)
	add(p.ProjectRoot)
	if entries, err := os.ReadDir(p.ProjectRoot); err == nil {
		for _, entry := range entries {
			if entry.IsDir() && !skipDirs[entry.Name()] {
				add(filepath.Join(p.ProjectRoot, entry.Name()))
			}
		}
	}

	p.Touch()

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				p.Touch()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.Logger.Debugf("fsnotify error: %v", err)
			}
		}
	}()
	return nil
}

// Touch records activity now.
func (p *Probe) Touch() {
	p.mu.Lock()
	p.last = time.Now()
	p.mu.Unlock()
}

// LastActivity returns the most recent activity timestamp seen by Watch.
func (p *Probe) LastActivity() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// PossiblyStuck reports whether nothing tracked has changed within window.
// Exposed as a diagnostic on the status surface.
func (p *Probe) PossiblyStuck(window time.Duration) bool {
	if window <= 0 {
		return false
	}
	return time.Since(p.LatestActivity()) > window
}
