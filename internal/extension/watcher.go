package extension

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultBurst is how long the watcher waits after the last file event
// before reloading, so one save that produces several events reloads once.
const DefaultBurst = 100 * time.Millisecond

// Watcher reloads packs when their files change, loads packs that appear
// under the extension paths and unloads packs whose manifest disappears.
type Watcher struct {
	manager *Manager
	paths   []string
	fw      *fsnotify.Watcher
	logger  *zap.Logger

	// Burst overrides DefaultBurst when set before Run.
	Burst time.Duration
}

// NewWatcher creates a watcher over paths.
func NewWatcher(m *Manager, paths []string, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		manager: m,
		paths:   paths,
		fw:      fw,
		logger:  logger.With(zap.String("component", "extension-watcher")),
		Burst:   DefaultBurst,
	}, nil
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fw.Close()

	if err := w.watchAll(); err != nil {
		return err
	}

	eatBurstTimer := time.NewTimer(0)
	<-eatBurstTimer.C
	changed := make(map[string]struct{})

	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return errors.New("fsnotify watcher closed")
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			w.logger.Debug("File system event", zap.String("event", ev.String()))
			changed[w.packDir(ev.Name)] = struct{}{}
			eatBurstTimer.Reset(w.Burst)

		case <-eatBurstTimer.C:
			dirs := make([]string, 0, len(changed))
			for dir := range changed {
				dirs = append(dirs, dir)
				delete(changed, dir)
			}
			sort.Strings(dirs)
			for _, dir := range dirs {
				w.apply(ctx, dir)
			}

		case err, ok := <-w.fw.Errors:
			if !ok {
				return errors.New("fsnotify watcher closed")
			}
			w.logger.Error("fsnotify error", zap.Error(err))

		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Watcher) watchAll() error {
	for _, p := range w.paths {
		w.add(p)
	}
	dirs, err := w.manager.Loader().PackDirs(w.paths)
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		w.add(dir)
	}
	return nil
}

func (w *Watcher) add(dir string) {
	if err := w.fw.Add(dir); err != nil {
		w.logger.Debug("Cannot watch directory", zap.String("dir", dir), zap.Error(err))
	}
}

// packDir maps a changed path to the pack directory it belongs to. A
// direct child of a root is a pack directory itself unless the root is a
// pack.
func (w *Watcher) packDir(path string) string {
	parent := filepath.Dir(path)
	for _, root := range w.paths {
		if filepath.Clean(root) == path {
			return path
		}
		if filepath.Clean(root) == parent {
			if isPack(root) {
				return parent
			}
			return path
		}
	}
	return parent
}

func (w *Watcher) apply(ctx context.Context, dir string) {
	name, known := w.manager.NameForDir(dir)
	exists := isPack(dir)

	var err error
	switch {
	case known && exists:
		w.logger.Info("Reloading extension", zap.String("name", name))
		err = w.manager.Reload(ctx, name)
	case known:
		w.logger.Info("Extension removed", zap.String("name", name))
		err = w.manager.Unload(ctx, name)
		_ = w.fw.Remove(dir)
	case exists:
		w.add(dir)
		var ext *Extension
		if ext, err = w.manager.Load(ctx, dir); err == nil {
			w.logger.Info("Extension added", zap.String("name", ext.Name()))
		}
	default:
		// A new directory without a manifest yet; watch it for one.
		w.add(dir)
		return
	}
	if err != nil {
		w.logger.Error("Extension change not applied", zap.String("dir", dir), zap.Error(err))
	}
}
