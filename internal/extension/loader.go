package extension

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/woxQAQ/chart-worker/internal/wasm"
)

// Loader reads packs from disk and compiles their modules.
type Loader struct {
	moduleLoader *wasm.ModuleLoader
	logger       *zap.Logger
}

// NewLoader creates a loader. runtime may be nil, in which case packs
// with a wasm module fail to load.
func NewLoader(runtime *wasm.Runtime, logger *zap.Logger) *Loader {
	l := &Loader{logger: logger.With(zap.String("component", "extension-loader"))}
	if runtime != nil {
		l.moduleLoader = wasm.NewModuleLoader(runtime, logger)
	}
	return l
}

// LoadExtension loads a single pack from a directory.
func (l *Loader) LoadExtension(ctx context.Context, dir string) (*Extension, error) {
	l.logger.Debug("Loading extension", zap.String("dir", dir))

	manifest, err := ParseManifest(dir)
	if err != nil {
		return nil, err
	}

	ext := &Extension{Manifest: manifest, LoadedAt: time.Now()}

	if manifest.Script != "" {
		src, err := os.ReadFile(manifest.ScriptPath())
		if err != nil {
			return nil, &LoadError{Name: manifest.Name, Err: err}
		}
		ext.Source = string(src)
	}

	if manifest.Wasm != nil {
		if l.moduleLoader == nil {
			return nil, &LoadError{Name: manifest.Name, Err: errors.New("wasm runtime disabled")}
		}
		// Cached per pack name, recompiled when the binary changes.
		compiled, err := l.moduleLoader.Load(ctx, wasm.FileSource{
			ModuleName: manifest.Name,
			Path:       manifest.WasmPath(),
		})
		if err != nil {
			return nil, &LoadError{Name: manifest.Name, Err: err}
		}
		ext.Compiled = compiled
	}

	l.logger.Info("Extension loaded",
		zap.String("name", manifest.Name),
		zap.String("version", manifest.Version),
		zap.Bool("script", manifest.Script != ""),
		zap.Bool("wasm", manifest.Wasm != nil),
	)
	return ext, nil
}

// Evict drops the pack's compiled module from the cache.
func (l *Loader) Evict(ctx context.Context, name string) error {
	if l.moduleLoader == nil {
		return nil
	}
	return l.moduleLoader.Evict(ctx, name)
}

// PackDirs lists pack directories under paths. A path that holds a
// manifest is itself a pack, otherwise its subdirectories are scanned.
// Missing paths are skipped.
func (l *Loader) PackDirs(paths []string) ([]string, error) {
	var dirs []string
	for _, basePath := range paths {
		l.logger.Debug("Scanning extension directory", zap.String("path", basePath))

		if isPack(basePath) {
			dirs = append(dirs, basePath)
			continue
		}

		entries, err := os.ReadDir(basePath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				l.logger.Warn("Extension path does not exist", zap.String("path", basePath))
				continue
			}
			return nil, fmt.Errorf("failed to read directory '%s': %w", basePath, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dirs = append(dirs, filepath.Join(basePath, entry.Name()))
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// Discover loads every pack under paths. Packs that fail are skipped;
// their errors are combined into the returned error.
func (l *Loader) Discover(ctx context.Context, paths []string) ([]*Extension, error) {
	dirs, err := l.PackDirs(paths)
	if err != nil {
		return nil, err
	}

	var exts []*Extension
	var errs error
	for _, dir := range dirs {
		ext, err := l.LoadExtension(ctx, dir)
		if err != nil {
			l.logger.Error("Failed to load extension",
				zap.String("dir", dir),
				zap.Error(err),
			)
			errs = multierr.Append(errs, err)
			continue
		}
		exts = append(exts, ext)
	}

	if len(exts) > 0 && errs != nil {
		l.logger.Warn("Some extensions failed to load",
			zap.Int("loaded", len(exts)),
			zap.Int("failed", len(multierr.Errors(errs))),
		)
	}
	if len(exts) == 0 && errs == nil {
		return nil, &NoExtensionsFoundError{Paths: paths}
	}
	return exts, errs
}

func isPack(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ManifestFile))
	return err == nil && !info.IsDir()
}
