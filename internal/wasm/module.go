package wasm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"time"

	"go.uber.org/zap"
)

// ModuleSource supplies a module binary.
type ModuleSource interface {
	Name() string
	Load() ([]byte, error)
}

// FileSource reads a module from disk.
type FileSource struct {
	ModuleName string
	Path       string
}

func (s FileSource) Name() string { return s.ModuleName }

func (s FileSource) Load() ([]byte, error) { return os.ReadFile(s.Path) }

// BytesSource serves a module held in memory.
type BytesSource struct {
	ModuleName string
	Bytes      []byte
}

func (s BytesSource) Name() string { return s.ModuleName }

func (s BytesSource) Load() ([]byte, error) { return s.Bytes, nil }

// ModuleLoader compiles modules and caches them by name. A cached module
// is reused while its binary is unchanged and recompiled when it changes.
type ModuleLoader struct {
	runtime *Runtime
	logger  *zap.Logger
}

// NewModuleLoader creates a loader backed by r.
func NewModuleLoader(r *Runtime, logger *zap.Logger) *ModuleLoader {
	return &ModuleLoader{
		runtime: r,
		logger:  logger.With(zap.String("component", "wasm-loader")),
	}
}

// Load returns the compiled module for src.
func (l *ModuleLoader) Load(ctx context.Context, src ModuleSource) (*CompiledModule, error) {
	if l.runtime.IsClosed() {
		return nil, ErrRuntimeClosed
	}

	name := src.Name()
	data, err := src.Load()
	if err != nil {
		return nil, &ModuleNotFoundError{ModuleName: name, Err: err}
	}
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	cached, ok := l.runtime.GetCompiledModule(name)
	if ok && cached.Digest == digest {
		l.logger.Debug("Using cached module", zap.String("module", name))
		return cached, nil
	}

	start := time.Now()
	compiled, err := l.runtime.runtime.CompileModule(ctx, data)
	if err != nil {
		return nil, &CompilationError{ModuleName: name, Err: err}
	}

	source := "memory"
	if fs, isFile := src.(FileSource); isFile {
		source = fs.Path
	}
	m := &CompiledModule{
		Module:     compiled,
		Name:       name,
		Source:     source,
		Digest:     digest,
		SizeBytes:  int64(len(data)),
		CompiledAt: time.Now(),
	}
	l.runtime.storeCompiledModule(m)

	// Instances keep running after their compiled module is closed.
	if ok {
		_ = cached.Module.Close(ctx)
	}

	l.logger.Info("Module compiled",
		zap.String("module", name),
		zap.String("source", source),
		zap.Int64("size_bytes", m.SizeBytes),
		zap.Bool("replaced", ok),
		zap.Duration("elapsed", time.Since(start)),
	)
	return m, nil
}

// Evict drops a module from the cache.
func (l *ModuleLoader) Evict(ctx context.Context, name string) error {
	m, ok := l.runtime.GetCompiledModule(name)
	if !ok {
		return nil
	}
	l.runtime.deleteCompiledModule(name)
	return m.Module.Close(ctx)
}
