package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nadzzz/voicebox/internal/config"
)

// Error definitions for the model package.
var (
	ErrBackendNotFound = errors.New("backend not found")
	ErrNotReady        = errors.New("models are not loaded")
)

// Spec is what a Factory needs to bring up one capability.
type Spec struct {
	// Name is "encoder" or "vocoder".
	Name string

	// Config is the capability's configuration block.
	Config config.ModelConfig

	// ModelDir is the resolved local artifact directory, empty when the
	// model has no source.
	ModelDir string
}

// Factory creates capabilities for one backend kind.
type Factory interface {
	NewEncoder(ctx context.Context, spec Spec) (Encoder, error)
	NewVocoder(ctx context.Context, spec Spec) (Vocoder, error)
}

// SourceResolver materialises pretrained artifacts in the cache directory.
type SourceResolver interface {
	Resolve(ctx context.Context, name string, src config.SourceConfig, cacheDir string) (string, error)
}

// Registry holds the loaded Text Encoder and Vocoder. It is initialized once
// and is read-only afterwards, so concurrent requests need no locking.
type Registry struct {
	cfg       config.ModelsConfig
	cacheDir  string
	resolver  SourceResolver
	factories map[string]Factory

	once    sync.Once
	initErr error
	ready   atomic.Bool
	encoder Encoder
	vocoder Vocoder
}

// NewRegistry creates an unready registry. factories maps backend kinds
// (config.BackendRemote, config.BackendCommand) to their constructors.
func NewRegistry(cfg config.ModelsConfig, cacheDir string, resolver SourceResolver, factories map[string]Factory) *Registry {
	return &Registry{
		cfg:       cfg,
		cacheDir:  cacheDir,
		resolver:  resolver,
		factories: factories,
	}
}

// Initialize resolves and loads both capabilities. It runs once; later
// calls return the outcome of the first. On failure the registry stays
// unready and the error is logged, the process keeps running.
func (r *Registry) Initialize(ctx context.Context) error {
	r.once.Do(func() {
		r.initErr = r.load(ctx)
		if r.initErr != nil {
			slog.Error("Failed to load models", "error", r.initErr)
			return
		}
		r.ready.Store(true)
		slog.Info("Models loaded successfully",
			"encoder_backend", r.cfg.Encoder.Backend,
			"vocoder_backend", r.cfg.Vocoder.Backend)
	})
	return r.initErr
}

func (r *Registry) load(ctx context.Context) error {
	encSpec, err := r.spec(ctx, "encoder", r.cfg.Encoder)
	if err != nil {
		return err
	}
	vocSpec, err := r.spec(ctx, "vocoder", r.cfg.Vocoder)
	if err != nil {
		return err
	}

	encFactory, err := r.factory(encSpec)
	if err != nil {
		return err
	}
	vocFactory, err := r.factory(vocSpec)
	if err != nil {
		return err
	}

	enc, err := encFactory.NewEncoder(ctx, encSpec)
	if err != nil {
		return fmt.Errorf("load encoder: %w", err)
	}

	voc, err := vocFactory.NewVocoder(ctx, vocSpec)
	if err != nil {
		if cerr := enc.Close(); cerr != nil {
			slog.Warn("Failed to close encoder after vocoder load failure", "error", cerr)
		}
		return fmt.Errorf("load vocoder: %w", err)
	}

	r.encoder = enc
	r.vocoder = voc
	return nil
}

func (r *Registry) spec(ctx context.Context, name string, cfg config.ModelConfig) (Spec, error) {
	dir, err := r.resolver.Resolve(ctx, name, cfg.Source, r.cacheDir)
	if err != nil {
		return Spec{}, fmt.Errorf("resolve %s source: %w", name, err)
	}
	return Spec{Name: name, Config: cfg, ModelDir: dir}, nil
}

func (r *Registry) factory(spec Spec) (Factory, error) {
	f, ok := r.factories[spec.Config.Backend]
	if !ok {
		return nil, fmt.Errorf("%s: %w: %q", spec.Name, ErrBackendNotFound, spec.Config.Backend)
	}
	return f, nil
}

// Fetch resolves both sources into the cache directory without loading
// the capabilities. It returns the resolved directories keyed by name.
func (r *Registry) Fetch(ctx context.Context) (map[string]string, error) {
	encSpec, err := r.spec(ctx, "encoder", r.cfg.Encoder)
	if err != nil {
		return nil, err
	}
	vocSpec, err := r.spec(ctx, "vocoder", r.cfg.Vocoder)
	if err != nil {
		return nil, err
	}
	return map[string]string{encSpec.Name: encSpec.ModelDir, vocSpec.Name: vocSpec.ModelDir}, nil
}

// IsReady reports whether both capabilities loaded successfully.
func (r *Registry) IsReady() bool {
	return r.ready.Load()
}

// Encoder returns the loaded Text Encoder, or nil when not ready.
func (r *Registry) Encoder() Encoder {
	if !r.IsReady() {
		return nil
	}
	return r.encoder
}

// Vocoder returns the loaded Vocoder, or nil when not ready.
func (r *Registry) Vocoder() Vocoder {
	if !r.IsReady() {
		return nil
	}
	return r.vocoder
}

// Close releases both capabilities. It is meant for process shutdown.
func (r *Registry) Close() error {
	if !r.ready.CompareAndSwap(true, false) {
		return nil
	}
	return errors.Join(r.encoder.Close(), r.vocoder.Close())
}
