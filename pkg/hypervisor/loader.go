package hypervisor

import (
	"context"
	"sync"
)

// LoaderGate stands in for the file loader while the machine's
// filesystem is exported but no loader has been installed yet. Loads
// wait until Install is called.
type LoaderGate struct {
	mu        sync.Mutex
	loader    FileLoader
	installed chan struct{}
}

// NewLoaderGate returns a gate with no loader installed.
func NewLoaderGate() *LoaderGate {
	return &LoaderGate{installed: make(chan struct{})}
}

// Install sets the loader. It may be called once.
func (g *LoaderGate) Install(loader FileLoader) error {
	if loader == nil {
		return ErrNilLoader
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.loader != nil {
		return ErrLoaderInstalled
	}
	g.loader = loader
	close(g.installed)
	return nil
}

// Installed is closed once a loader is installed.
func (g *LoaderGate) Installed() <-chan struct{} {
	return g.installed
}

// Load waits for a loader and delegates to it.
func (g *LoaderGate) Load(ctx context.Context, key string) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-g.installed:
	}

	g.mu.Lock()
	loader := g.loader
	g.mu.Unlock()
	return loader.Load(ctx, key)
}
